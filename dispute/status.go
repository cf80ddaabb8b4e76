package dispute

import "errors"

// Status is a dispute's position in its lifecycle.
type Status string

const (
	StatusOpen             Status = "open"
	StatusEvidenceRequired Status = "evidence_required"
	StatusEvidenceBuilding Status = "evidence_building"
	StatusEvidenceReady    Status = "evidence_ready"
	StatusSubmitted        Status = "submitted"
	StatusWon              Status = "won"
	StatusLost             Status = "lost"
	StatusClosed           Status = "closed"
	StatusNeedsManual      Status = "needs_manual"
	StatusDuplicate        Status = "duplicate"
	StatusCanceled         Status = "canceled"
)

// ErrInvalidTransition signals the requested status change is not an edge of
// the transition graph for the dispute's current status.
var ErrInvalidTransition = errors.New("dispute: invalid status transition")

// transitions is the legal transition graph. A status missing a target here
// can never reach it; closed has no outgoing edges.
var transitions = map[Status][]Status{
	StatusOpen:             {StatusEvidenceRequired, StatusClosed, StatusNeedsManual},
	StatusEvidenceRequired: {StatusEvidenceBuilding, StatusNeedsManual},
	StatusEvidenceBuilding: {StatusEvidenceReady, StatusNeedsManual},
	StatusEvidenceReady:    {StatusSubmitted, StatusNeedsManual},
	StatusSubmitted:        {StatusWon, StatusLost, StatusNeedsManual},
	StatusWon:              {StatusClosed},
	StatusLost:             {StatusClosed},
	StatusNeedsManual:      {StatusEvidenceBuilding, StatusSubmitted, StatusClosed},
	StatusDuplicate:        {StatusClosed},
	StatusCanceled:         {StatusClosed},
	StatusClosed:           {},
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the legal targets from a status. The returned slice
// must not be mutated.
func AllowedTargets(from Status) []Status {
	return transitions[from]
}

// Terminal reports whether a status has no outgoing edges.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}
