package review

import "time"

// Severity grades how urgently a queue item needs human attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMed      Severity = "med"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status tracks an item through the operator backlog.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusDismissed  Status = "dismissed"
)

// ChecklistItem is one step an operator works through before closing an item.
type ChecklistItem struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Completed bool   `json:"completed"`
}

// Item is a single entry in the human-escalation backlog.
type Item struct {
	ID        string
	ChannelID string
	Type      string
	Severity  Severity
	Status    Status
	RefType   string
	RefID     string
	Title     string
	Summary   string
	Checklist []ChecklistItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateParams describes a new queue item. Checklist is optional; when empty
// the dispute escalation checklist is used.
type CreateParams struct {
	ChannelID string
	Type      string
	Severity  Severity
	RefType   string
	RefID     string
	Title     string
	Summary   string
	Checklist []string
}

// DisputeChecklist is the fixed three-step checklist attached to escalated
// disputes.
var DisputeChecklist = []string{"review_evidence", "contact_customer", "submit_response"}
