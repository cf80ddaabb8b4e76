package audit

import "time"

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorSystem ActorType = "SYSTEM"
	ActorUser   ActorType = "USER"
)

// Severity grades how alarming an audited action is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Entry is one row of the per-channel hash chain. Entries are never updated
// or deleted; EntryHash binds each entry to its predecessor via PrevHash.
type Entry struct {
	ID        string
	ChannelID string
	Seq       int64
	ActorType ActorType
	ActorID   *string
	Action    string
	Severity  Severity
	RefType   string
	RefID     string
	Before    map[string]any
	After     map[string]any
	Meta      map[string]any
	PrevHash  string
	EntryHash string
	CreatedAt time.Time
}

// AppendParams carries everything needed to append one entry.
type AppendParams struct {
	ChannelID string
	ActorType ActorType
	ActorID   *string
	Action    string
	Severity  Severity
	RefType   string
	RefID     string
	Before    map[string]any
	After     map[string]any
	Meta      map[string]any
}
