package dispute

import (
	"time"

	"disputeflow/audit"
)

// Provider identifies the payment provider a dispute case belongs to.
type Provider string

const (
	ProviderPayPal Provider = "paypal"
	ProviderStripe Provider = "stripe"
	ProviderManual Provider = "manual"
)

// ValidProvider reports whether p is a known provider.
func ValidProvider(p Provider) bool {
	switch p {
	case ProviderPayPal, ProviderStripe, ProviderManual:
		return true
	default:
		return false
	}
}

// Record mirrors the disputes table. Status only ever moves along edges of
// the transition table in status.go, and only through Transition.
type Record struct {
	ID               string
	ChannelID        string
	OrderID          *string
	Provider         Provider
	ProviderCaseID   string
	Status           Status
	NeedsManual      bool
	LastError        *string
	Reason           string
	AmountCents      int64
	Currency         string
	EvidencePackID   *string
	EvidenceDeadline *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PackStatus tracks an evidence pack through building, ready and submitted.
// It never regresses.
type PackStatus string

const (
	PackBuilding  PackStatus = "building"
	PackReady     PackStatus = "ready"
	PackSubmitted PackStatus = "submitted"
)

// CommunicationFlags records which customer touchpoints can be evidenced.
type CommunicationFlags struct {
	OrderConfirmationSent    bool `json:"order_confirmation_sent"`
	ShippingNotificationSent bool `json:"shipping_notification_sent"`
	DeliveryConfirmed        bool `json:"delivery_confirmed"`
}

// OrderEvidence is the structured order snapshot embedded in a pack.
type OrderEvidence struct {
	OrderID     string     `json:"order_id"`
	TotalCents  int64      `json:"total_cents"`
	Currency    string     `json:"currency"`
	ItemCount   int        `json:"item_count"`
	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// EvidencePack is the bundle of order, shipping and communication data
// assembled to contest a dispute.
type EvidencePack struct {
	ID                    string
	DisputeID             string
	Status                PackStatus
	TrackingNumber        string
	ProductDescription    string
	CustomerCommunication CommunicationFlags
	AdditionalEvidence    OrderEvidence
	SubmittedAt           *time.Time
	CreatedAt             time.Time
}

// Timeline entry kinds. Kind is a free-form tag; these are the ones the
// engine writes.
const (
	KindStatusChange      = "STATUS_CHANGE"
	KindWebhookReceived   = "WEBHOOK_RECEIVED"
	KindEvidenceGenerated = "EVIDENCE_GENERATED"
	KindEvidenceSubmitted = "EVIDENCE_SUBMITTED"
	KindDisputeCreated    = "DISPUTE_CREATED"
	KindEscalated         = "ESCALATED"
	KindDuplicateCase     = "DUPLICATE_CASE"
)

// TimelineEntry is an append-only, per-dispute observational event. Entries
// are never mutated or deleted.
type TimelineEntry struct {
	ID        string
	ChannelID string
	DisputeID string
	Kind      string
	Message   string
	Meta      map[string]any
	CreatedAt time.Time
}

// Actor identifies who triggered an operation, for audit purposes.
type Actor struct {
	Type audit.ActorType
	ID   *string
}

// SystemActor is the actor recorded for webhook-driven changes.
func SystemActor() Actor {
	return Actor{Type: audit.ActorSystem}
}

// OperatorActor is the actor recorded for operator-triggered changes.
func OperatorActor(operatorID string) Actor {
	return Actor{Type: audit.ActorUser, ID: &operatorID}
}

// Stats aggregates a channel's dispute counts. WinRate is won/(won+lost),
// zero when nothing has been resolved yet.
type Stats struct {
	Total            int
	Open             int
	EvidenceRequired int
	Submitted        int
	Won              int
	Lost             int
	NeedsManual      int
	WinRate          float64
}
