package main

import (
	"time"

	"disputeflow/channel"
	"disputeflow/dispute"
	"disputeflow/review"
)

type listPayload[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

type operatorResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Token    string           `json:"token"`
	Operator operatorResponse `json:"operator"`
}

type channelResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Platform  string `json:"platform"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt"`
}

func toChannelResponse(ch channel.Channel) channelResponse {
	return channelResponse{
		ID:        ch.ID,
		Name:      ch.Name,
		Platform:  ch.Platform,
		Active:    ch.Active,
		CreatedAt: ch.CreatedAt.Format(time.RFC3339),
	}
}

type disputeResponse struct {
	ID               string  `json:"id"`
	ChannelID        string  `json:"channelId"`
	OrderID          *string `json:"orderId,omitempty"`
	Provider         string  `json:"provider"`
	ProviderCaseID   string  `json:"providerCaseId"`
	Status           string  `json:"status"`
	NeedsManual      bool    `json:"needsManual"`
	LastError        *string `json:"lastError,omitempty"`
	Reason           string  `json:"reason"`
	AmountCents      int64   `json:"amountCents"`
	Currency         string  `json:"currency"`
	EvidencePackID   *string `json:"evidencePackId,omitempty"`
	EvidenceDeadline *string `json:"evidenceDeadline,omitempty"`
	CreatedAt        string  `json:"createdAt"`
	UpdatedAt        string  `json:"updatedAt"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:             rec.ID,
		ChannelID:      rec.ChannelID,
		OrderID:        rec.OrderID,
		Provider:       string(rec.Provider),
		ProviderCaseID: rec.ProviderCaseID,
		Status:         string(rec.Status),
		NeedsManual:    rec.NeedsManual,
		LastError:      rec.LastError,
		Reason:         rec.Reason,
		AmountCents:    rec.AmountCents,
		Currency:       rec.Currency,
		EvidencePackID: rec.EvidencePackID,
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      rec.UpdatedAt.Format(time.RFC3339),
	}
	if rec.EvidenceDeadline != nil {
		deadline := rec.EvidenceDeadline.Format(time.RFC3339)
		resp.EvidenceDeadline = &deadline
	}
	return resp
}

type timelineResponse struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

type packResponse struct {
	ID                    string                     `json:"id"`
	Status                string                     `json:"status"`
	TrackingNumber        string                     `json:"trackingNumber"`
	ProductDescription    string                     `json:"productDescription"`
	CustomerCommunication dispute.CommunicationFlags `json:"customerCommunication"`
	AdditionalEvidence    dispute.OrderEvidence      `json:"additionalEvidence"`
	SubmittedAt           *string                    `json:"submittedAt,omitempty"`
	CreatedAt             string                     `json:"createdAt"`
}

func toPackResponse(pack dispute.EvidencePack) packResponse {
	resp := packResponse{
		ID:                    pack.ID,
		Status:                string(pack.Status),
		TrackingNumber:        pack.TrackingNumber,
		ProductDescription:    pack.ProductDescription,
		CustomerCommunication: pack.CustomerCommunication,
		AdditionalEvidence:    pack.AdditionalEvidence,
		CreatedAt:             pack.CreatedAt.Format(time.RFC3339),
	}
	if pack.SubmittedAt != nil {
		submitted := pack.SubmittedAt.Format(time.RFC3339)
		resp.SubmittedAt = &submitted
	}
	return resp
}

type disputeDetailResponse struct {
	Dispute      disputeResponse    `json:"dispute"`
	Timeline     []timelineResponse `json:"timeline"`
	EvidencePack *packResponse      `json:"evidencePack,omitempty"`
}

type statsResponse struct {
	Total            int     `json:"total"`
	Open             int     `json:"open"`
	EvidenceRequired int     `json:"evidenceRequired"`
	Submitted        int     `json:"submitted"`
	Won              int     `json:"won"`
	Lost             int     `json:"lost"`
	NeedsManual      int     `json:"needsManual"`
	WinRate          float64 `json:"winRate"`
}

type reviewResponse struct {
	ID        string                 `json:"id"`
	ChannelID string                 `json:"channelId"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Status    string                 `json:"status"`
	RefType   string                 `json:"refType"`
	RefID     string                 `json:"refId"`
	Title     string                 `json:"title"`
	Summary   string                 `json:"summary"`
	Checklist []review.ChecklistItem `json:"checklist"`
	CreatedAt string                 `json:"createdAt"`
	UpdatedAt string                 `json:"updatedAt"`
}

func toReviewResponse(item review.Item) reviewResponse {
	return reviewResponse{
		ID:        item.ID,
		ChannelID: item.ChannelID,
		Type:      item.Type,
		Severity:  string(item.Severity),
		Status:    string(item.Status),
		RefType:   item.RefType,
		RefID:     item.RefID,
		Title:     item.Title,
		Summary:   item.Summary,
		Checklist: item.Checklist,
		CreatedAt: item.CreatedAt.Format(time.RFC3339),
		UpdatedAt: item.UpdatedAt.Format(time.RFC3339),
	}
}
