package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"disputeflow/channel"
	"disputeflow/dispute"
	"disputeflow/operator"
	"disputeflow/review"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type stubChannelRepo struct {
	channel  channel.Channel
	channels []channel.Channel
	err      error
}

func (s *stubChannelRepo) GetByID(_ context.Context, _ string) (channel.Channel, error) {
	return s.channel, s.err
}

func (s *stubChannelRepo) List(_ context.Context, limit int) ([]channel.Channel, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit <= 0 || limit > len(s.channels) {
		limit = len(s.channels)
	}
	out := make([]channel.Channel, limit)
	copy(out, s.channels[:limit])
	return out, nil
}

type stubDisputeService struct {
	createRecord dispute.Record
	createErr    error
	listRecords  []dispute.Record
	listTotal    int
	listErr      error
	detail       dispute.Detail
	getErr       error
	stats        dispute.Stats
	statsErr     error

	transitionErr error
	resolveErr    error
	generateID    string
	generateErr   error
	submitErr     error
	escalateErr   error

	transitions []dispute.Status
}

func (s *stubDisputeService) Create(_ context.Context, _ dispute.CreateParams, _ dispute.Actor) (dispute.Record, error) {
	return s.createRecord, s.createErr
}

func (s *stubDisputeService) List(_ context.Context, _ dispute.ListFilters) ([]dispute.Record, int, error) {
	return s.listRecords, s.listTotal, s.listErr
}

func (s *stubDisputeService) Get(_ context.Context, _ string) (dispute.Detail, error) {
	return s.detail, s.getErr
}

func (s *stubDisputeService) Stats(_ context.Context, _ string) (dispute.Stats, error) {
	return s.stats, s.statsErr
}

func (s *stubDisputeService) Transition(_ context.Context, _ string, target dispute.Status, _ string, _ dispute.Actor) error {
	s.transitions = append(s.transitions, target)
	return s.transitionErr
}

func (s *stubDisputeService) Resolve(_ context.Context, _ string, _ dispute.Status, _ string, _ dispute.Actor) error {
	return s.resolveErr
}

func (s *stubDisputeService) GenerateEvidencePack(_ context.Context, _ string, _ dispute.Actor) (string, error) {
	return s.generateID, s.generateErr
}

func (s *stubDisputeService) SubmitEvidence(_ context.Context, _ string, _ dispute.Actor) error {
	return s.submitErr
}

func (s *stubDisputeService) EscalateToManual(_ context.Context, _, _ string, _ review.Severity, _ dispute.Actor) error {
	return s.escalateErr
}

type stubWebhookService struct {
	result dispute.IngestResult
	err    error
	calls  int
}

func (s *stubWebhookService) HandlePayPal(_ context.Context, _ string, _ dispute.VerifySignatureParams) (dispute.IngestResult, error) {
	s.calls++
	return s.result, s.err
}

type stubReviewService struct {
	items       []review.Item
	listErr     error
	item        review.Item
	completeErr error
}

func (s *stubReviewService) ListOpen(_ context.Context, _ string) ([]review.Item, error) {
	return s.items, s.listErr
}

func (s *stubReviewService) CompleteChecklistItem(_ context.Context, _, _ string) (review.Item, error) {
	return s.item, s.completeErr
}

type stubOperatorService struct {
	operatorID string
	role       operator.Role
	verifyErr  error
	loginRes   operator.LoginResult
	loginErr   error
}

func (s *stubOperatorService) Register(_ context.Context, _ operator.RegisterRequest) (*operator.Operator, error) {
	return &operator.Operator{ID: s.operatorID}, nil
}

func (s *stubOperatorService) Login(_ context.Context, _ operator.LoginRequest) (operator.LoginResult, error) {
	return s.loginRes, s.loginErr
}

func (s *stubOperatorService) VerifyToken(_ string) (string, operator.Role, error) {
	return s.operatorID, s.role, s.verifyErr
}

func activeChannelService() *channel.Service {
	return channel.NewService(&stubChannelRepo{
		channel: channel.Channel{ID: "ch-1", Name: "Shop", Platform: "shopify", Active: true},
	})
}

func sampleRecord() dispute.Record {
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	return dispute.Record{
		ID:             "d1",
		ChannelID:      "ch-1",
		Provider:       dispute.ProviderPayPal,
		ProviderCaseID: "PP-D-1",
		Status:         dispute.StatusOpen,
		Reason:         "MERCHANDISE_OR_SERVICE_NOT_RECEIVED",
		AmountCents:    4250,
		Currency:       "AUD",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestHandleWebhookPayPal_Success(t *testing.T) {
	webhooks := &stubWebhookService{result: dispute.IngestResult{Accepted: true, Message: "Dispute opened", DisputeID: "d1"}}
	server := &Server{
		log:            testLogger(),
		channelService: activeChannelService(),
		webhookService: webhooks,
	}

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/paypal/ch-1", strings.NewReader(`{"id":"WH-1"}`))
	req.Header.Set("Paypal-Transmission-Id", "t-1")
	rec := httptest.NewRecorder()

	server.handleWebhookPayPal(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if webhooks.calls != 1 {
		t.Fatalf("expected one webhook call, got %d", webhooks.calls)
	}

	// assert the wire names, not the Go struct: callers key on success
	var payload struct {
		Success   bool   `json:"success"`
		Message   string `json:"message"`
		DisputeID string `json:"disputeId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !payload.Success || payload.DisputeID != "d1" {
		t.Fatalf("unexpected payload: %s", rec.Body.String())
	}
}

func TestHandleWebhookPayPal_BadSignature(t *testing.T) {
	server := &Server{
		log:            testLogger(),
		channelService: activeChannelService(),
		webhookService: &stubWebhookService{err: dispute.ErrUnauthorized},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/paypal/ch-1", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	server.handleWebhookPayPal(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleWebhookPayPal_InactiveChannel(t *testing.T) {
	webhooks := &stubWebhookService{}
	server := &Server{
		log: testLogger(),
		channelService: channel.NewService(&stubChannelRepo{
			channel: channel.Channel{ID: "ch-1", Active: false},
		}),
		webhookService: webhooks,
	}

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/paypal/ch-1", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	server.handleWebhookPayPal(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if webhooks.calls != 0 {
		t.Fatalf("expected webhook ingestion to be skipped")
	}
}

func TestHandleWebhookPayPal_UpstreamVerifierDown(t *testing.T) {
	server := &Server{
		log:            testLogger(),
		channelService: activeChannelService(),
		webhookService: &stubWebhookService{err: dispute.ErrUpstream},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/paypal/ch-1", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	server.handleWebhookPayPal(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestHandleListDisputes_Success(t *testing.T) {
	server := &Server{
		log: testLogger(),
		disputeService: &stubDisputeService{
			listRecords: []dispute.Record{sampleRecord()},
			listTotal:   1,
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/disputes?channelId=ch-1&status=open", nil)
	rec := httptest.NewRecorder()

	server.handleDisputes(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []disputeResponse `json:"items"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Total != 1 || payload.Items[0].ID != "d1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleListDisputes_RequiresChannel(t *testing.T) {
	server := &Server{log: testLogger(), disputeService: &stubDisputeService{}}

	req := httptest.NewRequest(http.MethodGet, "/api/disputes", nil)
	rec := httptest.NewRecorder()

	server.handleDisputes(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCreateDispute_Conflict(t *testing.T) {
	server := &Server{
		log:            testLogger(),
		channelService: activeChannelService(),
		disputeService: &stubDisputeService{createErr: dispute.ErrCaseExists},
	}

	body := strings.NewReader(`{"channelId":"ch-1","provider":"manual","providerCaseId":"case-1","amountCents":1000,"currency":"USD"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/disputes", body)
	rec := httptest.NewRecorder()

	server.handleDisputes(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleTransition_InvalidEdge(t *testing.T) {
	server := &Server{
		log:            testLogger(),
		disputeService: &stubDisputeService{transitionErr: dispute.ErrInvalidTransition},
	}

	body := strings.NewReader(`{"target":"won"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/disputes/d1/transition", body)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetDispute_NotFound(t *testing.T) {
	server := &Server{
		log:            testLogger(),
		disputeService: &stubDisputeService{getErr: dispute.ErrNotFound},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/disputes/missing", nil)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGenerateEvidence_Success(t *testing.T) {
	server := &Server{
		log:            testLogger(),
		disputeService: &stubDisputeService{generateID: "pack-1"},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/disputes/d1/evidence", nil)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["evidencePackId"] != "pack-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleSubmitEvidence_UpstreamFailure(t *testing.T) {
	server := &Server{
		log:            testLogger(),
		disputeService: &stubDisputeService{submitErr: dispute.ErrUpstream},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/disputes/d1/submit", nil)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestHandleResolve_Success(t *testing.T) {
	detail := dispute.Detail{Dispute: sampleRecord()}
	detail.Dispute.Status = dispute.StatusClosed
	server := &Server{
		log:            testLogger(),
		disputeService: &stubDisputeService{detail: detail},
	}

	body := strings.NewReader(`{"outcome":"won","notes":"provider sided with seller"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/disputes/d1/resolve", body)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload disputeDetailResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Dispute.Status != string(dispute.StatusClosed) {
		t.Fatalf("unexpected status %q", payload.Dispute.Status)
	}
}

func TestHandleStats_Success(t *testing.T) {
	server := &Server{
		log: testLogger(),
		disputeService: &stubDisputeService{
			stats: dispute.Stats{Total: 10, Won: 4, Lost: 2, WinRate: 4.0 / 6.0},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats?channelId=ch-1", nil)
	rec := httptest.NewRecorder()

	server.handleStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Total != 10 || payload.Won != 4 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleReviews_Success(t *testing.T) {
	server := &Server{
		log: testLogger(),
		reviewService: &stubReviewService{
			items: []review.Item{{ID: "rq-1", ChannelID: "ch-1", Severity: review.SeverityHigh, Status: review.StatusOpen}},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/reviews?channelId=ch-1", nil)
	rec := httptest.NewRecorder()

	server.handleReviews(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []reviewResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].ID != "rq-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestRequireOperator_MissingToken(t *testing.T) {
	server := &Server{
		log:             testLogger(),
		operatorService: &stubOperatorService{verifyErr: errors.New("no token")},
		disputeService:  &stubDisputeService{},
	}
	handler := server.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/disputes?channelId=ch-1", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireOperator_ValidToken(t *testing.T) {
	server := &Server{
		log:             testLogger(),
		operatorService: &stubOperatorService{operatorID: "op-1", role: operator.RoleAnalyst},
		disputeService:  &stubDisputeService{listRecords: []dispute.Record{}, listTotal: 0},
	}
	handler := server.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/disputes?channelId=ch-1", nil)
	req.Header.Set("Authorization", "Bearer token-1")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
