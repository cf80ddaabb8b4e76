package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"disputeflow/channel"
	"disputeflow/dispute"
	"disputeflow/operator"
	"disputeflow/orders"
	"disputeflow/review"
)

type ctxKey string

const (
	ctxKeyOperatorID ctxKey = "operatorID"
	ctxKeyRole       ctxKey = "role"
)

const maxBodyBytes = 1 << 20

// disputeAPI is the slice of the dispute service the HTTP layer uses.
type disputeAPI interface {
	Create(ctx context.Context, params dispute.CreateParams, actor dispute.Actor) (dispute.Record, error)
	List(ctx context.Context, filters dispute.ListFilters) ([]dispute.Record, int, error)
	Get(ctx context.Context, id string) (dispute.Detail, error)
	Stats(ctx context.Context, channelID string) (dispute.Stats, error)
	Transition(ctx context.Context, disputeID string, target dispute.Status, reason string, actor dispute.Actor) error
	Resolve(ctx context.Context, disputeID string, outcome dispute.Status, notes string, actor dispute.Actor) error
	GenerateEvidencePack(ctx context.Context, disputeID string, actor dispute.Actor) (string, error)
	SubmitEvidence(ctx context.Context, disputeID string, actor dispute.Actor) error
	EscalateToManual(ctx context.Context, disputeID, reason string, severity review.Severity, actor dispute.Actor) error
}

// webhookAPI is the slice of the webhook service the HTTP layer uses.
type webhookAPI interface {
	HandlePayPal(ctx context.Context, channelID string, sig dispute.VerifySignatureParams) (dispute.IngestResult, error)
}

// reviewAPI is the slice of the review queue the HTTP layer uses.
type reviewAPI interface {
	ListOpen(ctx context.Context, channelID string) ([]review.Item, error)
	CompleteChecklistItem(ctx context.Context, itemID, checklistItemID string) (review.Item, error)
}

// operatorAPI is the slice of the operator service the HTTP layer uses.
type operatorAPI interface {
	Register(ctx context.Context, req operator.RegisterRequest) (*operator.Operator, error)
	Login(ctx context.Context, req operator.LoginRequest) (operator.LoginResult, error)
	VerifyToken(token string) (string, operator.Role, error)
}

// Server wires HTTP routes to the domain services.
type Server struct {
	log             *logrus.Logger
	channelService  *channel.Service
	operatorService operatorAPI
	disputeService  disputeAPI
	webhookService  webhookAPI
	reviewService   reviewAPI
}

// Routes builds the HTTP mux for the API.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/webhooks/paypal/", s.handleWebhookPayPal)

	mux.HandleFunc("/api/channels", s.requireOperator(s.handleChannels))
	mux.HandleFunc("/api/channels/", s.requireOperator(s.handleChannel))
	mux.HandleFunc("/api/disputes", s.requireOperator(s.handleDisputes))
	mux.HandleFunc("/api/disputes/", s.requireOperator(s.handleDisputeDetail))
	mux.HandleFunc("/api/stats", s.requireOperator(s.handleStats))
	mux.HandleFunc("/api/reviews", s.requireOperator(s.handleReviews))
	mux.HandleFunc("/api/reviews/", s.requireOperator(s.handleReviewDetail))

	return mux
}

// requireOperator authenticates the bearer token and stashes the operator
// identity in the request context.
func (s *Server) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		operatorID, role, err := s.operatorService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyOperatorID, operatorID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) actor(r *http.Request) dispute.Actor {
	if id, ok := r.Context().Value(ctxKeyOperatorID).(string); ok && id != "" {
		return dispute.OperatorActor(id)
	}
	return dispute.SystemActor()
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req operator.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	op, err := s.operatorService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, operatorResponse{
		ID:       op.ID,
		Email:    op.Email,
		FullName: op.FullName,
		Role:     string(op.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req operator.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	result, err := s.operatorService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		Operator: operatorResponse{
			ID:       result.Operator.ID,
			Email:    result.Operator.Email,
			FullName: result.Operator.FullName,
			Role:     string(result.Operator.Role),
		},
	})
}

func (s *Server) handleWebhookPayPal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	channelID := strings.TrimPrefix(r.URL.Path, "/api/webhooks/paypal/")
	if channelID == "" || strings.Contains(channelID, "/") {
		writeError(w, http.StatusBadRequest, "missing channel id")
		return
	}
	if _, err := s.channelService.RequireActive(r.Context(), channelID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	sig := dispute.VerifySignatureParams{
		TransmissionID:   r.Header.Get("Paypal-Transmission-Id"),
		TransmissionTime: r.Header.Get("Paypal-Transmission-Time"),
		TransmissionSig:  r.Header.Get("Paypal-Transmission-Sig"),
		CertURL:          r.Header.Get("Paypal-Cert-Url"),
		AuthAlgo:         r.Header.Get("Paypal-Auth-Algo"),
		Body:             body,
	}
	result, err := s.webhookService.HandlePayPal(r.Context(), channelID, sig)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	channels, err := s.channelService.List(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]channelResponse, 0, len(channels))
	for _, ch := range channels {
		items = append(items, toChannelResponse(ch))
	}
	writeJSON(w, http.StatusOK, listPayload[channelResponse]{Items: items, Total: len(items)})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "missing channel id")
		return
	}
	ch, err := s.channelService.GetByID(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChannelResponse(ch))
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListDisputes(w, r)
	case http.MethodPost:
		s.handleCreateDispute(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channelID := q.Get("channelId")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "channelId is required")
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	records, total, err := s.disputeService.List(r.Context(), dispute.ListFilters{
		ChannelID: channelID,
		Status:    dispute.Status(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, listPayload[disputeResponse]{Items: items, Total: total})
}

type createDisputeRequest struct {
	ChannelID      string  `json:"channelId"`
	OrderID        *string `json:"orderId"`
	Provider       string  `json:"provider"`
	ProviderCaseID string  `json:"providerCaseId"`
	Reason         string  `json:"reason"`
	AmountCents    int64   `json:"amountCents"`
	Currency       string  `json:"currency"`
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var req createDisputeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if _, err := s.channelService.RequireActive(r.Context(), req.ChannelID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	rec, err := s.disputeService.Create(r.Context(), dispute.CreateParams{
		ChannelID:      req.ChannelID,
		OrderID:        req.OrderID,
		Provider:       dispute.Provider(req.Provider),
		ProviderCaseID: req.ProviderCaseID,
		Reason:         req.Reason,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
	}, s.actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
}

func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing dispute id")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleGetDispute(w, r, id)
		return
	}
	if len(parts) != 2 || r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch parts[1] {
	case "transition":
		s.handleTransition(w, r, id)
	case "evidence":
		s.handleGenerateEvidence(w, r, id)
	case "submit":
		s.handleSubmitEvidence(w, r, id)
	case "escalate":
		s.handleEscalate(w, r, id)
	case "resolve":
		s.handleResolve(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request, id string) {
	detail, err := s.disputeService.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	payload := disputeDetailResponse{
		Dispute:  toDisputeResponse(detail.Dispute),
		Timeline: make([]timelineResponse, 0, len(detail.Timeline)),
	}
	for _, entry := range detail.Timeline {
		payload.Timeline = append(payload.Timeline, timelineResponse{
			ID:        entry.ID,
			Kind:      entry.Kind,
			Message:   entry.Message,
			Meta:      entry.Meta,
			CreatedAt: entry.CreatedAt.Format(time.RFC3339),
		})
	}
	if detail.Pack != nil {
		resp := toPackResponse(*detail.Pack)
		payload.EvidencePack = &resp
	}
	writeJSON(w, http.StatusOK, payload)
}

type transitionRequest struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, id string) {
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if err := s.disputeService.Transition(r.Context(), id, dispute.Status(req.Target), req.Reason, s.actor(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.handleGetDispute(w, r, id)
}

func (s *Server) handleGenerateEvidence(w http.ResponseWriter, r *http.Request, id string) {
	packID, err := s.disputeService.GenerateEvidencePack(r.Context(), id, s.actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"evidencePackId": packID})
}

func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.disputeService.SubmitEvidence(r.Context(), id, s.actor(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.handleGetDispute(w, r, id)
}

type escalateRequest struct {
	Reason   string `json:"reason"`
	Severity string `json:"severity"`
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request, id string) {
	var req escalateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.Severity == "" {
		req.Severity = string(review.SeverityMed)
	}
	if err := s.disputeService.EscalateToManual(r.Context(), id, req.Reason, review.Severity(req.Severity), s.actor(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.handleGetDispute(w, r, id)
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
	Notes   string `json:"notes"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, id string) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if err := s.disputeService.Resolve(r.Context(), id, dispute.Status(req.Outcome), req.Notes, s.actor(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.handleGetDispute(w, r, id)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	channelID := r.URL.Query().Get("channelId")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "channelId is required")
		return
	}
	stats, err := s.disputeService.Stats(r.Context(), channelID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Total:            stats.Total,
		Open:             stats.Open,
		EvidenceRequired: stats.EvidenceRequired,
		Submitted:        stats.Submitted,
		Won:              stats.Won,
		Lost:             stats.Lost,
		NeedsManual:      stats.NeedsManual,
		WinRate:          stats.WinRate,
	})
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	channelID := r.URL.Query().Get("channelId")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "channelId is required")
		return
	}
	items, err := s.reviewService.ListOpen(r.Context(), channelID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]reviewResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toReviewResponse(item))
	}
	writeJSON(w, http.StatusOK, listPayload[reviewResponse]{Items: out, Total: len(out)})
}

// handleReviewDetail completes a checklist step:
// PATCH /api/reviews/{id}/checklist/{checklistItemId}
func (s *Server) handleReviewDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/reviews/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 3 || parts[1] != "checklist" || parts[0] == "" || parts[2] == "" {
		writeError(w, http.StatusBadRequest, "expected /api/reviews/{id}/checklist/{itemId}")
		return
	}
	if r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	item, err := s.reviewService.CompleteChecklistItem(r.Context(), parts[0], parts[2])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReviewResponse(item))
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, channel.ErrNotFound),
		errors.Is(err, review.ErrNotFound),
		errors.Is(err, orders.ErrNotFound),
		errors.Is(err, operator.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispute.ErrInvalidTransition),
		errors.Is(err, dispute.ErrBadPayload),
		errors.Is(err, dispute.ErrUnsupportedEvent),
		errors.Is(err, dispute.ErrOrderNotLinked),
		errors.Is(err, dispute.ErrNoEvidencePack),
		errors.Is(err, dispute.ErrNoProviderClient),
		errors.Is(err, operator.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispute.ErrCaseExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispute.ErrUnauthorized),
		errors.Is(err, operator.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, channel.ErrInactive):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, operator.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispute.ErrUpstream):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
