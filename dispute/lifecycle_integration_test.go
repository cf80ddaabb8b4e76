package dispute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/audit"
	"disputeflow/orders"
	"disputeflow/review"
)

// TestDisputeLifecycle_Integration walks a dispute from creation through
// evidence generation, submission and resolution against a real PostgreSQL,
// and checks escalation lands a review item. Requires DATABASE_URL with
// migrations applied.
func TestDisputeLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, tbl := range []string{"channels", "orders", "disputes", "evidence_packs", "review_queue_items", "audit_log"} {
		if !tableExists(ctx, t, pool, tbl) {
			t.Skip("database schema missing; apply migrations/ first")
		}
	}

	var channelID string
	if err := pool.QueryRow(ctx, `INSERT INTO channels (name, platform) VALUES ($1, 'shopify') RETURNING id`,
		fmt.Sprintf("Lifecycle Shop %d", time.Now().UnixNano())).Scan(&channelID); err != nil {
		t.Fatalf("seed channel: %v", err)
	}

	var orderID string
	if err := pool.QueryRow(ctx, `INSERT INTO orders (channel_id, total_cents, currency, item_count, product_summary, tracking_number, shipped_at)
                                  VALUES ($1, 4250, 'AUD', 2, 'two widgets', 'TRK-1', now()) RETURNING id`, channelID).Scan(&orderID); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	provider := &fakeProviderClient{valid: true}
	logger := audit.NewLogger(pool)
	svc := NewService(pool, logger, review.NewRepository(pool), orders.NewRepository(pool),
		map[Provider]ProviderClient{ProviderPayPal: provider})
	actor := SystemActor()

	rec, err := svc.Create(ctx, CreateParams{
		ChannelID:      channelID,
		OrderID:        &orderID,
		Provider:       ProviderPayPal,
		ProviderCaseID: fmt.Sprintf("PP-D-LIFE-%d", time.Now().UnixNano()),
		Reason:         "MERCHANDISE_OR_SERVICE_NOT_RECEIVED",
		AmountCents:    4250,
		Currency:       "AUD",
	}, actor)
	if err != nil {
		t.Fatalf("create dispute: %v", err)
	}

	// Submission before generation has nothing to submit
	if err := svc.SubmitEvidence(ctx, rec.ID, actor); !errors.Is(err, ErrNoEvidencePack) {
		t.Fatalf("expected ErrNoEvidencePack before generation, got %v", err)
	}
	// No shortcut from open straight to a terminal outcome
	if err := svc.Transition(ctx, rec.ID, StatusWon, "shortcut", actor); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for open -> won, got %v", err)
	}

	packID, err := svc.GenerateEvidencePack(ctx, rec.ID, actor)
	if err != nil {
		t.Fatalf("generate evidence: %v", err)
	}
	assertDisputeStatus(t, ctx, pool, rec.ID, StatusEvidenceReady)
	assertPackStatus(t, ctx, pool, packID, PackReady)

	if err := svc.SubmitEvidence(ctx, rec.ID, actor); err != nil {
		t.Fatalf("submit evidence: %v", err)
	}
	assertDisputeStatus(t, ctx, pool, rec.ID, StatusSubmitted)
	assertPackStatus(t, ctx, pool, packID, PackSubmitted)
	if len(provider.submitted) != 1 || provider.submitted[0].TrackingNumber != "TRK-1" {
		t.Fatalf("unexpected provider submissions: %+v", provider.submitted)
	}

	// Resolution is outcome plus close as one unit: exactly two status edges
	before := countTimelineKind(t, ctx, pool, rec.ID, KindStatusChange)
	if err := svc.Resolve(ctx, rec.ID, StatusWon, "provider ruled in our favour", actor); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	after := countTimelineKind(t, ctx, pool, rec.ID, KindStatusChange)
	if after-before != 2 {
		t.Fatalf("expected resolve to write 2 status changes, got %d", after-before)
	}
	assertDisputeStatus(t, ctx, pool, rec.ID, StatusClosed)

	// Escalation flags the dispute and enqueues the standard checklist
	esc, err := svc.Create(ctx, CreateParams{
		ChannelID:      channelID,
		Provider:       ProviderPayPal,
		ProviderCaseID: fmt.Sprintf("PP-D-ESC-%d", time.Now().UnixNano()),
		Reason:         "UNAUTHORISED",
		AmountCents:    999,
		Currency:       "AUD",
	}, actor)
	if err != nil {
		t.Fatalf("create second dispute: %v", err)
	}
	if err := svc.EscalateToManual(ctx, esc.ID, "buyer claims account takeover", review.SeverityHigh, actor); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	assertDisputeStatus(t, ctx, pool, esc.ID, StatusNeedsManual)

	var needsManual bool
	if err := pool.QueryRow(ctx, `SELECT needs_manual FROM disputes WHERE id = $1`, esc.ID).Scan(&needsManual); err != nil {
		t.Fatalf("verify needs_manual: %v", err)
	}
	if !needsManual {
		t.Fatal("expected needs_manual flag to be set")
	}
	var steps int
	if err := pool.QueryRow(ctx,
		`SELECT jsonb_array_length(checklist) FROM review_queue_items WHERE ref_type = 'dispute' AND ref_id = $1 AND status = 'open'`,
		esc.ID).Scan(&steps); err != nil {
		t.Fatalf("verify review item: %v", err)
	}
	if steps != len(review.DisputeChecklist) {
		t.Fatalf("expected %d checklist steps, got %d", len(review.DisputeChecklist), steps)
	}

	// Every write above chained an audit entry; the chain must replay cleanly
	verified, err := logger.VerifyChain(ctx, channelID)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if verified == 0 {
		t.Fatal("expected a non-empty audit chain")
	}
}

func assertDisputeStatus(t *testing.T, ctx context.Context, pool *pgxpool.Pool, disputeID string, want Status) {
	t.Helper()
	var status Status
	if err := pool.QueryRow(ctx, `SELECT status FROM disputes WHERE id = $1`, disputeID).Scan(&status); err != nil {
		t.Fatalf("load dispute status: %v", err)
	}
	if status != want {
		t.Fatalf("expected dispute status %s, got %s", want, status)
	}
}

func assertPackStatus(t *testing.T, ctx context.Context, pool *pgxpool.Pool, packID string, want PackStatus) {
	t.Helper()
	var status PackStatus
	if err := pool.QueryRow(ctx, `SELECT status FROM evidence_packs WHERE id = $1`, packID).Scan(&status); err != nil {
		t.Fatalf("load pack status: %v", err)
	}
	if status != want {
		t.Fatalf("expected pack status %s, got %s", want, status)
	}
}

func countTimelineKind(t *testing.T, ctx context.Context, pool *pgxpool.Pool, disputeID, kind string) int {
	t.Helper()
	var n int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM dispute_timeline WHERE dispute_id = $1 AND kind = $2`, disputeID, kind).Scan(&n); err != nil {
		t.Fatalf("count timeline %s: %v", kind, err)
	}
	return n
}
