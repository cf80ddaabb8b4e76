package dispute

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"disputeflow/audit"
	"disputeflow/orders"
	"disputeflow/review"
)

// TestWebhookIngestion_Integration connects to a real PostgreSQL via DATABASE_URL
// and verifies end-to-end ingestion including dedup replay and chain integrity.
func TestWebhookIngestion_Integration(t *testing.T) {
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

	// Ensure schema exists (migrations applied)
	for _, tbl := range []string{"channels", "disputes", "dispute_timeline", "audit_log", "webhook_dedup"} {
		if !tableExists(ctx, t, pool, tbl) {
			t.Skip("database schema missing; apply migrations/ first")
		}
	}

	var channelID string
	if err := pool.QueryRow(ctx, `INSERT INTO channels (name, platform) VALUES ($1, 'shopify') RETURNING id`,
		fmt.Sprintf("Integration Shop %d", time.Now().UnixNano())).Scan(&channelID); err != nil {
		t.Fatalf("seed channel: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		// Guard triggers forbid deleting audit and timeline rows, so only the
		// mutable tables are cleaned up here.
		pool.Exec(ctx2, `DELETE FROM webhook_dedup WHERE channel_id = $1`, channelID)
	})

	logger := audit.NewLogger(pool)
	svc := NewService(pool, logger, review.NewRepository(pool), orders.NewRepository(pool), nil)

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	webhooks := NewWebhookService(pool, nil, svc, nil, quiet)

	caseID := fmt.Sprintf("PP-D-ITEST-%d", time.Now().UnixNano())
	eventID := fmt.Sprintf("WH-ITEST-%d", time.Now().UnixNano())
	evt := Event{
		ID:   eventID,
		Type: EventDisputeCreated,
		Created: &CreatedEvent{
			CaseID:      caseID,
			Reason:      "MERCHANDISE_OR_SERVICE_NOT_RECEIVED",
			AmountCents: 4250,
			Currency:    "AUD",
		},
	}

	// First delivery opens the dispute
	res, err := webhooks.Ingest(ctx, channelID, ProviderPayPal, evt)
	if err != nil {
		t.Fatalf("ingest (first): %v", err)
	}
	if !res.Accepted || res.DisputeID == "" {
		t.Fatalf("expected accepted result with dispute id, got %+v", res)
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT status FROM disputes WHERE id = $1`, res.DisputeID).Scan(&status); err != nil {
		t.Fatalf("verify dispute: %v", err)
	}
	if status != string(StatusOpen) {
		t.Fatalf("expected status open, got %q", status)
	}

	var timelineCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM dispute_timeline WHERE dispute_id = $1`, res.DisputeID).Scan(&timelineCount); err != nil {
		t.Fatalf("verify timeline: %v", err)
	}
	if timelineCount != 1 {
		t.Fatalf("expected 1 timeline entry, got %d", timelineCount)
	}

	// Replay of the same event id must be acknowledged without new writes
	replay, err := webhooks.Ingest(ctx, channelID, ProviderPayPal, evt)
	if err != nil {
		t.Fatalf("ingest (replay): %v", err)
	}
	if !replay.Accepted || replay.Message != "Webhook already processed" {
		t.Fatalf("unexpected replay result: %+v", replay)
	}

	var disputeCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM disputes WHERE channel_id = $1 AND provider_case_id = $2`, channelID, caseID).Scan(&disputeCount); err != nil {
		t.Fatalf("re-verify disputes: %v", err)
	}
	if disputeCount != 1 {
		t.Fatalf("expected 1 dispute after replay, got %d", disputeCount)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM dispute_timeline WHERE dispute_id = $1`, res.DisputeID).Scan(&timelineCount); err != nil {
		t.Fatalf("re-verify timeline: %v", err)
	}
	if timelineCount != 1 {
		t.Fatalf("expected timeline to remain 1 after replay, got %d", timelineCount)
	}

	// The audit chain for the channel must replay cleanly
	verified, err := logger.VerifyChain(ctx, channelID)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if verified != 1 {
		t.Fatalf("expected 1 chained entry, got %d", verified)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
