package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/audit"
	"disputeflow/dispute"
)

// Each actor takes its own *rand.Rand so runs are reproducible from the
// harness seed; the shared math/rand source is never used.

// WebhookReplayer hammers the dedup reservation for one event id, simulating
// a provider re-delivering the same webhook concurrently. Only one reservation
// may ever produce a WEBHOOK_RECEIVED timeline entry.
func WebhookReplayer(ctx context.Context, pool *pgxpool.Pool, channelID, disputeID, eventID string, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO webhook_dedup (channel_id, provider, event_id) VALUES ($1,'paypal',$2)`,
			channelID, eventID,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" { // expected replay
				_ = tx.Rollback(ctx)
				time.Sleep(time.Duration(5+rng.Intn(15)) * time.Millisecond)
				continue
			}
			_ = tx.Rollback(ctx)
			return fmt.Errorf("replayer dedup insert: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO dispute_timeline (channel_id, dispute_id, kind, message) VALUES ($1,$2,'WEBHOOK_RECEIVED','stress replay')`,
			channelID, disputeID,
		)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("replayer timeline insert: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("replayer commit: %w", err)
		}
		time.Sleep(time.Duration(5+rng.Intn(15)) * time.Millisecond)
	}
}

// CaseCreator races to open competing disputes for the same provider case.
// The partial unique index must let exactly one live row through.
func CaseCreator(ctx context.Context, pool *pgxpool.Pool, channelID, caseID string, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO disputes (channel_id, provider, provider_case_id, status, amount_cents, currency)
                                   VALUES ($1,'paypal',$2,'open',4250,'AUD')`, channelID, caseID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" { // expected under contention
			} else {
				return fmt.Errorf("creator insert: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rng.Intn(20)) * time.Millisecond)
	}
}

// Transitioner walks a dispute along random legal edges under a row lock,
// writing the timeline entry and chained audit entry in the same transaction.
func Transitioner(ctx context.Context, pool *pgxpool.Pool, logger *audit.Logger, channelID, disputeID string, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := transitionOnce(ctx, pool, logger, channelID, disputeID, rng); err != nil {
			return err
		}
		time.Sleep(time.Duration(20+rng.Intn(40)) * time.Millisecond)
	}
}

func transitionOnce(ctx context.Context, pool *pgxpool.Pool, logger *audit.Logger, channelID, disputeID string, rng *rand.Rand) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status dispute.Status
	if err := tx.QueryRow(ctx, `SELECT status FROM disputes WHERE id=$1 FOR UPDATE`, disputeID).Scan(&status); err != nil {
		return nil // row contention or gone; not a harness failure
	}
	targets := dispute.AllowedTargets(status)
	if len(targets) == 0 {
		return nil
	}
	target := targets[rng.Intn(len(targets))]
	if target == dispute.StatusSubmitted {
		// the engine refuses submitted without a pack; mirror that here
		return nil
	}

	if _, err := tx.Exec(ctx, `UPDATE disputes SET status=$1, updated_at=now() WHERE id=$2`, target, disputeID); err != nil {
		return fmt.Errorf("transitioner update: %w", err)
	}
	meta := fmt.Sprintf(`{"from":%q,"to":%q}`, status, target)
	if _, err := tx.Exec(ctx,
		`INSERT INTO dispute_timeline (channel_id, dispute_id, kind, message, meta) VALUES ($1,$2,'STATUS_CHANGE',$3,$4::jsonb)`,
		channelID, disputeID, fmt.Sprintf("Status changed from %s to %s", status, target), meta,
	); err != nil {
		return fmt.Errorf("transitioner timeline: %w", err)
	}
	if _, err := logger.AppendTx(ctx, tx, audit.AppendParams{
		ChannelID: channelID,
		ActorType: audit.ActorSystem,
		Action:    "DISPUTE_STATUS_CHANGE",
		Severity:  audit.SeverityInfo,
		RefType:   "dispute",
		RefID:     disputeID,
		Before:    map[string]any{"status": string(status)},
		After:     map[string]any{"status": string(target)},
	}); err != nil {
		return fmt.Errorf("transitioner audit: %w", err)
	}
	return tx.Commit(ctx)
}

// AuditAppender drives the chain head lock from many writers at once. Any
// fork or gap shows up in the chain oracles.
func AuditAppender(ctx context.Context, pool *pgxpool.Pool, logger *audit.Logger, channelID string, rng *rand.Rand, stop <-chan struct{}) error {
	actions := []string{"DISPUTE_CREATED", "EVIDENCE_PACK_GENERATED", "DISPUTE_ESCALATED"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := logger.Append(ctx, audit.AppendParams{
			ChannelID: channelID,
			ActorType: audit.ActorSystem,
			Action:    actions[rng.Intn(len(actions))],
			Severity:  audit.SeverityInfo,
			RefType:   "dispute",
			RefID:     fmt.Sprintf("stress-%d", rng.Intn(4)),
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			// connection chaos can kill the tx mid-append; the oracles decide
			// whether the chain actually suffered
		}
		time.Sleep(time.Duration(10+rng.Intn(30)) * time.Millisecond)
	}
}

// Escalator flags a dispute for manual review and enqueues the review item,
// mimicking webhook-driven escalations.
func Escalator(ctx context.Context, pool *pgxpool.Pool, channelID, disputeID string, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var status dispute.Status
		err = tx.QueryRow(ctx, `SELECT status FROM disputes WHERE id=$1 FOR UPDATE`, disputeID).Scan(&status)
		if err == nil && dispute.CanTransition(status, dispute.StatusNeedsManual) {
			_, err = tx.Exec(ctx, `UPDATE disputes SET status='needs_manual', needs_manual=true, updated_at=now() WHERE id=$1`, disputeID)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO review_queue_items (channel_id, type, severity, ref_type, ref_id, title)
                                      VALUES ($1,'dispute_escalation','high','dispute',$2,'stress escalation')`, channelID, disputeID)
				_ = tx.Commit(ctx)
				time.Sleep(200 * time.Millisecond)
				continue
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(100+rng.Intn(100)) * time.Millisecond)
	}
}

// TamperProber tries to rewrite the append-only tables. Every attempt must be
// rejected by the guard triggers; a success would show up as a chain break.
func TamperProber(ctx context.Context, pool *pgxpool.Pool, channelID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = pool.Exec(ctx, `UPDATE audit_log SET action='FORGED' WHERE channel_id=$1 AND seq=1`, channelID)
		_, _ = pool.Exec(ctx, `DELETE FROM audit_log WHERE channel_id=$1 AND seq=1`, channelID)
		_, _ = pool.Exec(ctx, `UPDATE dispute_timeline SET message='forged' WHERE channel_id=$1`, channelID)
		_, _ = pool.Exec(ctx, `DELETE FROM dispute_timeline WHERE channel_id=$1`, channelID)
		time.Sleep(300 * time.Millisecond)
	}
}
