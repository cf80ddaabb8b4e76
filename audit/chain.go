package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrChainBroken signals a recomputed hash or prev-hash link mismatch.
	ErrChainBroken = errors.New("audit: hash chain broken")
)

// ComputeEntryHash derives an entry hash from the predecessor hash and the
// entry's identifying fields. The first entry of a channel uses an empty
// string as its predecessor hash. Timestamps are normalised to UTC
// RFC3339Nano so the hash is reproducible from the stored row.
func ComputeEntryHash(prevHash, channelID, action, refID string, ts time.Time) string {
	material := strings.Join([]string{
		prevHash,
		channelID,
		action,
		refID,
		ts.UTC().Format(time.RFC3339Nano),
	}, "|")
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// Logger appends entries to the per-channel audit chain.
//
// Appends must be serialized per channel: two writers that read the same
// predecessor hash would fork the chain. AppendTx takes a row lock on the
// channel's chain head for the duration of the read-compute-write, so the
// surrounding transaction is the serialization point.
type Logger struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool, now: time.Now}
}

// AppendTx appends one entry inside the caller's transaction. The entry only
// becomes visible if the caller commits, which keeps the chain consistent
// with the state change it describes.
func (l *Logger) AppendTx(ctx context.Context, tx pgx.Tx, params AppendParams) (Entry, error) {
	if params.ChannelID == "" {
		return Entry{}, fmt.Errorf("audit: missing channel id")
	}
	if params.Action == "" {
		return Entry{}, fmt.Errorf("audit: missing action")
	}

	// Upsert-and-lock the chain head row. The DO UPDATE arm is a no-op write
	// whose only purpose is to take the row lock when the head already exists.
	var (
		prevHash string
		seq      int64
	)
	const headSQL = `
INSERT INTO audit_chain_heads (channel_id, last_hash, seq)
VALUES ($1, '', 0)
ON CONFLICT (channel_id) DO UPDATE SET channel_id = EXCLUDED.channel_id
RETURNING last_hash, seq
`
	if err := tx.QueryRow(ctx, headSQL, params.ChannelID).Scan(&prevHash, &seq); err != nil {
		return Entry{}, fmt.Errorf("audit: lock chain head: %w", err)
	}

	// timestamptz stores microseconds; hash the precision a verifier will
	// read back, or every recomputation fails.
	ts := l.now().UTC().Truncate(time.Microsecond)
	entry := Entry{
		ChannelID: params.ChannelID,
		Seq:       seq + 1,
		ActorType: params.ActorType,
		ActorID:   params.ActorID,
		Action:    params.Action,
		Severity:  params.Severity,
		RefType:   params.RefType,
		RefID:     params.RefID,
		Before:    params.Before,
		After:     params.After,
		Meta:      params.Meta,
		PrevHash:  prevHash,
		EntryHash: ComputeEntryHash(prevHash, params.ChannelID, params.Action, params.RefID, ts),
		CreatedAt: ts,
	}

	before, err := marshalOrNil(params.Before)
	if err != nil {
		return Entry{}, err
	}
	after, err := marshalOrNil(params.After)
	if err != nil {
		return Entry{}, err
	}
	meta, err := marshalOrNil(params.Meta)
	if err != nil {
		return Entry{}, err
	}

	const insertSQL = `
INSERT INTO audit_log
    (channel_id, seq, actor_type, actor_id, action, severity, ref_type, ref_id,
     before, after, meta, prev_hash, entry_hash, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING id
`
	var actorID any
	if entry.ActorID != nil {
		actorID = *entry.ActorID
	}
	if err := tx.QueryRow(ctx, insertSQL,
		entry.ChannelID, entry.Seq, entry.ActorType, actorID, entry.Action,
		entry.Severity, entry.RefType, entry.RefID, before, after, meta,
		entry.PrevHash, entry.EntryHash, entry.CreatedAt,
	).Scan(&entry.ID); err != nil {
		return Entry{}, fmt.Errorf("audit: insert entry: %w", err)
	}

	const headUpdateSQL = `UPDATE audit_chain_heads SET last_hash=$1, seq=$2 WHERE channel_id=$3`
	if _, err := tx.Exec(ctx, headUpdateSQL, entry.EntryHash, entry.Seq, entry.ChannelID); err != nil {
		return Entry{}, fmt.Errorf("audit: advance chain head: %w", err)
	}

	return entry, nil
}

// Append is a convenience wrapper for callers without an open transaction.
func (l *Logger) Append(ctx context.Context, params AppendParams) (Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := l.AppendTx(ctx, tx, params)
	if err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("audit: commit append: %w", err)
	}
	return entry, nil
}

// VerifyChain replays a channel's entries in sequence order, recomputing each
// hash and checking the prev-hash linkage. It returns the number of verified
// entries, or ErrChainBroken (wrapped with the offending seq) on the first
// mismatch. A mismatch signals tampering or a lost write.
func (l *Logger) VerifyChain(ctx context.Context, channelID string) (int, error) {
	const query = `
SELECT seq, action, ref_id, prev_hash, entry_hash, created_at
FROM audit_log
WHERE channel_id = $1
ORDER BY seq ASC
`
	rows, err := l.pool.Query(ctx, query, channelID)
	if err != nil {
		return 0, fmt.Errorf("audit: load chain: %w", err)
	}
	defer rows.Close()

	var (
		verified int
		lastHash string
		lastSeq  int64
	)
	for rows.Next() {
		var (
			seq                 int64
			action, refID       string
			prevHash, entryHash string
			createdAt           time.Time
		)
		if err := rows.Scan(&seq, &action, &refID, &prevHash, &entryHash, &createdAt); err != nil {
			return verified, fmt.Errorf("audit: scan chain entry: %w", err)
		}
		if seq != lastSeq+1 {
			return verified, fmt.Errorf("%w: channel %s seq gap %d -> %d", ErrChainBroken, channelID, lastSeq, seq)
		}
		if prevHash != lastHash {
			return verified, fmt.Errorf("%w: channel %s seq %d prev-hash mismatch", ErrChainBroken, channelID, seq)
		}
		if recomputed := ComputeEntryHash(prevHash, channelID, action, refID, createdAt); recomputed != entryHash {
			return verified, fmt.Errorf("%w: channel %s seq %d entry-hash mismatch", ErrChainBroken, channelID, seq)
		}
		lastHash = entryHash
		lastSeq = seq
		verified++
	}
	if err := rows.Err(); err != nil {
		return verified, fmt.Errorf("audit: iterate chain: %w", err)
	}
	return verified, nil
}

func marshalOrNil(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal payload: %w", err)
	}
	return b, nil
}
