package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_active_case",
			SQL: `SELECT channel_id, provider, provider_case_id, COUNT(*) FROM disputes
                  WHERE status <> 'duplicate'
                  GROUP BY channel_id, provider, provider_case_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_audit_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT channel_id, seq,
                             LAG(seq) OVER (PARTITION BY channel_id ORDER BY seq) AS prev
                      FROM audit_log)
                  SELECT * FROM seqs WHERE (prev IS NULL AND seq <> 1) OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O3_chain_linkage",
			SQL: `SELECT e.channel_id, e.seq FROM audit_log e
                  LEFT JOIN audit_log p ON p.channel_id = e.channel_id AND p.seq = e.seq - 1
                  WHERE (e.seq = 1 AND e.prev_hash <> '')
                     OR (e.seq > 1 AND (p.entry_hash IS NULL OR e.prev_hash <> p.entry_hash))`,
		},
		{
			Name: "O4_chain_head_consistent",
			SQL: `SELECT h.channel_id FROM audit_chain_heads h
                  LEFT JOIN LATERAL (
                      SELECT seq, entry_hash FROM audit_log
                      WHERE channel_id = h.channel_id ORDER BY seq DESC LIMIT 1
                  ) tip ON true
                  WHERE COALESCE(tip.seq, 0) <> h.seq
                     OR COALESCE(tip.entry_hash, '') <> h.last_hash`,
		},
		{
			Name: "O5_no_exit_from_closed",
			SQL: `SELECT id FROM dispute_timeline
                  WHERE kind = 'STATUS_CHANGE' AND meta->>'from' = 'closed'`,
		},
		{
			Name: "O6_submitted_has_pack",
			SQL: `SELECT id FROM disputes
                  WHERE status = 'submitted' AND evidence_pack_id IS NULL`,
		},
		{
			Name: "O7_unknown_status_rejected",
			SQL: `SELECT id FROM disputes WHERE status NOT IN (
                      'open','evidence_required','evidence_building','evidence_ready',
                      'submitted','won','lost','closed','needs_manual','duplicate','canceled')`,
		},
		{
			Name: "O8_append_only_guards_present",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'audit_log_append_only')
                     OR NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'dispute_timeline_append_only')`,
		},
		{
			Name: "O9_no_forged_audit_rows",
			SQL:  `SELECT id FROM audit_log WHERE action = 'FORGED'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
