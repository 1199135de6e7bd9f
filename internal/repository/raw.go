package repository

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"gemscan/internal/models"

	"github.com/jackc/pgx/v5"
)

// Raw rows live in one table per feed (raw_demo, raw_nivoda, ...)
// so that full-feed scans and soft-delete anti-joins never cross
// feeds. Feed names are restricted to keep identifier interpolation
// safe; they come from the startup registry, never from requests.
var feedNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,30}$`)

func rawTable(feed string) (string, error) {
	if !feedNameRe.MatchString(feed) {
		return "", fmt.Errorf("invalid feed name %q", feed)
	}
	return "raw_" + feed, nil
}

// EnsureRawTable creates the per-feed raw table on first use.
func (r *Repository) EnsureRawTable(ctx context.Context, feed string) error {
	table, err := rawTable(feed)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			supplier_stone_id    TEXT PRIMARY KEY,
			offer_id             TEXT NOT NULL DEFAULT '',
			payload              JSONB NOT NULL,
			run_id               TEXT NOT NULL,
			consolidation_status TEXT NOT NULL DEFAULT 'pending',
			claim_expiry         TIMESTAMPTZ,
			source_updated_at    TIMESTAMPTZ,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (consolidation_status);
		CREATE INDEX IF NOT EXISTS %s_run_idx ON %s (run_id)`,
		table, table, table, table, table))
	if err != nil {
		return fmt.Errorf("ensure raw table for %s: %w", feed, err)
	}
	return nil
}

// UpsertRawRows writes one page of vendor items. Payload is always
// overwritten and the consolidation status reset to pending, so
// redelivered pages are absorbed and updated stones get re-promoted.
func (r *Repository) UpsertRawRows(ctx context.Context, feed string, rows []models.RawRow) error {
	if len(rows) == 0 {
		return nil
	}
	table, err := rawTable(feed)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(fmt.Sprintf(`
			INSERT INTO %s (supplier_stone_id, offer_id, payload, run_id, consolidation_status, source_updated_at)
			VALUES ($1, $2, $3, $4, 'pending', $5)
			ON CONFLICT (supplier_stone_id) DO UPDATE SET
				offer_id = EXCLUDED.offer_id,
				payload = EXCLUDED.payload,
				run_id = EXCLUDED.run_id,
				consolidation_status = 'pending',
				claim_expiry = NULL,
				source_updated_at = EXCLUDED.source_updated_at,
				updated_at = NOW()`, table),
			row.SupplierStoneID, row.OfferID, row.Payload, row.RunID, row.SourceUpdatedAt,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < len(rows); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert raw batch for %s: %w", feed, err)
		}
	}
	return nil
}

// ClaimRawBatch flips up to batchSize pending rows to claimed and
// returns them. SKIP LOCKED makes concurrent consolidator replicas
// take disjoint batches by construction.
func (r *Repository) ClaimRawBatch(ctx context.Context, feed string, batchSize int, claimTTL time.Duration) ([]models.RawRow, error) {
	table, err := rawTable(feed)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		UPDATE %s
		SET consolidation_status = 'claimed', claim_expiry = NOW() + $2::interval
		WHERE supplier_stone_id IN (
			SELECT supplier_stone_id FROM %s
			WHERE consolidation_status = 'pending'
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING supplier_stone_id, offer_id, payload, run_id,
		          consolidation_status, claim_expiry, source_updated_at,
		          created_at, updated_at`, table, table),
		batchSize, fmt.Sprintf("%d milliseconds", claimTTL.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("claim raw batch for %s: %w", feed, err)
	}
	defer rows.Close()

	var out []models.RawRow
	for rows.Next() {
		row := models.RawRow{Feed: feed}
		if err := rows.Scan(
			&row.SupplierStoneID, &row.OfferID, &row.Payload, &row.RunID,
			&row.ConsolidationStatus, &row.ClaimExpiry, &row.SourceUpdatedAt,
			&row.CreatedAt, &row.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkRawDone finishes claimed rows after canonical promotion.
func (r *Repository) MarkRawDone(ctx context.Context, feed string, stoneIDs []string) error {
	if len(stoneIDs) == 0 {
		return nil
	}
	table, err := rawTable(feed)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET consolidation_status = 'done', claim_expiry = NULL, updated_at = NOW()
		WHERE supplier_stone_id = ANY($1) AND consolidation_status = 'claimed'`, table),
		stoneIDs)
	if err != nil {
		return fmt.Errorf("mark raw done for %s: %w", feed, err)
	}
	return nil
}

// SweepExpiredClaims releases rows whose claim TTL lapsed back to
// pending so another consolidator can pick them up.
func (r *Repository) SweepExpiredClaims(ctx context.Context, feed string) (int64, error) {
	table, err := rawTable(feed)
	if err != nil {
		return 0, err
	}
	cmd, err := r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET consolidation_status = 'pending', claim_expiry = NULL
		WHERE consolidation_status = 'claimed' AND claim_expiry < NOW()`, table))
	if err != nil {
		return 0, fmt.Errorf("sweep expired claims for %s: %w", feed, err)
	}
	return cmd.RowsAffected(), nil
}

// CountRawByStatus returns per-status raw row counts for one feed.
func (r *Repository) CountRawByStatus(ctx context.Context, feed string) (map[string]int, error) {
	table, err := rawTable(feed)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT consolidation_status, COUNT(*) FROM %s GROUP BY consolidation_status`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// CountPendingRaw reports rows still waiting for consolidation.
func (r *Repository) CountPendingRaw(ctx context.Context, feed string) (int, error) {
	table, err := rawTable(feed)
	if err != nil {
		return 0, err
	}
	var n int
	err = r.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE consolidation_status = 'pending'`, table)).Scan(&n)
	return n, err
}

// CountRawForRun reports how many raw rows the given run touched.
func (r *Repository) CountRawForRun(ctx context.Context, feed, runID string) (int, error) {
	table, err := rawTable(feed)
	if err != nil {
		return 0, err
	}
	var n int
	err = r.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE run_id = $1`, table), runID).Scan(&n)
	return n, err
}
