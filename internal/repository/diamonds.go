package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gemscan/internal/models"

	"github.com/jackc/pgx/v5"
)

// UpsertDiamonds promotes mapped rows into the canonical table.
// Carry-forward: descriptive fields that arrive empty do not clobber
// existing non-empty values. An upsert always reactivates the row.
func (r *Repository) UpsertDiamonds(ctx context.Context, diamonds []models.Diamond) error {
	if len(diamonds) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range diamonds {
		batch.Queue(`
			INSERT INTO diamonds (
				feed, supplier_stone_id, offer_id, shape, carat, color, clarity,
				cut, polish, symmetry, fluorescence, lab, certificate_number,
				price_usd, availability, status, source_updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 'active', $16)
			ON CONFLICT (feed, supplier_stone_id) DO UPDATE SET
				offer_id = COALESCE(NULLIF(EXCLUDED.offer_id, ''), diamonds.offer_id),
				shape = COALESCE(NULLIF(EXCLUDED.shape, ''), diamonds.shape),
				carat = CASE WHEN EXCLUDED.carat > 0 THEN EXCLUDED.carat ELSE diamonds.carat END,
				color = COALESCE(NULLIF(EXCLUDED.color, ''), diamonds.color),
				clarity = COALESCE(NULLIF(EXCLUDED.clarity, ''), diamonds.clarity),
				cut = COALESCE(NULLIF(EXCLUDED.cut, ''), diamonds.cut),
				polish = COALESCE(NULLIF(EXCLUDED.polish, ''), diamonds.polish),
				symmetry = COALESCE(NULLIF(EXCLUDED.symmetry, ''), diamonds.symmetry),
				fluorescence = COALESCE(NULLIF(EXCLUDED.fluorescence, ''), diamonds.fluorescence),
				lab = COALESCE(NULLIF(EXCLUDED.lab, ''), diamonds.lab),
				certificate_number = COALESCE(NULLIF(EXCLUDED.certificate_number, ''), diamonds.certificate_number),
				price_usd = EXCLUDED.price_usd,
				availability = COALESCE(NULLIF(EXCLUDED.availability, ''), diamonds.availability),
				status = 'active',
				deleted_at = NULL,
				source_updated_at = COALESCE(EXCLUDED.source_updated_at, diamonds.source_updated_at),
				updated_at = NOW()`,
			d.Feed, d.SupplierStoneID, d.OfferID, d.Shape, d.Carat, d.Color, d.Clarity,
			d.Cut, d.Polish, d.Symmetry, d.Fluorescence, d.Lab, d.CertificateNumber,
			d.PriceUSD, d.Availability, d.SourceUpdatedAt,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < len(diamonds); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert diamond batch: %w", err)
		}
	}
	return nil
}

// FinishConsolidation runs the end-of-run bookkeeping in a single
// transaction: soft-delete canonical rows the run no longer saw, then
// bump the feed's dataset version. Returns the deleted count and the
// new version.
func (r *Repository) FinishConsolidation(ctx context.Context, feed, runID string, runStartedAt time.Time) (deleted int64, version int64, err error) {
	table, err := rawTable(feed)
	if err != nil {
		return 0, 0, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	// A stone is gone when it predates this run and this run's raw
	// capture never produced it.
	cmd, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE diamonds d
		SET status = 'deleted', deleted_at = NOW(), updated_at = NOW()
		WHERE d.feed = $1
		  AND d.status = 'active'
		  AND (d.source_updated_at IS NULL OR d.source_updated_at < $2)
		  AND NOT EXISTS (
			SELECT 1 FROM %s r
			WHERE r.supplier_stone_id = d.supplier_stone_id AND r.run_id = $3
		  )`, table),
		feed, runStartedAt, runID)
	if err != nil {
		return 0, 0, fmt.Errorf("soft delete for %s: %w", feed, err)
	}
	deleted = cmd.RowsAffected()

	err = tx.QueryRow(ctx, `
		INSERT INTO dataset_versions (feed, version, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (feed) DO UPDATE SET
			version = dataset_versions.version + 1,
			updated_at = NOW()
		RETURNING version`, feed).Scan(&version)
	if err != nil {
		return 0, 0, fmt.Errorf("bump dataset version for %s: %w", feed, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return deleted, version, nil
}

// SearchParams filters the canonical diamond search.
type SearchParams struct {
	Feed       string
	Shapes     []string
	Colors     []string
	Clarities  []string
	Cuts       []string
	MinPrice   float64
	MaxPrice   float64
	MinCarat   float64
	MaxCarat   float64
	SortBy     string // price | carat | updated_at
	SortDesc   bool
	Limit      int
	Offset     int
}

// SearchDiamonds returns one page of active diamonds plus the total
// match count.
func (r *Repository) SearchDiamonds(ctx context.Context, p SearchParams) ([]models.Diamond, int, error) {
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "status = 'active'")
	if p.Feed != "" {
		where = append(where, "feed = "+arg(p.Feed))
	}
	// Filter values arrive lowercased; grades are stored uppercase.
	if len(p.Shapes) > 0 {
		where = append(where, "LOWER(shape) = ANY("+arg(p.Shapes)+")")
	}
	if len(p.Colors) > 0 {
		where = append(where, "LOWER(color) = ANY("+arg(p.Colors)+")")
	}
	if len(p.Clarities) > 0 {
		where = append(where, "LOWER(clarity) = ANY("+arg(p.Clarities)+")")
	}
	if len(p.Cuts) > 0 {
		where = append(where, "LOWER(cut) = ANY("+arg(p.Cuts)+")")
	}
	if p.MinPrice > 0 {
		where = append(where, "price_usd >= "+arg(p.MinPrice))
	}
	if p.MaxPrice > 0 {
		where = append(where, "price_usd < "+arg(p.MaxPrice))
	}
	if p.MinCarat > 0 {
		where = append(where, "carat >= "+arg(p.MinCarat))
	}
	if p.MaxCarat > 0 {
		where = append(where, "carat <= "+arg(p.MaxCarat))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM diamonds WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count diamonds: %w", err)
	}

	order := "price_usd"
	switch p.SortBy {
	case "carat":
		order = "carat"
	case "updated_at":
		order = "updated_at"
	}
	dir := "ASC"
	if p.SortDesc {
		dir = "DESC"
	}
	limit := p.Limit
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	query := fmt.Sprintf(`
		SELECT id, feed, supplier_stone_id, offer_id, shape, carat, color,
		       clarity, cut, polish, symmetry, fluorescence, lab,
		       certificate_number, price_usd, availability, status,
		       source_updated_at, created_at, updated_at, deleted_at
		FROM diamonds
		WHERE %s
		ORDER BY %s %s, id ASC
		LIMIT %s OFFSET %s`, cond, order, dir, arg(limit), arg(p.Offset))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search diamonds: %w", err)
	}
	defer rows.Close()

	var out []models.Diamond
	for rows.Next() {
		var d models.Diamond
		if err := rows.Scan(
			&d.ID, &d.Feed, &d.SupplierStoneID, &d.OfferID, &d.Shape, &d.Carat,
			&d.Color, &d.Clarity, &d.Cut, &d.Polish, &d.Symmetry, &d.Fluorescence,
			&d.Lab, &d.CertificateNumber, &d.PriceUSD, &d.Availability, &d.Status,
			&d.SourceUpdatedAt, &d.CreatedAt, &d.UpdatedAt, &d.DeletedAt,
		); err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// GetDiamond fetches one canonical row regardless of status.
func (r *Repository) GetDiamond(ctx context.Context, feed, supplierStoneID string) (*models.Diamond, error) {
	var d models.Diamond
	err := r.db.QueryRow(ctx, `
		SELECT id, feed, supplier_stone_id, offer_id, shape, carat, color,
		       clarity, cut, polish, symmetry, fluorescence, lab,
		       certificate_number, price_usd, availability, status,
		       source_updated_at, created_at, updated_at, deleted_at
		FROM diamonds
		WHERE feed = $1 AND supplier_stone_id = $2
		ORDER BY status = 'active' DESC, updated_at DESC
		LIMIT 1`, feed, supplierStoneID).Scan(
		&d.ID, &d.Feed, &d.SupplierStoneID, &d.OfferID, &d.Shape, &d.Carat,
		&d.Color, &d.Clarity, &d.Cut, &d.Polish, &d.Symmetry, &d.Fluorescence,
		&d.Lab, &d.CertificateNumber, &d.PriceUSD, &d.Availability, &d.Status,
		&d.SourceUpdatedAt, &d.CreatedAt, &d.UpdatedAt, &d.DeletedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get diamond %s/%s: %w", feed, supplierStoneID, err)
	}
	return &d, nil
}

// CountDiamonds reports active canonical rows, optionally per feed.
func (r *Repository) CountDiamonds(ctx context.Context, feed string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM diamonds
		WHERE status = 'active' AND ($1 = '' OR feed = $1)`, feed).Scan(&n)
	return n, err
}
