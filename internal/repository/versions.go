package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// GetDatasetVersions returns the per-feed dataset versions. Feeds
// never consolidated are simply absent from the map.
func (r *Repository) GetDatasetVersions(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT feed, version FROM dataset_versions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var feed string
		var version int64
		if err := rows.Scan(&feed, &version); err != nil {
			return nil, err
		}
		out[feed] = version
	}
	return out, rows.Err()
}

// BumpDatasetVersion increments one feed's version without the
// soft-delete pass; incremental consolidation uses it.
func (r *Repository) BumpDatasetVersion(ctx context.Context, feed string) (int64, error) {
	var version int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO dataset_versions (feed, version, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (feed) DO UPDATE SET
			version = dataset_versions.version + 1,
			updated_at = NOW()
		RETURNING version`, feed).Scan(&version)
	return version, err
}

// GetDatasetVersion returns one feed's version, 0 if never bumped.
func (r *Repository) GetDatasetVersion(ctx context.Context, feed string) (int64, error) {
	var version int64
	err := r.db.QueryRow(ctx,
		`SELECT version FROM dataset_versions WHERE feed = $1`, feed).Scan(&version)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}
