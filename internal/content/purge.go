package content

import (
	"context"
	"fmt"
	"time"
)

// Stale rows were last downloaded before the cutoff, or were never
// downloaded and created before it.
const staleClause = `(last_downloaded < ? OR (last_downloaded IS NULL AND created_at < ?))`

func (s *Store) cutoff(days int) int64 {
	return toMillis(s.now().Add(-time.Duration(days) * 24 * time.Hour))
}

// DeleteStaleAssets deletes up to limit stale assets that have no owning
// component and returns how many were deleted.
func (s *Store) DeleteStaleAssets(ctx context.Context, repository string, days, limit int) (int64, error) {
	if err := s.checkWritable(); err != nil {
		return 0, err
	}
	cutoff := s.cutoff(days)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM asset WHERE id IN (
			SELECT id FROM asset
			WHERE repository_id = (SELECT id FROM repository WHERE name = ?)
			AND component_id IS NULL
			AND `+staleClause+`
			LIMIT ?
		)`, repository, cutoff, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete stale assets in %s: %w", repository, err)
	}
	return res.RowsAffected()
}

// DeleteStaleComponents deletes up to limit stale components, cascading to
// their assets, and returns how many components were deleted.
func (s *Store) DeleteStaleComponents(ctx context.Context, repository string, days, limit int) (int64, error) {
	if err := s.checkWritable(); err != nil {
		return 0, err
	}
	cutoff := s.cutoff(days)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM component WHERE id IN (
			SELECT id FROM component
			WHERE repository_id = (SELECT id FROM repository WHERE name = ?)
			AND `+staleClause+`
			LIMIT ?
		)`, repository, cutoff, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete stale components in %s: %w", repository, err)
	}
	return res.RowsAffected()
}

// BlobStoreUsage returns the bytes referenced by assets in the blob store.
func (s *Store) BlobStoreUsage(ctx context.Context, store string) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(size), 0) FROM asset WHERE blob_store = ?", store,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("blob store usage %s: %w", store, err)
	}
	return used, nil
}
