package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/repovault/repovault/pkg/blobref"
)

// Repository is a hosted repository.
type Repository struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Format        string `json:"format"`
	CleanupPolicy string `json:"cleanup_policy,omitempty"`
}

// Component is a versioned artifact owning zero or more assets.
type Component struct {
	ID             string     `json:"id"`
	RepositoryID   string     `json:"repository_id"`
	Namespace      string     `json:"namespace,omitempty"`
	Name           string     `json:"name"`
	Version        string     `json:"version,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastDownloaded *time.Time `json:"last_downloaded,omitempty"`
}

// Asset is a stored file. ComponentID is nil for standalone assets.
type Asset struct {
	ID             string      `json:"id"`
	RepositoryID   string      `json:"repository_id"`
	ComponentID    *string     `json:"component_id,omitempty"`
	Path           string      `json:"path"`
	BlobRef        blobref.Ref `json:"blob_ref"`
	Size           int64       `json:"size"`
	CreatedAt      time.Time   `json:"created_at"`
	LastDownloaded *time.Time  `json:"last_downloaded,omitempty"`
}

// Counts is the size of the content inventory.
type Counts struct {
	Repositories int64 `json:"repositories"`
	Components   int64 `json:"components"`
	Assets       int64 `json:"assets"`
}

// CreateRepository inserts a repository, assigning an ID when empty.
func (s *Store) CreateRepository(ctx context.Context, r Repository) (Repository, error) {
	if err := s.checkWritable(); err != nil {
		return Repository{}, err
	}
	if r.Name == "" || r.Format == "" {
		return Repository{}, fmt.Errorf("repository name and format are required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO repository (id, name, format, cleanup_policy) VALUES (?, ?, ?, ?)",
		r.ID, r.Name, r.Format, r.CleanupPolicy,
	)
	if err != nil {
		return Repository{}, fmt.Errorf("insert repository %s: %w", r.Name, err)
	}
	return r, nil
}

// GetRepository returns the repository with the given name.
func (s *Store) GetRepository(ctx context.Context, name string) (Repository, error) {
	var r Repository
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, format, cleanup_policy FROM repository WHERE name = ?", name,
	).Scan(&r.ID, &r.Name, &r.Format, &r.CleanupPolicy)
	if errors.Is(err, sql.ErrNoRows) {
		return Repository{}, fmt.Errorf("repository %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return Repository{}, fmt.Errorf("query repository %s: %w", name, err)
	}
	return r, nil
}

// ListRepositories returns every repository ordered by name.
func (s *Store) ListRepositories(ctx context.Context) ([]Repository, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, format, cleanup_policy FROM repository ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []Repository
	for rows.Next() {
		var r Repository
		if err := rows.Scan(&r.ID, &r.Name, &r.Format, &r.CleanupPolicy); err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// SetCleanupPolicy binds a repository to a cleanup policy ("" unbinds).
func (s *Store) SetCleanupPolicy(ctx context.Context, repository, policy string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "UPDATE repository SET cleanup_policy = ? WHERE name = ?", policy, repository)
	if err != nil {
		return fmt.Errorf("update repository %s: %w", repository, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository %s: %w", repository, ErrNotFound)
	}
	return nil
}

// CreateComponent inserts a component.
func (s *Store) CreateComponent(ctx context.Context, c Component) (Component, error) {
	if err := s.checkWritable(); err != nil {
		return Component{}, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO component (id, repository_id, namespace, name, version, created_at, last_downloaded)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RepositoryID, c.Namespace, c.Name, c.Version, toMillis(c.CreatedAt), nullMillis(c.LastDownloaded),
	)
	if err != nil {
		return Component{}, fmt.Errorf("insert component %s: %w", c.Name, err)
	}
	return c, nil
}

// CreateAsset inserts an asset. The blob reference is stored in canonical form.
func (s *Store) CreateAsset(ctx context.Context, a Asset) (Asset, error) {
	if err := s.checkWritable(); err != nil {
		return Asset{}, err
	}
	if a.BlobRef.IsZero() {
		return Asset{}, fmt.Errorf("asset %s: blob reference is required", a.Path)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	var componentID sql.NullString
	if a.ComponentID != nil {
		componentID = sql.NullString{String: *a.ComponentID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO asset (id, repository_id, component_id, path, blob_ref, blob_store, size, created_at, last_downloaded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RepositoryID, componentID, a.Path, blobref.Format(a.BlobRef), a.BlobRef.Store(), a.Size,
		toMillis(a.CreatedAt), nullMillis(a.LastDownloaded),
	)
	if err != nil {
		return Asset{}, fmt.Errorf("insert asset %s: %w", a.Path, err)
	}
	return a, nil
}

// GetAsset returns the asset at path in the named repository.
func (s *Store) GetAsset(ctx context.Context, repository, path string) (Asset, error) {
	var (
		a           Asset
		componentID sql.NullString
		ref         string
		created     int64
		downloaded  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT a.id, a.repository_id, a.component_id, a.path, a.blob_ref, a.size, a.created_at, a.last_downloaded
		FROM asset a JOIN repository r ON r.id = a.repository_id
		WHERE r.name = ? AND a.path = ?`, repository, path,
	).Scan(&a.ID, &a.RepositoryID, &componentID, &a.Path, &ref, &a.Size, &created, &downloaded)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, fmt.Errorf("asset %s/%s: %w", repository, path, ErrNotFound)
	}
	if err != nil {
		return Asset{}, fmt.Errorf("query asset %s/%s: %w", repository, path, err)
	}

	// Rows written by older releases may carry legacy reference forms.
	a.BlobRef, err = blobref.Parse(ref)
	if err != nil {
		return Asset{}, fmt.Errorf("asset %s/%s: %w", repository, path, err)
	}
	if componentID.Valid {
		id := componentID.String
		a.ComponentID = &id
	}
	a.CreatedAt = fromMillis(created)
	a.LastDownloaded = timePtr(downloaded)
	return a, nil
}

// MarkDownloaded records a download of the asset and its owning component.
func (s *Store) MarkDownloaded(ctx context.Context, assetID string, at time.Time) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	ms := toMillis(at)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "UPDATE asset SET last_downloaded = ? WHERE id = ?", ms, assetID)
	if err != nil {
		return fmt.Errorf("update asset %s: %w", assetID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE component SET last_downloaded = ? WHERE id = (SELECT component_id FROM asset WHERE id = ?)",
		ms, assetID,
	); err != nil {
		return fmt.Errorf("update component of asset %s: %w", assetID, err)
	}
	return tx.Commit()
}

// Counts returns the size of the inventory.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM repository), (SELECT COUNT(*) FROM component), (SELECT COUNT(*) FROM asset)`,
	).Scan(&c.Repositories, &c.Components, &c.Assets)
	if err != nil {
		return Counts{}, fmt.Errorf("count content: %w", err)
	}
	return c, nil
}

// RepositoryCounts returns the number of components and assets in a repository.
func (s *Store) RepositoryCounts(ctx context.Context, repository string) (components, assets int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM component c JOIN repository r ON r.id = c.repository_id WHERE r.name = ?),
			(SELECT COUNT(*) FROM asset a JOIN repository r ON r.id = a.repository_id WHERE r.name = ?)`,
		repository, repository,
	).Scan(&components, &assets)
	if err != nil {
		return 0, 0, fmt.Errorf("count repository %s: %w", repository, err)
	}
	return components, assets, nil
}
