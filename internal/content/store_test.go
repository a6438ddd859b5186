package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/repovault/repovault/internal/freeze"
	"github.com/repovault/repovault/pkg/blobref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var _ freeze.Provider = (*Store)(nil)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	s.now = func() time.Time { return now }
	return s
}

func daysAgo(d int) time.Time {
	return now.Add(-time.Duration(d) * 24 * time.Hour)
}

func createRepo(t *testing.T, s *Store, name string) Repository {
	t.Helper()
	r, err := s.CreateRepository(context.Background(), Repository{Name: name, Format: "maven2"})
	require.NoError(t, err)
	return r
}

func addAsset(t *testing.T, s *Store, repo Repository, component *string, path string, created time.Time, downloaded *time.Time) Asset {
	t.Helper()
	a, err := s.CreateAsset(context.Background(), Asset{
		RepositoryID:   repo.ID,
		ComponentID:    component,
		Path:           path,
		BlobRef:        blobref.MustParse("default@" + path),
		Size:           100,
		CreatedAt:      created,
		LastDownloaded: downloaded,
	})
	require.NoError(t, err)
	return a
}

func TestRepositories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createRepo(t, s, "maven-releases")
	createRepo(t, s, "alpha")

	repos, err := s.ListRepositories(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, "alpha", repos[0].Name)

	require.NoError(t, s.SetCleanupPolicy(ctx, "alpha", "weekly"))
	r, err := s.GetRepository(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "weekly", r.CleanupPolicy)

	_, err = s.GetRepository(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.SetCleanupPolicy(ctx, "missing", "x"), ErrNotFound))

	_, err = s.CreateRepository(ctx, Repository{Name: "alpha", Format: "npm"})
	assert.Error(t, err, "names are unique")
}

func TestAssets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := createRepo(t, s, "r")

	comp, err := s.CreateComponent(ctx, Component{RepositoryID: repo.ID, Name: "lib", Version: "1.0"})
	require.NoError(t, err)
	a := addAsset(t, s, repo, &comp.ID, "lib-1.0.jar", daysAgo(1), nil)

	got, err := s.GetAsset(ctx, "r", "lib-1.0.jar")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	require.NotNil(t, got.ComponentID)
	assert.Equal(t, comp.ID, *got.ComponentID)
	assert.True(t, got.BlobRef.Equal(blobref.MustParse("default@lib-1.0.jar")))
	assert.Nil(t, got.LastDownloaded)
	assert.True(t, got.CreatedAt.Equal(daysAgo(1)))

	require.NoError(t, s.MarkDownloaded(ctx, a.ID, now))
	got, err = s.GetAsset(ctx, "r", "lib-1.0.jar")
	require.NoError(t, err)
	require.NotNil(t, got.LastDownloaded)
	assert.True(t, got.LastDownloaded.Equal(now))

	assert.True(t, errors.Is(s.MarkDownloaded(ctx, "nope", now), ErrNotFound))
	_, err = s.GetAsset(ctx, "r", "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	used, err := s.BlobStoreUsage(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(100), used)
	used, err = s.BlobStoreUsage(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)
}

func TestGetAsset_LegacyBlobRef(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := createRepo(t, s, "r")

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO asset (id, repository_id, path, blob_ref, blob_store, size, created_at)
		VALUES ('a1', ?, 'old.pom', 'default:abc123@node-7', 'default', 1, ?)`,
		repo.ID, toMillis(now))
	require.NoError(t, err)

	a, err := s.GetAsset(ctx, "r", "old.pom")
	require.NoError(t, err)
	assert.Equal(t, "default@abc123", a.BlobRef.String())
	assert.Equal(t, "node-7", a.BlobRef.Node())
}

func TestDeleteStaleAssets_Batches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := createRepo(t, s, "r")
	other := createRepo(t, s, "other")

	for i := 0; i < 25; i++ {
		addAsset(t, s, repo, nil, fmt.Sprintf("stale-%d", i), daysAgo(40), nil)
	}
	recent := daysAgo(2)
	addAsset(t, s, repo, nil, "downloaded-recently", daysAgo(40), &recent)
	addAsset(t, s, repo, nil, "new", daysAgo(1), nil)
	addAsset(t, s, other, nil, "other-stale", daysAgo(40), nil)

	var batches []int64
	for {
		n, err := s.DeleteStaleAssets(ctx, "r", 30, 10)
		require.NoError(t, err)
		batches = append(batches, n)
		if n == 0 {
			break
		}
	}
	assert.Equal(t, []int64{10, 10, 5, 0}, batches)

	components, assets, err := s.RepositoryCounts(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, int64(0), components)
	assert.Equal(t, int64(2), assets)

	_, assets, err = s.RepositoryCounts(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), assets, "other repositories untouched")
}

func TestDeleteStaleAssets_SkipsComponentAssets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := createRepo(t, s, "r")

	comp, err := s.CreateComponent(ctx, Component{RepositoryID: repo.ID, Name: "lib", CreatedAt: daysAgo(1)})
	require.NoError(t, err)
	addAsset(t, s, repo, &comp.ID, "lib.jar", daysAgo(90), nil)

	n, err := s.DeleteStaleAssets(ctx, "r", 30, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDeleteStaleComponents_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := createRepo(t, s, "r")

	old, err := s.CreateComponent(ctx, Component{RepositoryID: repo.ID, Name: "old", CreatedAt: daysAgo(100)})
	require.NoError(t, err)
	addAsset(t, s, repo, &old.ID, "old.jar", daysAgo(100), nil)
	addAsset(t, s, repo, &old.ID, "old.pom", daysAgo(100), nil)

	used := daysAgo(100)
	stillUsed := daysAgo(3)
	kept, err := s.CreateComponent(ctx, Component{RepositoryID: repo.ID, Name: "kept", CreatedAt: used, LastDownloaded: &stillUsed})
	require.NoError(t, err)
	addAsset(t, s, repo, &kept.ID, "kept.jar", daysAgo(100), nil)

	n, err := s.DeleteStaleComponents(ctx, "r", 30, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	components, assets, err := s.RepositoryCounts(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, int64(1), components)
	assert.Equal(t, int64(1), assets, "assets of the deleted component cascade")
}

func TestFreezeProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := createRepo(t, s, "r")
	addAsset(t, s, repo, nil, "a", daysAgo(1), nil)

	h, err := s.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Freeze(ctx, true))
	require.NoError(t, h.Close())
	assert.True(t, s.IsFrozen())

	_, err = s.CreateRepository(ctx, Repository{Name: "x", Format: "npm"})
	assert.True(t, errors.Is(err, freeze.ErrDatabaseFrozen))
	_, err = s.DeleteStaleAssets(ctx, "r", 1, 10)
	assert.True(t, errors.Is(err, freeze.ErrDatabaseFrozen))

	_, err = s.db.ExecContext(ctx, "DELETE FROM asset")
	assert.Error(t, err, "connection is query_only while frozen")

	counts, err := s.Counts(ctx)
	require.NoError(t, err, "reads still work")
	assert.Equal(t, int64(1), counts.Assets)

	var buf bytes.Buffer
	n, err := s.Snapshot(ctx, &buf)
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))

	h, err = s.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Freeze(ctx, false))
	require.NoError(t, h.Close())
	assert.False(t, s.IsFrozen())

	_, err = s.CreateRepository(ctx, Repository{Name: "x", Format: "npm"})
	assert.NoError(t, err)
}

func TestSnapshot_RequiresFreeze(t *testing.T) {
	s := newTestStore(t)
	var buf bytes.Buffer
	_, err := s.Snapshot(context.Background(), &buf)
	assert.Error(t, err)
}

func TestSnapshot_Restorable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := createRepo(t, s, "r")
	addAsset(t, s, repo, nil, "a", daysAgo(1), nil)

	coord := freeze.NewCoordinator([]freeze.Provider{s}, freeze.Options{})
	_, err := coord.RequestFreeze(ctx, freeze.NewRequest(freeze.SystemInitiated, "test"))
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = s.Snapshot(ctx, &buf)
	require.NoError(t, err)
	_, err = coord.ReleaseAllRequests(ctx)
	require.NoError(t, err)

	restored := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, os.WriteFile(restored, buf.Bytes(), 0644))
	copyStore, err := Open(restored)
	require.NoError(t, err)
	defer func() { _ = copyStore.Close() }()

	counts, err := copyStore.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Repositories)
	assert.Equal(t, int64(1), counts.Assets)
}
