package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/repovault/repovault/internal/config"
	"github.com/repovault/repovault/pkg/bytesize"
	"github.com/repovault/repovault/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func TestReadLimit(t *testing.T) {
	for _, limit := range []int64{1, 0, -1} {
		got, err := ReadLimit(Config{Type: SpaceUsed, Limit: int64Ptr(limit)})
		require.NoError(t, err)
		assert.Equal(t, limit, got)
	}
}

func TestReadLimit_Missing(t *testing.T) {
	_, err := ReadLimit(Config{Type: SpaceRemaining})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

type stubChecker struct {
	result Result
	err    error
	calls  int
}

func (s *stubChecker) CheckQuota(context.Context, Store) (Result, error) {
	s.calls++
	return s.result, s.err
}

func TestCheckJob(t *testing.T) {
	store := Store{Name: "default"}

	tests := []struct {
		name      string
		checker   *stubChecker
		wantWarn  int
		wantError int
		wantMsg   string
	}{
		{
			name:    "not violated",
			checker: &stubChecker{result: Result{StoreName: "default"}},
		},
		{
			name:     "violated",
			checker:  &stubChecker{result: Result{Violated: true, StoreName: "default", Message: "over quota"}},
			wantWarn: 1,
			wantMsg:  "over quota",
		},
		{
			name:      "checker fails",
			checker:   &stubChecker{err: errors.New("boom")},
			wantError: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := testutil.NewLogger()

			assert.NotPanics(t, func() {
				CheckJob(context.Background(), store, tt.checker, logger)
			})

			assert.Equal(t, 1, tt.checker.calls)
			assert.Equal(t, tt.wantWarn, logs.Count(t, "warn"))
			assert.Equal(t, tt.wantError, logs.Count(t, "error"))
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, logs.AtLevel(t, "warn")[0]["message"])
			}
			if tt.wantError > 0 {
				entry := logs.AtLevel(t, "error")[0]
				assert.Equal(t, "boom", entry["error"])
				assert.Equal(t, "default", entry["store"])
			}
			if tt.wantWarn == 0 && tt.wantError == 0 {
				assert.Empty(t, logs.Entries(t))
			}
		})
	}
}

type fakeUsage map[string]int64

func (f fakeUsage) BlobStoreUsage(_ context.Context, store string) (int64, error) {
	v, ok := f[store]
	if !ok {
		return 0, errors.New("unknown store")
	}
	return v, nil
}

func newTestService(usage fakeUsage, available int64) *Service {
	s := NewService(usage, nil)
	s.volume = func(string) (int64, int64, int64, error) {
		return 100 * bytesize.GB, 100*bytesize.GB - available, available, nil
	}
	return s
}

func TestService_SpaceUsed(t *testing.T) {
	svc := newTestService(fakeUsage{"default": 2 * bytesize.MB}, 0)
	ctx := context.Background()

	tests := []struct {
		limit    int64
		violated bool
	}{
		{limit: 3 * bytesize.MB, violated: false},
		{limit: 2 * bytesize.MB, violated: false},
		{limit: 1 * bytesize.MB, violated: true},
		{limit: 0, violated: true},
		{limit: -1, violated: true},
	}

	for _, tt := range tests {
		store := Store{Name: "default", Quota: &Config{Type: SpaceUsed, Limit: int64Ptr(tt.limit)}}
		result, err := svc.CheckQuota(ctx, store)
		require.NoError(t, err)
		assert.Equal(t, tt.violated, result.Violated, "limit %d", tt.limit)
		assert.Equal(t, "default", result.StoreName)
		if tt.violated {
			assert.Contains(t, result.Message, "2.00 MB")
		} else {
			assert.Empty(t, result.Message)
		}
	}
}

func TestService_SpaceRemaining(t *testing.T) {
	svc := newTestService(fakeUsage{"default": 0}, 5*bytesize.GB)
	ctx := context.Background()

	result, err := svc.CheckQuota(ctx, Store{Name: "default", Quota: &Config{Type: SpaceRemaining, Limit: int64Ptr(10 * bytesize.GB)}})
	require.NoError(t, err)
	assert.True(t, result.Violated)
	assert.Contains(t, result.Message, "5.00 GB")
	assert.Contains(t, result.Message, "10.00 GB")

	result, err = svc.CheckQuota(ctx, Store{Name: "default", Quota: &Config{Type: SpaceRemaining, Limit: int64Ptr(-bytesize.GB)}})
	require.NoError(t, err)
	assert.False(t, result.Violated)
}

func TestService_Errors(t *testing.T) {
	svc := newTestService(fakeUsage{"default": 0}, 0)
	ctx := context.Background()

	_, err := svc.CheckQuota(ctx, Store{Name: "missing"})
	assert.Error(t, err)

	_, err = svc.CheckQuota(ctx, Store{Name: "default", Quota: &Config{Type: SpaceUsed}})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = svc.CheckQuota(ctx, Store{Name: "default", Quota: &Config{Type: "bogus", Limit: int64Ptr(1)}})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	result, err := svc.CheckQuota(ctx, Store{Name: "default"})
	require.NoError(t, err)
	assert.False(t, result.Violated, "no quota configured")
}

func TestJob_Run(t *testing.T) {
	logger, logs := testutil.NewLogger()
	svc := newTestService(fakeUsage{"a": 10, "b": 10}, 0)
	stores := []Store{
		{Name: "a", Quota: &Config{Type: SpaceUsed, Limit: int64Ptr(5)}},
		{Name: "broken"},
		{Name: "b", Quota: &Config{Type: SpaceUsed, Limit: int64Ptr(50)}},
	}

	results := NewJob(stores, svc, logger, nil).Run(context.Background())

	require.Len(t, results, 2)
	assert.True(t, results[0].Violated)
	assert.False(t, results[1].Violated)
	assert.Equal(t, 1, logs.Count(t, "warn"))
	assert.Equal(t, 1, logs.Count(t, "error"))
}

func TestStoreFromConfig(t *testing.T) {
	limit := bytesize.Size(-1 * bytesize.GB)
	s := StoreFromConfig(config.BlobStoreConfig{
		Name:  "default",
		Path:  "/data/blobs/default",
		Quota: &config.QuotaConfig{Type: config.QuotaSpaceRemaining, Limit: &limit},
	})
	require.NotNil(t, s.Quota)
	assert.Equal(t, SpaceRemaining, s.Quota.Type)
	got, err := ReadLimit(*s.Quota)
	require.NoError(t, err)
	assert.Equal(t, -bytesize.GB, got)

	noLimit := StoreFromConfig(config.BlobStoreConfig{Name: "x", Quota: &config.QuotaConfig{Type: config.QuotaSpaceUsed}})
	_, err = ReadLimit(*noLimit.Quota)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestVolumeStats(t *testing.T) {
	total, used, available, err := VolumeStats(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, total, int64(0))
	assert.GreaterOrEqual(t, used, int64(0))
	assert.GreaterOrEqual(t, available, int64(0))
}
