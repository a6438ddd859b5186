// Package quota evaluates per blob store capacity quotas.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/repovault/repovault/internal/config"
	"github.com/repovault/repovault/internal/metrics"
	"github.com/repovault/repovault/pkg/bytesize"
	"github.com/rs/zerolog"
)

// ErrInvalidArgument is returned for an unusable quota configuration.
var ErrInvalidArgument = errors.New("invalid argument")

// Type selects how the limit is compared against usage.
type Type string

// Quota types.
const (
	SpaceUsed      Type = config.QuotaSpaceUsed
	SpaceRemaining Type = config.QuotaSpaceRemaining
)

// Config is the quota attached to one blob store. Limit is nil when the
// configuration omitted it, which is invalid.
type Config struct {
	Type  Type
	Limit *int64
}

// ReadLimit returns the configured limit unmodified. Negative and zero limits
// are valid.
func ReadLimit(cfg Config) (int64, error) {
	if cfg.Limit == nil {
		return 0, fmt.Errorf("%w: quota limit is not set", ErrInvalidArgument)
	}
	return *cfg.Limit, nil
}

// Result is the outcome of one quota evaluation.
type Result struct {
	Violated  bool   `json:"violated"`
	StoreName string `json:"store_name"`
	Message   string `json:"message"`
}

// Store is a blob store as seen by the quota evaluator.
type Store struct {
	Name  string
	Path  string
	Quota *Config // nil when the store has no quota
}

// StoreFromConfig converts a configured blob store.
func StoreFromConfig(bs config.BlobStoreConfig) Store {
	s := Store{Name: bs.Name, Path: bs.Path}
	if bs.Quota != nil {
		q := &Config{Type: Type(bs.Quota.Type)}
		if bs.Quota.Limit != nil {
			limit := bs.Quota.Limit.Bytes()
			q.Limit = &limit
		}
		s.Quota = q
	}
	return s
}

// StoresFromConfig converts every configured blob store.
func StoresFromConfig(cfg *config.Config) []Store {
	stores := make([]Store, 0, len(cfg.BlobStores))
	for _, bs := range cfg.BlobStores {
		stores = append(stores, StoreFromConfig(bs))
	}
	return stores
}

// Checker evaluates the quota of one store.
type Checker interface {
	CheckQuota(ctx context.Context, store Store) (Result, error)
}

// UsageSource reports the bytes referenced by a blob store.
type UsageSource interface {
	BlobStoreUsage(ctx context.Context, store string) (int64, error)
}

// Service is the default Checker. Used bytes come from the content store,
// available bytes from the volume holding the store's directory.
type Service struct {
	usage   UsageSource
	volume  func(path string) (total, used, available int64, err error)
	metrics *metrics.Metrics
}

// NewService creates a quota service.
func NewService(usage UsageSource, m *metrics.Metrics) *Service {
	return &Service{usage: usage, volume: VolumeStats, metrics: m}
}

// CheckQuota implements Checker.
func (s *Service) CheckQuota(ctx context.Context, store Store) (Result, error) {
	used, err := s.usage.BlobStoreUsage(ctx, store.Name)
	if err != nil {
		return Result{}, fmt.Errorf("read usage of %s: %w", store.Name, err)
	}
	if s.metrics != nil {
		s.metrics.BlobStoreBytes.WithLabelValues(store.Name).Set(float64(used))
	}

	if store.Quota == nil {
		return Result{StoreName: store.Name}, nil
	}
	limit, err := ReadLimit(*store.Quota)
	if err != nil {
		return Result{}, fmt.Errorf("blob store %s: %w", store.Name, err)
	}

	switch store.Quota.Type {
	case SpaceUsed:
		return evaluateUsed(store.Name, used, limit), nil
	case SpaceRemaining:
		_, _, available, err := s.volume(store.Path)
		if err != nil {
			return Result{}, err
		}
		return evaluateRemaining(store.Name, available, limit), nil
	default:
		return Result{}, fmt.Errorf("%w: unknown quota type %q for blob store %s", ErrInvalidArgument, store.Quota.Type, store.Name)
	}
}

func evaluateUsed(name string, used, limit int64) Result {
	if used <= limit {
		return Result{StoreName: name}
	}
	return Result{
		Violated:  true,
		StoreName: name,
		Message: fmt.Sprintf("Blob store %s is using %s space and has a limit of %s",
			name, bytesize.Format(used), bytesize.Format(limit)),
	}
}

func evaluateRemaining(name string, available, limit int64) Result {
	if available >= limit {
		return Result{StoreName: name}
	}
	return Result{
		Violated:  true,
		StoreName: name,
		Message: fmt.Sprintf("Blob store %s has %s available space and has a limit of %s",
			name, bytesize.Format(available), bytesize.Format(limit)),
	}
}

// CheckJob evaluates one store and logs the outcome. It never fails: an
// evaluation error is logged at error level, a violation at warn level.
func CheckJob(ctx context.Context, store Store, checker Checker, logger zerolog.Logger) {
	check(ctx, store, checker, logger)
}

func check(ctx context.Context, store Store, checker Checker, logger zerolog.Logger) (Result, error) {
	result, err := checker.CheckQuota(ctx, store)
	if err != nil {
		logger.Error().Err(err).Str("store", store.Name).
			Msgf("Quota check failed for blob store %s", store.Name)
		return Result{}, err
	}
	if result.Violated {
		logger.Warn().Str("store", store.Name).Msg(result.Message)
	}
	return result, nil
}
