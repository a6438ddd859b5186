// Package purge deletes content that has not been used within a retention
// window, in bounded batches that can be interrupted between commits.
package purge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/repovault/repovault/internal/logging/audit"
	"github.com/repovault/repovault/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultLimit is the number of rows deleted per batch.
const DefaultLimit = 1000

// ErrInvalidArgument is returned for a non-positive retention window.
var ErrInvalidArgument = errors.New("invalid argument")

// ContentStore deletes stale rows. Each call is its own transaction.
type ContentStore interface {
	DeleteStaleAssets(ctx context.Context, repository string, days, limit int) (int64, error)
	DeleteStaleComponents(ctx context.Context, repository string, days, limit int) (int64, error)
}

// Guard is consulted before every batch.
type Guard interface {
	CheckUnfrozen(message string) error
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Limit            int
	Limiter          *rate.Limiter // paces batches; nil = unpaced
	Guard            Guard
	ProgressInterval time.Duration // 0 disables progress logging
	Metrics          *metrics.Metrics
	Audit            *audit.Logger
}

// Stats summarizes a purge run.
type Stats struct {
	AssetsDeleted     int64 `json:"assets_deleted"`
	ComponentsDeleted int64 `json:"components_deleted"`
	Batches           int   `json:"batches"`
}

// Engine runs purges against a content store.
type Engine struct {
	store    ContentStore
	limit    int
	limiter  *rate.Limiter
	guard    Guard
	progress time.Duration
	metrics  *metrics.Metrics
	audit    *audit.Logger
}

// New creates a purge engine.
func New(store ContentStore, opts Options) *Engine {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Engine{
		store:    store,
		limit:    limit,
		limiter:  opts.Limiter,
		guard:    opts.Guard,
		progress: opts.ProgressInterval,
		metrics:  opts.Metrics,
		audit:    opts.Audit,
	}
}

// Limit returns the batch size.
func (e *Engine) Limit() int {
	return e.limit
}

type deleteFunc func(ctx context.Context, repository string, days, limit int) (int64, error)

// Purge deletes stale standalone assets, then stale components together with
// their assets. Cancellation is checked before each batch; the stats of the
// batches already committed are returned with the context error.
func (e *Engine) Purge(ctx context.Context, repository string, olderThanDays int) (Stats, error) {
	return e.run(ctx, repository, olderThanDays, true)
}

// PurgeAssets runs only the standalone asset pass.
func (e *Engine) PurgeAssets(ctx context.Context, repository string, olderThanDays int) (Stats, error) {
	return e.run(ctx, repository, olderThanDays, false)
}

func (e *Engine) run(ctx context.Context, repository string, olderThanDays int, components bool) (Stats, error) {
	var stats Stats
	if olderThanDays <= 0 {
		return stats, fmt.Errorf("%w: olderThanDays must be positive, got %d", ErrInvalidArgument, olderThanDays)
	}

	start := time.Now()
	log.Info().Str("repository", repository).Int("older_than_days", olderThanDays).Msg("purge started")

	err := e.pass(ctx, repository, olderThanDays, "asset", e.store.DeleteStaleAssets, &stats.AssetsDeleted, &stats)
	if err == nil && components {
		err = e.pass(ctx, repository, olderThanDays, "component", e.store.DeleteStaleComponents, &stats.ComponentsDeleted, &stats)
	}

	result := "completed"
	switch {
	case err == nil:
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		result = "canceled"
	default:
		result = "failed"
	}

	event := log.Info()
	if result == "failed" {
		event = log.Error().Err(err)
	}
	event.Str("repository", repository).
		Str("result", result).
		Int64("assets_deleted", stats.AssetsDeleted).
		Int64("components_deleted", stats.ComponentsDeleted).
		Int("batches", stats.Batches).
		Dur("duration", time.Since(start)).
		Msg("purge finished")

	details := ""
	if err != nil {
		details = err.Error()
	}
	e.audit.LogPurge(repository, olderThanDays, stats.AssetsDeleted, stats.ComponentsDeleted, result, details)
	return stats, err
}

// pass deletes in batches of e.limit until a batch deletes nothing.
func (e *Engine) pass(ctx context.Context, repository string, days int, kind string, del deleteFunc, counter *int64, stats *Stats) error {
	lastProgress := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("purge %s %ss: %w", repository, kind, err)
		}
		if e.guard != nil {
			if err := e.guard.CheckUnfrozen(""); err != nil {
				return err
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("purge %s %ss: %w", repository, kind, err)
			}
		}

		n, err := del(ctx, repository, days, e.limit)
		stats.Batches++
		if err != nil {
			return err
		}
		*counter += n
		e.metrics.RecordPurgeBatch(repository, kind, n)

		if n == 0 {
			return nil
		}
		if e.progress > 0 && time.Since(lastProgress) >= e.progress {
			log.Info().Str("repository", repository).Str("kind", kind).Int64("deleted", *counter).Msg("purge progress")
			lastProgress = time.Now()
		}
	}
}
