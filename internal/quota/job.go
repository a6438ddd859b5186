package quota

import (
	"context"
	"time"

	"github.com/repovault/repovault/internal/metrics"
	"github.com/rs/zerolog"
)

// Job runs CheckJob for every configured store.
type Job struct {
	stores  []Store
	checker Checker
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewJob creates a quota job over stores.
func NewJob(stores []Store, checker Checker, logger zerolog.Logger, m *metrics.Metrics) *Job {
	return &Job{
		stores:  append([]Store(nil), stores...),
		checker: checker,
		logger:  logger,
		metrics: m,
	}
}

// Run evaluates every store once and returns the results of the stores that
// could be evaluated.
func (j *Job) Run(ctx context.Context) []Result {
	results := make([]Result, 0, len(j.stores))
	for _, store := range j.stores {
		if ctx.Err() != nil {
			break
		}
		result, err := check(ctx, store, j.checker, j.logger)
		if err != nil {
			j.metrics.RecordQuotaError(store.Name)
			continue
		}
		j.metrics.RecordQuota(store.Name, result.Violated)
		results = append(results, result)
	}
	return results
}

// Loop runs the job immediately and then every interval until ctx is done.
func (j *Job) Loop(ctx context.Context, interval time.Duration) {
	j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
