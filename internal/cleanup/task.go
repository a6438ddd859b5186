package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/repovault/repovault/internal/content"
	"github.com/repovault/repovault/internal/purge"
	"github.com/rs/zerolog/log"
)

// Repositories lists repositories with their policy binding.
type Repositories interface {
	ListRepositories(ctx context.Context) ([]content.Repository, error)
}

// Policies looks up policies by name.
type Policies interface {
	Get(ctx context.Context, name string) (Policy, error)
}

// Purger runs the purge passes.
type Purger interface {
	Purge(ctx context.Context, repository string, olderThanDays int) (purge.Stats, error)
	PurgeAssets(ctx context.Context, repository string, olderThanDays int) (purge.Stats, error)
}

// Result is the outcome for one repository.
type Result struct {
	Repository string      `json:"repository"`
	Policy     string      `json:"policy"`
	Mode       Mode        `json:"mode,omitempty"`
	Days       int         `json:"days,omitempty"`
	Stats      purge.Stats `json:"stats"`
	Skipped    string      `json:"skipped,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Task applies every bound cleanup policy.
type Task struct {
	repos    Repositories
	policies Policies
	purger   Purger
}

// NewTask creates a cleanup task.
func NewTask(repos Repositories, policies Policies, purger Purger) *Task {
	return &Task{repos: repos, policies: policies, purger: purger}
}

// Run purges each repository bound to a policy. A failing repository is
// logged and the task moves on; the first error is returned at the end.
// Cancellation stops the task immediately.
func (t *Task) Run(ctx context.Context) ([]Result, error) {
	repos, err := t.repos.ListRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}

	var (
		results  []Result
		firstErr error
	)
	for _, repo := range repos {
		if repo.CleanupPolicy == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result, err := t.runOne(ctx, repo)
		results = append(results, result)
		if err == nil {
			continue
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return results, err
		}
		log.Error().Err(err).Str("repository", repo.Name).Str("policy", repo.CleanupPolicy).Msg("cleanup failed")
		if firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

func (t *Task) runOne(ctx context.Context, repo content.Repository) (Result, error) {
	result := Result{Repository: repo.Name, Policy: repo.CleanupPolicy}

	policy, err := t.policies.Get(ctx, repo.CleanupPolicy)
	if errors.Is(err, ErrNotFound) {
		log.Warn().Str("repository", repo.Name).Str("policy", repo.CleanupPolicy).Msg("repository references a missing cleanup policy")
		result.Skipped = "policy not found"
		return result, nil
	}
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	days, ok, err := AgeDays(policy)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	if !ok {
		result.Skipped = "no age criterion"
		return result, nil
	}
	result.Mode = policy.Mode
	result.Days = days

	switch policy.Mode {
	case ModeDelete:
		result.Stats, err = t.purger.Purge(ctx, repo.Name, days)
	case ModeClean:
		result.Stats, err = t.purger.PurgeAssets(ctx, repo.Name, days)
	default:
		err = fmt.Errorf("%w: unknown mode %q", ErrInvalid, policy.Mode)
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result, err
}

// Loop runs the task every interval until ctx is done.
func (t *Task) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("cleanup task finished with errors")
			}
		}
	}
}
