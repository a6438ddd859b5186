// Package backup takes a consistent snapshot of every registered store.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/repovault/repovault/internal/freeze"
	"github.com/repovault/repovault/internal/logging/audit"
	"github.com/rs/zerolog/log"
)

// Initiator is the system initiator recorded on the backup's freeze request.
const Initiator = "backup"

// Target is a store that can write a snapshot of itself.
type Target interface {
	Name() string
	SnapshotExt() string
	Snapshot(ctx context.Context, w io.Writer) (int64, error)
}

// Freezer is the part of the freeze coordinator a backup uses.
type Freezer interface {
	RequestFreeze(ctx context.Context, req freeze.Request) (freeze.Request, error)
	Release(ctx context.Context, req freeze.Request) (bool, error)
}

// Runner runs backups, one at a time.
type Runner struct {
	mu      sync.Mutex // serializes Run; runs share one freeze request
	freezer Freezer
	targets []Target
	audit   *audit.Logger
	now     func() time.Time
}

// NewRunner creates a backup runner.
func NewRunner(freezer Freezer, targets []Target, auditLog *audit.Logger) *Runner {
	return &Runner{
		freezer: freezer,
		targets: append([]Target(nil), targets...),
		audit:   auditLog,
		now:     time.Now,
	}
}

// Run freezes the node, snapshots every target into dir and releases the
// freeze request again, whether or not the snapshots succeeded. It returns
// the paths written. A run started while another is in progress waits for it.
func (r *Runner) Run(ctx context.Context, dir string) (files []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	req, err := r.freezer.RequestFreeze(ctx, freeze.NewRequest(freeze.SystemInitiated, Initiator))
	defer func() {
		// Release even if the freeze fan-out failed: the request is in the set.
		if _, relErr := r.freezer.Release(context.WithoutCancel(ctx), req); relErr != nil {
			log.Error().Err(relErr).Msg("failed to release backup freeze request")
			err = errors.Join(err, fmt.Errorf("release freeze: %w", relErr))
		}
		result, details := "completed", ""
		if err != nil {
			result, details = "failed", err.Error()
		}
		r.audit.LogBackup(dir, files, result, details)
	}()
	if err != nil {
		return nil, fmt.Errorf("freeze: %w", err)
	}

	stamp := r.now().UTC().Format("20060102T150405Z")
	for _, t := range r.targets {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s-%s%s", t.Name(), stamp, t.SnapshotExt()))
		n, err := writeSnapshot(ctx, t, path)
		if err != nil {
			return files, fmt.Errorf("snapshot %s: %w", t.Name(), err)
		}
		log.Info().Str("store", t.Name()).Str("file", path).Int64("bytes", n).Msg("store snapshot written")
		files = append(files, path)
	}
	return files, nil
}

func writeSnapshot(ctx context.Context, t Target, path string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := t.Snapshot(ctx, tmp)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return n, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return n, fmt.Errorf("rename snapshot: %w", err)
	}
	return n, nil
}
