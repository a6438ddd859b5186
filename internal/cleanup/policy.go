// Package cleanup stores cleanup policies and applies them to repositories.
package cleanup

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel errors.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid policy")
)

// Mode selects what a policy deletes.
type Mode string

// Cleanup modes.
const (
	// ModeDelete removes stale components (with their assets) and stale
	// standalone assets.
	ModeDelete Mode = "delete"
	// ModeClean removes only stale standalone assets.
	ModeClean Mode = "clean"
)

// Criteria keys holding an age in days.
const (
	CriteriaLastDownloaded  = "lastDownloaded"
	CriteriaLastBlobUpdated = "lastBlobUpdated"
)

// Policy is a cleanup policy document. It is always replaced whole; Version
// must match the stored version for a replace to succeed.
type Policy struct {
	Name     string            `json:"name" yaml:"name"`
	Format   string            `json:"format" yaml:"format"`
	Mode     Mode              `json:"mode" yaml:"mode"`
	Notes    string            `json:"notes,omitempty" yaml:"notes,omitempty"`
	Criteria map[string]string `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	Version  int64             `json:"version" yaml:"version,omitempty"`
}

// Validate checks the policy document.
func (p Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if p.Format == "" {
		return fmt.Errorf("%w: format is required", ErrInvalid)
	}
	switch p.Mode {
	case ModeDelete, ModeClean:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, p.Mode)
	}
	if _, _, err := AgeDays(p); err != nil {
		return err
	}
	return nil
}

// AgeDays returns the retention window of the policy in days. ok is false
// when the policy has no age criterion.
func AgeDays(p Policy) (days int, ok bool, err error) {
	for _, key := range []string{CriteriaLastDownloaded, CriteriaLastBlobUpdated} {
		v, present := p.Criteria[key]
		if !present || strings.TrimSpace(v) == "" {
			continue
		}
		days, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || days <= 0 {
			return 0, false, fmt.Errorf("%w: criterion %s must be a positive number of days, got %q", ErrInvalid, key, v)
		}
		return days, true, nil
	}
	return 0, false, nil
}
