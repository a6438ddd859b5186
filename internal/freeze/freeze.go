// Package freeze coordinates node-wide suspension of write traffic so that a
// consistent backup or maintenance snapshot can be taken.
//
// The Coordinator owns the set of active freeze requests. The node is frozen
// for writes while that set is non-empty; every registered store is frozen on
// the empty -> non-empty transition and released on the way back, and each
// transition is published to the configured Sink exactly once.
package freeze

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/repovault/repovault/internal/logging/audit"
	"github.com/repovault/repovault/internal/metrics"
	"github.com/rs/zerolog/log"
)

// DefaultFrozenMessage is carried by ErrDatabaseFrozen when the caller supplies none.
const DefaultFrozenMessage = "Database is frozen, unable to proceed"

// ErrDatabaseFrozen is matched by errors.Is for any rejected mutation.
var ErrDatabaseFrozen = errors.New("database frozen")

// FrozenError reports a mutation attempted while the node is frozen.
type FrozenError struct {
	Message string
}

func (e *FrozenError) Error() string {
	return e.Message
}

// Is makes errors.Is(err, ErrDatabaseFrozen) succeed.
func (e *FrozenError) Is(target error) bool {
	return target == ErrDatabaseFrozen
}

// InitiatorType records who asked for a freeze.
type InitiatorType string

// Initiator types.
const (
	UserInitiated   InitiatorType = "USER_INITIATED"
	SystemInitiated InitiatorType = "SYSTEM_INITIATED"
)

// Valid reports whether t is a known initiator type.
func (t InitiatorType) Valid() bool {
	return t == UserInitiated || t == SystemInitiated
}

// Request is one reason for the node to stay frozen. Two requests with the
// same initiator type and initiator are the same request; CreatedAt is
// informational.
type Request struct {
	InitiatorType InitiatorType `json:"initiator_type"`
	Initiator     string        `json:"initiator"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NewRequest returns a request stamped with the current time.
func NewRequest(initiatorType InitiatorType, initiator string) Request {
	return Request{
		InitiatorType: initiatorType,
		Initiator:     initiator,
		CreatedAt:     time.Now().UTC(),
	}
}

// Matches reports whether r and other identify the same request.
func (r Request) Matches(other Request) bool {
	return r.InitiatorType == other.InitiatorType && r.Initiator == other.Initiator
}

// StateChanged is published on every frozen/unfrozen transition.
type StateChanged struct {
	Frozen   bool      `json:"frozen"`
	Requests []Request `json:"requests"`
	At       time.Time `json:"at"`
}

// Sink receives freeze state notifications. Publish is called synchronously
// while the coordinator still holds its lock, so it must not call back into
// the coordinator.
type Sink interface {
	Publish(ctx context.Context, event StateChanged)
}

// Provider opens connections to one registered store.
type Provider interface {
	Name() string
	Connect(ctx context.Context) (Handle, error)
}

// Handle is an open store connection. Close returns it to its provider.
type Handle interface {
	Freeze(ctx context.Context, frozen bool) error
	Close() error
}

// Options configures a Coordinator. Every field is optional.
type Options struct {
	Sink      Sink
	StatePath string // file persisting active requests across restarts; "" disables
	Metrics   *metrics.Metrics
	Audit     *audit.Logger
}

// Coordinator is the single writer of the active freeze request set.
type Coordinator struct {
	mu        sync.Mutex
	providers []Provider
	requests  []Request // insertion order
	sink      Sink
	state     *stateFile
	metrics   *metrics.Metrics
	audit     *audit.Logger
}

// NewCoordinator creates a coordinator over the given stores. The provider
// list is never modified by the coordinator.
func NewCoordinator(providers []Provider, opts Options) *Coordinator {
	c := &Coordinator{
		providers: append([]Provider(nil), providers...),
		sink:      opts.Sink,
		metrics:   opts.Metrics,
		audit:     opts.Audit,
	}
	if opts.StatePath != "" {
		c.state = &stateFile{path: opts.StatePath}
	}
	return c
}

// RequestFreeze adds req to the active set. An equal request already present
// is returned unchanged without any store I/O. The first request freezes every
// store and publishes StateChanged{Frozen: true}.
//
// On a store or state file failure the error is returned but the request
// stays in the set; callers should re-check IsFrozen. The stores are changed
// and the transition published even when the state file cannot be written.
func (c *Coordinator) RequestFreeze(ctx context.Context, req Request) (Request, error) {
	if !req.InitiatorType.Valid() {
		return Request{}, fmt.Errorf("invalid initiator type %q", req.InitiatorType)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexOf(req); i >= 0 {
		c.audit.LogFreeze("request", string(req.InitiatorType), req.Initiator, "unchanged", "")
		return c.requests[i], nil
	}

	wasFrozen := len(c.requests) > 0
	c.requests = append(c.requests, req)
	c.metrics.SetFrozen(true, len(c.requests))

	var err error
	if !wasFrozen {
		err = c.transition(ctx, true)
	}
	if err = errors.Join(err, c.persist()); err != nil {
		c.audit.LogFreeze("request", string(req.InitiatorType), req.Initiator, "failed", err.Error())
		return req, err
	}

	log.Info().
		Str("initiator_type", string(req.InitiatorType)).
		Str("initiator", req.Initiator).
		Int("active_requests", len(c.requests)).
		Msg("freeze requested")
	c.audit.LogFreeze("request", string(req.InitiatorType), req.Initiator, "frozen", "")
	return req, nil
}

// Release removes the request matching req and reports whether one was
// present. Removing the last request releases every store and publishes
// StateChanged{Frozen: false}.
func (c *Coordinator) Release(ctx context.Context, req Request) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(req)
	if i < 0 {
		c.audit.LogFreeze("release", string(req.InitiatorType), req.Initiator, "unchanged", "no matching request")
		return false, nil
	}

	c.requests = append(c.requests[:i], c.requests[i+1:]...)
	c.metrics.SetFrozen(len(c.requests) > 0, len(c.requests))

	var err error
	if len(c.requests) == 0 {
		err = c.transition(ctx, false)
	}
	if err = errors.Join(err, c.persist()); err != nil {
		c.audit.LogFreeze("release", string(req.InitiatorType), req.Initiator, "failed", err.Error())
		return true, err
	}

	log.Info().
		Str("initiator_type", string(req.InitiatorType)).
		Str("initiator", req.Initiator).
		Int("active_requests", len(c.requests)).
		Msg("freeze request released")
	result := "released"
	if len(c.requests) > 0 {
		result = "frozen"
	}
	c.audit.LogFreeze("release", string(req.InitiatorType), req.Initiator, result, "")
	return true, nil
}

// ReleaseAllRequests clears the active set and returns what was removed.
// An empty result means nothing was frozen and no store was touched.
func (c *Coordinator) ReleaseAllRequests(ctx context.Context) ([]Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := c.requests
	if len(removed) == 0 {
		return []Request{}, nil
	}
	c.requests = nil
	c.metrics.SetFrozen(false, 0)

	if err := errors.Join(c.transition(ctx, false), c.persist()); err != nil {
		c.audit.LogFreeze("release_all", "", "", "failed", err.Error())
		return removed, err
	}

	log.Info().Int("released_requests", len(removed)).Msg("all freeze requests released")
	c.audit.LogFreeze("release_all", "", "", "released", fmt.Sprintf("%d requests", len(removed)))
	return removed, nil
}

// Restore loads persisted requests and re-applies them. If the node was
// frozen when it stopped, every store is frozen again and the transition is
// published.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.state == nil {
		return nil
	}
	saved, err := c.state.load()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wasFrozen := len(c.requests) > 0
	added := 0
	for _, req := range saved {
		if !req.InitiatorType.Valid() || c.indexOf(req) >= 0 {
			continue
		}
		c.requests = append(c.requests, req)
		added++
	}
	if added == 0 {
		return nil
	}
	c.metrics.SetFrozen(true, len(c.requests))

	if !wasFrozen {
		if err := c.transition(ctx, true); err != nil {
			c.audit.LogFreeze("restore", "", "", "failed", err.Error())
			return err
		}
	}

	log.Warn().Int("active_requests", len(c.requests)).Msg("restored persisted freeze state, writes are frozen")
	c.audit.LogFreeze("restore", "", "", "frozen", fmt.Sprintf("%d requests", added))
	return nil
}

// IsFrozen reports whether any freeze request is active.
func (c *Coordinator) IsFrozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests) > 0
}

// Requests returns a snapshot of the active requests, oldest first.
func (c *Coordinator) Requests() []Request {
	c.mu.Lock()
	out := append([]Request(nil), c.requests...)
	c.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CheckUnfrozen returns a *FrozenError carrying message (or
// DefaultFrozenMessage when empty) if the node is frozen.
func (c *Coordinator) CheckUnfrozen(message string) error {
	if !c.IsFrozen() {
		return nil
	}
	if message == "" {
		message = DefaultFrozenMessage
	}
	return &FrozenError{Message: message}
}

func (c *Coordinator) indexOf(req Request) int {
	for i, r := range c.requests {
		if r.Matches(req) {
			return i
		}
	}
	return -1
}

// transition fans the new state out to every store, then publishes it.
// Must be called with c.mu held.
func (c *Coordinator) transition(ctx context.Context, frozen bool) error {
	for _, p := range c.providers {
		if err := applyFreeze(ctx, p, frozen); err != nil {
			log.Error().Err(err).Str("store", p.Name()).Bool("frozen", frozen).Msg("store freeze state change failed")
			return err
		}
		log.Debug().Str("store", p.Name()).Bool("frozen", frozen).Msg("store freeze state changed")
	}

	c.metrics.RecordFreezeTransition(frozen)
	if c.sink != nil {
		c.sink.Publish(ctx, StateChanged{
			Frozen:   frozen,
			Requests: append([]Request(nil), c.requests...),
			At:       time.Now().UTC(),
		})
	}
	return nil
}

func applyFreeze(ctx context.Context, p Provider, frozen bool) error {
	h, err := p.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", p.Name(), err)
	}
	if err := h.Freeze(ctx, frozen); err != nil {
		_ = h.Close()
		return fmt.Errorf("freeze %s (frozen=%t): %w", p.Name(), frozen, err)
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("close %s: %w", p.Name(), err)
	}
	return nil
}

func (c *Coordinator) persist() error {
	if c.state == nil {
		return nil
	}
	return c.state.save(c.requests)
}
