package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Inventory is the size of the content inventory.
type Inventory struct {
	Repositories int64
	Components   int64
	Assets       int64
}

// InventorySource reports the content inventory.
type InventorySource interface {
	Inventory(ctx context.Context) (Inventory, error)
}

// InventoryFunc adapts a function to InventorySource.
type InventoryFunc func(ctx context.Context) (Inventory, error)

// Inventory calls f.
func (f InventoryFunc) Inventory(ctx context.Context) (Inventory, error) {
	return f(ctx)
}

// FreezeStatus reports the freeze state.
type FreezeStatus interface {
	IsFrozen() bool
	RequestCount() int
}

// QuorumProbe evaluates quorum; the evaluator records its own gauges.
type QuorumProbe interface {
	Probe(ctx context.Context) error
}

// CollectorConfig holds configuration for the collector. Nil sources are
// skipped.
type CollectorConfig struct {
	Inventory InventorySource
	Freeze    FreezeStatus
	Quorum    QuorumProbe
}

// Collector periodically samples gauges that are not updated on the write
// path.
type Collector struct {
	metrics   *Metrics
	inventory InventorySource
	freeze    FreezeStatus
	quorum    QuorumProbe
}

// NewCollector creates a new metrics collector.
func NewCollector(m *Metrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics:   m,
		inventory: cfg.Inventory,
		freeze:    cfg.Freeze,
		quorum:    cfg.Quorum,
	}
}

// Collect updates all metrics from the current state.
func (c *Collector) Collect(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	c.collectInventory(ctx)
	c.collectFreeze()
	c.collectQuorum(ctx)
}

func (c *Collector) collectInventory(ctx context.Context) {
	if c.inventory == nil {
		return
	}
	inv, err := c.inventory.Inventory(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("inventory metrics unavailable")
		return
	}
	c.metrics.Repositories.Set(float64(inv.Repositories))
	c.metrics.Components.Set(float64(inv.Components))
	c.metrics.Assets.Set(float64(inv.Assets))
}

func (c *Collector) collectFreeze() {
	if c.freeze == nil {
		return
	}
	c.metrics.SetFrozen(c.freeze.IsFrozen(), c.freeze.RequestCount())
}

func (c *Collector) collectQuorum(ctx context.Context) {
	if c.quorum == nil {
		return
	}
	if err := c.quorum.Probe(ctx); err != nil {
		log.Debug().Err(err).Msg("quorum metrics unavailable")
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// NewFreezeWrapper creates a FreezeStatus from plain functions.
func NewFreezeWrapper(isFrozen func() bool, requestCount func() int) FreezeStatus {
	return &simpleFreezeWrapper{isFrozen: isFrozen, requestCount: requestCount}
}

type simpleFreezeWrapper struct {
	isFrozen     func() bool
	requestCount func() int
}

func (w *simpleFreezeWrapper) IsFrozen() bool {
	return w.isFrozen()
}

func (w *simpleFreezeWrapper) RequestCount() int {
	return w.requestCount()
}

// QuorumProbeFunc adapts a function to QuorumProbe.
type QuorumProbeFunc func(ctx context.Context) error

// Probe calls f.
func (f QuorumProbeFunc) Probe(ctx context.Context) error {
	return f(ctx)
}
