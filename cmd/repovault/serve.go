package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/repovault/repovault/internal/admin"
	"github.com/repovault/repovault/internal/backup"
	"github.com/repovault/repovault/internal/cleanup"
	"github.com/repovault/repovault/internal/cluster"
	"github.com/repovault/repovault/internal/config"
	"github.com/repovault/repovault/internal/content"
	"github.com/repovault/repovault/internal/events"
	"github.com/repovault/repovault/internal/freeze"
	"github.com/repovault/repovault/internal/guard"
	"github.com/repovault/repovault/internal/logging/audit"
	"github.com/repovault/repovault/internal/logging/loki"
	"github.com/repovault/repovault/internal/metrics"
	"github.com/repovault/repovault/internal/purge"
	"github.com/repovault/repovault/internal/quorum"
	"github.com/repovault/repovault/internal/quota"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const collectInterval = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a repovault node",
		Long: `Run a repovault node: open the content and policy stores, restore any
persisted freeze, join the cluster when configured, and run the periodic
quota check and cleanup task until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("log-level") {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.InitMetrics(cfg.NodeName, Version)

	if cfg.Loki.Enabled {
		flushInterval, err := time.ParseDuration(cfg.Loki.FlushInterval)
		if err != nil {
			flushInterval = 5 * time.Second
		}
		lokiWriter := loki.NewWriter(loki.Config{
			URL:           cfg.Loki.URL,
			BatchSize:     cfg.Loki.BatchSize,
			FlushInterval: flushInterval,
			Labels: map[string]string{
				"node":    cfg.NodeName,
				"version": Version,
			},
		})
		lokiWriter.Start()
		defer lokiWriter.Stop()

		log.Logger = log.Output(zerolog.MultiLevelWriter(
			zerolog.ConsoleWriter{Out: os.Stderr},
			lokiWriter,
		))
		log.Info().Str("url", cfg.Loki.URL).Msg("Loki log shipping enabled")
	}

	n, err := newNode(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer n.Close()

	return n.Run(ctx)
}

// node is every component of a running repovault process.
type node struct {
	cfg        *config.Config
	content    *content.Store
	policies   *cleanup.PolicyStore
	bus        *events.Bus
	hub        *events.Hub
	coord      *freeze.Coordinator
	cluster    *cluster.Cluster // nil when clustering is disabled
	membership quorum.Membership
	quorum     *quorum.Evaluator
	guard      *guard.Guard
	purger     *purge.Engine
	cleanup    *cleanup.Task
	quota      *quota.Job
	backup     *backup.Runner
	collector  *metrics.Collector
	admin      *admin.Server // nil when the admin interface is disabled
}

func newNode(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (_ *node, err error) {
	n := &node{cfg: cfg}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	auditLog := audit.NewLogger(log.With().Str("component", "audit").Logger())

	for _, bs := range cfg.BlobStores {
		if err := os.MkdirAll(bs.Path, 0755); err != nil {
			return nil, fmt.Errorf("create blob store %s: %w", bs.Name, err)
		}
	}

	if n.content, err = content.Open(cfg.Content.Path); err != nil {
		return nil, err
	}
	if n.policies, err = cleanup.OpenPolicyStore(cfg.Policies.Path, auditLog); err != nil {
		return nil, err
	}

	n.bus = events.NewBus()
	n.hub = events.NewHub(n.bus.Last)
	n.bus.Subscribe(n.hub.Broadcast)
	n.bus.Subscribe(func(_ context.Context, ev events.Event) {
		log.Info().
			Bool("frozen", ev.Freeze.Frozen).
			Int("requests", len(ev.Freeze.Requests)).
			Msg("freeze state changed")
	})

	n.coord = freeze.NewCoordinator([]freeze.Provider{n.content, n.policies}, freeze.Options{
		Sink:      n.bus,
		StatePath: cfg.Freeze.StateFile,
		Metrics:   m,
		Audit:     auditLog,
	})
	if err := n.coord.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore freeze state: %w", err)
	}

	policy, err := quorum.ParsePolicy(cfg.Cluster.WriteQuorum)
	if err != nil {
		return nil, err
	}
	if cfg.Cluster.Enabled {
		n.cluster, err = cluster.New(cluster.Config{
			NodeName: cfg.NodeName,
			Bind:     cfg.Cluster.Bind,
			Seeds:    cfg.Cluster.Seeds,
			Topology: cfg.Cluster.Databases,
		})
		if err != nil {
			return nil, err
		}
		n.membership = n.cluster
	} else {
		n.membership = cluster.Standalone{Node: cfg.NodeName}
	}
	n.quorum = quorum.NewEvaluator(n.membership, policy, m)
	n.guard = guard.New(n.coord, n.quorum)

	var limiter *rate.Limiter
	if cfg.Cleanup.BatchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Cleanup.BatchesPerSecond), 1)
	}
	n.purger = purge.New(n.content, purge.Options{
		Limit:            cfg.Cleanup.BatchSize,
		Limiter:          limiter,
		Guard:            n.guard,
		ProgressInterval: cfg.ProgressInterval(),
		Metrics:          m,
		Audit:            auditLog,
	})
	n.cleanup = cleanup.NewTask(n.content, n.policies, n.purger)
	n.quota = quota.NewJob(
		quota.StoresFromConfig(cfg),
		quota.NewService(n.content, m),
		log.With().Str("component", "quota").Logger(),
		m,
	)
	n.backup = backup.NewRunner(n.coord, []backup.Target{n.content, n.policies}, auditLog)

	n.collector = metrics.NewCollector(m, metrics.CollectorConfig{
		Inventory: metrics.InventoryFunc(n.inventory),
		Freeze: metrics.NewFreezeWrapper(n.coord.IsFrozen, func() int {
			return len(n.coord.Requests())
		}),
		Quorum: metrics.QuorumProbeFunc(func(ctx context.Context) error {
			_, err := n.quorum.GetQuorumStatus(ctx)
			return err
		}),
	})

	if cfg.Admin.Enabled {
		n.admin = admin.NewServer(admin.Deps{
			NodeName:  cfg.NodeName,
			Freeze:    n.coord,
			Quorum:    n.quorum,
			Guard:     n.guard,
			Purger:    n.purger,
			Backup:    n.backup,
			BackupDir: cfg.Backup.Dir,
			Policies:  n.policies,
			Quota:     n.quota,
			Events:    n.hub,
		})
	}
	return n, nil
}

func (n *node) inventory(ctx context.Context) (metrics.Inventory, error) {
	c, err := n.content.Counts(ctx)
	if err != nil {
		return metrics.Inventory{}, err
	}
	return metrics.Inventory{Repositories: c.Repositories, Components: c.Components, Assets: c.Assets}, nil
}

// Run serves until ctx is done.
func (n *node) Run(ctx context.Context) error {
	if n.admin != nil {
		if err := n.admin.Start(n.cfg.Admin.Listen); err != nil {
			return err
		}
	}

	log.Info().
		Str("node", n.cfg.NodeName).
		Bool("clustered", n.membership.IsClustered()).
		Bool("frozen", n.coord.IsFrozen()).
		Str("version", Version).
		Msg("repovault node started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.quota.Loop(ctx, n.cfg.QuotaInterval())
		return nil
	})
	g.Go(func() error {
		n.cleanup.Loop(ctx, n.cfg.CleanupInterval())
		return nil
	})
	g.Go(func() error {
		n.collector.Run(ctx, collectInterval)
		return nil
	})

	err := g.Wait()
	log.Info().Msg("shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases everything newNode opened. It is safe on a partly built node.
func (n *node) Close() {
	if n.admin != nil {
		if err := n.admin.Stop(); err != nil {
			log.Warn().Err(err).Msg("stop admin server")
		}
	}
	if n.hub != nil {
		n.hub.Close()
	}
	if n.cluster != nil {
		if err := n.cluster.Leave(); err != nil {
			log.Warn().Err(err).Msg("leave cluster")
		}
		if err := n.cluster.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("shutdown cluster")
		}
	}
	if n.policies != nil {
		if err := n.policies.Close(); err != nil {
			log.Warn().Err(err).Msg("close policy store")
		}
	}
	if n.content != nil {
		if err := n.content.Close(); err != nil {
			log.Warn().Err(err).Msg("close content store")
		}
	}
}
