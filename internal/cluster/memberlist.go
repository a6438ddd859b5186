// Package cluster provides the cluster membership view used for write quorum.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog/log"
)

// NodeMeta is gossiped with every member.
type NodeMeta struct {
	Databases []string `json:"databases"` // databases this node serves
}

// Config configures a gossip cluster.
type Config struct {
	NodeName string
	Bind     string              // memberlist gossip address, e.g. ":7946"
	Seeds    []string            // existing members to join
	Topology map[string][]string // database -> configured member node names
}

// Cluster wraps memberlist. Membership is observed, never changed, by the
// quorum evaluator.
type Cluster struct {
	ml       *memberlist.Memberlist
	name     string
	topology map[string][]string
}

// New creates a memberlist instance and joins the seeds. A failure to reach
// the seeds is logged; gossip keeps retrying as other members appear.
func New(cfg Config) (*Cluster, error) {
	mlCfg := memberlist.DefaultLocalConfig()
	mlCfg.Name = cfg.NodeName

	host, port, err := net.SplitHostPort(cfg.Bind)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", cfg.Bind, err)
	}
	portNum, err := net.LookupPort("tcp", port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	mlCfg.BindAddr = host
	mlCfg.BindPort = portNum

	// LAN tuning
	mlCfg.TCPTimeout = 10 * time.Second
	mlCfg.IndirectChecks = 3
	mlCfg.RetransmitMult = 4
	mlCfg.SuspicionMult = 4
	mlCfg.ProbeTimeout = 500 * time.Millisecond
	mlCfg.ProbeInterval = 1 * time.Second
	mlCfg.GossipInterval = 200 * time.Millisecond
	mlCfg.GossipNodes = 3

	meta, err := json.Marshal(NodeMeta{Databases: servedBy(cfg.Topology, cfg.NodeName)})
	if err != nil {
		return nil, fmt.Errorf("encode node meta: %w", err)
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("node meta is %d bytes, limit is %d", len(meta), memberlist.MetaMaxSize)
	}
	mlCfg.Delegate = &metaDelegate{meta: meta}
	mlCfg.LogOutput = &logAdapter{}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}

	c := &Cluster{
		ml:       ml,
		name:     cfg.NodeName,
		topology: copyTopology(cfg.Topology),
	}

	if len(cfg.Seeds) > 0 {
		if err := c.Join(cfg.Seeds); err != nil {
			log.Warn().Err(err).Strs("seeds", cfg.Seeds).Msg("failed to join some seed nodes (will retry via gossip)")
		}
	}
	return c, nil
}

// Join contacts seed nodes. It fails only when no seed could be reached.
func (c *Cluster) Join(seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}
	joined, err := c.ml.Join(seeds)
	if err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	if joined == 0 {
		return fmt.Errorf("failed to join any seed nodes")
	}
	log.Info().Int("joined", joined).Int("total_seeds", len(seeds)).Msg("joined cluster")
	return nil
}

// IsClustered is always true for a gossip cluster.
func (c *Cluster) IsClustered() bool { return true }

// LocalNode returns this node's name.
func (c *Cluster) LocalNode() string { return c.name }

// Addr returns the gossip address other members can join.
func (c *Cluster) Addr() string {
	n := c.ml.LocalNode()
	return net.JoinHostPort(n.Addr.String(), fmt.Sprint(n.Port))
}

// Databases returns the configured database names, sorted.
func (c *Cluster) Databases() []string {
	dbs := make([]string, 0, len(c.topology))
	for db := range c.topology {
		dbs = append(dbs, db)
	}
	sort.Strings(dbs)
	return dbs
}

// OnlineMembers returns alive configured members that advertise database.
// Members outside the configured topology are never counted.
func (c *Cluster) OnlineMembers(_ context.Context, database string) ([]string, error) {
	return onlineMembers(c.ml.Members(), database, c.topology[database]), nil
}

func onlineMembers(nodes []*memberlist.Node, database string, configured []string) []string {
	allowed := make(map[string]struct{}, len(configured))
	for _, name := range configured {
		allowed[name] = struct{}{}
	}

	online := []string{}
	for _, node := range nodes {
		if node.State != memberlist.StateAlive {
			continue
		}
		if _, ok := allowed[node.Name]; !ok {
			continue
		}
		var meta NodeMeta
		if len(node.Meta) > 0 {
			if err := json.Unmarshal(node.Meta, &meta); err != nil {
				log.Debug().Err(err).Str("node", node.Name).Msg("ignoring member with unreadable metadata")
				continue
			}
		}
		for _, db := range meta.Databases {
			if db == database {
				online = append(online, node.Name)
				break
			}
		}
	}
	sort.Strings(online)
	return online
}

// ConfiguredMembers returns the static membership of database.
func (c *Cluster) ConfiguredMembers(_ context.Context, database string) (map[string]struct{}, error) {
	members, ok := c.topology[database]
	if !ok {
		return nil, fmt.Errorf("database %q is not configured", database)
	}
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return set, nil
}

// NumMembers returns the number of live nodes.
func (c *Cluster) NumMembers() int {
	return c.ml.NumMembers()
}

// Leave gracefully leaves the cluster.
func (c *Cluster) Leave() error {
	if err := c.ml.Leave(5 * time.Second); err != nil {
		return fmt.Errorf("leave cluster: %w", err)
	}
	return nil
}

// Shutdown stops the memberlist instance.
func (c *Cluster) Shutdown() error {
	if err := c.ml.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	return nil
}

func servedBy(topology map[string][]string, node string) []string {
	var dbs []string
	for db, members := range topology {
		for _, m := range members {
			if m == node {
				dbs = append(dbs, db)
				break
			}
		}
	}
	sort.Strings(dbs)
	return dbs
}

func copyTopology(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for db, members := range in {
		out[db] = append([]string(nil), members...)
	}
	return out
}

// metaDelegate only publishes node metadata; no user messages are exchanged.
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte) {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool) {}

// logAdapter routes memberlist's log output to zerolog.
type logAdapter struct{}

func (l *logAdapter) Write(p []byte) (n int, err error) {
	log.Debug().Str("source", "memberlist").Msg(string(p))
	return len(p), nil
}
