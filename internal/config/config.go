// Package config handles configuration loading and validation for repovault.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/repovault/repovault/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Quota types accepted in blob store configuration.
const (
	QuotaSpaceUsed      = "spaceUsed"
	QuotaSpaceRemaining = "spaceRemaining"
)

// AdminConfig holds configuration for the admin HTTP interface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ContentConfig locates the SQLite content database.
type ContentConfig struct {
	Path string `yaml:"path"`
}

// PolicyConfig locates the bbolt database holding cleanup policies.
type PolicyConfig struct {
	Path string `yaml:"path"`
}

// QuotaConfig is the quota attached to a blob store.
// Limit is a pointer so that an absent limit can be told apart from zero.
type QuotaConfig struct {
	Type  string         `yaml:"type"`
	Limit *bytesize.Size `yaml:"limit"`
}

// BlobStoreConfig describes one blob store.
type BlobStoreConfig struct {
	Name  string       `yaml:"name"`
	Path  string       `yaml:"path"`
	Quota *QuotaConfig `yaml:"quota,omitempty"`
}

// ClusterConfig holds the static cluster topology and gossip settings.
type ClusterConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Bind        string              `yaml:"bind"`  // memberlist gossip address, e.g. ":7946"
	Seeds       []string            `yaml:"seeds"` // addresses of existing members to join
	WriteQuorum string              `yaml:"write_quorum"`
	Databases   map[string][]string `yaml:"databases"` // database name -> configured member node names
}

// QuotaJobConfig schedules the periodic quota check.
type QuotaJobConfig struct {
	Interval string `yaml:"interval"` // Duration string, e.g. "5m"
}

// CleanupConfig schedules the periodic cleanup task and bounds purge batches.
type CleanupConfig struct {
	Interval         string  `yaml:"interval"`
	BatchSize        int     `yaml:"batch_size"`
	BatchesPerSecond float64 `yaml:"batches_per_second"` // 0 = unpaced
	ProgressInterval string  `yaml:"progress_interval"`
}

// FreezeConfig locates the persisted freeze state.
type FreezeConfig struct {
	StateFile string `yaml:"state_file"`
}

// BackupConfig locates snapshot output.
type BackupConfig struct {
	Dir string `yaml:"dir"`
}

// LokiConfig enables log shipping to Grafana Loki.
type LokiConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval string `yaml:"flush_interval"`
}

// Config is the top-level repovault configuration.
type Config struct {
	NodeName   string            `yaml:"node_name"`
	DataDir    string            `yaml:"data_dir"`
	LogLevel   string            `yaml:"log_level"`
	Admin      AdminConfig       `yaml:"admin"`
	Content    ContentConfig     `yaml:"content"`
	Policies   PolicyConfig      `yaml:"policies"`
	BlobStores []BlobStoreConfig `yaml:"blob_stores"`
	Cluster    ClusterConfig     `yaml:"cluster"`
	Quota      QuotaJobConfig    `yaml:"quota"`
	Cleanup    CleanupConfig     `yaml:"cleanup"`
	Freeze     FreezeConfig      `yaml:"freeze"`
	Backup     BackupConfig      `yaml:"backup"`
	Loki       LokiConfig        `yaml:"loki"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields and resolves relative paths against DataDir.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/repovault"
	}
	c.DataDir = expandHome(c.DataDir)

	if c.NodeName == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeName = host
		} else {
			c.NodeName = "repovault"
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:8481"
	}

	c.Content.Path = c.resolve(c.Content.Path, "content.db")
	c.Policies.Path = c.resolve(c.Policies.Path, "config.db")
	c.Freeze.StateFile = c.resolve(c.Freeze.StateFile, "freeze-state.json")
	c.Backup.Dir = c.resolve(c.Backup.Dir, "backup")

	if len(c.BlobStores) == 0 {
		c.BlobStores = []BlobStoreConfig{{Name: "default"}}
	}
	for i := range c.BlobStores {
		bs := &c.BlobStores[i]
		bs.Path = c.resolve(bs.Path, filepath.Join("blobs", bs.Name))
	}

	if c.Cluster.Bind == "" {
		c.Cluster.Bind = ":7946"
	}
	if c.Cluster.WriteQuorum == "" {
		c.Cluster.WriteQuorum = "majority"
	}

	if c.Quota.Interval == "" {
		c.Quota.Interval = "5m"
	}
	if c.Cleanup.Interval == "" {
		c.Cleanup.Interval = "24h"
	}
	if c.Cleanup.BatchSize == 0 {
		c.Cleanup.BatchSize = 1000
	}
	if c.Cleanup.ProgressInterval == "" {
		c.Cleanup.ProgressInterval = "1m"
	}

	if c.Loki.FlushInterval == "" {
		c.Loki.FlushInterval = "5s"
	}
}

func (c *Config) resolve(path, def string) string {
	if path == "" {
		path = def
	}
	path = expandHome(path)
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.DataDir, path)
	}
	return path
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// QuotaInterval returns the parsed quota check interval.
func (c *Config) QuotaInterval() time.Duration {
	d, _ := time.ParseDuration(c.Quota.Interval)
	return d
}

// CleanupInterval returns the parsed cleanup interval.
func (c *Config) CleanupInterval() time.Duration {
	d, _ := time.ParseDuration(c.Cleanup.Interval)
	return d
}

// ProgressInterval returns how often purge progress is logged.
func (c *Config) ProgressInterval() time.Duration {
	d, _ := time.ParseDuration(c.Cleanup.ProgressInterval)
	return d
}

// BlobStore returns the named blob store configuration.
func (c *Config) BlobStore(name string) (BlobStoreConfig, bool) {
	for _, bs := range c.BlobStores {
		if bs.Name == name {
			return bs, true
		}
	}
	return BlobStoreConfig{}, false
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("node_name is required")
	}
	if c.Admin.Enabled {
		if _, _, err := net.SplitHostPort(c.Admin.Listen); err != nil {
			return fmt.Errorf("invalid admin.listen: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.BlobStores))
	for i, bs := range c.BlobStores {
		if bs.Name == "" {
			return fmt.Errorf("blob_stores[%d].name is required", i)
		}
		if strings.ContainsAny(bs.Name, "@:") {
			return fmt.Errorf("blob_stores[%d].name must not contain '@' or ':'", i)
		}
		if seen[bs.Name] {
			return fmt.Errorf("duplicate blob store %q", bs.Name)
		}
		seen[bs.Name] = true

		if bs.Quota != nil {
			switch bs.Quota.Type {
			case QuotaSpaceUsed, QuotaSpaceRemaining:
			default:
				return fmt.Errorf("blob store %q: unknown quota type %q", bs.Name, bs.Quota.Type)
			}
		}
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"quota.interval", c.Quota.Interval},
		{"cleanup.interval", c.Cleanup.Interval},
		{"cleanup.progress_interval", c.Cleanup.ProgressInterval},
	} {
		dur, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		if dur <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if c.Cleanup.BatchSize < 0 {
		return fmt.Errorf("cleanup.batch_size must be positive")
	}
	if c.Cleanup.BatchesPerSecond < 0 {
		return fmt.Errorf("cleanup.batches_per_second must not be negative")
	}

	if c.Loki.Enabled && c.Loki.URL == "" {
		return fmt.Errorf("loki.url is required when loki is enabled")
	}

	if c.Cluster.Enabled {
		if _, _, err := net.SplitHostPort(c.Cluster.Bind); err != nil {
			return fmt.Errorf("invalid cluster.bind: %w", err)
		}
		if len(c.Cluster.Databases) == 0 {
			return fmt.Errorf("cluster.databases is required when clustering is enabled")
		}
		switch c.Cluster.WriteQuorum {
		case "majority", "all":
		default:
			n, err := strconv.Atoi(c.Cluster.WriteQuorum)
			if err != nil || n <= 0 {
				return fmt.Errorf("cluster.write_quorum must be majority, all or a positive integer")
			}
		}
	}

	return nil
}
