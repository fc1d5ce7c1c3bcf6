package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/devrev/pairdb/splitbrain/internal/policy"
	"github.com/devrev/pairdb/splitbrain/internal/storage/memstore"
	"gopkg.in/yaml.v3"
)

// Config represents the merge agent configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Merge       MergeConfig       `mapstructure:"merge" yaml:"merge"`
	Structures  []StructureConfig `mapstructure:"structures" yaml:"structures"`
	Gossip      GossipConfig      `mapstructure:"gossip" yaml:"gossip"`
	ReportStore ReportStoreConfig `mapstructure:"report_store" yaml:"report_store"`
	Lease       LeaseConfig       `mapstructure:"lease" yaml:"lease"`
	Admin       AdminConfig       `mapstructure:"admin" yaml:"admin"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig identifies this node
type ServerConfig struct {
	NodeID      string `mapstructure:"node_id" yaml:"node_id"`
	ClusterName string `mapstructure:"cluster_name" yaml:"cluster_name"`
}

// MergeConfig controls the merge scheduler
type MergeConfig struct {
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
	DefaultPolicy   policy.Config `mapstructure:"default_policy" yaml:"default_policy"`
	PolicyCacheSize int           `mapstructure:"policy_cache_size" yaml:"policy_cache_size"`
}

// StructureConfig selects the merge policy and in-memory format of one
// structure. An empty policy name falls back to merge.default_policy.
type StructureConfig struct {
	Name           string                  `mapstructure:"name" yaml:"name"`
	Policy         policy.Config           `mapstructure:"policy" yaml:"policy"`
	InMemoryFormat memstore.InMemoryFormat `mapstructure:"in_memory_format" yaml:"in_memory_format"`
}

// GossipConfig represents memberlist configuration
type GossipConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	BindAddr       string        `mapstructure:"bind_addr" yaml:"bind_addr"`
	BindPort       int           `mapstructure:"bind_port" yaml:"bind_port"`
	SeedNodes      []string      `mapstructure:"seed_nodes" yaml:"seed_nodes"`
	GossipInterval time.Duration `mapstructure:"gossip_interval" yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
}

// ReportStoreConfig selects where run reports are kept
type ReportStoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// LeaseConfig selects the structure lease backend
type LeaseConfig struct {
	Driver string      `mapstructure:"driver" yaml:"driver"`
	Redis  RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig represents Redis connection settings
type RedisConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// AdminConfig represents the admin HTTP server
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverLocal    = "local"
	DriverRedis    = "redis"
)

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Server.ClusterName == "" {
		return errors.New("server.cluster_name is required")
	}
	if c.Merge.Workers <= 0 {
		return errors.New("merge.workers must be positive")
	}
	if c.Merge.QueueSize < 0 {
		return errors.New("merge.queue_size must not be negative")
	}
	if c.Merge.DefaultPolicy.Name == "" {
		return errors.New("merge.default_policy.name is required")
	}

	seen := make(map[string]struct{}, len(c.Structures))
	for i, s := range c.Structures {
		if s.Name == "" {
			return fmt.Errorf("structures[%d].name is required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("structures[%d]: duplicate structure %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
		switch s.InMemoryFormat {
		case "", memstore.FormatObject, memstore.FormatBinary:
		default:
			return fmt.Errorf("structures[%d].in_memory_format must be one of: object, binary", i)
		}
	}

	if c.Gossip.Enabled && (c.Gossip.BindPort < 0 || c.Gossip.BindPort > 65535) {
		return errors.New("gossip.bind_port must be between 0 and 65535")
	}

	switch c.ReportStore.Driver {
	case DriverSQLite:
		if c.ReportStore.Path == "" {
			return errors.New("report_store.path is required for sqlite")
		}
	case DriverPostgres:
		if c.ReportStore.DSN == "" {
			return errors.New("report_store.dsn is required for postgres")
		}
	default:
		return errors.New("report_store.driver must be one of: sqlite, postgres")
	}

	switch c.Lease.Driver {
	case DriverLocal:
	case DriverRedis:
		if c.Lease.Redis.Host == "" {
			return errors.New("lease.redis.host is required for redis")
		}
	default:
		return errors.New("lease.driver must be one of: local, redis")
	}

	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		return errors.New("admin.port must be between 1 and 65535")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// PolicyFor returns the policy config of a structure, falling back to the
// default policy for unknown structures or when none is set
func (c *Config) PolicyFor(structure string) policy.Config {
	for _, s := range c.Structures {
		if s.Name == structure && s.Policy.Name != "" {
			return s.Policy
		}
	}
	return c.Merge.DefaultPolicy
}

// FormatFor returns the in-memory format of a structure, object by default
func (c *Config) FormatFor(structure string) memstore.InMemoryFormat {
	for _, s := range c.Structures {
		if s.Name == structure && s.InMemoryFormat != "" {
			return s.InMemoryFormat
		}
	}
	return memstore.FormatObject
}

// Dump renders the effective configuration as YAML
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:      "merge-agent-1",
			ClusterName: "pairdb",
		},
		Merge: MergeConfig{
			Workers:         4,
			QueueSize:       64,
			StopTimeout:     30 * time.Second,
			LeaseTTL:        30 * time.Second,
			DefaultPolicy:   policy.Config{Name: policy.PutIfAbsentName},
			PolicyCacheSize: 64,
		},
		Gossip: GossipConfig{
			Enabled:        false,
			BindPort:       7946,
			GossipInterval: 200 * time.Millisecond,
			ProbeTimeout:   500 * time.Millisecond,
			ProbeInterval:  time.Second,
		},
		ReportStore: ReportStoreConfig{
			Driver: DriverSQLite,
			Path:   "merge-reports.db",
		},
		Lease: LeaseConfig{
			Driver: DriverLocal,
			Redis: RedisConfig{
				Host: "localhost",
				Port: 6379,
			},
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    9095,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
