package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/pairdb/splitbrain/internal/policy"
	"github.com/devrev/pairdb/splitbrain/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleYAML = `
server:
  node_id: node-7
  cluster_name: orders-cluster
merge:
  workers: 8
  stop_timeout: 10s
  default_policy:
    name: higher_hits
structures:
  - name: sessions
    policy:
      name: latest_access
    in_memory_format: binary
  - name: carts
gossip:
  enabled: true
  bind_port: 7000
  seed_nodes: ["10.0.0.1:7000", "10.0.0.2:7000"]
  probe_interval: 2s
report_store:
  driver: sqlite
  path: /var/lib/merge/reports.db
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.Server.NodeID)
	assert.Equal(t, "orders-cluster", cfg.Server.ClusterName)
	assert.Equal(t, 8, cfg.Merge.Workers)
	assert.Equal(t, 10*time.Second, cfg.Merge.StopTimeout)
	assert.Equal(t, 64, cfg.Merge.QueueSize, "unset keys keep defaults")
	assert.Equal(t, policy.HigherHitsName, cfg.Merge.DefaultPolicy.Name)
	require.Len(t, cfg.Structures, 2)
	assert.Equal(t, memstore.FormatBinary, cfg.Structures[0].InMemoryFormat)
	assert.True(t, cfg.Gossip.Enabled)
	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, cfg.Gossip.SeedNodes)
	assert.Equal(t, 2*time.Second, cfg.Gossip.ProbeInterval)
	assert.Equal(t, "/var/lib/merge/reports.db", cfg.ReportStore.Path)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Merge, cfg.Merge)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("MERGE_NODE_ID", "env-node")
	t.Setenv("MERGE_WORKERS", "3")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REPORT_STORE_PATH", "/tmp/env.db")
	t.Setenv("LEASE_DRIVER", "redis")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("GOSSIP_SEED_NODES", "a:1,b:2")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.Server.NodeID)
	assert.Equal(t, 3, cfg.Merge.Workers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/env.db", cfg.ReportStore.Path)
	assert.Equal(t, DriverRedis, cfg.Lease.Driver)
	assert.Equal(t, "redis.internal", cfg.Lease.Redis.Host)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Gossip.SeedNodes)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing node id", func(c *Config) { c.Server.NodeID = "" }},
		{"zero workers", func(c *Config) { c.Merge.Workers = 0 }},
		{"no default policy", func(c *Config) { c.Merge.DefaultPolicy.Name = "" }},
		{"unnamed structure", func(c *Config) { c.Structures = []StructureConfig{{}} }},
		{"duplicate structure", func(c *Config) {
			c.Structures = []StructureConfig{{Name: "a"}, {Name: "a"}}
		}},
		{"bad format", func(c *Config) {
			c.Structures = []StructureConfig{{Name: "a", InMemoryFormat: "native"}}
		}},
		{"unknown report driver", func(c *Config) { c.ReportStore.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.ReportStore.Driver = DriverPostgres }},
		{"unknown lease driver", func(c *Config) { c.Lease.Driver = "etcd" }},
		{"redis without host", func(c *Config) {
			c.Lease.Driver = DriverRedis
			c.Lease.Redis.Host = ""
		}},
		{"bad admin port", func(c *Config) { c.Admin.Port = 70000 }},
	}

	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPolicyAndFormatFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Structures = []StructureConfig{
		{Name: "sessions", Policy: policy.Config{Name: policy.LatestAccessName}, InMemoryFormat: memstore.FormatBinary},
		{Name: "carts"},
	}

	assert.Equal(t, policy.LatestAccessName, cfg.PolicyFor("sessions").Name)
	assert.Equal(t, policy.PutIfAbsentName, cfg.PolicyFor("carts").Name)
	assert.Equal(t, policy.PutIfAbsentName, cfg.PolicyFor("unknown").Name)
	assert.Equal(t, memstore.FormatBinary, cfg.FormatFor("sessions"))
	assert.Equal(t, memstore.FormatObject, cfg.FormatFor("carts"))
}

func TestDump(t *testing.T) {
	cfg := DefaultConfig()
	out, err := cfg.Dump()
	require.NoError(t, err)

	var decoded Config
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, cfg.Server, decoded.Server)
	assert.Equal(t, cfg.Merge.StopTimeout, decoded.Merge.StopTimeout)
	assert.Contains(t, string(out), "stop_timeout: 30s")
}
