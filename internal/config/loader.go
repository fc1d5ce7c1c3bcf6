package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional YAML file on top of the
// defaults, then applies environment overrides
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// Environment variables take precedence over the file
	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("MERGE_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if cluster := os.Getenv("MERGE_CLUSTER_NAME"); cluster != "" {
		cfg.Server.ClusterName = cluster
	}
	if workers := os.Getenv("MERGE_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			cfg.Merge.Workers = w
		}
	}
	if name := os.Getenv("MERGE_DEFAULT_POLICY"); name != "" {
		cfg.Merge.DefaultPolicy.Name = name
	}

	if seeds := os.Getenv("GOSSIP_SEED_NODES"); seeds != "" {
		cfg.Gossip.SeedNodes = strings.Split(seeds, ",")
		cfg.Gossip.Enabled = true
	}

	if driver := os.Getenv("REPORT_STORE_DRIVER"); driver != "" {
		cfg.ReportStore.Driver = driver
	}
	if path := os.Getenv("REPORT_STORE_PATH"); path != "" {
		cfg.ReportStore.Path = path
	}
	if dsn := os.Getenv("REPORT_STORE_DSN"); dsn != "" {
		cfg.ReportStore.DSN = dsn
	}

	if driver := os.Getenv("LEASE_DRIVER"); driver != "" {
		cfg.Lease.Driver = driver
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Lease.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Lease.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Lease.Redis.Password = redisPassword
	}

	if port := os.Getenv("ADMIN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Admin.Port = p
		}
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
