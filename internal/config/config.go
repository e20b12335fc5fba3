// Package config loads and validates the engine's configuration, built
// with spf13/viper the way the teacher's internal/config.Load does: YAML
// on disk, environment overrides, unmarshal into typed structs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete configuration for one broker process embedding
// the load-shedding engine.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Consensus    ConsensusConfig    `yaml:"consensus"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	LoadBalancer LoadBalancerConfig `yaml:"loadbalancer"`
	AdminAPI     AdminAPIConfig     `yaml:"admin_api"`
}

// NodeConfig identifies this broker within the cluster.
type NodeConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Environment string            `yaml:"environment"`
	Tags        map[string]string `yaml:"tags"`
}

// ConsensusConfig configures the raft-backed leader-election/broker-registry
// backing, grounded on the teacher's ConsensusConfig.
type ConsensusConfig struct {
	DataDir           string        `yaml:"data_dir"`
	BindAddr          string        `yaml:"bind_addr"`
	AdvertiseAddr     string        `yaml:"advertise_addr"`
	Bootstrap         bool          `yaml:"bootstrap"`
	LogLevel          string        `yaml:"log_level"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	CommitTimeout     time.Duration `yaml:"commit_timeout"`
	MaxAppendEntries  int           `yaml:"max_append_entries"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level       string        `yaml:"level"`
	Format      string        `yaml:"format"`
	SampleEvery time.Duration `yaml:"sample_every"`
}

// MetricsConfig holds settings for HTTP exposition of the pkg/metrics
// Prometheus registry. loadshedctl serve does not read it: the registry is
// created but no metrics HTTP endpoint is started.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// AdminAPIConfig configures the read-only introspection HTTP surface.
type AdminAPIConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Listen        string        `yaml:"listen"`
	JWTSigningKey string        `yaml:"jwt_signing_key"`
	TokenExpiry   time.Duration `yaml:"token_expiry"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RateLimitPerSecond float64  `yaml:"rate_limit_per_second"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
}

// LoadBalancerConfig carries every key spec.md §6 names, under the
// loadbalancer: section.
type LoadBalancerConfig struct {
	Enabled         bool `yaml:"enabled"`
	SheddingEnabled bool `yaml:"shedding_enabled"`
	SplitEnabled    bool `yaml:"split_enabled"`

	BrokerThresholdShedderPercentage       float64 `yaml:"broker_threshold_shedder_percentage"`
	HistoryResourcePercentage              float64 `yaml:"history_resource_percentage"`
	BundleUnloadMinThroughputThresholdMB   float64 `yaml:"bundle_unload_min_throughput_threshold_mb"`
	SheddingGracePeriodMinutes             int     `yaml:"shedding_grace_period_minutes"`

	CPUResourceWeight          float64 `yaml:"cpu_resource_weight"`
	MemoryResourceWeight       float64 `yaml:"memory_resource_weight"`
	DirectMemoryResourceWeight float64 `yaml:"direct_memory_resource_weight"`
	BandwidthInResourceWeight  float64 `yaml:"bandwidth_in_resource_weight"`
	BandwidthOutResourceWeight float64 `yaml:"bandwidth_out_resource_weight"`

	NamespaceMaximumBundles       int     `yaml:"namespace_maximum_bundles"`
	NamespaceBundleMaxTopics      int     `yaml:"namespace_bundle_max_topics"`
	NamespaceBundleMaxSessions    int     `yaml:"namespace_bundle_max_sessions"`
	NamespaceBundleMaxMsgRate     float64 `yaml:"namespace_bundle_max_msg_rate"`
	NamespaceBundleMaxBandwidthMB float64 `yaml:"namespace_bundle_max_bandwidth_mbytes"`

	TickInterval time.Duration `yaml:"tick_interval"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
}

// DefaultConfig returns a Config with the teacher-style baseline
// defaults for every section.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Name:        "broker",
			Environment: "production",
			Tags:        make(map[string]string),
		},
		Consensus: ConsensusConfig{
			DataDir:           "./data/consensus",
			BindAddr:          "0.0.0.0:7000",
			Bootstrap:         false,
			LogLevel:          "INFO",
			HeartbeatTimeout:  1 * time.Second,
			ElectionTimeout:   1 * time.Second,
			CommitTimeout:     50 * time.Millisecond,
			MaxAppendEntries:  64,
			SnapshotInterval:  120 * time.Second,
			SnapshotThreshold: 8192,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "console",
			SampleEvery: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "0.0.0.0:9090",
			Path:    "/metrics",
		},
		AdminAPI: AdminAPIConfig{
			Enabled:            true,
			Listen:             "0.0.0.0:8081",
			TokenExpiry:        24 * time.Hour,
			CORSAllowedOrigins: []string{"*"},
			RateLimitPerSecond: 50,
			RateLimitBurst:     100,
		},
		LoadBalancer: LoadBalancerConfig{
			Enabled:         true,
			SheddingEnabled: true,
			SplitEnabled:    true,

			BrokerThresholdShedderPercentage:     10,
			HistoryResourcePercentage:             0.9,
			BundleUnloadMinThroughputThresholdMB: 10,
			SheddingGracePeriodMinutes:            15,

			CPUResourceWeight:          1.0,
			MemoryResourceWeight:       1.0,
			DirectMemoryResourceWeight: 1.0,
			BandwidthInResourceWeight:  1.0,
			BandwidthOutResourceWeight: 1.0,

			NamespaceMaximumBundles:       128,
			NamespaceBundleMaxTopics:      1000,
			NamespaceBundleMaxSessions:    1000,
			NamespaceBundleMaxMsgRate:     30000,
			NamespaceBundleMaxBandwidthMB: 100,

			TickInterval: time.Minute,
			CallTimeout:  10 * time.Second,
		},
	}
}

// Load reads configFile (or the standard search path, if empty) with
// viper, overlays OS environment variables under the LOADSHED_ prefix,
// unmarshals into Config, and validates the result.
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/loadshed")
	}

	viper.SetEnvPrefix("LOADSHED")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate performs the structural checks Load always applies: required
// directories exist (or can be created) and the node has an identity.
func (c *Config) Validate() error {
	if err := os.MkdirAll(c.Consensus.DataDir, 0o755); err != nil {
		return fmt.Errorf("config: failed to create consensus data dir %s: %w", c.Consensus.DataDir, err)
	}
	if c.Node.ID == "" && c.Node.Name == "" {
		return fmt.Errorf("config: node.id or node.name must be set")
	}
	return nil
}
