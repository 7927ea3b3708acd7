// Package config defines the immutable bus configuration record, its YAML
// and environment loaders, and the production/testing presets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// BusConfig is the single configuration record consumed by the composition
// root. Treat instances as immutable once built.
type BusConfig struct {
	RedisURL              string `yaml:"redis_url"`
	KafkaBootstrapServers string `yaml:"kafka_bootstrap_servers"`
	AuditServiceURL       string `yaml:"audit_service_url"`

	UseDynamicPolicy bool `yaml:"use_dynamic_policy"`
	PolicyFailClosed bool `yaml:"policy_fail_closed"`
	UseKafka         bool `yaml:"use_kafka"`
	UseRedisRegistry bool `yaml:"use_redis_registry"`
	UseNativeBackend bool `yaml:"use_native_backend"`
	EnableMetering   bool `yaml:"enable_metering"`
	EnableMACI       bool `yaml:"enable_maci"`
	MACIStrictMode   bool `yaml:"maci_strict_mode"`

	Deliberation DeliberationConfig `yaml:"deliberation"`
	Scanner      ScannerConfig      `yaml:"scanner"`
}

// DeliberationConfig tunes the slow lane.
type DeliberationConfig struct {
	ImpactThreshold    float64 `yaml:"impact_threshold"`
	RequiredVotes      int     `yaml:"required_votes"`
	ConsensusThreshold float64 `yaml:"consensus_threshold"`
	TimeoutSeconds     float64 `yaml:"timeout_seconds"`
	PersistPath        string  `yaml:"persist_path"`
}

// ScannerConfig tunes the runtime security scanner.
type ScannerConfig struct {
	Enabled         bool `yaml:"enabled"`
	MaxContentBytes int  `yaml:"max_content_bytes"`
	MaxNestingDepth int  `yaml:"max_nesting_depth"`
	RateLimitPerSec int  `yaml:"rate_limit_per_sec"`
}

// ForProduction returns the production preset: every security feature on,
// fail-closed everywhere.
func ForProduction() BusConfig {
	return BusConfig{
		UseDynamicPolicy: true,
		PolicyFailClosed: true,
		UseRedisRegistry: true,
		UseNativeBackend: true,
		EnableMetering:   true,
		EnableMACI:       true,
		MACIStrictMode:   true,
		Deliberation: DeliberationConfig{
			ImpactThreshold:    0.8,
			RequiredVotes:      3,
			ConsensusThreshold: 0.66,
			TimeoutSeconds:     300,
		},
		Scanner: ScannerConfig{
			Enabled:         true,
			MaxContentBytes: 64 * 1024,
			MaxNestingDepth: 16,
			RateLimitPerSec: 50,
		},
	}
}

// ForTesting returns the testing preset: in-memory everything, fail-open
// policy, MACI non-strict. Security checks stay enabled so tests exercise
// them.
func ForTesting() BusConfig {
	cfg := ForProduction()
	cfg.UseDynamicPolicy = false
	cfg.PolicyFailClosed = false
	cfg.UseRedisRegistry = false
	cfg.UseNativeBackend = false
	cfg.EnableMetering = false
	cfg.MACIStrictMode = false
	cfg.Deliberation.TimeoutSeconds = 5
	return cfg
}

// LoadConfig reads a YAML configuration file over the production preset, so
// unspecified fields keep safe defaults.
func LoadConfig(path string) (*BusConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := ForProduction()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}

// FromEnv builds a configuration from environment variables over the
// production preset. A .env file in the working directory is loaded first
// when present.
func FromEnv() BusConfig {
	_ = godotenv.Load()

	cfg := ForProduction()
	if v := os.Getenv("AGENTBUS_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("AGENTBUS_KAFKA_BOOTSTRAP_SERVERS"); v != "" {
		cfg.KafkaBootstrapServers = v
		cfg.UseKafka = true
	}
	if v := os.Getenv("AGENTBUS_AUDIT_SERVICE_URL"); v != "" {
		cfg.AuditServiceURL = v
	}
	cfg.UseDynamicPolicy = envBool("AGENTBUS_USE_DYNAMIC_POLICY", cfg.UseDynamicPolicy)
	cfg.PolicyFailClosed = envBool("AGENTBUS_POLICY_FAIL_CLOSED", cfg.PolicyFailClosed)
	cfg.UseRedisRegistry = envBool("AGENTBUS_USE_REDIS_REGISTRY", cfg.UseRedisRegistry)
	cfg.UseNativeBackend = envBool("AGENTBUS_USE_NATIVE_BACKEND", cfg.UseNativeBackend)
	cfg.EnableMetering = envBool("AGENTBUS_ENABLE_METERING", cfg.EnableMetering)
	cfg.EnableMACI = envBool("AGENTBUS_ENABLE_MACI", cfg.EnableMACI)
	cfg.MACIStrictMode = envBool("AGENTBUS_MACI_STRICT_MODE", cfg.MACIStrictMode)
	return cfg
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
