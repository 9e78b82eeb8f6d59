// Package config provides configuration structures for the polyroute server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TFMV/polyroute/pkg/cache"
	"github.com/TFMV/polyroute/pkg/services"
)

// EnvPrefix prefixes environment overrides, e.g. POLYROUTE_ADMIN_ADDRESS.
const EnvPrefix = "POLYROUTE"

// Config represents the server configuration.
type Config struct {
	// Server settings
	NodeID          string        `yaml:"node_id" json:"node_id" mapstructure:"node_id"`
	LogLevel        string        `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" mapstructure:"shutdown_timeout"`

	// Catalog source
	Catalog CatalogConfig `yaml:"catalog" json:"catalog" mapstructure:"catalog"`

	// Cost model statistics
	Statistics StatisticsConfig `yaml:"statistics" json:"statistics" mapstructure:"statistics"`

	// Routing options, hot reloaded
	Routing services.RoutingOptions `yaml:"routing" json:"routing" mapstructure:"routing"`

	// Plan cache sizing
	PlanCache PlanCacheConfig `yaml:"plan_cache" json:"plan_cache" mapstructure:"plan_cache"`

	// Admin HTTP API
	Admin AdminConfig `yaml:"admin" json:"admin" mapstructure:"admin"`

	// gRPC health and reflection
	GRPC GRPCConfig `yaml:"grpc" json:"grpc" mapstructure:"grpc"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
}

// CatalogConfig selects where placement metadata is read from. Exactly one
// of Path and DSN must be set.
type CatalogConfig struct {
	Path            string        `yaml:"path" json:"path" mapstructure:"path"`
	DSN             string        `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval" mapstructure:"refresh_interval"`
	// MotherDuckToken authenticates md: catalog DSNs.
	MotherDuckToken string `yaml:"motherduck_token" json:"-" mapstructure:"motherduck_token"`
}

// StatisticsConfig represents the statistics source of the estimator.
type StatisticsConfig struct {
	Path     string        `yaml:"path" json:"path" mapstructure:"path"`
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl" mapstructure:"cache_ttl"`
}

// PlanCacheConfig represents plan cache configuration.
type PlanCacheConfig struct {
	Shards             int           `yaml:"shards" json:"shards" mapstructure:"shards"`
	MaxEntriesPerShard int           `yaml:"max_entries_per_shard" json:"max_entries_per_shard" mapstructure:"max_entries_per_shard"`
	TTL                time.Duration `yaml:"ttl" json:"ttl" mapstructure:"ttl"`
}

// AdminConfig represents the admin API configuration.
type AdminConfig struct {
	Address string     `yaml:"address" json:"address" mapstructure:"address"`
	Auth    AuthConfig `yaml:"auth" json:"auth" mapstructure:"auth"`
}

// AuthConfig represents authentication configuration.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Type    string `yaml:"type" json:"type" mapstructure:"type"` // bearer, jwt

	// Bearer token auth
	BearerAuth BearerAuthConfig `yaml:"bearer_auth" json:"bearer_auth" mapstructure:"bearer_auth"`

	// JWT auth
	JWTAuth JWTAuthConfig `yaml:"jwt_auth" json:"jwt_auth" mapstructure:"jwt_auth"`
}

// BearerAuthConfig represents bearer token authentication configuration.
// Tokens maps user names to their token; viper lowercases map keys, so
// tokens are never used as keys.
type BearerAuthConfig struct {
	Tokens map[string]string `yaml:"tokens" json:"tokens" mapstructure:"tokens"`
}

// JWTAuthConfig represents JWT authentication configuration. Tokens are
// HMAC signed.
type JWTAuthConfig struct {
	Secret   string `yaml:"secret" json:"secret" mapstructure:"secret"`
	Issuer   string `yaml:"issuer" json:"issuer" mapstructure:"issuer"`
	Audience string `yaml:"audience" json:"audience" mapstructure:"audience"`
}

// GRPCConfig represents the gRPC server configuration.
type GRPCConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Address    string `yaml:"address" json:"address" mapstructure:"address"`
	Health     bool   `yaml:"health" json:"health" mapstructure:"health"`
	Reflection bool   `yaml:"reflection" json:"reflection" mapstructure:"reflection"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" json:"address" mapstructure:"address"`
}

// Validate validates the configuration and fills in defaults for unset
// values.
func (c *Config) Validate() error {
	if c.Catalog.Path == "" && c.Catalog.DSN == "" {
		return fmt.Errorf("catalog.path or catalog.dsn is required")
	}
	if c.Catalog.Path != "" && c.Catalog.DSN != "" {
		return fmt.Errorf("catalog.path and catalog.dsn are mutually exclusive")
	}
	if c.Catalog.RefreshInterval < 0 {
		return fmt.Errorf("catalog.refresh_interval must not be negative")
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if err := c.Routing.Validate(); err != nil {
		return err
	}

	if c.PlanCache.Shards < 0 || c.PlanCache.MaxEntriesPerShard < 0 || c.PlanCache.TTL < 0 {
		return fmt.Errorf("plan_cache values must not be negative")
	}

	if c.Admin.Address == "" {
		return fmt.Errorf("admin.address is required")
	}

	// Validate auth
	if c.Admin.Auth.Enabled {
		switch c.Admin.Auth.Type {
		case "bearer":
			if len(c.Admin.Auth.BearerAuth.Tokens) == 0 {
				return fmt.Errorf("bearer auth requires tokens")
			}
		case "jwt":
			if c.Admin.Auth.JWTAuth.Secret == "" {
				return fmt.Errorf("JWT auth requires secret")
			}
		default:
			return fmt.Errorf("unsupported auth type: %s", c.Admin.Auth.Type)
		}
	}

	if c.GRPC.Enabled && c.GRPC.Address == "" {
		return fmt.Errorf("grpc.address is required when gRPC is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}

	return nil
}

// CacheConfig returns the plan cache configuration.
func (c *Config) CacheConfig() *cache.Config {
	return cache.DefaultConfig().
		WithShards(c.PlanCache.Shards).
		WithMaxEntriesPerShard(c.PlanCache.MaxEntriesPerShard).
		WithTTL(c.PlanCache.TTL)
}

// DefaultConfig returns a default configuration. It has no catalog source.
func DefaultConfig() *Config {
	cacheCfg := cache.DefaultConfig()
	return &Config{
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
		Catalog: CatalogConfig{
			RefreshInterval: 30 * time.Second,
		},
		Statistics: StatisticsConfig{
			CacheTTL: time.Minute,
		},
		Routing: services.DefaultRoutingOptions(),
		PlanCache: PlanCacheConfig{
			Shards:             cacheCfg.Shards,
			MaxEntriesPerShard: cacheCfg.MaxEntriesPerShard,
		},
		Admin: AdminConfig{
			Address: "0.0.0.0:8080",
			Auth: AuthConfig{
				Enabled: false,
				Type:    "bearer",
			},
		},
		GRPC: GRPCConfig{
			Enabled:    true,
			Address:    "0.0.0.0:8815",
			Health:     true,
			Reflection: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
	}
}

// SetDefaults registers the defaults with v so that environment variables
// can override keys that appear in no config file.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("catalog.path", "")
	v.SetDefault("catalog.dsn", "")
	v.SetDefault("catalog.refresh_interval", d.Catalog.RefreshInterval)
	v.SetDefault("catalog.motherduck_token", "")
	v.SetDefault("statistics.path", "")
	v.SetDefault("statistics.cache_ttl", d.Statistics.CacheTTL)
	v.SetDefault("routing.routers", d.Routing.Routers)
	v.SetDefault("routing.pre_post_cost_ratio", d.Routing.PrePostCostRatio)
	v.SetDefault("routing.selection_strategy", string(d.Routing.Selection))
	v.SetDefault("routing.max_full_placement_width", d.Routing.MaxFullPlacementWidth)
	v.SetDefault("routing.parallelism", d.Routing.Parallelism)
	v.SetDefault("routing.plan_cache_enabled", d.Routing.PlanCacheEnabled)
	v.SetDefault("plan_cache.shards", d.PlanCache.Shards)
	v.SetDefault("plan_cache.max_entries_per_shard", d.PlanCache.MaxEntriesPerShard)
	v.SetDefault("plan_cache.ttl", d.PlanCache.TTL)
	v.SetDefault("admin.address", d.Admin.Address)
	v.SetDefault("admin.auth.enabled", d.Admin.Auth.Enabled)
	v.SetDefault("admin.auth.type", d.Admin.Auth.Type)
	v.SetDefault("admin.auth.jwt_auth.secret", "")
	v.SetDefault("admin.auth.jwt_auth.issuer", "")
	v.SetDefault("admin.auth.jwt_auth.audience", "")
	v.SetDefault("grpc.enabled", d.GRPC.Enabled)
	v.SetDefault("grpc.address", d.GRPC.Address)
	v.SetDefault("grpc.health", d.GRPC.Health)
	v.SetDefault("grpc.reflection", d.GRPC.Reflection)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
}

// New returns a viper instance reading POLYROUTE_* environment variables
// and, when path is not empty, the config file at path.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
