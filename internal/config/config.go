// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Chain         ChainConfig        `mapstructure:"chain"`
	Storage       StorageConfig      `mapstructure:"storage"`
	Sync          SyncConfig         `mapstructure:"sync"`
	Points        PointsConfig       `mapstructure:"points"`
	Cache         CacheConfig        `mapstructure:"cache"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Server        ServerConfig       `mapstructure:"server"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ChainConfig contains RPC connection settings for the staking contract's chain
type ChainConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	BackupURLs      []string      `mapstructure:"backup_urls"`
	ContractAddress string        `mapstructure:"contract_address"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
	QueryTimeout     time.Duration `mapstructure:"query_timeout"`
}

// SyncConfig controls backfill and polling
type SyncConfig struct {
	DeploymentBlock    uint64        `mapstructure:"deployment_block"`
	MaxBlockRange      uint64        `mapstructure:"max_block_range"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BatchDelay         time.Duration `mapstructure:"batch_delay"`
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay      time.Duration `mapstructure:"max_retry_delay"`
	ConfirmationBlocks uint64        `mapstructure:"confirmation_blocks"`
}

// PointsConfig holds the accrual rates, expressed per whole token per day
type PointsConfig struct {
	SageRate      float64 `mapstructure:"sage_rate"`
	FormationRate float64 `mapstructure:"formation_rate"`
	TokenDecimals int32   `mapstructure:"token_decimals"`
}

// CacheConfig configures the position read-through cache
type CacheConfig struct {
	Type          string        `mapstructure:"type"` // memory, redis, none
	TTL           time.Duration `mapstructure:"ttl"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
}

// NotificationConfig configures state conflict reporting
type NotificationConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, file, discard
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("SAGE_INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := applyLegacyEnv(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// applyLegacyEnv honours the plain variable names used by existing deployments
func applyLegacyEnv(config *Config) error {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
		if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
			config.Storage.Type = "postgres"
		}
	}
	if rpcURL := os.Getenv("BASE_RPC_URL"); rpcURL != "" {
		config.Chain.RPCURL = rpcURL
	}
	if contract := os.Getenv("CONTRACT_ADDRESS"); contract != "" {
		config.Chain.ContractAddress = contract
	}
	if block := os.Getenv("DEPLOYMENT_BLOCK"); block != "" {
		n, err := strconv.ParseUint(block, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid DEPLOYMENT_BLOCK %q: %w", block, err)
		}
		config.Sync.DeploymentBlock = n
	}
	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		config.Server.Port = n
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "sage-points-indexer")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Chain defaults
	v.SetDefault("chain.rpc_url", "https://mainnet.base.org")
	v.SetDefault("chain.contract_address", "")
	v.SetDefault("chain.request_timeout", "30s")
	v.SetDefault("chain.retry_attempts", 3)
	v.SetDefault("chain.retry_delay", "2s")

	// Storage defaults
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/indexer.db")
	v.SetDefault("storage.max_connections", 10)
	v.SetDefault("storage.max_idle_time", "15m")
	v.SetDefault("storage.query_timeout", "10s")

	// Sync defaults (Base produces a block every ~2 seconds)
	v.SetDefault("sync.deployment_block", 0)
	v.SetDefault("sync.max_block_range", 500)
	v.SetDefault("sync.poll_interval", "2s")
	v.SetDefault("sync.batch_delay", "100ms")
	v.SetDefault("sync.retry_attempts", 3)
	v.SetDefault("sync.retry_delay", "2s")
	v.SetDefault("sync.max_retry_delay", "30s")
	v.SetDefault("sync.confirmation_blocks", 0)

	// Points defaults
	v.SetDefault("points.sage_rate", 0.01)
	v.SetDefault("points.formation_rate", 0.005)
	v.SetDefault("points.token_decimals", 18)

	// Cache defaults
	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.key_prefix", "sage:positions:")

	// Notification defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.timeout", "10s")
	v.SetDefault("notifications.max_retries", 3)

	// Server defaults
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.enable_metrics", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain RPC URL is required")
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		return fmt.Errorf("chain contract address %q is not a valid address", c.Chain.ContractAddress)
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	switch strings.ToLower(c.Storage.Type) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage type %q", c.Storage.Type)
	}
	if c.Sync.MaxBlockRange == 0 {
		return fmt.Errorf("sync max block range must be positive")
	}
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync poll interval must be positive")
	}
	if c.Points.SageRate < 0 || c.Points.FormationRate < 0 {
		return fmt.Errorf("points rates must not be negative")
	}
	switch strings.ToLower(c.Cache.Type) {
	case "memory", "redis", "none", "":
	default:
		return fmt.Errorf("unsupported cache type %q", c.Cache.Type)
	}
	if c.Notifications.Enabled && c.Notifications.WebhookURL == "" {
		return fmt.Errorf("notifications are enabled but no webhook URL is set")
	}
	return nil
}
