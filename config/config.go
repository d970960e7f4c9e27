package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full engine configuration, loaded from config.json with
// environment variable overrides taking precedence.
type Config struct {
	ServerConfig       ServerConfig       `json:"server"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	BrokerConfig       BrokerConfig       `json:"broker"`
	VaultConfig        VaultConfig        `json:"vault"`
	AuthConfig         AuthConfig         `json:"auth"`
	FeedsConfig        FeedsConfig        `json:"feeds"`
	MarginConfig       MarginConfig       `json:"margin"`
	RiskConfig         RiskConfig         `json:"risk"`
	HousekeepingConfig HousekeepingConfig `json:"housekeeping"`
	SchedulerConfig    SchedulerConfig    `json:"scheduler"`
	LoggingConfig      LoggingConfig      `json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // seconds
	WriteTimeout    int    `json:"write_timeout"`    // seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds
	ProductionMode  bool   `json:"production_mode"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for caching and idempotency keys
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// BrokerConfig holds broker gateway configuration (Kite Connect compatible)
type BrokerConfig struct {
	BaseURL           string  `json:"base_url"`
	APIKey            string  `json:"api_key"`
	AccessToken       string  `json:"access_token"`
	MockMode          bool    `json:"mock_mode"` // simulated broker, no live orders
	OrdersPerSecond   float64 `json:"orders_per_second"`
	ReadsPerSecond    float64 `json:"reads_per_second"`
	MarginCallGapSec  int     `json:"margin_call_gap_sec"` // min seconds between basket margin calls
	MaxRetries        int     `json:"max_retries"`
	BreakerFailures   int     `json:"breaker_failures"`    // consecutive failures before opening
	BreakerTimeoutSec int     `json:"breaker_timeout_sec"` // open duration before half-open probe
}

// VaultConfig holds optional Vault storage for broker credentials
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

// AuthConfig holds JWT authentication configuration
type AuthConfig struct {
	Enabled              bool          `json:"enabled"`
	JWTSecret            string        `json:"jwt_secret"`
	AccessTokenDuration  time.Duration `json:"access_token_duration"`
	RefreshTokenDuration time.Duration `json:"refresh_token_duration"`
	MinPasswordLength    int           `json:"min_password_length"`
}

// FeedsConfig holds the margin factor feed endpoints
type FeedsConfig struct {
	VIXURL              string  `json:"vix_url"`
	VIXPollSeconds      int     `json:"vix_poll_seconds"`
	VIXTriggerPct       float64 `json:"vix_trigger_pct"` // |dVIX/prev| % that forces recompute
	NSEMarginFileURL    string  `json:"nse_margin_file_url"`
	SettlementPriceURL  string  `json:"settlement_price_url"`
	DepthCacheTTLMillis int     `json:"depth_cache_ttl_millis"`
}

// MarginConfig holds margin engine configuration
type MarginConfig struct {
	MonitorIntervalSec    int     `json:"monitor_interval_sec"`
	MinorChangePct        float64 `json:"minor_change_pct"`        // below this, no change event
	MajorChangePct        float64 `json:"major_change_pct"`        // warning severity
	CriticalChangePct     float64 `json:"critical_change_pct"`     // critical severity
	ExposurePct           float64 `json:"exposure_pct"`            // flat exposure margin, % of contract value
	SnapshotRetentionDays int     `json:"snapshot_retention_days"` // compress snapshots older than this
}

// RiskConfig holds risk monitor configuration
type RiskConfig struct {
	EvaluateIntervalSec int     `json:"evaluate_interval_sec"`
	ShortfallGraceMin   int     `json:"shortfall_grace_min"` // grace window before auto square-off
	DeltaHighThreshold  float64 `json:"delta_high_threshold"`
	GammaHighThreshold  float64 `json:"gamma_high_threshold"`
	VegaHighThreshold   float64 `json:"vega_high_threshold"`
	ThetaHighThreshold  float64 `json:"theta_high_threshold"`
}

// HousekeepingConfig holds housekeeping engine configuration
type HousekeepingConfig struct {
	SweepIntervalMin    int  `json:"sweep_interval_min"`
	StaleFallbackHours  int  `json:"stale_fallback_hours"` // for orders without a strategy policy
	StaleHardBoundHours int  `json:"stale_hard_bound_hours"`
	CancelStaleOrders   bool `json:"cancel_stale_orders"`
}

// SchedulerConfig holds the exchange calendar timer configuration
type SchedulerConfig struct {
	Timezone string `json:"timezone"` // exchange-local, default Asia/Kolkata
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

// Load reads config.json (if present) and applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot safely run with.
func (c *Config) Validate() error {
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.ServerConfig.Port)
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("auth enabled but AUTH_JWT_SECRET is empty")
	}
	if !c.BrokerConfig.MockMode && c.BrokerConfig.APIKey == "" && !c.VaultConfig.Enabled {
		return fmt.Errorf("broker api_key required unless mock_mode or vault is enabled")
	}
	if c.MarginConfig.MinorChangePct <= 0 {
		return fmt.Errorf("margin minor_change_pct must be > 0")
	}
	if _, err := time.LoadLocation(c.SchedulerConfig.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler timezone %q: %w", c.SchedulerConfig.Timezone, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", defaultStr(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultStr(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", defaultInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", defaultInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 10))
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("PRODUCTION_MODE", "false") == "true"

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultStr(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultStr(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultStr(cfg.DatabaseConfig.Database, "fno_engine"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultStr(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultStr(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Broker config — credentials may also come from Vault at startup
	cfg.BrokerConfig.BaseURL = getEnvOrDefault("KITE_BASE_URL", defaultStr(cfg.BrokerConfig.BaseURL, "https://api.kite.trade"))
	cfg.BrokerConfig.APIKey = getEnvOrDefault("KITE_API_KEY", cfg.BrokerConfig.APIKey)
	cfg.BrokerConfig.AccessToken = getEnvOrDefault("KITE_ACCESS_TOKEN", cfg.BrokerConfig.AccessToken)
	cfg.BrokerConfig.MockMode = getEnvOrDefault("BROKER_MOCK_MODE", boolStr(cfg.BrokerConfig.MockMode)) == "true"
	cfg.BrokerConfig.OrdersPerSecond = getEnvFloatOrDefault("BROKER_ORDERS_PER_SEC", defaultFloat(cfg.BrokerConfig.OrdersPerSecond, 10))
	cfg.BrokerConfig.ReadsPerSecond = getEnvFloatOrDefault("BROKER_READS_PER_SEC", defaultFloat(cfg.BrokerConfig.ReadsPerSecond, 3))
	cfg.BrokerConfig.MarginCallGapSec = getEnvIntOrDefault("BROKER_MARGIN_CALL_GAP_SEC", defaultInt(cfg.BrokerConfig.MarginCallGapSec, 5))
	cfg.BrokerConfig.MaxRetries = getEnvIntOrDefault("BROKER_MAX_RETRIES", defaultInt(cfg.BrokerConfig.MaxRetries, 3))
	cfg.BrokerConfig.BreakerFailures = getEnvIntOrDefault("BROKER_BREAKER_FAILURES", defaultInt(cfg.BrokerConfig.BreakerFailures, 5))
	cfg.BrokerConfig.BreakerTimeoutSec = getEnvIntOrDefault("BROKER_BREAKER_TIMEOUT_SEC", defaultInt(cfg.BrokerConfig.BreakerTimeoutSec, 60))

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolStr(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultStr(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultStr(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultStr(cfg.VaultConfig.SecretPath, "fno-engine/broker"))

	// Auth config
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", boolStr(cfg.AuthConfig.Enabled)) == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", 15*time.Minute)
	cfg.AuthConfig.RefreshTokenDuration = getEnvDurationOrDefault("AUTH_REFRESH_TOKEN_DURATION", 7*24*time.Hour)
	cfg.AuthConfig.MinPasswordLength = getEnvIntOrDefault("AUTH_MIN_PASSWORD_LENGTH", defaultInt(cfg.AuthConfig.MinPasswordLength, 8))

	// Factor feeds
	cfg.FeedsConfig.VIXURL = getEnvOrDefault("FEED_VIX_URL", cfg.FeedsConfig.VIXURL)
	cfg.FeedsConfig.VIXPollSeconds = getEnvIntOrDefault("FEED_VIX_POLL_SECONDS", defaultInt(cfg.FeedsConfig.VIXPollSeconds, 60))
	cfg.FeedsConfig.VIXTriggerPct = getEnvFloatOrDefault("FEED_VIX_TRIGGER_PCT", defaultFloat(cfg.FeedsConfig.VIXTriggerPct, 5.0))
	cfg.FeedsConfig.NSEMarginFileURL = getEnvOrDefault("FEED_NSE_MARGIN_FILE_URL", cfg.FeedsConfig.NSEMarginFileURL)
	cfg.FeedsConfig.SettlementPriceURL = getEnvOrDefault("FEED_SETTLEMENT_PRICE_URL", cfg.FeedsConfig.SettlementPriceURL)
	cfg.FeedsConfig.DepthCacheTTLMillis = getEnvIntOrDefault("FEED_DEPTH_CACHE_TTL_MS", defaultInt(cfg.FeedsConfig.DepthCacheTTLMillis, 500))

	// Margin engine
	cfg.MarginConfig.MonitorIntervalSec = getEnvIntOrDefault("MARGIN_MONITOR_INTERVAL_SEC", defaultInt(cfg.MarginConfig.MonitorIntervalSec, 60))
	cfg.MarginConfig.MinorChangePct = getEnvFloatOrDefault("MARGIN_MINOR_CHANGE_PCT", defaultFloat(cfg.MarginConfig.MinorChangePct, 2.0))
	cfg.MarginConfig.MajorChangePct = getEnvFloatOrDefault("MARGIN_MAJOR_CHANGE_PCT", defaultFloat(cfg.MarginConfig.MajorChangePct, 5.0))
	cfg.MarginConfig.CriticalChangePct = getEnvFloatOrDefault("MARGIN_CRITICAL_CHANGE_PCT", defaultFloat(cfg.MarginConfig.CriticalChangePct, 10.0))
	cfg.MarginConfig.ExposurePct = getEnvFloatOrDefault("MARGIN_EXPOSURE_PCT", defaultFloat(cfg.MarginConfig.ExposurePct, 3.0))
	cfg.MarginConfig.SnapshotRetentionDays = getEnvIntOrDefault("MARGIN_SNAPSHOT_RETENTION_DAYS", defaultInt(cfg.MarginConfig.SnapshotRetentionDays, 30))

	// Risk monitor
	cfg.RiskConfig.EvaluateIntervalSec = getEnvIntOrDefault("RISK_EVALUATE_INTERVAL_SEC", defaultInt(cfg.RiskConfig.EvaluateIntervalSec, 30))
	cfg.RiskConfig.ShortfallGraceMin = getEnvIntOrDefault("RISK_SHORTFALL_GRACE_MIN", defaultInt(cfg.RiskConfig.ShortfallGraceMin, 60))
	cfg.RiskConfig.DeltaHighThreshold = getEnvFloatOrDefault("RISK_DELTA_HIGH", defaultFloat(cfg.RiskConfig.DeltaHighThreshold, 500))
	cfg.RiskConfig.GammaHighThreshold = getEnvFloatOrDefault("RISK_GAMMA_HIGH", defaultFloat(cfg.RiskConfig.GammaHighThreshold, 50))
	cfg.RiskConfig.VegaHighThreshold = getEnvFloatOrDefault("RISK_VEGA_HIGH", defaultFloat(cfg.RiskConfig.VegaHighThreshold, 1000))
	cfg.RiskConfig.ThetaHighThreshold = getEnvFloatOrDefault("RISK_THETA_HIGH", defaultFloat(cfg.RiskConfig.ThetaHighThreshold, 1000))

	// Housekeeping
	cfg.HousekeepingConfig.SweepIntervalMin = getEnvIntOrDefault("HOUSEKEEPING_SWEEP_INTERVAL_MIN", defaultInt(cfg.HousekeepingConfig.SweepIntervalMin, 5))
	cfg.HousekeepingConfig.StaleFallbackHours = getEnvIntOrDefault("HOUSEKEEPING_STALE_FALLBACK_HOURS", defaultInt(cfg.HousekeepingConfig.StaleFallbackHours, 24))
	cfg.HousekeepingConfig.StaleHardBoundHours = getEnvIntOrDefault("HOUSEKEEPING_STALE_HARD_BOUND_HOURS", defaultInt(cfg.HousekeepingConfig.StaleHardBoundHours, 48))
	cfg.HousekeepingConfig.CancelStaleOrders = getEnvOrDefault("HOUSEKEEPING_CANCEL_STALE", "true") == "true"

	// Scheduler
	cfg.SchedulerConfig.Timezone = getEnvOrDefault("SCHEDULER_TIMEZONE", defaultStr(cfg.SchedulerConfig.Timezone, "Asia/Kolkata"))

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultStr(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &config, nil
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloatOrDefault(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func defaultStr(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func defaultInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func defaultFloat(v, d float64) float64 {
	if v == 0 {
		return d
	}
	return v
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
