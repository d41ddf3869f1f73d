// Package config loads the engine configuration: JSON file first, then
// environment overrides. Validation failures are ConfigError values and the
// process refuses to start on them.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"multibroker-trading-bot/internal/market"
)

// ConfigError marks a configuration problem that must stop startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config is the full engine configuration.
type Config struct {
	Engine    EngineConfig           `json:"engine"`
	Broker    BrokerConfig           `json:"broker"`
	Server    ServerConfig           `json:"server"`
	Vault     VaultConfig            `json:"vault"`
	Journal   JournalConfig          `json:"journal"`
	Redis     RedisConfig            `json:"redis"`
	Reconcile ReconcileConfig        `json:"reconcile"`
	Paths     PathsConfig            `json:"paths"`
	Venues    map[string]VenueConfig `json:"venues"`
}

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	Symbol        string  `json:"symbol"`
	Timeframe     string  `json:"timeframe"`
	BaseOrderSize float64 `json:"base_order_size"`
	MinConfidence float64 `json:"min_confidence"`
	WindowSize    int     `json:"window_size"`
	Backfill      int     `json:"backfill"`
}

// BrokerConfig selects the active venue.
type BrokerConfig struct {
	Active          string  `json:"active"` // kraken, coinbase, binance, uphold, paper
	StartingBalance float64 `json:"starting_balance"`
}

// VenueConfig carries one venue's credentials when Vault is not used.
type VenueConfig struct {
	APIKey       string `json:"api_key"`
	APISecret    string `json:"api_secret"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

// ServerConfig tunes the control API.
type ServerConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	JWTSecret      string   `json:"jwt_secret"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// VaultConfig selects the credential backend.
type VaultConfig struct {
	Enabled   bool   `json:"enabled"`
	Address   string `json:"address"`
	Token     string `json:"token"`
	MountPath string `json:"mount_path"`
	BasePath  string `json:"base_path"`
}

// JournalConfig points at the optional trade database.
type JournalConfig struct {
	DSN string `json:"dsn"`
}

// RedisConfig points at the optional pattern-statistics store.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ReconcileConfig tunes the drift loop.
type ReconcileConfig struct {
	IntervalSec int `json:"interval_sec"`
}

// PathsConfig locates the engine's files.
type PathsConfig struct {
	DataDir      string `json:"data_dir"`
	LogsDir      string `json:"logs_dir"`
	FeaturesFile string `json:"features_file"`
}

// Load reads the JSON file (optional), applies environment overrides and
// validates. path may be empty; CONFIG_FILE overrides it.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if env := os.Getenv("CONFIG_FILE"); env != "" {
		path = env
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, &ConfigError{Field: "file", Reason: err.Error()}
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{Field: "file", Reason: "parse: " + err.Error()}
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			Symbol:        "BTC/USD",
			Timeframe:     "1m",
			BaseOrderSize: 0.001,
			MinConfidence: 60,
			WindowSize:    100,
		},
		Broker:    BrokerConfig{Active: "paper", StartingBalance: 10_000},
		Server:    ServerConfig{Enabled: true, Host: "0.0.0.0", Port: 8080},
		Reconcile: ReconcileConfig{IntervalSec: 30},
		Paths: PathsConfig{
			DataDir:      "data",
			LogsDir:      "logs",
			FeaturesFile: "config/features.json",
		},
		Venues: make(map[string]VenueConfig),
	}
}

func applyEnv(cfg *Config) {
	cfg.Engine.Symbol = getEnvOrDefault("ENGINE_SYMBOL", cfg.Engine.Symbol)
	cfg.Engine.Timeframe = getEnvOrDefault("ENGINE_TIMEFRAME", cfg.Engine.Timeframe)
	cfg.Engine.BaseOrderSize = getEnvFloatOrDefault("ENGINE_BASE_ORDER_SIZE", cfg.Engine.BaseOrderSize)
	cfg.Engine.MinConfidence = getEnvFloatOrDefault("ENGINE_MIN_CONFIDENCE", cfg.Engine.MinConfidence)
	cfg.Engine.WindowSize = getEnvIntOrDefault("ENGINE_WINDOW_SIZE", cfg.Engine.WindowSize)

	cfg.Broker.Active = strings.ToLower(getEnvOrDefault("BROKER", cfg.Broker.Active))
	cfg.Broker.StartingBalance = getEnvFloatOrDefault("STARTING_BALANCE", cfg.Broker.StartingBalance)

	cfg.Server.Enabled = getEnvOrDefault("API_ENABLED", boolStr(cfg.Server.Enabled)) == "true"
	cfg.Server.Host = getEnvOrDefault("API_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvIntOrDefault("API_PORT", cfg.Server.Port)
	cfg.Server.JWTSecret = getEnvOrDefault("API_JWT_SECRET", cfg.Server.JWTSecret)
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	cfg.Vault.Enabled = getEnvOrDefault("VAULT_ENABLED", boolStr(cfg.Vault.Enabled)) == "true"
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.Vault.MountPath)
	cfg.Vault.BasePath = getEnvOrDefault("VAULT_BASE_PATH", cfg.Vault.BasePath)

	cfg.Journal.DSN = getEnvOrDefault("JOURNAL_DSN", cfg.Journal.DSN)

	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	cfg.Reconcile.IntervalSec = getEnvIntOrDefault("RECONCILE_INTERVAL_SEC", cfg.Reconcile.IntervalSec)

	cfg.Paths.DataDir = getEnvOrDefault("DATA_DIR", cfg.Paths.DataDir)
	cfg.Paths.LogsDir = getEnvOrDefault("LOGS_DIR", cfg.Paths.LogsDir)
	cfg.Paths.FeaturesFile = getEnvOrDefault("FEATURES_FILE", cfg.Paths.FeaturesFile)

	// Per-venue credentials from the environment override the file.
	for _, venue := range []string{"kraken", "coinbase", "binance", "uphold"} {
		prefix := strings.ToUpper(venue)
		vc := cfg.Venues[venue]
		vc.APIKey = getEnvOrDefault(prefix+"_API_KEY", vc.APIKey)
		vc.APISecret = getEnvOrDefault(prefix+"_API_SECRET", vc.APISecret)
		vc.RefreshToken = getEnvOrDefault(prefix+"_REFRESH_TOKEN", vc.RefreshToken)
		vc.ClientID = getEnvOrDefault(prefix+"_CLIENT_ID", vc.ClientID)
		cfg.Venues[venue] = vc
	}
}

func (c *Config) validate() error {
	if _, err := market.ParseSymbol(c.Engine.Symbol); err != nil {
		return &ConfigError{Field: "engine.symbol", Reason: err.Error()}
	}
	if _, err := market.ParseTimeframe(c.Engine.Timeframe); err != nil {
		return &ConfigError{Field: "engine.timeframe", Reason: err.Error()}
	}
	if c.Engine.BaseOrderSize <= 0 {
		return &ConfigError{Field: "engine.base_order_size", Reason: "must be positive"}
	}
	if c.Engine.MinConfidence < 0 || c.Engine.MinConfidence > 100 {
		return &ConfigError{Field: "engine.min_confidence", Reason: "must be within [0,100]"}
	}
	switch c.Broker.Active {
	case "kraken", "coinbase", "binance", "uphold", "paper":
	default:
		return &ConfigError{Field: "broker.active", Reason: fmt.Sprintf("unknown venue %q", c.Broker.Active)}
	}
	if c.Broker.StartingBalance <= 0 {
		return &ConfigError{Field: "broker.starting_balance", Reason: "must be positive"}
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return &ConfigError{Field: "server.port", Reason: "out of range"}
	}
	if c.Reconcile.IntervalSec <= 0 {
		return &ConfigError{Field: "reconcile.interval_sec", Reason: "must be positive"}
	}
	if c.Vault.Enabled && c.Vault.Address == "" {
		return &ConfigError{Field: "vault.address", Reason: "required when vault is enabled"}
	}
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
