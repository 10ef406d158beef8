// Package config defines the top-level configuration for the InfoFi market
// lifecycle engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by INFOFI_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Operator OperatorConfig `toml:"operator"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Engine   EngineConfig   `toml:"engine"`
	Oracle   OracleConfig   `toml:"oracle"`
	Alerts   AlertsConfig   `toml:"alerts"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LedgerConfig holds RPC endpoints and contract addresses.
type LedgerConfig struct {
	RPCURL          string `toml:"rpc_url"`
	WsURL           string `toml:"ws_url"`
	ChainID         int64  `toml:"chain_id"`
	RaffleAddress   string `toml:"raffle_address"`
	FactoryAddress  string `toml:"factory_address"`
	OracleAddress   string `toml:"oracle_address"`
	TokenAddress    string `toml:"token_address"`
	TreasuryAddress string `toml:"treasury_address"`
	// BackfillBlocks is how far behind the head the startup scan begins.
	BackfillBlocks uint64 `toml:"backfill_blocks"`
	// BackfillChunk bounds the block range of a single getLogs call.
	BackfillChunk uint64 `toml:"backfill_chunk"`
}

// OperatorConfig holds the engine's transaction-signing key. Either a raw hex
// key or an encrypted key file must be provided for modes that write to the
// ledger.
type OperatorConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds the position tracker and lifecycle coordinator
// parameters.
type EngineConfig struct {
	// CreationThresholdBps is the probability at or above which a
	// participant's prediction market is created.
	CreationThresholdBps int `toml:"creation_threshold_bps"`
	// RepriceBatchSize caps how many participants one recomputation pass
	// touches; the remainder is deferred via the season's sweep cursor.
	RepriceBatchSize int `toml:"reprice_batch_size"`
	// SweepInterval drives the periodic repricing sweep that drains
	// deferred cursors.
	SweepInterval duration `toml:"sweep_interval"`
	// SeedLiquidity is the token amount (base units) escrowed into each new
	// market's capital pool.
	SeedLiquidity uint64 `toml:"seed_liquidity"`
	// LockTTL bounds how long one lifecycle run may hold its per-pair lock.
	LockTTL duration `toml:"lock_ttl"`
	// DispatchWorkers is the number of sharded event-dispatch workers.
	DispatchWorkers int `toml:"dispatch_workers"`
	// DispatchQueueSize bounds each dispatch shard's backlog.
	DispatchQueueSize int `toml:"dispatch_queue_size"`
}

// OracleConfig holds hybrid pricing weights and write retry policy.
type OracleConfig struct {
	RaffleWeightBps    int      `toml:"raffle_weight_bps"`
	SentimentWeightBps int      `toml:"sentiment_weight_bps"`
	MaxAttempts        int      `toml:"max_attempts"`
	BaseDelay          duration `toml:"base_delay"`
	MaxDelay           duration `toml:"max_delay"`
	WriteWorkers       int      `toml:"write_workers"`
	QueueSize          int      `toml:"queue_size"`
}

// AlertsConfig holds the failure tracker parameters.
type AlertsConfig struct {
	// FailureThreshold is the consecutive-failure count that triggers an
	// alert for a market.
	FailureThreshold int `toml:"failure_threshold"`
	// Cooldown suppresses repeat alerts for the same market inside the
	// window.
	Cooldown duration `toml:"cooldown"`
}

// ArchiveConfig holds oracle-audit cold-storage parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
	BatchSize     int      `toml:"batch_size"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			RPCURL:         "http://localhost:8545",
			WsURL:          "ws://localhost:8546",
			ChainID:        8453,
			BackfillBlocks: 5000,
			BackfillChunk:  2000,
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "infofi",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "infofi-audit",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			CreationThresholdBps: 100,
			RepriceBatchSize:     50,
			SweepInterval:        duration{30 * time.Second},
			SeedLiquidity:        100_000_000, // 100 tokens at 6 decimals
			LockTTL:              duration{2 * time.Minute},
			DispatchWorkers:      4,
			DispatchQueueSize:    256,
		},
		Oracle: OracleConfig{
			RaffleWeightBps:    7000,
			SentimentWeightBps: 3000,
			MaxAttempts:        5,
			BaseDelay:          duration{1 * time.Second},
			MaxDelay:           duration{30 * time.Second},
			WriteWorkers:       4,
			QueueSize:          256,
		},
		Alerts: AlertsConfig{
			FailureThreshold: 3,
			Cooldown:         duration{5 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
			BatchSize:     5000,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"oracle_failure", "oracle_recovery", "market_failed", "invariant_violation"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine":   true,
	"backfill": true,
	"monitor":  true,
	"server":   true,
	"full":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// needsOperatorKey reports whether the mode submits ledger transactions.
func needsOperatorKey(mode string) bool {
	switch mode {
	case "engine", "backfill", "full":
		return true
	default:
		return false
	}
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)

	// Mode
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, backfill, monitor, server, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if c.Ledger.RPCURL == "" {
		errs = append(errs, "ledger: rpc_url must not be empty")
	}
	if c.Ledger.ChainID <= 0 {
		errs = append(errs, "ledger: chain_id must be positive")
	}
	if mode != "server" {
		if c.Ledger.RaffleAddress == "" {
			errs = append(errs, "ledger: raffle_address must not be empty")
		}
		if c.Ledger.WsURL == "" && mode != "backfill" {
			errs = append(errs, "ledger: ws_url is required for live log subscription")
		}
	}
	if needsOperatorKey(mode) {
		if c.Ledger.FactoryAddress == "" {
			errs = append(errs, "ledger: factory_address must not be empty for mode "+c.Mode)
		}
		if c.Ledger.OracleAddress == "" {
			errs = append(errs, "ledger: oracle_address must not be empty for mode "+c.Mode)
		}
		if c.Ledger.TokenAddress == "" {
			errs = append(errs, "ledger: token_address must not be empty for mode "+c.Mode)
		}
	}
	if c.Ledger.BackfillChunk == 0 {
		errs = append(errs, "ledger: backfill_chunk must be >= 1")
	}

	// Operator key
	if needsOperatorKey(mode) {
		if c.Operator.PrivateKey == "" && c.Operator.EncryptedKeyPath == "" {
			errs = append(errs, "operator: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Operator.EncryptedKeyPath != "" && c.Operator.KeyPassword == "" {
			errs = append(errs, "operator: key_password is required when encrypted_key_path is set")
		}
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Engine
	if c.Engine.CreationThresholdBps < 1 || c.Engine.CreationThresholdBps > 10000 {
		errs = append(errs, fmt.Sprintf("engine: creation_threshold_bps must be 1-10000, got %d", c.Engine.CreationThresholdBps))
	}
	if c.Engine.RepriceBatchSize < 1 {
		errs = append(errs, "engine: reprice_batch_size must be >= 1")
	}
	if c.Engine.SeedLiquidity == 0 && needsOperatorKey(mode) {
		errs = append(errs, "engine: seed_liquidity must be > 0 for mode "+c.Mode)
	}
	if c.Engine.DispatchWorkers < 1 {
		errs = append(errs, "engine: dispatch_workers must be >= 1")
	}

	// Oracle
	if c.Oracle.RaffleWeightBps+c.Oracle.SentimentWeightBps != 10000 {
		errs = append(errs, fmt.Sprintf("oracle: raffle_weight_bps + sentiment_weight_bps must equal 10000, got %d",
			c.Oracle.RaffleWeightBps+c.Oracle.SentimentWeightBps))
	}
	if c.Oracle.MaxAttempts < 1 {
		errs = append(errs, "oracle: max_attempts must be >= 1")
	}
	if c.Oracle.BaseDelay.Duration <= 0 {
		errs = append(errs, "oracle: base_delay must be > 0")
	}
	if c.Oracle.MaxDelay.Duration < c.Oracle.BaseDelay.Duration {
		errs = append(errs, "oracle: max_delay must be >= base_delay")
	}

	// Alerts
	if c.Alerts.FailureThreshold < 1 {
		errs = append(errs, "alerts: failure_threshold must be >= 1")
	}
	if c.Alerts.Cooldown.Duration <= 0 {
		errs = append(errs, "alerts: cooldown must be > 0")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
