package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies INFOFI_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known INFOFI_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "INFOFI_LEDGER_RPC_URL")
	setStr(&cfg.Ledger.WsURL, "INFOFI_LEDGER_WS_URL")
	setInt64(&cfg.Ledger.ChainID, "INFOFI_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.RaffleAddress, "INFOFI_LEDGER_RAFFLE_ADDRESS")
	setStr(&cfg.Ledger.FactoryAddress, "INFOFI_LEDGER_FACTORY_ADDRESS")
	setStr(&cfg.Ledger.OracleAddress, "INFOFI_LEDGER_ORACLE_ADDRESS")
	setStr(&cfg.Ledger.TokenAddress, "INFOFI_LEDGER_TOKEN_ADDRESS")
	setStr(&cfg.Ledger.TreasuryAddress, "INFOFI_LEDGER_TREASURY_ADDRESS")
	setUint64(&cfg.Ledger.BackfillBlocks, "INFOFI_LEDGER_BACKFILL_BLOCKS")
	setUint64(&cfg.Ledger.BackfillChunk, "INFOFI_LEDGER_BACKFILL_CHUNK")

	// ── Operator ──
	setStr(&cfg.Operator.PrivateKey, "INFOFI_OPERATOR_PRIVATE_KEY")
	setStr(&cfg.Operator.EncryptedKeyPath, "INFOFI_OPERATOR_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Operator.KeyPassword, "INFOFI_OPERATOR_KEY_PASSWORD")

	// ── Database ──
	setStr(&cfg.Database.DSN, "INFOFI_DATABASE_DSN")
	setStr(&cfg.Database.Host, "INFOFI_DATABASE_HOST")
	setInt(&cfg.Database.Port, "INFOFI_DATABASE_PORT")
	setStr(&cfg.Database.Database, "INFOFI_DATABASE_NAME")
	setStr(&cfg.Database.User, "INFOFI_DATABASE_USER")
	setStr(&cfg.Database.Password, "INFOFI_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "INFOFI_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "INFOFI_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "INFOFI_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "INFOFI_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "INFOFI_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "INFOFI_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "INFOFI_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "INFOFI_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "INFOFI_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "INFOFI_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "INFOFI_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "INFOFI_S3_REGION")
	setStr(&cfg.S3.Bucket, "INFOFI_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "INFOFI_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "INFOFI_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "INFOFI_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "INFOFI_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setInt(&cfg.Engine.CreationThresholdBps, "INFOFI_ENGINE_CREATION_THRESHOLD_BPS")
	setInt(&cfg.Engine.RepriceBatchSize, "INFOFI_ENGINE_REPRICE_BATCH_SIZE")
	setDuration(&cfg.Engine.SweepInterval, "INFOFI_ENGINE_SWEEP_INTERVAL")
	setUint64(&cfg.Engine.SeedLiquidity, "INFOFI_ENGINE_SEED_LIQUIDITY")
	setDuration(&cfg.Engine.LockTTL, "INFOFI_ENGINE_LOCK_TTL")
	setInt(&cfg.Engine.DispatchWorkers, "INFOFI_ENGINE_DISPATCH_WORKERS")
	setInt(&cfg.Engine.DispatchQueueSize, "INFOFI_ENGINE_DISPATCH_QUEUE_SIZE")

	// ── Oracle ──
	setInt(&cfg.Oracle.RaffleWeightBps, "INFOFI_ORACLE_RAFFLE_WEIGHT_BPS")
	setInt(&cfg.Oracle.SentimentWeightBps, "INFOFI_ORACLE_SENTIMENT_WEIGHT_BPS")
	setInt(&cfg.Oracle.MaxAttempts, "INFOFI_ORACLE_MAX_ATTEMPTS")
	setDuration(&cfg.Oracle.BaseDelay, "INFOFI_ORACLE_BASE_DELAY")
	setDuration(&cfg.Oracle.MaxDelay, "INFOFI_ORACLE_MAX_DELAY")
	setInt(&cfg.Oracle.WriteWorkers, "INFOFI_ORACLE_WRITE_WORKERS")
	setInt(&cfg.Oracle.QueueSize, "INFOFI_ORACLE_QUEUE_SIZE")

	// ── Alerts ──
	setInt(&cfg.Alerts.FailureThreshold, "INFOFI_ALERTS_FAILURE_THRESHOLD")
	setDuration(&cfg.Alerts.Cooldown, "INFOFI_ALERTS_COOLDOWN")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "INFOFI_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "INFOFI_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "INFOFI_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.BatchSize, "INFOFI_ARCHIVE_BATCH_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "INFOFI_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "INFOFI_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "INFOFI_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "INFOFI_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "INFOFI_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "INFOFI_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "INFOFI_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "INFOFI_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "INFOFI_MODE")
	setStr(&cfg.LogLevel, "INFOFI_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
