package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	s3blob "github.com/rafflefi/infofi-engine/internal/blob/s3"
	"github.com/rafflefi/infofi-engine/internal/cache/redis"
	"github.com/rafflefi/infofi-engine/internal/chain"
	"github.com/rafflefi/infofi-engine/internal/config"
	"github.com/rafflefi/infofi-engine/internal/crypto"
	"github.com/rafflefi/infofi-engine/internal/domain"
	"github.com/rafflefi/infofi-engine/internal/engine"
	"github.com/rafflefi/infofi-engine/internal/ingest"
	"github.com/rafflefi/infofi-engine/internal/notify"
	"github.com/rafflefi/infofi-engine/internal/store/postgres"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Postgres    *postgres.Client
	Positions   domain.PositionStore
	Markets     domain.MarketRecordStore
	OracleCalls domain.OracleCallStore

	// Caches
	Redis        *redis.Client
	LockManager  domain.LockManager
	PriceCache   domain.HybridPriceCache
	SignalBus    domain.SignalBus

	// Chain
	Chain     *chain.Client
	LogSource *chain.LogSource
	Raffle    *chain.RaffleReader

	// Blob storage
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.Archiver

	// Engine
	Notifier   *notify.Notifier
	Failures   *engine.FailureTracker
	Engine     *engine.Engine
	Dispatcher *ingest.Dispatcher
	Listener   *ingest.Listener
}

// needsChainWrites reports whether the mode submits transactions and so needs
// the operator key, factory, and oracle wired.
func needsChainWrites(mode string) bool {
	switch mode {
	case "engine", "backfill", "full":
		return true
	default:
		return false
	}
}

// Wire constructs every concrete dependency from the configuration. The
// returned cleanup releases resources in reverse construction order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Postgres = pgClient
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Markets = postgres.NewMarketRecordStore(pool)
	deps.OracleCalls = postgres.NewOracleCallStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.PriceCache = redis.NewHybridPriceCache(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	deps.Failures = engine.NewFailureTracker(
		cfg.Alerts.FailureThreshold,
		cfg.Alerts.Cooldown.Duration,
		deps.Notifier,
		logger,
	)

	// --- Chain ---
	chainClient, err := chain.Dial(ctx, cfg.Ledger.RPCURL, cfg.Ledger.WsURL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: chain: %w", err)
	}
	closers = append(closers, chainClient.Close)

	deps.Chain = chainClient
	deps.LogSource = chain.NewLogSource(chainClient, cfg.Ledger.BackfillChunk, logger)

	mode := strings.ToLower(cfg.Mode)
	var (
		factory *chain.Factory
		oracle  *chain.OracleWriter
	)
	if needsChainWrites(mode) {
		key, operator, err := crypto.LoadOperatorKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Operator.PrivateKey,
			EncryptedKeyPath: cfg.Operator.EncryptedKeyPath,
			KeyPassword:      cfg.Operator.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: operator key: %w", err)
		}
		logger.Info("operator key loaded", "address", operator.Hex())

		tr := chain.NewTransactor(chainClient.HTTP(), key, uint64(cfg.Ledger.ChainID), logger)

		deps.Raffle, err = chain.NewRaffleReader(tr, cfg.Ledger.RaffleAddress)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: raffle reader: %w", err)
		}
		factory, err = chain.NewFactory(tr,
			cfg.Ledger.FactoryAddress,
			cfg.Ledger.TokenAddress,
			cfg.Ledger.TreasuryAddress,
			logger,
		)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: factory: %w", err)
		}
		oracle, err = chain.NewOracleWriter(tr, cfg.Ledger.OracleAddress, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: oracle writer: %w", err)
		}
	}

	// --- Engine ---
	tracker := engine.NewPositionTracker(
		deps.Positions,
		deps.SignalBus,
		cfg.Engine.RepriceBatchSize,
		logger,
	)

	// The coordinator is constructed for every mode; without a factory its
	// ledger-writing paths stay unreachable behind the engine's read-only
	// guard, while Reconcile (a pure database write) remains available.
	var mf engine.MarketFactory
	if factory != nil {
		mf = factory
	}
	coord := engine.NewCoordinator(
		deps.Markets,
		mf,
		deps.LockManager,
		deps.Notifier,
		new(big.Int).SetUint64(cfg.Engine.SeedLiquidity),
		cfg.Engine.LockTTL.Duration,
		logger,
	)

	var writer *engine.HybridOracleWriter
	if oracle != nil {
		writer = engine.NewHybridOracleWriter(
			oracle,
			deps.OracleCalls,
			deps.PriceCache,
			deps.Failures,
			engine.WriterConfig{
				RaffleWeightBps:    cfg.Oracle.RaffleWeightBps,
				SentimentWeightBps: cfg.Oracle.SentimentWeightBps,
				MaxAttempts:        cfg.Oracle.MaxAttempts,
				BaseDelay:          cfg.Oracle.BaseDelay.Duration,
				MaxDelay:           cfg.Oracle.MaxDelay.Duration,
				Workers:            cfg.Oracle.WriteWorkers,
				QueueSize:          cfg.Oracle.QueueSize,
			},
			logger,
		)
	}

	// Same typed-nil guard as the factory: the reader only exists for modes
	// that carry an operator transactor.
	var raffleSrc engine.RaffleSource
	if deps.Raffle != nil {
		raffleSrc = deps.Raffle
	}

	deps.Engine = engine.New(
		tracker,
		coord,
		writer,
		raffleSrc,
		deps.Positions,
		deps.Markets,
		deps.PriceCache,
		deps.Notifier,
		engine.Config{
			CreationThresholdBps: cfg.Engine.CreationThresholdBps,
			SweepInterval:        cfg.Engine.SweepInterval.Duration,
			ReadOnly:             !needsChainWrites(mode),
			RaffleWeightBps:      cfg.Oracle.RaffleWeightBps,
			SentimentWeightBps:   cfg.Oracle.SentimentWeightBps,
		},
		logger,
	)

	deps.Dispatcher = ingest.NewDispatcher(
		deps.Engine,
		cfg.Engine.DispatchWorkers,
		cfg.Engine.DispatchQueueSize,
		logger,
	)
	deps.Listener = ingest.NewListener(
		deps.LogSource,
		chainClient,
		deps.Dispatcher,
		cfg.Ledger.BackfillBlocks,
		logger,
	)

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.OracleCalls,
			time.Duration(cfg.Archive.RetentionDays)*24*time.Hour,
			cfg.Archive.Interval.Duration,
			cfg.Archive.BatchSize,
			logger,
		)
	}

	return deps, cleanup, nil
}
