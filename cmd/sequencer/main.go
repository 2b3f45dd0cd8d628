// Command sequencer is the entry point for the payment-channel sequencer.
// It loads configuration, connects to Postgres, loads the channel index,
// builds the on-chain and signing providers, wires the HTTP server, and
// runs until signalled to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	s3archive "github.com/streamchannel/sequencer/internal/archive/s3"
	"github.com/streamchannel/sequencer/internal/audit"
	"github.com/streamchannel/sequencer/internal/chain"
	"github.com/streamchannel/sequencer/internal/chaincrypto"
	"github.com/streamchannel/sequencer/internal/config"
	"github.com/streamchannel/sequencer/internal/domain"
	"github.com/streamchannel/sequencer/internal/index"
	"github.com/streamchannel/sequencer/internal/ratelimit"
	"github.com/streamchannel/sequencer/internal/server"
	"github.com/streamchannel/sequencer/internal/server/handler"
	"github.com/streamchannel/sequencer/internal/server/ws"
	"github.com/streamchannel/sequencer/internal/store/postgres"
	"github.com/streamchannel/sequencer/internal/voucher"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to optional TOML configuration overlay")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("path", *configPath), slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sequencer exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	logger.Info("sequencer stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// 1. Connect Postgres with a bounded pool (spec §5 "shared resources").
	dbClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.DatabaseURL,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer dbClient.Close()

	if err := dbClient.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	channelStore := postgres.NewChannelStore(dbClient.Pool(), logger)

	// 2. Load every persisted channel into the in-memory index.
	initial, err := channelStore.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	idx := index.New(initial)
	logger.Info("loaded channels", slog.Int("count", idx.Len()))

	contractAddr, err := domain.ParseAddress(cfg.ChannelManager)
	if err != nil {
		return fmt.Errorf("parse CHANNEL_MANAGER: %w", err)
	}

	// 3. Build the read-only on-chain provider.
	chainProvider, err := chain.NewProvider(ctx, cfg.RPCURL, contractAddr)
	if err != nil {
		return fmt.Errorf("build chain provider: %w", err)
	}
	defer chainProvider.Close()

	// 4. Resolve the sequencer signing key, Local or KMS-backed.
	signer, err := resolveSigner(ctx, cfg)
	if err != nil {
		return fmt.Errorf("resolve sequencer signer: %w", err)
	}

	// 5. Refuse to start if the configured key doesn't match the contract's
	// sequencer() address (spec §4.5 invariant).
	onChainSequencer, err := chainProvider.SequencerAddress(ctx)
	if err != nil {
		return fmt.Errorf("fetch on-chain sequencer address: %w", err)
	}
	if onChainSequencer != signer.Address() {
		return fmt.Errorf("configured signer %s does not match on-chain sequencer() %s", signer.Address(), onChainSequencer)
	}

	chainDomain := chaincrypto.Domain{ChainID: cfg.ChainID, VerifyingContract: contractAddr}
	finalizer := chain.NewPerCallFinalizer(cfg.RPCURL, contractAddr, new(big.Int).SetUint64(cfg.ChainID), signer)

	opts := []voucher.Option{voucher.WithAllowReseed(cfg.Store.AllowReseed)}

	auditStore := audit.New(dbClient.Pool())
	opts = append(opts, voucher.WithAuditStore(auditStore))

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		client, err := ratelimit.NewClient(ctx, ratelimit.ClientConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			logger.Warn("redis unavailable, disabling rate-limit and live broadcast", slog.String("error", err.Error()))
		} else {
			rdb = client
			defer rdb.Close()
		}
	}

	var limiter domain.RateLimiter
	if rdb != nil && cfg.RateLimit.Enabled {
		limiter = ratelimit.New(rdb)
	}

	var wsHub *ws.Hub
	if rdb != nil {
		wsHub = ws.NewHub(rdb, logger)
		opts = append(opts, voucher.WithPublisher(wsHub))
		go func() {
			if err := wsHub.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("ws hub stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if cfg.S3.Enabled {
		s3Client, err := s3archive.New(ctx, s3archive.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			logger.Warn("s3 archive unavailable, disabling archival", slog.String("error", err.Error()))
		} else {
			opts = append(opts, voucher.WithArchiver(s3archive.NewArchiver(s3Client)))
		}
	}

	engine := voucher.New(idx, channelStore, signer, finalizer, chainDomain, logger, opts...)

	channelHandler := handler.NewChannelHandler(engine, idx, chainProvider)
	healthHandler := handler.NewHealthHandler()

	srv := server.NewServer(server.Config{
		Port:                   int(cfg.Port),
		CORSOrigins:            cfg.API.CORSOrigins,
		APIKey:                 cfg.API.APIKey,
		RateLimitEnabled:       cfg.RateLimit.Enabled,
		RateLimitRequestsPerIP: cfg.RateLimit.RequestsPerIP,
		RateLimitWindowSeconds: cfg.RateLimit.WindowSeconds,
	}, server.Handlers{Health: healthHandler, Channel: channelHandler}, limiter, wsHub, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// resolveSigner builds the sequencer's co-signing key. Three forms are
// supported for SEQUENCER_PRIVATE_KEY: when kms.key_id is configured it's
// the expected AWS KMS signer address; when SEQUENCER_KEY_PASSPHRASE is set
// it's a path to a file produced by chaincrypto.EncryptSequencerKey; and
// otherwise it's the raw hex key directly.
func resolveSigner(ctx context.Context, cfg *config.Config) (chaincrypto.Signer, error) {
	if cfg.UsesKMS() {
		expected, err := domain.ParseAddress(cfg.SequencerPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("SEQUENCER_PRIVATE_KEY must be the expected KMS signer address: %w", err)
		}
		return chaincrypto.NewKMSSigner(ctx, cfg.KMS.Region, cfg.KMS.KeyID, expected)
	}
	if cfg.UsesEncryptedKeyFile() {
		return chaincrypto.NewLocalSignerFromEncryptedFile(cfg.SequencerPrivateKey, cfg.SequencerKeyPassphrase)
	}
	return chaincrypto.NewLocalSigner(cfg.SequencerPrivateKey)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
