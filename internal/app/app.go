package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/akshatrathore1/Panacea-sub000/internal/api"
	"github.com/akshatrathore1/Panacea-sub000/internal/config"
	provcrypto "github.com/akshatrathore1/Panacea-sub000/internal/crypto"
	"github.com/akshatrathore1/Panacea-sub000/internal/ledger"
	"github.com/akshatrathore1/Panacea-sub000/internal/lock"
	"github.com/akshatrathore1/Panacea-sub000/internal/logging"
	"github.com/akshatrathore1/Panacea-sub000/internal/otp"
	"github.com/akshatrathore1/Panacea-sub000/internal/service"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage/badgerstore"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage/memory"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage/postgres"
	"github.com/akshatrathore1/Panacea-sub000/internal/telemetry"
)

type Application struct {
	Server  *http.Server
	Store   storage.Store
	Metrics *telemetry.Metrics
	Resync  *service.Resyncer

	resyncInterval time.Duration
	resyncEnabled  bool
	logger         *slog.Logger
	closers        []func()
	stopResync     context.CancelFunc
	resyncDone     chan struct{}
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	a := &Application{
		resyncInterval: time.Duration(cfg.Resync.IntervalSeconds) * time.Second,
		resyncEnabled:  *cfg.Resync.Enabled,
		logger:         logger,
	}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	keys, err := provcrypto.LoadKeyring(cfg.Keys.KeyringPath)
	if err != nil {
		return nil, fmt.Errorf("load keyring: %w", err)
	}

	metrics, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Logging.Service,
		ServiceVersion: cfg.Logging.Version,
		ExportInterval: time.Duration(cfg.Telemetry.ExportIntervalSeconds) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("start telemetry: %w", err)
	}
	a.Metrics = metrics
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	})

	store, pgStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	ledgerClient, err := openLedger(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	locker, attempts, err := openCoordination(ctx, cfg, pgStore, a)
	if err != nil {
		return nil, err
	}

	batches, err := service.NewBatches(service.BatchParams{
		Store:         store,
		Ledger:        ledgerClient,
		Keys:          keys,
		BatchIDPrefix: cfg.Transfer.BatchIDPrefix,
		Metrics:       metrics,
		Logger:        logger,
		ServiceName:   cfg.Logging.Service,
		Version:       cfg.Logging.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("build batch service: %w", err)
	}
	reconcile, err := service.NewReconcile(service.ReconcileParams{
		Store:       store,
		Ledger:      ledgerClient,
		Metrics:     metrics,
		Logger:      logger,
		MatchWindow: time.Duration(cfg.Transfer.MatchWindowSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("build reconcile service: %w", err)
	}
	transfers, err := service.NewTransfer(service.TransferParams{
		Store:      store,
		Ledger:     ledgerClient,
		Keys:       keys,
		Locker:     locker,
		Attempts:   attempts,
		Reconciler: reconcile,
		Metrics:    metrics,
		Logger:     logger,
		Config: service.TransferConfig{
			OTPTTL:         time.Duration(cfg.Transfer.OTPTTLSeconds) * time.Second,
			MaxOTPAttempts: cfg.Transfer.MaxOTPAttempts,
			SubmitTimeout:  time.Duration(cfg.Transfer.SubmitTimeoutSeconds) * time.Second,
			ConfirmRate:    rate.Limit(cfg.Transfer.ConfirmPerSecond),
			ConfirmBurst:   cfg.Transfer.ConfirmBurst,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build transfer service: %w", err)
	}
	a.Resync, err = service.NewResyncer(service.ResyncParams{
		Store:      store,
		Reconciler: reconcile,
		Metrics:    metrics,
		BatchSize:  cfg.Resync.BatchSize,
		MaxBackoff: time.Duration(cfg.Resync.MaxBackoffSeconds) * time.Second,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build resync worker: %w", err)
	}

	handler := api.NewHandler(api.HandlerParams{
		Batches:      batches,
		Reconcile:    reconcile,
		Transfers:    transfers,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	var mws []func(http.Handler) http.Handler
	if *cfg.Security.EnableIPAllow {
		mw, err := api.IPAllowListMiddleware(cfg.Security.TrustedCIDRs)
		if err != nil {
			return nil, fmt.Errorf("configure ip allow list: %w", err)
		}
		mws = append(mws, mw)
	}
	mws = append(mws, api.RateLimitMiddleware(cfg.Security.RatePerSecond, cfg.Security.RateBurst, 0))
	if *cfg.Security.EnableBearerAuth {
		mws = append(mws, api.BearerAuthMiddleware(cfg.Security.BearerToken))
	}
	router := api.Chain(handler.Router(), mws...)

	env := logging.Environment{
		Service: cfg.Logging.Service,
		Version: cfg.Logging.Version,
		Commit:  cfg.Logging.Commit,
		Region:  cfg.Logging.Region,
	}
	root := logging.Middleware(logger, env)(router)

	a.Server = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	ok = true
	return a, nil
}

// openStore returns the projection store and, for the postgres driver, the
// concrete store so lease and attempt tables can share its pool.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, *postgres.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorePostgres:
		store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, store, nil
	case config.StoreBadger:
		store, err := badgerstore.Open(cfg.Storage.BadgerDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger store: %w", err)
		}
		return store, nil, nil
	case config.StoreMemory:
		return memory.New(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

func openLedger(ctx context.Context, cfg *config.Config, a *Application) (ledger.Client, error) {
	switch cfg.Ledger.Driver {
	case config.LedgerNode:
		pub, err := provcrypto.LoadPublicKey(cfg.Ledger.Node.AckPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load ledger ack key: %w", err)
		}
		client, err := ledger.NewNodeClient(ledger.NodeConfig{
			URL:          cfg.Ledger.Node.URL,
			WriteToken:   cfg.Ledger.Node.WriteToken,
			Timeout:      time.Duration(cfg.Ledger.Node.TimeoutSeconds) * time.Second,
			AckPublicKey: pub,
			AckKeyID:     cfg.Ledger.Node.AckKeyID,
		})
		if err != nil {
			return nil, fmt.Errorf("build ledger node client: %w", err)
		}
		return client, nil
	case config.LedgerEVM:
		client, err := ledger.DialEVM(ctx, ledger.EVMConfig{
			RPCURL:          cfg.Ledger.EVM.RPCURL,
			ContractAddress: cfg.Ledger.EVM.ContractAddress,
			ChainID:         cfg.Ledger.EVM.ChainID,
			FromBlock:       cfg.Ledger.EVM.FromBlock,
			ReceiptTimeout:  time.Duration(cfg.Ledger.EVM.ReceiptTimeoutSeconds) * time.Second,
			GasLimit:        cfg.Ledger.EVM.GasLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("dial evm ledger: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return client, nil
	case config.LedgerMemory:
		a.logger.Warn("using in-process ledger; ownership is not durable")
		return ledger.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Ledger.Driver)
	}
}

// openCoordination builds the per-batch lease and the pending attempt store.
// Both live in the same backend so a lease and its attempt expire together.
func openCoordination(ctx context.Context, cfg *config.Config, pgStore *postgres.Store, a *Application) (lock.Locker, otp.Store, error) {
	switch cfg.Lock.Driver {
	case config.LockRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return lock.NewRedisWithClient(client, cfg.Lock.KeyPrefix+"lease:"),
			otp.NewRedisStore(client, cfg.Lock.KeyPrefix+"otp:"), nil
	case config.LockPostgres:
		if pgStore == nil {
			return nil, nil, errors.New("postgres lock driver requires the postgres store")
		}
		return lock.NewPostgres(pgStore.Pool(), cfg.Lock.KeyPrefix+"lease:"), otp.NewPostgresStore(pgStore.Pool()), nil
	case config.LockLocal:
		return lock.NewLocal(), otp.NewMemoryStore(), nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock driver %q", cfg.Lock.Driver)
	}
}

// Start launches the background resync worker.
func (a *Application) Start(ctx context.Context) {
	if !a.resyncEnabled || a.Resync == nil {
		return
	}
	ctx, a.stopResync = context.WithCancel(ctx)
	a.resyncDone = make(chan struct{})
	go func() {
		defer close(a.resyncDone)
		if err := a.Resync.Run(ctx, a.resyncInterval); err != nil {
			a.logger.Error("resync worker stopped", slog.String("error", err.Error()))
		}
	}()
}

func (a *Application) Shutdown(ctx context.Context) error {
	defer a.close()
	err := a.Server.Shutdown(ctx)
	if a.stopResync != nil {
		a.stopResync()
		select {
		case <-a.resyncDone:
		case <-ctx.Done():
		}
	}
	return err
}

func (a *Application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
