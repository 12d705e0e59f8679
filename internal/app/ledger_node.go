package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/akshatrathore1/Panacea-sub000/internal/api"
	"github.com/akshatrathore1/Panacea-sub000/internal/config"
	provcrypto "github.com/akshatrathore1/Panacea-sub000/internal/crypto"
	"github.com/akshatrathore1/Panacea-sub000/internal/logging"
	"github.com/akshatrathore1/Panacea-sub000/internal/service"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage/ledgermemory"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage/ledgerpostgres"
)

type LedgerNodeApplication struct {
	Server *http.Server
	Store  service.LedgerChain
}

func BuildLedgerNode(ctx context.Context, cfg *config.LedgerNodeConfig, logger *slog.Logger) (*LedgerNodeApplication, error) {
	signer, err := provcrypto.LoadAckSigner(cfg.Keys.SigningPrivateKeyPath, cfg.Keys.SigningPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}

	var store service.LedgerChain
	switch cfg.Storage.Driver {
	case config.StoreMemory:
		logger.Warn("using in-process ledger chain; entries are lost on restart")
		store = ledgermemory.New()
	default:
		store, err = ledgerpostgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
		if err != nil {
			return nil, fmt.Errorf("open ledger store: %w", err)
		}
	}

	svc, err := service.NewLedgerNode(service.LedgerNodeParams{
		Store:      store,
		Signer:     signer,
		WriteToken: cfg.Security.WriteToken,
		Service:    cfg.Logging.Service,
		Version:    cfg.Logging.Version,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build ledger node service: %w", err)
	}
	logger.Info("ledger node ready", slog.String("kid", signer.KeyID), slog.String("storage", cfg.Storage.Driver))

	handler := api.NewLedgerNodeHandler(svc, cfg.Server.MaxBodyBytes)
	env := logging.Environment{
		Service: cfg.Logging.Service,
		Version: cfg.Logging.Version,
		Commit:  cfg.Logging.Commit,
		Region:  cfg.Logging.Region,
	}
	root := logging.Middleware(logger, env)(handler.Router())

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return &LedgerNodeApplication{Server: server, Store: store}, nil
}

func (a *LedgerNodeApplication) Shutdown(ctx context.Context) error {
	defer a.Store.Close()
	return a.Server.Shutdown(ctx)
}
