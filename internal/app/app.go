// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. connectKV    — the Redis-compatible store backing budget + accounting state
//  2. authenticate — AppRole login to the secret store, once for the process
//  3. build        — Pipeline + HTTP server on top of both
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/coreason/egress-gateway/internal/accounting"
	"github.com/coreason/egress-gateway/internal/budget"
	"github.com/coreason/egress-gateway/internal/config"
	"github.com/coreason/egress-gateway/internal/modelrouter"
	"github.com/coreason/egress-gateway/internal/proxy"
	"github.com/coreason/egress-gateway/internal/secrets"
)

// App owns every process-wide resource: the KV client, the authenticated
// secret-store client, and the HTTP server built on top of them. Provider
// credentials and upstream clients are per-request and live only inside
// Pipeline.Handle — App never touches them directly.
type App struct {
	cfg *config.Config
	log *slog.Logger

	rdb        *redis.Client
	secretMgr  *secrets.Provider
	accounting *accounting.Manager
	server     *proxy.Server
}

// New runs staged initialisation and returns a ready-to-run App. Resources
// allocated here are released by Close; when a stage fails, New releases what
// it had already allocated before returning the error.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	rdb, err := connectKV(ctx, cfg.KVURL)
	if err != nil {
		return nil, fmt.Errorf("app: connect kv store: %w", err)
	}

	secretMgr := secrets.New(cfg.SecretStoreAddr)
	if err := secretMgr.Login(ctx, cfg.SecretStoreRoleID, cfg.SecretStoreSecretID); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("app: authenticate to secret store: %w", err)
	}

	budgetMgr := budget.New(rdb, cfg.BudgetCheckTimeout)
	acctMgr := accounting.New(ctx, budgetMgr, log)

	router := modelrouter.Default(
		modelrouter.Descriptor{ProviderID: "openai", SecretPath: "secret/infrastructure/openai", BaseURL: cfg.OpenAIBaseURL},
		modelrouter.Descriptor{ProviderID: "anthropic", SecretPath: "secret/infrastructure/anthropic", BaseURL: cfg.AnthropicBaseURL},
	)

	pipeline := proxy.New(router, budgetMgr, secretMgr, acctMgr, cfg.GatewayToken, log)
	server := proxy.NewServer(pipeline, log)
	server.MarkReady()

	return &App{
		cfg:        cfg,
		log:        log,
		rdb:        rdb,
		secretMgr:  secretMgr,
		accounting: acctMgr,
		server:     server,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// itself fails.
func (a *App) Run(ctx context.Context) error {
	addr := ":" + strconv.Itoa(a.cfg.Port)
	a.log.Info("starting gateway", slog.String("addr", addr))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.Start(addr); err != nil {
			return fmt.Errorf("app: server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutdown signal received")
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call more than
// once.
func (a *App) Close() {
	if a.accounting != nil {
		a.accounting.Close()
		a.accounting = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("kv store close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectKV parses the URL and verifies connectivity with a PING.
func connectKV(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse kv url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping kv store: %w", err)
	}
	return rdb, nil
}
