package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"lmsoauth/clients"
	"lmsoauth/dpop"
	"lmsoauth/flow"
	"lmsoauth/keys"
	"lmsoauth/storage"
	"lmsoauth/storage/memory"
	"lmsoauth/storage/sqlstore"
	"lmsoauth/tokens"
)

type healthCheck struct {
	name  string
	check func(context.Context) error
}

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     storage.Store
	Keys      *keys.Manager
	Clients   *clients.Registry
	Tokens    *tokens.Service
	DPoP      *dpop.Validator
	Flow      *flow.Authorizer
	Users     UserResolver
	Directory UserDirectory
	Metrics   *Metrics

	replay  dpop.ReplayCache
	health  []healthCheck
	closers []func() error

	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewApp wires together the application state from configuration. The
// caller must Close the App; background work begins with Start.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, stop: make(chan struct{})}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Store, err = openStore(ctx, cfg.Storage, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Store.Close)
	a.health = append(a.health, healthCheck{name: "storage", check: a.Store.Ping})

	var keyStore keys.KeyStore = keys.StorageKeyStore{Store: a.Store}
	if cfg.Keys.JWKSPath != "" {
		path := cfg.Keys.JWKSPath
		if !filepath.IsAbs(path) && cfg.Server.SecretsPath != "" {
			path = filepath.Join(cfg.Server.SecretsPath, path)
		}
		keyStore = &keys.FileStore{Path: path}
	}
	a.Keys, err = keys.NewManager(ctx, keys.Config{
		Bits:        cfg.Keys.Bits,
		RotateEvery: cfg.Keys.RotateEvery,
		Grace:       cfg.KeyGrace(),
		Store:       keyStore,
	}, logger.With("component", "keys"))
	if err != nil {
		return nil, fmt.Errorf("init signing keys: %w", err)
	}

	if a.replay, err = a.openReplayCache(ctx); err != nil {
		return nil, err
	}
	a.DPoP = dpop.NewValidator(dpop.Config{
		AllowedAlgs: cfg.DPoP.Algs,
		Skew:        cfg.DPoP.Skew,
		MaxAge:      cfg.DPoP.MaxAge,
	}, a.replay)

	policy, err := clients.NewScopePolicy(cfg.Scopes)
	if err != nil {
		return nil, fmt.Errorf("scopes: %w", err)
	}
	a.Clients, err = clients.NewRegistry(cfg.OAuth2Clients, policy)
	if err != nil {
		return nil, fmt.Errorf("oauth2_clients: %w", err)
	}
	if err := a.Clients.Sync(ctx, a.Store); err != nil {
		return nil, fmt.Errorf("sync clients: %w", err)
	}
	n, err := a.Clients.Load(ctx, a.Store)
	if err != nil {
		logger.Warn("some stored clients were skipped", "error", err)
	}
	logger.Info("clients loaded", "configured", len(cfg.OAuth2Clients), "stored", n)

	a.Tokens = tokens.NewService(tokens.Config{
		Issuer:     cfg.Issuer(),
		AccessTTL:  cfg.Tokens.AccessTTL,
		RefreshTTL: cfg.Tokens.RefreshTTL,
		IDTokenTTL: cfg.Tokens.IDTokenTTL,
	}, a.Store, a.Keys, logger.With("component", "tokens"))

	a.Flow = flow.NewAuthorizer(flow.Config{CodeTTL: cfg.Tokens.CodeTTL}, a.Clients, a.Store, a.Tokens, a.DPoP, logger.With("component", "flow"))

	a.Users = HeaderUserResolver{Header: cfg.Server.UserHeader, DevUser: cfg.Server.DevUser, DevMode: cfg.Server.DevMode}
	a.Directory = NewStaticDirectory(cfg.Users)
	if cfg.Server.Metrics {
		a.Metrics = NewMetrics()
	}

	return a, nil
}

func openStore(ctx context.Context, cfg StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "", StorageMemory:
		logger.Info("storage ready", "driver", StorageMemory)
		return memory.New(), nil
	case StorageSQLite, StoragePostgres:
		s, err := sqlstore.Open(ctx, sqlstore.Options{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			Logger:          logger.With("component", "storage"),
		})
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func (a *App) openReplayCache(ctx context.Context) (dpop.ReplayCache, error) {
	switch a.Config.DPoP.Replay {
	case ReplayRedis:
		opts, err := redis.ParseURL(a.Config.DPoP.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("dpop.redis_url: %w", err)
		}
		rc := dpop.NewRedisReplayCache(redis.NewClient(opts), "lmsoauth:dpop:")
		a.closers = append(a.closers, rc.Close)
		if err := rc.Ping(ctx); err != nil {
			return nil, err
		}
		a.health = append(a.health, healthCheck{name: "replay_cache", check: rc.Ping})
		return rc, nil
	default:
		mc := dpop.NewMemoryReplayCache(nil)
		a.closers = append(a.closers, mc.Close)
		return mc, nil
	}
}

// Start launches key rotation, the replay cache sweeper and the purge of
// expired codes and tokens. It returns immediately.
func (a *App) Start() {
	a.startOnce.Do(func() {
		rotation := a.Keys.StartRotation(a.stop)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			<-rotation
		}()

		if mc, ok := a.replay.(*dpop.MemoryReplayCache); ok {
			mc.StartSweeper(a.DPoP.ReplayWindow())
		}

		every := a.Config.Storage.PurgeEvery
		if every <= 0 {
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					a.purge()
				case <-a.stop:
					return
				}
			}
		}()
	})
}

// purge drops codes and tokens that expired long enough ago that no replay
// detection depends on them anymore.
func (a *App) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := time.Now().Add(-a.Config.Tokens.CodeTTL)
	n, err := a.Store.Purge(ctx, cutoff)
	if err != nil {
		a.Logger.Error("purge expired records", "error", err)
		return
	}
	if n > 0 {
		a.Logger.Info("purged expired records", "count", n)
	}
}

// Close stops background work and releases the store and caches.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		close(a.stop)
		a.wg.Wait()
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
