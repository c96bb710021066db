// Package daemon composes the relay: configuration, store, network
// client, cache, resolver, target registry, syncer and the control API
// server, wired together with fx and started through its lifecycle.
package daemon

import (
	"context"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/handybridge/relayd/internal/blobcache"
	"github.com/handybridge/relayd/internal/bus"
	"github.com/handybridge/relayd/internal/config"
	"github.com/handybridge/relayd/internal/lock"
	"github.com/handybridge/relayd/internal/logging"
	"github.com/handybridge/relayd/internal/netclient"
	"github.com/handybridge/relayd/internal/resolver"
	"github.com/handybridge/relayd/internal/session"
	"github.com/handybridge/relayd/internal/status"
	"github.com/handybridge/relayd/internal/store"
	"github.com/handybridge/relayd/internal/syncer"
	"github.com/handybridge/relayd/internal/target"
)

// Params holds startup overrides passed to the fx module. Empty fields
// fall back to the default data dir and the configured control address.
type Params struct {
	DataDir     string
	ControlAddr string
}

func (p Params) dataDir() string {
	if p.DataDir != "" {
		return p.DataDir
	}
	return session.BaseDir()
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideConfig,
			provideLock,
			provideStore,
			provideClient,
			provideCache,
			provideResolver,
			provideRegistry,
			provideSyncer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(filepath.Join(p.dataDir(), "logs", "relayd.log"))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := filepath.Join(p.dataDir(), "config.toml")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if p.ControlAddr != "" {
		cfg.ControlAddr = p.ControlAddr
	}
	logger.Info("config loaded",
		zap.String("path", path),
		zap.String("source", cfg.SourceURL("")),
		zap.Duration("poll_every", cfg.PollEvery.Std()))
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring daemon lock", zap.String("dir", p.dataDir()))
	l, err := lock.Acquire(p.dataDir())
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(p.dataDir(), "relay.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideClient(db *store.DB, logger *zap.Logger) *netclient.Client {
	return netclient.New(db, logger)
}

func provideCache(cfg *config.Config, db *store.DB, logger *zap.Logger) *blobcache.Cache {
	return blobcache.New(db, cfg.CacheTTL.Std(), cfg.CacheMaxEntries, logger)
}

func provideResolver(cfg *config.Config, client *netclient.Client, cache *blobcache.Cache, logger *zap.Logger) *resolver.Resolver {
	return resolver.New(client, cache, resolver.Settings{
		Timeout:     cfg.AttachmentTimeout.Std(),
		RetryLimit:  cfg.AttachmentRetryLimit,
		RetryDelay:  cfg.AttachmentRetryDelay.Std(),
		Concurrency: cfg.AttachmentConcurrency,
	}, logger)
}

func provideRegistry(cfg *config.Config, db *store.DB, client *netclient.Client, logger *zap.Logger) *target.Registry {
	return target.NewRegistry(db, client, cfg.Timeout.Std(), logger)
}

func provideSyncer(cfg *config.Config, db *store.DB, client *netclient.Client, res *resolver.Resolver,
	cache *blobcache.Cache, registry *target.Registry, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *syncer.Syncer {
	return syncer.New(cfg, db, client, res, cache, registry, machine, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, s *syncer.Syncer, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()
			s.Start()
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
