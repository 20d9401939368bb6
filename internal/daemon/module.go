// Package daemon composes the engine's components into a running process.
package daemon

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/andepants/courier/internal/bus"
	"github.com/andepants/courier/internal/config"
	"github.com/andepants/courier/internal/connectivity"
	"github.com/andepants/courier/internal/engine"
	"github.com/andepants/courier/internal/lock"
	"github.com/andepants/courier/internal/logging"
	"github.com/andepants/courier/internal/presence"
	"github.com/andepants/courier/internal/remote"
	"github.com/andepants/courier/internal/session"
	"github.com/andepants/courier/internal/store"
	intsync "github.com/andepants/courier/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideMonitor,
			provideRemote,
			provideCoordinator,
			provideListener,
			provideTracker,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// First run: defaults only.
			return &config.Config{}, nil
		}
		return nil, err
	}
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.StoreDBPath(p.SessionName)
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

func provideMonitor(b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(b, logger)
}

func provideRemote(cfg *config.Config, logger *zap.Logger) (*remote.Client, remote.Service) {
	client := remote.NewClient(cfg.RemoteURL, cfg.AuthToken, logger)
	return client, client
}

func provideCoordinator(db *store.DB, svc remote.Service, monitor *connectivity.Monitor, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *intsync.Coordinator {
	return intsync.NewCoordinator(db, svc, monitor, b, logger, intsync.Settings{
		Workers:      cfg.SyncWorkers,
		MaxAttempts:  cfg.MaxSyncAttempts,
		AllowMetered: cfg.AllowMeteredSync,
	})
}

func provideListener(db *store.DB, svc remote.Service, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *intsync.Listener {
	return intsync.NewListener(db, svc, b, logger, cfg.UserID)
}

func provideTracker(svc remote.Service, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *presence.Tracker {
	return presence.NewTracker(svc, b, logger, cfg.UserID)
}

func provideEngine(db *store.DB, b *bus.Bus, logger *zap.Logger, monitor *connectivity.Monitor, coord *intsync.Coordinator, listener *intsync.Listener, tracker *presence.Tracker, cfg *config.Config) *engine.Engine {
	return engine.New(db, b, logger, monitor, coord, listener, tracker, cfg.UserID)
}

func registerLifecycle(lc fx.Lifecycle, eng *engine.Engine, coord *intsync.Coordinator, client *remote.Client, db *store.DB, lk *lock.Lock, monitor *connectivity.Monitor, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			coord.Start(context.Background())

			// A freshly launched daemon is in the foreground until the
			// platform shell says otherwise: open the feed, go online,
			// drain whatever queued while we were down.
			eng.OnForeground(context.Background())

			// Until a platform adapter reports real link state, assume an
			// unmetered reachable network.
			monitor.Update(connectivity.Snapshot{Reachable: true})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			eng.Shutdown(shutdownCtx)
			client.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
