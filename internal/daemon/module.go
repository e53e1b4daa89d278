package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/formachat/internal/api"
	"github.com/matheus3301/formachat/internal/bus"
	"github.com/matheus3301/formachat/internal/config"
	"github.com/matheus3301/formachat/internal/credstore"
	"github.com/matheus3301/formachat/internal/history"
	"github.com/matheus3301/formachat/internal/live"
	"github.com/matheus3301/formachat/internal/lock"
	"github.com/matheus3301/formachat/internal/logging"
	"github.com/matheus3301/formachat/internal/session"
	intsync "github.com/matheus3301/formachat/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideDB,
			provideCredentials,
			provideLoader,
			provideChannelFactory,
			provideEngine,
			NewSession,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Resolve(session.ConfigPath(), session.EnvPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideDB depends on the lock so the database is never opened by two daemons.
func provideDB(p Params, _ *lock.Lock, logger *zap.Logger) (*credstore.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := credstore.Open(dbPath)
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

func provideCredentials(db *credstore.DB) (*credstore.Store, error) {
	return credstore.New(db)
}

func provideLoader(cfg *config.Config, creds *credstore.Store, logger *zap.Logger) intsync.Loader {
	return history.New(history.Options{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.RequestTimeout.Duration,
		Token:   creds.Token,
		Logger:  logger.Named("history"),
	})
}

func provideChannelFactory(cfg *config.Config, b *bus.Bus, logger *zap.Logger) intsync.ChannelFactory {
	dialer := live.NewWSDialer(cfg.Backend.RequestTimeout.Duration)
	return func(h live.Handler) intsync.Channel {
		return live.New(live.Options{
			URL:      cfg.PushURL(),
			Attempts: cfg.Live.ReconnectAttempts,
			Backoff:  cfg.Live.ReconnectBackoff.Duration,
			Dialer:   dialer,
			Bus:      b,
			Logger:   logger.Named("live"),
		}, h)
	}
}

func provideEngine(cfg *config.Config, loader intsync.Loader, factory intsync.ChannelFactory, creds *credstore.Store, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(intsync.Options{
		Loader:       loader,
		NewChannel:   factory,
		Credentials:  creds,
		Bus:          b,
		Logger:       logger.Named("sync"),
		TypingExpiry: cfg.Live.TypingExpiry.Duration,
		BannerTTL:    cfg.Notice.BannerTTL.Duration,
		OnAuthFailure: func(err error) {
			if cerr := creds.Clear(); cerr != nil {
				logger.Error("clearing rejected credentials", zap.Error(cerr))
				return
			}
			logger.Info("credentials cleared, login required", zap.Error(err))
		},
	})
}

func provideService(p Params, engine *intsync.Engine, sess *Session, logger *zap.Logger) *api.Service {
	return api.NewService(p.SessionName, engine, sess, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *credstore.DB, sess *Session, engine *intsync.Engine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Resume outlives the start hook's deadline.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Backend.RequestTimeout.Duration+time.Second)
				defer cancel()
				sess.Resume(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			engine.Stop()
			// Closing the bus ends open Watch streams before the graceful stop.
			b.Close()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing database", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
