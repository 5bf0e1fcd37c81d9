// Package daemon wires cnectd together with fx.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/cnectd/internal/api"
	"github.com/matheus3301/cnectd/internal/auth"
	"github.com/matheus3301/cnectd/internal/bus"
	"github.com/matheus3301/cnectd/internal/config"
	"github.com/matheus3301/cnectd/internal/delivery"
	"github.com/matheus3301/cnectd/internal/instance"
	"github.com/matheus3301/cnectd/internal/lock"
	"github.com/matheus3301/cnectd/internal/logging"
	"github.com/matheus3301/cnectd/internal/metrics"
	"github.com/matheus3301/cnectd/internal/realtime"
	"github.com/matheus3301/cnectd/internal/store"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// Params holds the resolved instance settings passed to the fx module.
type Params struct {
	Instance   string
	ConfigPath string // empty = instance.ConfigPath()
	SocketPath string // optional override for testing; empty = use default
	Listen     string // overrides server.listen
	Debug      bool
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
			provideStore,
			metrics.New,
			provideVerifier,
			provideRouter,
			provideRegistry,
			provideForwarder,
			provideDelivery,
			provideHandler,
			provideAPI,
			provideHTTP,
			NewControlServer,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = instance.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, instance.EnvPath()); err != nil {
		return nil, err
	}
	if p.Listen != "" {
		cfg.Server.Listen = p.Listen
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if p.Debug {
		level = zapcore.DebugLevel
	}
	return logging.New(instance.LogPath(p.Instance), p.Instance, level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := instance.EnsureDir(p.Instance); err != nil {
		return nil, err
	}
	logger.Info("acquiring instance lock", zap.String("instance", p.Instance))
	l, err := lock.Acquire(instance.LockPath(p.Instance))
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

// provideStore depends on the lock so two daemons never migrate the same
// database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := instance.DBPath(p.Instance)
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

func provideVerifier(cfg *config.Config, db *store.DB) (*auth.Verifier, error) {
	if cfg.Server.JWTSecret == "" {
		return nil, fmt.Errorf("no signing secret: set server.jwt_secret or %s", config.EnvJWTSecret)
	}
	return auth.NewVerifier(cfg.Server.JWTSecret, db), nil
}

func provideRouter(m *metrics.Metrics, logger *zap.Logger) *realtime.Router {
	return realtime.NewRouter(m, logger.Named("router"))
}

func provideRegistry(v *auth.Verifier, db *store.DB, router *realtime.Router, m *metrics.Metrics, logger *zap.Logger) *realtime.Registry {
	return realtime.NewRegistry(v, db, router, m, logger.Named("registry"))
}

func provideForwarder(b *bus.Bus, router *realtime.Router, reg *realtime.Registry, logger *zap.Logger) *realtime.Forwarder {
	return realtime.NewForwarder(b, router, reg, 0, logger.Named("forwarder"))
}

func provideDelivery(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *delivery.Service {
	return delivery.NewService(db, b, delivery.Options{
		PageSize:    cfg.Server.PageSize,
		MaxPageSize: cfg.Server.MaxPageSize,
	}, logger.Named("delivery"))
}

func provideHandler(cfg *config.Config, reg *realtime.Registry, router *realtime.Router, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *realtime.Handler {
	return realtime.NewHandler(reg, router, b, realtime.Options{
		SendQueue:      cfg.Server.SendQueue,
		PingInterval:   time.Duration(cfg.Server.PingIntervalMS) * time.Millisecond,
		TypingRate:     rate.Limit(cfg.Server.TypingRate),
		TypingBurst:    cfg.Server.TypingBurst,
		OriginPatterns: cfg.Server.OriginPatterns,
	}, m, logger.Named("realtime"))
}

func provideAPI(svc *delivery.Service, v *auth.Verifier, db *store.DB, m *metrics.Metrics, logger *zap.Logger) *api.Server {
	return api.NewServer(svc, v, db, m, logger.Named("api"))
}

func provideHTTP(cfg *config.Config, srv *api.Server, ws *realtime.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Router(ws),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func registerLifecycle(lc fx.Lifecycle, httpSrv *http.Server, ctl *ControlServer, fwd *realtime.Forwarder, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Subscribe before accepting connections so no event is missed.
			fwd.Start()

			ln, err := net.Listen("tcp", httpSrv.Addr)
			if err != nil {
				fwd.Stop()
				return fmt.Errorf("listen %s: %w", httpSrv.Addr, err)
			}
			logger.Info("http server starting", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", zap.Error(err))
					ctl.SetServing(false)
				}
			}()

			go func() {
				if err := ctl.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()
			ctl.SetServing(true)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctl.SetServing(false)
			// Live connections are hijacked, so Shutdown does not wait on them;
			// stopping the forwarder ends their event flow.
			if err := httpSrv.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			fwd.Stop()
			ctl.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
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
