// Package app wires the recoverability engine into a running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	recoverability "github.com/DarlingtonDeveloper/swarm-recoverability"
	"github.com/DarlingtonDeveloper/swarm-recoverability/internal/config"
)

// App owns the service's connections, the engine and its HTTP servers.
type App struct {
	cfg    *config.AppConfig
	logger *slog.Logger

	db  *pgxpool.Pool
	nc  *nats.Conn
	rdb *redis.Client

	proc  *recoverability.Processor
	coord *recoverability.Coordinator
	sub   *nats.Subscription

	server        *http.Server
	metricsServer *http.Server
}

// New connects to Postgres, NATS and optionally Redis, applies migrations
// and assembles the engine.
func New(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	db, err := ConnectDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db

	if err := recoverability.Migrate(ctx, db); err != nil {
		a.Close()
		return nil, err
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("recoverd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("app: nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("app: nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	a.nc = nc

	var transport recoverability.Transport = recoverability.NewNATSTransport(nc)
	if cfg.NATS.JetStream {
		js, err := recoverability.NewJetStreamTransport(nc)
		if err != nil {
			a.Close()
			return nil, err
		}
		transport = js
	}

	classifier, err := recoverability.NewClassifierFromNames(cfg.Engine.Classifiers)
	if err != nil {
		a.Close()
		return nil, err
	}

	engineCfg := cfg.Engine.Recoverability()
	store := recoverability.NewStore(db)
	notifier := recoverability.NewNATSNotifier(nc, cfg.NATS.EventPrefix)
	clock := recoverability.SystemClock{}
	index := recoverability.NewGroupIndex(store, classifier, notifier, clock, engineCfg)

	opts := []recoverability.Option{
		recoverability.WithNotifier(notifier),
		recoverability.WithClock(clock),
		recoverability.WithReplicaID(cfg.Engine.ReplicaID),
	}
	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.rdb = redis.NewClient(ropts)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		sink := recoverability.NewRedisProgressSink(a.rdb, cfg.Redis.KeyPrefix, cfg.Redis.ProgressTTL)
		opts = append(opts, recoverability.WithProgressSink(sink))
		logger.Info("app: redis progress sink enabled", "prefix", cfg.Redis.KeyPrefix)
	}

	a.coord = recoverability.NewCoordinator(store, index, transport, engineCfg, opts...)
	a.proc = recoverability.NewProcessor(index)

	api := recoverability.NewHandler(a.coord, index, store).Routes()
	router := newRouter(logger, api, a.readinessChecks())

	a.server = &http.Server{
		Addr:         hostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:        hostPort(cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:     metricsRouter,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	return a, nil
}

func (a *App) readinessChecks() []readinessCheck {
	checks := []readinessCheck{
		{name: "database", check: a.db.Ping},
		{name: "nats", check: func(context.Context) error {
			if !a.nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}},
	}
	if a.rdb != nil {
		checks = append(checks, readinessCheck{name: "redis", check: func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		}})
	}
	return checks
}

// Run resumes unfinished operations, subscribes to ingest events and serves
// HTTP until ctx is cancelled, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	if err := a.coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	sub, err := recoverability.Subscribe(a.nc, a.cfg.NATS.SubjectPrefix, a.cfg.NATS.QueueGroup, a.proc)
	if err != nil {
		_ = a.coord.Stop(context.Background())
		return err
	}
	a.sub = sub
	a.logger.Info("app: subscribed",
		"subject", sub.Subject,
		"queue", a.cfg.NATS.QueueGroup,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("app: starting server", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.Info("app: starting metrics server", "addr", a.metricsServer.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *App) shutdown() error {
	a.logger.Info("app: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.sub != nil {
		if err := a.sub.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain subscription: %w", err))
		}
	}
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	if err := a.coord.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop coordinator: %w", err))
	}
	if err := a.metricsServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases the connections. Safe to call on a partly built App.
func (a *App) Close() {
	if a.nc != nil {
		a.nc.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func hostPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
