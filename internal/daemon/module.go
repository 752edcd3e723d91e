// Package daemon wires relayd's components into an fx application.
package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/nats-io/nats.go"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/wpp-relay/internal/bus"
	"github.com/matheus3301/wpp-relay/internal/config"
	"github.com/matheus3301/wpp-relay/internal/fanout"
	"github.com/matheus3301/wpp-relay/internal/gateway"
	"github.com/matheus3301/wpp-relay/internal/httpapi"
	"github.com/matheus3301/wpp-relay/internal/identity"
	"github.com/matheus3301/wpp-relay/internal/inbox"
	"github.com/matheus3301/wpp-relay/internal/ingest"
	"github.com/matheus3301/wpp-relay/internal/lock"
	"github.com/matheus3301/wpp-relay/internal/logging"
	"github.com/matheus3301/wpp-relay/internal/metrics"
	"github.com/matheus3301/wpp-relay/internal/outbound"
	"github.com/matheus3301/wpp-relay/internal/status"
	"github.com/matheus3301/wpp-relay/internal/store"
	"github.com/matheus3301/wpp-relay/internal/task"
)

// Params holds the loaded configuration passed to the fx module.
type Params struct {
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideResolver,
			provideGateways,
			provideRunner,
			provideHub,
			providePipeline,
			provideSender,
			provideInbox,
			provideHTTPServer,
			provideNATS,
			NewControlServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.Config.LogPath(), p.Config.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New(bus.WithDropHook(func(evt bus.Event) {
		metrics.EventsDropped.WithLabelValues(evt.Kind).Inc()
	}))
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", p.Config.DataDir))
	l, err := lock.Acquire(p.Config.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two
// daemons at once.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.Config.DBPath()
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
	if err := seedAccounts(context.Background(), db, p.Config.Accounts); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store initialized",
		zap.String("path", dbPath),
		zap.Int("accounts", len(p.Config.Accounts)))
	return db, nil
}

func seedAccounts(ctx context.Context, db *store.DB, accounts []config.AccountConfig) error {
	for _, a := range accounts {
		if err := db.UpsertAccount(ctx, &store.Account{ID: a.ID, Instance: a.Instance, Name: a.Name}); err != nil {
			return err
		}
	}
	return nil
}

func provideResolver(p Params, db *store.DB, logger *zap.Logger) (identity.Resolver, error) {
	return identity.NewPersistentResolver(context.Background(), p.Config.Identity.CacheSize, db, logger)
}

// provideGateways registers a dedicated client for every account that
// overrides the gateway URL or key; the rest share the default client.
func provideGateways(p Params, logger *zap.Logger) *gateway.Registry {
	g := p.Config.Gateway
	opts := gateway.Options{
		BaseURL:       g.BaseURL,
		APIKey:        g.APIKey,
		Timeout:       g.Timeout.Duration,
		RatePerSecond: g.RatePerSecond,
		Burst:         g.Burst,
		Logger:        logger,
	}
	reg := gateway.NewRegistry(gateway.NewHTTPClient(opts))
	for _, a := range p.Config.Accounts {
		if a.BaseURL == "" && a.APIKey == "" {
			continue
		}
		o := opts
		if a.BaseURL != "" {
			o.BaseURL = a.BaseURL
		}
		if a.APIKey != "" {
			o.APIKey = a.APIKey
		}
		o.Logger = logger.With(zap.String("account", a.ID))
		reg.Register(a.ID, gateway.NewHTTPClient(o))
	}
	return reg
}

func provideRunner(p Params, logger *zap.Logger) *task.Runner {
	return task.NewRunner(p.Config.Tasks.Workers, p.Config.Tasks.Timeout.Duration, logger)
}

func provideHub(p Params, b *bus.Bus, logger *zap.Logger) *fanout.Hub {
	return fanout.NewHub(b, p.Config.Fanout.ActiveTTL.Duration, logger)
}

func providePipeline(db *store.DB, r identity.Resolver, reg *gateway.Registry, hub *fanout.Hub, b *bus.Bus, runner *task.Runner, logger *zap.Logger) *ingest.Pipeline {
	return ingest.NewPipeline(ingest.Deps{
		DB:       db,
		Resolver: r,
		Gateways: reg,
		Activity: hub,
		Bus:      b,
		Tasks:    runner,
		Logger:   logger,
	})
}

func provideSender(p Params, db *store.DB, reg *gateway.Registry, b *bus.Bus, runner *task.Runner, logger *zap.Logger) *outbound.Sender {
	return outbound.NewSender(outbound.Deps{
		DB:              db,
		Gateways:        reg,
		Bus:             b,
		Tasks:           runner,
		Logger:          logger,
		DispatchTimeout: p.Config.Gateway.Timeout.Duration,
	})
}

func provideInbox(db *store.DB, reg *gateway.Registry, b *bus.Bus, logger *zap.Logger) *inbox.Service {
	return inbox.NewService(inbox.Deps{DB: db, Gateways: reg, Bus: b, Logger: logger})
}

type routerIn struct {
	fx.In

	Params   Params
	DB       *store.DB
	Pipeline *ingest.Pipeline
	Sender   *outbound.Sender
	Inbox    *inbox.Service
	Hub      *fanout.Hub
	Machine  *status.Machine
	Logger   *zap.Logger
}

func provideHTTPServer(in routerIn) *http.Server {
	cfg := in.Params.Config.HTTP
	return &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewRouter(httpapi.Options{
			DB:          in.DB,
			Pipeline:    in.Pipeline,
			Sender:      in.Sender,
			Inbox:       in.Inbox,
			Hub:         in.Hub,
			Ready:       in.Machine.Ready,
			CORSOrigins: cfg.CORSOrigins,
			RateLimit:   cfg.RateLimit,
			Logger:      in.Logger,
		}),
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: cfg.WriteTimeout.Duration,
	}
}

// natsOut is empty when no NATS URL is configured.
type natsOut struct {
	fx.Out

	Conn      *nats.Conn
	Forwarder *fanout.Forwarder
}

func provideNATS(p Params, b *bus.Bus, logger *zap.Logger) (natsOut, error) {
	f := p.Config.Fanout
	if f.NATSURL == "" {
		return natsOut{}, nil
	}
	nc, err := fanout.ConnectNATS(f.NATSURL, logger)
	if err != nil {
		return natsOut{}, err
	}
	logger.Info("nats connected", zap.String("url", nc.ConnectedUrl()))
	return natsOut{Conn: nc, Forwarder: fanout.NewForwarder(nc, f.SubjectPrefix, b, logger)}, nil
}

type lifecycleIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Params    Params
	Control   *ControlServer
	HTTP      *http.Server
	Lock      *lock.Lock
	DB        *store.DB
	Hub       *fanout.Hub
	Pipeline  *ingest.Pipeline
	Sender    *outbound.Sender
	Runner    *task.Runner
	Machine   *status.Machine
	NATS      *nats.Conn
	Forwarder *fanout.Forwarder
	Logger    *zap.Logger
}

func registerLifecycle(in lifecycleIn) {
	logger := in.Logger
	in.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if in.Forwarder != nil {
				in.Forwarder.Start(context.Background())
			}
			go reportTaskFailures(in.Runner.Errors(), logger)

			// Start gRPC server in background.
			go func() {
				if err := in.Control.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			accounts, err := in.DB.ListAccounts(ctx)
			if err != nil {
				_ = in.Machine.Transition(status.Error)
				return err
			}
			// Before serving, so no send of this process is mistaken for a leftover.
			for _, a := range accounts {
				if _, err := in.Sender.RecoverInterrupted(ctx, a.ID); err != nil {
					logger.Warn("outbox recovery failed", zap.String("account", a.ID), zap.Error(err))
				}
			}

			ln, err := net.Listen("tcp", in.HTTP.Addr)
			if err != nil {
				_ = in.Machine.Transition(status.Error)
				return err
			}
			go func() {
				logger.Info("http server starting", zap.String("addr", ln.Addr().String()))
				if err := in.HTTP.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", zap.Error(err))
					_ = in.Machine.Transition(status.Error)
				}
			}()

			scheduleReconcile(accounts, in.Pipeline, in.Runner)
			return in.Machine.Transition(status.Ready)
		},
		OnStop: func(ctx context.Context) error {
			_ = in.Machine.Transition(status.Draining)
			if err := in.HTTP.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			in.Hub.Close()
			if err := in.Runner.Stop(ctx); err != nil {
				logger.Warn("background tasks abandoned", zap.Error(err))
			}
			if in.Forwarder != nil {
				in.Forwarder.Stop()
			}
			if in.NATS != nil {
				if err := in.NATS.Drain(); err != nil {
					logger.Warn("nats drain", zap.Error(err))
				}
			}
			in.Control.Stop(ctx)
			if err := in.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

// reportTaskFailures logs background task failures until the runner stops.
func reportTaskFailures(failures <-chan task.Failure, logger *zap.Logger) {
	for f := range failures {
		logger.Warn("background task failed", zap.String("task", f.Name), zap.Error(f.Err))
	}
}

// scheduleReconcile queues an identity reconciliation for every account.
func scheduleReconcile(accounts []store.Account, p *ingest.Pipeline, runner *task.Runner) {
	for _, a := range accounts {
		id := a.ID
		runner.Go("reconcile", func(ctx context.Context) error {
			_, err := p.Reconcile(ctx, id)
			return err
		})
	}
}
