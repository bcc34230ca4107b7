// Package runtime turns configuration into a running process: it opens the
// database and Redis connections, selects store and queue backends, wires the
// engine client and event publisher, and serves HTTP.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	app "github.com/R3E-Network/prediction_layer/internal/app"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/catalog"
	"github.com/R3E-Network/prediction_layer/internal/app/events"
	kafkaevents "github.com/R3E-Network/prediction_layer/internal/app/events/kafka"
	"github.com/R3E-Network/prediction_layer/internal/app/httpapi"
	"github.com/R3E-Network/prediction_layer/internal/app/queue"
	"github.com/R3E-Network/prediction_layer/internal/app/queue/redisqueue"
	"github.com/R3E-Network/prediction_layer/internal/app/services/engine"
	"github.com/R3E-Network/prediction_layer/internal/app/services/predictions"
	"github.com/R3E-Network/prediction_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/prediction_layer/internal/config"
	"github.com/R3E-Network/prediction_layer/internal/middleware"
	"github.com/R3E-Network/prediction_layer/internal/platform/migrations"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
)

// Role selects what a process runs.
type Role string

const (
	// RoleServer serves the public API. Without Redis it also runs the
	// workers, since an in-process queue cannot be shared.
	RoleServer Role = "server"
	// RoleWorker runs the worker pool and reconciler behind an ops endpoint.
	RoleWorker Role = "worker"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	role       Role
	log        *logger.Logger
	app        *app.Application
	db         *sqlx.DB
	redis      *redis.Client
	publisher  events.Publisher
	engine     *engine.Client
	limiter    *middleware.RateLimiter
	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener
}

// NewApplication constructs the process for role from cfg.
func NewApplication(ctx context.Context, cfg *config.Config, role Role) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	}).Component(string(role))

	a := &Application{cfg: cfg, role: role, log: log}
	if err := a.build(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *Application) build(ctx context.Context) error {
	cfg := a.cfg
	var stores app.Stores

	if cfg.Database.DSN != "" {
		if cfg.Database.MigrateOnStart {
			if err := migrations.Up(cfg.Database.DSN); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
		}
		db, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		a.db = db
		store := postgres.New(db)
		stores = app.Stores{Ledger: store, Jobs: store, Catalog: store, Transactor: store}
	} else {
		a.log.Warn("DATABASE_URL not set; using in-memory stores")
	}

	var q queue.Queue
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		q = redisqueue.New(client, cfg.Queue.Name, cfg.Queue.Visibility)
	} else {
		if a.role == RoleWorker {
			a.log.Warn("REDIS_ADDR not set; worker will only see jobs admitted in this process")
		}
		q = queue.NewMemory(cfg.Queue.Visibility)
	}

	var predictor engine.Predictor
	if cfg.Engine.URL != "" {
		client, err := engine.NewClient(&http.Client{}, cfg.Engine.URL, cfg.Engine.Timeout, a.log.Component("engine-client"))
		if err != nil {
			return fmt.Errorf("configure engine client: %w", err)
		}
		a.engine = client
		predictor = client
	} else {
		a.log.Warn("PREDICTION_ENGINE_URL not set; every job uses the fallback forecast")
	}

	if brokers := cfg.Kafka.BrokerList(); len(brokers) > 0 {
		a.publisher = kafkaevents.NewPublisher(brokers)
	} else {
		a.publisher = events.NoopPublisher{}
	}

	application, err := app.New(stores, app.Options{
		Queue:     q,
		Predictor: predictor,
		Publisher: a.publisher,
		Pool: predictions.PoolConfig{
			Concurrency: cfg.Worker.Concurrency,
			Lease:       cfg.Worker.Lease,
		},
		Reconciler: predictions.ReconcilerConfig{
			Schedule:    cfg.Reconciler.Schedule,
			QueuedGrace: cfg.Reconciler.QueuedGrace,
			BatchSize:   cfg.Reconciler.BatchSize,
		},
		RunWorkers: a.role == RoleWorker || cfg.Redis.Addr == "",
	}, a.log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	a.app = application

	items, err := catalogItems(cfg.Catalog)
	if err != nil {
		return err
	}
	if err := application.Catalog.Seed(ctx, items); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}

	switch a.role {
	case RoleWorker:
		a.handler = opsHandler(application, a.engine, a.log.Component("ops"))
	default:
		if cfg.RateLimit.RequestsPerSecond > 0 {
			a.limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, a.log.Component("ratelimit")).
				WithIdleWindow(cfg.RateLimit.IdleTimeout)
			application.Attach(a.limiter)
		}
		a.handler = httpapi.NewHandler(application, a.limiter, a.log.Component("httpapi"))
	}
	return nil
}

// App exposes the wired application.
func (a *Application) App() *app.Application {
	return a.app
}

// Handler returns the HTTP handler for the role.
func (a *Application) Handler() http.Handler {
	return a.handler
}

// Addr returns the bound listener address once Run has started listening.
func (a *Application) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run starts background services and the HTTP server and blocks until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	addr := a.cfg.Server.Addr()
	if a.role == RoleWorker {
		addr = a.cfg.Server.OpsAddr()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	a.listener = ln
	a.httpServer = &http.Server{
		Handler:      a.handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", ln.Addr().String()).Info("HTTP server listening")
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server and background services and releases
// connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
	}
	if a.app != nil {
		if err := a.app.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop services: %w", err))
		}
	}
	a.closeResources()
	return errors.Join(errs...)
}

func (a *Application) closeResources() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.WithError(err).Warn("error closing event publisher")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func catalogItems(seed []config.CatalogItem) ([]catalog.Item, error) {
	items := make([]catalog.Item, 0, len(seed))
	for _, s := range seed {
		price, err := decimal.NewFromString(s.Price)
		if err != nil {
			return nil, fmt.Errorf("catalog item %s: parse price: %w", s.ID, err)
		}
		items = append(items, catalog.Item{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Price:       price,
			ModelType:   s.ModelType,
		})
	}
	return items, nil
}
