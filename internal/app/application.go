package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/prediction_layer/internal/app/events"
	"github.com/R3E-Network/prediction_layer/internal/app/queue"
	"github.com/R3E-Network/prediction_layer/internal/app/services/admission"
	"github.com/R3E-Network/prediction_layer/internal/app/services/catalog"
	"github.com/R3E-Network/prediction_layer/internal/app/services/engine"
	"github.com/R3E-Network/prediction_layer/internal/app/services/ledger"
	"github.com/R3E-Network/prediction_layer/internal/app/services/predictions"
	"github.com/R3E-Network/prediction_layer/internal/app/storage"
	"github.com/R3E-Network/prediction_layer/internal/app/storage/memory"
	"github.com/R3E-Network/prediction_layer/internal/app/system"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to a
// shared in-memory implementation.
type Stores struct {
	Ledger     storage.LedgerStore
	Jobs       storage.JobStore
	Catalog    storage.CatalogStore
	Transactor storage.Transactor
}

// Options configures the processing side of the application.
type Options struct {
	// Queue defaults to an in-process queue with the default visibility.
	Queue queue.Queue
	// Predictor is the prediction engine. Nil means fallback only.
	Predictor engine.Predictor
	// Publisher receives completion events. Nil drops them.
	Publisher events.Publisher

	Pool       predictions.PoolConfig
	Reconciler predictions.ReconcilerConfig

	// RunWorkers registers the worker pool and reconciler with the
	// lifecycle manager. The API-only server leaves it off when a shared
	// queue is configured.
	RunWorkers bool
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Queue       queue.Queue
	Ledger      *ledger.Service
	Catalog     *catalog.Service
	Admission   *admission.Service
	Predictions *predictions.Service
	Workers     *predictions.Pool
	Reconciler  *predictions.Reconciler
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	var mem *memory.Store
	inMemory := func() *memory.Store {
		if mem == nil {
			mem = memory.New()
		}
		return mem
	}
	if stores.Ledger == nil {
		stores.Ledger = inMemory()
	}
	if stores.Jobs == nil {
		stores.Jobs = inMemory()
	}
	if stores.Catalog == nil {
		stores.Catalog = inMemory()
	}
	if stores.Transactor == nil {
		stores.Transactor = inMemory()
	}
	if opts.Reconciler.Schedule != "" {
		if _, err := cron.ParseStandard(opts.Reconciler.Schedule); err != nil {
			return nil, fmt.Errorf("reconciler schedule %q: %w", opts.Reconciler.Schedule, err)
		}
	}
	if opts.Queue == nil {
		opts.Queue = queue.NewMemory(queue.DefaultVisibility)
	}

	manager := system.NewManager(log.Component("system"))

	application := &Application{
		manager:     manager,
		log:         log,
		Queue:       opts.Queue,
		Ledger:      ledger.New(stores.Ledger, log.Component("ledger")),
		Catalog:     catalog.New(stores.Catalog, log.Component("catalog")),
		Admission:   admission.New(stores.Catalog, stores.Transactor, opts.Queue, log.Component("admission")),
		Predictions: predictions.New(stores.Jobs, log.Component("predictions")),
		Workers:     predictions.NewPool(stores.Jobs, stores.Catalog, opts.Queue, opts.Predictor, opts.Publisher, opts.Pool, log.Component("prediction-worker")),
		Reconciler:  predictions.NewReconciler(stores.Jobs, opts.Queue, opts.Reconciler, log.Component("prediction-reconciler")),
	}

	if opts.RunWorkers {
		manager.Register(application.Workers, application.Reconciler)
	}
	return application, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) {
	a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
