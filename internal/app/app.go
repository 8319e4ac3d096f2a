// Package app wires configuration into a running fulfillment service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ariefcatur/go-order-fulfillment/internal/config"
	"github.com/ariefcatur/go-order-fulfillment/internal/eventbus"
	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/postgres"
	"github.com/ariefcatur/go-order-fulfillment/internal/queue"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/ariefcatur/go-order-fulfillment/internal/subscriber"
	"github.com/ariefcatur/go-order-fulfillment/internal/workflow"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverKafka    = "kafka"
)

type App struct {
	Config config.Config
	Log    *slog.Logger

	Redis *redis.Client
	DB    *pgxpool.Pool // nil with the memory store

	Store        orders.Store
	Bus          eventbus.Bus
	Queue        *queue.Queue
	Registry     *workflow.Registry
	Orchestrator *workflow.Orchestrator
	Worker       *queue.Worker
	Dispatcher   *subscriber.Dispatcher
}

// New connects every backing service named by cfg. Redis is always required
// since it carries the workflow queue.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.init(ctx); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config
	redisOpts := redisx.Options{
		Addr:       cfg.RedisAddr,
		RetryDelay: cfg.BusRetryDelay,
		MaxDelay:   cfg.BusMaxRetryDelay,
	}
	a.Redis = redisx.New(redisOpts)
	if err := redisx.Ping(ctx, a.Redis); err != nil {
		return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		a.DB = db
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
		a.Store = &postgres.Store{DB: db}
	case DriverMemory:
		a.Store = orders.NewMemoryStore()
	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	switch cfg.BusDriver {
	case DriverRedis:
		// The bus owns and closes its publishing client.
		a.Bus = eventbus.NewRedisBus(redisx.New(redisOpts), a.Log, cfg.BusRetryDelay, cfg.BusMaxRetryDelay)
	case DriverKafka:
		a.Bus = eventbus.NewKafkaBus(cfg.KafkaBrokers, a.Log, cfg.BusRetryDelay, cfg.BusMaxRetryDelay)
	case DriverMemory:
		a.Bus = eventbus.NewMemoryBus(a.Log)
	default:
		return fmt.Errorf("unknown event bus driver %q", cfg.BusDriver)
	}

	sales := ledger.SalesBook(cfg.SalesLedgerDir)
	trends := ledger.InventoryTrendBook(cfg.InventoryTrendsDir)
	for _, b := range []ledger.Book{sales, trends} {
		if err := b.Ensure(); err != nil {
			return err
		}
	}

	a.Registry = workflow.NewRegistry()
	steps := &workflow.Steps{Store: a.Store, Ledger: ledger.NewWriter(), Sales: sales, Trends: trends}
	policy := workflow.RetryPolicy{Attempts: cfg.StepAttempts, Backoff: cfg.StepBackoff}
	if err := steps.RegisterAll(a.Registry, policy); err != nil {
		return err
	}

	a.Queue = queue.New(a.Redis, cfg.QueueName, queue.WithHistory(cfg.QueueHistory))
	a.Orchestrator = workflow.NewOrchestrator(a.Registry, a.Queue, a.Bus, a.Log)
	a.Worker = queue.NewWorker(a.Queue, a.Registry, a.Orchestrator, a.Log, queue.WorkerConfig{
		Concurrency:  cfg.Workers,
		PollInterval: cfg.QueuePollInterval,
	})
	a.Dispatcher = subscriber.NewDispatcher(a.Bus, a.Orchestrator, a.Log)
	return nil
}

// RunWorkers executes queued chains until ctx is cancelled.
func (a *App) RunWorkers(ctx context.Context) error {
	return a.Worker.Run(ctx)
}

// RunDispatcher listens on the payment topics until ctx is cancelled.
func (a *App) RunDispatcher(ctx context.Context) error {
	if err := a.Dispatcher.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Dispatcher.Stop(context.WithoutCancel(ctx))
}

// Close releases connections in reverse dependency order. It is safe on a
// partially initialised App.
func (a *App) Close() error {
	var errs []error
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		a.DB.Close()
	}
	return errors.Join(errs...)
}
