// Package app wires the dispatch services from configuration. Both the
// API process and the workers build their graph here.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/dispatch-batch/internal/config"
	"github.com/jmehdipour/dispatch-batch/internal/db"
	"github.com/jmehdipour/dispatch-batch/internal/gateway"
	"github.com/jmehdipour/dispatch-batch/internal/media"
	"github.com/jmehdipour/dispatch-batch/internal/repository"
	"github.com/jmehdipour/dispatch-batch/internal/service/batch"
	"github.com/jmehdipour/dispatch-batch/internal/service/driver"
	"github.com/jmehdipour/dispatch-batch/internal/service/monitor"
	"github.com/jmehdipour/dispatch-batch/internal/service/recipient"
	"github.com/jmehdipour/dispatch-batch/internal/worker"
)

type App struct {
	Config config.Config
	Log    *zap.Logger

	MySQL    *sqlx.DB // nil with the memory store
	Redis    *redis.Client
	Store    repository.DispatchStore
	Contacts repository.ContactsRepository
	History  repository.CHItemsRepository // nil without ClickHouse

	Gateway  gateway.Client
	Media    *media.Source
	Resolver *recipient.Resolver
	Batches  *batch.Manager
	Driver   *driver.Driver
	Monitor  *monitor.Reporter

	closers []func() error
}

// New connects the configured backends and builds the services. Optional
// backends (Redis, ClickHouse) are skipped when not configured.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openRedis(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openClickHouse(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildServices(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Store.Driver {
	case "memory":
		store := repository.NewMemoryStore()
		contacts := repository.NewMemoryContacts()
		if err := SeedContacts(ctx, contacts); err != nil {
			return fmt.Errorf("seed memory contacts: %w", err)
		}
		a.Store, a.Contacts = store, contacts
		a.Log.Warn("using in-memory store; state is lost on exit")
	default:
		mysqlDB, err := db.NewMySQLConnection(a.Config.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		a.closers = append(a.closers, mysqlDB.Close)
		a.MySQL = mysqlDB
		a.Store = repository.NewMySQLStore(mysqlDB, repository.NewOutboxRepository(mysqlDB))
		a.Contacts = repository.NewContactsRepository(mysqlDB)
	}
	return nil
}

func (a *App) openRedis() error {
	rdb, err := db.NewRedisClient(a.Config.Redis)
	if errors.Is(err, db.ErrRedisDisabled) {
		a.Log.Info("redis not configured; media cache is per process and rate limiting is off")
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	a.closers = append(a.closers, rdb.Close)
	a.Redis = rdb
	return nil
}

func (a *App) openClickHouse() error {
	if a.Config.ClickHouse.DSN == "" {
		return nil
	}
	chDB, err := db.NewClickHouseConnection(a.Config.ClickHouse)
	if err != nil {
		return fmt.Errorf("clickhouse connect: %w", err)
	}
	a.closers = append(a.closers, chDB.Close)
	a.History = repository.NewCHItemsRepository(chDB)
	return nil
}

func (a *App) buildServices() error {
	cfg := a.Config

	if cfg.Gateway.Enabled {
		gw, err := gateway.NewHTTPClient(cfg.Gateway)
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		a.Gateway = gw
	} else {
		a.Log.Warn("gateway disabled; sends are only logged")
		a.Gateway = gateway.NewLogClient(a.Log)
	}

	var cache media.Cache = media.NewMemoryCache(cfg.Media.CacheTTL)
	if a.Redis != nil {
		cache = media.NewRedisCache(a.Redis, cfg.Media.CacheTTL)
	}
	a.Media = media.NewSource(media.NewOptimizer(cfg.Media, a.Log), cache, a.Log)

	loc, err := time.LoadLocation(cfg.Dispatch.Timezone)
	if err != nil {
		return fmt.Errorf("dispatch.timezone: %w", err)
	}

	a.Resolver = recipient.New(a.Contacts, cfg.Recipients.DefaultCountry, a.Log)
	a.Batches = batch.New(a.Store, a.Media, a.Log)
	a.Driver = driver.New(a.Store, a.Gateway, a.Media, cfg.Dispatch.LeaseTTL, a.Log)
	a.Monitor = monitor.New(a.Store, cfg.Dispatch.MonitorActiveLimit, cfg.Dispatch.MonitorRecentLimit, loc)
	return nil
}

// NewScheduler builds the background adapter over the app's driver.
func (a *App) NewScheduler() *worker.Scheduler {
	s := worker.NewScheduler(a.Store, a.Driver, a.Config.Dispatch.SchedulerInterval, a.Log)
	if n := a.Config.Dispatch.MaxConcurrentBatches; n > 0 {
		s.MaxConcurrent = n
	}
	return s
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
