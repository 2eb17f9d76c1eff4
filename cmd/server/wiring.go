package main

import (
	"context"
	"fmt"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

var (
	_ service.Repository = (*store.Store)(nil)
	_ service.Repository = (*store.MemoryStore)(nil)
	_ service.Notifier   = (*broker.EventPublisher)(nil)
	_ service.Locker     = (*redisclient.Client)(nil)
	_ service.CartCache  = (*redisclient.Client)(nil)
)

// app holds the wired services of one process
type app struct {
	repo         service.Repository
	redis        *redisclient.Client
	producer     *broker.Producer
	orders       *service.OrderService
	batches      *service.BatchService
	availability *service.AvailabilityService
	engine       *service.AssignmentEngine
	carts        *service.CartService
	events       *service.EventProcessor
	dispatch     service.Comparator
	logger       *zap.Logger
}

func openRepository(cfg *config.Config) (service.Repository, error) {
	if cfg.Database.Driver == "memory" {
		util.GetLogger().Warn("Using in-memory store; data is lost on exit")
		return store.NewMemoryStore(), nil
	}
	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func newApp(cfg *config.Config) (*app, error) {
	logger := util.GetLogger()

	repo, err := openRepository(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Store connected", zap.String("driver", cfg.Database.Driver))

	a := &app{repo: repo, logger: logger}

	var locker service.Locker
	var cache service.CartCache
	if cfg.Redis.Enabled {
		rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Cart.CacheTTL)
		if err != nil {
			logger.Warn("Redis unavailable, continuing without locks and cart cache", zap.Error(err))
		} else {
			a.redis = rc
			locker, cache = rc, rc
			logger.Info("Redis connected")
		}
	}

	var notifier service.Notifier = service.NopNotifier{}
	if cfg.Kafka.Enabled {
		a.producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		notifier = broker.NewEventPublisher(a.producer)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))
	}

	a.dispatch, err = service.ComparatorByName(cfg.Fulfillment.DispatchPolicy)
	if err != nil {
		a.Close()
		return nil, err
	}

	policy := service.Policy{
		MaxConcurrentOrders:    cfg.Fulfillment.MaxConcurrentOrders,
		MaxBatchSize:           cfg.Fulfillment.MaxBatchSize,
		RequireVerifiedDrivers: cfg.Fulfillment.RequireVerifiedDrivers,
		AssignLockTTL:          cfg.Fulfillment.AssignLockTTL,
	}

	a.orders = service.NewOrderService(repo, repo, notifier)
	a.batches = service.NewBatchService(repo, repo, notifier, policy)
	a.availability = service.NewAvailabilityService(repo, policy)
	a.engine = service.NewAssignmentEngine(repo, a.availability, locker, notifier, policy)
	a.carts = service.NewCartService(repo, cache)
	a.events = service.NewEventProcessor(repo, a.batches)
	return a, nil
}

func (a *app) handler() *api.Handler {
	deps := map[string]api.Pinger{"store": a.repo}
	if a.redis != nil {
		deps["redis"] = a.redis
	}
	return api.NewHandler(api.Services{
		Orders:       a.orders,
		Batches:      a.batches,
		Assignments:  a.engine,
		Availability: a.availability,
		Carts:        a.carts,
		Dispatch:     a.dispatch,
	}, deps)
}

// Close releases every connection the app opened
func (a *app) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("Error closing Kafka producer", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Error closing Redis", zap.Error(err))
		}
	}
	if err := a.repo.Close(); err != nil {
		a.logger.Warn("Error closing store", zap.Error(err))
	}
}

// migrateIfPostgres applies pending migrations on the SQL store
func migrateIfPostgres(ctx context.Context, repo service.Repository) ([]string, error) {
	db, ok := repo.(*store.Store)
	if !ok {
		return nil, nil
	}
	return db.Migrate(ctx)
}
