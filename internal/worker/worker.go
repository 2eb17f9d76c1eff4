package worker

import (
	"context"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// MessageSource delivers broker messages to a handler until ctx ends
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// EventWorker handles background processing for fulfillment events
type EventWorker struct {
	source       MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewEventWorker creates a new event worker
func NewEventWorker(source MessageSource, processor *service.EventProcessor) *EventWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnOrderDelivered(processor.HandleOrderDelivered)
	eventHandler.OnDriverReleased(processor.HandleDriverReleased)

	return &EventWorker{
		source:       source,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *EventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting event worker")
	return w.source.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *EventWorker) Stop() error {
	w.logger.Info("Stopping event worker")
	return w.source.Close()
}

// Dispatcher auto-assigns orders that are waiting for a driver
type Dispatcher interface {
	DispatchPending(ctx context.Context, actor models.Actor, cmp service.Comparator, limit int) (int, error)
}

// DispatchSweeper periodically offers waiting orders to eligible drivers
type DispatchSweeper struct {
	dispatcher Dispatcher
	cmp        service.Comparator
	limit      int
	interval   time.Duration
	actor      models.Actor
	logger     *zap.Logger
}

// NewDispatchSweeper creates a sweeper that runs every interval
func NewDispatchSweeper(dispatcher Dispatcher, cmp service.Comparator, limit int, interval time.Duration) *DispatchSweeper {
	return &DispatchSweeper{
		dispatcher: dispatcher,
		cmp:        cmp,
		limit:      limit,
		interval:   interval,
		actor:      models.SystemActor("dispatch-sweeper"),
		logger:     util.GetLogger(),
	}
}

// Sweep runs one dispatch pass
func (s *DispatchSweeper) Sweep(ctx context.Context) int {
	assigned, err := s.dispatcher.DispatchPending(ctx, s.actor, s.cmp, s.limit)
	if err != nil {
		util.DispatchSweepsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("Dispatch sweep failed", zap.Error(err))
		return assigned
	}
	if assigned > 0 {
		s.logger.Info("Dispatch sweep assigned orders", zap.Int("assigned", assigned))
	}
	return assigned
}

// Run schedules Sweep until ctx is cancelled
func (s *DispatchSweeper) Run(ctx context.Context) error {
	s.logger.Info("Starting dispatch sweeper", zap.Duration("interval", s.interval))

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			s.Sweep(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}
