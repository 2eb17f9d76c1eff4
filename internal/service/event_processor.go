package service

import (
	"context"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// EventProcessor reacts to fulfillment events consumed from the broker.
// Each event is handled at most once, tracked through the event ledger.
type EventProcessor struct {
	ledger  EventLedger
	batches *BatchService
	logger  *zap.Logger
}

// NewEventProcessor creates a new event processor
func NewEventProcessor(ledger EventLedger, batches *BatchService) *EventProcessor {
	return &EventProcessor{
		ledger:  ledger,
		batches: batches,
		logger:  util.GetLogger(),
	}
}

// HandleOrderDelivered completes the order's batch once its last member is delivered
func (p *EventProcessor) HandleOrderDelivered(ctx context.Context, event *models.OrderDeliveredEvent) error {
	ctx, span := util.StartSpan(ctx, "EventProcessor.HandleOrderDelivered")
	defer span.End()

	done, err := p.seen(ctx, event.BaseEvent)
	if err != nil || done {
		return err
	}

	if event.BatchID != nil {
		completed, err := p.batches.CompleteIfDelivered(ctx, *event.BatchID)
		if err != nil {
			return fmt.Errorf("failed to complete batch %s: %w", *event.BatchID, err)
		}
		if completed {
			p.logger.Info("Batch completed from delivery event",
				zap.String("batch_id", *event.BatchID),
				zap.String("order_id", event.OrderID))
		}
	}

	p.markProcessed(ctx, event.BaseEvent)
	return nil
}

// HandleDriverReleased raises an alert for batches left mid-route without a driver
func (p *EventProcessor) HandleDriverReleased(ctx context.Context, event *models.DriverReleasedEvent) error {
	ctx, span := util.StartSpan(ctx, "EventProcessor.HandleDriverReleased")
	defer span.End()

	done, err := p.seen(ctx, event.BaseEvent)
	if err != nil || done {
		return err
	}

	if n := len(event.StalledBatches); n > 0 {
		util.StalledBatchesTotal.Add(float64(n))
		p.logger.Warn("In-progress batches need a new driver",
			zap.String("released_driver_id", event.DriverID),
			zap.Strings("batch_ids", event.StalledBatches))
	}
	if n := len(event.ReleasedOrders); n > 0 {
		p.logger.Info("Orders awaiting redispatch",
			zap.String("released_driver_id", event.DriverID),
			zap.Strings("order_ids", event.ReleasedOrders))
	}

	p.markProcessed(ctx, event.BaseEvent)
	return nil
}

func (p *EventProcessor) seen(ctx context.Context, base models.BaseEvent) (bool, error) {
	processed, err := p.ledger.IsEventProcessed(ctx, base.EventID)
	if err != nil {
		return false, fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		p.logger.Info("Event already processed", zap.String("event_id", base.EventID))
	}
	return processed, nil
}

func (p *EventProcessor) markProcessed(ctx context.Context, base models.BaseEvent) {
	if err := p.ledger.MarkEventProcessed(ctx, base.EventID, base.EventType); err != nil {
		p.logger.Error("Failed to mark event processed", zap.String("event_id", base.EventID), zap.Error(err))
	}
}
