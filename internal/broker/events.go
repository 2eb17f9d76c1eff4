package broker

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter writes a keyed event to the event stream
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	writer EventWriter
	now    func() time.Time
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(writer EventWriter) *EventPublisher {
	return &EventPublisher{
		writer: writer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Publish writes event under its partition key
func (ep *EventPublisher) Publish(ctx context.Context, event models.Event) error {
	return ep.writer.PublishEvent(ctx, event.Key(), event)
}

func (ep *EventPublisher) base(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: ep.now(),
	}
}

// OrderStatusChanged publishes ORDER_STATUS_CHANGED, plus ORDER_CANCELLED for cancellations
func (ep *EventPublisher) OrderStatusChanged(ctx context.Context, order *models.Order, from, to models.OrderStatus, actor models.Actor) error {
	err := ep.Publish(ctx, &models.OrderStatusChangedEvent{
		BaseEvent:  ep.base(models.EventTypeOrderStatusChanged),
		OrderID:    order.ID,
		BusinessID: order.BusinessID,
		CustomerID: order.CustomerID,
		From:       from,
		To:         to,
		DriverID:   order.DriverID,
		Actor:      actor,
	})
	if err != nil {
		return err
	}

	if to == models.OrderStatusCancelled {
		reason := ""
		if order.CancelReason != nil {
			reason = *order.CancelReason
		}
		return ep.Publish(ctx, &models.OrderCancelledEvent{
			BaseEvent: ep.base(models.EventTypeOrderCancelled),
			OrderID:   order.ID,
			Reason:    reason,
		})
	}
	return nil
}

// OrderDelivered publishes ORDER_DELIVERED
func (ep *EventPublisher) OrderDelivered(ctx context.Context, order *models.Order, batchID *string) error {
	return ep.Publish(ctx, &models.OrderDeliveredEvent{
		BaseEvent: ep.base(models.EventTypeOrderDelivered),
		OrderID:   order.ID,
		DriverID:  order.DriverID,
		BatchID:   batchID,
	})
}

// DriverAssigned publishes DRIVER_ASSIGNED
func (ep *EventPublisher) DriverAssigned(ctx context.Context, order *models.Order, batchID *string) error {
	if !order.HasDriver() {
		return fmt.Errorf("order %s has no driver", order.ID)
	}
	return ep.Publish(ctx, &models.DriverAssignedEvent{
		BaseEvent: ep.base(models.EventTypeDriverAssigned),
		OrderID:   order.ID,
		DriverID:  *order.DriverID,
		BatchID:   batchID,
	})
}

// BatchStatusChanged publishes the batch lifecycle event for to
func (ep *EventPublisher) BatchStatusChanged(ctx context.Context, batch *models.DeliveryBatch, from, to models.BatchStatus) error {
	eventType := models.BatchEventType(to)
	if eventType == "" {
		return nil
	}
	orderIDs := make([]string, len(batch.Orders))
	for i, bo := range batch.Orders {
		orderIDs[i] = bo.OrderID
	}
	return ep.Publish(ctx, &models.BatchStatusEvent{
		BaseEvent:  ep.base(eventType),
		BatchID:    batch.ID,
		BusinessID: batch.BusinessID,
		From:       from,
		To:         to,
		DriverID:   batch.DriverID,
		OrderIDs:   orderIDs,
	})
}

// DriverReleased publishes DRIVER_RELEASED
func (ep *EventPublisher) DriverReleased(ctx context.Context, result *models.ReleaseResult) error {
	return ep.Publish(ctx, &models.DriverReleasedEvent{
		BaseEvent:       ep.base(models.EventTypeDriverReleased),
		DriverID:        result.DriverID,
		ReleasedOrders:  result.ReleasedOrders,
		RequeuedBatches: result.RequeuedBatches,
		StalledBatches:  result.StalledBatches,
	})
}

// EventHandler handles incoming events
type EventHandler struct {
	onOrderDelivered func(context.Context, *models.OrderDeliveredEvent) error
	onDriverReleased func(context.Context, *models.DriverReleasedEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnOrderDelivered registers a handler for OrderDelivered events
func (eh *EventHandler) OnOrderDelivered(handler func(context.Context, *models.OrderDeliveredEvent) error) {
	eh.onOrderDelivered = handler
}

// OnDriverReleased registers a handler for DriverReleased events
func (eh *EventHandler) OnDriverReleased(handler func(context.Context, *models.DriverReleasedEvent) error) {
	eh.onDriverReleased = handler
}

// HandleMessage routes messages to appropriate handlers. Events nobody
// subscribed to are acknowledged and skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	event, err := models.DecodeEvent(msg.Value)
	if err != nil {
		eh.logger.Warn("Dropping undecodable event", zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	}

	base := event.Base()
	eh.logger.Debug("Handling event", zap.String("type", base.EventType), zap.String("id", base.EventID))

	switch e := event.(type) {
	case *models.OrderDeliveredEvent:
		if eh.onOrderDelivered != nil {
			return eh.onOrderDelivered(ctx, e)
		}
	case *models.DriverReleasedEvent:
		if eh.onDriverReleased != nil {
			return eh.onDriverReleased(ctx, e)
		}
	}
	return nil
}
