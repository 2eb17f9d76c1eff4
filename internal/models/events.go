package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types
const (
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeOrderDelivered     = "ORDER_DELIVERED"
	EventTypeOrderCancelled     = "ORDER_CANCELLED"
	EventTypeDriverAssigned     = "DRIVER_ASSIGNED"
	EventTypeBatchAssigned      = "BATCH_ASSIGNED"
	EventTypeBatchStarted       = "BATCH_STARTED"
	EventTypeBatchCompleted     = "BATCH_COMPLETED"
	EventTypeBatchCancelled     = "BATCH_CANCELLED"
	EventTypeDriverReleased     = "DRIVER_RELEASED"
)

// Event is implemented by every published domain event
type Event interface {
	Base() BaseEvent
	Key() string
}

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// Base returns the common envelope
func (b BaseEvent) Base() BaseEvent {
	return b
}

// OrderStatusChangedEvent published on every accepted order transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID    string      `json:"order_id"`
	BusinessID string      `json:"business_id"`
	CustomerID string      `json:"customer_id"`
	From       OrderStatus `json:"from"`
	To         OrderStatus `json:"to"`
	DriverID   *string     `json:"driver_id,omitempty"`
	Actor      Actor       `json:"actor"`
}

// Key partitions by order
func (e *OrderStatusChangedEvent) Key() string { return "order-" + e.OrderID }

// OrderDeliveredEvent published when an order reaches delivered
type OrderDeliveredEvent struct {
	BaseEvent
	OrderID  string  `json:"order_id"`
	DriverID *string `json:"driver_id,omitempty"`
	BatchID  *string `json:"batch_id,omitempty"`
}

// Key partitions by order
func (e *OrderDeliveredEvent) Key() string { return "order-" + e.OrderID }

// OrderCancelledEvent published when an order is cancelled
type OrderCancelledEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// Key partitions by order
func (e *OrderCancelledEvent) Key() string { return "order-" + e.OrderID }

// DriverAssignedEvent published when a driver is bound to an order
type DriverAssignedEvent struct {
	BaseEvent
	OrderID  string  `json:"order_id"`
	DriverID string  `json:"driver_id"`
	BatchID  *string `json:"batch_id,omitempty"`
}

// Key partitions by order
func (e *DriverAssignedEvent) Key() string { return "order-" + e.OrderID }

// BatchStatusEvent is published for batch lifecycle changes
type BatchStatusEvent struct {
	BaseEvent
	BatchID    string      `json:"batch_id"`
	BusinessID string      `json:"business_id"`
	From       BatchStatus `json:"from"`
	To         BatchStatus `json:"to"`
	DriverID   *string     `json:"driver_id,omitempty"`
	OrderIDs   []string    `json:"order_ids"`
}

// Key partitions by batch
func (e *BatchStatusEvent) Key() string { return "batch-" + e.BatchID }

// DriverReleasedEvent published when a driver is unbound from all work
type DriverReleasedEvent struct {
	BaseEvent
	DriverID        string   `json:"driver_id"`
	ReleasedOrders  []string `json:"released_orders"`
	RequeuedBatches []string `json:"requeued_batches"`
	StalledBatches  []string `json:"stalled_batches"`
}

// Key partitions by driver
func (e *DriverReleasedEvent) Key() string { return "driver-" + e.DriverID }

// BatchEventType maps a batch target status to its event type
func BatchEventType(to BatchStatus) string {
	switch to {
	case BatchStatusAssigned:
		return EventTypeBatchAssigned
	case BatchStatusInProgress:
		return EventTypeBatchStarted
	case BatchStatusCompleted:
		return EventTypeBatchCompleted
	case BatchStatusCancelled:
		return EventTypeBatchCancelled
	}
	return ""
}

// DecodeEvent decodes a message into its concrete event type
func DecodeEvent(data []byte) (Event, error) {
	var base BaseEvent
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	var event Event
	switch base.EventType {
	case EventTypeOrderStatusChanged:
		event = &OrderStatusChangedEvent{}
	case EventTypeOrderDelivered:
		event = &OrderDeliveredEvent{}
	case EventTypeOrderCancelled:
		event = &OrderCancelledEvent{}
	case EventTypeDriverAssigned:
		event = &DriverAssignedEvent{}
	case EventTypeBatchAssigned, EventTypeBatchStarted, EventTypeBatchCompleted, EventTypeBatchCancelled:
		event = &BatchStatusEvent{}
	case EventTypeDriverReleased:
		event = &DriverReleasedEvent{}
	default:
		return nil, fmt.Errorf("unknown event type: %q", base.EventType)
	}

	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", base.EventType, err)
	}
	return event, nil
}
