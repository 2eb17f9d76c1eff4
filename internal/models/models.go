package models

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryType describes when the customer wants the order
type DeliveryType string

const (
	DeliveryASAP      DeliveryType = "asap"
	DeliveryScheduled DeliveryType = "scheduled"
)

// LineItem represents one purchased line of an order
type LineItem struct {
	ID                  int64   `db:"id" json:"id,omitempty"`
	OrderID             string  `db:"order_id" json:"-"`
	Name                string  `db:"name" json:"name"`
	Quantity            int     `db:"quantity" json:"quantity"`
	UnitPrice           int64   `db:"unit_price" json:"unit_price"`
	SpecialInstructions *string `db:"special_instructions" json:"special_instructions,omitempty"`
}

// Subtotal returns quantity times unit price
func (li LineItem) Subtotal() int64 {
	return li.UnitPrice * int64(li.Quantity)
}

// Validate checks quantity and price bounds
func (li LineItem) Validate() error {
	if strings.TrimSpace(li.Name) == "" {
		return fmt.Errorf("line item name is required")
	}
	if li.Quantity < 1 {
		return fmt.Errorf("line item %q: quantity must be at least 1", li.Name)
	}
	if li.UnitPrice < 0 {
		return fmt.Errorf("line item %q: unit price must not be negative", li.Name)
	}
	return nil
}

// Order represents a single customer purchase from one business
type Order struct {
	ID                  string       `db:"id" json:"id"`
	OrderNumber         string       `db:"order_number" json:"order_number"`
	BusinessID          string       `db:"business_id" json:"business_id"`
	CustomerID          string       `db:"customer_id" json:"customer_id"`
	Items               []LineItem   `db:"-" json:"items"`
	Total               int64        `db:"total" json:"total"`
	DeliveryFee         int64        `db:"delivery_fee" json:"delivery_fee"`
	GrandTotal          int64        `db:"grand_total" json:"grand_total"`
	Status              OrderStatus  `db:"status" json:"status"`
	StatusVersion       int          `db:"status_version" json:"status_version"`
	DeliveryType        DeliveryType `db:"delivery_type" json:"delivery_type"`
	ScheduledStart      *time.Time   `db:"scheduled_start" json:"scheduled_start,omitempty"`
	ScheduledEnd        *time.Time   `db:"scheduled_end" json:"scheduled_end,omitempty"`
	AvailableForDrivers bool         `db:"available_for_drivers" json:"available_for_drivers"`
	DriverID            *string      `db:"driver_id" json:"driver_id,omitempty"`
	IdempotencyKey      string       `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CancelReason        *string      `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt           time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time    `db:"updated_at" json:"updated_at"`
	ConfirmedAt         *time.Time   `db:"confirmed_at" json:"confirmed_at,omitempty"`
	ReadyAt             *time.Time   `db:"ready_at" json:"ready_at,omitempty"`
	PickedUpAt          *time.Time   `db:"picked_up_at" json:"picked_up_at,omitempty"`
	DeliveredAt         *time.Time   `db:"delivered_at" json:"delivered_at,omitempty"`
	CancelledAt         *time.Time   `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

// Recalculate derives total and grand total from the line items.
// It is the only place those fields are written.
func (o *Order) Recalculate() {
	var total int64
	for _, item := range o.Items {
		total += item.Subtotal()
	}
	o.Total = total
	o.GrandTotal = total + o.DeliveryFee
}

// HasDriver reports whether a driver is bound to the order
func (o *Order) HasDriver() bool {
	return o.DriverID != nil && *o.DriverID != ""
}

// BoundTo reports whether the given driver is bound to the order
func (o *Order) BoundTo(driverID string) bool {
	return o.HasDriver() && *o.DriverID == driverID
}

// Assignable reports whether a driver may be bound to the order right now.
// Released orders stay out_for_delivery without a driver until redispatched.
func (o *Order) Assignable() bool {
	if o.HasDriver() {
		return false
	}
	return o.Status == OrderStatusReady || o.Status == OrderStatusOutForDelivery
}

// ValidateSchedule checks the scheduled delivery window
func (o *Order) ValidateSchedule() error {
	switch o.DeliveryType {
	case DeliveryASAP, "":
		return nil
	case DeliveryScheduled:
		if o.ScheduledStart == nil || o.ScheduledEnd == nil {
			return fmt.Errorf("scheduled delivery requires a window")
		}
		if !o.ScheduledStart.Before(*o.ScheduledEnd) {
			return fmt.Errorf("scheduled window start must be before end")
		}
		return nil
	default:
		return fmt.Errorf("unknown delivery type: %s", o.DeliveryType)
	}
}

// StatusChange is a guarded order status write.
// The write only applies while the stored status and version still match.
type StatusChange struct {
	OrderID  string
	From     OrderStatus
	To       OrderStatus
	Version  int
	DriverID *string // when set, the stored driver must match
	Actor    Actor
	Reason   string
	At       time.Time
}

// StatusHistory is an audit row for an accepted order transition
type StatusHistory struct {
	ID         int64       `db:"id" json:"id"`
	OrderID    string      `db:"order_id" json:"order_id"`
	FromStatus OrderStatus `db:"from_status" json:"from_status"`
	ToStatus   OrderStatus `db:"to_status" json:"to_status"`
	ActorID    string      `db:"actor_id" json:"actor_id"`
	ActorRole  ActorRole   `db:"actor_role" json:"actor_role"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

// DeliveryBatch groups orders from one business for a single delivery run
type DeliveryBatch struct {
	ID          string       `db:"id" json:"id"`
	BusinessID  string       `db:"business_id" json:"business_id"`
	Status      BatchStatus  `db:"status" json:"status"`
	DriverID    *string      `db:"driver_id" json:"driver_id,omitempty"`
	TotalOrders int          `db:"total_orders" json:"total_orders"`
	Orders      []BatchOrder `db:"-" json:"orders"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	AssignedAt  *time.Time   `db:"assigned_at" json:"assigned_at,omitempty"`
	StartedAt   *time.Time   `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt *time.Time   `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

// HasDriver reports whether a driver is bound to the batch
func (b *DeliveryBatch) HasDriver() bool {
	return b.DriverID != nil && *b.DriverID != ""
}

// Member returns the batch entry for an order
func (b *DeliveryBatch) Member(orderID string) (*BatchOrder, bool) {
	for i := range b.Orders {
		if b.Orders[i].OrderID == orderID {
			return &b.Orders[i], true
		}
	}
	return nil, false
}

// AllDelivered reports whether every member has been delivered
func (b *DeliveryBatch) AllDelivered() bool {
	if len(b.Orders) == 0 {
		return false
	}
	for _, bo := range b.Orders {
		if bo.Status != BatchOrderDelivered {
			return false
		}
	}
	return true
}

// BatchOrder tracks one order's progress within a batch
type BatchOrder struct {
	BatchID       string           `db:"batch_id" json:"batch_id"`
	OrderID       string           `db:"order_id" json:"order_id"`
	SequenceOrder int              `db:"sequence_order" json:"sequence_order"`
	Status        BatchOrderStatus `db:"status" json:"status"`
	PickedUpAt    *time.Time       `db:"picked_up_at" json:"picked_up_at,omitempty"`
	DeliveredAt   *time.Time       `db:"delivered_at" json:"delivered_at,omitempty"`
}

// BatchStatusChange is a guarded batch status write
type BatchStatusChange struct {
	BatchID  string
	From     BatchStatus
	To       BatchStatus
	DriverID *string // when set, the stored driver must match
	Actor    Actor
	At       time.Time
}

// BatchOrderAdvance moves one member forward on the route.
// Advancing to delivered also delivers the underlying order.
type BatchOrderAdvance struct {
	BatchID  string
	OrderID  string
	From     BatchOrderStatus
	To       BatchOrderStatus
	DriverID string
	Actor    Actor
	At       time.Time
}

// Driver represents a delivery driver.
// The active order count is never stored; it is computed from orders.
type Driver struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	IsVerified  bool      `db:"is_verified" json:"is_verified"`
	VehicleType string    `db:"vehicle_type" json:"vehicle_type"`
	BusinessID  *string   `db:"business_id" json:"business_id,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Independent reports whether the driver is not affiliated with a business
func (d *Driver) Independent() bool {
	return d.BusinessID == nil || *d.BusinessID == ""
}

// ServesBusiness reports whether the driver belongs to the business pool
func (d *Driver) ServesBusiness(businessID string) bool {
	return d.Independent() || *d.BusinessID == businessID
}

// DriverAssignment links a driver to an order for the lifetime of the binding
type DriverAssignment struct {
	ID         string     `db:"id" json:"id"`
	DriverID   string     `db:"driver_id" json:"driver_id"`
	OrderID    string     `db:"order_id" json:"order_id"`
	BatchID    *string    `db:"batch_id" json:"batch_id,omitempty"`
	Active     bool       `db:"active" json:"active"`
	AssignedAt time.Time  `db:"assigned_at" json:"assigned_at"`
	ReleasedAt *time.Time `db:"released_at" json:"released_at,omitempty"`
}

// BindRequest carries a driver binding for the authoritative store.
// The store re-checks eligibility inside the same write.
type BindRequest struct {
	DriverID        string
	MaxActiveOrders int
	RequireVerified bool
	Actor           Actor
	At              time.Time
}

// ReleaseResult lists what a driver release touched
type ReleaseResult struct {
	DriverID        string   `json:"driver_id"`
	ReleasedOrders  []string `json:"released_orders"`
	RequeuedBatches []string `json:"requeued_batches"`
	StalledBatches  []string `json:"stalled_batches"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
