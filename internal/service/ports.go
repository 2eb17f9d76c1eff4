package service

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
)

// OrderRepository is the authoritative order store
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	ReadOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	WriteOrderStatus(ctx context.Context, change models.StatusChange) (*models.Order, error)
	ListOrdersAwaitingDriver(ctx context.Context, limit int) ([]models.Order, error)
	ListStatusHistory(ctx context.Context, orderID string) ([]models.StatusHistory, error)
}

// DriverRepository reads driver profiles and live order counts
type DriverRepository interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	ListDriversForBusiness(ctx context.Context, businessID string) ([]models.Driver, error)
	ReadActiveOrderCount(ctx context.Context, driverID string) (int, error)
	ReadActiveOrderCounts(ctx context.Context, driverIDs []string) (map[string]int, error)
}

// AssignmentRepository performs atomic driver bindings
type AssignmentRepository interface {
	BindDriverToOrder(ctx context.Context, orderID string, req models.BindRequest) (*models.Order, error)
	BindDriverToBatch(ctx context.Context, batchID string, req models.BindRequest) (*models.DeliveryBatch, error)
	ReleaseDriver(ctx context.Context, driverID string, actor models.Actor, at time.Time) (*models.ReleaseResult, error)
	ListAssignments(ctx context.Context, orderID string) ([]models.DriverAssignment, error)
}

// BatchRepository is the authoritative batch store
type BatchRepository interface {
	CreateBatch(ctx context.Context, batch *models.DeliveryBatch) error
	ReadBatch(ctx context.Context, id string) (*models.DeliveryBatch, error)
	WriteBatchStatus(ctx context.Context, change models.BatchStatusChange) (*models.DeliveryBatch, error)
	AdvanceBatchOrder(ctx context.Context, adv models.BatchOrderAdvance) (*models.DeliveryBatch, error)
	FindActiveBatchByOrder(ctx context.Context, orderID string) (*models.DeliveryBatch, error)
}

// CartRepository is the authoritative cart store
type CartRepository interface {
	ReadCart(ctx context.Context, customerID string) (*models.Cart, error)
	ReadCartVersion(ctx context.Context, customerID string) (int64, error)
	ApplyCartMutation(ctx context.Context, customerID string, m models.CartMutation) (*models.Cart, error)
}

// EventLedger records consumed events for idempotent handlers
type EventLedger interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Repository is everything the services need from one backing store
type Repository interface {
	OrderRepository
	DriverRepository
	AssignmentRepository
	BatchRepository
	CartRepository
	EventLedger
	Ping(ctx context.Context) error
	Close() error
}

// Notifier is told about accepted state changes.
// Errors are logged and counted by the caller and never undo the change.
type Notifier interface {
	OrderStatusChanged(ctx context.Context, order *models.Order, from, to models.OrderStatus, actor models.Actor) error
	OrderDelivered(ctx context.Context, order *models.Order, batchID *string) error
	DriverAssigned(ctx context.Context, order *models.Order, batchID *string) error
	BatchStatusChanged(ctx context.Context, batch *models.DeliveryBatch, from, to models.BatchStatus) error
	DriverReleased(ctx context.Context, result *models.ReleaseResult) error
}

// Locker is a best-effort distributed lock
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// CartCache holds versioned cart snapshots in front of the store
type CartCache interface {
	GetCart(ctx context.Context, customerID string) (*models.Cart, error)
	PutCart(ctx context.Context, cart *models.Cart) (bool, error)
	InvalidateCart(ctx context.Context, customerID string) error
}

// NopNotifier discards notifications
type NopNotifier struct{}

func (NopNotifier) OrderStatusChanged(context.Context, *models.Order, models.OrderStatus, models.OrderStatus, models.Actor) error {
	return nil
}

func (NopNotifier) OrderDelivered(context.Context, *models.Order, *string) error { return nil }

func (NopNotifier) DriverAssigned(context.Context, *models.Order, *string) error { return nil }

func (NopNotifier) BatchStatusChanged(context.Context, *models.DeliveryBatch, models.BatchStatus, models.BatchStatus) error {
	return nil
}

func (NopNotifier) DriverReleased(context.Context, *models.ReleaseResult) error { return nil }
