package service

import (
	"context"
	"testing"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	customer   = models.Actor{ID: "cust-1", Role: models.RoleCustomer}
	business   = models.Actor{ID: "biz-1", Role: models.RoleBusiness}
	dispatcher = models.Actor{ID: "disp-1", Role: models.RoleDispatcher}
)

func driverActor(id string) models.Actor {
	return models.Actor{ID: id, Role: models.RoleDriver}
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) OrderStatusChanged(ctx context.Context, order *models.Order, from, to models.OrderStatus, actor models.Actor) error {
	return m.Called(order.ID, from, to).Error(0)
}

func (m *mockNotifier) OrderDelivered(ctx context.Context, order *models.Order, batchID *string) error {
	return m.Called(order.ID).Error(0)
}

func (m *mockNotifier) DriverAssigned(ctx context.Context, order *models.Order, batchID *string) error {
	return m.Called(order.ID).Error(0)
}

func (m *mockNotifier) BatchStatusChanged(ctx context.Context, batch *models.DeliveryBatch, from, to models.BatchStatus) error {
	return m.Called(batch.ID, from, to).Error(0)
}

func (m *mockNotifier) DriverReleased(ctx context.Context, result *models.ReleaseResult) error {
	return m.Called(result.DriverID).Error(0)
}

type fixture struct {
	store        *store.MemoryStore
	orders       *OrderService
	batches      *BatchService
	availability *AvailabilityService
	engine       *AssignmentEngine
}

func newFixture(t *testing.T, notifier Notifier, locker Locker) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	policy := DefaultPolicy()
	availability := NewAvailabilityService(st, policy)
	return &fixture{
		store:        st,
		orders:       NewOrderService(st, st, notifier),
		batches:      NewBatchService(st, st, notifier, policy),
		availability: availability,
		engine:       NewAssignmentEngine(st, availability, locker, notifier, policy),
	}
}

func (f *fixture) addDriver(t *testing.T, id string, active bool, businessID *string) {
	t.Helper()
	require.NoError(t, f.store.CreateDriver(context.Background(), &models.Driver{
		ID:         id,
		Name:       "Driver " + id,
		IsActive:   active,
		IsVerified: true,
		BusinessID: businessID,
	}))
}

func (f *fixture) createOrder(t *testing.T, businessID string) *models.Order {
	t.Helper()
	order, err := f.orders.CreateOrder(context.Background(), customer, &CreateOrderRequest{
		BusinessID: businessID,
		Items:      []LineItemRequest{{Name: "Noodles", Quantity: 1, UnitPrice: 1000}},
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) readyOrder(t *testing.T, businessID string) *models.Order {
	t.Helper()
	ctx := context.Background()
	order := f.createOrder(t, businessID)
	actor := models.Actor{ID: businessID, Role: models.RoleBusiness}
	_, err := f.orders.Confirm(ctx, actor, order.ID)
	require.NoError(t, err)
	_, err = f.orders.StartPreparing(ctx, actor, order.ID)
	require.NoError(t, err)
	order, err = f.orders.MarkReady(ctx, actor, order.ID)
	require.NoError(t, err)
	return order
}

func strPtr(s string) *string { return &s }
