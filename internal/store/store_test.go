package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// repository is the surface shared by Store and MemoryStore
type repository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	ReadOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	WriteOrderStatus(ctx context.Context, change models.StatusChange) (*models.Order, error)
	ListStatusHistory(ctx context.Context, orderID string) ([]models.StatusHistory, error)
	FindActiveBatchByOrder(ctx context.Context, orderID string) (*models.DeliveryBatch, error)
	CreateDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	ReadActiveOrderCount(ctx context.Context, driverID string) (int, error)
	BindDriverToOrder(ctx context.Context, orderID string, req models.BindRequest) (*models.Order, error)
	BindDriverToBatch(ctx context.Context, batchID string, req models.BindRequest) (*models.DeliveryBatch, error)
	ReleaseDriver(ctx context.Context, driverID string, actor models.Actor, at time.Time) (*models.ReleaseResult, error)
	ListAssignments(ctx context.Context, orderID string) ([]models.DriverAssignment, error)
	CreateBatch(ctx context.Context, batch *models.DeliveryBatch) error
	ReadBatch(ctx context.Context, id string) (*models.DeliveryBatch, error)
	WriteBatchStatus(ctx context.Context, change models.BatchStatusChange) (*models.DeliveryBatch, error)
	ListOrdersAwaitingDriver(ctx context.Context, limit int) ([]models.Order, error)
	ReadCart(ctx context.Context, customerID string) (*models.Cart, error)
	ReadCartVersion(ctx context.Context, customerID string) (int64, error)
	ApplyCartMutation(ctx context.Context, customerID string, m models.CartMutation) (*models.Cart, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

var system = models.SystemActor("store-test")

// eachStore runs fn against the in-memory store and, when FULFILLMENT_TEST_DSN
// is set, against Postgres.
func eachStore(t *testing.T, fn func(t *testing.T, st repository)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("postgres", func(t *testing.T) {
		dsn := os.Getenv("FULFILLMENT_TEST_DSN")
		if dsn == "" {
			t.Skip("Integration test - set FULFILLMENT_TEST_DSN to run")
		}
		st, err := NewStore(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		_, err = st.Migrate(context.Background())
		require.NoError(t, err)
		fn(t, st)
	})
}

func newOrder(businessID string, status models.OrderStatus) *models.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.New().String()
	o := &models.Order{
		ID:                  id,
		OrderNumber:         "ORD-TEST-" + id,
		BusinessID:          businessID,
		CustomerID:          "cust-" + id[:8],
		DeliveryFee:         500,
		Status:              status,
		DeliveryType:        models.DeliveryASAP,
		AvailableForDrivers: status == models.OrderStatusReady,
		IdempotencyKey:      uuid.New().String(),
		Items:               []models.LineItem{{Name: "Rice", Quantity: 2, UnitPrice: 1500}},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	o.Recalculate()
	return o
}

func seedDriver(t *testing.T, st repository, active bool) string {
	t.Helper()
	id := "drv-" + uuid.New().String()[:8]
	require.NoError(t, st.CreateDriver(context.Background(), &models.Driver{
		ID:         id,
		Name:       "Test Driver",
		IsActive:   active,
		IsVerified: true,
	}))
	return id
}

func seedOrder(t *testing.T, st repository, businessID string, status models.OrderStatus) *models.Order {
	t.Helper()
	o := newOrder(businessID, status)
	require.NoError(t, st.CreateOrder(context.Background(), o))
	return o
}

func bindReq(driverID string) models.BindRequest {
	return models.BindRequest{
		DriverID:        driverID,
		MaxActiveOrders: 3,
		Actor:           system,
		At:              time.Now().UTC(),
	}
}

func TestCreateAndReadOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, st repository) {
		ctx := context.Background()
		o := seedOrder(t, st, "biz-1", models.OrderStatusPending)

		got, err := st.ReadOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.GrandTotal, got.GrandTotal)
		assert.Equal(t, int64(3000), got.Total)
		require.Len(t, got.Items, 1)
		assert.Equal(t, 2, got.Items[0].Quantity)

		byKey, err := st.GetOrderByIdempotencyKey(ctx, o.IdempotencyKey)
		require.NoError(t, err)
		require.NotNil(t, byKey)
		assert.Equal(t, o.ID, byKey.ID)

		none, err := st.GetOrderByIdempotencyKey(ctx, uuid.New().String())
		require.NoError(t, err)
		assert.Nil(t, none)

		_, err = st.ReadOrder(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDuplicateIdempotencyKeyConflicts(t *testing.T) {
	eachStore(t, func(t *testing.T, st repository) {
		first := seedOrder(t, st, "biz-1", models.OrderStatusPending)

		dup := newOrder("biz-1", models.OrderStatusPending)
		dup.IdempotencyKey = first.IdempotencyKey
		err := st.CreateOrder(context.Background(), dup)
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestWriteOrderStatusIsGuarded(t *testing.T) {
	eachStore(t, func(t *testing.T, st repository) {
		ctx := context.Background()
		o := seedOrder(t, st, "biz-1", models.OrderStatusPending)

		change := models.StatusChange{
			OrderID: o.ID,
			From:    models.OrderStatusPending,
			To:      models.OrderStatusConfirmed,
			Version: o.StatusVersion,
			Actor:   system,
			At:      time.Now().UTC(),
		}
		updated, err := st.WriteOrderStatus(ctx, change)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusConfirmed, updated.Status)
		assert.Equal(t, o.StatusVersion+1, updated.StatusVersion)
		assert.NotNil(t, updated.ConfirmedAt)

		// replaying the same change loses the guard
		_, err = st.WriteOrderStatus(ctx, change)
		assert.ErrorIs(t, err, ErrConflict)

		history, err := st.ListStatusHistory(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, models.OrderStatusConfirmed, history[0].ToStatus)
		assert.Equal(t, system.ID, history[0].ActorID)
	})
}

func TestCancelRecordsReason(t *testing.T) {
	eachStore(t, func(t *testing.T, st repository) {
		ctx := context.Background()
		o := seedOrder(t, st, "biz-1", models.OrderStatusPending)

		updated, err := st.WriteOrderStatus(ctx, models.StatusChange{
			OrderID: o.ID,
			From:    models.OrderStatusPending,
			To:      models.OrderStatusCancelled,
			Version: o.StatusVersion,
			Actor:   system,
			Reason:  "out of stock",
			At:      time.Now().UTC(),
		})
		require.NoError(t, err)
		require.NotNil(t, updated.CancelReason)
		assert.Equal(t, "out of stock", *updated.CancelReason)
		assert.NotNil(t, updated.CancelledAt)
		assert.False(t, updated.AvailableForDrivers)
	})
}

func TestBindEnforcesCapacity(t *testing.T) {
	eachStore(t, func(t *testing.T, st repository) {
		ctx := context.Background()
		driverID := seedDriver(t, st, true)

		for i := 0; i < 3; i++ {
			o := seedOrder(t, st, "biz-1", models.OrderStatusReady)
			bound, err := st.BindDriverToOrder(ctx, o.ID, bindReq(driverID))
			require.NoError(t, err)
			assert.Equal(t, models.OrderStatusOutForDelivery, bound.Status)
			assert.True(t, bound.BoundTo(driverID))
			assert.False(t, bound.AvailableForDrivers)
		}

		count, err := st.ReadActiveOrderCount(ctx, driverID)
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		fourth := seedOrder(t, st, "biz-1", models.OrderStatusReady)
		_, err = st.BindDriverToOrder(ctx, fourth.ID, bindReq(driverID))
		assert.ErrorIs(t, err, ErrDriverAtCapacity)

		stored, err := st.ReadOrder(ctx, fourth.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusReady, stored.Status)
		assert.False(t, stored.HasDriver())
	})
}

func TestBindRejections(t *testing.T) {
	eachStore(t, func(t *testing.T, st repository) {
		ctx := context.Background()
		active := seedDriver(t, st, true)
		inactive := seedDriver(t, st, false)

		ready := seedOrder(t, st, "biz-1", models.OrderStatusReady)
		_, err := st.BindDriverToOrder(ctx, ready.ID, bindReq(inactive))
		assert.ErrorIs(t, err, ErrDriverInactive)

		_, err = st.BindDriverToOrder(ctx, ready.ID, bindReq("ghost-"+uuid.New().String()[:8]))
		assert.ErrorIs(t, err, ErrDriverNotFound)

		pending := seedOrder(t, st, "biz-1", models.OrderStatusPending)
		_, err = st.BindDriverToOrder(ctx, pending.ID, bindReq(active))
		assert.ErrorIs(t, err, ErrConflict)

		_, err = st.BindDriverToOrder(ctx, ready.ID, bindReq(active))
		require.NoError(t, err)
		_, err = st.BindDriverToOrder(ctx, ready.ID, bindReq(active))
		assert.ErrorIs(t, err, ErrConflict)

		assignments, err := st.ListAssignments(ctx, ready.ID)
		require.NoError(t, err)
		require.Len(t, assignments, 1)
		assert.True(t, assignments[0].Active)
	})
}

func TestConcurrentBindHasOneWinner(t *testing.T) {
	eachStore(t, func(t *testing.T, st repository) {
		ctx := context.Background()
		o := seedOrder(t, st, "biz-1", models.OrderStatusReady)

		const n = 6
		drivers := make([]string, n)
		for i := range drivers {
			drivers[i] = seedDriver(t, st, true)
		}

		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := range drivers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = st.BindDriverToOrder(ctx, o.ID, bindReq(drivers[i]))
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
				continue
			}
			assert.ErrorIs(t, err, ErrConflict)
		}
		assert.Equal(t, 1, winners)
	})
}

func TestReleaseDriver(t *testing.T) {
	eachStore(t, func(t *testing.T, st repository) {
		ctx := context.Background()
		driverID := seedDriver(t, st, true)

		standalone := seedOrder(t, st, "biz-1", models.OrderStatusReady)
		_, err := st.BindDriverToOrder(ctx, standalone.ID, bindReq(driverID))
		require.NoError(t, err)

		member := seedOrder(t, st, "biz-1", models.OrderStatusReady)
		batch := &models.DeliveryBatch{
			ID:          uuid.New().String(),
			BusinessID:  "biz-1",
			Status:      models.BatchStatusPending,
			TotalOrders: 1,
			CreatedAt:   time.Now().UTC(),
		}
		batch.Orders = []models.BatchOrder{{BatchID: batch.ID, OrderID: member.ID, SequenceOrder: 1, Status: models.BatchOrderPending}}
		require.NoError(t, st.CreateBatch(ctx, batch))
		_, err = st.BindDriverToBatch(ctx, batch.ID, bindReq(driverID))
		require.NoError(t, err)

		result, err := st.ReleaseDriver(ctx, driverID, system, time.Now().UTC())
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{standalone.ID, member.ID}, result.ReleasedOrders)
		assert.ElementsMatch(t, []string{batch.ID}, result.RequeuedBatches)
		assert.Empty(t, result.StalledBatches)

		released, err := st.ReadOrder(ctx, standalone.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusOutForDelivery, released.Status)
		assert.False(t, released.HasDriver())
		assert.True(t, released.AvailableForDrivers)

		requeued, err := st.ReadBatch(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, models.BatchStatusPending, requeued.Status)
		assert.False(t, requeued.HasDriver())

		count, err := st.ReadActiveOrderCount(ctx, driverID)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		assignments, err := st.ListAssignments(ctx, standalone.ID)
		require.NoError(t, err)
		require.Len(t, assignments, 1)
		assert.False(t, assignments[0].Active)
		assert.NotNil(t, assignments[0].ReleasedAt)

		_, err = st.ReleaseDriver(ctx, "ghost-"+uuid.New().String()[:8], system, time.Now().UTC())
		assert.ErrorIs(t, err, ErrDriverNotFound)
	})
}

func TestOrderJoinsOneActiveBatch(t *testing.T) {
	eachStore(t, func(t *testing.T, st repository) {
		ctx := context.Background()
		o := seedOrder(t, st, "biz-1", models.OrderStatusReady)

		newBatch := func() *models.DeliveryBatch {
			b := &models.DeliveryBatch{
				ID:          uuid.New().String(),
				BusinessID:  "biz-1",
				Status:      models.BatchStatusPending,
				TotalOrders: 1,
				CreatedAt:   time.Now().UTC(),
			}
			b.Orders = []models.BatchOrder{{BatchID: b.ID, OrderID: o.ID, SequenceOrder: 1, Status: models.BatchOrderPending}}
			return b
		}

		first := newBatch()
		require.NoError(t, st.CreateBatch(ctx, first))
		assert.ErrorIs(t, st.CreateBatch(ctx, newBatch()), ErrConflict)

		active, err := st.FindActiveBatchByOrder(ctx, o.ID)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, first.ID, active.ID)

		// a batch cannot complete before its members are delivered
		_, err = st.WriteBatchStatus(ctx, models.BatchStatusChange{
			BatchID: first.ID,
			From:    models.BatchStatusPending,
			To:      models.BatchStatusCompleted,
			Actor:   system,
			At:      time.Now().UTC(),
		})
		assert.ErrorIs(t, err, ErrConflict)

		_, err = st.WriteBatchStatus(ctx, models.BatchStatusChange{
			BatchID: first.ID,
			From:    models.BatchStatusPending,
			To:      models.BatchStatusCancelled,
			Actor:   system,
			At:      time.Now().UTC(),
		})
		require.NoError(t, err)

		active, err = st.FindActiveBatchByOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Nil(t, active)
		assert.NoError(t, st.CreateBatch(ctx, newBatch()))
	})
}

func TestCartMutationVersions(t *testing.T) {
	eachStore(t, func(t *testing.T, st repository) {
		ctx := context.Background()
		customerID := "cust-" + uuid.New().String()[:8]

		empty, err := st.ReadCart(ctx, customerID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), empty.Version)
		assert.True(t, empty.IsEmpty())

		version, err := st.ReadCartVersion(ctx, customerID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), version)

		add := models.CartMutation{
			Kind:         models.CartAddItem,
			Item:         &models.CartItem{ID: "sku-1", Name: "Bakso", Price: 20000, Quantity: 2},
			BusinessID:   "biz-1",
			BusinessName: "Warung",
		}
		cart, err := st.ApplyCartMutation(ctx, customerID, add)
		require.NoError(t, err)
		assert.Equal(t, int64(1), cart.Version)
		assert.Equal(t, "biz-1", cart.BusinessID)
		assert.Equal(t, int64(40000), cart.Total())

		other := add
		other.BusinessID = "biz-2"
		_, err = st.ApplyCartMutation(ctx, customerID, other)
		assert.ErrorIs(t, err, models.ErrCartBusinessMismatch)

		stored, err := st.ReadCart(ctx, customerID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Version)
		assert.Equal(t, "biz-1", stored.BusinessID)

		version, err = st.ReadCartVersion(ctx, customerID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), version)
	})
}

func TestListOrdersAwaitingDriverLimit(t *testing.T) {
	eachStore(t, func(t *testing.T, st repository) {
		ctx := context.Background()
		first := seedOrder(t, st, "biz-1", models.OrderStatusReady)
		second := seedOrder(t, st, "biz-1", models.OrderStatusReady)

		all, err := st.ListOrdersAwaitingDriver(ctx, 0)
		require.NoError(t, err)
		ids := make(map[string]bool, len(all))
		for _, o := range all {
			ids[o.ID] = true
		}
		assert.True(t, ids[first.ID])
		assert.True(t, ids[second.ID])

		one, err := st.ListOrdersAwaitingDriver(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, one, 1)
	})
}

func TestEventLedger(t *testing.T) {
	eachStore(t, func(t *testing.T, st repository) {
		ctx := context.Background()
		id := uuid.New().String()

		done, err := st.IsEventProcessed(ctx, id)
		require.NoError(t, err)
		assert.False(t, done)

		require.NoError(t, st.MarkEventProcessed(ctx, id, models.EventTypeOrderDelivered))
		require.NoError(t, st.MarkEventProcessed(ctx, id, models.EventTypeOrderDelivered))

		done, err = st.IsEventProcessed(ctx, id)
		require.NoError(t, err)
		assert.True(t, done)
	})
}
