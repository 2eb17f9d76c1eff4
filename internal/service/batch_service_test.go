package service

import (
	"context"
	"testing"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// startedBatch returns an in-progress batch of n ready orders driven by drv-1
func startedBatch(t *testing.T, f *fixture, n int) (*models.DeliveryBatch, []string) {
	t.Helper()
	ctx := context.Background()
	f.addDriver(t, "drv-1", true, nil)

	ids := make([]string, n)
	for i := range ids {
		ids[i] = f.readyOrder(t, "biz-1").ID
	}
	batch, err := f.batches.CreateBatch(ctx, dispatcher, &CreateBatchRequest{BusinessID: "biz-1", OrderIDs: ids})
	require.NoError(t, err)
	_, err = f.engine.AssignBatch(ctx, dispatcher, "drv-1", batch.ID)
	require.NoError(t, err)
	batch, err = f.batches.StartBatch(ctx, driverActor("drv-1"), batch.ID)
	require.NoError(t, err)
	return batch, ids
}

func TestCreateBatchValidation(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a := f.readyOrder(t, "biz-1")
	foreign := f.readyOrder(t, "biz-2")
	cancelled := f.createOrder(t, "biz-1")
	_, err := f.orders.Cancel(ctx, business, cancelled.ID, "")
	require.NoError(t, err)

	tests := []struct {
		name string
		ids  []string
		kind error
	}{
		{name: "empty", ids: []string{}, kind: ErrBadRequest},
		{name: "too many", ids: []string{"1", "2", "3", "4"}, kind: ErrBadRequest},
		{name: "duplicate", ids: []string{a.ID, a.ID}, kind: ErrBadRequest},
		{name: "other business", ids: []string{a.ID, foreign.ID}, kind: ErrBadRequest},
		{name: "terminal order", ids: []string{cancelled.ID}, kind: ErrConflict},
		{name: "unknown order", ids: []string{"missing"}, kind: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.batches.CreateBatch(ctx, dispatcher, &CreateBatchRequest{BusinessID: "biz-1", OrderIDs: tt.ids})
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestOrderBelongsToOneActiveBatch(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a := f.readyOrder(t, "biz-1")

	first, err := f.batches.CreateBatch(ctx, dispatcher, &CreateBatchRequest{BusinessID: "biz-1", OrderIDs: []string{a.ID}})
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, first.Status)
	assert.Equal(t, 1, first.Orders[0].SequenceOrder)

	_, err = f.batches.CreateBatch(ctx, dispatcher, &CreateBatchRequest{BusinessID: "biz-1", OrderIDs: []string{a.ID}})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.batches.CancelBatch(ctx, dispatcher, first.ID)
	require.NoError(t, err)
	_, err = f.batches.CreateBatch(ctx, dispatcher, &CreateBatchRequest{BusinessID: "biz-1", OrderIDs: []string{a.ID}})
	assert.NoError(t, err)
}

func TestBatchCompletesOnLastDelivery(t *testing.T) {
	n := &mockNotifier{}
	n.On("OrderStatusChanged", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	n.On("DriverAssigned", mock.Anything).Return(nil)
	n.On("BatchStatusChanged", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	n.On("OrderDelivered", mock.Anything).Return(nil).Twice()

	f := newFixture(t, n, nil)
	ctx := context.Background()
	batch, ids := startedBatch(t, f, 2)
	drv := driverActor("drv-1")

	for i, id := range ids {
		_, err := f.batches.MarkPickedUp(ctx, drv, batch.ID, id)
		require.NoError(t, err)
		updated, err := f.batches.MarkDelivered(ctx, drv, batch.ID, id)
		require.NoError(t, err)

		if i < len(ids)-1 {
			assert.Equal(t, models.BatchStatusInProgress, updated.Status)
		} else {
			assert.Equal(t, models.BatchStatusCompleted, updated.Status)
			assert.NotNil(t, updated.CompletedAt)
		}
	}

	for _, id := range ids {
		order, err := f.orders.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusDelivered, order.Status)
	}
	n.AssertCalled(t, "BatchStatusChanged", batch.ID, models.BatchStatusInProgress, models.BatchStatusCompleted)
	n.AssertExpectations(t)
}

func TestBatchCompletionRequiresAllDelivered(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	batch, ids := startedBatch(t, f, 2)
	drv := driverActor("drv-1")

	_, err := f.batches.MarkPickedUp(ctx, drv, batch.ID, ids[0])
	require.NoError(t, err)
	_, err = f.batches.MarkDelivered(ctx, drv, batch.ID, ids[0])
	require.NoError(t, err)
	_, err = f.batches.MarkPickedUp(ctx, drv, batch.ID, ids[1])
	require.NoError(t, err)

	_, err = f.batches.CompleteBatch(ctx, drv, batch.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "batch", te.Entity)

	stored, err := f.batches.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusInProgress, stored.Status)
	assert.Nil(t, stored.CompletedAt)

	completed, err := f.batches.CompleteIfDelivered(ctx, batch.ID)
	require.NoError(t, err)
	assert.False(t, completed)
}

func TestBatchMemberProgressIsMonotonic(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	batch, ids := startedBatch(t, f, 1)
	drv := driverActor("drv-1")

	// cannot skip picked_up
	_, err := f.batches.MarkDelivered(ctx, drv, batch.ID, ids[0])
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = f.batches.MarkPickedUp(ctx, drv, batch.ID, ids[0])
	require.NoError(t, err)
	_, err = f.batches.MarkPickedUp(ctx, drv, batch.ID, ids[0])
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = f.batches.MarkPickedUp(ctx, drv, batch.ID, "stranger")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.batches.MarkDelivered(ctx, driverActor("drv-2"), batch.ID, ids[0])
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBatchMembersAreDeliveredThroughBatch(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	_, ids := startedBatch(t, f, 1)

	_, err := f.orders.MarkDelivered(ctx, driverActor("drv-1"), ids[0])
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStartBatchRequiresDriver(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.addDriver(t, "drv-1", true, nil)
	a := f.readyOrder(t, "biz-1")
	batch, err := f.batches.CreateBatch(ctx, dispatcher, &CreateBatchRequest{BusinessID: "biz-1", OrderIDs: []string{a.ID}})
	require.NoError(t, err)

	// pending -> in_progress is not an edge
	_, err = f.batches.StartBatch(ctx, dispatcher, batch.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = f.engine.AssignBatch(ctx, dispatcher, "drv-1", batch.ID)
	require.NoError(t, err)
	_, err = f.batches.StartBatch(ctx, driverActor("drv-2"), batch.ID)
	assert.ErrorIs(t, err, ErrConflict)

	started, err := f.batches.StartBatch(ctx, driverActor("drv-1"), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusInProgress, started.Status)
	assert.NotNil(t, started.StartedAt)

	_, err = f.batches.CancelBatch(ctx, dispatcher, batch.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestCancelAssignedBatchUnbindsMembers(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.addDriver(t, "drv-1", true, nil)
	a := f.readyOrder(t, "biz-1")
	batch, err := f.batches.CreateBatch(ctx, dispatcher, &CreateBatchRequest{BusinessID: "biz-1", OrderIDs: []string{a.ID}})
	require.NoError(t, err)
	_, err = f.engine.AssignBatch(ctx, dispatcher, "drv-1", batch.ID)
	require.NoError(t, err)

	cancelled, err := f.batches.CancelBatch(ctx, dispatcher, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCancelled, cancelled.Status)

	order, err := f.orders.GetOrder(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, order.HasDriver())
	assert.Equal(t, models.OrderStatusOutForDelivery, order.Status)

	avail, err := f.availability.CheckDriver(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, 0, avail.ActiveOrders)

	// the order is free for standalone dispatch again
	_, err = f.engine.AssignOrder(ctx, dispatcher, "drv-1", a.ID)
	assert.NoError(t, err)
}

func TestCompleteIfDeliveredIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	batch, ids := startedBatch(t, f, 1)
	drv := driverActor("drv-1")

	_, err := f.batches.MarkPickedUp(ctx, drv, batch.ID, ids[0])
	require.NoError(t, err)
	// deliver through the store so the batch is left for the completer
	_, err = f.store.AdvanceBatchOrder(ctx, models.BatchOrderAdvance{
		BatchID:  batch.ID,
		OrderID:  ids[0],
		From:     models.BatchOrderPickedUp,
		To:       models.BatchOrderDelivered,
		DriverID: "drv-1",
		Actor:    drv,
	})
	require.NoError(t, err)

	completed, err := f.batches.CompleteIfDelivered(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, completed)

	completed, err = f.batches.CompleteIfDelivered(ctx, batch.ID)
	require.NoError(t, err)
	assert.False(t, completed)

	stored, err := f.batches.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, stored.Status)
}
