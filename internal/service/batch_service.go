package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BatchService handles the delivery batch lifecycle
type BatchService struct {
	orders   OrderRepository
	batches  BatchRepository
	notifier Notifier
	policy   Policy
	logger   *zap.Logger
	now      func() time.Time
}

// NewBatchService creates a new batch service
func NewBatchService(orders OrderRepository, batches BatchRepository, notifier Notifier, policy Policy) *BatchService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &BatchService{
		orders:   orders,
		batches:  batches,
		notifier: notifier,
		policy:   policy.normalized(),
		logger:   util.GetLogger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateBatchRequest lists the orders of one business in route order
type CreateBatchRequest struct {
	BusinessID string   `json:"business_id" binding:"required"`
	OrderIDs   []string `json:"order_ids" binding:"required,min=1"`
}

// CreateBatch groups unbound orders of one business into a pending batch
func (s *BatchService) CreateBatch(ctx context.Context, actor models.Actor, req *CreateBatchRequest) (*models.DeliveryBatch, error) {
	ctx, span := util.StartSpan(ctx, "BatchService.CreateBatch")
	var err error
	defer func() { util.EndSpan(span, err) }()

	if n := len(req.OrderIDs); n < 1 || n > s.policy.MaxBatchSize {
		err = badRequest("batch must hold between 1 and %d orders, got %d", s.policy.MaxBatchSize, n)
		return nil, err
	}

	seen := make(map[string]bool, len(req.OrderIDs))
	now := s.now()
	batch := &models.DeliveryBatch{
		ID:          uuid.New().String(),
		BusinessID:  req.BusinessID,
		Status:      models.BatchStatusPending,
		TotalOrders: len(req.OrderIDs),
		CreatedAt:   now,
	}
	for i, orderID := range req.OrderIDs {
		if seen[orderID] {
			err = badRequest("order %s listed twice", orderID)
			return nil, err
		}
		seen[orderID] = true

		order, rerr := s.orders.ReadOrder(ctx, orderID)
		if rerr != nil {
			err = translateStoreError(rerr)
			return nil, err
		}
		if order.BusinessID != req.BusinessID {
			err = badRequest("order %s belongs to business %s", order.ID, order.BusinessID)
			return nil, err
		}
		if order.Status.Terminal() {
			err = fmt.Errorf("%w: order %s is %s", ErrConflict, order.ID, order.Status)
			return nil, err
		}
		if order.HasDriver() {
			err = fmt.Errorf("%w: order %s is already bound to a driver", ErrConflict, order.ID)
			return nil, err
		}

		batch.Orders = append(batch.Orders, models.BatchOrder{
			BatchID:       batch.ID,
			OrderID:       orderID,
			SequenceOrder: i + 1,
			Status:        models.BatchOrderPending,
		})
	}

	if err = s.batches.CreateBatch(ctx, batch); err != nil {
		err = translateStoreError(err)
		return nil, err
	}

	s.logger.Info("Batch created",
		zap.String("batch_id", batch.ID),
		zap.String("business_id", batch.BusinessID),
		zap.Int("orders", batch.TotalOrders),
		zap.String("actor_id", actor.ID))
	return batch, nil
}

// GetBatch retrieves a batch by ID
func (s *BatchService) GetBatch(ctx context.Context, batchID string) (*models.DeliveryBatch, error) {
	batch, err := s.batches.ReadBatch(ctx, batchID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	return batch, nil
}

// StartBatch moves an assigned batch to in_progress. Only the batch's driver may start it.
func (s *BatchService) StartBatch(ctx context.Context, actor models.Actor, batchID string) (*models.DeliveryBatch, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.Status.CanTransition(models.BatchStatusInProgress) {
		util.InvalidTransitionsTotal.WithLabelValues("batch").Inc()
		return nil, batchTransitionError(batch, models.BatchStatusInProgress)
	}
	if err := s.checkDriver(actor, batch); err != nil {
		return nil, err
	}
	return s.write(ctx, actor, batch, models.BatchStatusInProgress, batch.DriverID)
}

// MarkPickedUp records that the driver collected a member order
func (s *BatchService) MarkPickedUp(ctx context.Context, actor models.Actor, batchID, orderID string) (*models.DeliveryBatch, error) {
	return s.advance(ctx, actor, batchID, orderID, models.BatchOrderPickedUp)
}

// MarkDelivered records a member delivery, which also delivers the order.
// The batch completes as soon as its last member is delivered.
func (s *BatchService) MarkDelivered(ctx context.Context, actor models.Actor, batchID, orderID string) (*models.DeliveryBatch, error) {
	batch, err := s.advance(ctx, actor, batchID, orderID, models.BatchOrderDelivered)
	if err != nil {
		return nil, err
	}

	order, err := s.orders.ReadOrder(ctx, orderID)
	if err != nil {
		s.logger.Warn("Failed to reload delivered order", zap.String("order_id", orderID), zap.Error(err))
	} else {
		if nerr := s.notifier.OrderStatusChanged(ctx, order, models.OrderStatusOutForDelivery, models.OrderStatusDelivered, actor); nerr != nil {
			notifyFailed(s.logger, models.EventTypeOrderStatusChanged, nerr)
		}
		if nerr := s.notifier.OrderDelivered(ctx, order, &batch.ID); nerr != nil {
			notifyFailed(s.logger, models.EventTypeOrderDelivered, nerr)
		}
	}
	util.OrderTransitionsTotal.WithLabelValues(string(models.OrderStatusOutForDelivery), string(models.OrderStatusDelivered)).Inc()

	if batch.AllDelivered() {
		completed, err := s.complete(ctx, actor, batch, "last_delivery")
		if err != nil {
			s.logger.Warn("Batch completion deferred", zap.String("batch_id", batch.ID), zap.Error(err))
			return batch, nil
		}
		return completed, nil
	}
	return batch, nil
}

// CompleteBatch completes an in-progress batch whose members are all delivered
func (s *BatchService) CompleteBatch(ctx context.Context, actor models.Actor, batchID string) (*models.DeliveryBatch, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := s.checkDriver(actor, batch); err != nil {
		return nil, err
	}
	return s.complete(ctx, actor, batch, "manual")
}

// CompleteIfDelivered completes the batch if every member is delivered.
// It reports whether this call completed it and is safe to repeat.
func (s *BatchService) CompleteIfDelivered(ctx context.Context, batchID string) (bool, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	if batch.Status != models.BatchStatusInProgress || !batch.AllDelivered() {
		return false, nil
	}

	_, err = s.complete(ctx, models.SystemActor("batch-completer"), batch, "event")
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CancelBatch cancels a pending or assigned batch. Member orders keep their
// status and lose the batch driver.
func (s *BatchService) CancelBatch(ctx context.Context, actor models.Actor, batchID string) (*models.DeliveryBatch, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.Status.CanTransition(models.BatchStatusCancelled) {
		util.InvalidTransitionsTotal.WithLabelValues("batch").Inc()
		return nil, batchTransitionError(batch, models.BatchStatusCancelled)
	}
	return s.write(ctx, actor, batch, models.BatchStatusCancelled, nil)
}

func (s *BatchService) complete(ctx context.Context, actor models.Actor, batch *models.DeliveryBatch, trigger string) (*models.DeliveryBatch, error) {
	if !batch.Status.CanTransition(models.BatchStatusCompleted) || !batch.AllDelivered() {
		util.InvalidTransitionsTotal.WithLabelValues("batch").Inc()
		return nil, batchTransitionError(batch, models.BatchStatusCompleted)
	}

	completed, err := s.write(ctx, actor, batch, models.BatchStatusCompleted, nil)
	if err != nil {
		return nil, err
	}
	util.BatchesCompletedTotal.WithLabelValues(trigger).Inc()
	return completed, nil
}

func (s *BatchService) advance(ctx context.Context, actor models.Actor, batchID, orderID string, to models.BatchOrderStatus) (*models.DeliveryBatch, error) {
	ctx, span := util.StartSpan(ctx, "BatchService.Advance")
	var err error
	defer func() { util.EndSpan(span, err) }()

	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	member, ok := batch.Member(orderID)
	if !ok {
		err = fmt.Errorf("%w: order %s is not in batch %s", ErrNotFound, orderID, batchID)
		return nil, err
	}
	if !member.Status.CanTransition(to) {
		util.InvalidTransitionsTotal.WithLabelValues("batch_order").Inc()
		err = &TransitionError{Entity: "batch_order", ID: batchID + "/" + orderID, From: string(member.Status), To: string(to)}
		return nil, err
	}
	if batch.Status != models.BatchStatusInProgress {
		err = fmt.Errorf("%w: batch %s is %s", ErrConflict, batch.ID, batch.Status)
		return nil, err
	}
	if err = s.checkDriver(actor, batch); err != nil {
		return nil, err
	}

	updated, err := s.batches.AdvanceBatchOrder(ctx, models.BatchOrderAdvance{
		BatchID:  batchID,
		OrderID:  orderID,
		From:     member.Status,
		To:       to,
		DriverID: *batch.DriverID,
		Actor:    actor,
		At:       s.now(),
	})
	if err != nil {
		err = translateStoreError(err)
		return nil, err
	}

	s.logger.Info("Batch order advanced",
		zap.String("batch_id", batchID),
		zap.String("order_id", orderID),
		zap.String("status", string(to)))
	return updated, nil
}

func (s *BatchService) write(ctx context.Context, actor models.Actor, batch *models.DeliveryBatch, to models.BatchStatus, driverID *string) (*models.DeliveryBatch, error) {
	from := batch.Status
	updated, err := s.batches.WriteBatchStatus(ctx, models.BatchStatusChange{
		BatchID:  batch.ID,
		From:     from,
		To:       to,
		DriverID: driverID,
		Actor:    actor,
		At:       s.now(),
	})
	if err != nil {
		return nil, translateStoreError(err)
	}

	s.logger.Info("Batch status changed",
		zap.String("batch_id", batch.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor_id", actor.ID))

	if nerr := s.notifier.BatchStatusChanged(ctx, updated, from, to); nerr != nil {
		notifyFailed(s.logger, models.BatchEventType(to), nerr)
	}
	return updated, nil
}

// checkDriver requires a bound driver and, for driver actors, that it is them
func (s *BatchService) checkDriver(actor models.Actor, batch *models.DeliveryBatch) error {
	if !batch.HasDriver() {
		return fmt.Errorf("%w: batch %s has no driver", ErrConflict, batch.ID)
	}
	if actor.Role == models.RoleDriver && *batch.DriverID != actor.ID {
		return fmt.Errorf("%w: batch %s is bound to another driver", ErrConflict, batch.ID)
	}
	return nil
}
