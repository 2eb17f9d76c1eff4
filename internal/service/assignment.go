package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// AssignmentStore is the store surface the assignment engine writes through
type AssignmentStore interface {
	OrderRepository
	DriverRepository
	AssignmentRepository
	BatchRepository
}

// AssignmentEngine binds drivers to orders and batches.
// Local checks fail fast with a Reason; the store re-checks everything
// inside the binding transaction and decides races.
type AssignmentEngine struct {
	store        AssignmentStore
	availability *AvailabilityService
	locker       Locker
	notifier     Notifier
	policy       Policy
	logger       *zap.Logger
	now          func() time.Time
}

// NewAssignmentEngine creates a new assignment engine. locker may be nil.
func NewAssignmentEngine(
	st AssignmentStore,
	availability *AvailabilityService,
	locker Locker,
	notifier Notifier,
	policy Policy,
) *AssignmentEngine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &AssignmentEngine{
		store:        st,
		availability: availability,
		locker:       locker,
		notifier:     notifier,
		policy:       policy.normalized(),
		logger:       util.GetLogger(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// AssignOrder binds driverID to a single order
func (e *AssignmentEngine) AssignOrder(ctx context.Context, actor models.Actor, driverID, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "AssignmentEngine.AssignOrder")
	start := time.Now()
	var err error
	defer func() {
		util.AssignmentLatency.Observe(time.Since(start).Seconds())
		util.AssignmentsTotal.WithLabelValues("order", resultLabel(err)).Inc()
		util.EndSpan(span, err)
	}()

	order, err := e.checkOrderAssignable(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, err = e.checkDriver(ctx, driverID, order.BusinessID, 1); err != nil {
		return nil, err
	}

	unlock, err := e.lock(ctx, "assign:order:"+orderID, ReasonOrderAlreadyAssigned)
	if err != nil {
		return nil, err
	}
	defer unlock()

	bound, err := e.store.BindDriverToOrder(ctx, orderID, e.bindRequest(actor, driverID))
	if err != nil {
		err = e.orderBindFailure(ctx, err, orderID)
		return nil, err
	}

	e.logger.Info("Driver assigned to order",
		zap.String("order_id", orderID),
		zap.String("driver_id", driverID),
		zap.String("actor_id", actor.ID))

	if order.Status != models.OrderStatusOutForDelivery {
		if nerr := e.notifier.OrderStatusChanged(ctx, bound, order.Status, bound.Status, actor); nerr != nil {
			notifyFailed(e.logger, models.EventTypeOrderStatusChanged, nerr)
		}
	}
	if nerr := e.notifier.DriverAssigned(ctx, bound, nil); nerr != nil {
		notifyFailed(e.logger, models.EventTypeDriverAssigned, nerr)
	}
	return bound, nil
}

// AssignBatch binds driverID to every undelivered member of a batch
func (e *AssignmentEngine) AssignBatch(ctx context.Context, actor models.Actor, driverID, batchID string) (*models.DeliveryBatch, error) {
	ctx, span := util.StartSpan(ctx, "AssignmentEngine.AssignBatch")
	start := time.Now()
	var err error
	defer func() {
		util.AssignmentLatency.Observe(time.Since(start).Seconds())
		util.AssignmentsTotal.WithLabelValues("batch", resultLabel(err)).Inc()
		util.EndSpan(span, err)
	}()

	batch, err := e.store.ReadBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = newAssignmentError(ReasonBatchNotFound, "%s", batchID)
			return nil, err
		}
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	if batch.HasDriver() {
		err = newAssignmentError(ReasonBatchAlreadyAssigned, "batch %s is bound to %s", batch.ID, *batch.DriverID)
		return nil, err
	}
	if batch.Status != models.BatchStatusPending && batch.Status != models.BatchStatusInProgress {
		err = newAssignmentError(ReasonBatchNotAssignable, "batch %s is %s", batch.ID, batch.Status)
		return nil, err
	}

	before := make(map[string]models.OrderStatus)
	for _, bo := range batch.Orders {
		if bo.Status == models.BatchOrderDelivered {
			continue
		}
		order, rerr := e.store.ReadOrder(ctx, bo.OrderID)
		if rerr != nil {
			err = fmt.Errorf("failed to read batch order %s: %w", bo.OrderID, translateStoreError(rerr))
			return nil, err
		}
		if order.HasDriver() {
			err = newAssignmentError(ReasonBatchAlreadyAssigned, "order %s is bound", order.ID)
			return nil, err
		}
		if !order.Assignable() {
			err = newAssignmentError(ReasonBatchNotAssignable, "order %s is %s", order.ID, order.Status)
			return nil, err
		}
		before[order.ID] = order.Status
	}
	if len(before) == 0 {
		err = newAssignmentError(ReasonBatchNotAssignable, "batch %s has no undelivered orders", batch.ID)
		return nil, err
	}

	if _, err = e.checkDriver(ctx, driverID, batch.BusinessID, len(before)); err != nil {
		return nil, err
	}

	unlock, err := e.lock(ctx, "assign:batch:"+batchID, ReasonBatchAlreadyAssigned)
	if err != nil {
		return nil, err
	}
	defer unlock()

	bound, err := e.store.BindDriverToBatch(ctx, batchID, e.bindRequest(actor, driverID))
	if err != nil {
		err = e.batchBindFailure(ctx, err, batchID)
		return nil, err
	}

	e.logger.Info("Driver assigned to batch",
		zap.String("batch_id", batchID),
		zap.String("driver_id", driverID),
		zap.Int("orders", len(before)),
		zap.String("actor_id", actor.ID))

	if bound.Status != batch.Status {
		if nerr := e.notifier.BatchStatusChanged(ctx, bound, batch.Status, bound.Status); nerr != nil {
			notifyFailed(e.logger, models.BatchEventType(bound.Status), nerr)
		}
	}
	for orderID, from := range before {
		order, rerr := e.store.ReadOrder(ctx, orderID)
		if rerr != nil {
			e.logger.Warn("Failed to reload assigned order", zap.String("order_id", orderID), zap.Error(rerr))
			continue
		}
		if from != order.Status {
			if nerr := e.notifier.OrderStatusChanged(ctx, order, from, order.Status, actor); nerr != nil {
				notifyFailed(e.logger, models.EventTypeOrderStatusChanged, nerr)
			}
		}
		if nerr := e.notifier.DriverAssigned(ctx, order, &bound.ID); nerr != nil {
			notifyFailed(e.logger, models.EventTypeDriverAssigned, nerr)
		}
	}
	return bound, nil
}

// Release unbinds a driver from all non-terminal work. Order statuses are
// not regressed: released orders stay out_for_delivery without a driver
// and are offered for redispatch.
func (e *AssignmentEngine) Release(ctx context.Context, actor models.Actor, driverID string) (*models.ReleaseResult, error) {
	ctx, span := util.StartSpan(ctx, "AssignmentEngine.Release")
	var err error
	defer func() { util.EndSpan(span, err) }()

	result, err := e.store.ReleaseDriver(ctx, driverID, actor, e.now())
	if err != nil {
		if errors.Is(err, store.ErrDriverNotFound) {
			err = newAssignmentError(ReasonDriverNotFound, "%s", driverID)
			return nil, err
		}
		err = fmt.Errorf("failed to release driver: %w", translateStoreError(err))
		return nil, err
	}

	util.DriverReleasesTotal.Inc()
	e.logger.Warn("Driver released",
		zap.String("driver_id", driverID),
		zap.String("actor_id", actor.ID),
		zap.Strings("released_orders", result.ReleasedOrders),
		zap.Strings("requeued_batches", result.RequeuedBatches),
		zap.Strings("stalled_batches", result.StalledBatches))

	if nerr := e.notifier.DriverReleased(ctx, result); nerr != nil {
		notifyFailed(e.logger, models.EventTypeDriverReleased, nerr)
	}
	return result, nil
}

// Assignments lists the driver bindings an order has had, newest first
func (e *AssignmentEngine) Assignments(ctx context.Context, orderID string) ([]models.DriverAssignment, error) {
	if _, err := e.store.ReadOrder(ctx, orderID); err != nil {
		return nil, translateStoreError(err)
	}
	assignments, err := e.store.ListAssignments(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return assignments, nil
}

// AutoAssign picks a driver for the order using cmp and binds it. Candidates
// are tried in order; only driver-side ineligibility moves on to the next.
func (e *AssignmentEngine) AutoAssign(ctx context.Context, actor models.Actor, orderID string, cmp Comparator) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "AssignmentEngine.AutoAssign")
	var err error
	defer func() { util.EndSpan(span, err) }()

	order, err := e.checkOrderAssignable(ctx, orderID)
	if err != nil {
		return nil, err
	}

	candidates, err := e.availability.EligibleDrivers(ctx, order.BusinessID)
	if err != nil {
		return nil, err
	}
	rank(candidates, cmp)

	for _, c := range candidates {
		bound, aerr := e.AssignOrder(ctx, actor, c.Driver.ID, orderID)
		if aerr == nil {
			return bound, nil
		}
		if !errors.Is(aerr, ErrDriverIneligible) {
			err = aerr
			return nil, err
		}
		e.logger.Debug("Candidate rejected", zap.String("driver_id", c.Driver.ID), zap.Error(aerr))
	}

	err = newAssignmentError(ReasonNoEligibleDriver, "business %s", order.BusinessID)
	return nil, err
}

// DispatchPending auto-assigns up to limit orders awaiting a driver.
// It returns how many orders were bound.
func (e *AssignmentEngine) DispatchPending(ctx context.Context, actor models.Actor, cmp Comparator, limit int) (int, error) {
	orders, err := e.store.ListOrdersAwaitingDriver(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list orders awaiting driver: %w", err)
	}

	assigned := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return assigned, ctx.Err()
		}
		_, err := e.AutoAssign(ctx, actor, o.ID, cmp)
		switch {
		case err == nil:
			assigned++
			util.DispatchSweepsTotal.WithLabelValues("assigned").Inc()
		case errors.Is(err, ErrDriverIneligible):
			util.DispatchSweepsTotal.WithLabelValues("no_driver").Inc()
		case errors.Is(err, ErrConcurrentAssignment), errors.Is(err, ErrInvalidStatusTransition), errors.Is(err, ErrConflict):
			util.DispatchSweepsTotal.WithLabelValues("skipped").Inc()
		default:
			util.DispatchSweepsTotal.WithLabelValues("error").Inc()
			e.logger.Error("Auto dispatch failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	return assigned, nil
}

func (e *AssignmentEngine) checkOrderAssignable(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := e.store.ReadOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newAssignmentError(ReasonOrderNotFound, "%s", orderID)
		}
		return nil, fmt.Errorf("failed to read order: %w", err)
	}
	if order.HasDriver() {
		return nil, newAssignmentError(ReasonOrderAlreadyAssigned, "order %s is bound to %s", order.ID, *order.DriverID)
	}
	if !order.Assignable() {
		return nil, newAssignmentError(ReasonOrderNotAssignable, "order %s is %s", order.ID, order.Status)
	}

	batch, err := e.store.FindActiveBatchByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up batch: %w", err)
	}
	if batch != nil {
		return nil, newAssignmentError(ReasonOrderNotAssignable, "order %s belongs to batch %s", order.ID, batch.ID)
	}
	return order, nil
}

func (e *AssignmentEngine) checkDriver(ctx context.Context, driverID, businessID string, n int) (*Availability, error) {
	a, err := e.availability.CheckDriver(ctx, driverID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newAssignmentError(ReasonDriverNotFound, "%s", driverID)
		}
		return nil, err
	}
	if !a.Eligible {
		return nil, newAssignmentError(a.Reason, "driver %s has %d active orders", driverID, a.ActiveOrders)
	}
	if !e.availability.HasCapacityFor(a, n) {
		return nil, newAssignmentError(ReasonDriverAtCapacity, "driver %s has %d active orders, needs %d more", driverID, a.ActiveOrders, n)
	}
	if !a.Driver.ServesBusiness(businessID) {
		return nil, newAssignmentError(ReasonDriverNotInPool, "driver %s does not serve business %s", driverID, businessID)
	}
	return a, nil
}

func (e *AssignmentEngine) bindRequest(actor models.Actor, driverID string) models.BindRequest {
	return models.BindRequest{
		DriverID:        driverID,
		MaxActiveOrders: e.policy.MaxConcurrentOrders,
		RequireVerified: e.policy.RequireVerifiedDrivers,
		Actor:           actor,
		At:              e.now(),
	}
}

// lock takes the short dispatcher lock. A held lock is a conflict; an
// unreachable lock service leaves the decision to the store.
func (e *AssignmentEngine) lock(ctx context.Context, key string, held Reason) (func(), error) {
	noop := func() {}
	if e.locker == nil {
		return noop, nil
	}

	token, err := e.locker.AcquireLock(ctx, key, e.policy.AssignLockTTL)
	if err != nil {
		e.logger.Warn("Assignment lock unavailable, relying on store guard", zap.String("key", key), zap.Error(err))
		return noop, nil
	}
	if token == "" {
		return nil, newAssignmentError(held, "%s is being assigned by another dispatcher", key)
	}
	return func() {
		if err := e.locker.ReleaseLock(context.Background(), key, token); err != nil {
			e.logger.Warn("Failed to release assignment lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (e *AssignmentEngine) orderBindFailure(ctx context.Context, err error, orderID string) error {
	if reason, ok := driverReason(err); ok {
		return newAssignmentError(reason, "%v", err)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newAssignmentError(ReasonOrderNotFound, "%s", orderID)
	case errors.Is(err, store.ErrConflict):
		current, rerr := e.store.ReadOrder(ctx, orderID)
		if rerr == nil && current.HasDriver() {
			return newAssignmentError(ReasonOrderAlreadyAssigned, "order %s is bound to %s", orderID, *current.DriverID)
		}
		return newAssignmentError(ReasonOrderNotAssignable, "order %s changed during assignment", orderID)
	}
	return fmt.Errorf("failed to bind driver: %w", err)
}

func (e *AssignmentEngine) batchBindFailure(ctx context.Context, err error, batchID string) error {
	if reason, ok := driverReason(err); ok {
		return newAssignmentError(reason, "%v", err)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newAssignmentError(ReasonBatchNotFound, "%s", batchID)
	case errors.Is(err, store.ErrConflict):
		current, rerr := e.store.ReadBatch(ctx, batchID)
		if rerr == nil && current.HasDriver() {
			return newAssignmentError(ReasonBatchAlreadyAssigned, "batch %s is bound to %s", batchID, *current.DriverID)
		}
		return newAssignmentError(ReasonBatchNotAssignable, "batch %s changed during assignment", batchID)
	}
	return fmt.Errorf("failed to bind driver to batch: %w", err)
}

func driverReason(err error) (Reason, bool) {
	switch {
	case errors.Is(err, store.ErrDriverNotFound):
		return ReasonDriverNotFound, true
	case errors.Is(err, store.ErrDriverInactive):
		return ReasonDriverOffline, true
	case errors.Is(err, store.ErrDriverUnverified):
		return ReasonDriverUnverified, true
	case errors.Is(err, store.ErrDriverAtCapacity):
		return ReasonDriverAtCapacity, true
	}
	return "", false
}

func resultLabel(err error) string {
	var ae *AssignmentError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &ae):
		return string(ae.Reason)
	}
	return "error"
}
