package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderService handles the order lifecycle up to dispatch and standalone delivery
type OrderService struct {
	orders   OrderRepository
	batches  BatchRepository
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(orders OrderRepository, batches BatchRepository, notifier Notifier) *OrderService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &OrderService{
		orders:   orders,
		batches:  batches,
		notifier: notifier,
		logger:   util.GetLogger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrderRequest is the checkout hand-off that creates a pending order
type CreateOrderRequest struct {
	BusinessID     string              `json:"business_id" binding:"required"`
	CustomerID     string              `json:"customer_id,omitempty"`
	Items          []LineItemRequest   `json:"items" binding:"required,min=1,dive"`
	DeliveryFee    int64               `json:"delivery_fee" binding:"min=0"`
	DeliveryType   models.DeliveryType `json:"delivery_type,omitempty"`
	ScheduledStart *time.Time          `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time          `json:"scheduled_end,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
}

// LineItemRequest represents an item in an order
type LineItemRequest struct {
	Name                string  `json:"name" binding:"required"`
	Quantity            int     `json:"quantity" binding:"required,min=1"`
	UnitPrice           int64   `json:"unit_price" binding:"min=0"`
	SpecialInstructions *string `json:"special_instructions,omitempty"`
}

// CreateOrder creates a pending order. Repeating a request with the same
// idempotency key returns the original order.
func (s *OrderService) CreateOrder(ctx context.Context, actor models.Actor, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	var err error
	defer func() { util.EndSpan(span, err) }()

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	existing, err := s.orders.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		s.logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("order_id", existing.ID))
		return existing, nil
	}

	order, err := s.buildOrder(actor, req)
	if err != nil {
		return nil, err
	}

	if err = s.orders.CreateOrder(ctx, order); err != nil {
		err = translateStoreError(err)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("grand_total", order.GrandTotal))
	return order, nil
}

func (s *OrderService) buildOrder(actor models.Actor, req *CreateOrderRequest) (*models.Order, error) {
	customerID := req.CustomerID
	if customerID == "" && actor.Role == models.RoleCustomer {
		customerID = actor.ID
	}
	if strings.TrimSpace(customerID) == "" {
		return nil, badRequest("customer_id is required")
	}
	if strings.TrimSpace(req.BusinessID) == "" {
		return nil, badRequest("business_id is required")
	}
	if len(req.Items) == 0 {
		return nil, badRequest("order must contain at least one item")
	}
	if req.DeliveryFee < 0 {
		return nil, badRequest("delivery fee must not be negative")
	}

	now := s.now()
	id := uuid.New().String()
	order := &models.Order{
		ID:             id,
		OrderNumber:    orderNumber(now, id),
		BusinessID:     req.BusinessID,
		CustomerID:     customerID,
		DeliveryFee:    req.DeliveryFee,
		Status:         models.OrderStatusPending,
		DeliveryType:   req.DeliveryType,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if order.DeliveryType == "" {
		order.DeliveryType = models.DeliveryASAP
	}
	if err := order.ValidateSchedule(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}

	for _, item := range req.Items {
		li := models.LineItem{
			Name:                item.Name,
			Quantity:            item.Quantity,
			UnitPrice:           item.UnitPrice,
			SpecialInstructions: item.SpecialInstructions,
		}
		if err := li.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
		order.Items = append(order.Items, li)
	}
	order.Recalculate()
	return order, nil
}

// orderNumber renders ORD-YYYYMMDD-XXXXXX from the creation date and id
func orderNumber(at time.Time, id string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	return fmt.Sprintf("ORD-%s-%s", at.Format("20060102"), suffix)
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.orders.ReadOrder(ctx, orderID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	return order, nil
}

// GetOrderHistory returns the accepted transitions of an order
func (s *OrderService) GetOrderHistory(ctx context.Context, orderID string) ([]models.StatusHistory, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.orders.ListStatusHistory(ctx, orderID)
}

// Confirm moves a pending order to confirmed
func (s *OrderService) Confirm(ctx context.Context, actor models.Actor, orderID string) (*models.Order, error) {
	return s.transition(ctx, actor, orderID, models.OrderStatusConfirmed, "")
}

// StartPreparing moves a confirmed order to preparing
func (s *OrderService) StartPreparing(ctx context.Context, actor models.Actor, orderID string) (*models.Order, error) {
	return s.transition(ctx, actor, orderID, models.OrderStatusPreparing, "")
}

// MarkReady moves a preparing order to ready, making it visible to drivers
func (s *OrderService) MarkReady(ctx context.Context, actor models.Actor, orderID string) (*models.Order, error) {
	return s.transition(ctx, actor, orderID, models.OrderStatusReady, "")
}

// Cancel cancels an order that has not left the business.
// Orders held by an active batch are cancelled through their batch.
func (s *OrderService) Cancel(ctx context.Context, actor models.Actor, orderID, reason string) (*models.Order, error) {
	batch, err := s.batches.FindActiveBatchByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up batch: %w", err)
	}
	if batch != nil {
		return nil, fmt.Errorf("%w: order %s belongs to active batch %s", ErrConflict, orderID, batch.ID)
	}
	return s.transition(ctx, actor, orderID, models.OrderStatusCancelled, reason)
}

// MarkDelivered completes a standalone order. A driver actor may only
// deliver orders bound to itself; batch members are delivered through
// BatchService.MarkDelivered.
func (s *OrderService) MarkDelivered(ctx context.Context, actor models.Actor, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.MarkDelivered")
	var err error
	defer func() { util.EndSpan(span, err) }()

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransition(models.OrderStatusDelivered) {
		util.InvalidTransitionsTotal.WithLabelValues("order").Inc()
		err = orderTransitionError(order, models.OrderStatusDelivered)
		return nil, err
	}
	if !order.HasDriver() {
		err = fmt.Errorf("%w: order %s has no driver", ErrConflict, order.ID)
		return nil, err
	}
	if actor.Role == models.RoleDriver && !order.BoundTo(actor.ID) {
		err = fmt.Errorf("%w: order %s is bound to another driver", ErrConflict, order.ID)
		return nil, err
	}

	batch, err := s.batches.FindActiveBatchByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up batch: %w", err)
	}
	if batch != nil {
		err = fmt.Errorf("%w: order %s is delivered through batch %s", ErrConflict, orderID, batch.ID)
		return nil, err
	}

	updated, err := s.write(ctx, actor, order, models.OrderStatusDelivered, "", order.DriverID)
	if err != nil {
		return nil, err
	}
	if nerr := s.notifier.OrderDelivered(ctx, updated, nil); nerr != nil {
		notifyFailed(s.logger, models.EventTypeOrderDelivered, nerr)
	}
	return updated, nil
}

// transition performs a status change that needs no driver
func (s *OrderService) transition(ctx context.Context, actor models.Actor, orderID string, to models.OrderStatus, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Transition")
	var err error
	defer func() { util.EndSpan(span, err) }()

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransition(to) || to == models.OrderStatusOutForDelivery {
		util.InvalidTransitionsTotal.WithLabelValues("order").Inc()
		err = orderTransitionError(order, to)
		return nil, err
	}

	return s.write(ctx, actor, order, to, reason, nil)
}

func (s *OrderService) write(ctx context.Context, actor models.Actor, order *models.Order, to models.OrderStatus, reason string, driverID *string) (*models.Order, error) {
	from := order.Status
	updated, err := s.orders.WriteOrderStatus(ctx, models.StatusChange{
		OrderID:  order.ID,
		From:     from,
		To:       to,
		Version:  order.StatusVersion,
		DriverID: driverID,
		Actor:    actor,
		Reason:   reason,
		At:       s.now(),
	})
	if err != nil {
		return nil, translateStoreError(err)
	}

	util.OrderTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	s.logger.Info("Order status changed",
		zap.String("order_id", order.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor_id", actor.ID),
		zap.String("actor_role", string(actor.Role)))

	if nerr := s.notifier.OrderStatusChanged(ctx, updated, from, to, actor); nerr != nil {
		notifyFailed(s.logger, models.EventTypeOrderStatusChanged, nerr)
	}
	return updated, nil
}

func notifyFailed(logger *zap.Logger, event string, err error) {
	util.NotificationsFailedTotal.WithLabelValues(event).Inc()
	logger.Error("Failed to publish notification", zap.String("event", event), zap.Error(err))
}
