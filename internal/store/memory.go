package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-service/internal/models"

	"github.com/google/uuid"
)

// MemoryStore keeps the same conditional-write semantics as Store in process
// memory. A single mutex stands in for row locks and transactions.
type MemoryStore struct {
	mu          sync.Mutex
	orders      map[string]*models.Order
	idempotency map[string]string
	history     map[string][]models.StatusHistory
	drivers     map[string]*models.Driver
	assignments []models.DriverAssignment
	batches     map[string]*models.DeliveryBatch
	carts       map[string]*models.Cart
	processed   map[string]models.ProcessedEvent
	historySeq  int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*models.Order),
		idempotency: make(map[string]string),
		history:     make(map[string][]models.StatusHistory),
		drivers:     make(map[string]*models.Driver),
		batches:     make(map[string]*models.DeliveryBatch),
		carts:       make(map[string]*models.Cart),
		processed:   make(map[string]models.ProcessedEvent),
	}
}

// Ping always succeeds
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}

// CreateOrder stores an order and its items
func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("%w: duplicate order: %s", ErrConflict, order.ID)
	}
	if _, ok := m.idempotency[order.IdempotencyKey]; ok {
		return fmt.Errorf("%w: duplicate order: idempotency key", ErrConflict)
	}
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
		order.Items[i].ID = int64(i + 1)
	}
	m.orders[order.ID] = cloneOrder(order)
	m.idempotency[order.IdempotencyKey] = order.ID
	return nil
}

// ReadOrder retrieves an order
func (m *MemoryStore) ReadOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return cloneOrder(o), nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key, or nil
func (m *MemoryStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.idempotency[key]
	if !ok {
		return nil, nil
	}
	return cloneOrder(m.orders[id]), nil
}

// ListOrdersAwaitingDriver returns unbound available orders outside active batches
func (m *MemoryStore) ListOrdersAwaitingDriver(ctx context.Context, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Order
	for _, o := range m.orders {
		if !o.AvailableForDrivers || !o.Assignable() || m.activeBatchOf(o.ID) != nil {
			continue
		}
		out = append(out, *cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		return awaitingSince(&out[i]).Before(awaitingSince(&out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStatusHistory returns accepted transitions for an order
func (m *MemoryStore) ListStatusHistory(ctx context.Context, orderID string) ([]models.StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.StatusHistory, len(m.history[orderID]))
	copy(out, m.history[orderID])
	return out, nil
}

// WriteOrderStatus applies a guarded status change
func (m *MemoryStore) WriteOrderStatus(ctx context.Context, change models.StatusChange) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[change.OrderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, change.OrderID)
	}
	if o.Status != change.From || o.StatusVersion != change.Version {
		return nil, fmt.Errorf("%w: order %s", ErrConflict, change.OrderID)
	}
	if change.DriverID != nil && !o.BoundTo(*change.DriverID) {
		return nil, fmt.Errorf("%w: order %s", ErrConflict, change.OrderID)
	}

	at := change.At
	o.Status = change.To
	o.StatusVersion++
	o.UpdatedAt = at
	switch change.To {
	case models.OrderStatusConfirmed:
		o.ConfirmedAt = &at
	case models.OrderStatusReady:
		o.ReadyAt = &at
		o.AvailableForDrivers = !o.HasDriver()
	case models.OrderStatusDelivered:
		o.DeliveredAt = &at
		o.AvailableForDrivers = false
	case models.OrderStatusCancelled:
		o.CancelledAt = &at
		o.AvailableForDrivers = false
		if change.Reason != "" {
			reason := change.Reason
			o.CancelReason = &reason
		}
	}

	m.appendHistory(o.ID, change.From, change.To, change.Actor, at)
	if change.To.Terminal() {
		m.closeAssignments(func(a *models.DriverAssignment) bool { return a.OrderID == o.ID }, at)
	}
	return cloneOrder(o), nil
}

// FindActiveBatchByOrder returns the non-terminal batch holding the order, or nil
func (m *MemoryStore) FindActiveBatchByOrder(ctx context.Context, orderID string) (*models.DeliveryBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return cloneBatch(m.activeBatchOf(orderID)), nil
}

// CreateDriver inserts or replaces a driver profile
func (m *MemoryStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	m.drivers[d.ID] = &cp
	return nil
}

// GetDriver retrieves a driver by ID
func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drivers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDriverNotFound, id)
	}
	cp := *d
	return &cp, nil
}

// ListDriversForBusiness returns the business's own drivers plus independent drivers
func (m *MemoryStore) ListDriversForBusiness(ctx context.Context, businessID string) ([]models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Driver
	for _, d := range m.drivers {
		if d.ServesBusiness(businessID) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReadActiveOrderCount counts non-terminal orders bound to the driver
func (m *MemoryStore) ReadActiveOrderCount(ctx context.Context, driverID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.activeCount(driverID), nil
}

// ReadActiveOrderCounts counts active orders for many drivers
func (m *MemoryStore) ReadActiveOrderCounts(ctx context.Context, driverIDs []string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int, len(driverIDs))
	for _, id := range driverIDs {
		counts[id] = m.activeCount(id)
	}
	return counts, nil
}

// BindDriverToOrder binds a driver to a single order atomically
func (m *MemoryStore) BindDriverToOrder(ctx context.Context, orderID string, req models.BindRequest) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkEligible(req, 1); err != nil {
		return nil, err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if !o.Assignable() || m.activeBatchOf(orderID) != nil {
		return nil, fmt.Errorf("%w: order %s", ErrConflict, orderID)
	}

	m.bind(o, req, nil)
	return cloneOrder(o), nil
}

// BindDriverToBatch binds a driver to every undelivered member of a batch atomically
func (m *MemoryStore) BindDriverToBatch(ctx context.Context, batchID string, req models.BindRequest) (*models.DeliveryBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}
	if b.HasDriver() || (b.Status != models.BatchStatusPending && b.Status != models.BatchStatusInProgress) {
		return nil, fmt.Errorf("%w: batch %s is %s", ErrConflict, b.ID, b.Status)
	}

	var members []*models.Order
	for _, bo := range b.Orders {
		if bo.Status == models.BatchOrderDelivered {
			continue
		}
		o, ok := m.orders[bo.OrderID]
		if !ok {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, bo.OrderID)
		}
		if !o.Assignable() {
			return nil, fmt.Errorf("%w: order %s is %s", ErrConflict, o.ID, o.Status)
		}
		members = append(members, o)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: batch %s has no undelivered orders", ErrConflict, b.ID)
	}
	if err := m.checkEligible(req, len(members)); err != nil {
		return nil, err
	}

	for _, o := range members {
		m.bind(o, req, &b.ID)
	}
	driverID := req.DriverID
	at := req.At
	b.DriverID = &driverID
	b.AssignedAt = &at
	if b.Status == models.BatchStatusPending {
		b.Status = models.BatchStatusAssigned
	}
	return cloneBatch(b), nil
}

// ReleaseDriver unbinds a driver from all non-terminal work
func (m *MemoryStore) ReleaseDriver(ctx context.Context, driverID string, actor models.Actor, at time.Time) (*models.ReleaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.drivers[driverID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrDriverNotFound, driverID)
	}

	result := &models.ReleaseResult{
		DriverID:        driverID,
		ReleasedOrders:  []string{},
		RequeuedBatches: []string{},
		StalledBatches:  []string{},
	}
	for _, o := range m.orders {
		if o.BoundTo(driverID) && !o.Status.Terminal() {
			m.unbind(o, at)
			result.ReleasedOrders = append(result.ReleasedOrders, o.ID)
		}
	}
	m.closeAssignments(func(a *models.DriverAssignment) bool { return a.DriverID == driverID }, at)

	for _, b := range m.batches {
		if b.DriverID == nil || *b.DriverID != driverID {
			continue
		}
		switch b.Status {
		case models.BatchStatusAssigned:
			b.Status = models.BatchStatusPending
			b.DriverID = nil
			b.AssignedAt = nil
			result.RequeuedBatches = append(result.RequeuedBatches, b.ID)
		case models.BatchStatusInProgress:
			b.DriverID = nil
			result.StalledBatches = append(result.StalledBatches, b.ID)
		}
	}
	sort.Strings(result.ReleasedOrders)
	sort.Strings(result.RequeuedBatches)
	sort.Strings(result.StalledBatches)
	return result, nil
}

// ListAssignments returns the assignment records of an order, newest first
func (m *MemoryStore) ListAssignments(ctx context.Context, orderID string) ([]models.DriverAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.DriverAssignment
	for i := len(m.assignments) - 1; i >= 0; i-- {
		if m.assignments[i].OrderID == orderID {
			out = append(out, m.assignments[i])
		}
	}
	return out, nil
}

// CreateBatch stores a batch after re-checking every member
func (m *MemoryStore) CreateBatch(ctx context.Context, batch *models.DeliveryBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, member := range batch.Orders {
		o, ok := m.orders[member.OrderID]
		if !ok {
			return fmt.Errorf("%w: order %s", ErrNotFound, member.OrderID)
		}
		if o.BusinessID != batch.BusinessID || o.Status.Terminal() || o.HasDriver() {
			return fmt.Errorf("%w: order %s cannot join batch", ErrConflict, o.ID)
		}
		if m.activeBatchOf(o.ID) != nil {
			return fmt.Errorf("%w: order %s already belongs to an active batch", ErrConflict, o.ID)
		}
	}
	m.batches[batch.ID] = cloneBatch(batch)
	return nil
}

// ReadBatch retrieves a batch with its members
func (m *MemoryStore) ReadBatch(ctx context.Context, id string) (*models.DeliveryBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	return cloneBatch(b), nil
}

// WriteBatchStatus applies a guarded batch status change
func (m *MemoryStore) WriteBatchStatus(ctx context.Context, change models.BatchStatusChange) (*models.DeliveryBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[change.BatchID]
	if !ok {
		return nil, fmt.Errorf("%w: delivery_batches %s", ErrNotFound, change.BatchID)
	}
	if b.Status != change.From {
		return nil, fmt.Errorf("%w: delivery_batches %s", ErrConflict, b.ID)
	}
	if change.DriverID != nil && (b.DriverID == nil || *b.DriverID != *change.DriverID) {
		return nil, fmt.Errorf("%w: delivery_batches %s", ErrConflict, b.ID)
	}
	if change.To == models.BatchStatusCompleted && !b.AllDelivered() {
		return nil, fmt.Errorf("%w: delivery_batches %s", ErrConflict, b.ID)
	}

	at := change.At
	b.Status = change.To
	switch change.To {
	case models.BatchStatusInProgress:
		b.StartedAt = &at
	case models.BatchStatusCompleted:
		b.CompletedAt = &at
	case models.BatchStatusCancelled:
		b.CancelledAt = &at
		for _, bo := range b.Orders {
			if o, ok := m.orders[bo.OrderID]; ok && o.HasDriver() && !o.Status.Terminal() {
				m.unbind(o, at)
			}
		}
		m.closeAssignments(func(a *models.DriverAssignment) bool {
			return a.BatchID != nil && *a.BatchID == b.ID
		}, at)
	}
	return cloneBatch(b), nil
}

// AdvanceBatchOrder moves one member forward on an in-progress batch
func (m *MemoryStore) AdvanceBatchOrder(ctx context.Context, adv models.BatchOrderAdvance) (*models.DeliveryBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[adv.BatchID]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, adv.BatchID)
	}
	if b.Status != models.BatchStatusInProgress || !b.HasDriver() || *b.DriverID != adv.DriverID {
		return nil, fmt.Errorf("%w: batch %s is not in progress for driver %s", ErrConflict, b.ID, adv.DriverID)
	}
	bo, ok := b.Member(adv.OrderID)
	if !ok {
		return nil, fmt.Errorf("%w: order %s is not in batch %s", ErrNotFound, adv.OrderID, b.ID)
	}
	if bo.Status != adv.From {
		return nil, fmt.Errorf("%w: batch order %s/%s", ErrConflict, b.ID, adv.OrderID)
	}

	at := adv.At
	if adv.To == models.BatchOrderDelivered {
		o, ok := m.orders[adv.OrderID]
		if !ok {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, adv.OrderID)
		}
		if o.Status != models.OrderStatusOutForDelivery || !o.BoundTo(adv.DriverID) {
			return nil, fmt.Errorf("%w: order %s", ErrConflict, o.ID)
		}
		o.Status = models.OrderStatusDelivered
		o.StatusVersion++
		o.DeliveredAt = &at
		o.UpdatedAt = at
		o.AvailableForDrivers = false
		m.appendHistory(o.ID, models.OrderStatusOutForDelivery, models.OrderStatusDelivered, adv.Actor, at)
		m.closeAssignments(func(a *models.DriverAssignment) bool { return a.OrderID == o.ID }, at)
		bo.DeliveredAt = &at
	} else if adv.To == models.BatchOrderPickedUp {
		bo.PickedUpAt = &at
	}
	bo.Status = adv.To
	return cloneBatch(b), nil
}

// ReadCart returns the customer's cart, or an empty cart at version 0
func (m *MemoryStore) ReadCart(ctx context.Context, customerID string) (*models.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.carts[customerID]; ok {
		return c.Clone(), nil
	}
	return models.NewCart(customerID), nil
}

// ReadCartVersion returns the stored cart version, 0 when the customer has no cart
func (m *MemoryStore) ReadCartVersion(ctx context.Context, customerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.carts[customerID]; ok {
		return c.Version, nil
	}
	return 0, nil
}

// ApplyCartMutation applies a mutation and bumps the version
func (m *MemoryStore) ApplyCartMutation(ctx context.Context, customerID string, mut models.CartMutation) (*models.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cart := models.NewCart(customerID)
	if c, ok := m.carts[customerID]; ok {
		cart = c.Clone()
	}
	if err := cart.Apply(mut); err != nil {
		return nil, err
	}
	cart.Version++
	cart.UpdatedAt = time.Now().UTC()
	m.carts[customerID] = cart
	return cart.Clone(), nil
}

// IsEventProcessed checks if an event has been processed
func (m *MemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.processed[eventID]
	return ok, nil
}

// MarkEventProcessed marks an event as processed
func (m *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.processed[eventID]; !ok {
		m.processed[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: time.Now().UTC()}
	}
	return nil
}

func (m *MemoryStore) checkEligible(req models.BindRequest, n int) error {
	d, ok := m.drivers[req.DriverID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDriverNotFound, req.DriverID)
	}
	if !d.IsActive {
		return fmt.Errorf("%w: %s", ErrDriverInactive, d.ID)
	}
	if req.RequireVerified && !d.IsVerified {
		return fmt.Errorf("%w: %s", ErrDriverUnverified, d.ID)
	}
	if active := m.activeCount(d.ID); active+n > req.MaxActiveOrders {
		return fmt.Errorf("%w: %s has %d active orders", ErrDriverAtCapacity, d.ID, active)
	}
	return nil
}

func (m *MemoryStore) bind(o *models.Order, req models.BindRequest, batchID *string) {
	at := req.At
	from := o.Status
	driverID := req.DriverID
	o.DriverID = &driverID
	o.Status = models.OrderStatusOutForDelivery
	o.StatusVersion++
	o.AvailableForDrivers = false
	if o.PickedUpAt == nil {
		o.PickedUpAt = &at
	}
	o.UpdatedAt = at

	m.assignments = append(m.assignments, models.DriverAssignment{
		ID:         uuid.New().String(),
		DriverID:   driverID,
		OrderID:    o.ID,
		BatchID:    batchID,
		Active:     true,
		AssignedAt: at,
	})
	if from != models.OrderStatusOutForDelivery {
		m.appendHistory(o.ID, from, models.OrderStatusOutForDelivery, req.Actor, at)
	}
}

func (m *MemoryStore) unbind(o *models.Order, at time.Time) {
	o.DriverID = nil
	o.AvailableForDrivers = true
	o.StatusVersion++
	o.UpdatedAt = at
}

func (m *MemoryStore) activeCount(driverID string) int {
	n := 0
	for _, o := range m.orders {
		if o.BoundTo(driverID) && !o.Status.Terminal() {
			n++
		}
	}
	return n
}

func (m *MemoryStore) activeBatchOf(orderID string) *models.DeliveryBatch {
	for _, b := range m.batches {
		if !b.Status.Active() {
			continue
		}
		if _, ok := b.Member(orderID); ok {
			return b
		}
	}
	return nil
}

func (m *MemoryStore) closeAssignments(match func(*models.DriverAssignment) bool, at time.Time) {
	for i := range m.assignments {
		a := &m.assignments[i]
		if a.Active && match(a) {
			a.Active = false
			released := at
			a.ReleasedAt = &released
		}
	}
}

func (m *MemoryStore) appendHistory(orderID string, from, to models.OrderStatus, actor models.Actor, at time.Time) {
	m.historySeq++
	m.history[orderID] = append(m.history[orderID], models.StatusHistory{
		ID:         m.historySeq,
		OrderID:    orderID,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		CreatedAt:  at,
	})
}

func awaitingSince(o *models.Order) time.Time {
	if o.ReadyAt != nil {
		return *o.ReadyAt
	}
	return o.CreatedAt
}

func cloneOrder(o *models.Order) *models.Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Items = make([]models.LineItem, len(o.Items))
	copy(cp.Items, o.Items)
	return &cp
}

func cloneBatch(b *models.DeliveryBatch) *models.DeliveryBatch {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Orders = make([]models.BatchOrder, len(b.Orders))
	copy(cp.Orders, b.Orders)
	return &cp
}
