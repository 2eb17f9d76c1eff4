package models

// OrderStatus is the lifecycle status of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusPreparing      OrderStatus = "preparing"
	OrderStatusReady          OrderStatus = "ready"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// OrderTransitions is the order state graph
var OrderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:      {OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusPreparing:      {OrderStatusReady, OrderStatusCancelled},
	OrderStatusReady:          {OrderStatusOutForDelivery, OrderStatusCancelled},
	OrderStatusOutForDelivery: {OrderStatusDelivered},
}

// ActiveOrderStatuses are the statuses that count against driver capacity
var ActiveOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusPreparing,
	OrderStatusReady,
	OrderStatusOutForDelivery,
}

// CanTransition reports whether from -> to is an edge of the order graph
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	return contains(OrderTransitions[s], to)
}

// Terminal reports whether no further status writes are permitted
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Valid reports whether s is a known order status
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusPreparing, OrderStatusReady,
		OrderStatusOutForDelivery, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// NextOrderStatuses returns all legal next statuses from a given status
func NextOrderStatuses(s OrderStatus) []OrderStatus {
	next := OrderTransitions[s]
	out := make([]OrderStatus, len(next))
	copy(out, next)
	return out
}

// BatchStatus is the lifecycle status of a delivery batch
type BatchStatus string

// Batch statuses
const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusAssigned   BatchStatus = "assigned"
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// BatchTransitions is the batch state graph.
// Releasing a driver may also move assigned back to pending; that edge is
// only taken by the store during a release and is not listed here.
var BatchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusPending:    {BatchStatusAssigned, BatchStatusCancelled},
	BatchStatusAssigned:   {BatchStatusInProgress, BatchStatusCancelled},
	BatchStatusInProgress: {BatchStatusCompleted},
}

// CanTransition reports whether from -> to is an edge of the batch graph
func (s BatchStatus) CanTransition(to BatchStatus) bool {
	return contains(BatchTransitions[s], to)
}

// Terminal reports whether the batch is finished
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusCancelled
}

// Active reports whether the batch still holds its member orders
func (s BatchStatus) Active() bool {
	return !s.Terminal()
}

// BatchOrderStatus is the route status of a batch member
type BatchOrderStatus string

// Batch member statuses
const (
	BatchOrderPending   BatchOrderStatus = "pending"
	BatchOrderPickedUp  BatchOrderStatus = "picked_up"
	BatchOrderDelivered BatchOrderStatus = "delivered"
)

// BatchOrderTransitions is monotonic: pending -> picked_up -> delivered
var BatchOrderTransitions = map[BatchOrderStatus][]BatchOrderStatus{
	BatchOrderPending:  {BatchOrderPickedUp},
	BatchOrderPickedUp: {BatchOrderDelivered},
}

// CanTransition reports whether from -> to is an edge of the member graph
func (s BatchOrderStatus) CanTransition(to BatchOrderStatus) bool {
	return contains(BatchOrderTransitions[s], to)
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// ActorRole identifies who performs an action
type ActorRole string

const (
	RoleCustomer   ActorRole = "customer"
	RoleBusiness   ActorRole = "business"
	RoleDriver     ActorRole = "driver"
	RoleDispatcher ActorRole = "dispatcher"
	RoleAdmin      ActorRole = "admin"
	RoleSystem     ActorRole = "system"
)

// Valid reports whether r is a known role
func (r ActorRole) Valid() bool {
	switch r {
	case RoleCustomer, RoleBusiness, RoleDriver, RoleDispatcher, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor is the explicit session passed into every operation
type Actor struct {
	ID   string    `json:"id"`
	Role ActorRole `json:"role"`
}

// SystemActor is used by background jobs
func SystemActor(name string) Actor {
	return Actor{ID: name, Role: RoleSystem}
}
