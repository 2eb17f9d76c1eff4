package service

import (
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

// Error kinds. Every error returned by a service matches exactly one of
// these with errors.Is.
var (
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrDriverIneligible        = errors.New("driver ineligible")
	ErrConcurrentAssignment    = errors.New("concurrent assignment conflict")
	ErrConflict                = errors.New("conflict")
	ErrCartSync                = errors.New("cart sync rejected")
	ErrTransport               = errors.New("transport error")
	ErrNotFound                = errors.New("not found")
	ErrBadRequest              = errors.New("bad request")
)

// Reason names the precondition that failed
type Reason string

const (
	ReasonOrderNotFound        Reason = "order_not_found"
	ReasonDriverNotFound       Reason = "driver_not_found"
	ReasonDriverOffline        Reason = "driver_offline"
	ReasonDriverUnverified     Reason = "driver_unverified"
	ReasonDriverAtCapacity     Reason = "driver_at_capacity"
	ReasonDriverNotInPool      Reason = "driver_not_in_pool"
	ReasonOrderNotAssignable   Reason = "order_not_assignable"
	ReasonOrderAlreadyAssigned Reason = "order_already_assigned"
	ReasonBatchNotFound        Reason = "batch_not_found"
	ReasonBatchNotAssignable   Reason = "batch_not_assignable"
	ReasonBatchAlreadyAssigned Reason = "batch_already_assigned"
	ReasonNoEligibleDriver     Reason = "no_eligible_driver"
)

var reasonKinds = map[Reason]error{
	ReasonOrderNotFound:        ErrNotFound,
	ReasonDriverNotFound:       ErrNotFound,
	ReasonBatchNotFound:        ErrNotFound,
	ReasonDriverOffline:        ErrDriverIneligible,
	ReasonDriverUnverified:     ErrDriverIneligible,
	ReasonDriverAtCapacity:     ErrDriverIneligible,
	ReasonDriverNotInPool:      ErrDriverIneligible,
	ReasonNoEligibleDriver:     ErrDriverIneligible,
	ReasonOrderNotAssignable:   ErrInvalidStatusTransition,
	ReasonBatchNotAssignable:   ErrInvalidStatusTransition,
	ReasonOrderAlreadyAssigned: ErrConcurrentAssignment,
	ReasonBatchAlreadyAssigned: ErrConcurrentAssignment,
}

// AssignmentError reports which assignment precondition failed
type AssignmentError struct {
	Reason Reason
	Detail string
}

func newAssignmentError(reason Reason, format string, args ...interface{}) *AssignmentError {
	return &AssignmentError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (e *AssignmentError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("assignment rejected: %s", e.Reason)
	}
	return fmt.Sprintf("assignment rejected: %s: %s", e.Reason, e.Detail)
}

// Unwrap returns the error kind for the reason
func (e *AssignmentError) Unwrap() error {
	if kind, ok := reasonKinds[e.Reason]; ok {
		return kind
	}
	return ErrConflict
}

// TransitionError is an illegal status change
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// Unwrap returns ErrInvalidStatusTransition
func (e *TransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

func orderTransitionError(o *models.Order, to models.OrderStatus) error {
	return &TransitionError{Entity: "order", ID: o.ID, From: string(o.Status), To: string(to)}
}

func batchTransitionError(b *models.DeliveryBatch, to models.BatchStatus) error {
	return &TransitionError{Entity: "batch", ID: b.ID, From: string(b.Status), To: string(to)}
}

// ReasonOf extracts the machine-readable reason from err
func ReasonOf(err error) string {
	var ae *AssignmentError
	if errors.As(err, &ae) {
		return string(ae.Reason)
	}
	switch {
	case errors.Is(err, models.ErrCartBusinessMismatch):
		return "cart_business_mismatch"
	case errors.Is(err, models.ErrCartItemNotFound):
		return "cart_item_not_found"
	case errors.Is(err, models.ErrInvalidCartItem):
		return "invalid_cart_item"
	case errors.Is(err, ErrInvalidStatusTransition):
		return "invalid_status_transition"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	}
	return ""
}

// translateStoreError maps store sentinels onto service kinds
func translateStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrDriverNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}
