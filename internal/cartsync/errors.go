package cartsync

import (
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
)

// SyncError reports a cart mutation the authoritative store did not confirm.
// It matches service.ErrCartSync when the store rejected the mutation and
// service.ErrTransport when the outcome is unknown.
type SyncError struct {
	Kind     models.CartMutationKind
	Rejected bool
	Reason   string
	Err      error
}

func (e *SyncError) Error() string {
	if e.Rejected {
		return fmt.Sprintf("cart %s rejected: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("cart %s outcome unknown: %v", e.Kind, e.Err)
}

// Unwrap exposes both the error kind and the cause
func (e *SyncError) Unwrap() []error {
	if e.Rejected {
		return []error{service.ErrCartSync, e.Err}
	}
	return []error{service.ErrTransport, e.Err}
}

// RemoteError is a non-success answer from a remote cart API
type RemoteError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("remote returned %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Message)
}

// Rejected reports whether the store refused the request, as opposed to
// failing in a way that leaves the outcome unknown
func (e *RemoteError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != 408 && e.StatusCode != 429
}

func classify(kind models.CartMutationKind, err error) *SyncError {
	se := &SyncError{Kind: kind, Err: err}

	var re *RemoteError
	switch {
	case errors.As(err, &re):
		se.Rejected = re.Rejected()
		se.Reason = re.Reason
	case errors.Is(err, models.ErrInvalidCartItem),
		errors.Is(err, models.ErrUnknownCartMutation),
		errors.Is(err, service.ErrBadRequest),
		errors.Is(err, service.ErrNotFound),
		errors.Is(err, service.ErrConflict):
		se.Rejected = true
		se.Reason = service.ReasonOf(err)
	}
	return se
}
