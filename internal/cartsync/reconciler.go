package cartsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Phase is the reconciliation state of the local cart view
type Phase string

const (
	// PhaseIdle means the view equals the last confirmed authoritative cart
	PhaseIdle Phase = "idle"
	// PhasePending means an optimistic mutation is awaiting confirmation
	PhasePending Phase = "pending"
	// PhaseStale means the last outcome is unknown and the view may lag the store
	PhaseStale Phase = "stale"
)

// Reconciler keeps a customer's local cart view responsive while the
// authoritative store confirms or rejects every mutation. Mutations are
// serialized: at most one is in flight per reconciler.
type Reconciler struct {
	actor          models.Actor
	remote         Remote
	refetchTimeout time.Duration
	logger         *zap.Logger

	submit sync.Mutex

	mu        sync.RWMutex
	view      *models.Cart
	confirmed *models.Cart
	phase     Phase
}

// NewReconciler creates a reconciler for one customer session.
// The view starts as an empty cart until Refresh succeeds.
func NewReconciler(actor models.Actor, remote Remote, refetchTimeout time.Duration) *Reconciler {
	if refetchTimeout <= 0 {
		refetchTimeout = 5 * time.Second
	}
	empty := models.NewCart(actor.ID)
	return &Reconciler{
		actor:          actor,
		remote:         remote,
		refetchTimeout: refetchTimeout,
		logger:         util.GetLogger(),
		view:           empty,
		confirmed:      empty.Clone(),
		phase:          PhaseStale,
	}
}

// Cart returns a copy of the current local view
func (r *Reconciler) Cart() *models.Cart {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.view.Clone()
}

// Confirmed returns a copy of the last cart the store confirmed
func (r *Reconciler) Confirmed() *models.Cart {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.confirmed.Clone()
}

// Phase returns the current reconciliation phase
func (r *Reconciler) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// Refresh replaces the view with a fresh authoritative fetch
func (r *Reconciler) Refresh(ctx context.Context) (*models.Cart, error) {
	r.submit.Lock()
	defer r.submit.Unlock()

	cart, err := r.remote.FetchCart(ctx, r.actor)
	if err != nil {
		r.markStale()
		return nil, &SyncError{Kind: "fetch", Err: err}
	}
	return r.adopt(cart), nil
}

// AddItem adds item from a business. replace clears a cart holding another business.
func (r *Reconciler) AddItem(ctx context.Context, item models.CartItem, businessID, businessName string, replace bool) (*models.Cart, error) {
	return r.Mutate(ctx, models.CartMutation{
		Kind:         models.CartAddItem,
		Item:         &item,
		BusinessID:   businessID,
		BusinessName: businessName,
		ReplaceCart:  replace,
	})
}

// UpdateQuantity sets an item's quantity; zero or less removes it
func (r *Reconciler) UpdateQuantity(ctx context.Context, itemID string, quantity int) (*models.Cart, error) {
	return r.Mutate(ctx, models.CartMutation{Kind: models.CartUpdateQuantity, ItemID: itemID, Quantity: quantity})
}

// RemoveItem removes an item
func (r *Reconciler) RemoveItem(ctx context.Context, itemID string) (*models.Cart, error) {
	return r.Mutate(ctx, models.CartMutation{Kind: models.CartRemoveItem, ItemID: itemID})
}

// Clear empties the cart
func (r *Reconciler) Clear(ctx context.Context) (*models.Cart, error) {
	return r.Mutate(ctx, models.CartMutation{Kind: models.CartClear})
}

// Mutate applies m optimistically, submits it and reconciles the outcome.
// On success the view becomes the store's cart. On failure the view is
// refetched; if that also fails it falls back to the last confirmed cart
// and the phase becomes stale.
func (r *Reconciler) Mutate(ctx context.Context, m models.CartMutation) (*models.Cart, error) {
	r.submit.Lock()
	defer r.submit.Unlock()

	optimistic := r.Cart()
	if err := optimistic.Apply(m); err != nil {
		if errors.Is(err, models.ErrInvalidCartItem) || errors.Is(err, models.ErrUnknownCartMutation) {
			return nil, classify(m.Kind, err)
		}
		// the view may lag the store; let the store decide
		optimistic = r.Cart()
	}
	r.setView(optimistic, PhasePending)

	cart, err := r.remote.ApplyMutation(ctx, r.actor, m)
	if err == nil {
		util.CartReconciliationsTotal.WithLabelValues("confirmed").Inc()
		return r.adopt(cart), nil
	}

	syncErr := classify(m.Kind, err)
	r.logger.Warn("Cart mutation not confirmed",
		zap.String("customer_id", r.actor.ID),
		zap.String("kind", string(m.Kind)),
		zap.Bool("rejected", syncErr.Rejected),
		zap.Error(err))

	refetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.refetchTimeout)
	defer cancel()

	fresh, ferr := r.remote.FetchCart(refetchCtx, r.actor)
	if ferr != nil {
		util.CartReconciliationsTotal.WithLabelValues("reverted").Inc()
		r.logger.Error("Cart refetch failed, reverting to last confirmed cart",
			zap.String("customer_id", r.actor.ID),
			zap.Error(ferr))
		r.mu.Lock()
		r.view = r.confirmed.Clone()
		r.phase = PhaseStale
		r.mu.Unlock()
		return nil, syncErr
	}

	util.CartReconciliationsTotal.WithLabelValues("refetched").Inc()
	r.adopt(fresh)
	return nil, syncErr
}

// adopt makes cart the confirmed state unless it is older than what we hold
func (r *Reconciler) adopt(cart *models.Cart) *models.Cart {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cart.Version < r.confirmed.Version {
		r.logger.Debug("Ignoring older cart",
			zap.String("customer_id", r.actor.ID),
			zap.Int64("version", cart.Version),
			zap.Int64("confirmed_version", r.confirmed.Version))
		util.CartReconciliationsTotal.WithLabelValues("out_of_order").Inc()
	} else {
		r.confirmed = cart.Clone()
	}
	r.view = r.confirmed.Clone()
	r.phase = PhaseIdle
	return r.view.Clone()
}

func (r *Reconciler) setView(cart *models.Cart, phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view = cart
	r.phase = phase
}

func (r *Reconciler) markStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = PhaseStale
}
