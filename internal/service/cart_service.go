package service

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// CartService is the authoritative side of cart reconciliation
type CartService struct {
	carts  CartRepository
	cache  CartCache
	logger *zap.Logger
}

// NewCartService creates a new cart service. cache may be nil.
func NewCartService(carts CartRepository, cache CartCache) *CartService {
	return &CartService{
		carts:  carts,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// GetCart returns the actor's authoritative cart. A cached snapshot is served
// only while its version matches the store.
func (s *CartService) GetCart(ctx context.Context, actor models.Actor) (*models.Cart, error) {
	if actor.ID == "" {
		return nil, badRequest("customer id is required")
	}

	if cached := s.cached(ctx, actor.ID); cached != nil {
		return cached, nil
	}

	cart, err := s.carts.ReadCart(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read cart: %w", err)
	}
	s.remember(ctx, cart)
	return cart, nil
}

// cached returns the cache snapshot when it is current, nil otherwise
func (s *CartService) cached(ctx context.Context, customerID string) *models.Cart {
	if s.cache == nil {
		return nil
	}

	cart, err := s.cache.GetCart(ctx, customerID)
	if err != nil {
		s.logger.Warn("Cart cache read failed", zap.String("customer_id", customerID), zap.Error(err))
		return nil
	}
	if cart == nil {
		return nil
	}

	version, err := s.carts.ReadCartVersion(ctx, customerID)
	if err != nil {
		s.logger.Warn("Cart version read failed", zap.String("customer_id", customerID), zap.Error(err))
		return nil
	}
	if cart.Version != version {
		s.logger.Debug("Stale cart snapshot skipped",
			zap.String("customer_id", customerID),
			zap.Int64("cached_version", cart.Version),
			zap.Int64("version", version))
		return nil
	}
	return cart
}

// ApplyMutation applies m to the actor's cart and returns the new authoritative cart
func (s *CartService) ApplyMutation(ctx context.Context, actor models.Actor, m models.CartMutation) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.ApplyMutation")
	var err error
	defer func() { util.EndSpan(span, err) }()

	if actor.ID == "" {
		err = badRequest("customer id is required")
		return nil, err
	}

	cart, err := s.carts.ApplyCartMutation(ctx, actor.ID, m)
	if err != nil {
		util.CartMutationsTotal.WithLabelValues(string(m.Kind), "rejected").Inc()
		err = cartError(err)
		return nil, err
	}

	util.CartMutationsTotal.WithLabelValues(string(m.Kind), "applied").Inc()
	s.logger.Debug("Cart mutated",
		zap.String("customer_id", actor.ID),
		zap.String("kind", string(m.Kind)),
		zap.Int64("version", cart.Version),
		zap.Int("item_count", cart.ItemCount()))

	s.remember(ctx, cart)
	return cart, nil
}

// remember caches the snapshot; a failed write drops the key so no stale copy is served
func (s *CartService) remember(ctx context.Context, cart *models.Cart) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.PutCart(ctx, cart); err != nil {
		s.logger.Warn("Cart cache write failed", zap.String("customer_id", cart.CustomerID), zap.Error(err))
		if err := s.cache.InvalidateCart(ctx, cart.CustomerID); err != nil {
			s.logger.Error("Cart cache invalidation failed", zap.String("customer_id", cart.CustomerID), zap.Error(err))
		}
	}
}

func cartError(err error) error {
	switch {
	case errors.Is(err, models.ErrInvalidCartItem), errors.Is(err, models.ErrUnknownCartMutation):
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	case errors.Is(err, models.ErrCartItemNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, models.ErrCartBusinessMismatch):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return fmt.Errorf("failed to apply cart mutation: %w", translateStoreError(err))
}
