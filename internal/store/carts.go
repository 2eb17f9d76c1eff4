package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

type cartRow struct {
	CustomerID   string    `db:"customer_id"`
	BusinessID   string    `db:"business_id"`
	BusinessName string    `db:"business_name"`
	Items        []byte    `db:"items"`
	Version      int64     `db:"version"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r *cartRow) toModel() (*models.Cart, error) {
	cart := &models.Cart{
		CustomerID:   r.CustomerID,
		BusinessID:   r.BusinessID,
		BusinessName: r.BusinessName,
		Version:      r.Version,
		UpdatedAt:    r.UpdatedAt,
		Items:        []models.CartItem{},
	}
	if len(r.Items) > 0 {
		if err := json.Unmarshal(r.Items, &cart.Items); err != nil {
			return nil, fmt.Errorf("failed to decode cart items: %w", err)
		}
	}
	return cart, nil
}

// ReadCart returns the customer's cart, or an empty cart at version 0
func (s *Store) ReadCart(ctx context.Context, customerID string) (*models.Cart, error) {
	return readCart(ctx, s.db, customerID, false)
}

// ReadCartVersion returns the stored cart version, 0 when the customer has no cart
func (s *Store) ReadCartVersion(ctx context.Context, customerID string) (int64, error) {
	var version int64
	err := s.db.GetContext(ctx, &version, "SELECT version FROM carts WHERE customer_id = $1", customerID)
	if noRows(err) {
		return 0, nil
	}
	return version, err
}

// ApplyCartMutation applies a mutation under a row lock and bumps the version.
// Mutation rule violations are returned unchanged and nothing is written.
func (s *Store) ApplyCartMutation(ctx context.Context, customerID string, m models.CartMutation) (*models.Cart, error) {
	var cart *models.Cart
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		// Serializes first writes for customers that have no row yet.
		_, err := tx.ExecContext(ctx,
			"INSERT INTO carts (customer_id) VALUES ($1) ON CONFLICT (customer_id) DO NOTHING", customerID)
		if err != nil {
			return fmt.Errorf("failed to create cart: %w", err)
		}

		cart, err = readCart(ctx, tx, customerID, true)
		if err != nil {
			return err
		}
		if err := cart.Apply(m); err != nil {
			return err
		}

		cart.Version++
		cart.UpdatedAt = time.Now().UTC()
		items, err := json.Marshal(cart.Items)
		if err != nil {
			return fmt.Errorf("failed to encode cart items: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE carts SET business_id = $2, business_name = $3, items = $4, version = $5, updated_at = $6
			WHERE customer_id = $1`,
			customerID, cart.BusinessID, cart.BusinessName, string(items), cart.Version, cart.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save cart: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cart, nil
}

func readCart(ctx context.Context, q sqlx.QueryerContext, customerID string, forUpdate bool) (*models.Cart, error) {
	query := `SELECT customer_id, business_id, business_name, items, version, updated_at
		FROM carts WHERE customer_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var row cartRow
	err := sqlx.GetContext(ctx, q, &row, query, customerID)
	if noRows(err) {
		return models.NewCart(customerID), nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}
