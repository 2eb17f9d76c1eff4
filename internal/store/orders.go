package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const orderColumns = `id, order_number, business_id, customer_id, total, delivery_fee, grand_total,
	status, status_version, delivery_type, scheduled_start, scheduled_end, available_for_drivers,
	driver_id, idempotency_key, cancel_reason, created_at, updated_at, confirmed_at, ready_at,
	picked_up_at, delivered_at, cancelled_at`

// CreateOrder inserts an order and its line items
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO orders (id, order_number, business_id, customer_id, total, delivery_fee, grand_total,
				status, status_version, delivery_type, scheduled_start, scheduled_end, available_for_drivers,
				idempotency_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`

		_, err := tx.ExecContext(ctx, query,
			order.ID, order.OrderNumber, order.BusinessID, order.CustomerID,
			order.Total, order.DeliveryFee, order.GrandTotal,
			order.Status, order.StatusVersion, order.DeliveryType,
			order.ScheduledStart, order.ScheduledEnd, order.AvailableForDrivers,
			order.IdempotencyKey, order.CreatedAt)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return fmt.Errorf("%w: duplicate order: %s", ErrConflict, pqErr.Constraint)
			}
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for i := range order.Items {
			item := &order.Items[i]
			item.OrderID = order.ID
			err := tx.GetContext(ctx, &item.ID, `
				INSERT INTO order_items (order_id, name, quantity, unit_price, special_instructions)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING id`,
				item.OrderID, item.Name, item.Quantity, item.UnitPrice, item.SpecialInstructions)
			if err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}
		return nil
	})
}

// ReadOrder retrieves an order with its line items
func (s *Store) ReadOrder(ctx context.Context, id string) (*models.Order, error) {
	return readOrder(ctx, s.db, id, false)
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var id string
	err := s.db.GetContext(ctx, &id, "SELECT id FROM orders WHERE idempotency_key = $1", key)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.ReadOrder(ctx, id)
}

// ListOrdersAwaitingDriver returns unbound orders that drivers may pick up, oldest first.
// A limit below 1 returns every such order.
func (s *Store) ListOrdersAwaitingDriver(ctx context.Context, limit int) ([]models.Order, error) {
	var n sql.NullInt64
	if limit > 0 {
		n = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT `+orderColumns+` FROM orders o
		WHERE available_for_drivers AND driver_id IS NULL
		  AND status IN ('ready', 'out_for_delivery')
		  AND NOT EXISTS (
			SELECT 1 FROM batch_orders bo JOIN delivery_batches b ON b.id = bo.batch_id
			WHERE bo.order_id = o.id AND b.status IN ('pending', 'assigned', 'in_progress'))
		ORDER BY COALESCE(ready_at, created_at)
		LIMIT $1`, n)
	return orders, err
}

// ListStatusHistory returns accepted transitions for an order, oldest first
func (s *Store) ListStatusHistory(ctx context.Context, orderID string) ([]models.StatusHistory, error) {
	var history []models.StatusHistory
	err := s.db.SelectContext(ctx, &history, `
		SELECT id, order_id, from_status, to_status, actor_id, actor_role, created_at
		FROM order_status_history WHERE order_id = $1 ORDER BY id`, orderID)
	return history, err
}

// WriteOrderStatus applies a guarded status change.
// It returns ErrConflict when the stored status, version or driver no longer match.
func (s *Store) WriteOrderStatus(ctx context.Context, change models.StatusChange) (*models.Order, error) {
	var updated *models.Order
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var reason *string
		if change.Reason != "" {
			reason = &change.Reason
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET
				status = $1::text,
				status_version = status_version + 1,
				updated_at = $2,
				confirmed_at = CASE WHEN $1::text = 'confirmed' THEN $2 ELSE confirmed_at END,
				ready_at = CASE WHEN $1::text = 'ready' THEN $2 ELSE ready_at END,
				delivered_at = CASE WHEN $1::text = 'delivered' THEN $2 ELSE delivered_at END,
				cancelled_at = CASE WHEN $1::text = 'cancelled' THEN $2 ELSE cancelled_at END,
				cancel_reason = CASE WHEN $1::text = 'cancelled' THEN $6 ELSE cancel_reason END,
				available_for_drivers = CASE
					WHEN $1::text = 'ready' THEN driver_id IS NULL
					WHEN $1::text IN ('delivered', 'cancelled') THEN FALSE
					ELSE available_for_drivers END
			WHERE id = $3 AND status = $4 AND status_version = $5
			  AND ($7::text IS NULL OR driver_id = $7::text)`,
			change.To, change.At, change.OrderID, change.From, change.Version, reason, change.DriverID)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		if err := guardResult(ctx, tx, res, "orders", change.OrderID); err != nil {
			return err
		}

		if err := insertHistory(ctx, tx, change.OrderID, change.From, change.To, change.Actor, change.At); err != nil {
			return err
		}

		if change.To.Terminal() {
			if err := closeAssignments(ctx, tx, "order_id", change.OrderID, change.At); err != nil {
				return err
			}
		}

		updated, err = readOrder(ctx, tx, change.OrderID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// FindActiveBatchByOrder returns the non-terminal batch holding the order, or nil
func (s *Store) FindActiveBatchByOrder(ctx context.Context, orderID string) (*models.DeliveryBatch, error) {
	var batchID string
	err := s.db.GetContext(ctx, &batchID, `
		SELECT b.id FROM delivery_batches b JOIN batch_orders bo ON bo.batch_id = b.id
		WHERE bo.order_id = $1 AND b.status IN ('pending', 'assigned', 'in_progress')
		LIMIT 1`, orderID)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return readBatch(ctx, s.db, batchID, false)
}

func readOrder(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var order models.Order
	err := sqlx.GetContext(ctx, q, &order, query, id)
	if noRows(err) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	err = sqlx.SelectContext(ctx, q, &order.Items, `
		SELECT id, order_id, name, quantity, unit_price, special_instructions
		FROM order_items WHERE order_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	return &order, nil
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, orderID string, from, to models.OrderStatus, actor models.Actor, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, actor_id, actor_role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		orderID, from, to, actor.ID, actor.Role, at)
	if err != nil {
		return fmt.Errorf("failed to insert status history: %w", err)
	}
	return nil
}

// guardResult turns a zero-row conditional update into ErrNotFound or ErrConflict
func guardResult(ctx context.Context, tx *sqlx.Tx, res interface{ RowsAffected() (int64, error) }, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := tx.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = $1)", id); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	return fmt.Errorf("%w: %s %s", ErrConflict, table, id)
}
