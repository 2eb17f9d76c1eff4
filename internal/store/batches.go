package store

import (
	"context"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const batchColumns = `id, business_id, status, driver_id, total_orders, created_at,
	assigned_at, started_at, completed_at, cancelled_at`

// CreateBatch inserts a batch and its members.
// Every member must be an unbound, non-terminal order of the batch's business
// that is not held by another active batch.
func (s *Store) CreateBatch(ctx context.Context, batch *models.DeliveryBatch) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, member := range batch.Orders {
			order, err := readOrder(ctx, tx, member.OrderID, true)
			if err != nil {
				return err
			}
			if order.BusinessID != batch.BusinessID || order.Status.Terminal() || order.HasDriver() {
				return fmt.Errorf("%w: order %s cannot join batch", ErrConflict, order.ID)
			}
			var held bool
			err = tx.GetContext(ctx, &held, `
				SELECT EXISTS(
					SELECT 1 FROM batch_orders bo JOIN delivery_batches b ON b.id = bo.batch_id
					WHERE bo.order_id = $1 AND b.status IN ('pending', 'assigned', 'in_progress'))`,
				order.ID)
			if err != nil {
				return err
			}
			if held {
				return fmt.Errorf("%w: order %s already belongs to an active batch", ErrConflict, order.ID)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO delivery_batches (id, business_id, status, total_orders, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			batch.ID, batch.BusinessID, batch.Status, batch.TotalOrders, batch.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}

		for _, member := range batch.Orders {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO batch_orders (batch_id, order_id, sequence_order, status)
				VALUES ($1, $2, $3, $4)`,
				batch.ID, member.OrderID, member.SequenceOrder, member.Status)
			if err != nil {
				return fmt.Errorf("failed to insert batch order: %w", err)
			}
		}
		return nil
	})
}

// ReadBatch retrieves a batch with its members in route order
func (s *Store) ReadBatch(ctx context.Context, id string) (*models.DeliveryBatch, error) {
	return readBatch(ctx, s.db, id, false)
}

// WriteBatchStatus applies a guarded batch status change.
// Completion re-checks membership inside the write; cancelling an assigned
// batch unbinds its driver from the member orders.
func (s *Store) WriteBatchStatus(ctx context.Context, change models.BatchStatusChange) (*models.DeliveryBatch, error) {
	var updated *models.DeliveryBatch
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE delivery_batches SET
				status = $1::text,
				started_at = CASE WHEN $1::text = 'in_progress' THEN $2 ELSE started_at END,
				completed_at = CASE WHEN $1::text = 'completed' THEN $2 ELSE completed_at END,
				cancelled_at = CASE WHEN $1::text = 'cancelled' THEN $2 ELSE cancelled_at END
			WHERE id = $3 AND status = $4
			  AND ($5::text IS NULL OR driver_id = $5::text)
			  AND ($1::text <> 'completed' OR NOT EXISTS (
				SELECT 1 FROM batch_orders WHERE batch_id = $3 AND status <> 'delivered'))`,
			change.To, change.At, change.BatchID, change.From, change.DriverID)
		if err != nil {
			return fmt.Errorf("failed to update batch status: %w", err)
		}
		if err := guardResult(ctx, tx, res, "delivery_batches", change.BatchID); err != nil {
			return err
		}

		if change.To == models.BatchStatusCancelled {
			if err := unbindBatchOrders(ctx, tx, change.BatchID, change.At); err != nil {
				return err
			}
		}

		updated, err = readBatch(ctx, tx, change.BatchID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AdvanceBatchOrder moves one member forward on an in-progress batch driven
// by adv.DriverID. Delivering a member also delivers its order.
func (s *Store) AdvanceBatchOrder(ctx context.Context, adv models.BatchOrderAdvance) (*models.DeliveryBatch, error) {
	var updated *models.DeliveryBatch
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		batch, err := readBatch(ctx, tx, adv.BatchID, true)
		if err != nil {
			return err
		}
		if batch.Status != models.BatchStatusInProgress || !batch.HasDriver() || *batch.DriverID != adv.DriverID {
			return fmt.Errorf("%w: batch %s is not in progress for driver %s", ErrConflict, batch.ID, adv.DriverID)
		}
		if _, ok := batch.Member(adv.OrderID); !ok {
			return fmt.Errorf("%w: order %s is not in batch %s", ErrNotFound, adv.OrderID, batch.ID)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE batch_orders SET
				status = $1::text,
				picked_up_at = CASE WHEN $1::text = 'picked_up' THEN $2 ELSE picked_up_at END,
				delivered_at = CASE WHEN $1::text = 'delivered' THEN $2 ELSE delivered_at END
			WHERE batch_id = $3 AND order_id = $4 AND status = $5`,
			adv.To, adv.At, adv.BatchID, adv.OrderID, adv.From)
		if err != nil {
			return fmt.Errorf("failed to advance batch order: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: batch order %s/%s", ErrConflict, adv.BatchID, adv.OrderID)
		}

		if adv.To == models.BatchOrderDelivered {
			res, err := tx.ExecContext(ctx, `
				UPDATE orders SET
					status = 'delivered',
					status_version = status_version + 1,
					delivered_at = $1,
					updated_at = $1,
					available_for_drivers = FALSE
				WHERE id = $2 AND status = 'out_for_delivery' AND driver_id = $3`,
				adv.At, adv.OrderID, adv.DriverID)
			if err != nil {
				return fmt.Errorf("failed to deliver order: %w", err)
			}
			if err := guardResult(ctx, tx, res, "orders", adv.OrderID); err != nil {
				return err
			}
			if err := insertHistory(ctx, tx, adv.OrderID, models.OrderStatusOutForDelivery,
				models.OrderStatusDelivered, adv.Actor, adv.At); err != nil {
				return err
			}
			if err := closeAssignments(ctx, tx, "order_id", adv.OrderID, adv.At); err != nil {
				return err
			}
		}

		updated, err = readBatch(ctx, tx, adv.BatchID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func readBatch(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*models.DeliveryBatch, error) {
	query := "SELECT " + batchColumns + " FROM delivery_batches WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var batch models.DeliveryBatch
	err := sqlx.GetContext(ctx, q, &batch, query, id)
	if noRows(err) {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	err = sqlx.SelectContext(ctx, q, &batch.Orders, `
		SELECT batch_id, order_id, sequence_order, status, picked_up_at, delivered_at
		FROM batch_orders WHERE batch_id = $1 ORDER BY sequence_order`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch orders: %w", err)
	}
	return &batch, nil
}
