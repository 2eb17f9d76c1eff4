package store

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// BindDriverToOrder binds a driver to a single order in one transaction.
// The driver row is locked and its eligibility and active order count are
// re-read before the conditional order update, so two racing dispatchers
// cannot both succeed and a driver cannot exceed req.MaxActiveOrders.
func (s *Store) BindDriverToOrder(ctx context.Context, orderID string, req models.BindRequest) (*models.Order, error) {
	var bound *models.Order
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockEligibleDriver(ctx, tx, req, 1); err != nil {
			return err
		}

		order, err := readOrder(ctx, tx, orderID, true)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE orders o SET
				driver_id = $1,
				status = 'out_for_delivery',
				status_version = status_version + 1,
				available_for_drivers = FALSE,
				picked_up_at = COALESCE(picked_up_at, $2),
				updated_at = $2
			WHERE o.id = $3 AND o.driver_id IS NULL
			  AND o.status IN ('ready', 'out_for_delivery')
			  AND NOT EXISTS (
				SELECT 1 FROM batch_orders bo JOIN delivery_batches b ON b.id = bo.batch_id
				WHERE bo.order_id = o.id AND b.status IN ('pending', 'assigned', 'in_progress'))`,
			req.DriverID, req.At, orderID)
		if err != nil {
			return fmt.Errorf("failed to bind driver: %w", err)
		}
		if err := guardResult(ctx, tx, res, "orders", orderID); err != nil {
			return err
		}

		if err := insertAssignment(ctx, tx, req.DriverID, orderID, nil, req.At); err != nil {
			return err
		}
		if order.Status != models.OrderStatusOutForDelivery {
			if err := insertHistory(ctx, tx, orderID, order.Status, models.OrderStatusOutForDelivery, req.Actor, req.At); err != nil {
				return err
			}
		}

		bound, err = readOrder(ctx, tx, orderID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bound, nil
}

// BindDriverToBatch binds a driver to every undelivered member of a batch in
// one transaction. A pending batch becomes assigned; an in-progress batch
// whose driver was released keeps its status and gets the new driver.
func (s *Store) BindDriverToBatch(ctx context.Context, batchID string, req models.BindRequest) (*models.DeliveryBatch, error) {
	var bound *models.DeliveryBatch
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		batch, err := readBatch(ctx, tx, batchID, true)
		if err != nil {
			return err
		}
		if batch.HasDriver() || (batch.Status != models.BatchStatusPending && batch.Status != models.BatchStatusInProgress) {
			return fmt.Errorf("%w: batch %s is %s", ErrConflict, batch.ID, batch.Status)
		}

		var members []models.Order
		for _, bo := range batch.Orders {
			if bo.Status == models.BatchOrderDelivered {
				continue
			}
			order, err := readOrder(ctx, tx, bo.OrderID, true)
			if err != nil {
				return err
			}
			if !order.Assignable() {
				return fmt.Errorf("%w: order %s is %s", ErrConflict, order.ID, order.Status)
			}
			members = append(members, *order)
		}
		if len(members) == 0 {
			return fmt.Errorf("%w: batch %s has no undelivered orders", ErrConflict, batch.ID)
		}

		if err := lockEligibleDriver(ctx, tx, req, len(members)); err != nil {
			return err
		}

		for _, order := range members {
			res, err := tx.ExecContext(ctx, `
				UPDATE orders SET
					driver_id = $1,
					status = 'out_for_delivery',
					status_version = status_version + 1,
					available_for_drivers = FALSE,
					picked_up_at = COALESCE(picked_up_at, $2),
					updated_at = $2
				WHERE id = $3 AND driver_id IS NULL AND status = $4 AND status_version = $5`,
				req.DriverID, req.At, order.ID, order.Status, order.StatusVersion)
			if err != nil {
				return fmt.Errorf("failed to bind driver to order %s: %w", order.ID, err)
			}
			if err := guardResult(ctx, tx, res, "orders", order.ID); err != nil {
				return err
			}
			if err := insertAssignment(ctx, tx, req.DriverID, order.ID, &batch.ID, req.At); err != nil {
				return err
			}
			if order.Status != models.OrderStatusOutForDelivery {
				if err := insertHistory(ctx, tx, order.ID, order.Status, models.OrderStatusOutForDelivery, req.Actor, req.At); err != nil {
					return err
				}
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE delivery_batches SET
				driver_id = $1,
				status = CASE WHEN status = 'pending' THEN 'assigned' ELSE status END,
				assigned_at = $2
			WHERE id = $3`,
			req.DriverID, req.At, batch.ID)
		if err != nil {
			return fmt.Errorf("failed to assign batch: %w", err)
		}

		bound, err = readBatch(ctx, tx, batch.ID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bound, nil
}

// ReleaseDriver unbinds a driver from all non-terminal work without
// regressing any order status. Released orders become available again,
// assigned batches return to pending and in-progress batches lose their driver.
func (s *Store) ReleaseDriver(ctx context.Context, driverID string, actor models.Actor, at time.Time) (*models.ReleaseResult, error) {
	result := &models.ReleaseResult{
		DriverID:        driverID,
		ReleasedOrders:  []string{},
		RequeuedBatches: []string{},
		StalledBatches:  []string{},
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := readDriver(ctx, tx, driverID, true); err != nil {
			return err
		}

		err := tx.SelectContext(ctx, &result.ReleasedOrders, `
			UPDATE orders SET
				driver_id = NULL,
				available_for_drivers = TRUE,
				status_version = status_version + 1,
				updated_at = $2
			WHERE driver_id = $1 AND status = ANY($3)
			RETURNING id`,
			driverID, at, activeOrderStatuses())
		if err != nil {
			return fmt.Errorf("failed to release orders: %w", err)
		}

		if err := closeAssignments(ctx, tx, "driver_id", driverID, at); err != nil {
			return err
		}

		err = tx.SelectContext(ctx, &result.RequeuedBatches, `
			UPDATE delivery_batches SET status = 'pending', driver_id = NULL, assigned_at = NULL
			WHERE driver_id = $1 AND status = 'assigned'
			RETURNING id`, driverID)
		if err != nil {
			return fmt.Errorf("failed to requeue batches: %w", err)
		}

		err = tx.SelectContext(ctx, &result.StalledBatches, `
			UPDATE delivery_batches SET driver_id = NULL
			WHERE driver_id = $1 AND status = 'in_progress'
			RETURNING id`, driverID)
		if err != nil {
			return fmt.Errorf("failed to detach in-progress batches: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListAssignments returns the assignment records of an order, newest first
func (s *Store) ListAssignments(ctx context.Context, orderID string) ([]models.DriverAssignment, error) {
	var out []models.DriverAssignment
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, driver_id, order_id, batch_id, active, assigned_at, released_at
		FROM driver_assignments WHERE order_id = $1 ORDER BY assigned_at DESC`, orderID)
	return out, err
}

// lockEligibleDriver locks the driver row and checks that it can take n more orders
func lockEligibleDriver(ctx context.Context, tx *sqlx.Tx, req models.BindRequest, n int) error {
	driver, err := readDriver(ctx, tx, req.DriverID, true)
	if err != nil {
		return err
	}
	if !driver.IsActive {
		return fmt.Errorf("%w: %s", ErrDriverInactive, driver.ID)
	}
	if req.RequireVerified && !driver.IsVerified {
		return fmt.Errorf("%w: %s", ErrDriverUnverified, driver.ID)
	}

	active, err := countActiveOrders(ctx, tx, driver.ID)
	if err != nil {
		return err
	}
	if active+n > req.MaxActiveOrders {
		return fmt.Errorf("%w: %s has %d active orders", ErrDriverAtCapacity, driver.ID, active)
	}
	return nil
}

func insertAssignment(ctx context.Context, tx *sqlx.Tx, driverID, orderID string, batchID *string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO driver_assignments (id, driver_id, order_id, batch_id, active, assigned_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)`,
		uuid.New().String(), driverID, orderID, batchID, at)
	if err != nil {
		return fmt.Errorf("failed to record assignment: %w", err)
	}
	return nil
}

// closeAssignments ends active assignment records matching column = value
func closeAssignments(ctx context.Context, tx *sqlx.Tx, column, value string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE driver_assignments SET active = FALSE, released_at = $2 WHERE active AND "+column+" = $1",
		value, at)
	if err != nil {
		return fmt.Errorf("failed to close assignments: %w", err)
	}
	return nil
}

func unbindBatchOrders(ctx context.Context, tx *sqlx.Tx, batchID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			driver_id = NULL,
			available_for_drivers = TRUE,
			status_version = status_version + 1,
			updated_at = $2
		WHERE driver_id IS NOT NULL AND status = ANY($3)
		  AND id IN (SELECT order_id FROM batch_orders WHERE batch_id = $1)`,
		batchID, at, activeOrderStatuses())
	if err != nil {
		return fmt.Errorf("failed to unbind batch orders: %w", err)
	}
	return closeAssignments(ctx, tx, "batch_id", batchID, at)
}
