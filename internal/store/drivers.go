package store

import (
	"context"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const driverColumns = `id, name, is_active, is_verified, vehicle_type, business_id, created_at, updated_at`

// CreateDriver inserts or replaces a driver profile
func (s *Store) CreateDriver(ctx context.Context, d *models.Driver) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drivers (id, name, is_active, is_verified, vehicle_type, business_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			is_verified = EXCLUDED.is_verified,
			vehicle_type = EXCLUDED.vehicle_type,
			business_id = EXCLUDED.business_id,
			updated_at = NOW()`,
		d.ID, d.Name, d.IsActive, d.IsVerified, d.VehicleType, d.BusinessID)
	if err != nil {
		return fmt.Errorf("failed to upsert driver: %w", err)
	}
	return nil
}

// GetDriver retrieves a driver by ID
func (s *Store) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return readDriver(ctx, s.db, id, false)
}

// ListDriversForBusiness returns the business's own drivers plus independent drivers
func (s *Store) ListDriversForBusiness(ctx context.Context, businessID string) ([]models.Driver, error) {
	var drivers []models.Driver
	err := s.db.SelectContext(ctx, &drivers,
		"SELECT "+driverColumns+" FROM drivers WHERE business_id = $1 OR business_id IS NULL ORDER BY id",
		businessID)
	return drivers, err
}

// ReadActiveOrderCount counts non-terminal orders bound to the driver
func (s *Store) ReadActiveOrderCount(ctx context.Context, driverID string) (int, error) {
	return countActiveOrders(ctx, s.db, driverID)
}

// ReadActiveOrderCounts counts active orders for many drivers in one query.
// Drivers without active orders are present with zero.
func (s *Store) ReadActiveOrderCounts(ctx context.Context, driverIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(driverIDs))
	for _, id := range driverIDs {
		counts[id] = 0
	}
	if len(driverIDs) == 0 {
		return counts, nil
	}

	var rows []struct {
		DriverID string `db:"driver_id"`
		Count    int    `db:"count"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT driver_id, COUNT(*) AS count FROM orders
		WHERE driver_id = ANY($1) AND status = ANY($2)
		GROUP BY driver_id`,
		pq.Array(driverIDs), activeOrderStatuses())
	if err != nil {
		return nil, fmt.Errorf("failed to count active orders: %w", err)
	}
	for _, r := range rows {
		counts[r.DriverID] = r.Count
	}
	return counts, nil
}

func readDriver(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*models.Driver, error) {
	query := "SELECT " + driverColumns + " FROM drivers WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	var d models.Driver
	err := sqlx.GetContext(ctx, q, &d, query, id)
	if noRows(err) {
		return nil, fmt.Errorf("%w: %s", ErrDriverNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func countActiveOrders(ctx context.Context, q sqlx.QueryerContext, driverID string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n,
		"SELECT COUNT(*) FROM orders WHERE driver_id = $1 AND status = ANY($2)",
		driverID, activeOrderStatuses())
	if err != nil {
		return 0, fmt.Errorf("failed to count active orders: %w", err)
	}
	return n, nil
}
