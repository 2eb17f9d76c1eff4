package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Policy holds the fulfillment limits shared by the services
type Policy struct {
	MaxConcurrentOrders    int
	MaxBatchSize           int
	RequireVerifiedDrivers bool
	AssignLockTTL          time.Duration
}

// DefaultPolicy returns the standard limits
func DefaultPolicy() Policy {
	return Policy{
		MaxConcurrentOrders: 3,
		MaxBatchSize:        3,
		AssignLockTTL:       10 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxConcurrentOrders <= 0 {
		p.MaxConcurrentOrders = def.MaxConcurrentOrders
	}
	if p.MaxBatchSize <= 0 {
		p.MaxBatchSize = p.MaxConcurrentOrders
	}
	if p.AssignLockTTL <= 0 {
		p.AssignLockTTL = def.AssignLockTTL
	}
	return p
}

// Availability is a driver's eligibility at the moment it was evaluated
type Availability struct {
	Driver       models.Driver `json:"driver"`
	ActiveOrders int           `json:"active_orders"`
	Eligible     bool          `json:"eligible"`
	Reason       Reason        `json:"reason,omitempty"`
}

// AvailabilityService answers whether drivers can take more work.
// Counts are recomputed from orders on every call.
type AvailabilityService struct {
	drivers DriverRepository
	policy  Policy
	logger  *zap.Logger
}

// NewAvailabilityService creates a new availability evaluator
func NewAvailabilityService(drivers DriverRepository, policy Policy) *AvailabilityService {
	return &AvailabilityService{
		drivers: drivers,
		policy:  policy.normalized(),
		logger:  util.GetLogger(),
	}
}

// EligibleDrivers returns the eligible drivers of a business pool:
// the business's own drivers plus independent drivers.
func (s *AvailabilityService) EligibleDrivers(ctx context.Context, businessID string) ([]Availability, error) {
	ctx, span := util.StartSpan(ctx, "AvailabilityService.EligibleDrivers")
	defer span.End()

	pool, err := s.drivers.ListDriversForBusiness(ctx, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list drivers: %w", err)
	}
	if len(pool) == 0 {
		return []Availability{}, nil
	}

	ids := make([]string, len(pool))
	for i, d := range pool {
		ids[i] = d.ID
	}
	counts, err := s.drivers.ReadActiveOrderCounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read active order counts: %w", err)
	}

	eligible := make([]Availability, 0, len(pool))
	for _, d := range pool {
		a := s.evaluate(d, counts[d.ID])
		if a.Eligible {
			eligible = append(eligible, a)
		}
	}

	s.logger.Debug("Evaluated driver pool",
		zap.String("business_id", businessID),
		zap.Int("pool", len(pool)),
		zap.Int("eligible", len(eligible)))
	return eligible, nil
}

// CheckDriver evaluates a single driver
func (s *AvailabilityService) CheckDriver(ctx context.Context, driverID string) (*Availability, error) {
	driver, err := s.drivers.GetDriver(ctx, driverID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	count, err := s.drivers.ReadActiveOrderCount(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("failed to read active order count: %w", err)
	}
	a := s.evaluate(*driver, count)
	return &a, nil
}

// HasCapacityFor reports whether n more orders fit under the limit
func (s *AvailabilityService) HasCapacityFor(a *Availability, n int) bool {
	return a.ActiveOrders+n <= s.policy.MaxConcurrentOrders
}

func (s *AvailabilityService) evaluate(d models.Driver, active int) Availability {
	a := Availability{Driver: d, ActiveOrders: active}
	switch {
	case !d.IsActive:
		a.Reason = ReasonDriverOffline
	case s.policy.RequireVerifiedDrivers && !d.IsVerified:
		a.Reason = ReasonDriverUnverified
	case active >= s.policy.MaxConcurrentOrders:
		a.Reason = ReasonDriverAtCapacity
	default:
		a.Eligible = true
	}
	return a
}
