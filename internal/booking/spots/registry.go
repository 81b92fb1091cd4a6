package spots

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/parkwise/internal/booking/domain"
)

// Registry owns spot availability. Every mutation is a compare-and-set
// against the status the caller expects the spot to be in.
type Registry struct {
	repo   domain.SpotRepository
	logger *zap.Logger
}

// NewRegistry constructs the registry over a spot repository.
func NewRegistry(repo domain.SpotRepository, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{repo: repo, logger: logger}
}

// Occupancy summarises a garage's spots. Occupied counts every held spot,
// Reserved the subset still waiting for the driver to enter.
type Occupancy struct {
	GarageID  uuid.UUID `json:"garage_id"`
	Total     int       `json:"total"`
	Occupied  int       `json:"occupied"`
	Reserved  int       `json:"reserved"`
	Available int       `json:"available"`
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (domain.Spot, error) {
	return r.repo.GetSpot(ctx, id)
}

// Register adds a spot as available unless it is already known.
func (r *Registry) Register(ctx context.Context, garageID, id uuid.UUID, label string) (domain.Spot, error) {
	spot, err := r.repo.EnsureSpot(ctx, domain.Spot{ID: id, GarageID: garageID, Label: label, Status: domain.SpotAvailable, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return domain.Spot{}, fmt.Errorf("register spot: %w", err)
	}
	if spot.GarageID != garageID {
		return domain.Spot{}, domain.Invariant("spot %s registered under garage %s, not %s", id, spot.GarageID, garageID)
	}
	return spot, nil
}

// Reserve moves an available spot to reserved.
func (r *Registry) Reserve(ctx context.Context, id uuid.UUID) (domain.Spot, error) {
	spot, ok, err := r.swap(ctx, "reserve", id, []domain.SpotStatus{domain.SpotAvailable}, domain.SpotReserved)
	if err != nil {
		return domain.Spot{}, err
	}
	if !ok {
		return spot, domain.ErrSpotUnavailable
	}
	return spot, nil
}

// Occupy moves a reserved spot to occupied.
func (r *Registry) Occupy(ctx context.Context, id uuid.UUID) (domain.Spot, error) {
	spot, ok, err := r.swap(ctx, "occupy", id, []domain.SpotStatus{domain.SpotReserved}, domain.SpotOccupied)
	if err != nil {
		return domain.Spot{}, err
	}
	if !ok {
		return spot, r.violation("occupy", spot, domain.SpotReserved)
	}
	return spot, nil
}

// Release returns the spot to available, provided it is currently in from.
func (r *Registry) Release(ctx context.Context, id uuid.UUID, from domain.SpotStatus) (domain.Spot, error) {
	if from == domain.SpotAvailable {
		return domain.Spot{}, domain.Invariant("release of spot %s expects a held status", id)
	}
	spot, ok, err := r.swap(ctx, "release", id, []domain.SpotStatus{from}, domain.SpotAvailable)
	if err != nil {
		return domain.Spot{}, err
	}
	if !ok {
		return spot, r.violation("release", spot, from)
	}
	return spot, nil
}

// Occupancy counts spots per status for a garage.
func (r *Registry) Occupancy(ctx context.Context, garageID uuid.UUID) (Occupancy, error) {
	list, err := r.repo.ListSpotsByGarage(ctx, garageID)
	if err != nil {
		return Occupancy{}, fmt.Errorf("list spots: %w", err)
	}
	occ := Occupancy{GarageID: garageID, Total: len(list)}
	for _, s := range list {
		switch s.Status {
		case domain.SpotReserved:
			occ.Reserved++
			occ.Occupied++
		case domain.SpotOccupied:
			occ.Occupied++
		default:
			occ.Available++
		}
	}
	return occ, nil
}

// List returns the garage's spots ordered by label.
func (r *Registry) List(ctx context.Context, garageID uuid.UUID) ([]domain.Spot, error) {
	return r.repo.ListSpotsByGarage(ctx, garageID)
}

func (r *Registry) swap(ctx context.Context, op string, id uuid.UUID, expected []domain.SpotStatus, next domain.SpotStatus) (domain.Spot, bool, error) {
	start := time.Now()
	defer func() { spotOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	spot, ok, err := r.repo.CompareAndSetSpotStatus(ctx, id, expected, next)
	switch {
	case err != nil:
		spotOperations.WithLabelValues(op, "error").Inc()
		return domain.Spot{}, false, fmt.Errorf("%s spot %s: %w", op, id, err)
	case !ok:
		spotOperations.WithLabelValues(op, "mismatch").Inc()
	default:
		spotOperations.WithLabelValues(op, "ok").Inc()
	}
	return spot, ok, nil
}

func (r *Registry) violation(op string, spot domain.Spot, expected domain.SpotStatus) error {
	r.logger.Error("spot status mismatch",
		zap.String("op", op),
		zap.String("spot_id", spot.ID.String()),
		zap.String("expected", string(expected)),
		zap.String("actual", string(spot.Status)),
	)
	return domain.Invariant("%s spot %s: expected %s, found %s", op, spot.ID, expected, spot.Status)
}
