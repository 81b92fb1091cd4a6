package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimeOfDay is a wall-clock time expressed as minutes after midnight.
type TimeOfDay int

// ParseTimeOfDay reads "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// GarageConfig is the read-only configuration the engine consumes per garage.
type GarageConfig struct {
	ID                 uuid.UUID
	OwnerID            uuid.UUID
	Name               string
	GracePeriodMinutes int
	BlockDurationHours int
	PricePerHour       Money
	OpeningHour        TimeOfDay
	ClosingHour        TimeOfDay
	Location           *time.Location
}

func (g GarageConfig) GracePeriod() time.Duration {
	return time.Duration(g.GracePeriodMinutes) * time.Minute
}

func (g GarageConfig) BlockDuration() time.Duration {
	return time.Duration(g.BlockDurationHours) * time.Hour
}

// IsOpenAt checks t against the opening window in the garage's time zone.
// A window whose closing hour precedes its opening hour wraps past midnight;
// equal hours mean the garage never closes.
func (g GarageConfig) IsOpenAt(t time.Time) bool {
	loc := g.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	m := TimeOfDay(local.Hour()*60 + local.Minute())
	switch {
	case g.OpeningHour == g.ClosingHour:
		return true
	case g.OpeningHour < g.ClosingHour:
		return m >= g.OpeningHour && m < g.ClosingHour
	default:
		return m >= g.OpeningHour || m < g.ClosingHour
	}
}
