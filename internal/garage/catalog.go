// Package garage serves garage configuration to the booking engine from a
// YAML catalog file.
package garage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/example/parkwise/internal/booking/domain"
)

// SpotEntry declares one physical spot.
type SpotEntry struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
}

// GarageEntry is one garage as written in the catalog.
type GarageEntry struct {
	ID                 string      `yaml:"id"`
	OwnerID            string      `yaml:"owner_id"`
	Name               string      `yaml:"name"`
	GracePeriodMinutes int         `yaml:"grace_period_minutes"`
	BlockDurationHours int         `yaml:"block_duration_hours"`
	PricePerHour       string      `yaml:"price_per_hour"` // "10.00"
	OpeningHour        string      `yaml:"opening_hour"`   // "08:00"
	ClosingHour        string      `yaml:"closing_hour"`   // "22:00"
	Timezone           string      `yaml:"timezone,omitempty"`
	Spots              []SpotEntry `yaml:"spots"`
}

// File is the root of garages.yaml.
type File struct {
	Garages []GarageEntry `yaml:"garages"`
}

// Garage pairs parsed config with its declared spots.
type Garage struct {
	Config domain.GarageConfig
	Spots  []domain.Spot
}

// Parse decodes catalog bytes, expanding ${ENV} placeholders first.
func Parse(data []byte) (map[uuid.UUID]Garage, error) {
	data = []byte(os.ExpandEnv(string(data)))
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse garage catalog: %w", err)
	}
	if len(f.Garages) == 0 {
		return nil, fmt.Errorf("no garages defined")
	}
	out := make(map[uuid.UUID]Garage, len(f.Garages))
	spotIDs := make(map[uuid.UUID]bool)
	for i, entry := range f.Garages {
		g, err := entry.build()
		if err != nil {
			return nil, fmt.Errorf("garages[%d]: %w", i, err)
		}
		if _, dup := out[g.Config.ID]; dup {
			return nil, fmt.Errorf("garages[%d]: duplicate id %s", i, g.Config.ID)
		}
		for _, s := range g.Spots {
			if spotIDs[s.ID] {
				return nil, fmt.Errorf("garages[%d]: spot %s declared twice", i, s.ID)
			}
			spotIDs[s.ID] = true
		}
		out[g.Config.ID] = g
	}
	return out, nil
}

func (e GarageEntry) build() (Garage, error) {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return Garage{}, fmt.Errorf("id: %w", err)
	}
	owner, err := uuid.Parse(e.OwnerID)
	if err != nil {
		return Garage{}, fmt.Errorf("owner_id: %w", err)
	}
	if e.Name == "" {
		return Garage{}, fmt.Errorf("name is required")
	}
	if e.GracePeriodMinutes < 0 || e.BlockDurationHours < 0 {
		return Garage{}, fmt.Errorf("grace period and block duration cannot be negative")
	}
	price, err := domain.ParseMoney(e.PricePerHour)
	if err != nil {
		return Garage{}, fmt.Errorf("price_per_hour: %w", err)
	}
	open, err := domain.ParseTimeOfDay(e.OpeningHour)
	if err != nil {
		return Garage{}, err
	}
	closing, err := domain.ParseTimeOfDay(e.ClosingHour)
	if err != nil {
		return Garage{}, err
	}
	loc := time.UTC
	if e.Timezone != "" {
		if loc, err = time.LoadLocation(e.Timezone); err != nil {
			return Garage{}, fmt.Errorf("timezone: %w", err)
		}
	}
	g := Garage{Config: domain.GarageConfig{
		ID:                 id,
		OwnerID:            owner,
		Name:               e.Name,
		GracePeriodMinutes: e.GracePeriodMinutes,
		BlockDurationHours: e.BlockDurationHours,
		PricePerHour:       price,
		OpeningHour:        open,
		ClosingHour:        closing,
		Location:           loc,
	}}
	for j, s := range e.Spots {
		sid, err := uuid.Parse(s.ID)
		if err != nil {
			return Garage{}, fmt.Errorf("spots[%d].id: %w", j, err)
		}
		label := s.Label
		if label == "" {
			label = fmt.Sprintf("S%d", j+1)
		}
		g.Spots = append(g.Spots, domain.Spot{ID: sid, GarageID: id, Label: label, Status: domain.SpotAvailable})
	}
	return g, nil
}

// Catalog is a domain.GarageProvider backed by a YAML file.
type Catalog struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	garages map[uuid.UUID]Garage
	modTime time.Time
}

// Load reads the catalog at path.
func Load(path string, logger *zap.Logger) (*Catalog, error) {
	if path == "" {
		path = "configs/garages.yaml"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{path: path, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewStatic serves a fixed set of garages. Used by tests and tooling.
func NewStatic(garages ...Garage) *Catalog {
	c := &Catalog{logger: zap.NewNop(), garages: make(map[uuid.UUID]Garage, len(garages))}
	for _, g := range garages {
		c.garages[g.Config.ID] = g
	}
	return c
}

// Reload re-reads the file. The previous catalog stays in place on error.
func (c *Catalog) Reload() error {
	info, err := os.Stat(c.path)
	if err != nil {
		return fmt.Errorf("stat garage catalog: %w", err)
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read garage catalog: %w", err)
	}
	garages, err := Parse(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.garages = garages
	c.modTime = info.ModTime()
	c.mu.Unlock()
	return nil
}

// Watch polls the file and reloads when it changes. onChange runs after a
// successful reload.
func (c *Catalog) Watch(ctx context.Context, interval time.Duration, onChange func(context.Context) error) {
	if c.path == "" {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		info, err := os.Stat(c.path)
		if err != nil {
			c.logger.Warn("garage catalog stat failed", zap.Error(err))
			continue
		}
		c.mu.RLock()
		unchanged := info.ModTime().Equal(c.modTime)
		c.mu.RUnlock()
		if unchanged {
			continue
		}
		if err := c.Reload(); err != nil {
			c.logger.Error("garage catalog reload failed", zap.Error(err))
			continue
		}
		c.logger.Info("garage catalog reloaded", zap.Int("garages", len(c.All())))
		if onChange != nil {
			if err := onChange(ctx); err != nil {
				c.logger.Error("garage catalog sync failed", zap.Error(err))
			}
		}
	}
}

// Garage implements domain.GarageProvider.
func (c *Catalog) Garage(_ context.Context, id uuid.UUID) (domain.GarageConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.garages[id]
	if !ok {
		return domain.GarageConfig{}, fmt.Errorf("garage %s: %w", id, domain.ErrNotFound)
	}
	return g.Config, nil
}

// All returns every garage in the catalog.
func (c *Catalog) All() []Garage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Garage, 0, len(c.garages))
	for _, g := range c.garages {
		out = append(out, g)
	}
	return out
}

type spotRegistrar interface {
	Register(ctx context.Context, garageID, id uuid.UUID, label string) (domain.Spot, error)
}

type accountOpener interface {
	OpenAccount(ctx context.Context, id uuid.UUID, role domain.Role) (domain.Account, error)
}

// Sync registers declared spots and opens owner accounts that do not exist
// yet. Existing spots keep their status.
func (c *Catalog) Sync(ctx context.Context, spots spotRegistrar, accounts accountOpener) error {
	for _, g := range c.All() {
		if _, err := accounts.OpenAccount(ctx, g.Config.OwnerID, domain.RoleGarageOwner); err != nil {
			return fmt.Errorf("open owner account for garage %s: %w", g.Config.ID, err)
		}
		for _, s := range g.Spots {
			if _, err := spots.Register(ctx, g.Config.ID, s.ID, s.Label); err != nil {
				return fmt.Errorf("seed spot %s: %w", s.ID, err)
			}
		}
	}
	return nil
}
