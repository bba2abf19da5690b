package loader

import (
	"errors"
	"fmt"

	"cubestream.ai/internal/sim/cube"
	"cubestream.ai/internal/sim/tuning"
)

type Config struct {
	ID           string
	TickRateHz   int
	SettleBudget int
	MaxLevel     int
	ViewDistance int

	Neighborhood *cube.Lattice

	// Largest radius an observer may subscribe to.
	ObserverMaxRadius int

	// 0 disables periodic snapshots; Run still writes one on exit.
	SnapshotEveryTicks int
}

// ConfigFromTuning resolves tuning into a loader config.
func ConfigFromTuning(id string, t tuning.Tuning) (Config, error) {
	if err := t.Validate(); err != nil {
		return Config{}, err
	}
	nb, err := t.Lattice()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ID:                 id,
		TickRateHz:         t.TickRateHz,
		SettleBudget:       t.SettleBudget,
		MaxLevel:           t.MaxLevel,
		ViewDistance:       t.ViewDistance,
		Neighborhood:       nb,
		ObserverMaxRadius:  t.Observer.MaxRadius,
		SnapshotEveryTicks: t.Snapshot.EveryTicks,
	}, nil
}

func (c Config) validate() error {
	switch {
	case c.TickRateHz <= 0:
		return fmt.Errorf("tick rate must be positive, got %d", c.TickRateHz)
	case c.MaxLevel < 0:
		return fmt.Errorf("max level must be >= 0, got %d", c.MaxLevel)
	case c.SettleBudget < 0:
		return fmt.Errorf("settle budget must be >= 0, got %d", c.SettleBudget)
	case c.ViewDistance < 0 || c.ViewDistance > c.MaxLevel:
		return fmt.Errorf("view distance %d outside 0..%d", c.ViewDistance, c.MaxLevel)
	case c.SnapshotEveryTicks < 0:
		return fmt.Errorf("snapshot interval must be >= 0, got %d", c.SnapshotEveryTicks)
	case c.Neighborhood == nil:
		return errors.New("neighborhood is required")
	}
	return nil
}
