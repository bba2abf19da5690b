package tuning

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"cubestream.ai/internal/sim/cube"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz   int `yaml:"tick_rate_hz"`
	MaxLevel     int `yaml:"max_level"`
	SettleBudget int `yaml:"settle_budget"`
	ViewDistance int `yaml:"view_distance"`

	Neighborhood Neighborhood `yaml:"neighborhood"`
	Observer     Observer     `yaml:"observer"`
	Viewer       Viewer       `yaml:"viewer"`
	Journal      Journal      `yaml:"journal"`
	Snapshot     Snapshot     `yaml:"snapshot"`
}

type Neighborhood struct {
	Metric string    `yaml:"metric"`
	Radius int       `yaml:"radius"`
	Bounds *cube.Box `yaml:"bounds,omitempty"`
}

type Observer struct {
	MaxRadius        int     `yaml:"max_radius"`
	SubscribesPerSec float64 `yaml:"subscribes_per_sec"`
	SubscribeBurst   int     `yaml:"subscribe_burst"`
}

// Viewer bounds the websocket viewer sessions.
type Viewer struct {
	MovesPerSec float64 `yaml:"moves_per_sec"`
	MoveBurst   int     `yaml:"move_burst"`
}

type Journal struct {
	FlushEveryTicks int `yaml:"flush_every_ticks"`
}

type Snapshot struct {
	EveryTicks int `yaml:"every_ticks"`
	Keep       int `yaml:"keep"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		TickRateHz:      20,
		MaxLevel:        33,
		SettleBudget:    34,
		ViewDistance:    10,
		Neighborhood:    Neighborhood{Metric: string(cube.MetricChebyshev), Radius: 1},
		Observer:        Observer{MaxRadius: 8, SubscribesPerSec: 2, SubscribeBurst: 4},
		Viewer:          Viewer{MovesPerSec: 10, MoveBurst: 20},
		Journal:         Journal{FlushEveryTicks: 20},
		Snapshot:        Snapshot{EveryTicks: 6000, Keep: 5},
	}
}

// Load reads path over the defaults, so omitted keys keep their default value.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.TickRateHz <= 0 || t.TickRateHz > 1000 {
		errs = append(errs, fmt.Errorf("tick_rate_hz must be in 1..1000, got %d", t.TickRateHz))
	}
	if t.MaxLevel < 1 || t.MaxLevel > 250 {
		errs = append(errs, fmt.Errorf("max_level must be in 1..250, got %d", t.MaxLevel))
	}
	if t.SettleBudget < 0 {
		errs = append(errs, fmt.Errorf("settle_budget must be >= 0, got %d", t.SettleBudget))
	}
	if t.ViewDistance < 0 || t.ViewDistance > t.MaxLevel {
		errs = append(errs, fmt.Errorf("view_distance must be in 0..max_level, got %d", t.ViewDistance))
	}
	if _, err := t.Lattice(); err != nil {
		errs = append(errs, fmt.Errorf("neighborhood: %w", err))
	}
	if t.Observer.MaxRadius < 0 {
		errs = append(errs, fmt.Errorf("observer.max_radius must be >= 0"))
	}
	if t.Observer.SubscribesPerSec <= 0 || t.Observer.SubscribeBurst <= 0 {
		errs = append(errs, fmt.Errorf("observer subscribe rate and burst must be positive"))
	}
	if t.Snapshot.EveryTicks < 0 || t.Snapshot.Keep < 1 {
		errs = append(errs, fmt.Errorf("snapshot.every_ticks must be >= 0 and snapshot.keep >= 1"))
	}
	if t.Viewer.MovesPerSec <= 0 || t.Viewer.MoveBurst <= 0 {
		errs = append(errs, fmt.Errorf("viewer move rate and burst must be positive"))
	}
	return errors.Join(errs...)
}

// Lattice builds the configured neighborhood.
func (t Tuning) Lattice() (*cube.Lattice, error) {
	m, err := cube.ParseMetric(t.Neighborhood.Metric)
	if err != nil {
		return nil, err
	}
	return cube.NewNeighborhood(m, t.Neighborhood.Radius, t.Neighborhood.Bounds)
}
