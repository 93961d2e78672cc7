// Package params holds the tunable simulation parameters. The file on
// disk sets the starting values; a subset can be changed at runtime
// through the control protocol.
package params

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ecosim.dev/internal/protocol"
)

type Params struct {
	GridWidth  int `yaml:"grid_width"`
	GridHeight int `yaml:"grid_height"`

	TickIntervalMs int `yaml:"tick_interval_ms"`

	// Per-tick energy drain (H), per kind.
	HungerPrey     int `yaml:"h_prey"`
	HungerPredator int `yaml:"h_pred"`

	// Reproduction thresholds (R), per kind.
	ReproPrey     int `yaml:"r_prey"`
	ReproPredator int `yaml:"r_pred"`

	InitialEnergy int `yaml:"initial_energy"`
	MaxEnergy     int `yaml:"max_energy"`

	// Fixed energy moved per successful EAT.
	GrassBite        int `yaml:"grass_bite"`
	PredationBite    int `yaml:"predation_bite"`
	SenseRadius      int `yaml:"sense_radius"`
	GrassRegrow      int `yaml:"grass_regrow"`
	GrassCellCap     int `yaml:"grass_cell_cap"`
	GrassIntroEvery  int `yaml:"grass_intro_every_ticks"`
	GrassIntroAmount int `yaml:"grass_intro_amount"`

	// Drought timer bounds, seconds. Zero disables droughts.
	DroughtMinSec int `yaml:"drought_min_sec"`
	DroughtMaxSec int `yaml:"drought_max_sec"`

	// Process supervision.
	MaxAgents          int `yaml:"max_agents"`
	MissLimit          int `yaml:"miss_limit"`
	RegisterTimeoutMs  int `yaml:"register_timeout_ms"`
	ShutdownGraceMs    int `yaml:"shutdown_grace_ms"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`
}

func Defaults() Params {
	return Params{
		GridWidth:          40,
		GridHeight:         40,
		TickIntervalMs:     200,
		HungerPrey:         1,
		HungerPredator:     1,
		ReproPrey:          20,
		ReproPredator:      24,
		InitialEnergy:      10,
		MaxEnergy:          100,
		GrassBite:          5,
		PredationBite:      8,
		SenseRadius:        4,
		GrassRegrow:        1,
		GrassCellCap:       10,
		GrassIntroEvery:    10,
		GrassIntroAmount:   5,
		DroughtMinSec:      15,
		DroughtMaxSec:      60,
		MaxAgents:          128,
		MissLimit:          3,
		RegisterTimeoutMs:  2000,
		ShutdownGraceMs:    3000,
		SnapshotEveryTicks: 1,
	}
}

func Load(path string) (Params, error) {
	p := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("params.yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (p Params) Validate() error {
	if p.GridWidth <= 0 || p.GridHeight <= 0 {
		return fmt.Errorf("params: grid %dx%d invalid", p.GridWidth, p.GridHeight)
	}
	if p.TickIntervalMs <= 0 {
		return fmt.Errorf("params: tick_interval_ms must be positive")
	}
	if p.MaxEnergy <= 0 || p.InitialEnergy <= 0 || p.InitialEnergy > p.MaxEnergy {
		return fmt.Errorf("params: energy bounds invalid (initial=%d max=%d)", p.InitialEnergy, p.MaxEnergy)
	}
	if p.GrassCellCap <= 0 {
		return fmt.Errorf("params: grass_cell_cap must be positive")
	}
	if p.MaxAgents <= 0 {
		return fmt.Errorf("params: max_agents must be positive")
	}
	if p.MissLimit <= 0 {
		return fmt.Errorf("params: miss_limit must be positive")
	}
	if p.DroughtMinSec > p.DroughtMaxSec {
		return fmt.Errorf("params: drought bounds inverted")
	}
	return nil
}

// Hunger returns the per-tick drain H for a kind.
func (p Params) Hunger(kind string) int {
	if kind == protocol.KindPredator {
		return p.HungerPredator
	}
	return p.HungerPrey
}

// ReproThreshold returns R for a kind.
func (p Params) ReproThreshold(kind string) int {
	if kind == protocol.KindPredator {
		return p.ReproPredator
	}
	return p.ReproPrey
}

// Set applies a runtime parameter change by control-protocol name.
// Only the simulation-shape parameters are settable; process and grid
// geometry are fixed for the run.
func (p *Params) Set(name string, value float64) error {
	v := int(value)
	switch name {
	case "h_prey":
		if v < 0 {
			return fmt.Errorf("h_prey: must be >= 0")
		}
		p.HungerPrey = v
	case "h_pred":
		if v < 0 {
			return fmt.Errorf("h_pred: must be >= 0")
		}
		p.HungerPredator = v
	case "r_prey":
		if v <= 0 {
			return fmt.Errorf("r_prey: must be > 0")
		}
		p.ReproPrey = v
	case "r_pred":
		if v <= 0 {
			return fmt.Errorf("r_pred: must be > 0")
		}
		p.ReproPredator = v
	case "grass_regrow":
		if v < 0 {
			return fmt.Errorf("grass_regrow: must be >= 0")
		}
		p.GrassRegrow = v
	case "grass_intro_every_ticks":
		if v < 0 {
			return fmt.Errorf("grass_intro_every_ticks: must be >= 0")
		}
		p.GrassIntroEvery = v
	case "grass_intro_amount":
		if v < 0 {
			return fmt.Errorf("grass_intro_amount: must be >= 0")
		}
		p.GrassIntroAmount = v
	default:
		return fmt.Errorf("unknown parameter %q", name)
	}
	return nil
}

// View is the subset published to agents and control clients.
func (p Params) View() protocol.ParamsView {
	return protocol.ParamsView{
		HungerPrey:     p.HungerPrey,
		HungerPredator: p.HungerPredator,
		ReproPrey:      p.ReproPrey,
		ReproPredator:  p.ReproPredator,
		SenseRadius:    p.SenseRadius,
	}
}
