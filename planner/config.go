package planner

import (
	"os"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"go.uber.org/multierr"

	"go.viam.com/raceplan/ilqr"
	"go.viam.com/raceplan/vehicle"
)

// Config collects every startup parameter of the planner. It is loaded once
// from JSON5 and never reconfigured live except for Latency.
type Config struct {
	Optimizer ilqr.Config    `json:"optimizer"`
	Limits    vehicle.Limits `json:"limits"`

	// ControlFrequency is the control loop rate in Hz.
	ControlFrequency float64 `json:"control_frequency"`
	// ReplanInterval is the minimum spacing between solves, in seconds.
	ReplanInterval float64 `json:"replan_interval"`
	// Latency shifts the control loop's prediction horizon forward to cover
	// actuation delay, in seconds. Ignored in simulation.
	Latency float64 `json:"latency"`

	// RecedingHorizon selects between continuous replanning and a single
	// whole-path solve per route.
	RecedingHorizon bool `json:"receding_horizon"`
	Simulation      bool `json:"simulation"`

	// Goals are the mission targets, visited in order. Loop restarts the
	// mission from the first goal after the last.
	Goals []r2.Point `json:"goals"`
	Loop  bool       `json:"loop"`
	// GoalRadius is the arrival distance for advancing to the next goal.
	GoalRadius float64 `json:"goal_radius"`
}

// DefaultConfig returns the planner defaults for simulation.
func DefaultConfig() Config {
	return Config{
		Optimizer:        ilqr.DefaultConfig(),
		Limits:           vehicle.DefaultLimits(),
		ControlFrequency: 40,
		ReplanInterval:   0.1,
		Latency:          0,
		RecedingHorizon:  true,
		Simulation:       true,
		GoalRadius:       0.5,
	}
}

// Validate checks the config; any failure is fatal at startup.
func (c Config) Validate() error {
	var err error
	if c.ControlFrequency <= 0 || c.ControlFrequency > 200 {
		err = multierr.Append(err, errors.Errorf("control frequency %g outside (0, 200] Hz", c.ControlFrequency))
	}
	if c.ReplanInterval <= 0 {
		err = multierr.Append(err, errors.New("replan interval must be positive"))
	}
	if c.Latency < 0 {
		err = multierr.Append(err, errors.New("latency cannot be negative"))
	}
	if c.GoalRadius <= 0 {
		err = multierr.Append(err, errors.New("goal radius must be positive"))
	}
	if len(c.Goals) < 2 {
		err = multierr.Append(err, errors.New("a mission needs at least two goals"))
	}
	err = multierr.Append(err, c.Optimizer.Validate())
	err = multierr.Append(err, c.Limits.Validate())
	return err
}

// ReadConfig loads a JSON5 parameter file over the defaults.
func ReadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "cannot read planner config")
	}
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "cannot parse planner config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid planner config")
	}
	return cfg, nil
}
