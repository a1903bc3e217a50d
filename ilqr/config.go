// Package ilqr implements the iterative linear-quadratic regulator at the
// core of the trajectory planner: a tracking cost quadratized against path
// and obstacle references, a regularized backward recursion, and a
// line-search forward pass producing time-indexed feedback policies.
package ilqr

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Weights scale the terms of the tracking cost.
type Weights struct {
	Position  float64 `json:"position"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
	Accel     float64 `json:"accel"`
	SteerRate float64 `json:"steer_rate"`

	// exponential barrier on road-edge violation
	Boundary          float64 `json:"boundary"`
	BoundarySharpness float64 `json:"boundary_sharpness"`

	// exponential barrier on obstacle proximity inside the standoff distance
	Obstacle          float64 `json:"obstacle"`
	ObstacleSharpness float64 `json:"obstacle_sharpness"`
	SafeDistance      float64 `json:"safe_distance"`

	// multiplier applied to the tracking terms at the terminal step
	Terminal float64 `json:"terminal"`
}

// DefaultWeights returns weights tuned for a 1/10-scale car on a narrow
// course.
func DefaultWeights() Weights {
	return Weights{
		Position:          5,
		Speed:             2,
		Heading:           1,
		Accel:             0.1,
		SteerRate:         0.1,
		Boundary:          5,
		BoundarySharpness: 10,
		Obstacle:          10,
		ObstacleSharpness: 10,
		SafeDistance:      0.3,
		Terminal:          1,
	}
}

// Validate checks the weights leave the control Hessian positive definite.
func (w Weights) Validate() error {
	var err error
	if w.Accel <= 0 || w.SteerRate <= 0 {
		err = multierr.Append(err, errors.New("control effort weights must be positive"))
	}
	if w.Position < 0 || w.Speed < 0 || w.Heading < 0 {
		err = multierr.Append(err, errors.New("tracking weights must be non-negative"))
	}
	if w.Boundary < 0 || w.Obstacle < 0 || w.SafeDistance < 0 {
		err = multierr.Append(err, errors.New("barrier weights must be non-negative"))
	}
	if w.Terminal <= 0 {
		err = multierr.Append(err, errors.New("terminal multiplier must be positive"))
	}
	return err
}

// Config parameterizes one optimizer instance.
type Config struct {
	Horizon       int     `json:"horizon"`
	Timestep      float64 `json:"timestep"` // seconds
	Tolerance     float64 `json:"tolerance"`
	MaxIterations int     `json:"max_iterations"`

	// regularization schedule; lambda stays in [RegMin, RegMax]
	RegInit             float64 `json:"reg_init"`
	RegMin              float64 `json:"reg_min"`
	RegMax              float64 `json:"reg_max"`
	RegScaleUp          float64 `json:"reg_scale_up"`
	RegScaleDown        float64 `json:"reg_scale_down"`
	MaxBackwardAttempts int     `json:"max_backward_attempts"`

	// line-search steps are LineSearchBase^e for e in
	// [LineSearchFrom, LineSearchTo) stepped by LineSearchStep,
	// so the schedule descends
	LineSearchBase float64 `json:"line_search_base"`
	LineSearchFrom float64 `json:"line_search_from"`
	LineSearchTo   float64 `json:"line_search_to"`
	LineSearchStep float64 `json:"line_search_step"`

	Weights Weights `json:"weights"`
}

// DefaultConfig returns the optimizer defaults.
func DefaultConfig() Config {
	return Config{
		Horizon:             20,
		Timestep:            0.1,
		Tolerance:           1e-2,
		MaxIterations:       50,
		RegInit:             1,
		RegMin:              1e-6,
		RegMax:              1e4,
		RegScaleUp:          10,
		RegScaleDown:        0.5,
		MaxBackwardAttempts: 10,
		LineSearchBase:      0.5,
		LineSearchFrom:      0,
		LineSearchTo:        10,
		LineSearchStep:      1,
		Weights:             DefaultWeights(),
	}
}

// Validate checks the config for a well-posed solve.
func (c Config) Validate() error {
	var err error
	if c.Horizon <= 0 {
		err = multierr.Append(err, errors.Errorf("horizon must be positive, got %d", c.Horizon))
	}
	if c.Timestep <= 0 {
		err = multierr.Append(err, errors.Errorf("timestep must be positive, got %f", c.Timestep))
	}
	if c.Tolerance <= 0 {
		err = multierr.Append(err, errors.New("tolerance must be positive"))
	}
	if c.MaxIterations <= 0 {
		err = multierr.Append(err, errors.New("max iterations must be positive"))
	}
	if c.RegMin <= 0 || c.RegMax < c.RegMin {
		err = multierr.Append(err, errors.Errorf("regularization bounds [%g, %g] are invalid", c.RegMin, c.RegMax))
	}
	if c.RegInit < c.RegMin || c.RegInit > c.RegMax {
		err = multierr.Append(err, errors.Errorf("initial regularization %g outside [%g, %g]", c.RegInit, c.RegMin, c.RegMax))
	}
	if c.RegScaleUp <= 1 {
		err = multierr.Append(err, errors.New("reg scale up must exceed 1"))
	}
	if c.RegScaleDown <= 0 || c.RegScaleDown >= 1 {
		err = multierr.Append(err, errors.New("reg scale down must be in (0, 1)"))
	}
	if c.MaxBackwardAttempts <= 0 {
		err = multierr.Append(err, errors.New("max backward attempts must be positive"))
	}
	if c.LineSearchBase <= 0 || c.LineSearchBase >= 1 {
		err = multierr.Append(err, errors.New("line search base must be in (0, 1)"))
	}
	if c.LineSearchTo <= c.LineSearchFrom || c.LineSearchStep <= 0 {
		err = multierr.Append(err, errors.New("line search exponent range is empty"))
	}
	err = multierr.Append(err, c.Weights.Validate())
	return err
}

// Alphas expands the line-search schedule into a descending step list.
func (c Config) Alphas() []float64 {
	var alphas []float64
	for e := c.LineSearchFrom; e < c.LineSearchTo; e += c.LineSearchStep {
		alphas = append(alphas, math.Pow(c.LineSearchBase, e))
	}
	return alphas
}
