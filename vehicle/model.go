// Package vehicle models the planar kinematic bicycle the planner optimizes
// over: forward integration under actuator limits and Jacobian linearization
// along a nominal state/control sequence.
package vehicle

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/raceplan/utils"
)

// Dimensions of the state and control vectors.
const (
	StateDim   = 5
	ControlDim = 2
)

// State is the planner state {x, y, v, psi, delta}: planar position, forward
// speed, heading in (-pi, pi], and steering angle.
type State struct {
	X        float64
	Y        float64
	Velocity float64
	Heading  float64
	Steer    float64
}

// Vector returns the state as a slice ordered {x, y, v, psi, delta}.
func (s State) Vector() []float64 {
	return []float64{s.X, s.Y, s.Velocity, s.Heading, s.Steer}
}

// Control is one actuation step: longitudinal acceleration and steering rate.
type Control struct {
	Accel     float64
	SteerRate float64
}

// Vector returns the control as a slice ordered {accel, steer rate}.
func (c Control) Vector() []float64 {
	return []float64{c.Accel, c.SteerRate}
}

// Trajectory is an ordered state sequence of length T+1.
type Trajectory []State

// ControlSequence is an ordered control sequence of length T.
type ControlSequence []Control

// Limits bound what the actuators can physically do.
type Limits struct {
	Wheelbase    float64 `json:"wheelbase"`
	MaxSpeed     float64 `json:"max_speed"`
	MaxSteer     float64 `json:"max_steer"`
	MinAccel     float64 `json:"min_accel"`
	MaxAccel     float64 `json:"max_accel"`
	MaxSteerRate float64 `json:"max_steer_rate"`
}

// DefaultLimits returns limits for a 1/10-scale car.
func DefaultLimits() Limits {
	return Limits{
		Wheelbase:    0.257,
		MaxSpeed:     4,
		MaxSteer:     0.37,
		MinAccel:     -5,
		MaxAccel:     5,
		MaxSteerRate: 5,
	}
}

// Validate checks the limits are physically sensible.
func (l Limits) Validate() error {
	if l.Wheelbase <= 0 {
		return errors.Errorf("wheelbase must be positive, got %f", l.Wheelbase)
	}
	if l.MaxSpeed <= 0 {
		return errors.Errorf("max speed must be positive, got %f", l.MaxSpeed)
	}
	if l.MaxSteer <= 0 || l.MaxSteer >= math.Pi/2 {
		return errors.Errorf("max steer must be in (0, pi/2), got %f", l.MaxSteer)
	}
	if l.MinAccel >= l.MaxAccel {
		return errors.Errorf("accel range [%f, %f] is empty", l.MinAccel, l.MaxAccel)
	}
	if l.MaxSteerRate <= 0 {
		return errors.Errorf("max steer rate must be positive, got %f", l.MaxSteerRate)
	}
	return nil
}

// Model integrates and linearizes the bicycle dynamics.
type Model struct {
	limits Limits
}

// NewModel returns a model with the given limits.
func NewModel(limits Limits) (*Model, error) {
	if err := limits.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid vehicle limits")
	}
	return &Model{limits: limits}, nil
}

// Limits returns the model's actuator limits.
func (m *Model) Limits() Limits {
	return m.limits
}

func (m *Model) clip(u Control) Control {
	return Control{
		Accel:     utils.Clamp(u.Accel, m.limits.MinAccel, m.limits.MaxAccel),
		SteerRate: utils.Clamp(u.SteerRate, -m.limits.MaxSteerRate, m.limits.MaxSteerRate),
	}
}

// Integrate advances the state one Euler step under the clipped control and
// returns the control actually applied. Speed is kept in [0, max], steering
// within its mechanical range, and heading wrapped to (-pi, pi].
func (m *Model) Integrate(s State, u Control, dt time.Duration) (State, Control) {
	u = m.clip(u)
	step := dt.Seconds()
	next := State{
		X:        s.X + s.Velocity*math.Cos(s.Heading)*step,
		Y:        s.Y + s.Velocity*math.Sin(s.Heading)*step,
		Velocity: s.Velocity + u.Accel*step,
		Heading:  s.Heading + s.Velocity*math.Tan(s.Steer)/m.limits.Wheelbase*step,
		Steer:    s.Steer + u.SteerRate*step,
	}
	next.Velocity = utils.Clamp(next.Velocity, 0, m.limits.MaxSpeed)
	next.Steer = utils.Clamp(next.Steer, -m.limits.MaxSteer, m.limits.MaxSteer)
	next.Heading = utils.WrapAngle(next.Heading)
	return next, u
}

// Rollout integrates the controls from x0, returning the resulting nominal
// trajectory of length len(controls)+1 and the clipped controls applied.
func (m *Model) Rollout(x0 State, controls ControlSequence, dt time.Duration) (Trajectory, ControlSequence) {
	traj := make(Trajectory, len(controls)+1)
	applied := make(ControlSequence, len(controls))
	traj[0] = x0
	for t, u := range controls {
		traj[t+1], applied[t] = m.Integrate(traj[t], u, dt)
	}
	return traj, applied
}

// Linearize returns the Jacobians {A_t, B_t} of the Euler step with respect
// to state and control, evaluated along the nominal sequence. Both slices
// have length len(controls).
func (m *Model) Linearize(traj Trajectory, controls ControlSequence, dt time.Duration) ([]*mat.Dense, []*mat.Dense) {
	step := dt.Seconds()
	wb := m.limits.Wheelbase
	as := make([]*mat.Dense, len(controls))
	bs := make([]*mat.Dense, len(controls))
	for t := range controls {
		s := traj[t]
		sinH, cosH := math.Sincos(s.Heading)
		cosSteer := math.Cos(s.Steer)

		a := mat.NewDense(StateDim, StateDim, nil)
		for i := 0; i < StateDim; i++ {
			a.Set(i, i, 1)
		}
		a.Set(0, 2, cosH*step)
		a.Set(0, 3, -s.Velocity*sinH*step)
		a.Set(1, 2, sinH*step)
		a.Set(1, 3, s.Velocity*cosH*step)
		a.Set(3, 2, math.Tan(s.Steer)/wb*step)
		a.Set(3, 4, s.Velocity/(wb*cosSteer*cosSteer)*step)

		b := mat.NewDense(StateDim, ControlDim, nil)
		b.Set(2, 0, step)
		b.Set(4, 1, step)

		as[t] = a
		bs[t] = b
	}
	return as, bs
}
