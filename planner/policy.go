// Package planner couples the optimizer to a real vehicle: a fast control
// loop consumes time-indexed feedback policies that a slower planning loop
// produces, the two exchanging data through single-slot realtime buffers so
// neither ever blocks the other.
package planner

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/raceplan/ilqr"
	"go.viam.com/raceplan/utils"
	"go.viam.com/raceplan/vehicle"
)

// ErrPolicyExpired means the queried time or state falls outside the policy
// horizon. The consumer must fail safe rather than extrapolate.
var ErrPolicyExpired = errors.New("policy horizon expired")

// Policy is one optimizer solution stamped against wall time. It is immutable
// once published; the control loop only ever reads it.
type Policy struct {
	States   vehicle.Trajectory      // length T+1
	Controls vehicle.ControlSequence // length T
	Gains    []ilqr.Gain             // length T
	Start    time.Time
	Timestep time.Duration
}

// Horizon returns the number of control steps in the policy.
func (p Policy) Horizon() int {
	return len(p.Controls)
}

// index maps a query time onto a control step. Times before Start map to a
// negative index and are expired just like times past the horizon.
func (p Policy) index(t time.Time) (int, error) {
	if p.Timestep <= 0 || len(p.Controls) == 0 {
		return 0, ErrPolicyExpired
	}
	idx := int(math.Floor(float64(t.Sub(p.Start)) / float64(p.Timestep)))
	if idx < 0 || idx >= len(p.Controls) {
		return 0, ErrPolicyExpired
	}
	return idx, nil
}

// Step looks up the reference state, reference control and feedback gain for
// time t.
func (p Policy) Step(t time.Time) (vehicle.State, vehicle.Control, ilqr.Gain, error) {
	idx, err := p.index(t)
	if err != nil {
		return vehicle.State{}, vehicle.Control{}, ilqr.Gain{}, err
	}
	return p.States[idx], p.Controls[idx], p.Gains[idx], nil
}

// StepByState looks up the nominal step nearest to x by planar distance,
// which lets a long policy be tracked without a synchronized clock. Reaching
// the final state expires the policy.
func (p Policy) StepByState(x vehicle.State) (vehicle.State, vehicle.Control, ilqr.Gain, error) {
	if len(p.Controls) == 0 {
		return vehicle.State{}, vehicle.Control{}, ilqr.Gain{}, ErrPolicyExpired
	}
	best, bestDist := 0, math.Inf(1)
	for i, s := range p.States {
		dx, dy := x.X-s.X, x.Y-s.Y
		if d := dx*dx + dy*dy; d < bestDist {
			best, bestDist = i, d
		}
	}
	if best >= len(p.Controls) {
		return vehicle.State{}, vehicle.Control{}, ilqr.Gain{}, ErrPolicyExpired
	}
	return p.States[best], p.Controls[best], p.Gains[best], nil
}

// RefControls returns the controls remaining from time t, zero-padded back to
// the full horizon, for warm starting the next solve. An expired policy
// yields an all-zero guess.
func (p Policy) RefControls(t time.Time) vehicle.ControlSequence {
	out := make(vehicle.ControlSequence, len(p.Controls))
	idx, err := p.index(t)
	if err != nil {
		return out
	}
	copy(out, p.Controls[idx:])
	return out
}

// applyFeedback evaluates u = uref + K (x - xref) with the heading error
// wrapped the short way around.
func applyFeedback(g ilqr.Gain, uref vehicle.Control, x, ref vehicle.State) vehicle.Control {
	err := []float64{
		x.X - ref.X,
		x.Y - ref.Y,
		x.Velocity - ref.Velocity,
		utils.AngleDiff(x.Heading, ref.Heading),
		x.Steer - ref.Steer,
	}
	u := uref
	for j, e := range err {
		u.Accel += g.K.At(0, j) * e
		u.SteerRate += g.K.At(1, j) * e
	}
	return u
}
