package ilqr

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/raceplan/utils"
	"go.viam.com/raceplan/vehicle"
)

// PathRef is the per-timestep reference produced by projecting a nominal
// state onto the reference path. References must be rebuilt against the
// current nominal trajectory every outer iteration.
type PathRef struct {
	Point      r2.Point
	Heading    float64
	SpeedLimit float64
	LeftWidth  float64
	RightWidth float64
}

// ObstacleRef anchors the obstacle barrier for one timestep at the closest
// obstacle point to the nominal state. Valid is false when no obstacle is
// known.
type ObstacleRef struct {
	Point    r2.Point
	Distance float64
	Valid    bool
}

// Derivatives holds the gradient and Hessian blocks of the total cost along
// a nominal sequence. State blocks have length T+1 (terminal included),
// control and cross blocks length T.
type Derivatives struct {
	StateGrad   []*mat.VecDense
	ControlGrad []*mat.VecDense
	StateHess   []*mat.SymDense
	ControlHess []*mat.SymDense
	CrossHess   []*mat.Dense
}

// CostModel evaluates a trajectory against path and obstacle references and
// exposes the blocks the backward pass needs. Implementations must keep the
// retained Hessian blocks symmetric positive semidefinite (positive definite
// for the control block) or the solve degrades to regularization retries.
type CostModel interface {
	Cost(traj vehicle.Trajectory, controls vehicle.ControlSequence, pathRefs []PathRef, obsRefs []ObstacleRef) float64
	Derivatives(traj vehicle.Trajectory, controls vehicle.ControlSequence, pathRefs []PathRef, obsRefs []ObstacleRef) *Derivatives
}

// barrier exponents are capped so rejected line-search candidates cannot
// overflow the cost to NaN
const maxBarrierExp = 40.0

func barrierExp(arg float64) float64 {
	return math.Exp(math.Min(arg, maxBarrierExp))
}

// TrackingCost is the default CostModel: quadratic tracking of the path
// point, speed limit and path heading, quadratic control effort, and
// exponential barriers on road-edge violation and obstacle proximity.
// Hessians use the Gauss-Newton quadratization, so the state blocks are
// symmetric PSD by construction and the control block is diagonal positive
// definite.
type TrackingCost struct {
	weights Weights
}

// NewTrackingCost returns a TrackingCost with the given weights.
func NewTrackingCost(w Weights) (*TrackingCost, error) {
	if err := w.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid cost weights")
	}
	return &TrackingCost{weights: w}, nil
}

// stageScale returns the tracking-term multiplier for step t of horizon T.
func (c *TrackingCost) stageScale(t, horizon int) float64 {
	if t == horizon {
		return c.weights.Terminal
	}
	return 1
}

// boundaryTerms returns the two barrier magnitudes (left, right) and the
// inward normal for a state against its path reference.
func (c *TrackingCost) boundaryTerms(s vehicle.State, ref PathRef) (expL, expR float64, normal r2.Point) {
	w := c.weights
	sinH, cosH := math.Sincos(ref.Heading)
	normal = r2.Point{X: -sinH, Y: cosH}
	lat := normal.Dot(r2.Point{X: s.X, Y: s.Y}.Sub(ref.Point))
	expL = w.Boundary * barrierExp(w.BoundarySharpness*(lat-ref.LeftWidth))
	expR = w.Boundary * barrierExp(w.BoundarySharpness*(-lat-ref.RightWidth))
	return expL, expR, normal
}

// obstacleTerm returns the barrier magnitude and the unit direction from the
// obstacle anchor to the state, or ok=false when no gradient is defined.
func (c *TrackingCost) obstacleTerm(s vehicle.State, ref ObstacleRef) (mag float64, dir r2.Point, ok bool) {
	w := c.weights
	if !ref.Valid || w.Obstacle == 0 {
		return 0, r2.Point{}, false
	}
	delta := r2.Point{X: s.X, Y: s.Y}.Sub(ref.Point)
	d := delta.Norm()
	mag = w.Obstacle * barrierExp(w.ObstacleSharpness*(w.SafeDistance-d))
	if d < 1e-9 {
		// on top of the anchor the barrier plateaus; no usable direction
		return mag, r2.Point{}, false
	}
	return mag, delta.Mul(1 / d), true
}

func (c *TrackingCost) stateCost(s vehicle.State, ref PathRef, obs ObstacleRef, scale float64) float64 {
	w := c.weights
	ex := s.X - ref.Point.X
	ey := s.Y - ref.Point.Y
	ev := s.Velocity - ref.SpeedLimit
	eh := utils.AngleDiff(s.Heading, ref.Heading)
	cost := scale * (w.Position*(ex*ex+ey*ey) + w.Speed*ev*ev + w.Heading*eh*eh)

	expL, expR, _ := c.boundaryTerms(s, ref)
	cost += expL + expR

	mag, _, _ := c.obstacleTerm(s, obs)
	return cost + mag
}

// Cost returns the total cost of the sequence against the given references.
func (c *TrackingCost) Cost(
	traj vehicle.Trajectory,
	controls vehicle.ControlSequence,
	pathRefs []PathRef,
	obsRefs []ObstacleRef,
) float64 {
	w := c.weights
	horizon := len(controls)
	var total float64
	for t, s := range traj {
		total += c.stateCost(s, pathRefs[t], obsRefs[t], c.stageScale(t, horizon))
	}
	for _, u := range controls {
		total += w.Accel*u.Accel*u.Accel + w.SteerRate*u.SteerRate*u.SteerRate
	}
	return total
}

// Derivatives returns the gradient and Gauss-Newton Hessian blocks along the
// nominal sequence.
func (c *TrackingCost) Derivatives(
	traj vehicle.Trajectory,
	controls vehicle.ControlSequence,
	pathRefs []PathRef,
	obsRefs []ObstacleRef,
) *Derivatives {
	w := c.weights
	horizon := len(controls)
	d := &Derivatives{
		StateGrad:   make([]*mat.VecDense, horizon+1),
		ControlGrad: make([]*mat.VecDense, horizon),
		StateHess:   make([]*mat.SymDense, horizon+1),
		ControlHess: make([]*mat.SymDense, horizon),
		CrossHess:   make([]*mat.Dense, horizon),
	}

	for t, s := range traj {
		scale := c.stageScale(t, horizon)
		ref := pathRefs[t]
		grad := mat.NewVecDense(vehicle.StateDim, nil)
		hess := mat.NewSymDense(vehicle.StateDim, nil)

		ex := s.X - ref.Point.X
		ey := s.Y - ref.Point.Y
		grad.SetVec(0, 2*scale*w.Position*ex)
		grad.SetVec(1, 2*scale*w.Position*ey)
		hess.SetSym(0, 0, 2*scale*w.Position)
		hess.SetSym(1, 1, 2*scale*w.Position)

		ev := s.Velocity - ref.SpeedLimit
		grad.SetVec(2, 2*scale*w.Speed*ev)
		hess.SetSym(2, 2, 2*scale*w.Speed)

		eh := utils.AngleDiff(s.Heading, ref.Heading)
		grad.SetVec(3, 2*scale*w.Heading*eh)
		hess.SetSym(3, 3, 2*scale*w.Heading)

		expL, expR, normal := c.boundaryTerms(s, ref)
		k := w.BoundarySharpness
		gradScale := k * (expL - expR)
		hessScale := k * k * (expL + expR)
		grad.SetVec(0, grad.AtVec(0)+gradScale*normal.X)
		grad.SetVec(1, grad.AtVec(1)+gradScale*normal.Y)
		hess.SetSym(0, 0, hess.At(0, 0)+hessScale*normal.X*normal.X)
		hess.SetSym(1, 1, hess.At(1, 1)+hessScale*normal.Y*normal.Y)
		hess.SetSym(0, 1, hess.At(0, 1)+hessScale*normal.X*normal.Y)

		if mag, dir, valid := c.obstacleTerm(s, obsRefs[t]); valid {
			ko := w.ObstacleSharpness
			grad.SetVec(0, grad.AtVec(0)-mag*ko*dir.X)
			grad.SetVec(1, grad.AtVec(1)-mag*ko*dir.Y)
			hess.SetSym(0, 0, hess.At(0, 0)+mag*ko*ko*dir.X*dir.X)
			hess.SetSym(1, 1, hess.At(1, 1)+mag*ko*ko*dir.Y*dir.Y)
			hess.SetSym(0, 1, hess.At(0, 1)+mag*ko*ko*dir.X*dir.Y)
		}

		d.StateGrad[t] = grad
		d.StateHess[t] = hess
	}

	for t, u := range controls {
		grad := mat.NewVecDense(vehicle.ControlDim, []float64{
			2 * w.Accel * u.Accel,
			2 * w.SteerRate * u.SteerRate,
		})
		hess := mat.NewSymDense(vehicle.ControlDim, nil)
		hess.SetSym(0, 0, 2*w.Accel)
		hess.SetSym(1, 1, 2*w.SteerRate)
		d.ControlGrad[t] = grad
		d.ControlHess[t] = hess
		d.CrossHess[t] = mat.NewDense(vehicle.ControlDim, vehicle.StateDim, nil)
	}
	return d
}
