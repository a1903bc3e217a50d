package ilqr

import (
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/raceplan/vehicle"
)

func testReferences(horizon int) ([]PathRef, []ObstacleRef) {
	pathRefs := make([]PathRef, horizon+1)
	obsRefs := make([]ObstacleRef, horizon+1)
	for t := range pathRefs {
		pathRefs[t] = PathRef{
			Point:      r2.Point{X: float64(t) * 0.1, Y: 0},
			Heading:    0,
			SpeedLimit: 1,
			LeftWidth:  0.5,
			RightWidth: 0.5,
		}
		obsRefs[t] = ObstacleRef{Point: r2.Point{X: float64(t) * 0.1, Y: 0.6}, Distance: 0.5, Valid: true}
	}
	return pathRefs, obsRefs
}

func TestNewTrackingCostValidation(t *testing.T) {
	w := DefaultWeights()
	w.Accel = 0
	_, err := NewTrackingCost(w)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewTrackingCost(DefaultWeights())
	test.That(t, err, test.ShouldBeNil)
}

func TestDerivativeShapes(t *testing.T) {
	cost, err := NewTrackingCost(DefaultWeights())
	test.That(t, err, test.ShouldBeNil)

	const horizon = 4
	traj := make(vehicle.Trajectory, horizon+1)
	controls := make(vehicle.ControlSequence, horizon)
	pathRefs, obsRefs := testReferences(horizon)

	d := cost.Derivatives(traj, controls, pathRefs, obsRefs)
	test.That(t, len(d.StateGrad), test.ShouldEqual, horizon+1)
	test.That(t, len(d.StateHess), test.ShouldEqual, horizon+1)
	test.That(t, len(d.ControlGrad), test.ShouldEqual, horizon)
	test.That(t, len(d.ControlHess), test.ShouldEqual, horizon)
	test.That(t, len(d.CrossHess), test.ShouldEqual, horizon)

	// the control Hessian must be positive definite for the solve
	var chol mat.Cholesky
	for t2 := 0; t2 < horizon; t2++ {
		test.That(t, chol.Factorize(d.ControlHess[t2]), test.ShouldBeTrue)
	}
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	cost, err := NewTrackingCost(DefaultWeights())
	test.That(t, err, test.ShouldBeNil)

	const horizon = 2
	traj := vehicle.Trajectory{
		{X: 0.02, Y: 0.03, Velocity: 0.8, Heading: 0.1, Steer: 0.05},
		{X: 0.12, Y: 0.21, Velocity: 0.9, Heading: 0.15, Steer: 0.02},
		{X: 0.21, Y: -0.07, Velocity: 1.1, Heading: -0.05, Steer: -0.01},
	}
	controls := vehicle.ControlSequence{
		{Accel: 0.4, SteerRate: -0.2},
		{Accel: -0.1, SteerRate: 0.3},
	}
	pathRefs, obsRefs := testReferences(horizon)

	d := cost.Derivatives(traj, controls, pathRefs, obsRefs)

	const h = 1e-6
	for idx := range traj {
		base := traj[idx]
		for j := 0; j < vehicle.StateDim; j++ {
			perturb := func(delta float64) float64 {
				v := base.Vector()
				v[j] += delta
				mutated := append(vehicle.Trajectory(nil), traj...)
				mutated[idx] = vehicle.State{X: v[0], Y: v[1], Velocity: v[2], Heading: v[3], Steer: v[4]}
				return cost.Cost(mutated, controls, pathRefs, obsRefs)
			}
			fd := (perturb(h) - perturb(-h)) / (2 * h)
			test.That(t, d.StateGrad[idx].AtVec(j), test.ShouldAlmostEqual, fd, 1e-4)
		}
	}
	for idx := range controls {
		base := controls[idx]
		for j := 0; j < vehicle.ControlDim; j++ {
			perturb := func(delta float64) float64 {
				v := base.Vector()
				v[j] += delta
				mutated := append(vehicle.ControlSequence(nil), controls...)
				mutated[idx] = vehicle.Control{Accel: v[0], SteerRate: v[1]}
				return cost.Cost(traj, mutated, pathRefs, obsRefs)
			}
			fd := (perturb(h) - perturb(-h)) / (2 * h)
			test.That(t, d.ControlGrad[idx].AtVec(j), test.ShouldAlmostEqual, fd, 1e-4)
		}
	}
}

func TestObstacleBarrierRaisesCost(t *testing.T) {
	cost, err := NewTrackingCost(DefaultWeights())
	test.That(t, err, test.ShouldBeNil)

	const horizon = 1
	traj := vehicle.Trajectory{{Velocity: 1}, {X: 0.1, Velocity: 1}}
	controls := vehicle.ControlSequence{{}}
	pathRefs, _ := testReferences(horizon)

	far := make([]ObstacleRef, horizon+1)
	near := make([]ObstacleRef, horizon+1)
	for t2 := range near {
		far[t2] = ObstacleRef{Point: r2.Point{X: 0, Y: 10}, Distance: 10, Valid: true}
		near[t2] = ObstacleRef{Point: r2.Point{X: 0, Y: 0.1}, Distance: 0.1, Valid: true}
	}
	test.That(t, cost.Cost(traj, controls, pathRefs, near),
		test.ShouldBeGreaterThan, cost.Cost(traj, controls, pathRefs, far))
}
