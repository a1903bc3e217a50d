package vehicle

import (
	"math"
	"testing"
	"time"

	"go.viam.com/test"
)

const testDT = 100 * time.Millisecond

func TestNewModelValidation(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Limits)
	}{
		{"zero wheelbase", func(l *Limits) { l.Wheelbase = 0 }},
		{"negative max speed", func(l *Limits) { l.MaxSpeed = -1 }},
		{"steer beyond pi/2", func(l *Limits) { l.MaxSteer = 2 }},
		{"empty accel range", func(l *Limits) { l.MinAccel = 5; l.MaxAccel = -5 }},
		{"zero steer rate", func(l *Limits) { l.MaxSteerRate = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			limits := DefaultLimits()
			tc.mutate(&limits)
			_, err := NewModel(limits)
			test.That(t, err, test.ShouldNotBeNil)
		})
	}

	_, err := NewModel(DefaultLimits())
	test.That(t, err, test.ShouldBeNil)
}

func TestIntegrateStraightLine(t *testing.T) {
	m, err := NewModel(DefaultLimits())
	test.That(t, err, test.ShouldBeNil)

	s := State{Velocity: 1}
	next, applied := m.Integrate(s, Control{}, testDT)
	test.That(t, applied, test.ShouldResemble, Control{})
	test.That(t, next.X, test.ShouldAlmostEqual, 0.1, 1e-12)
	test.That(t, next.Y, test.ShouldAlmostEqual, 0)
	test.That(t, next.Velocity, test.ShouldAlmostEqual, 1)
	test.That(t, next.Heading, test.ShouldAlmostEqual, 0)
}

func TestIntegrateClipsControl(t *testing.T) {
	m, err := NewModel(DefaultLimits())
	test.That(t, err, test.ShouldBeNil)

	_, applied := m.Integrate(State{Velocity: 1}, Control{Accel: 100, SteerRate: -100}, testDT)
	test.That(t, applied.Accel, test.ShouldEqual, m.Limits().MaxAccel)
	test.That(t, applied.SteerRate, test.ShouldEqual, -m.Limits().MaxSteerRate)
}

func TestIntegrateStateBounds(t *testing.T) {
	m, err := NewModel(DefaultLimits())
	test.That(t, err, test.ShouldBeNil)

	// speed never goes negative
	next, _ := m.Integrate(State{Velocity: 0.1}, Control{Accel: -5}, testDT)
	test.That(t, next.Velocity, test.ShouldEqual, 0)

	// steering saturates at the mechanical stop
	s := State{Steer: m.Limits().MaxSteer}
	next, _ = m.Integrate(s, Control{SteerRate: 5}, testDT)
	test.That(t, next.Steer, test.ShouldEqual, m.Limits().MaxSteer)

	// heading stays in (-pi, pi]
	s = State{Velocity: 2, Heading: 3.1, Steer: 0.3}
	next, _ = m.Integrate(s, Control{}, testDT)
	test.That(t, next.Heading, test.ShouldBeLessThanOrEqualTo, math.Pi)
	test.That(t, next.Heading, test.ShouldBeGreaterThan, -math.Pi)
}

func TestRolloutLengths(t *testing.T) {
	m, err := NewModel(DefaultLimits())
	test.That(t, err, test.ShouldBeNil)

	controls := make(ControlSequence, 50)
	traj, applied := m.Rollout(State{Velocity: 1}, controls, testDT)
	test.That(t, len(traj), test.ShouldEqual, 51)
	test.That(t, len(applied), test.ShouldEqual, 50)
}

// stateFromVector is the inverse of State.Vector for perturbation tests.
func stateFromVector(v []float64) State {
	return State{X: v[0], Y: v[1], Velocity: v[2], Heading: v[3], Steer: v[4]}
}

func TestLinearizeMatchesFiniteDifferences(t *testing.T) {
	m, err := NewModel(DefaultLimits())
	test.That(t, err, test.ShouldBeNil)

	// interior operating point, away from any clip boundary
	s := State{X: 0.3, Y: -0.2, Velocity: 1.2, Heading: 0.4, Steer: 0.1}
	u := Control{Accel: 0.5, SteerRate: 0.2}

	as, bs := m.Linearize(Trajectory{s, {}}, ControlSequence{u}, testDT)
	a, b := as[0], bs[0]

	const h = 1e-7
	for j := 0; j < StateDim; j++ {
		plus := s.Vector()
		minus := s.Vector()
		plus[j] += h
		minus[j] -= h
		nextPlus, _ := m.Integrate(stateFromVector(plus), u, testDT)
		nextMinus, _ := m.Integrate(stateFromVector(minus), u, testDT)
		for i := 0; i < StateDim; i++ {
			fd := (nextPlus.Vector()[i] - nextMinus.Vector()[i]) / (2 * h)
			test.That(t, a.At(i, j), test.ShouldAlmostEqual, fd, 1e-5)
		}
	}
	for j := 0; j < ControlDim; j++ {
		plus := u.Vector()
		minus := u.Vector()
		plus[j] += h
		minus[j] -= h
		nextPlus, _ := m.Integrate(s, Control{Accel: plus[0], SteerRate: plus[1]}, testDT)
		nextMinus, _ := m.Integrate(s, Control{Accel: minus[0], SteerRate: minus[1]}, testDT)
		for i := 0; i < StateDim; i++ {
			fd := (nextPlus.Vector()[i] - nextMinus.Vector()[i]) / (2 * h)
			test.That(t, b.At(i, j), test.ShouldAlmostEqual, fd, 1e-5)
		}
	}
}
