package refpath

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

func straightPath(t *testing.T) *Path {
	t.Helper()
	p, err := New([]Waypoint{
		{X: 0, Y: 0, LeftWidth: 0.5, RightWidth: 0.5, SpeedLimit: 1},
		{X: 10, Y: 0, LeftWidth: 1.5, RightWidth: 0.5, SpeedLimit: 3},
	}, false)
	test.That(t, err, test.ShouldBeNil)
	return p
}

// CirclePath samples a circle of the given radius as a looped path.
func circlePath(t *testing.T, radius float64, n int) *Path {
	t.Helper()
	wps := make([]Waypoint, n)
	for i := range wps {
		theta := 2 * math.Pi * float64(i) / float64(n)
		wps[i] = Waypoint{
			X:          radius * math.Cos(theta),
			Y:          radius * math.Sin(theta),
			LeftWidth:  0.5,
			RightWidth: 0.5,
			SpeedLimit: 1,
		}
	}
	p, err := New(wps, true)
	test.That(t, err, test.ShouldBeNil)
	return p
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, false)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New([]Waypoint{{X: 1, Y: 1}}, false)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New([]Waypoint{{X: 1, Y: 1}, {X: 1, Y: 1}}, false)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestClosestPointStraight(t *testing.T) {
	p := straightPath(t)

	proj := p.ClosestPoint(r2.Point{X: 5, Y: 2})
	test.That(t, proj.Point.X, test.ShouldAlmostEqual, 5, 1e-12)
	test.That(t, proj.Point.Y, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, proj.Distance, test.ShouldAlmostEqual, 2, 1e-12)
	test.That(t, proj.Heading, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, proj.ArcLength, test.ShouldAlmostEqual, 5, 1e-12)
	test.That(t, proj.Progress, test.ShouldAlmostEqual, 0.5, 1e-12)
	// widths and speed interpolate along the segment
	test.That(t, proj.LeftWidth, test.ShouldAlmostEqual, 1.0, 1e-12)
	test.That(t, proj.SpeedLimit, test.ShouldAlmostEqual, 2.0, 1e-12)

	// queries beyond the ends clamp to the endpoints
	proj = p.ClosestPoint(r2.Point{X: -3, Y: 1})
	test.That(t, proj.Point.X, test.ShouldAlmostEqual, 0, 1e-12)
	proj = p.ClosestPoint(r2.Point{X: 13, Y: -1})
	test.That(t, proj.Point.X, test.ShouldAlmostEqual, 10, 1e-12)
}

func TestCircleProjection(t *testing.T) {
	p := circlePath(t, 1, 100)

	// a point outside the circle projects radially inward
	proj := p.ClosestPoint(r2.Point{X: 2, Y: 0})
	test.That(t, proj.Point.X, test.ShouldAlmostEqual, 1, 1e-3)
	test.That(t, proj.Point.Y, test.ShouldAlmostEqual, 0, 1e-1)
	test.That(t, proj.Distance, test.ShouldAlmostEqual, 1, 1e-2)

	// tangent heading at (0, -1) on a counter-clockwise circle is +x
	proj = p.ClosestPoint(r2.Point{X: 0, Y: -1})
	test.That(t, math.Cos(proj.Heading), test.ShouldAlmostEqual, 1, 1e-2)

	test.That(t, p.Length(), test.ShouldAlmostEqual, 2*math.Pi, 1e-2)
}

func TestProgressMonotonicAlongCircle(t *testing.T) {
	p := circlePath(t, 1, 100)
	prev := -1.0
	for i := 0; i < 50; i++ {
		theta := 2 * math.Pi * float64(i) / 51.0
		progress := p.Progress(r2.Point{X: math.Cos(theta), Y: math.Sin(theta)})
		test.That(t, progress, test.ShouldBeGreaterThan, prev)
		prev = progress
	}
}

func TestPointAt(t *testing.T) {
	p := straightPath(t)
	pt, heading := p.PointAt(2.5)
	test.That(t, pt.X, test.ShouldAlmostEqual, 2.5, 1e-12)
	test.That(t, heading, test.ShouldAlmostEqual, 0, 1e-12)

	// clamps beyond the end on non-loop paths
	pt, _ = p.PointAt(50)
	test.That(t, pt.X, test.ShouldAlmostEqual, 10, 1e-12)

	// wraps on loops
	loop := circlePath(t, 1, 100)
	ptA, _ := loop.PointAt(0.5)
	ptB, _ := loop.PointAt(0.5 + loop.Length())
	test.That(t, ptA.X, test.ShouldAlmostEqual, ptB.X, 1e-9)
	test.That(t, ptA.Y, test.ShouldAlmostEqual, ptB.Y, 1e-9)
}
