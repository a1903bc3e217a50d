// Package refpath represents the reference centerline a planning leg tracks:
// an ordered list of waypoints with drivable widths and speed limits, an
// arc-length parameterization, and nearest-point projection used to build
// per-timestep references for the optimizer.
package refpath

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// Waypoint is one centerline sample: position, drivable width on each side,
// and the local speed limit.
type Waypoint struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	LeftWidth  float64 `json:"left_width"`
	RightWidth float64 `json:"right_width"`
	SpeedLimit float64 `json:"speed_limit"`
}

// Point returns the waypoint position.
func (w Waypoint) Point() r2.Point {
	return r2.Point{X: w.X, Y: w.Y}
}

// Projection is the result of projecting a query point onto the path.
type Projection struct {
	Point      r2.Point
	Heading    float64 // tangent heading at the projected point
	ArcLength  float64
	Progress   float64 // ArcLength normalized by total length
	Distance   float64 // planar distance from the query to the projected point
	LeftWidth  float64
	RightWidth float64
	SpeedLimit float64
}

// Path is an immutable reference path. It is replaced wholesale per
// navigation leg; there is no incremental edit.
type Path struct {
	waypoints []Waypoint
	loop      bool
	cum       []float64 // cumulative arc length at each waypoint
	length    float64
}

// New builds a path from at least two waypoints. When loop is set, an
// implicit closing segment joins the last waypoint back to the first.
func New(waypoints []Waypoint, loop bool) (*Path, error) {
	if len(waypoints) < 2 {
		return nil, errors.Errorf("reference path needs at least 2 waypoints, got %d", len(waypoints))
	}
	p := &Path{
		waypoints: append([]Waypoint(nil), waypoints...),
		loop:      loop,
		cum:       make([]float64, len(waypoints)),
	}
	for i := 1; i < len(waypoints); i++ {
		p.cum[i] = p.cum[i-1] + waypoints[i].Point().Sub(waypoints[i-1].Point()).Norm()
	}
	p.length = p.cum[len(waypoints)-1]
	if loop {
		p.length += waypoints[0].Point().Sub(waypoints[len(waypoints)-1].Point()).Norm()
	}
	if p.length <= 0 {
		return nil, errors.New("reference path has zero length")
	}
	return p, nil
}

// Length returns the total arc length, including the closing segment for
// looped paths.
func (p *Path) Length() float64 {
	return p.length
}

// Loop reports whether the path closes back on itself.
func (p *Path) Loop() bool {
	return p.loop
}

// Waypoints returns the underlying waypoints.
func (p *Path) Waypoints() []Waypoint {
	return p.waypoints
}

func (p *Path) segmentCount() int {
	if p.loop {
		return len(p.waypoints)
	}
	return len(p.waypoints) - 1
}

// segment returns the endpoints of segment i.
func (p *Path) segment(i int) (Waypoint, Waypoint) {
	a := p.waypoints[i]
	b := p.waypoints[(i+1)%len(p.waypoints)]
	return a, b
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// ClosestPoint projects q onto the path and returns the projection together
// with the interpolated widths and speed limit at that point.
func (p *Path) ClosestPoint(q r2.Point) Projection {
	best := Projection{Distance: math.Inf(1)}
	for i := 0; i < p.segmentCount(); i++ {
		a, b := p.segment(i)
		ab := b.Point().Sub(a.Point())
		segLen := ab.Norm()
		if segLen == 0 {
			continue
		}
		t := q.Sub(a.Point()).Dot(ab) / (segLen * segLen)
		t = math.Max(0, math.Min(1, t))
		proj := a.Point().Add(ab.Mul(t))
		dist := q.Sub(proj).Norm()
		if dist >= best.Distance {
			continue
		}
		arc := p.cum[i] + segLen*t
		best = Projection{
			Point:      proj,
			Heading:    math.Atan2(ab.Y, ab.X),
			ArcLength:  arc,
			Progress:   arc / p.length,
			Distance:   dist,
			LeftWidth:  lerp(a.LeftWidth, b.LeftWidth, t),
			RightWidth: lerp(a.RightWidth, b.RightWidth, t),
			SpeedLimit: lerp(a.SpeedLimit, b.SpeedLimit, t),
		}
	}
	return best
}

// Progress returns how far along the path q projects, in [0, 1].
func (p *Path) Progress(q r2.Point) float64 {
	return p.ClosestPoint(q).Progress
}

// PointAt returns the centerline point and tangent heading at arc length s.
// For looped paths s wraps; otherwise it clamps to the path ends.
func (p *Path) PointAt(s float64) (r2.Point, float64) {
	if p.loop {
		s = math.Mod(s, p.length)
		if s < 0 {
			s += p.length
		}
	} else {
		s = math.Max(0, math.Min(p.length, s))
	}
	for i := 0; i < p.segmentCount(); i++ {
		a, b := p.segment(i)
		segLen := b.Point().Sub(a.Point()).Norm()
		if segLen == 0 {
			continue
		}
		if s <= p.cum[i]+segLen || i == p.segmentCount()-1 {
			t := (s - p.cum[i]) / segLen
			t = math.Max(0, math.Min(1, t))
			ab := b.Point().Sub(a.Point())
			return a.Point().Add(ab.Mul(t)), math.Atan2(ab.Y, ab.X)
		}
	}
	// unreachable: the loop always returns on the last segment
	last := p.waypoints[len(p.waypoints)-1]
	return last.Point(), 0
}
