package ilqr

import (
	"math"
	"sync"

	"github.com/golang/geo/r2"

	"go.viam.com/raceplan/vehicle"
)

// ObstacleProvider yields per-timestep obstacle references for a nominal
// trajectory. The planner treats it as opaque: only the anchor points and
// distances feed the cost.
type ObstacleProvider interface {
	References(traj vehicle.Trajectory) []ObstacleRef
}

// StaticObstacles is an ObstacleProvider over a set of polygons keyed by id.
// Updates are last-writer-wins per id and may arrive from a different
// goroutine than the planning task.
type StaticObstacles struct {
	mu       sync.Mutex
	polygons map[string][]r2.Point
}

// NewStaticObstacles returns an empty obstacle set.
func NewStaticObstacles() *StaticObstacles {
	return &StaticObstacles{polygons: map[string][]r2.Point{}}
}

// Update replaces the polygon stored under id. Polygons with fewer than
// three vertices are dropped.
func (o *StaticObstacles) Update(id string, vertices []r2.Point) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(vertices) < 3 {
		delete(o.polygons, id)
		return
	}
	o.polygons[id] = append([]r2.Point(nil), vertices...)
}

// Clear drops all stored polygons.
func (o *StaticObstacles) Clear() {
	o.mu.Lock()
	o.polygons = map[string][]r2.Point{}
	o.mu.Unlock()
}

// Len returns the number of stored polygons.
func (o *StaticObstacles) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.polygons)
}

// closestOnSegment returns the point on segment ab closest to q.
func closestOnSegment(q, a, b r2.Point) r2.Point {
	ab := b.Sub(a)
	segLen2 := ab.Dot(ab)
	if segLen2 == 0 {
		return a
	}
	t := q.Sub(a).Dot(ab) / segLen2
	t = math.Max(0, math.Min(1, t))
	return a.Add(ab.Mul(t))
}

// closestOnPolygon returns the closest boundary point of the polygon to q
// and the distance to it. Distance is zero when q is inside a convex
// polygon.
func closestOnPolygon(q r2.Point, vertices []r2.Point) (r2.Point, float64) {
	best := vertices[0]
	bestDist := math.Inf(1)
	inside := true
	var side float64
	for i := range vertices {
		a := vertices[i]
		b := vertices[(i+1)%len(vertices)]
		pt := closestOnSegment(q, a, b)
		if d := q.Sub(pt).Norm(); d < bestDist {
			bestDist = d
			best = pt
		}
		cross := b.Sub(a).Cross(q.Sub(a))
		if cross != 0 {
			if side == 0 {
				side = cross
			} else if side*cross < 0 {
				inside = false
			}
		}
	}
	if inside {
		bestDist = 0
	}
	return best, bestDist
}

// References returns, for each state, the closest point over all stored
// polygons. With no polygons every reference is invalid.
func (o *StaticObstacles) References(traj vehicle.Trajectory) []ObstacleRef {
	o.mu.Lock()
	polygons := make([][]r2.Point, 0, len(o.polygons))
	for _, verts := range o.polygons {
		polygons = append(polygons, verts)
	}
	o.mu.Unlock()

	refs := make([]ObstacleRef, len(traj))
	if len(polygons) == 0 {
		return refs
	}
	for t, s := range traj {
		q := r2.Point{X: s.X, Y: s.Y}
		bestDist := math.Inf(1)
		var bestPt r2.Point
		for _, verts := range polygons {
			pt, d := closestOnPolygon(q, verts)
			if d < bestDist {
				bestDist = d
				bestPt = pt
			}
		}
		refs[t] = ObstacleRef{Point: bestPt, Distance: bestDist, Valid: true}
	}
	return refs
}
