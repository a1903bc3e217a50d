package planner

import (
	"context"
	"math"
	"time"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/raceplan/refpath"
)

// Sample is one localization fix. Orientation is a unit quaternion; only its
// yaw matters to the planar model.
type Sample struct {
	Position    r2.Point
	Orientation quat.Number
	Velocity    float64
	Stamp       time.Time
}

// Heading extracts the yaw angle from the orientation quaternion.
func (s Sample) Heading() float64 {
	q := s.Orientation
	return math.Atan2(
		2*(q.Real*q.Kmag+q.Imag*q.Jmag),
		1-2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag),
	)
}

// Command is one actuation output: longitudinal acceleration plus an absolute
// steering angle, stamped when issued so the state estimator can replay it.
type Command struct {
	Accel float64
	Steer float64
	Stamp time.Time
}

// RouteService produces the waypoint corridor for one mission leg. An empty
// result or an error leaves the previous path in force.
type RouteService interface {
	Plan(ctx context.Context, start, goal r2.Point) ([]refpath.Waypoint, error)
}

// Actuator receives the control loop's output at the loop rate.
type Actuator interface {
	Command(ctx context.Context, cmd Command) error
}

// PWMConverter rescales a command into the actuator's duty-cycle units. It is
// bypassed in simulation, where the model consumes SI units directly.
type PWMConverter interface {
	Convert(cmd Command) Command
}
