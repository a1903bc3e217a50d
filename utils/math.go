// Package utils contains shared helpers for the planner: angle arithmetic
// and the single-slot buffers that connect the planning and control tasks.
package utils

import "math"

// WrapAngle normalizes theta to (-pi, pi].
func WrapAngle(theta float64) float64 {
	wrapped := math.Mod(theta+math.Pi, 2*math.Pi)
	if wrapped <= 0 {
		wrapped += 2 * math.Pi
	}
	return wrapped - math.Pi
}

// AngleDiff returns a minus b wrapped to (-pi, pi], so the difference is
// always taken the short way around.
func AngleDiff(a, b float64) float64 {
	return WrapAngle(a - b)
}

// Clamp limits v to [min, max].
func Clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
