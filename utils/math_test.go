package utils

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestWrapAngle(t *testing.T) {
	test.That(t, WrapAngle(0), test.ShouldEqual, 0)
	test.That(t, WrapAngle(math.Pi), test.ShouldAlmostEqual, math.Pi, 1e-12)
	test.That(t, WrapAngle(-math.Pi), test.ShouldAlmostEqual, math.Pi, 1e-12)
	test.That(t, WrapAngle(3*math.Pi/2), test.ShouldAlmostEqual, -math.Pi/2, 1e-12)
	test.That(t, WrapAngle(-3*math.Pi/2), test.ShouldAlmostEqual, math.Pi/2, 1e-12)
	test.That(t, WrapAngle(5*math.Pi), test.ShouldAlmostEqual, math.Pi, 1e-12)
}

func TestAngleDiffShortWay(t *testing.T) {
	// 3.0 rad vs -3.0 rad should wrap the short way around, not span 6 rad.
	diff := AngleDiff(3.0, -3.0)
	test.That(t, math.Abs(diff), test.ShouldBeLessThan, 2*math.Pi-6.0+1e-12)
	test.That(t, diff, test.ShouldAlmostEqual, 6.0-2*math.Pi, 1e-12)

	test.That(t, AngleDiff(0.2, 0.1), test.ShouldAlmostEqual, 0.1, 1e-12)
	test.That(t, AngleDiff(-0.1, 0.1), test.ShouldAlmostEqual, -0.2, 1e-12)
}

func TestClamp(t *testing.T) {
	test.That(t, Clamp(2, -1, 1), test.ShouldEqual, 1)
	test.That(t, Clamp(-2, -1, 1), test.ShouldEqual, -1)
	test.That(t, Clamp(0.5, -1, 1), test.ShouldEqual, 0.5)
}
