package imupre

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/viam-modules/lvio-core/se3"
)

func TestZeroTimeProducesIdentityDelta(t *testing.T) {
	p := New(Bias{}, 0.01, 0.001)

	test.That(t, p.SumDt(), test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, p.GetDeltaRotation(Bias{}).Real, test.ShouldAlmostEqual, 1, 1e-9)

	dv := p.GetDeltaVelocity(Bias{})
	test.That(t, dv.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, dv.Y, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, dv.Z, test.ShouldAlmostEqual, 0, 1e-9)
}

func TestEvaluateAtRestPredictsNoMotion(t *testing.T) {
	// Stationary IMU reporting only the specific force that cancels
	// gravity (the sensor reads +g when sitting still): the delta velocity
	// and delta position integrate that +g, which Evaluate's gravity terms
	// cancel, so the next keyframe's predicted velocity/position match
	// constant-velocity motion with no accumulated drift, within
	// integration step error.
	p := New(Bias{}, 0.0, 0.0)
	dt := 0.01
	reading := Sample{LinearAcceleration: r3.Vector{Z: -Gravity.Z}, AngularVelocity: r3.Vector{}}
	for i := 0; i < 100; i++ {
		reading.Time = float64(i+1) * dt
		test.That(t, p.Append(dt, reading), test.ShouldBeNil)
	}

	test.That(t, p.SumDt(), test.ShouldAlmostEqual, 1.0, 1e-9)

	prevPose := se3.Identity()
	prevVel := r3.Vector{}
	nextPose, nextVel := p.Evaluate(prevPose, prevVel, Bias{})

	test.That(t, nextVel.X, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, nextVel.Y, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, nextVel.Z, test.ShouldAlmostEqual, 0, 1e-6)

	test.That(t, nextPose.Translation.X, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, nextPose.Translation.Y, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, nextPose.Translation.Z, test.ShouldAlmostEqual, 0, 1e-6)
}

func TestNeedsRebiasThreshold(t *testing.T) {
	p := New(Bias{}, 0.01, 0.001)

	test.That(t, p.NeedsRebias(Bias{Accel: r3.Vector{X: 0.01}}, DefaultRebiasThreshold), test.ShouldBeFalse)
	test.That(t, p.NeedsRebias(Bias{Accel: r3.Vector{X: 0.5}}, DefaultRebiasThreshold), test.ShouldBeTrue)
	test.That(t, p.NeedsRebias(Bias{Gyro: r3.Vector{X: 0.1}}, DefaultRebiasThreshold), test.ShouldBeTrue)
}

func TestRebiasReintegratesSamples(t *testing.T) {
	p := New(Bias{}, 0.0, 0.0)
	dt := 0.01
	reading := Sample{LinearAcceleration: r3.Vector{Z: -Gravity.Z}, AngularVelocity: r3.Vector{}}
	for i := 0; i < 10; i++ {
		reading.Time = float64(i+1) * dt
		test.That(t, p.Append(dt, reading), test.ShouldBeNil)
	}

	sumBefore := p.SumDt()
	p.Rebias(Bias{Accel: r3.Vector{X: 0.01}})

	test.That(t, p.SumDt(), test.ShouldAlmostEqual, sumBefore, 1e-9)
	test.That(t, p.LinearizationBias().Accel.X, test.ShouldAlmostEqual, 0.01, 1e-12)
}

func TestCovarianceGrowsWithSamples(t *testing.T) {
	p := New(Bias{}, 0.05, 0.01)
	dt := 0.01
	reading := Sample{LinearAcceleration: r3.Vector{Z: -Gravity.Z}, AngularVelocity: r3.Vector{X: 0.01}}
	for i := 0; i < 5; i++ {
		reading.Time = float64(i+1) * dt
		test.That(t, p.Append(dt, reading), test.ShouldBeNil)
	}

	cov := p.Covariance()
	test.That(t, cov.At(0, 0), test.ShouldBeGreaterThan, 0)
}

func TestAppendNonPositiveDtReturnsError(t *testing.T) {
	p := New(Bias{}, 0.01, 0.001)
	err := p.Append(0, Sample{})
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)
}

func TestAppendNonFiniteSampleReturnsError(t *testing.T) {
	p := New(Bias{}, 0.01, 0.001)
	err := p.Append(0.01, Sample{LinearAcceleration: r3.Vector{X: math.NaN()}})
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)
}
