package se3

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func TestComposeInverseIsIdentity(t *testing.T) {
	p := NewPose(quat.Number{Real: 0.9, Imag: 0.1, Jmag: 0.2, Kmag: 0.3}, r3.Vector{X: 1, Y: 2, Z: 3})

	roundTrip := Compose(p, p.Inverse())

	test.That(t, roundTrip.Translation.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, roundTrip.Translation.Y, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, roundTrip.Translation.Z, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, roundTrip.Rotation.Real, test.ShouldAlmostEqual, 1, 1e-9)
}

func TestExpLogRoundTrip(t *testing.T) {
	w := r3.Vector{X: 0.1, Y: -0.2, Z: 0.05}

	got := LogSO3(ExpSO3(w))

	test.That(t, got.X, test.ShouldAlmostEqual, w.X, 1e-9)
	test.That(t, got.Y, test.ShouldAlmostEqual, w.Y, 1e-9)
	test.That(t, got.Z, test.ShouldAlmostEqual, w.Z, 1e-9)
}

func TestYawRotationIsNoOpOnPureYaw(t *testing.T) {
	q := ExpSO3(r3.Vector{Z: math.Pi / 4})

	test.That(t, Yaw(YawRotation(q)), test.ShouldAlmostEqual, Yaw(q), 1e-9)
}

func TestNearGimbalLock(t *testing.T) {
	level := ExpSO3(r3.Vector{Z: 0.3})
	test.That(t, NearGimbalLock(level), test.ShouldBeFalse)

	pitched := ExpSO3(r3.Vector{Y: math.Pi / 2})
	test.That(t, NearGimbalLock(pitched), test.ShouldBeTrue)
}

func TestRetractIdentityDeltaIsNoOp(t *testing.T) {
	p := NewPose(quat.Number{Real: 0.8, Imag: 0.2, Jmag: 0.3, Kmag: 0.1}, r3.Vector{X: 5, Y: -1, Z: 2})

	got := p.Retract([6]float64{})

	test.That(t, got.Translation, test.ShouldResemble, p.Translation)
	test.That(t, got.Rotation.Real, test.ShouldAlmostEqual, p.Rotation.Real, 1e-9)
}

func TestFiniteRejectsNaN(t *testing.T) {
	test.That(t, Finite(r3.Vector{X: math.NaN()}), test.ShouldBeFalse)
	test.That(t, Finite(r3.Vector{X: 1, Y: 2, Z: 3}), test.ShouldBeTrue)
}
