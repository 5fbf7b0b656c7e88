// Package se3 implements the pose and rotation primitives shared by every
// numerical package in this module: preintegration, the residual factory,
// the sliding-window solver, and the frontend's PnP solve all parameterize a
// camera or body pose the same way, a unit quaternion times a translation.
package se3

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform: a rotation (unit quaternion) composed with a
// translation, in the convention p_world = R*p_local + T.
type Pose struct {
	Rotation    quat.Number
	Translation r3.Vector
}

// Identity returns the identity pose.
func Identity() Pose {
	return Pose{Rotation: quat.Number{Real: 1}, Translation: r3.Vector{}}
}

// NewPose builds a pose from a rotation quaternion (need not be normalized)
// and a translation.
func NewPose(rot quat.Number, t r3.Vector) Pose {
	return Pose{Rotation: NormalizeQuat(rot), Translation: t}
}

// NormalizeQuat returns q scaled to unit norm. Returns the identity rotation
// if q is (numerically) zero.
func NormalizeQuat(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n < 1e-12 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Rotate applies the pose's rotation (only) to a vector.
func (p Pose) Rotate(v r3.Vector) r3.Vector {
	return QuatRotate(p.Rotation, v)
}

// Transform applies the full rigid transform to a point: R*v + T.
func (p Pose) Transform(v r3.Vector) r3.Vector {
	return p.Rotate(v).Add(p.Translation)
}

// Compose returns p ⊙ other, i.e. the pose that first applies other then p:
// applying Compose(p, other) to a point equals p.Transform(other.Transform(point)).
func Compose(p, other Pose) Pose {
	return Pose{
		Rotation:    quat.Mul(p.Rotation, other.Rotation),
		Translation: p.Rotate(other.Translation).Add(p.Translation),
	}
}

// Inverse returns the pose such that Compose(p, p.Inverse()) is the identity.
func (p Pose) Inverse() Pose {
	invR := quat.Conj(p.Rotation)
	return Pose{
		Rotation:    invR,
		Translation: QuatRotate(invR, p.Translation).Mul(-1),
	}
}

// QuatRotate rotates v by unit quaternion q: q*v*q^-1, computed via the
// standard vector-quaternion sandwich without materializing a rotation matrix.
func QuatRotate(q quat.Number, v r3.Vector) r3.Vector {
	vq := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	rq := quat.Mul(quat.Mul(q, vq), quat.Conj(q))
	return r3.Vector{X: rq.Imag, Y: rq.Jmag, Z: rq.Kmag}
}

// ExpSO3 maps a tangent-space rotation vector (axis * angle, rad) to a unit
// quaternion via the exponential map. Used to integrate angular velocity
// samples and to apply small-angle corrections (e.g. IMU bias Jacobians).
func ExpSO3(w r3.Vector) quat.Number {
	theta := w.Norm()
	if theta < 1e-8 {
		// Small-angle approximation keeps the map well-conditioned near zero.
		return NormalizeQuat(quat.Number{Real: 1, Imag: w.X / 2, Jmag: w.Y / 2, Kmag: w.Z / 2})
	}
	half := theta / 2
	s := math.Sin(half) / theta
	return quat.Number{Real: math.Cos(half), Imag: w.X * s, Jmag: w.Y * s, Kmag: w.Z * s}
}

// LogSO3 is the inverse of ExpSO3: maps a unit quaternion to its rotation
// vector (axis * angle, rad).
func LogSO3(q quat.Number) r3.Vector {
	q = NormalizeQuat(q)
	imag := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := imag.Norm()
	if n < 1e-8 {
		return imag.Mul(2)
	}
	angle := 2 * math.Atan2(n, q.Real)
	return imag.Mul(angle / n)
}

// Yaw returns the rotation's yaw (rotation about world Z) in radians.
func Yaw(q quat.Number) float64 {
	q = NormalizeQuat(q)
	siny := 2 * (q.Real*q.Kmag + q.Imag*q.Jmag)
	cosy := 1 - 2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag)
	return math.Atan2(siny, cosy)
}

// Pitch returns the rotation's pitch (rotation about the Y axis) in radians.
func Pitch(q quat.Number) float64 {
	q = NormalizeQuat(q)
	sinp := 2 * (q.Real*q.Jmag - q.Kmag*q.Imag)
	if sinp >= 1 {
		return math.Pi / 2
	} else if sinp <= -1 {
		return -math.Pi / 2
	}
	return math.Asin(sinp)
}

// YawRotation returns the pure-yaw quaternion component of q: rotation about
// world Z by Yaw(q). Used by the backend's gauge recovery, which re-anchors
// only yaw and translation unless the window is near a gimbal-lock pitch.
func YawRotation(q quat.Number) quat.Number {
	return ExpSO3(r3.Vector{Z: Yaw(q)})
}

// NearGimbalLock reports whether q's pitch is close enough to +-90 degrees
// that yaw extraction becomes ill-conditioned; gauge recovery falls back to
// the full rotation delta instead of yaw-only in this case.
func NearGimbalLock(q quat.Number) bool {
	const tol = 5 * math.Pi / 180
	return math.Abs(math.Abs(Pitch(q))-math.Pi/2) < tol
}

// OrthonormalBasis returns two unit vectors spanning the plane orthogonal to
// v, used for direction-only (fixed-magnitude) updates of a vector such as
// gravity. v must be nonzero.
func OrthonormalBasis(v r3.Vector) (r3.Vector, r3.Vector) {
	e := r3.Vector{X: 1}
	if math.Abs(v.X) > math.Abs(v.Y) && math.Abs(v.X) > math.Abs(v.Z) {
		e = r3.Vector{Y: 1}
	}
	b1 := v.Cross(e).Normalize()
	b2 := v.Cross(b1).Normalize()
	return b1, b2
}

// Retract applies a 6-vector tangent update (rotation first, then
// translation) to p using the quaternion-manifold x identity-translation
// local parameterization used by every pose parameter block in the solver:
// the rotation block moves along the manifold via ExpSO3, the translation
// block moves by ordinary vector addition.
func (p Pose) Retract(delta [6]float64) Pose {
	dw := r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]}
	dt := r3.Vector{X: delta[3], Y: delta[4], Z: delta[5]}
	return Pose{
		Rotation:    NormalizeQuat(quat.Mul(p.Rotation, ExpSO3(dw))),
		Translation: p.Translation.Add(dt),
	}
}

// ErrNonFinite is returned by callers that validate vectors/quaternions
// before using them in an integration step.
var ErrNonFinite = errors.New("non-finite value")

// Finite reports whether all of v's components are finite.
func Finite(v r3.Vector) bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
