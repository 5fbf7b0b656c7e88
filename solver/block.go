// Package solver implements the sliding-window nonlinear least-squares
// solve: parameter blocks with manifold-aware local parameterizations,
// residual blocks built from opaque cost functions, and a damped
// Levenberg-Marquardt solve over the resulting normal equations. The solver
// never knows what a pose, velocity, or bias "means"; residual.CostFunction
// implementations supply that domain knowledge, the same way
// cartofacade.Queue treats a solve request as an opaque call crossing a
// boundary.
package solver

import (
	"github.com/golang/geo/r3"

	"github.com/viam-modules/lvio-core/se3"
)

// Block is a parameter block: an ambient representation plus a tangent-
// space retraction used to apply an optimization step.
type Block interface {
	// Ambient returns the block's current value as a flat vector, in the
	// representation CostFunction.Evaluate expects (e.g. a pose block's
	// ambient vector is [qw,qx,qy,qz,tx,ty,tz]).
	Ambient() []float64
	// TangentDim is the dimension of the local tangent space (6 for a
	// pose: 3 rotation + 3 translation; 3 for a plain r3.Vector).
	TangentDim() int
	// Retract returns a new Block obtained by applying delta (length
	// TangentDim()) to the current value via the block's manifold.
	Retract(delta []float64) Block
}

// PoseBlock parameterizes an se3.Pose with the quaternion-manifold x
// identity-translation local parameterization.
type PoseBlock struct {
	Pose se3.Pose
}

// Ambient returns [qw,qx,qy,qz,tx,ty,tz].
func (b PoseBlock) Ambient() []float64 {
	q, t := b.Pose.Rotation, b.Pose.Translation
	return []float64{q.Real, q.Imag, q.Jmag, q.Kmag, t.X, t.Y, t.Z}
}

// TangentDim is 6: 3 rotation (so(3)) + 3 translation.
func (PoseBlock) TangentDim() int { return 6 }

// Retract applies delta via se3.Pose.Retract.
func (b PoseBlock) Retract(delta []float64) Block {
	var d6 [6]float64
	copy(d6[:], delta)
	return PoseBlock{Pose: b.Pose.Retract(d6)}
}

// GravityBlock parameterizes a fixed-magnitude gravity vector by its
// direction only: the ambient value is the full 3-vector, but the local
// tangent is 2-dimensional, rotating the vector about the plane orthogonal
// to it so its norm never changes. This is the gravity-rotation
// parameterization the inertial initializer solves over; a plain
// Vector3Block would let the solved gravity drift off its physical
// magnitude.
type GravityBlock struct {
	G r3.Vector
}

// Ambient returns [x,y,z].
func (b GravityBlock) Ambient() []float64 { return []float64{b.G.X, b.G.Y, b.G.Z} }

// TangentDim is 2: the direction sphere's tangent plane.
func (GravityBlock) TangentDim() int { return 2 }

// Retract rotates G by the tangent update expressed in the orthonormal
// basis of the plane orthogonal to G.
func (b GravityBlock) Retract(delta []float64) Block {
	b1, b2 := se3.OrthonormalBasis(b.G)
	w := b1.Mul(delta[0]).Add(b2.Mul(delta[1]))
	return GravityBlock{G: se3.QuatRotate(se3.ExpSO3(w), b.G)}
}

// Vector3Block parameterizes a plain r3.Vector (velocity, accelerometer
// bias, gyroscope bias) with ordinary vector addition as its local
// parameterization.
type Vector3Block struct {
	V r3.Vector
}

// Ambient returns [x,y,z].
func (b Vector3Block) Ambient() []float64 { return []float64{b.V.X, b.V.Y, b.V.Z} }

// TangentDim is 3.
func (Vector3Block) TangentDim() int { return 3 }

// Retract adds delta to V.
func (b Vector3Block) Retract(delta []float64) Block {
	return Vector3Block{V: r3.Vector{X: b.V.X + delta[0], Y: b.V.Y + delta[1], Z: b.V.Z + delta[2]}}
}
