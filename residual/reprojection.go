// Package residual implements the concrete cost functions the sliding
// window solves over: reprojection, inertial, and prior residuals. Each
// type implements solver.CostFunction; the solver package itself never
// imports this one, so new residual types can be added here without
// touching the solve loop.
package residual

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/lvio-core/se3"
)

// Intrinsics is a pinhole camera model with no distortion.
type Intrinsics struct {
	Fx, Fy float64
	Cx, Cy float64
}

// project maps a camera-frame point to a pixel using this camera's
// intrinsics.
func (k Intrinsics) project(p r3.Vector) (r2.Point, float64) {
	return r2.Point{X: k.Fx*p.X/p.Z + k.Cx, Y: k.Fy*p.Y/p.Z + k.Cy}, p.Z
}

// Project exposes the pinhole projection to callers outside this package
// that need the same model without going through a CostFunction, e.g. the
// backend's outlier cleanup, so the reprojection error it measures against
// is computed identically to what the solve itself optimized against.
func (k Intrinsics) Project(p r3.Vector) (r2.Point, float64) {
	return k.project(p)
}

func unpackPose(ambient []float64) se3.Pose {
	return se3.Pose{
		Rotation:    quat.Number{Real: ambient[0], Imag: ambient[1], Jmag: ambient[2], Kmag: ambient[3]},
		Translation: r3.Vector{X: ambient[4], Y: ambient[5], Z: ambient[6]},
	}
}

func unpackVec3(ambient []float64) r3.Vector {
	return r3.Vector{X: ambient[0], Y: ambient[1], Z: ambient[2]}
}

// PoseOnlyReprojection penalizes the reprojection error of a fixed 3D
// landmark position observed from a single, variable camera pose
// (a PnP-style frontend tracking residual): block order is [pose].
type PoseOnlyReprojection struct {
	K        Intrinsics
	Point    r3.Vector // fixed landmark position, world frame
	Observed r2.Point  // measured pixel
}

// ResidualDim is 2 (pixel x/y).
func (PoseOnlyReprojection) ResidualDim() int { return 2 }

// Evaluate returns the pixel residual and its numerical Jacobian wrt the
// camera pose's local tangent (6-dim: rotation then translation).
func (r PoseOnlyReprojection) Evaluate(ambient [][]float64) ([]float64, [][]float64) {
	pose := unpackPose(ambient[0])
	residualFn := func(p se3.Pose) []float64 {
		camPt := p.Inverse().Transform(r.Point)
		proj, _ := r.K.project(camPt)
		return []float64{proj.X - r.Observed.X, proj.Y - r.Observed.Y}
	}
	res := residualFn(pose)
	jac := numericalPoseJacobian(pose, residualFn, 2)
	return res, [][]float64{jac}
}

// TwoFrameReprojection penalizes the reprojection error of a landmark held
// in its reference frame's camera coordinates and observed from a second
// frame: both poses are variable, the point is not (its coordinates define
// the reference frame's local system). Block order: [refPose, pose].
type TwoFrameReprojection struct {
	K        Intrinsics
	Point    r3.Vector // landmark position, reference-frame camera coordinates
	Observed r2.Point
}

// ResidualDim is 2.
func (TwoFrameReprojection) ResidualDim() int { return 2 }

// Evaluate returns the pixel residual and Jacobians wrt [refPose, pose].
func (r TwoFrameReprojection) Evaluate(ambient [][]float64) ([]float64, [][]float64) {
	refPose := unpackPose(ambient[0])
	pose := unpackPose(ambient[1])

	evalAt := func(ref, cur se3.Pose) []float64 {
		worldPt := ref.Transform(r.Point)
		camPt := cur.Inverse().Transform(worldPt)
		proj, _ := r.K.project(camPt)
		return []float64{proj.X - r.Observed.X, proj.Y - r.Observed.Y}
	}

	res := evalAt(refPose, pose)
	refJac := numericalPoseJacobian(refPose, func(p se3.Pose) []float64 { return evalAt(p, pose) }, 2)
	poseJac := numericalPoseJacobian(pose, func(p se3.Pose) []float64 { return evalAt(refPose, p) }, 2)
	return res, [][]float64{refJac, poseJac}
}

const jacobianStep = 1e-6

// numericalPoseJacobian computes a central-difference Jacobian of f with
// respect to the pose's 6-dim local tangent. These residuals are simple
// enough (pinhole projection, quaternion rotation) that a numerical
// Jacobian is both correct and far less error-prone than hand-differentiated
// analytic forms; the solver only requires a Jacobian consistent with
// Block.Retract, which this satisfies by construction.
func numericalPoseJacobian(pose se3.Pose, f func(se3.Pose) []float64, dim int) []float64 {
	jac := make([]float64, dim*6)
	for col := 0; col < 6; col++ {
		var plus, minus [6]float64
		plus[col] = jacobianStep
		minus[col] = -jacobianStep
		fp := f(pose.Retract(plus))
		fm := f(pose.Retract(minus))
		for row := 0; row < dim; row++ {
			jac[row*6+col] = (fp[row] - fm[row]) / (2 * jacobianStep)
		}
	}
	return jac
}

// numericalGravityJacobian computes a central-difference Jacobian wrt the
// 2-dim direction-only tangent of a fixed-magnitude gravity vector,
// perturbing along the same orthonormal basis solver.GravityBlock retracts
// over.
func numericalGravityJacobian(g r3.Vector, f func(r3.Vector) []float64, dim int) []float64 {
	b1, b2 := se3.OrthonormalBasis(g)
	axes := [2]r3.Vector{b1, b2}
	jac := make([]float64, dim*2)
	for col := 0; col < 2; col++ {
		w := axes[col].Mul(jacobianStep)
		fp := f(se3.QuatRotate(se3.ExpSO3(w), g))
		fm := f(se3.QuatRotate(se3.ExpSO3(w.Mul(-1)), g))
		for row := 0; row < dim; row++ {
			jac[row*2+col] = (fp[row] - fm[row]) / (2 * jacobianStep)
		}
	}
	return jac
}

// numericalVec3Jacobian computes a central-difference Jacobian wrt a plain
// r3.Vector parameter.
func numericalVec3Jacobian(v r3.Vector, f func(r3.Vector) []float64, dim int) []float64 {
	jac := make([]float64, dim*3)
	axes := [3]func(r3.Vector, float64) r3.Vector{
		func(v r3.Vector, d float64) r3.Vector { v.X += d; return v },
		func(v r3.Vector, d float64) r3.Vector { v.Y += d; return v },
		func(v r3.Vector, d float64) r3.Vector { v.Z += d; return v },
	}
	for col := 0; col < 3; col++ {
		fp := f(axes[col](v, jacobianStep))
		fm := f(axes[col](v, -jacobianStep))
		for row := 0; row < dim; row++ {
			jac[row*3+col] = (fp[row] - fm[row]) / (2 * jacobianStep)
		}
	}
	return jac
}
