package residual

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/lvio-core/se3"
)

// PosePrior anchors a single pose block to a fixed target. No solve in this
// module adds it; the inertial initializer holds poses fixed with
// constant blocks instead. Block order: [pose].
type PosePrior struct {
	Target se3.Pose
}

// ResidualDim is 6: 3 rotation + 3 translation.
func (PosePrior) ResidualDim() int { return 6 }

// Evaluate returns the tangent-space difference from Target.
func (p PosePrior) Evaluate(ambient [][]float64) ([]float64, [][]float64) {
	eval := func(pose se3.Pose) []float64 {
		rotErr := se3.LogSO3(quat.Mul(quat.Conj(p.Target.Rotation), pose.Rotation))
		t := pose.Translation.Sub(p.Target.Translation)
		return []float64{rotErr.X, rotErr.Y, rotErr.Z, t.X, t.Y, t.Z}
	}
	pose := unpackPose(ambient[0])
	return eval(pose), [][]float64{numericalPoseJacobian(pose, eval, 6)}
}

// RotationPrior anchors only the rotation component of a pose block,
// leaving translation free.
type RotationPrior struct {
	Target quat.Number
}

// ResidualDim is 3.
func (RotationPrior) ResidualDim() int { return 3 }

// Evaluate returns the tangent-space rotation difference from Target.
func (p RotationPrior) Evaluate(ambient [][]float64) ([]float64, [][]float64) {
	eval := func(pose se3.Pose) []float64 {
		rotErr := se3.LogSO3(quat.Mul(quat.Conj(p.Target), pose.Rotation))
		return []float64{rotErr.X, rotErr.Y, rotErr.Z}
	}
	pose := unpackPose(ambient[0])
	return eval(pose), [][]float64{numericalPoseJacobian(pose, eval, 3)}
}

// TranslationPrior anchors only the translation component of a pose block.
type TranslationPrior struct {
	Target r3.Vector
}

// ResidualDim is 3.
func (TranslationPrior) ResidualDim() int { return 3 }

// Evaluate returns the plain vector difference from Target.
func (p TranslationPrior) Evaluate(ambient [][]float64) ([]float64, [][]float64) {
	eval := func(pose se3.Pose) []float64 {
		t := pose.Translation.Sub(p.Target)
		return []float64{t.X, t.Y, t.Z}
	}
	pose := unpackPose(ambient[0])
	return eval(pose), [][]float64{numericalPoseJacobian(pose, eval, 3)}
}

// BiasPrior is a Gaussian prior pulling a bias block (Vector3Block) toward
// Target with standard deviation Sigma, used by the inertial initializer's
// staged schedule of accelerometer/gyroscope bias priors. Sigma must be
// strictly positive; a zero or absent sigma means "no prior", which callers
// implement by not adding this residual block at all rather than by
// constructing one with Sigma=0.
type BiasPrior struct {
	Target r3.Vector
	Sigma  float64
}

// ResidualDim is 3.
func (BiasPrior) ResidualDim() int { return 3 }

// Evaluate returns the target deviation scaled by 1/Sigma, so the prior's
// contribution to the normal equations matches a unit-variance Gaussian
// residual with standard deviation Sigma.
func (p BiasPrior) Evaluate(ambient [][]float64) ([]float64, [][]float64) {
	v := unpackVec3(ambient[0])
	diff := v.Sub(p.Target)
	inv := 1 / p.Sigma
	jac := []float64{inv, 0, 0, 0, inv, 0, 0, 0, inv}
	return []float64{diff.X * inv, diff.Y * inv, diff.Z * inv}, [][]float64{jac}
}

// VelocityPrior anchors a velocity block (Vector3Block) to a fixed target.
// No solve in this module adds it; the inertial initializer fixes the first
// keyframe's velocity by marking its block constant instead.
type VelocityPrior struct {
	Target r3.Vector
}

// ResidualDim is 3.
func (VelocityPrior) ResidualDim() int { return 3 }

// Evaluate returns the plain vector difference from Target.
func (p VelocityPrior) Evaluate(ambient [][]float64) ([]float64, [][]float64) {
	v := unpackVec3(ambient[0])
	diff := v.Sub(p.Target)
	jac := []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	return []float64{diff.X, diff.Y, diff.Z}, [][]float64{jac}
}
