package residual

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/lvio-core/imupre"
	"github.com/viam-modules/lvio-core/se3"
)

// IMUError penalizes the mismatch between a preintegrated IMU measurement
// and the states of the two keyframes it bridges, under a fixed world
// gravity vector, plus a random-walk term on how much the bias is allowed to
// drift between the two frames. Block order:
// [pose_i, velocity_i, accelBias_i, gyroBias_i, pose_j, velocity_j,
// accelBias_j, gyroBias_j].
type IMUError struct {
	Pre     *imupre.Preintegration
	Gravity r3.Vector
}

// ResidualDim is 15: 3 rotation + 3 velocity + 3 position + 3 accel-bias
// random walk + 3 gyro-bias random walk.
func (IMUError) ResidualDim() int { return 15 }

// Evaluate returns the IMU residual and its numerical Jacobian wrt each of
// the eight parameter blocks.
func (r IMUError) Evaluate(ambient [][]float64) ([]float64, [][]float64) {
	eval := func(poseI se3.Pose, velI, baI, bgI r3.Vector, poseJ se3.Pose, velJ, baJ, bgJ r3.Vector) []float64 {
		motion := imuMotionResidual(r.Pre, r.Gravity, poseI, velI, baI, bgI, poseJ, velJ)
		dba := baJ.Sub(baI)
		dbg := bgJ.Sub(bgI)
		return append(motion, dba.X, dba.Y, dba.Z, dbg.X, dbg.Y, dbg.Z)
	}

	poseI := unpackPose(ambient[0])
	velI := unpackVec3(ambient[1])
	baI := unpackVec3(ambient[2])
	bgI := unpackVec3(ambient[3])
	poseJ := unpackPose(ambient[4])
	velJ := unpackVec3(ambient[5])
	baJ := unpackVec3(ambient[6])
	bgJ := unpackVec3(ambient[7])

	res := eval(poseI, velI, baI, bgI, poseJ, velJ, baJ, bgJ)
	const dim = 15
	jacs := [][]float64{
		numericalPoseJacobian(poseI, func(p se3.Pose) []float64 { return eval(p, velI, baI, bgI, poseJ, velJ, baJ, bgJ) }, dim),
		numericalVec3Jacobian(velI, func(v r3.Vector) []float64 { return eval(poseI, v, baI, bgI, poseJ, velJ, baJ, bgJ) }, dim),
		numericalVec3Jacobian(baI, func(v r3.Vector) []float64 { return eval(poseI, velI, v, bgI, poseJ, velJ, baJ, bgJ) }, dim),
		numericalVec3Jacobian(bgI, func(v r3.Vector) []float64 { return eval(poseI, velI, baI, v, poseJ, velJ, baJ, bgJ) }, dim),
		numericalPoseJacobian(poseJ, func(p se3.Pose) []float64 { return eval(poseI, velI, baI, bgI, p, velJ, baJ, bgJ) }, dim),
		numericalVec3Jacobian(velJ, func(v r3.Vector) []float64 { return eval(poseI, velI, baI, bgI, poseJ, v, baJ, bgJ) }, dim),
		numericalVec3Jacobian(baJ, func(v r3.Vector) []float64 { return eval(poseI, velI, baI, bgI, poseJ, velJ, v, bgJ) }, dim),
		numericalVec3Jacobian(bgJ, func(v r3.Vector) []float64 { return eval(poseI, velI, baI, bgI, poseJ, velJ, baJ, v) }, dim),
	}
	return res, jacs
}

// IMUErrorG is the initializer's variant of IMUError: pose_i and pose_j are
// treated as known (constant blocks in the solver.Problem, still passed
// through as ambient inputs here), a single shared bias pair is estimated
// rather than one per frame, and gravity is a direction-only parameter
// block (solver.GravityBlock: fixed magnitude, 2 tangent DOF) rather than a
// fixed constant. Block order:
// [pose_i, velocity_i, accelBias, gyroBias, pose_j, velocity_j, gravity].
type IMUErrorG struct {
	Pre *imupre.Preintegration
}

// ResidualDim is 9: 3 rotation + 3 velocity + 3 position.
func (IMUErrorG) ResidualDim() int { return 9 }

// Evaluate returns the IMU residual and Jacobians wrt all seven blocks,
// including gravity.
func (r IMUErrorG) Evaluate(ambient [][]float64) ([]float64, [][]float64) {
	poseI := unpackPose(ambient[0])
	velI := unpackVec3(ambient[1])
	ba := unpackVec3(ambient[2])
	bg := unpackVec3(ambient[3])
	poseJ := unpackPose(ambient[4])
	velJ := unpackVec3(ambient[5])
	gravity := unpackVec3(ambient[6])

	eval := func(poseI se3.Pose, velI, ba, bg r3.Vector, poseJ se3.Pose, velJ, gravity r3.Vector) []float64 {
		return imuMotionResidual(r.Pre, gravity, poseI, velI, ba, bg, poseJ, velJ)
	}

	res := eval(poseI, velI, ba, bg, poseJ, velJ, gravity)
	const dim = 9
	jacs := [][]float64{
		numericalPoseJacobian(poseI, func(p se3.Pose) []float64 { return eval(p, velI, ba, bg, poseJ, velJ, gravity) }, dim),
		numericalVec3Jacobian(velI, func(v r3.Vector) []float64 { return eval(poseI, v, ba, bg, poseJ, velJ, gravity) }, dim),
		numericalVec3Jacobian(ba, func(v r3.Vector) []float64 { return eval(poseI, velI, v, bg, poseJ, velJ, gravity) }, dim),
		numericalVec3Jacobian(bg, func(v r3.Vector) []float64 { return eval(poseI, velI, ba, v, poseJ, velJ, gravity) }, dim),
		numericalPoseJacobian(poseJ, func(p se3.Pose) []float64 { return eval(poseI, velI, ba, bg, p, velJ, gravity) }, dim),
		numericalVec3Jacobian(velJ, func(v r3.Vector) []float64 { return eval(poseI, velI, ba, bg, poseJ, v, gravity) }, dim),
		numericalGravityJacobian(gravity, func(g r3.Vector) []float64 { return eval(poseI, velI, ba, bg, poseJ, velJ, g) }, dim),
	}
	return res, jacs
}

// imuMotionResidual computes the shared 9-dim rotation/velocity/position
// preintegration residual used by both IMUError and IMUErrorG. poseI/poseJ
// are the camera poses the solver carries; the camera and IMU body frames
// are assumed coincident (no camera-to-IMU extrinsic is composed in here —
// see imupre's package doc).
func imuMotionResidual(pre *imupre.Preintegration, gravity r3.Vector, poseI se3.Pose, velI, ba, bg r3.Vector, poseJ se3.Pose, velJ r3.Vector) []float64 {
	bias := imupre.Bias{Accel: ba, Gyro: bg}
	dt := pre.SumDt()

	predictedR := pre.GetDeltaRotation(bias)
	actualR := se3.NormalizeQuat(quat.Mul(quat.Conj(poseI.Rotation), poseJ.Rotation))
	rotErr := se3.LogSO3(quat.Mul(quat.Conj(predictedR), actualR))

	predictedV := poseI.Rotate(pre.GetDeltaVelocity(bias))
	actualV := velJ.Sub(velI).Sub(gravity.Mul(dt))
	velErr := actualV.Sub(predictedV)

	predictedP := poseI.Rotate(pre.GetDeltaPosition(bias))
	actualP := poseJ.Translation.Sub(poseI.Translation).Sub(velI.Mul(dt)).Sub(gravity.Mul(0.5 * dt * dt))
	posErr := actualP.Sub(predictedP)

	return []float64{rotErr.X, rotErr.Y, rotErr.Z, velErr.X, velErr.Y, velErr.Z, posErr.X, posErr.Y, posErr.Z}
}
