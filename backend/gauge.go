package backend

import (
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/lvio-core/entitygraph"
	"github.com/viam-modules/lvio-core/se3"
)

// recoverGauge re-anchors the window's unobservable gauge freedom after a
// solve: a VIO window without an absolute reference can freely drift in yaw
// and position (roll/pitch stay observable via gravity), so this corrects
// every IMU-participating keyframe by the delta between the first
// keyframe's pre-solve and post-solve pose, preserving the original anchor.
// Near gimbal lock, yaw extraction is ill-conditioned, so the full rotation
// delta is used instead.
func recoverGauge(activeKFs []*entitygraph.Frame, oldPoseIMU se3.Pose) {
	if len(activeKFs) == 0 {
		return
	}
	newFirst := activeKFs[0].Pose

	var rotDelta quat.Number
	if se3.NearGimbalLock(newFirst.Rotation) {
		rotDelta = quat.Mul(oldPoseIMU.Rotation, quat.Conj(newFirst.Rotation))
	} else {
		rotDelta = quat.Mul(se3.YawRotation(oldPoseIMU.Rotation), quat.Conj(se3.YawRotation(newFirst.Rotation)))
	}
	rotDelta = se3.NormalizeQuat(rotDelta)
	transDelta := oldPoseIMU.Translation.Sub(se3.QuatRotate(rotDelta, newFirst.Translation))
	delta := se3.Pose{Rotation: rotDelta, Translation: transDelta}

	for _, f := range activeKFs {
		if !f.IMUEnabled {
			continue
		}
		f.Pose = se3.Compose(delta, f.Pose)
	}
}
