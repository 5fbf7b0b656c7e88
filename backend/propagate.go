package backend

import (
	"github.com/viam-modules/lvio-core/entitygraph"
	"github.com/viam-modules/lvio-core/imupre"
	"github.com/viam-modules/lvio-core/residual"
	"github.com/viam-modules/lvio-core/se3"
	"github.com/viam-modules/lvio-core/solver"
)

// forwardPropagate carries the just-solved window's correction onto every
// frame past the window, then re-stabilizes and re-derives them so tracking
// can resume from an up-to-date estimate. The whole rewrite runs inside the
// tracker's forward-propagation critical section, so the frontend is blocked
// exactly for the duration of the pose rewrite and cache refresh.
func (b *Backend) forwardPropagate(transform se3.Pose, sinceTime float64, oldPose se3.Pose) {
	b.tracker.ForwardPropagate(func(live *entitygraph.Frame) entitygraph.IMUBias {
		section := b.buildForwardSection(sinceTime, live)
		if len(section) == 0 {
			if live != nil {
				return live.Bias
			}
			return entitygraph.IMUBias{}
		}

		now := section[len(section)-1].Time
		ranInit := false
		if !b.init.Initialized() {
			var err error
			ranInit, err = b.init.Attempt(section, now)
			if err != nil && b.logger != nil {
				b.logger.Warnw("forward_propagate: initializer attempt failed", "error", err)
			}
		}

		if !ranInit {
			if b.collab.PoseGraph != nil {
				b.collab.PoseGraph.Propagate(transform, section)
			} else {
				propagateTransform(transform, section)
			}
		}

		if problem, err := b.buildProblem(section, false); err == nil {
			if _, err := problem.Solve(solver.Options{MaxIterations: 1, FunctionTolerance: 1e-8}); err == nil {
				writeBackPoses(problem, section)
			}
		}

		if b.init.Initialized() {
			rederiveFromPreintegration(section)
			b.refineIMUOnly(section)
		}

		return section[len(section)-1].Bias
	})
}

// buildForwardSection returns every keyframe at or after sinceTime, plus the
// frontend's live frame if it isn't already a keyframe in that range, so the
// live frame always sees the corrected estimate too.
func (b *Backend) buildForwardSection(sinceTime float64, live *entitygraph.Frame) []*entitygraph.Frame {
	section := b.graph.GetKeyframes(sinceTime, entitygraph.KeyframeOptions{})
	if live == nil {
		return section
	}
	for _, f := range section {
		if f.ID == live.ID {
			return section
		}
	}
	return append(section, live)
}

// propagateTransform left-multiplies every frame's pose by transform, the
// plain behavior behind the PoseGraph.Propagate contract for when no
// loop-closure collaborator is wired in.
func propagateTransform(transform se3.Pose, frames []*entitygraph.Frame) {
	for _, f := range frames {
		f.Pose = se3.Compose(transform, f.Pose)
	}
}

// rederiveFromPreintegration re-predicts each keyframe's pose/velocity from
// its predecessor via gravity-aware integration of its preintegration,
// using the predecessor's bias.
func rederiveFromPreintegration(section []*entitygraph.Frame) {
	for i := 1; i < len(section); i++ {
		prev, cur := section[i-1], section[i]
		pre, ok := cur.Preintegration.(*imupre.Preintegration)
		if !ok || pre == nil {
			continue
		}
		bias := imupre.Bias{Accel: prev.Bias.Accel, Gyro: prev.Bias.Gyro}
		pose, vel := pre.Evaluate(prev.Pose, prev.Velocity, bias)
		cur.Pose = pose
		cur.Velocity = vel
	}
}

// refineIMUOnly solves for velocity and bias drift across section with every
// pose held constant and the first frame's velocity/bias additionally
// anchored, writing the refined biases back onto each frame.
func (b *Backend) refineIMUOnly(section []*entitygraph.Frame) {
	if len(section) < 2 {
		return
	}
	problem := solver.NewProblem()
	gravity := b.init.Gravity()

	for i, f := range section {
		problem.AddParameterBlock(poseBlockID(f.ID), solver.PoseBlock{Pose: f.Pose})
		problem.SetConstant(poseBlockID(f.ID))
		problem.AddParameterBlock(velBlockID(f.ID), solver.Vector3Block{V: f.Velocity})
		problem.AddParameterBlock(accelBiasBlockID(f.ID), solver.Vector3Block{V: f.Bias.Accel})
		problem.AddParameterBlock(gyroBiasBlockID(f.ID), solver.Vector3Block{V: f.Bias.Gyro})
		if i == 0 {
			problem.SetConstant(velBlockID(f.ID))
			problem.SetConstant(accelBiasBlockID(f.ID))
			problem.SetConstant(gyroBiasBlockID(f.ID))
		}
	}

	added := false
	for i := 1; i < len(section); i++ {
		prev, cur := section[i-1], section[i]
		pre, ok := cur.Preintegration.(*imupre.Preintegration)
		if !ok || pre == nil {
			continue
		}
		cost := residual.IMUError{Pre: pre, Gravity: gravity}
		if err := problem.AddResidualBlock(cost, nil,
			poseBlockID(prev.ID), velBlockID(prev.ID), accelBiasBlockID(prev.ID), gyroBiasBlockID(prev.ID),
			poseBlockID(cur.ID), velBlockID(cur.ID), accelBiasBlockID(cur.ID), gyroBiasBlockID(cur.ID),
		); err != nil {
			if b.logger != nil {
				b.logger.Warnw("forward_propagate: refineIMUOnly residual", "error", err)
			}
			continue
		}
		added = true
	}
	if !added {
		return
	}

	if _, err := problem.Solve(solver.Options{MaxIterations: 10, FunctionTolerance: 1e-8}); err != nil {
		return
	}
	writeBackPoses(problem, section)

	// Relinearize any preintegration whose bias drifted past the rebias
	// threshold, so the next window's IMU residuals stay first-order valid.
	for _, f := range section {
		pre, ok := f.Preintegration.(*imupre.Preintegration)
		if !ok || pre == nil {
			continue
		}
		newBias := imupre.Bias{Accel: f.Bias.Accel, Gyro: f.Bias.Gyro}
		if pre.NeedsRebias(newBias, imupre.DefaultRebiasThreshold) {
			pre.Rebias(newBias)
		}
	}
}
