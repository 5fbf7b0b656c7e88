package backend

import (
	"fmt"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/viam-modules/lvio-core/config"
	"github.com/viam-modules/lvio-core/entitygraph"
	"github.com/viam-modules/lvio-core/imupre"
	"github.com/viam-modules/lvio-core/residual"
	"github.com/viam-modules/lvio-core/solver"
)

func poseBlockID(id entitygraph.FrameID) string      { return fmt.Sprintf("pose_%d", id) }
func velBlockID(id entitygraph.FrameID) string       { return fmt.Sprintf("vel_%d", id) }
func accelBiasBlockID(id entitygraph.FrameID) string { return fmt.Sprintf("ba_%d", id) }
func gyroBiasBlockID(id entitygraph.FrameID) string  { return fmt.Sprintf("bg_%d", id) }

// solveOptions builds the solver.Options for a window solve, honoring the
// configured wall-clock budget (0.6x the window size). NumThreads is
// accepted on config.Config for configuration-surface parity, but the
// in-repo solver runs single-threaded, so only the wall-clock budget is
// actually enforced here.
func solveOptions(cfg config.Config, maxDuration time.Duration) solver.Options {
	opts := solver.DefaultOptions()
	opts.MaxIterations = 20
	opts.MaxDuration = maxDuration
	return opts
}

// buildProblem assembles the sliding-window problem over activeKFs: every
// keyframe pose is a free 7-param block; each left-image feature contributes
// a PoseOnlyReprojection (reference frame outside the window, landmark fixed
// in world coordinates) or TwoFrameReprojection (reference frame inside the
// window, residual linking both poses) under Huber(1.0); if useIMU and the
// initializer has converged, consecutive IMU-enabled keyframe pairs
// additionally get an unweighted IMUError.
func (b *Backend) buildProblem(activeKFs []*entitygraph.Frame, useIMU bool) (*solver.Problem, error) {
	if len(activeKFs) == 0 {
		return nil, errNoActiveKeyframes
	}

	problem := solver.NewProblem()
	windowStart := activeKFs[0].Time
	huber := solver.HuberLoss{Delta: 1.0}

	for _, f := range activeKFs {
		problem.AddParameterBlock(poseBlockID(f.ID), solver.PoseBlock{Pose: f.Pose})
	}

	for _, f := range activeKFs {
		for lmID, feat := range f.FeaturesLeft {
			lm, err := b.graph.Landmark(lmID)
			if err != nil {
				continue
			}
			refFrame, err := b.graph.Frame(lm.ReferenceFrame)
			if err != nil {
				continue
			}

			switch {
			case refFrame.Time < windowStart:
				// Reference frame already committed: the landmark is a fixed
				// world point as far as this window is concerned.
				worldPt := refFrame.Pose.Transform(lm.Position)
				cost := residual.PoseOnlyReprojection{K: b.calib, Point: worldPt, Observed: feat.Keypoint}
				if err := problem.AddResidualBlock(cost, huber, poseBlockID(f.ID)); err != nil {
					return nil, err
				}
			case lm.ReferenceFrame != f.ID:
				// Reference frame inside the window: every keyframe at or
				// after windowStart is in activeKFs, so its pose block is
				// already registered.
				cost := residual.TwoFrameReprojection{K: b.calib, Point: lm.Position, Observed: feat.Keypoint}
				if err := problem.AddResidualBlock(cost, huber, poseBlockID(lm.ReferenceFrame), poseBlockID(f.ID)); err != nil {
					return nil, err
				}
			default:
				// f is the landmark's own reference frame: its observation
				// defines the landmark's local coordinate and carries no
				// independent reprojection information.
			}
		}
	}

	if useIMU && b.init.Initialized() {
		gravity := b.init.Gravity()
		for i := 1; i < len(activeKFs); i++ {
			prev, cur := activeKFs[i-1], activeKFs[i]
			if !prev.IMUEnabled || !cur.IMUEnabled {
				continue
			}
			pre, ok := cur.Preintegration.(*imupre.Preintegration)
			if !ok || pre == nil {
				continue
			}

			problem.AddParameterBlock(velBlockID(prev.ID), solver.Vector3Block{V: prev.Velocity})
			problem.AddParameterBlock(accelBiasBlockID(prev.ID), solver.Vector3Block{V: prev.Bias.Accel})
			problem.AddParameterBlock(gyroBiasBlockID(prev.ID), solver.Vector3Block{V: prev.Bias.Gyro})
			problem.AddParameterBlock(velBlockID(cur.ID), solver.Vector3Block{V: cur.Velocity})
			problem.AddParameterBlock(accelBiasBlockID(cur.ID), solver.Vector3Block{V: cur.Bias.Accel})
			problem.AddParameterBlock(gyroBiasBlockID(cur.ID), solver.Vector3Block{V: cur.Bias.Gyro})

			cost := residual.IMUError{Pre: pre, Gravity: gravity}
			if err := problem.AddResidualBlock(cost, nil,
				poseBlockID(prev.ID), velBlockID(prev.ID), accelBiasBlockID(prev.ID), gyroBiasBlockID(prev.ID),
				poseBlockID(cur.ID), velBlockID(cur.ID), accelBiasBlockID(cur.ID), gyroBiasBlockID(cur.ID),
			); err != nil {
				return nil, err
			}
		}
	}

	return problem, nil
}

// writeBackPoses copies every solved pose (and, where present, velocity and
// bias) block back onto its frame. Landmark.Position needs no write-back:
// it is expressed in the reference frame's camera coordinates, so refining
// the reference frame's pose moves the landmark's world position with it.
func writeBackPoses(problem *solver.Problem, activeKFs []*entitygraph.Frame) {
	for _, f := range activeKFs {
		block, err := problem.Block(poseBlockID(f.ID))
		if err != nil {
			continue
		}
		f.Pose = block.(solver.PoseBlock).Pose

		if velBlock, err := problem.Block(velBlockID(f.ID)); err == nil {
			v := velBlock.Ambient()
			f.Velocity = vecFromAmbient(v)
		}
		ba, baErr := problem.Block(accelBiasBlockID(f.ID))
		bg, bgErr := problem.Block(gyroBiasBlockID(f.ID))
		if baErr == nil && bgErr == nil {
			f.Bias = entitygraph.IMUBias{Accel: vecFromAmbient(ba.Ambient()), Gyro: vecFromAmbient(bg.Ambient())}
		}
	}
}

func vecFromAmbient(v []float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

var errNoActiveKeyframes = errors.New("backend: empty window")
