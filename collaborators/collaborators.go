// Package collaborators declares the narrow interfaces through which the
// core reaches external subsystems out of its own scope: LiDAR mapping,
// GNSS/navsat alignment, and pose-graph loop closure. The core never
// depends on a concrete implementation of any of these, only on the
// interfaces here, so it can be exercised end to end (and so this module
// can ship) without any of the three subsystems actually existing.
package collaborators

import (
	"context"

	"github.com/viam-modules/lvio-core/entitygraph"
	"github.com/viam-modules/lvio-core/se3"
)

// LidarMapping optimizes the poses of a window of active keyframes using a
// LiDAR-based mapping subsystem the core knows nothing about.
type LidarMapping interface {
	Optimize(ctx context.Context, activeKFs []*entitygraph.Frame) error
}

// Navsat aligns a window of keyframes against GNSS ground truth. When ok is
// true, the backend re-expresses every keyframe at or after startTime in the
// (possibly shifted) world frame.
type Navsat interface {
	Optimize(ctx context.Context, latest float64) (startTime float64, ok bool, err error)
}

// PoseGraph is the loop-closure / relocalization collaborator. Propagate is
// the one method the core itself calls; ForwardPropagate and AddSubmap are
// declared for interface completeness only — they belong to the pose-graph
// subsystem's own internal loop-closure bookkeeping and are never invoked
// by this module.
type PoseGraph interface {
	// Propagate left-multiplies every frame's pose by transform.
	Propagate(transform se3.Pose, frames []*entitygraph.Frame)
	// ForwardPropagate folds a closed loop's correction into a section of
	// the trajectory outside the active optimization window.
	ForwardPropagate(section []*entitygraph.Frame)
	// AddSubmap registers a window of keyframes as a submap candidate for
	// future loop-closure detection.
	AddSubmap(section []*entitygraph.Frame)
}
