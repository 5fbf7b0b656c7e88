package backend

import (
	"math"

	"github.com/viam-modules/lvio-core/entitygraph"
)

// removeOutliers reprojects every left-image feature in every active
// keyframe with the just-refined pose and position; a feature more than
// outlierReprojectionPx off, on a keyframe that isn't the landmark's own
// reference frame, is detached. A landmark left with at most one
// observation, and not observed by the live (most recent) frame, is removed
// entirely.
func (b *Backend) removeOutliers(activeKFs []*entitygraph.Frame) {
	if len(activeKFs) == 0 {
		return
	}
	liveFrameID := activeKFs[len(activeKFs)-1].ID

	touched := make(map[entitygraph.LandmarkID]bool)
	for _, f := range activeKFs {
		for lmID, feat := range f.FeaturesLeft {
			lm, err := b.graph.Landmark(lmID)
			if err != nil {
				continue
			}
			if lm.ReferenceFrame == f.ID {
				continue // the reference observation defines the landmark; never detach it
			}
			refFrame, err := b.graph.Frame(lm.ReferenceFrame)
			if err != nil {
				continue
			}

			worldPt := refFrame.Pose.Transform(lm.Position)
			camPt := f.Pose.Inverse().Transform(worldPt)
			proj, depth := b.calib.Project(camPt)
			if depth <= 0 {
				continue
			}
			errPx := math.Hypot(proj.X-feat.Keypoint.X, proj.Y-feat.Keypoint.Y)
			if errPx > outlierReprojectionPx {
				b.graph.DetachFeature(lm, f.ID, entitygraph.Left)
				touched[lmID] = true
			}
		}
	}

	for lmID := range touched {
		lm, err := b.graph.Landmark(lmID)
		if err != nil {
			continue
		}
		if len(lm.Observations) > 1 {
			continue
		}
		if observesLive(lm, liveFrameID) {
			continue
		}
		_ = b.graph.RemoveLandmark(lmID)
	}
}

func observesLive(lm *entitygraph.Landmark, live entitygraph.FrameID) bool {
	for _, ref := range lm.Observations {
		if ref.FrameID == live {
			return true
		}
	}
	return false
}
