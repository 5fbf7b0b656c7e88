// Package frontend implements the per-frame tracking state machine: bootstrap
// via stereo initialization, Lucas-Kanade-style tracking against the
// previous frame, PnP-RANSAC pose refinement, keyframe promotion, and
// loss/reset handling.
package frontend

import (
	"image"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.uber.org/zap"

	"github.com/viam-modules/lvio-core/config"
	"github.com/viam-modules/lvio-core/entitygraph"
	"github.com/viam-modules/lvio-core/se3"
)

// State is the tracker's top-level status.
type State int

const (
	// Building is the tracker's pre-init state, before any frame arrives.
	Building State = iota
	// Initializing attempts stereo_init on every incoming frame.
	Initializing
	// TrackingGood is sustained tracking with a healthy inlier count.
	TrackingGood
	// TrackingBad is tracking with a degraded, but nonzero, inlier count.
	TrackingBad
	// TrackingTry is a transient failure; up to 4 consecutive occurrences
	// before the tracker declares Lost.
	TrackingTry
	// Lost triggers a full reset back to Initializing.
	Lost
)

// String renders the state for logging.
func (s State) String() string {
	switch s {
	case Building:
		return "BUILDING"
	case Initializing:
		return "INITIALIZING"
	case TrackingGood:
		return "TRACKING_GOOD"
	case TrackingBad:
		return "TRACKING_BAD"
	case TrackingTry:
		return "TRACKING_TRY"
	case Lost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// maxConsecutiveTry is the number of consecutive TrackingTry classifications
// tolerated before the tracker declares Lost.
const maxConsecutiveTry = 4

// StereoCalibration is the constant-per-session stereo extrinsic/intrinsic
// pair the frontend needs to triangulate new landmarks: the left-right
// baseline, not the camera-to-IMU extrinsic (see imupre's package doc for
// how the camera and IMU frames are related).
type StereoCalibration struct {
	K        Intrinsics
	Baseline float64 // meters, left-to-right
}

// Intrinsics is a pinhole camera model with no distortion.
type Intrinsics struct {
	Fx, Fy float64
	Cx, Cy float64
}

// Resetter is the pause/resume handshake the tracker drives around a hard
// reset, so the backend never observes a half-cleared map. The tracker
// depends on this narrow interface rather than importing the coordinator
// package directly.
type Resetter interface {
	Pause()
	Continue()
}

// Tracker is the frontend state machine. One Tracker owns one Map and
// serializes every mutation behind its own mutex, which the backend's
// forward_propagate also acquires.
type Tracker struct {
	mu sync.Mutex

	cfg    config.Config
	calib  StereoCalibration
	flow   FlowEstimator
	pnp    PoseEstimator
	logger *zap.SugaredLogger

	graph *entitygraph.Map

	state          State
	lastFrame      *entitygraph.Frame
	relativeMotion se3.Pose
	consecutiveTry int

	positionCache map[entitygraph.LandmarkID]r3.Vector

	coordinator    Resetter
	lastKeyframeID entitygraph.FrameID
}

// New returns a Tracker in the Building state.
func New(graph *entitygraph.Map, cfg config.Config, calib StereoCalibration, flow FlowEstimator, pnp PoseEstimator, coordinator Resetter, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{
		cfg:            cfg,
		calib:          calib,
		flow:           flow,
		pnp:            pnp,
		coordinator:    coordinator,
		logger:         logger,
		graph:          graph,
		state:          Building,
		relativeMotion: se3.Identity(),
		positionCache:  make(map[entitygraph.LandmarkID]r3.Vector),
	}
}

// State returns the tracker's current status.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StereoPair is one synchronized stereo capture handed to AddFrame.
type StereoPair struct {
	Time  float64
	Left  *image.Gray
	Right *image.Gray
	// Preintegration is the accumulation of every IMU sample strictly
	// between the previous frame and this one, or nil if none arrived.
	// Callers own accumulating samples between frames; the tracker only
	// attaches it.
	Preintegration entitygraph.Preintegrator
}

// AddFrame drives the state machine on one new frame. A frame arriving
// after a hard loss first resets the session (backend paused, map cleared,
// backend resumed), then runs through stereo initialization like the first
// frame of a session.
func (t *Tracker) AddFrame(pair StereoPair) error {
	if t.State() == Lost {
		t.resetSession()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Building {
		t.state = Initializing
	}

	frame := entitygraph.NewFrame(t.graph.NextFrameID(), pair.Time, se3.Identity())
	frame.ImageLeft, frame.ImageRight = pair.Left, pair.Right
	frame.Preintegration = pair.Preintegration
	frame.LastKeyframe = t.lastKeyframeID

	if t.state == Initializing {
		if t.stereoInit(frame) {
			t.state = TrackingGood
			t.graph.InsertKeyframe(frame)
			t.lastKeyframeID = frame.ID
			t.lastFrame = frame
			t.updateCacheLocked()
		}
		return nil
	}
	return t.track(frame)
}

// stereoMatch is one accepted left/right correspondence with its
// triangulated position in the left camera frame.
type stereoMatch struct {
	left, right r2.Point
	point       r3.Vector
}

// stereoInit bootstraps the map from a single stereo pair: detects features
// on the left image, matches each into the right image, triangulates, and
// accepts if at least NumFeaturesInit matches survive. Landmarks are only
// created once the whole set is known to be large enough, so a failed
// bootstrap attempt leaves nothing behind in the map.
func (t *Tracker) stereoInit(frame *entitygraph.Frame) bool {
	keypoints := detectFeatures(frame.ImageLeft, nil, t.cfg.NumFeatures)
	matches := make([]stereoMatch, 0, len(keypoints))
	for _, kp := range keypoints {
		matched, ok := t.flow.MatchStereo(frame.ImageLeft, frame.ImageRight, kp)
		if !ok {
			continue
		}
		point, ok := triangulateStereo(t.calib, kp, matched)
		if !ok {
			continue
		}
		matches = append(matches, stereoMatch{left: kp, right: matched, point: point})
	}
	if len(matches) < t.cfg.NumFeaturesInit {
		return false
	}

	for _, m := range matches {
		lm := &entitygraph.Landmark{ID: t.graph.NextLandmarkID(), Position: m.point, ReferenceFrame: frame.ID}
		t.graph.InsertLandmark(lm)
		t.graph.AttachObservation(lm, frame, entitygraph.Left, m.left)
		t.graph.AttachObservation(lm, frame, entitygraph.Right, m.right)
	}
	return true
}

// track predicts the new frame's pose from the last relative motion, tracks
// features forward via optical flow, refines the pose with PnP-RANSAC, and
// classifies the result by inlier count.
func (t *Tracker) track(frame *entitygraph.Frame) error {
	frame.Pose = se3.Compose(t.relativeMotion, t.lastFrame.Pose)

	correspondences := t.flow.Track(t.lastFrame, frame)

	points3D := make([]r3.Vector, 0, len(correspondences))
	points2D := make([]r2.Point, 0, len(correspondences))
	landmarkIDs := make([]entitygraph.LandmarkID, 0, len(correspondences))
	for _, c := range correspondences {
		world, ok := t.positionCache[c.LandmarkID]
		if !ok {
			continue
		}
		points3D = append(points3D, world)
		points2D = append(points2D, c.Keypoint)
		landmarkIDs = append(landmarkIDs, c.LandmarkID)
	}

	pose, inliers := t.pnp.EstimatePose(t.calib.K, points3D, points2D, frame.Pose)
	frame.Pose = pose

	// Inlier features attach to the frame only; their landmarks gain an
	// observation back-reference when (and if) this frame is promoted to a
	// keyframe, so transient frames never appear in an observation list.
	for _, idx := range inliers {
		frame.AddFeature(landmarkIDs[idx], points2D[idx], entitygraph.Left)
	}

	n := len(inliers)
	switch {
	case n > t.cfg.NumFeaturesTracking:
		t.state = TrackingGood
		t.consecutiveTry = 0
	case n > t.cfg.NumFeaturesBad:
		t.state = TrackingBad
		t.consecutiveTry = 0
	default:
		t.state = TrackingTry
		t.consecutiveTry++
		if t.consecutiveTry >= maxConsecutiveTry {
			t.state = Lost
		}
	}

	madeKeyframe := false
	if n < t.cfg.NumFeaturesNeededForKeyframe {
		t.createKeyframe(frame)
		madeKeyframe = true
	}

	t.relativeMotion = se3.Compose(frame.Pose, t.lastFrame.Pose.Inverse())
	t.lastFrame = frame
	if madeKeyframe {
		// Rebuilt only now that frame is the live frame, so the cache picks
		// up the landmarks triangulated during promotion.
		t.updateCacheLocked()
	}
	return nil
}

// createKeyframe promotes frame to a keyframe: it records an observation of
// every feature already tracked into this frame, detects and triangulates
// new landmarks to fill out the target feature count, and inserts the frame
// into the map (which notifies the backend).
func (t *Tracker) createKeyframe(frame *entitygraph.Frame) {
	existing := make([]r2.Point, 0, len(frame.FeaturesLeft))
	for lmID, feat := range frame.FeaturesLeft {
		existing = append(existing, feat.Keypoint)
		lm, err := t.graph.Landmark(lmID)
		if err != nil {
			continue
		}
		t.graph.AttachObservation(lm, frame, entitygraph.Left, feat.Keypoint)
	}

	maxNew := t.cfg.NumFeatures - len(frame.FeaturesLeft)
	if maxNew > 0 {
		newKeypoints := detectFeatures(frame.ImageLeft, existing, maxNew)
		for _, kp := range newKeypoints {
			matched, ok := t.flow.MatchStereo(frame.ImageLeft, frame.ImageRight, kp)
			if !ok {
				continue
			}
			point, ok := triangulateStereo(t.calib, kp, matched)
			if !ok {
				continue
			}
			lm := &entitygraph.Landmark{ID: t.graph.NextLandmarkID(), Position: point, ReferenceFrame: frame.ID}
			t.graph.InsertLandmark(lm)
			t.graph.AttachObservation(lm, frame, entitygraph.Left, kp)
			t.graph.AttachObservation(lm, frame, entitygraph.Right, matched)
		}
	}

	t.graph.InsertKeyframe(frame)
	t.lastKeyframeID = frame.ID
}

// resetSession handles a hard tracking loss: pause the backend so it cannot
// observe a half-cleared map, drop all map state, resume it, and return the
// tracker to Initializing. The backend is paused before the tracker mutex is
// taken, so an in-flight forward propagation (which holds the tracker mutex
// for its rewrite) can drain instead of deadlocking against this reset.
func (t *Tracker) resetSession() {
	t.coordinator.Pause()

	t.mu.Lock()
	t.graph.Reset()
	t.state = Initializing
	t.lastFrame = nil
	t.lastKeyframeID = entitygraph.NoFrame
	t.relativeMotion = se3.Identity()
	t.consecutiveTry = 0
	t.positionCache = make(map[entitygraph.LandmarkID]r3.Vector)
	t.mu.Unlock()

	t.coordinator.Continue()
	if t.logger != nil {
		t.logger.Warn("tracking lost, map reset")
	}
}

// LastFrame returns the most recently tracked frame, or nil before the
// tracker has bootstrapped. Used by the backend's forward_propagate to find
// the current live frame.
func (t *Tracker) LastFrame() *entitygraph.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFrame
}

// ForwardPropagate freezes tracking while fn rewrites keyframe poses: the
// tracker mutex is held for fn's whole lifetime, so a frame can never be
// tracked against half-rewritten estimates. fn receives the live frame (nil
// before bootstrap) and returns the refined IMU bias to install as the live
// estimate; the landmark position cache is then rebuilt before the mutex is
// released, so the next PnP solve sees the refined world coordinates.
func (t *Tracker) ForwardPropagate(fn func(live *entitygraph.Frame) entitygraph.IMUBias) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bias := fn(t.lastFrame)
	if t.lastFrame != nil {
		t.lastFrame.Bias = bias
	}
	t.updateCacheLocked()
}

// UpdateCache recomputes the landmark position cache from the live frame's
// left-image features.
func (t *Tracker) UpdateCache() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updateCacheLocked()
}

func (t *Tracker) updateCacheLocked() {
	if t.lastFrame == nil {
		return
	}
	cache := make(map[entitygraph.LandmarkID]r3.Vector, len(t.lastFrame.FeaturesLeft))
	for landmarkID := range t.lastFrame.FeaturesLeft {
		lm, err := t.graph.Landmark(landmarkID)
		if err != nil {
			continue
		}
		refFrame, err := t.graph.Frame(lm.ReferenceFrame)
		if err != nil {
			continue
		}
		cache[landmarkID] = refFrame.Pose.Transform(lm.Position)
	}
	t.positionCache = cache
}
