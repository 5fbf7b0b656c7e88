// Package entitygraph owns the frame/feature/landmark entity graph shared by
// the frontend and backend: the sliding window's single source of truth for
// keyframes, their feature observations, and the sparse landmark map.
//
// Map owns Frames and Landmarks; a Frame owns its own Features; every
// cross-reference (Feature -> Frame/Landmark, Landmark -> reference Frame,
// Landmark -> observing Features) is a plain integer id, never a pointer, so
// the graph can be cyclic without leaking or requiring a garbage collector to
// reason about reference cycles.
package entitygraph

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/viam-modules/lvio-core/se3"
)

// FrameID identifies a Frame. IDs are monotonically increasing within a
// session and are never reused, even across Reset.
type FrameID uint64

// LandmarkID identifies a Landmark, with the same monotonic-never-reused
// discipline as FrameID.
type LandmarkID uint64

// NoFrame is the sentinel FrameID meaning "no such frame", used for
// Frame.LastKeyframe on the very first keyframe of a session.
const NoFrame FrameID = 0

// Side identifies the stereo image a Feature was observed in.
type Side int

const (
	// Left is the left (primary) stereo image.
	Left Side = iota
	// Right is the right stereo image.
	Right
)

// IMUBias is the accelerometer/gyroscope bias pair carried on every Frame
// once IMU residuals are active.
type IMUBias struct {
	Accel r3.Vector
	Gyro  r3.Vector
}

// BoundingBox is an informational semantic detection attached to a Frame.
// The core never interprets its contents.
type BoundingBox struct {
	Label string
	MinX  float64
	MinY  float64
	MaxX  float64
	MaxY  float64
}

// Feature is one observation of a Landmark in a specific Frame/image side.
// It is owned inline by its Frame's feature table; FrameID and LandmarkID
// are non-owning back-references.
type Feature struct {
	FrameID    FrameID
	LandmarkID LandmarkID
	Keypoint   r2.Point
	Side       Side
}

// Preintegrator is the narrow view of imupre.Preintegration that Frame needs;
// declared here rather than importing the imupre package, so entitygraph
// does not depend on imupre; Frame only needs the integrated time span.
type Preintegrator interface {
	SumDt() float64
}

// Frame is one stereo capture, tracked or promoted to a keyframe.
type Frame struct {
	ID   FrameID
	Time float64 // seconds, monotonic within a session

	Pose     se3.Pose
	Velocity r3.Vector // valid only once IMUEnabled
	Bias     IMUBias

	// ImageLeft/ImageRight are weak/shared: the frontend drops them once
	// tracking against the next frame is done, unless this frame is
	// promoted to a keyframe.
	ImageLeft  *image.Gray
	ImageRight *image.Gray

	FeaturesLeft  map[LandmarkID]*Feature
	FeaturesRight map[LandmarkID]*Feature

	Preintegration Preintegrator
	LastKeyframe   FrameID

	IMUEnabled bool
	Objects    []BoundingBox
}

// NewFrame allocates a Frame with empty feature tables.
func NewFrame(id FrameID, t float64, pose se3.Pose) *Frame {
	return &Frame{
		ID:            id,
		Time:          t,
		Pose:          pose,
		LastKeyframe:  NoFrame,
		FeaturesLeft:  make(map[LandmarkID]*Feature),
		FeaturesRight: make(map[LandmarkID]*Feature),
	}
}

// FeatureTable returns the feature map for the given side.
func (f *Frame) FeatureTable(side Side) map[LandmarkID]*Feature {
	if side == Left {
		return f.FeaturesLeft
	}
	return f.FeaturesRight
}

// AddFeature attaches a feature observation to the frame, keyed by the
// landmark it observes: at most one feature per landmark per side.
func (f *Frame) AddFeature(landmarkID LandmarkID, kp r2.Point, side Side) *Feature {
	feat := &Feature{FrameID: f.ID, LandmarkID: landmarkID, Keypoint: kp, Side: side}
	f.FeatureTable(side)[landmarkID] = feat
	return feat
}

// RemoveFeature detaches the feature observing landmarkID on the given side,
// if present. It does not touch the landmark's observation list; callers
// that also need to detach from the Landmark should use Map.DetachFeature.
func (f *Frame) RemoveFeature(landmarkID LandmarkID, side Side) {
	delete(f.FeatureTable(side), landmarkID)
}

// FeatureRef is a non-owning reference to a Feature: which Frame and side it
// lives on. Landmark.Observations holds these instead of pointers so a
// Landmark never outlives the Frame it references via a dangling pointer;
// resolving a FeatureRef always goes back through the Map.
type FeatureRef struct {
	FrameID FrameID
	Side    Side
}

// Landmark is a triangulated 3D point, expressed in the camera coordinate
// frame of ReferenceFrame.
type Landmark struct {
	ID             LandmarkID
	Position       r3.Vector
	ReferenceFrame FrameID
	Observations   []FeatureRef // ordered by observation time (insertion order)
	Label          string
}
