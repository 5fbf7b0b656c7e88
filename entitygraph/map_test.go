package entitygraph

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/viam-modules/lvio-core/se3"
)

func newTestFrame(m *Map, t float64) *Frame {
	return NewFrame(m.NextFrameID(), t, se3.Identity())
}

func TestInsertAndFetchKeyframes(t *testing.T) {
	m := NewMap()
	f1 := newTestFrame(m, 0)
	f2 := newTestFrame(m, 1)
	f3 := newTestFrame(m, 2)

	m.InsertKeyframe(f1)
	m.InsertKeyframe(f2)
	m.InsertKeyframe(f3)

	test.That(t, m.KeyframeCount(), test.ShouldEqual, 3)

	got := m.GetKeyframes(0, KeyframeOptions{})
	test.That(t, len(got), test.ShouldEqual, 3)
	test.That(t, got[0].ID, test.ShouldEqual, f1.ID)
	test.That(t, got[2].ID, test.ShouldEqual, f3.ID)

	test.That(t, m.LatestKeyframe().ID, test.ShouldEqual, f3.ID)
}

func TestGetKeyframesHalfOpenRangeAndMaxCount(t *testing.T) {
	m := NewMap()
	ids := make([]FrameID, 0, 5)
	for i := 0; i < 5; i++ {
		f := newTestFrame(m, float64(i))
		m.InsertKeyframe(f)
		ids = append(ids, f.ID)
	}

	got := m.GetKeyframes(1, KeyframeOptions{End: 4})
	test.That(t, len(got), test.ShouldEqual, 3)
	test.That(t, got[0].ID, test.ShouldEqual, ids[1])
	test.That(t, got[2].ID, test.ShouldEqual, ids[3])

	limited := m.GetKeyframes(0, KeyframeOptions{MaxCount: 2})
	test.That(t, len(limited), test.ShouldEqual, 2)
	test.That(t, limited[0].ID, test.ShouldEqual, ids[0])
	test.That(t, limited[1].ID, test.ShouldEqual, ids[1])
}

func TestGetKeyframesEmptyRangeReturnsEmptyNotPanic(t *testing.T) {
	m := NewMap()
	f := newTestFrame(m, 0)
	m.InsertKeyframe(f)

	got := m.GetKeyframes(100, KeyframeOptions{})
	test.That(t, len(got), test.ShouldEqual, 0)
}

func TestInsertKeyframeOutOfOrderPanics(t *testing.T) {
	m := NewMap()
	f1 := newTestFrame(m, 5)
	f2 := newTestFrame(m, 1)
	m.InsertKeyframe(f1)

	defer func() {
		r := recover()
		test.That(t, r, test.ShouldNotBeNil)
	}()
	m.InsertKeyframe(f2)
}

func TestAttachObservationConsistentBackReferences(t *testing.T) {
	m := NewMap()
	f := newTestFrame(m, 0)
	m.InsertKeyframe(f)

	lm := &Landmark{ID: m.NextLandmarkID(), Position: r3.Vector{X: 1, Y: 2, Z: 3}, ReferenceFrame: f.ID}
	m.InsertLandmark(lm)

	m.AttachObservation(lm, f, Left, r2.Point{X: 10, Y: 20})

	test.That(t, len(lm.Observations), test.ShouldEqual, 1)
	ref := lm.Observations[0]
	test.That(t, ref.FrameID, test.ShouldEqual, f.ID)
	test.That(t, ref.Side, test.ShouldEqual, Left)

	feat, ok := f.FeaturesLeft[lm.ID]
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, feat.LandmarkID, test.ShouldEqual, lm.ID)
	test.That(t, feat.FrameID, test.ShouldEqual, f.ID)
}

func TestAttachObservationBeforeKeyframePromotion(t *testing.T) {
	// The frontend attaches a new keyframe's observations before the frame
	// is promoted into the map; the observation must survive promotion.
	m := NewMap()
	f := NewFrame(m.NextFrameID(), 0, se3.Identity())
	lm := &Landmark{ID: m.NextLandmarkID(), ReferenceFrame: f.ID}
	m.InsertLandmark(lm)

	m.AttachObservation(lm, f, Left, r2.Point{X: 1, Y: 2})
	m.InsertKeyframe(f)

	got, err := m.Frame(f.ID)
	test.That(t, err, test.ShouldBeNil)
	_, ok := got.FeaturesLeft[lm.ID]
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, len(lm.Observations), test.ShouldEqual, 1)
}

func TestRemoveLandmarkLeavesNoDanglingFeatures(t *testing.T) {
	m := NewMap()
	f1 := newTestFrame(m, 0)
	f2 := newTestFrame(m, 1)
	m.InsertKeyframe(f1)
	m.InsertKeyframe(f2)

	lm := &Landmark{ID: m.NextLandmarkID(), ReferenceFrame: f1.ID}
	m.InsertLandmark(lm)
	m.AttachObservation(lm, f1, Left, r2.Point{})
	m.AttachObservation(lm, f2, Right, r2.Point{})

	test.That(t, m.RemoveLandmark(lm.ID), test.ShouldBeNil)

	_, _, ok1 := mustNotHaveFeature(f1, lm.ID, Left)
	_, _, ok2 := mustNotHaveFeature(f2, lm.ID, Right)
	test.That(t, ok1, test.ShouldBeFalse)
	test.That(t, ok2, test.ShouldBeFalse)

	_, err := m.Landmark(lm.ID)
	test.That(t, err, test.ShouldNotBeNil)
}

func mustNotHaveFeature(f *Frame, id LandmarkID, side Side) (*Feature, FrameID, bool) {
	feat, ok := f.FeatureTable(side)[id]
	return feat, f.ID, ok
}

func TestRemoveLandmarkUnknownIDErrors(t *testing.T) {
	m := NewMap()
	err := m.RemoveLandmark(LandmarkID(12345))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDetachFeatureRemovesOnlyThatObservation(t *testing.T) {
	m := NewMap()
	f1 := newTestFrame(m, 0)
	f2 := newTestFrame(m, 1)
	m.InsertKeyframe(f1)
	m.InsertKeyframe(f2)

	lm := &Landmark{ID: m.NextLandmarkID(), ReferenceFrame: f1.ID}
	m.InsertLandmark(lm)
	m.AttachObservation(lm, f1, Left, r2.Point{})
	m.AttachObservation(lm, f2, Left, r2.Point{})
	test.That(t, len(lm.Observations), test.ShouldEqual, 2)

	m.DetachFeature(lm, f2.ID, Left)

	_, ok := f1.FeatureTable(Left)[lm.ID]
	test.That(t, ok, test.ShouldBeTrue)
	_, ok = f2.FeatureTable(Left)[lm.ID]
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, len(lm.Observations), test.ShouldEqual, 1)
	test.That(t, lm.Observations[0].FrameID, test.ShouldEqual, f1.ID)
}

func TestResetClearsGraphButKeepsIDCounters(t *testing.T) {
	m := NewMap()
	f := newTestFrame(m, 0)
	m.InsertKeyframe(f)
	lm := &Landmark{ID: m.NextLandmarkID()}
	m.InsertLandmark(lm)

	nextFrameBefore := m.NextFrameID()
	m.Reset()

	test.That(t, m.KeyframeCount(), test.ShouldEqual, 0)
	_, err := m.Frame(f.ID)
	test.That(t, err, test.ShouldNotBeNil)

	nextFrameAfter := m.NextFrameID()
	test.That(t, nextFrameAfter, test.ShouldBeGreaterThan, nextFrameBefore)
}

func TestZeroObservationLandmarkCanBeInsertedAndFetched(t *testing.T) {
	m := NewMap()
	lm := &Landmark{ID: m.NextLandmarkID()}
	m.InsertLandmark(lm)

	test.That(t, len(lm.Observations), test.ShouldEqual, 0)
	got, err := m.Landmark(lm.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(got.Observations), test.ShouldEqual, 0)
}
