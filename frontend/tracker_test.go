package frontend

import (
	"testing"

	"go.uber.org/zap"
	"go.viam.com/test"

	"github.com/viam-modules/lvio-core/config"
	"github.com/viam-modules/lvio-core/entitygraph"
)

type noopCoordinator struct{}

func (noopCoordinator) Pause()    {}
func (noopCoordinator) Continue() {}

func testConfig() config.Config {
	return config.Config{
		NumFeatures:                  40,
		NumFeaturesInit:              10,
		NumFeaturesTracking:          20,
		NumFeaturesBad:               10,
		NumFeaturesNeededForKeyframe: 5,
		WindowSize:                   10,
		NumThreads:                   1,
	}
}

func testCalib() StereoCalibration {
	return StereoCalibration{K: Intrinsics{Fx: 500, Fy: 500, Cx: 100, Cy: 75}, Baseline: 0.5}
}

func newTestTracker() *Tracker {
	graph := entitygraph.NewMap()
	logger := zap.NewNop().Sugar()
	return New(graph, testConfig(), testCalib(), PatchFlow{}, NewRansacPnP(), noopCoordinator{}, logger)
}

const (
	testImgW = 200
	testImgH = 150
	testDisp = 16
)

func TestAddFrameBootstrapsToTrackingGood(t *testing.T) {
	tr := newTestTracker()

	left := syntheticTexture(testImgW, testImgH)
	right := shiftedTexture(testImgW, testImgH, testDisp)

	err := tr.AddFrame(StereoPair{Time: 0, Left: left, Right: right})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, tr.State(), test.ShouldEqual, TrackingGood)
	test.That(t, tr.graph.KeyframeCount(), test.ShouldEqual, 1)
}

func TestAddFrameWithNoTextureStaysInitializing(t *testing.T) {
	tr := newTestTracker()

	flat := syntheticFlatImage(testImgW, testImgH)
	err := tr.AddFrame(StereoPair{Time: 0, Left: flat, Right: flat})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, tr.State(), test.ShouldEqual, Initializing)
	test.That(t, tr.graph.KeyframeCount(), test.ShouldEqual, 0)
}

func TestUpdateCacheNoOpBeforeAnyFrame(t *testing.T) {
	tr := newTestTracker()
	tr.UpdateCache()
	test.That(t, len(tr.positionCache), test.ShouldEqual, 0)
}
