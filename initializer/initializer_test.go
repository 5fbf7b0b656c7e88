package initializer

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"
	"go.viam.com/test"

	"github.com/viam-modules/lvio-core/entitygraph"
	"github.com/viam-modules/lvio-core/imupre"
	"github.com/viam-modules/lvio-core/se3"
)

// restingPreintegration returns a Preintegration over dt seconds of samples
// at rest (zero acceleration in the body frame cancels gravity, zero
// angular velocity), so the resulting delta predicts a stationary,
// non-rotating body given the right bias.
func restingPreintegration(dt float64, n int) *imupre.Preintegration {
	pre := imupre.New(imupre.Bias{}, 0.01, 0.001)
	step := dt / float64(n)
	accelUp := r3.Vector{Z: -imupre.Gravity.Z} // cancels gravity in the body frame
	t := 0.0
	for i := 0; i < n; i++ {
		t += step
		pre.Append(step, imupre.Sample{Time: t, LinearAcceleration: accelUp, AngularVelocity: r3.Vector{}})
	}
	return pre
}

func stationaryKeyframes(count int, dt float64) []*entitygraph.Frame {
	frames := make([]*entitygraph.Frame, count)
	for i := 0; i < count; i++ {
		f := entitygraph.NewFrame(entitygraph.FrameID(i+1), float64(i)*dt, se3.Identity())
		if i > 0 {
			f.Preintegration = restingPreintegration(dt, 20)
		}
		frames[i] = f
	}
	return frames
}

func TestAttemptSkipsBeforeFiveSeconds(t *testing.T) {
	in := New(Config{NumFrames: 3, ValidTime: 0}, zap.NewNop().Sugar())
	frames := stationaryKeyframes(5, 1.0) // spans 0..4s
	ran, err := in.Attempt(frames, 4.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ran, test.ShouldBeFalse)
	test.That(t, in.Initialized(), test.ShouldBeFalse)
}

func TestAttemptConvergesInStageAWindow(t *testing.T) {
	in := New(Config{NumFrames: 3, ValidTime: 0}, zap.NewNop().Sugar())
	frames := stationaryKeyframes(10, 1.0) // spans 0..9s

	ran, err := in.Attempt(frames, 9.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ran, test.ShouldBeTrue)
	test.That(t, in.Initialized(), test.ShouldBeTrue)

	for _, f := range frames {
		test.That(t, f.Bias.Accel.Norm(), test.ShouldBeLessThan, 1.0)
	}
	for _, f := range frames[1:] {
		test.That(t, f.IMUEnabled, test.ShouldBeTrue)
	}
}

func TestAttemptRequiresEnoughPreintegratedFrames(t *testing.T) {
	in := New(Config{NumFrames: 50, ValidTime: 0}, zap.NewNop().Sugar())
	frames := stationaryKeyframes(10, 1.0)

	ran, err := in.Attempt(frames, 9.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ran, test.ShouldBeFalse)
	test.That(t, in.Initialized(), test.ShouldBeFalse)
}

func TestAttemptDoesNotRetriggerStageATwice(t *testing.T) {
	in := New(Config{NumFrames: 3, ValidTime: 0}, zap.NewNop().Sugar())
	frames := stationaryKeyframes(10, 1.0)

	ran1, err := in.Attempt(frames, 9.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ran1, test.ShouldBeTrue)

	// Calling again at the same time should not re-run: the success moved
	// Tinit to 9s, so the elapsed time is 0s, below stage A's 5s.
	ran2, err := in.Attempt(frames, 9.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ran2, test.ShouldBeFalse)
}

func TestAttemptRunsStageBFifteenSecondsAfterStageA(t *testing.T) {
	in := New(Config{NumFrames: 3, ValidTime: 0}, zap.NewNop().Sugar())
	frames := stationaryKeyframes(25, 1.0) // spans 0..24s

	// Stage A runs against the first 10 keyframes (0..9s).
	ran1, err := in.Attempt(frames[:10], 9.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ran1, test.ShouldBeTrue)
	test.That(t, in.initA, test.ShouldBeTrue)
	test.That(t, in.initB, test.ShouldBeFalse)

	// Stage B's schedule is relative to Tinit, which stage A just set to
	// 9s; it needs a further 15s before it is eligible.
	ran2, err := in.Attempt(frames[:25], 24.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ran2, test.ShouldBeTrue)
	test.That(t, in.initB, test.ShouldBeTrue)
}
