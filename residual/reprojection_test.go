package residual

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/viam-modules/lvio-core/se3"
	"github.com/viam-modules/lvio-core/solver"
)

var testK = Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}

func TestPoseOnlyReprojectionZeroAtExactObservation(t *testing.T) {
	pose := se3.Identity()
	point := r3.Vector{X: 0, Y: 0, Z: 5}
	proj, _ := testK.project(pose.Inverse().Transform(point))

	r := PoseOnlyReprojection{K: testK, Point: point, Observed: proj}
	res, jac := r.Evaluate([][]float64{solver.PoseBlock{Pose: pose}.Ambient()})

	test.That(t, res[0], test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, res[1], test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, len(jac[0]), test.ShouldEqual, 12)
}

func TestTwoFrameReprojectionZeroWhenPosesConsistent(t *testing.T) {
	// The landmark lives in refPose's camera coordinates; when the observing
	// frame sits where the projection was taken from, the residual vanishes.
	refPose := se3.NewPose(se3.ExpSO3(r3.Vector{Z: 0.1}), r3.Vector{X: 0.5})
	pose := refPose
	point := r3.Vector{X: 0.1, Y: -0.2, Z: 4}
	proj, _ := testK.project(point)

	r := TwoFrameReprojection{K: testK, Point: point, Observed: proj}
	res, jacs := r.Evaluate([][]float64{
		solver.PoseBlock{Pose: refPose}.Ambient(),
		solver.PoseBlock{Pose: pose}.Ambient(),
	})

	test.That(t, res[0], test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, res[1], test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, len(jacs), test.ShouldEqual, 2)
	test.That(t, len(jacs[1]), test.ShouldEqual, 12)
}

func TestIMUErrorResidualDim(t *testing.T) {
	test.That(t, IMUError{}.ResidualDim(), test.ShouldEqual, 15)
	test.That(t, IMUErrorG{}.ResidualDim(), test.ShouldEqual, 9)
}

func TestPosePriorZeroAtTarget(t *testing.T) {
	target := se3.NewPose(se3.ExpSO3(r3.Vector{Z: 0.3}), r3.Vector{X: 1, Y: 2, Z: 3})
	prior := PosePrior{Target: target}

	res, _ := prior.Evaluate([][]float64{solver.PoseBlock{Pose: target}.Ambient()})
	for _, v := range res {
		test.That(t, v, test.ShouldAlmostEqual, 0, 1e-9)
	}
}

func TestVelocityPriorLinear(t *testing.T) {
	prior := VelocityPrior{Target: r3.Vector{X: 1, Y: 2, Z: 3}}
	res, jac := prior.Evaluate([][]float64{solver.Vector3Block{V: r3.Vector{X: 1, Y: 2, Z: 4}}.Ambient()})

	test.That(t, res[2], test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, jac[0][8], test.ShouldAlmostEqual, 1, 1e-9)
}
