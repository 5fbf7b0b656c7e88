package inject

import (
	"context"
	"testing"

	"go.viam.com/test"

	"github.com/viam-modules/lvio-core/entitygraph"
	"github.com/viam-modules/lvio-core/se3"
)

func TestLidarMappingUsesInjectedFunc(t *testing.T) {
	called := false
	m := &LidarMapping{OptimizeFunc: func(ctx context.Context, kfs []*entitygraph.Frame) error {
		called = true
		return nil
	}}
	err := m.Optimize(context.Background(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, called, test.ShouldBeTrue)
}

func TestNavsatUsesInjectedFunc(t *testing.T) {
	n := &Navsat{OptimizeFunc: func(ctx context.Context, latest float64) (float64, bool, error) {
		return 5.0, true, nil
	}}
	start, ok, err := n.Optimize(context.Background(), 10.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, start, test.ShouldEqual, 5.0)
}

func TestPoseGraphUsesInjectedFuncs(t *testing.T) {
	var propagated bool
	pg := &PoseGraph{PropagateFunc: func(transform se3.Pose, frames []*entitygraph.Frame) {
		propagated = true
	}}
	pg.Propagate(se3.Identity(), nil)
	test.That(t, propagated, test.ShouldBeTrue)
}
