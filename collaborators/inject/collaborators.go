// Package inject provides embed-and-override fakes for the collaborators
// interfaces, following sensors/inject's and cartofacade/inject's
// mock-by-embedding pattern: each fake embeds the real interface (nil
// unless a test wraps one) and exposes a *Func field per method, falling
// back to the embedded implementation when the field is unset.
package inject

import (
	"context"

	"github.com/viam-modules/lvio-core/collaborators"
	"github.com/viam-modules/lvio-core/entitygraph"
	"github.com/viam-modules/lvio-core/se3"
)

// LidarMapping is an injected collaborators.LidarMapping.
type LidarMapping struct {
	collaborators.LidarMapping
	OptimizeFunc func(ctx context.Context, activeKFs []*entitygraph.Frame) error
}

// Optimize calls the injected OptimizeFunc or the embedded implementation.
func (l *LidarMapping) Optimize(ctx context.Context, activeKFs []*entitygraph.Frame) error {
	if l.OptimizeFunc == nil {
		return l.LidarMapping.Optimize(ctx, activeKFs)
	}
	return l.OptimizeFunc(ctx, activeKFs)
}

// Navsat is an injected collaborators.Navsat.
type Navsat struct {
	collaborators.Navsat
	OptimizeFunc func(ctx context.Context, latest float64) (float64, bool, error)
}

// Optimize calls the injected OptimizeFunc or the embedded implementation.
func (n *Navsat) Optimize(ctx context.Context, latest float64) (float64, bool, error) {
	if n.OptimizeFunc == nil {
		return n.Navsat.Optimize(ctx, latest)
	}
	return n.OptimizeFunc(ctx, latest)
}

// PoseGraph is an injected collaborators.PoseGraph.
type PoseGraph struct {
	collaborators.PoseGraph
	PropagateFunc        func(transform se3.Pose, frames []*entitygraph.Frame)
	ForwardPropagateFunc func(section []*entitygraph.Frame)
	AddSubmapFunc        func(section []*entitygraph.Frame)
}

// Propagate calls the injected PropagateFunc or the embedded implementation.
func (p *PoseGraph) Propagate(transform se3.Pose, frames []*entitygraph.Frame) {
	if p.PropagateFunc == nil {
		p.PoseGraph.Propagate(transform, frames)
		return
	}
	p.PropagateFunc(transform, frames)
}

// ForwardPropagate calls the injected ForwardPropagateFunc or the embedded
// implementation.
func (p *PoseGraph) ForwardPropagate(section []*entitygraph.Frame) {
	if p.ForwardPropagateFunc == nil {
		p.PoseGraph.ForwardPropagate(section)
		return
	}
	p.ForwardPropagateFunc(section)
}

// AddSubmap calls the injected AddSubmapFunc or the embedded implementation.
func (p *PoseGraph) AddSubmap(section []*entitygraph.Frame) {
	if p.AddSubmapFunc == nil {
		p.PoseGraph.AddSubmap(section)
		return
	}
	p.AddSubmapFunc(section)
}
