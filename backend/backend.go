// Package backend implements the sliding-window optimizer: a dedicated
// worker goroutine that waits for the coordinator to signal new committed
// keyframes, builds and solves a windowed bundle-adjustment-plus-inertial
// problem, recovers its gauge freedom, prunes outlier observations, notifies
// the external mapping/GNSS collaborators, and forward-propagates the result
// onto frames outside the window.
package backend

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/lvio-core/collaborators"
	"github.com/viam-modules/lvio-core/config"
	"github.com/viam-modules/lvio-core/coordinator"
	"github.com/viam-modules/lvio-core/entitygraph"
	"github.com/viam-modules/lvio-core/frontend"
	"github.com/viam-modules/lvio-core/initializer"
	"github.com/viam-modules/lvio-core/residual"
	"github.com/viam-modules/lvio-core/se3"
	"github.com/viam-modules/lvio-core/solver"
)

// outlierReprojectionPx is the reprojection-error threshold beyond which a
// feature is detached from its landmark during outlier cleanup.
const outlierReprojectionPx = 10.0

// propagateEpsilon nudges forward_propagate's lower time bound past the
// window's end so the last optimized keyframe isn't also re-solved as part
// of the forward-propagated section.
const propagateEpsilon = 1e-6

// Collaborators bundles the optional external subsystems the backend
// notifies once per cycle. Any field may be left nil; the backend skips a
// hook whose collaborator is absent.
type Collaborators struct {
	Lidar     collaborators.LidarMapping
	Navsat    collaborators.Navsat
	PoseGraph collaborators.PoseGraph
}

// Backend is the sliding-window optimizer's dedicated worker, mirroring
// cartofacade.Queue's single-consumer background-worker idiom: one
// long-lived goroutine drains work signaled by the coordinator, serialized
// behind its own mutex.
type Backend struct {
	mu sync.Mutex

	graph   *entitygraph.Map
	tracker *frontend.Tracker
	coord   *coordinator.Coordinator
	init    *initializer.Initializer
	cfg     config.Config
	calib   residual.Intrinsics
	collab  Collaborators
	logger  *zap.SugaredLogger

	finished float64 // committed time cursor: the end of the last optimized window
	cycleID  uint64

	activeBackgroundWorkers sync.WaitGroup
}

// New returns a Backend ready to Start. calib is the stereo pair's left
// camera intrinsics, shared with the frontend's reprojection residuals.
func New(
	graph *entitygraph.Map,
	tracker *frontend.Tracker,
	coord *coordinator.Coordinator,
	init *initializer.Initializer,
	cfg config.Config,
	calib residual.Intrinsics,
	collab Collaborators,
	logger *zap.SugaredLogger,
) *Backend {
	return &Backend{
		graph:   graph,
		tracker: tracker,
		coord:   coord,
		init:    init,
		cfg:     cfg,
		calib:   calib,
		collab:  collab,
		logger:  logger,
	}
}

// Start launches the backend's worker goroutine, which runs until ctx is
// canceled or the coordinator is stopped, mirroring the StartDataProcess
// loop in viam-cartographer.go: a single long-lived goroutine started by
// lviocore.Core and stopped via context cancellation plus a sync.WaitGroup.
func (b *Backend) Start(ctx context.Context) {
	b.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer b.activeBackgroundWorkers.Done()
		for {
			if ctx.Err() != nil {
				return
			}
			if !b.coord.WaitForWork() {
				return
			}
			if err := b.cycle(ctx); err != nil && b.logger != nil {
				b.logger.Errorw("backend cycle failed", "error", err)
			}
		}
	})
}

// Close stops the coordinator (unblocking WaitForWork) and waits for the
// worker goroutine to exit.
func (b *Backend) Close() {
	b.coord.Stop()
	b.activeBackgroundWorkers.Wait()
}

// cycle runs one full pass of the backend loop: snapshot the active window,
// build and solve the windowed problem, recover the gauge, prune outliers,
// notify collaborators, and forward-propagate the result. Kept as a separate
// method rather than folded into the goroutine body so tests can drive a
// single cycle deterministically without the coordinator.
func (b *Backend) cycle(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	b.cycleID++
	cycleID := b.cycleID
	if b.logger != nil {
		defer func() {
			b.logger.Debugw("backend cycle complete", "cycle_id", cycleID, "duration_ms", time.Since(start).Milliseconds())
		}()
	}

	activeKFs := b.snapshotWindow()
	if len(activeKFs) == 0 {
		return nil
	}

	oldPose := activeKFs[len(activeKFs)-1].Pose
	oldPoseIMU := activeKFs[0].Pose
	endTime := activeKFs[len(activeKFs)-1].Time

	problem, err := b.buildProblem(activeKFs, true)
	if err != nil {
		return errors.Wrap(err, "backend: build_problem")
	}

	maxSolverTime := time.Duration(0.6 * b.cfg.WindowSize * float64(time.Second))
	if _, err := problem.Solve(solveOptions(b.cfg, maxSolverTime)); err != nil {
		return errors.Wrap(err, "backend: solve")
	}
	writeBackPoses(problem, activeKFs)

	if b.init.Initialized() {
		recoverGauge(activeKFs, oldPoseIMU)
	}

	b.removeOutliers(activeKFs)

	if b.collab.Lidar != nil {
		if err := b.collab.Lidar.Optimize(ctx, activeKFs); err != nil && b.logger != nil {
			b.logger.Warnw("lidar mapping collaborator failed", "error", err)
		}
	}

	if b.collab.Navsat != nil {
		startTime, ok, err := b.collab.Navsat.Optimize(ctx, endTime)
		if err != nil {
			if b.logger != nil {
				b.logger.Warnw("navsat collaborator failed", "error", err)
			}
		} else if ok {
			b.reexpress(startTime)
		}
	}

	newLast := activeKFs[len(activeKFs)-1].Pose
	transform := se3.Compose(newLast, oldPose.Inverse())

	b.forwardPropagate(transform, endTime+propagateEpsilon, oldPose)

	b.finished = endTime - b.cfg.WindowSize
	return nil
}

// snapshotWindow returns the keyframes at or after the committed cursor.
func (b *Backend) snapshotWindow() []*entitygraph.Frame {
	return b.graph.GetKeyframes(b.finished, entitygraph.KeyframeOptions{})
}

// reexpress settles every keyframe at or after startTime into the world
// frame the GNSS collaborator just aligned: navsat optimization moves the
// keyframes it constrains directly, so a short visual-only solve over the
// designated section pulls the remaining keyframes (and the landmarks
// anchored on them) into the shifted frame.
func (b *Backend) reexpress(startTime float64) {
	section := b.graph.GetKeyframes(startTime, entitygraph.KeyframeOptions{})
	if len(section) == 0 {
		return
	}
	problem, err := b.buildProblem(section, false)
	if err != nil {
		return
	}
	if _, err := problem.Solve(solver.Options{MaxIterations: 5, FunctionTolerance: 1e-8}); err != nil {
		return
	}
	writeBackPoses(problem, section)
	if b.logger != nil {
		b.logger.Debugw("re-expressed keyframes after navsat alignment", "startTime", startTime, "keyframes", len(section))
	}
}
