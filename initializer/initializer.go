// Package initializer implements the inertial initializer: the staged
// bias-prior schedule and the IMUErrorG-only solve that bootstraps
// velocity, bias, and gravity direction from a window of vision-only
// keyframes once enough preintegrated IMU evidence has accumulated.
package initializer

import (
	"fmt"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"

	"github.com/viam-modules/lvio-core/entitygraph"
	"github.com/viam-modules/lvio-core/imupre"
	"github.com/viam-modules/lvio-core/residual"
	"github.com/viam-modules/lvio-core/se3"
	"github.com/viam-modules/lvio-core/solver"
)

// Config controls when the initializer is eligible to run.
type Config struct {
	// NumFrames is the minimum count of preintegrated keyframes after
	// ValidTime required before the initializer attempts a solve.
	NumFrames int
	// ValidTime excludes keyframes older than this timestamp from
	// consideration, e.g. ones recorded before the IMU stream settled.
	ValidTime float64
}

// stage boundaries and bias-prior sigmas for the staged schedule: stage A
// applies loose bias priors, stage B applies none, letting the solve trust
// the accumulated IMU evidence outright.
const (
	stageASeconds = 5
	stageBSeconds = 15

	stageAAccelSigma = 1e4
	stageAGyroSigma  = 1e1
)

// Initializer owns the staged schedule flags (Tinit/initialized/reinit/
// initA/initB) and runs the bootstrap solve. One Initializer belongs to one
// backend.
type Initializer struct {
	cfg    Config
	logger *zap.SugaredLogger

	// tinit is the timestamp of the last keyframe at the last successful
	// run, or -1 before any success. Also used, before any success, as the
	// fallback epoch for the Δt schedule (time since the earliest
	// preintegrated keyframe), since "Δt since Tinit" is undefined while
	// Tinit is still the -1 sentinel.
	tinit       float64
	initialized bool
	reinit      bool
	initA       bool
	initB       bool
	gravity     r3.Vector
}

// New returns an Initializer in its pre-bootstrap state.
func New(cfg Config, logger *zap.SugaredLogger) *Initializer {
	return &Initializer{cfg: cfg, tinit: -1, logger: logger}
}

// Initialized reports whether the initializer has ever successfully solved
// for bias, velocity, and gravity.
func (in *Initializer) Initialized() bool { return in.initialized }

// Gravity returns the last successfully solved world-frame gravity vector.
// Zero until Initialized is true. Used by the backend to build IMUError
// residuals, which take gravity as a fixed constant once bootstrap succeeds.
func (in *Initializer) Gravity() r3.Vector { return in.gravity }

// Attempt runs the staged schedule against frames (every keyframe currently
// in the active window, in time order) evaluated at now (the time of the
// most recent keyframe). It returns true only if a solve ran and succeeded,
// in which case bias has already been written onto every frame and
// IMUEnabled has been set on every frame carrying a preintegration. A false
// return with a nil error means no stage triggered, or the triggered
// stage's solve did not converge; either way the frames, Initialized and the
// stage flags are unchanged (a failed stage leaves only the reinit request
// set), so a failed stage is tried again on a later call.
func (in *Initializer) Attempt(frames []*entitygraph.Frame, now float64) (bool, error) {
	withPre := filterPreintegrated(frames, in.cfg.ValidTime)
	if len(withPre) < in.cfg.NumFrames {
		return false, nil
	}

	epoch := in.tinit
	if epoch < 0 {
		epoch = withPre[0].Time
	}
	dt := now - epoch

	var accelSigma, gyroSigma float64
	stageB := false
	switch {
	case dt < stageASeconds:
		return false, nil
	case dt < stageBSeconds:
		if in.initA {
			return false, nil
		}
		accelSigma, gyroSigma = stageAAccelSigma, stageAGyroSigma
	default:
		if in.initB {
			return false, nil
		}
		accelSigma, gyroSigma = 0, 0
		stageB = true
	}
	in.reinit = true

	bias, velocities, gravity, ok, err := in.optimize(withPre, accelSigma, gyroSigma)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if stageB {
		in.initB = true
	} else {
		in.initA = true
	}

	if in.logger != nil {
		in.logger.Infow("inertial initializer converged",
			"numFrames", len(withPre), "gravity", gravity, "bias", bias)
	}

	for _, f := range frames {
		f.Bias = entitygraph.IMUBias{Accel: bias.Accel, Gyro: bias.Gyro}
	}
	for i, f := range withPre {
		f.IMUEnabled = true
		f.Velocity = velocities[i]
		if pre, ok := f.Preintegration.(*imupre.Preintegration); ok && pre.NeedsRebias(bias, imupre.DefaultRebiasThreshold) {
			pre.Rebias(bias)
		}
	}

	in.initialized = true
	in.reinit = false
	in.gravity = gravity
	in.tinit = withPre[len(withPre)-1].Time
	return true, nil
}

// filterPreintegrated returns the subset of frames, in order, at or after
// validTime whose Preintegration is set.
func filterPreintegrated(frames []*entitygraph.Frame, validTime float64) []*entitygraph.Frame {
	out := make([]*entitygraph.Frame, 0, len(frames))
	for _, f := range frames {
		if f.Time < validTime || f.Preintegration == nil {
			continue
		}
		out = append(out, f)
	}
	return out
}

// optimize builds and solves the IMUErrorG-only problem over frames: every
// pose is a fixed input, the first frame's velocity is fixed, and velocity
// (for every other frame), the shared bias pair, and the gravity direction
// are free.
// Gaussian priors on the shared bias pair are added only when their sigma
// is positive.
func (in *Initializer) optimize(frames []*entitygraph.Frame, accelSigma, gyroSigma float64) (imupre.Bias, []r3.Vector, r3.Vector, bool, error) {
	if len(frames) < 2 {
		return imupre.Bias{}, nil, r3.Vector{}, false, nil
	}

	problem := solver.NewProblem()

	poseID := func(i int) string { return fmt.Sprintf("pose_%d", i) }
	velID := func(i int) string { return fmt.Sprintf("vel_%d", i) }
	const (
		accelBiasID = "accel_bias"
		gyroBiasID  = "gyro_bias"
		gravityID   = "gravity"
	)

	for i, f := range frames {
		problem.AddParameterBlock(poseID(i), solver.PoseBlock{Pose: f.Pose})
		problem.SetConstant(poseID(i))
		problem.AddParameterBlock(velID(i), solver.Vector3Block{V: f.Velocity})
	}
	problem.SetConstant(velID(0))

	problem.AddParameterBlock(accelBiasID, solver.Vector3Block{V: r3.Vector{}})
	problem.AddParameterBlock(gyroBiasID, solver.Vector3Block{V: r3.Vector{}})
	// Gravity is solved for direction only: the block's fixed magnitude keeps
	// the cached value physically valid for every later IMUError residual.
	problem.AddParameterBlock(gravityID, solver.GravityBlock{G: imupre.Gravity})

	for i := 1; i < len(frames); i++ {
		pre, ok := frames[i].Preintegration.(*imupre.Preintegration)
		if !ok || pre == nil {
			continue
		}
		cost := residual.IMUErrorG{Pre: pre}
		if err := problem.AddResidualBlock(cost, nil,
			poseID(i-1), velID(i-1), accelBiasID, gyroBiasID, poseID(i), velID(i), gravityID); err != nil {
			return imupre.Bias{}, nil, r3.Vector{}, false, err
		}
	}

	if accelSigma > 0 {
		if err := problem.AddResidualBlock(residual.BiasPrior{Sigma: accelSigma}, nil, accelBiasID); err != nil {
			return imupre.Bias{}, nil, r3.Vector{}, false, err
		}
	}
	if gyroSigma > 0 {
		if err := problem.AddResidualBlock(residual.BiasPrior{Sigma: gyroSigma}, nil, gyroBiasID); err != nil {
			return imupre.Bias{}, nil, r3.Vector{}, false, err
		}
	}

	summary, err := problem.Solve(solver.Options{MaxIterations: 50, FunctionTolerance: 1e-8})
	if err != nil {
		return imupre.Bias{}, nil, r3.Vector{}, false, err
	}
	if !summary.Converged {
		return imupre.Bias{}, nil, r3.Vector{}, false, nil
	}

	accelBlock, err := problem.Block(accelBiasID)
	if err != nil {
		return imupre.Bias{}, nil, r3.Vector{}, false, err
	}
	gyroBlock, err := problem.Block(gyroBiasID)
	if err != nil {
		return imupre.Bias{}, nil, r3.Vector{}, false, err
	}
	gravityBlock, err := problem.Block(gravityID)
	if err != nil {
		return imupre.Bias{}, nil, r3.Vector{}, false, err
	}

	accelAmbient := accelBlock.Ambient()
	gyroAmbient := gyroBlock.Ambient()
	gravityAmbient := gravityBlock.Ambient()

	bias := imupre.Bias{
		Accel: r3.Vector{X: accelAmbient[0], Y: accelAmbient[1], Z: accelAmbient[2]},
		Gyro:  r3.Vector{X: gyroAmbient[0], Y: gyroAmbient[1], Z: gyroAmbient[2]},
	}
	gravity := r3.Vector{X: gravityAmbient[0], Y: gravityAmbient[1], Z: gravityAmbient[2]}

	if !se3.Finite(bias.Accel) || !se3.Finite(bias.Gyro) || !se3.Finite(gravity) {
		return imupre.Bias{}, nil, r3.Vector{}, false, nil
	}

	velocities := make([]r3.Vector, len(frames))
	for i := range frames {
		velBlock, err := problem.Block(velID(i))
		if err != nil {
			return imupre.Bias{}, nil, r3.Vector{}, false, err
		}
		v := velBlock.Ambient()
		velocities[i] = r3.Vector{X: v[0], Y: v[1], Z: v[2]}
		if !se3.Finite(velocities[i]) {
			return imupre.Bias{}, nil, r3.Vector{}, false, nil
		}
	}

	return bias, velocities, gravity, true, nil
}
