// Package lviocore wires together the entity graph, frontend tracker,
// backend optimizer, inertial initializer, and pause/resume coordinator into
// the single external surface a driver talks to: add_frame/add_imu in,
// a running backend worker underneath.
package lviocore

import (
	"context"
	"image"
	"io"
	"sync"

	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/viam-modules/lvio-core/backend"
	"github.com/viam-modules/lvio-core/config"
	"github.com/viam-modules/lvio-core/coordinator"
	"github.com/viam-modules/lvio-core/entitygraph"
	"github.com/viam-modules/lvio-core/frontend"
	"github.com/viam-modules/lvio-core/imupre"
	"github.com/viam-modules/lvio-core/initializer"
	"github.com/viam-modules/lvio-core/residual"
)

// Calibration bundles the stereo rig and IMU noise parameters a Core is
// constructed with. These are fixed for the session: the spec places
// "lens/camera calibration loading" out of scope, so Core takes the
// resolved values rather than loading them itself.
type Calibration struct {
	Stereo     frontend.StereoCalibration
	NoiseAccel float64
	NoiseGyro  float64
}

// InitializerConfig is the staged-bootstrap tuning kept out of the
// enumerated config.Config surface (it parameterizes Initializer
// construction, not per-cycle behavior).
type InitializerConfig = initializer.Config

// Core is the module's single wiring point: one entity graph, one frontend
// tracker, one backend worker, and one inertial initializer, glued together
// by a coordinator. Driver code constructs one Core per session and feeds
// it via AddFrame/AddIMU.
type Core struct {
	mu sync.Mutex

	tracker *frontend.Tracker
	backend *backend.Backend
	collab  backend.Collaborators
	logger  *zap.SugaredLogger

	calib  Calibration
	cancel context.CancelFunc

	// pendingPre accumulates IMU samples arriving between stereo frames,
	// into the preintegration of whichever frame is currently being built;
	// AddFrame drains it and attaches the result to the new frame.
	pendingPre      *imupre.Preintegration
	pendingLastTime float64
	currentBias     imupre.Bias
}

// New builds a Core around freshly constructed frontend/backend/initializer
// instances. cfg is defaulted and validated by the caller via
// config.GetOptionalParameters/Validate, matching this project's existing
// config-handling convention.
func New(
	cfg config.Config,
	calib Calibration,
	initCfg InitializerConfig,
	collab backend.Collaborators,
	logger *zap.SugaredLogger,
) *Core {
	graph := entitygraph.NewMap()
	coord := coordinator.New(logger)
	init := initializer.New(initCfg, logger)

	tracker := frontend.New(graph, cfg, calib.Stereo, frontend.PatchFlow{}, frontend.NewRansacPnP(), coord, logger)

	calibIntrinsics := residual.Intrinsics{Fx: calib.Stereo.K.Fx, Fy: calib.Stereo.K.Fy, Cx: calib.Stereo.K.Cx, Cy: calib.Stereo.K.Cy}
	be := backend.New(graph, tracker, coord, init, cfg, calibIntrinsics, collab, logger)

	graph.SetKeyframeListener(func(*entitygraph.Frame) {
		coord.UpdateMap()
	})

	return &Core{
		tracker: tracker,
		backend: be,
		collab:  collab,
		logger:  logger,
		calib:   calib,
	}
}

// Start launches the backend's dedicated long-lived worker goroutine.
func (c *Core) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Debug("lviocore: starting backend worker")
	}
	c.backend.Start(ctx)
}

// Close stops the backend worker, waits for its goroutine to exit, and
// best-effort closes any collaborator that implements io.Closer,
// accumulating independent teardown errors with multierr rather than
// stopping at the first one, mirroring cartofacade's shutdown, which
// combines each sensor's close error the same way.
func (c *Core) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.backend.Close()

	var err error
	for _, collaborator := range []interface{}{c.collab.Lidar, c.collab.Navsat, c.collab.PoseGraph} {
		if closer, ok := collaborator.(io.Closer); ok {
			err = multierr.Append(err, closer.Close())
		}
	}
	if err != nil && c.logger != nil {
		c.logger.Errorw("lviocore: collaborator teardown failed", "error", err)
	}
	return err
}

// AddFrame hands one synchronized stereo capture to the frontend, attaching
// whatever IMU samples have accumulated since the previous frame.
func (c *Core) AddFrame(t float64, left, right *image.Gray) error {
	err := c.tracker.AddFrame(frontend.StereoPair{
		Time:           t,
		Left:           left,
		Right:          right,
		Preintegration: c.drainPreintegration(),
	})
	if err != nil && c.logger != nil {
		c.logger.Warnw("lviocore: add_frame failed", "time", t, "error", err)
	}

	// The live frame's bias may have been refined by the backend's forward
	// propagation; carry it over so the next preintegration window is
	// linearized around the freshest estimate.
	if lf := c.tracker.LastFrame(); lf != nil {
		c.SetBias(lf.Bias)
	}
	return err
}

// AddIMU accumulates one IMU sample into the preintegration of whichever
// frame is currently being built. The first sample after a drain only
// seeds the running clock, since a delta requires a
// predecessor sample; every sample after that integrates across the gap
// since the previous one. A non-monotonic or non-finite sample is rejected
// with an error rather than corrupting the running integration.
func (c *Core) AddIMU(t float64, accel, gyro r3.Vector) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sample := imupre.Sample{Time: t, LinearAcceleration: accel, AngularVelocity: gyro}

	if c.pendingPre == nil {
		c.pendingPre = imupre.New(c.currentBias, c.calib.NoiseAccel, c.calib.NoiseGyro)
		c.pendingLastTime = t
		return nil
	}

	dt := t - c.pendingLastTime
	if err := c.pendingPre.Append(dt, sample); err != nil {
		return err
	}
	c.pendingLastTime = t
	return nil
}

// drainPreintegration hands off the accumulated preintegration (if any) and
// resets the accumulator for the next inter-frame span. An accumulator that
// only ever saw its seeding sample carries no motion information and is
// dropped, so a frame's Preintegration is non-nil iff IMU samples were
// actually integrated since the previous frame.
func (c *Core) drainPreintegration() entitygraph.Preintegrator {
	c.mu.Lock()
	defer c.mu.Unlock()

	pre := c.pendingPre
	c.pendingPre = nil
	if pre == nil || pre.SumDt() == 0 {
		return nil
	}
	return pre
}

// SetBias updates the bias used to seed the next preintegration window,
// e.g. after the backend refines it during forward_propagate.
func (c *Core) SetBias(bias entitygraph.IMUBias) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentBias = imupre.Bias{Accel: bias.Accel, Gyro: bias.Gyro}
}

// State returns the frontend's current tracking state, for driver-side
// health reporting.
func (c *Core) State() frontend.State {
	return c.tracker.State()
}
