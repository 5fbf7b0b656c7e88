// Package imupre implements IMU preintegration between consecutive
// keyframes: accumulating raw accelerometer/gyroscope samples into a single
// delta-rotation/velocity/position measurement, together with the
// covariance and bias Jacobians needed to re-linearize around an updated
// bias estimate without re-integrating every sample.
//
// The propagated covariance here covers only the 9-dim (rotation, velocity,
// position) tangent error, not the full 15-dim state that also includes the
// accelerometer/gyroscope bias random walk; residual.IMUError and
// residual.IMUErrorG use a fixed unit weighting rather than this
// covariance's inverse (see DESIGN.md).
//
// The residual package that consumes this preintegration treats the camera
// and IMU body frames as coincident: poses carried by the solver are camera
// poses, and no camera-to-IMU extrinsic is composed before comparing a
// preintegrated delta against the difference between two camera poses (see
// DESIGN.md).
package imupre

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/lvio-core/se3"
)

// ErrInvalidInput is returned by Append on a non-monotonic dt or a
// non-finite sample.
var ErrInvalidInput = errors.New("imupre: invalid input")

// Gravity is world-frame gravitational acceleration, Z-up, m/s^2.
var Gravity = r3.Vector{Z: -9.81}

// Bias is the accelerometer/gyroscope bias the preintegration was
// linearized around.
type Bias struct {
	Accel r3.Vector
	Gyro  r3.Vector
}

// RebiasThreshold controls when Preintegration.NeedsRebias reports true:
// re-linearization is only worth the full re-integration cost once the bias
// estimate has drifted far enough from the linearization point to matter.
// Resolved per DESIGN.md to the defaults below, overridable by the caller.
type RebiasThreshold struct {
	Accel float64
	Gyro  float64
}

// DefaultRebiasThreshold is the resolved default from DESIGN.md.
var DefaultRebiasThreshold = RebiasThreshold{Accel: 0.1, Gyro: 0.01}

// Sample is one raw IMU reading.
type Sample struct {
	Time               float64 // seconds
	LinearAcceleration r3.Vector
	AngularVelocity    r3.Vector
}

// timedSample retains a sample together with the dt it was integrated over,
// so Rebias can replay the exact integration sequence.
type timedSample struct {
	dt float64
	s  Sample
}

// Preintegration accumulates Samples between two keyframes into delta
// measurements plus first-order bias Jacobians and a propagated covariance
// over the (rotation, velocity, position) tangent error, following the
// standard on-manifold IMU preintegration formulation.
type Preintegration struct {
	linBias Bias

	deltaR quat.Number
	deltaV r3.Vector
	deltaP r3.Vector
	sumDt  float64

	// Bias Jacobians: d(deltaX)/d(bias), each a 3x3 matrix stored dense.
	dRdBg *mat.Dense
	dVdBa *mat.Dense
	dVdBg *mat.Dense
	dPdBa *mat.Dense
	dPdBg *mat.Dense

	// Covariance over the 9-dim (rotation, velocity, position) tangent
	// error, propagated sample by sample.
	covariance *mat.Dense

	// NoiseAccel/NoiseGyro are the continuous-time noise densities used to
	// build each sample's process noise contribution.
	NoiseAccel float64
	NoiseGyro  float64

	samples []timedSample
}

// New returns a Preintegration linearized around lin, with noise densities
// (accel, gyro) in units of m/s^2/sqrt(Hz) and rad/s/sqrt(Hz) respectively.
func New(lin Bias, noiseAccel, noiseGyro float64) *Preintegration {
	return &Preintegration{
		linBias:    lin,
		deltaR:     quat.Number{Real: 1},
		dRdBg:      mat.NewDense(3, 3, nil),
		dVdBa:      mat.NewDense(3, 3, nil),
		dVdBg:      mat.NewDense(3, 3, nil),
		dPdBa:      mat.NewDense(3, 3, nil),
		dPdBg:      mat.NewDense(3, 3, nil),
		covariance: mat.NewDense(9, 9, nil),
		NoiseAccel: noiseAccel,
		NoiseGyro:  noiseGyro,
	}
}

// SumDt returns the total elapsed time integrated so far, satisfying
// entitygraph.Preintegrator.
func (p *Preintegration) SumDt() float64 { return p.sumDt }

// LinearizationBias returns the bias this preintegration was built around.
func (p *Preintegration) LinearizationBias() Bias { return p.linBias }

// Append integrates one IMU sample's bias-corrected values over dt (the
// caller passes the time since the previous sample), using the rotation at
// the start of the step, and advances deltaR/deltaV/deltaP, the bias
// Jacobians, and the covariance. Returns ErrInvalidInput without mutating state on
// a non-monotonic dt or a non-finite sample.
func (p *Preintegration) Append(dt float64, s Sample) error {
	if dt <= 0 {
		return errors.Wrap(ErrInvalidInput, "non-positive dt")
	}
	if !se3.Finite(s.LinearAcceleration) || !se3.Finite(s.AngularVelocity) {
		return errors.Wrap(ErrInvalidInput, "non-finite sample")
	}

	accCorrected := s.LinearAcceleration.Sub(p.linBias.Accel)
	gyroCorrected := s.AngularVelocity.Sub(p.linBias.Gyro)

	rot := p.deltaR

	// Position/velocity update using the rotation at the start of the step.
	accWorld := se3.QuatRotate(rot, accCorrected)
	p.deltaP = p.deltaP.Add(p.deltaV.Mul(dt)).Add(accWorld.Mul(0.5 * dt * dt))
	p.deltaV = p.deltaV.Add(accWorld.Mul(dt))

	dR := se3.ExpSO3(gyroCorrected.Mul(dt))
	p.deltaR = se3.NormalizeQuat(quat.Mul(p.deltaR, dR))

	p.propagateJacobians(dt, rot, accCorrected)
	p.propagateCovariance(dt, rot, accCorrected)

	p.sumDt += dt
	p.samples = append(p.samples, timedSample{dt: dt, s: s})
	return nil
}

// skewMat returns the 3x3 skew-symmetric cross-product matrix of v.
func skewMat(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

func (p *Preintegration) propagateJacobians(dt float64, rotAtStart quat.Number, accCorrected r3.Vector) {
	rotDense := mat.NewDense(3, 3, nil)
	fillRotationMatrix(rotDense, rotAtStart)

	accSkew := skewMat(accCorrected)
	var rAccSkew mat.Dense
	rAccSkew.Mul(rotDense, accSkew)
	rAccSkew.Scale(-dt, &rAccSkew)

	// dV/dBa += R*dt ; dV/dBg += (-R*[a]x)*dt * dR/dBg
	var dVdBaInc mat.Dense
	dVdBaInc.Scale(dt, rotDense)
	p.dVdBa.Add(p.dVdBa, &dVdBaInc)

	var dVdBgInc mat.Dense
	dVdBgInc.Mul(&rAccSkew, p.dRdBg)
	p.dVdBg.Add(p.dVdBg, &dVdBgInc)

	// dP/dBa += dV/dBa*dt + 0.5*R*dt^2 ; dP/dBg += dV/dBg*dt + 0.5*(-R*[a]x)*dt^2*dR/dBg
	var dPdBaInc mat.Dense
	dPdBaInc.Scale(dt, p.dVdBa)
	var halfRdt2 mat.Dense
	halfRdt2.Scale(0.5*dt*dt, rotDense)
	dPdBaInc.Add(&dPdBaInc, &halfRdt2)
	p.dPdBa.Add(p.dPdBa, &dPdBaInc)

	var dPdBgInc mat.Dense
	dPdBgInc.Scale(dt, p.dVdBg)
	var halfTerm mat.Dense
	halfTerm.Scale(0.5*dt, &rAccSkew)
	var halfTermJ mat.Dense
	halfTermJ.Mul(&halfTerm, p.dRdBg)
	dPdBgInc.Add(&dPdBgInc, &halfTermJ)
	p.dPdBg.Add(p.dPdBg, &dPdBgInc)

	// dR/dBg_{k+1} = dR/dBg_k - I*dt: the per-step rotation dR(gyro*dt)^T and
	// the right Jacobian Jr(gyro*dt) of the exact recursion are both taken as
	// identity, so dR/dBg does not account for the rotation accumulated
	// between steps.
	var newDRdBg mat.Dense
	newDRdBg.Scale(-dt, identity3())
	newDRdBg.Add(p.dRdBg, &newDRdBg)
	p.dRdBg = &newDRdBg
}

func identity3() *mat.Dense {
	id := mat.NewDense(3, 3, nil)
	id.Set(0, 0, 1)
	id.Set(1, 1, 1)
	id.Set(2, 2, 1)
	return id
}

func fillRotationMatrix(dst *mat.Dense, q quat.Number) {
	q = se3.NormalizeQuat(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	dst.Set(0, 0, 1-2*(y*y+z*z))
	dst.Set(0, 1, 2*(x*y-z*w))
	dst.Set(0, 2, 2*(x*z+y*w))
	dst.Set(1, 0, 2*(x*y+z*w))
	dst.Set(1, 1, 1-2*(x*x+z*z))
	dst.Set(1, 2, 2*(y*z-x*w))
	dst.Set(2, 0, 2*(x*z-y*w))
	dst.Set(2, 1, 2*(y*z+x*w))
	dst.Set(2, 2, 1-2*(x*x+y*y))
}

func (p *Preintegration) propagateCovariance(dt float64, rotAtStart quat.Number, accCorrected r3.Vector) {
	rotDense := mat.NewDense(3, 3, nil)
	fillRotationMatrix(rotDense, rotAtStart)
	accSkew := skewMat(accCorrected)

	// Transition matrix A (9x9) and noise input matrix B (9x6), block order
	// (rotation, velocity, position).
	a := mat.NewDense(9, 9, nil)
	for i := 0; i < 9; i++ {
		a.Set(i, i, 1)
	}
	var rAccSkewDt mat.Dense
	rAccSkewDt.Mul(rotDense, accSkew)
	rAccSkewDt.Scale(-dt, &rAccSkewDt)
	setBlock(a, 3, 0, &rAccSkewDt)

	var rAccSkewDt2 mat.Dense
	rAccSkewDt2.Scale(0.5*dt, &rAccSkewDt)
	setBlock(a, 6, 0, &rAccSkewDt2)

	idDt := mat.NewDense(3, 3, nil)
	idDt.Set(0, 0, dt)
	idDt.Set(1, 1, dt)
	idDt.Set(2, 2, dt)
	setBlock(a, 6, 3, idDt)

	b := mat.NewDense(9, 6, nil)
	var rDt mat.Dense
	rDt.Scale(dt, rotDense)
	setBlock(b, 3, 0, &rDt)
	var rDt2 mat.Dense
	rDt2.Scale(0.5*dt, &rDt)
	setBlock(b, 6, 0, &rDt2)
	idDtGyro := mat.NewDense(3, 3, nil)
	idDtGyro.Set(0, 0, dt)
	idDtGyro.Set(1, 1, dt)
	idDtGyro.Set(2, 2, dt)
	setBlock(b, 0, 3, idDtGyro)

	q := mat.NewDense(6, 6, nil)
	for i := 0; i < 3; i++ {
		q.Set(i, i, p.NoiseAccel*p.NoiseAccel)
		q.Set(3+i, 3+i, p.NoiseGyro*p.NoiseGyro)
	}

	var aCov mat.Dense
	aCov.Mul(a, p.covariance)
	var aCovAt mat.Dense
	aCovAt.Mul(&aCov, a.T())

	var bq mat.Dense
	bq.Mul(b, q)
	var bqbt mat.Dense
	bqbt.Mul(&bq, b.T())

	var next mat.Dense
	next.Add(&aCovAt, &bqbt)
	p.covariance = &next
}

func setBlock(dst *mat.Dense, r, c int, src mat.Matrix) {
	rows, cols := src.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst.Set(r+i, c+j, src.At(i, j))
		}
	}
}

// GetDeltaRotation returns the preintegrated delta rotation, corrected to
// first order for the difference between newBias and the linearization
// bias via dR/dBg.
func (p *Preintegration) GetDeltaRotation(newBias Bias) quat.Number {
	dbg := newBias.Gyro.Sub(p.linBias.Gyro)
	correction := jacobianVecProduct(p.dRdBg, dbg)
	return se3.NormalizeQuat(quat.Mul(p.deltaR, se3.ExpSO3(correction)))
}

// GetDeltaVelocity returns the preintegrated delta velocity, first-order
// corrected for newBias.
func (p *Preintegration) GetDeltaVelocity(newBias Bias) r3.Vector {
	dba := newBias.Accel.Sub(p.linBias.Accel)
	dbg := newBias.Gyro.Sub(p.linBias.Gyro)
	return p.deltaV.Add(jacobianVecProduct(p.dVdBa, dba)).Add(jacobianVecProduct(p.dVdBg, dbg))
}

// GetDeltaPosition returns the preintegrated delta position, first-order
// corrected for newBias.
func (p *Preintegration) GetDeltaPosition(newBias Bias) r3.Vector {
	dba := newBias.Accel.Sub(p.linBias.Accel)
	dbg := newBias.Gyro.Sub(p.linBias.Gyro)
	return p.deltaP.Add(jacobianVecProduct(p.dPdBa, dba)).Add(jacobianVecProduct(p.dPdBg, dbg))
}

func jacobianVecProduct(j *mat.Dense, v r3.Vector) r3.Vector {
	in := mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
	var out mat.VecDense
	out.MulVec(j, in)
	return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// Covariance returns the propagated 9x9 covariance over the
// (rotation, velocity, position) tangent error.
func (p *Preintegration) Covariance() *mat.Dense {
	return p.covariance
}

// NeedsRebias reports whether newBias has drifted from the linearization
// bias by more than thr, meaning the first-order correction is no longer
// trustworthy and the caller should re-integrate from raw samples.
func (p *Preintegration) NeedsRebias(newBias Bias, thr RebiasThreshold) bool {
	da := newBias.Accel.Sub(p.linBias.Accel)
	dg := newBias.Gyro.Sub(p.linBias.Gyro)
	return vecNorm(da) > thr.Accel || vecNorm(dg) > thr.Gyro
}

func vecNorm(v r3.Vector) float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Rebias re-integrates every retained sample from scratch around newBias,
// replacing the current linearization point. Called when NeedsRebias
// reports true.
func (p *Preintegration) Rebias(newBias Bias) {
	samples := p.samples
	fresh := New(newBias, p.NoiseAccel, p.NoiseGyro)
	for _, ts := range samples {
		_ = fresh.Append(ts.dt, ts.s) // samples were already validated on first Append
	}
	*p = *fresh
}

// Evaluate predicts the next keyframe's (rotation, velocity, position)
// given the previous keyframe's state and a bias, following the standard
// preintegrated IMU motion model:
//
//	R_j = R_i * GetDeltaRotation(bias)
//	v_j = v_i + g*dt + R_i*GetDeltaVelocity(bias)
//	p_j = p_i + v_i*dt + 0.5*g*dt^2 + R_i*GetDeltaPosition(bias)
func (p *Preintegration) Evaluate(prevPose se3.Pose, prevVel r3.Vector, bias Bias) (se3.Pose, r3.Vector) {
	dt := p.sumDt
	rot := se3.NormalizeQuat(quat.Mul(prevPose.Rotation, p.GetDeltaRotation(bias)))
	vel := prevVel.Add(Gravity.Mul(dt)).Add(se3.QuatRotate(prevPose.Rotation, p.GetDeltaVelocity(bias)))
	pos := prevPose.Translation.
		Add(prevVel.Mul(dt)).
		Add(Gravity.Mul(0.5 * dt * dt)).
		Add(se3.QuatRotate(prevPose.Rotation, p.GetDeltaPosition(bias)))
	return se3.Pose{Rotation: rot, Translation: pos}, vel
}
