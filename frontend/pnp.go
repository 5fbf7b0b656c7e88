package frontend

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/lvio-core/se3"
)

// PoseEstimator refines a camera pose from 3D-2D correspondences. It stands
// in for OpenCV's solvePnPRansac(EPnP): 100 RANSAC iterations, an 8 px
// inlier threshold, 0.98 confidence.
type PoseEstimator interface {
	// EstimatePose refines initialGuess against the given correspondences,
	// returning the refined pose and the indices of points classified as
	// inliers.
	EstimatePose(k Intrinsics, points3D []r3.Vector, points2D []r2.Point, initialGuess se3.Pose) (se3.Pose, []int)
}

// RansacPnP implements PoseEstimator with normalized-DLT pose estimation
// (direct linear transform over the world-to-camera projection) wrapped in
// RANSAC for outlier rejection, a real from-scratch substitute for
// OpenCV's EPnP-RANSAC (no CV binding exists anywhere in the dependency
// pack this module draws from; see DESIGN.md).
type RansacPnP struct {
	Iterations int
	Threshold  float64 // pixels
	Confidence float64
}

// NewRansacPnP returns a RansacPnP configured with the tracker's PnP
// parameters.
func NewRansacPnP() RansacPnP {
	return RansacPnP{Iterations: 100, Threshold: 8, Confidence: 0.98}
}

const pnpMinPoints = 6

// EstimatePose implements PoseEstimator.
func (r RansacPnP) EstimatePose(k Intrinsics, points3D []r3.Vector, points2D []r2.Point, initialGuess se3.Pose) (se3.Pose, []int) {
	n := len(points3D)
	if n < pnpMinPoints {
		return initialGuess, nil
	}

	bestInliers := []int{}
	bestPose := initialGuess

	maxIter := r.Iterations
	for iter := 0; iter < maxIter; iter++ {
		sampleIdx := randomSample(n, pnpMinPoints, iter)
		pose, ok := solvePnPDLT(k, points3D, points2D, sampleIdx)
		if !ok {
			continue
		}
		inliers := inlierSet(k, points3D, points2D, pose, r.Threshold)
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			bestPose = pose
			if adaptive := ransacIterations(r.Confidence, float64(len(bestInliers))/float64(n), pnpMinPoints); adaptive < maxIter {
				maxIter = adaptive
			}
		}
	}

	if len(bestInliers) >= pnpMinPoints {
		if refined, ok := solvePnPDLT(k, points3D, points2D, bestInliers); ok {
			bestPose = refined
			bestInliers = inlierSet(k, points3D, points2D, bestPose, r.Threshold)
		}
	}
	return bestPose, bestInliers
}

// ransacIterations is the standard adaptive RANSAC stopping rule: the
// number of draws needed to pick at least one all-inlier minimal sample
// with probability confidence, given the inlier ratio observed so far. The
// count only ever lowers the configured iteration cap, never raises it.
func ransacIterations(confidence, inlierRatio float64, sampleSize int) int {
	if confidence <= 0 || confidence >= 1 || inlierRatio <= 0 {
		return math.MaxInt
	}
	wS := math.Pow(inlierRatio, float64(sampleSize))
	if wS >= 1 {
		return 1
	}
	needed := math.Log(1-confidence) / math.Log(1-wS)
	if needed < 1 {
		return 1
	}
	if needed > 1e6 {
		return math.MaxInt
	}
	return int(math.Ceil(needed))
}

// randomSample deterministically selects count distinct indices in [0,n)
// using a simple linear-congruential sequence seeded by iter. The solver
// avoids math/rand's package-level state so repeated solves are
// reproducible given the same inputs and iteration index.
func randomSample(n, count, iter int) []int {
	seed := uint64(iter*2654435761 + 1)
	seen := make(map[int]bool, count)
	out := make([]int, 0, count)
	for len(out) < count && len(out) < n {
		seed = seed*6364136223846793005 + 1442695040888963407
		idx := int(seed>>33) % n
		if idx < 0 {
			idx += n
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	return out
}

func inlierSet(k Intrinsics, points3D []r3.Vector, points2D []r2.Point, pose se3.Pose, threshold float64) []int {
	var inliers []int
	camPose := pose.Inverse()
	for i := range points3D {
		camPt := camPose.Transform(points3D[i])
		if camPt.Z <= 0 {
			continue
		}
		proj := r2.Point{X: k.Fx*camPt.X/camPt.Z + k.Cx, Y: k.Fy*camPt.Y/camPt.Z + k.Cy}
		if proj.Sub(points2D[i]).Norm() <= threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// solvePnPDLT solves for the world-to-camera pose via the normalized direct
// linear transform: builds the 2n x 12 homogeneous system for the 3x4
// camera projection matrix, solves its null space via SVD, then extracts a
// valid rotation via SVD-based orthogonalization.
func solvePnPDLT(k Intrinsics, points3D []r3.Vector, points2D []r2.Point, idx []int) (se3.Pose, bool) {
	n := len(idx)
	if n < pnpMinPoints {
		return se3.Pose{}, false
	}

	a := mat.NewDense(2*n, 12, nil)
	for row, i := range idx {
		p := points3D[i]
		u := (points2D[i].X - k.Cx) / k.Fx
		v := (points2D[i].Y - k.Cy) / k.Fy

		a.SetRow(2*row, []float64{
			p.X, p.Y, p.Z, 1, 0, 0, 0, 0, -u * p.X, -u * p.Y, -u * p.Z, -u,
		})
		a.SetRow(2*row+1, []float64{
			0, 0, 0, 0, p.X, p.Y, p.Z, 1, -v * p.X, -v * p.Y, -v * p.Z, -v,
		})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return se3.Pose{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	_, cols := v.Dims()
	sol := make([]float64, 12)
	for i := 0; i < 12; i++ {
		sol[i] = v.At(i, cols-1)
	}

	rRows := mat.NewDense(3, 3, []float64{
		sol[0], sol[1], sol[2],
		sol[4], sol[5], sol[6],
		sol[8], sol[9], sol[10],
	})
	t := r3.Vector{X: sol[3], Y: sol[7], Z: sol[11]}

	rOrtho, scale, ok := orthogonalize(rRows)
	if !ok {
		return se3.Pose{}, false
	}
	t = t.Mul(scale)
	if t.Z < 0 {
		rOrtho.Scale(-1, rOrtho)
		t = t.Mul(-1)
	}

	rot := rotationMatrixToQuat(rOrtho)
	// The DLT solves for the world-to-camera transform (p_cam = R*p_world +
	// t); Frame.Pose is the camera's pose in the world frame, so invert.
	worldToCam := se3.Pose{Rotation: rot, Translation: t}
	return worldToCam.Inverse(), true
}

// orthogonalize projects m onto the closest proper rotation matrix via SVD
// (R = U*V^T), returning the scale factor that normalizes the DLT's
// homogeneous solution to a physical rotation.
func orthogonalize(m *mat.Dense) (*mat.Dense, float64, bool) {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return nil, 0, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)
	scale := 3 / (values[0] + values[1] + values[2])

	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	return &r, scale, true
}

// rotationMatrixToQuat converts a proper rotation matrix to a unit
// quaternion via the standard trace-based Shepperd's method.
func rotationMatrixToQuat(r *mat.Dense) quat.Number {
	m00, m01, m02 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	m10, m11, m12 := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	m20, m21, m22 := r.At(2, 0), r.At(2, 1), r.At(2, 2)

	var q quat.Number
	trace := m00 + m11 + m22
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q.Real = 0.25 / s
		q.Imag = (m21 - m12) * s
		q.Jmag = (m02 - m20) * s
		q.Kmag = (m10 - m01) * s
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q.Real = (m21 - m12) / s
		q.Imag = 0.25 * s
		q.Jmag = (m01 + m10) / s
		q.Kmag = (m02 + m20) / s
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q.Real = (m02 - m20) / s
		q.Imag = (m01 + m10) / s
		q.Jmag = 0.25 * s
		q.Kmag = (m12 + m21) / s
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q.Real = (m10 - m01) / s
		q.Imag = (m02 + m20) / s
		q.Jmag = (m12 + m21) / s
		q.Kmag = 0.25 * s
	}
	return se3.NormalizeQuat(q)
}
