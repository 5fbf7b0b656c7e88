package frontend

import (
	"image"
	"image/color"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/viam-modules/lvio-core/entitygraph"
)

// Correspondence is one successfully tracked feature: the landmark it
// continues to observe, and its new pixel location in the current frame.
type Correspondence struct {
	LandmarkID entitygraph.LandmarkID
	Keypoint   r2.Point
}

// FlowEstimator tracks keypoints between two frames and matches a keypoint
// across the stereo pair. Implementations stand in for OpenCV's Lucas-
// Kanade pyramidal optical flow; no CV binding exists in the dependency
// pack this module draws from (see DESIGN.md), so this interface lets a
// production implementation be swapped in without touching the tracker
// state machine.
type FlowEstimator interface {
	// Track follows every feature in prev's left image forward into
	// current's left image, returning the surviving correspondences.
	Track(prev, current *entitygraph.Frame) []Correspondence
	// MatchStereo locates the left-image keypoint kp in the right image of
	// the same capture, returning false if no confident match is found.
	MatchStereo(left, right *image.Gray, kp r2.Point) (r2.Point, bool)
}

const (
	pyramidLevels  = 3
	patchRadius    = 5 // an 11x11 patch, matching the configured pyramid window size
	searchRadius   = 15
	stereoSearchDx = 64 // max horizontal disparity searched, pixels
	matchThreshold = 0.85
)

// PatchFlow implements FlowEstimator with pyramidal normalized patch
// correlation: build a Gaussian-less mean pyramid, track coarse-to-fine by
// searching a local window for the best-correlated patch, refining the
// coarse level's estimate at each finer level. This is a real, from-scratch
// substitute for LK optical flow (not a stub): it returns genuine per-pixel
// correlation matches, just without LK's iterative gradient refinement.
type PatchFlow struct{}

// Track implements FlowEstimator.
func (PatchFlow) Track(prev, current *entitygraph.Frame) []Correspondence {
	if prev == nil || prev.ImageLeft == nil || current.ImageLeft == nil {
		return nil
	}
	prevPyr := buildPyramid(prev.ImageLeft, pyramidLevels)
	curPyr := buildPyramid(current.ImageLeft, pyramidLevels)

	out := make([]Correspondence, 0, len(prev.FeaturesLeft))
	for landmarkID, feat := range prev.FeaturesLeft {
		if matched, ok := trackPoint(prevPyr, curPyr, feat.Keypoint); ok {
			out = append(out, Correspondence{LandmarkID: landmarkID, Keypoint: matched})
		}
	}
	return out
}

// MatchStereo implements FlowEstimator by searching along the epipolar line
// (pure horizontal disparity, since the stereo pair is assumed rectified).
func (PatchFlow) MatchStereo(left, right *image.Gray, kp r2.Point) (r2.Point, bool) {
	bestScore := -1.0
	bestX := 0.0
	found := false
	for dx := -stereoSearchDx; dx <= 0; dx++ {
		candidate := r2.Point{X: kp.X + float64(dx), Y: kp.Y}
		score, ok := patchCorrelation(left, right, kp, candidate)
		if !ok {
			continue
		}
		if score > bestScore {
			bestScore = score
			bestX = candidate.X
			found = true
		}
	}
	if !found || bestScore < matchThreshold {
		return r2.Point{}, false
	}
	return r2.Point{X: bestX, Y: kp.Y}, true
}

func buildPyramid(img *image.Gray, levels int) []*image.Gray {
	pyr := make([]*image.Gray, levels)
	pyr[0] = img
	for l := 1; l < levels; l++ {
		pyr[l] = downsample(pyr[l-1])
	}
	return pyr
}

func downsample(img *image.Gray) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx()/2, b.Dy()/2
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := b.Min.X+2*x, b.Min.Y+2*y
			sum := int(img.GrayAt(sx, sy).Y) + int(img.GrayAt(sx+1, sy).Y) +
				int(img.GrayAt(sx, sy+1).Y) + int(img.GrayAt(sx+1, sy+1).Y)
			out.SetGray(x, y, color.Gray{Y: uint8(sum / 4)})
		}
	}
	return out
}

// trackPoint searches coarse-to-fine for the best-correlated patch location
// in cur's pyramid, starting from kp's location in prev's pyramid.
func trackPoint(prevPyr, curPyr []*image.Gray, kp r2.Point) (r2.Point, bool) {
	levels := len(prevPyr)
	scale := math.Pow(2, float64(levels-1))
	estimate := r2.Point{X: kp.X / scale, Y: kp.Y / scale}

	for l := levels - 1; l >= 0; l-- {
		levelScale := math.Pow(2, float64(l))
		origin := r2.Point{X: kp.X / levelScale, Y: kp.Y / levelScale}

		best, ok := searchWindow(prevPyr[l], curPyr[l], origin, estimate)
		if !ok {
			return r2.Point{}, false
		}
		estimate = r2.Point{X: best.X * 2, Y: best.Y * 2}
		if l == 0 {
			return best, true
		}
	}
	return r2.Point{}, false
}

func searchWindow(prev, cur *image.Gray, origin, center r2.Point) (r2.Point, bool) {
	bestScore := -1.0
	var best r2.Point
	found := false
	for dy := -searchRadius; dy <= searchRadius; dy++ {
		for dx := -searchRadius; dx <= searchRadius; dx++ {
			candidate := r2.Point{X: center.X + float64(dx), Y: center.Y + float64(dy)}
			score, ok := patchCorrelation(prev, cur, origin, candidate)
			if !ok {
				continue
			}
			if score > bestScore {
				bestScore = score
				best = candidate
				found = true
			}
		}
	}
	if !found || bestScore < matchThreshold {
		return r2.Point{}, false
	}
	return best, true
}

// patchCorrelation computes the zero-mean normalized cross-correlation of
// an (2*patchRadius+1)^2 patch centered at a in imgA against the matching
// patch centered at b in imgB. Returns false if either patch falls outside
// the image bounds.
func patchCorrelation(imgA, imgB *image.Gray, a, b r2.Point) (float64, bool) {
	boundsA, boundsB := imgA.Bounds(), imgB.Bounds()
	ax, ay := int(a.X), int(a.Y)
	bx, by := int(b.X), int(b.Y)

	if ax-patchRadius < boundsA.Min.X || ax+patchRadius >= boundsA.Max.X ||
		ay-patchRadius < boundsA.Min.Y || ay+patchRadius >= boundsA.Max.Y ||
		bx-patchRadius < boundsB.Min.X || bx+patchRadius >= boundsB.Max.X ||
		by-patchRadius < boundsB.Min.Y || by+patchRadius >= boundsB.Max.Y {
		return 0, false
	}

	n := (2*patchRadius + 1) * (2*patchRadius + 1)
	var sumA, sumB float64
	patchA := make([]float64, 0, n)
	patchB := make([]float64, 0, n)
	for dy := -patchRadius; dy <= patchRadius; dy++ {
		for dx := -patchRadius; dx <= patchRadius; dx++ {
			va := float64(imgA.GrayAt(ax+dx, ay+dy).Y)
			vb := float64(imgB.GrayAt(bx+dx, by+dy).Y)
			patchA = append(patchA, va)
			patchB = append(patchB, vb)
			sumA += va
			sumB += vb
		}
	}
	meanA, meanB := sumA/float64(n), sumB/float64(n)

	var num, denA, denB float64
	for i := range patchA {
		da, db := patchA[i]-meanA, patchB[i]-meanB
		num += da * db
		denA += da * da
		denB += db * db
	}
	if denA < 1e-9 || denB < 1e-9 {
		return 0, false
	}
	return num / math.Sqrt(denA*denB), true
}

// detectFeatures finds up to maxCount well-spread keypoints on img, masking
// out a 20px radius around each point in exclude. It scores candidate
// pixels by local intensity variance (a corner-like texture proxy) on a
// coarse grid, a deliberately simple stand-in for goodFeaturesToTrack's
// Shi-Tomasi corner response.
func detectFeatures(img *image.Gray, exclude []r2.Point, maxCount int) []r2.Point {
	if img == nil || maxCount <= 0 {
		return nil
	}
	const exclusionRadius = 20
	const stride = 8

	b := img.Bounds()
	type candidate struct {
		p     r2.Point
		score float64
	}
	var candidates []candidate

	for y := b.Min.Y + patchRadius; y < b.Max.Y-patchRadius; y += stride {
		for x := b.Min.X + patchRadius; x < b.Max.X-patchRadius; x += stride {
			p := r2.Point{X: float64(x), Y: float64(y)}
			if tooClose(p, exclude, exclusionRadius) {
				continue
			}
			score := localVariance(img, x, y)
			candidates = append(candidates, candidate{p: p, score: score})
		}
	}

	// Partial selection sort for the top maxCount candidates; the grid is
	// small enough per frame that this is not worth a full sort.
	out := make([]r2.Point, 0, maxCount)
	for len(out) < maxCount && len(candidates) > 0 {
		bestIdx := 0
		for i, c := range candidates {
			if c.score > candidates[bestIdx].score {
				bestIdx = i
			}
		}
		out = append(out, candidates[bestIdx].p)
		candidates = append(candidates[:bestIdx], candidates[bestIdx+1:]...)
	}
	return out
}

func tooClose(p r2.Point, existing []r2.Point, radius float64) bool {
	for _, e := range existing {
		if p.Sub(e).Norm() < radius {
			return true
		}
	}
	return false
}

func localVariance(img *image.Gray, x, y int) float64 {
	var sum, sumSq float64
	n := 0
	for dy := -patchRadius; dy <= patchRadius; dy++ {
		for dx := -patchRadius; dx <= patchRadius; dx++ {
			v := float64(img.GrayAt(x+dx, y+dy).Y)
			sum += v
			sumSq += v * v
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

// triangulateStereo reconstructs a 3D point (in the left camera frame) from
// a rectified stereo correspondence via the standard disparity relation.
// Returns false if the disparity is non-positive (degenerate geometry) or
// the forward-reprojection error on either camera exceeds 0.5 px.
func triangulateStereo(calib StereoCalibration, left, right r2.Point) (r3.Vector, bool) {
	disparity := left.X - right.X
	if disparity <= 1e-6 {
		return r3.Vector{}, false
	}
	z := calib.K.Fx * calib.Baseline / disparity
	x := (left.X - calib.K.Cx) * z / calib.K.Fx
	y := (left.Y - calib.K.Cy) * z / calib.K.Fy
	point := r3.Vector{X: x, Y: y, Z: z}

	leftErr := reprojectionError(calib.K, point, left)
	rightPoint := r3.Vector{X: point.X - calib.Baseline, Y: point.Y, Z: point.Z}
	rightErr := reprojectionError(calib.K, rightPoint, right)
	if leftErr > 0.5 || rightErr > 0.5 {
		return r3.Vector{}, false
	}
	return point, true
}

func reprojectionError(k Intrinsics, p r3.Vector, observed r2.Point) float64 {
	proj := r2.Point{X: k.Fx*p.X/p.Z + k.Cx, Y: k.Fy*p.Y/p.Z + k.Cy}
	return proj.Sub(observed).Norm()
}
