package solver

import "math"

// Loss rescales a residual block's squared norm the way Ceres-style robust
// loss functions do: Weight returns the multiplicative factor applied to
// both the residual and its Jacobian (the sqrt of rho'(s)), so a single
// reweighting step approximates the loss's effect on the Gauss-Newton
// normal equations.
type Loss interface {
	Weight(squaredNorm float64) float64
}

// TrivialLoss applies no reweighting: every residual is trusted as-is.
type TrivialLoss struct{}

// Weight always returns 1.
func (TrivialLoss) Weight(float64) float64 { return 1 }

// HuberLoss is the standard Huber robust loss with scale delta: residuals
// within delta are treated as Gaussian (weight 1); beyond delta their
// influence is down-weighted so outliers cannot dominate the solve.
// The adaptive-weights config toggle (see DESIGN.md Open Question (c))
// resolves to this fixed identity-equivalent Huber(1.0) regardless of its
// value, absent a subsystem that supplies adaptive weights.
type HuberLoss struct {
	Delta float64
}

// Weight implements the Huber reweighting rule.
func (h HuberLoss) Weight(squaredNorm float64) float64 {
	delta := h.Delta
	if delta <= 0 {
		delta = 1.0
	}
	n := math.Sqrt(squaredNorm)
	if n <= delta {
		return 1
	}
	return math.Sqrt(delta / n)
}
