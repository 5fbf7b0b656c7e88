package solver

import (
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CostFunction is an opaque residual: given the current ambient value of
// each of its parameter blocks (in the order it was registered with
// AddResidualBlock), it returns the residual vector and, for each block,
// the Jacobian of the residual with respect to that block's local tangent
// space (residualDim x TangentDim(block), row-major).
type CostFunction interface {
	ResidualDim() int
	Evaluate(ambient [][]float64) (residual []float64, jacobians [][]float64)
}

type blockEntry struct {
	id       string
	block    Block
	constant bool
	offset   int // column offset into the tangent vector; -1 if constant
}

type residualEntry struct {
	cost    CostFunction
	loss    Loss
	blockID []string
}

// Problem accumulates parameter blocks and residual blocks, then solves for
// the tangent-space update that minimizes the sum of (robustly weighted)
// squared residuals, mirroring cartofacade.Queue's pattern of treating "the
// call into the external solver" as a single opaque request crossing a
// boundary (cartofacade.Queue / WorkItem.DoWork), except here the boundary
// is this package rather than a CGO call.
type Problem struct {
	blocks    map[string]*blockEntry
	order     []string
	residuals []residualEntry
}

// NewProblem returns an empty Problem.
func NewProblem() *Problem {
	return &Problem{blocks: make(map[string]*blockEntry)}
}

// AddParameterBlock registers a block under id. Re-adding the same id
// replaces its current value but preserves its constant flag.
func (p *Problem) AddParameterBlock(id string, b Block) {
	if existing, ok := p.blocks[id]; ok {
		existing.block = b
		return
	}
	p.blocks[id] = &blockEntry{id: id, block: b}
	p.order = append(p.order, id)
}

// SetConstant marks a previously added block as fixed: it is never updated
// by Solve. Used to anchor gauge freedom (e.g. fixing the first pose and
// velocity during inertial initialization).
func (p *Problem) SetConstant(id string) {
	if b, ok := p.blocks[id]; ok {
		b.constant = true
	}
}

// SetVariable clears a previous SetConstant.
func (p *Problem) SetVariable(id string) {
	if b, ok := p.blocks[id]; ok {
		b.constant = false
	}
}

// Block returns the current value of a registered block.
func (p *Problem) Block(id string) (Block, error) {
	b, ok := p.blocks[id]
	if !ok {
		return nil, errors.Errorf("solver: unknown block %q", id)
	}
	return b.block, nil
}

// AddResidualBlock registers a cost function over the given (already added)
// block ids, with an optional robust loss (nil means TrivialLoss).
func (p *Problem) AddResidualBlock(cost CostFunction, loss Loss, blockIDs ...string) error {
	for _, id := range blockIDs {
		if _, ok := p.blocks[id]; !ok {
			return errors.Errorf("solver: residual references unknown block %q", id)
		}
	}
	if loss == nil {
		loss = TrivialLoss{}
	}
	p.residuals = append(p.residuals, residualEntry{cost: cost, loss: loss, blockID: blockIDs})
	return nil
}

// Options controls the Solve loop.
type Options struct {
	MaxIterations int
	// FunctionTolerance stops the solve once the relative cost decrease
	// between iterations falls below this value.
	FunctionTolerance float64
	// InitialLambda seeds the Levenberg-Marquardt damping term.
	InitialLambda float64
	// MaxDuration, if positive, stops the solve once this much wall-clock
	// time has elapsed, even if MaxIterations has not been reached (the
	// backend's per-cycle solver time budget). Zero means unbounded.
	MaxDuration time.Duration
}

// DefaultOptions returns the solver's default stopping criteria.
func DefaultOptions() Options {
	return Options{MaxIterations: 25, FunctionTolerance: 1e-8, InitialLambda: 1e-4}
}

// Summary reports the outcome of a Solve call.
type Summary struct {
	Iterations  int
	InitialCost float64
	FinalCost   float64
	Converged   bool
}

func (p *Problem) tangentLayout() (int, []*blockEntry) {
	total := 0
	var variable []*blockEntry
	for _, id := range p.order {
		b := p.blocks[id]
		if b.constant {
			b.offset = -1
			continue
		}
		b.offset = total
		total += b.block.TangentDim()
		variable = append(variable, b)
	}
	return total, variable
}

// cost evaluates the current total (weighted) residual sum-of-squares.
func (p *Problem) cost() float64 {
	total := 0.0
	for _, r := range p.residuals {
		ambient := make([][]float64, len(r.blockID))
		for i, id := range r.blockID {
			ambient[i] = p.blocks[id].block.Ambient()
		}
		res, _ := r.cost.Evaluate(ambient)
		sq := sumSquares(res)
		w := r.loss.Weight(sq)
		total += 0.5 * w * w * sq
	}
	return total
}

func sumSquares(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return s
}

// Solve runs a Levenberg-Marquardt damped Gauss-Newton iteration over every
// registered residual block, updating each non-constant parameter block's
// value in place via its Retract. Returns a Summary describing convergence.
func (p *Problem) Solve(opts Options) (Summary, error) {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions().MaxIterations
	}
	if opts.InitialLambda <= 0 {
		opts.InitialLambda = DefaultOptions().InitialLambda
	}

	dim, _ := p.tangentLayout()
	summary := Summary{InitialCost: p.cost()}
	if dim == 0 {
		summary.FinalCost = summary.InitialCost
		summary.Converged = true
		return summary, nil
	}

	lambda := opts.InitialLambda
	prevCost := summary.InitialCost

	var deadline time.Time
	if opts.MaxDuration > 0 {
		deadline = time.Now().Add(opts.MaxDuration)
	}

	for iter := 0; iter < opts.MaxIterations; iter++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		dim, variable := p.tangentLayout()
		jtj := mat.NewDense(dim, dim, nil)
		jtr := mat.NewVecDense(dim, nil)

		for _, r := range p.residuals {
			if err := p.accumulate(r, jtj, jtr); err != nil {
				return summary, err
			}
		}

		// Multiplicative damping plus a small additive floor, so a block
		// whose Jacobian happens to vanish at the current iterate cannot
		// leave an exactly singular diagonal behind.
		for i := 0; i < dim; i++ {
			jtj.Set(i, i, jtj.At(i, i)*(1+lambda)+lambda*1e-8)
		}

		var delta mat.VecDense
		if err := delta.SolveVec(jtj, jtr); err != nil {
			lambda *= 10
			summary.Iterations = iter + 1
			continue
		}

		snapshot := p.snapshot()
		p.applyDelta(variable, &delta)
		newCost := p.cost()
		summary.Iterations = iter + 1

		if newCost > prevCost {
			p.restore(snapshot)
			lambda *= 10
			if lambda > 1e12 {
				break
			}
			continue
		}

		lambda = maxFloat(lambda/10, 1e-12)
		decrease := relativeDecrease(prevCost, newCost)
		prevCost = newCost
		if decrease < opts.FunctionTolerance {
			summary.Converged = true
			break
		}
	}

	summary.FinalCost = prevCost
	return summary, nil
}

func relativeDecrease(prev, next float64) float64 {
	if prev == 0 {
		return 0
	}
	return (prev - next) / prev
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// accumulate adds one residual block's contribution (J^T W J, -J^T W r) into
// the global normal equations, placing each block's Jacobian columns at its
// tangent offset, leaving constant blocks' columns untouched.
func (p *Problem) accumulate(r residualEntry, jtj *mat.Dense, jtr *mat.VecDense) error {
	ambient := make([][]float64, len(r.blockID))
	for i, id := range r.blockID {
		ambient[i] = p.blocks[id].block.Ambient()
	}
	res, jac := r.cost.Evaluate(ambient)
	rdim := len(res)
	w := r.loss.Weight(sumSquares(res))

	// weighted Jacobian blocks, keyed by global offset (skip constants)
	type col struct {
		offset int
		j      *mat.Dense
	}
	var cols []col
	for i, id := range r.blockID {
		b := p.blocks[id]
		if b.constant {
			continue
		}
		tdim := b.block.TangentDim()
		jd := mat.NewDense(rdim, tdim, jac[i])
		jd.Scale(w, jd)
		cols = append(cols, col{offset: b.offset, j: jd})
	}

	resVec := mat.NewVecDense(rdim, res)
	resVec.ScaleVec(w, resVec)

	for _, c := range cols {
		_, cdim := c.j.Dims()
		// jtr accumulates -J^T W r, so the solved delta already points down
		// the descent direction and is applied to each block as-is.
		var jtrBlock mat.VecDense
		jtrBlock.MulVec(c.j.T(), resVec)
		for i := 0; i < cdim; i++ {
			jtr.SetVec(c.offset+i, jtr.AtVec(c.offset+i)-jtrBlock.AtVec(i))
		}

		for _, c2 := range cols {
			var block mat.Dense
			block.Mul(c.j.T(), c2.j)
			rows, colsN := block.Dims()
			for i := 0; i < rows; i++ {
				for j := 0; j < colsN; j++ {
					jtj.Set(c.offset+i, c2.offset+j, jtj.At(c.offset+i, c2.offset+j)+block.At(i, j))
				}
			}
		}
	}
	return nil
}

func (p *Problem) snapshot() map[string]Block {
	out := make(map[string]Block, len(p.blocks))
	for id, b := range p.blocks {
		out[id] = b.block
	}
	return out
}

func (p *Problem) restore(snapshot map[string]Block) {
	for id, b := range snapshot {
		p.blocks[id].block = b
	}
}

func (p *Problem) applyDelta(variable []*blockEntry, delta *mat.VecDense) {
	for _, b := range variable {
		d := make([]float64, b.block.TangentDim())
		for i := range d {
			d[i] = delta.AtVec(b.offset + i)
		}
		b.block = b.block.Retract(d)
	}
}
