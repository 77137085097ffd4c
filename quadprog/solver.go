// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package quadprog solves dense convex quadratic programs of the form
//
//	minimize ‖𝐐𝐱 − 𝐫‖² subject to
//	  - equality constraints: 𝐀𝐱 = 𝐛
//	  - inequality constraints: 𝐂𝐱 ≤ 𝐝
//
// with an active-set method over a null-space parameterization.
//
// The equality constraints are removed first: a particular solution
// 𝐱ₑ of 𝐀𝐱 = 𝐛 and an orthonormal basis 𝐙 of ker(𝐀) give the
// parameterization 𝐱 = 𝐱ₑ + 𝐙𝐲, under which every equality holds for
// any 𝐲. The problem becomes
//
//	minimize ‖𝐐y𝐲 − 𝐫y‖² subject to 𝐂y𝐲 ≤ 𝐝y
//
// with 𝐐y = 𝐐𝐙, 𝐫y = 𝐫 − 𝐐𝐱ₑ, 𝐂y = 𝐂𝐙 and 𝐝y = 𝐝 − 𝐂𝐱ₑ.
//
// The active-set iteration then starts from a feasible point (found
// with the Simplex when necessary), computes a step 𝐩 minimizing the
// objective on the subspace where the active constraints stay tight,
// shortens the step to the first blocking inactive constraint, and
// activates or — guided by the Lagrange multipliers — deactivates
// constraints until the full step is taken with no negative multiplier
// left.
package quadprog

import (
	"math"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/quadopt/kernel"
	"github.com/curioloop/quadopt/simplex"
)

// maxIterations bounds the active-set loop; exceeding it means the
// iteration is cycling and is treated as fatal.
const maxIterations = 1000000

// Solver holds a quadratic program and its reduced form. A Solver is
// not safe for concurrent use; independent instances are.
type Solver struct {
	tol float64

	nx int // decision variables
	nr int // objective rows
	ny int // dimension after equality elimination
	me int // equality constraints
	mi int // inequality constraints

	dec kernel.Decomposer

	q *mat.Dense    // nr×nx objective matrix
	r *mat.VecDense // nr objective vector

	z   *mat.Dense    // nx×ny basis of ker(A); nil when ny == 0
	xeq *mat.VecDense // particular solution of A·x = b

	qy *mat.Dense    // Q·Z; nil when ny == 0
	ry *mat.VecDense // r − Q·xeq
	yu *mat.VecDense // unconstrained minimizer of ‖Qy·y − ry‖²; nil when ny == 0

	cy *mat.Dense    // C·Z; nil when mi == 0 or ny == 0
	dy *mat.VecDense // d − C·xeq; nil when mi == 0 or ny == 0

	yk       *mat.VecDense // current iterate in y-space
	active   []int         // active inequality rows, in activation order
	inactive []int
	ca       *mat.Dense    // rows of Cy selected by active; nil when empty
	da       *mat.VecDense // entries of dy selected by active; nil when empty
}

// Option configures a Solver at construction.
type Option func(*Solver)

// WithDecomposer selects the rank-revealing factorization backend used
// for kernel projections and least-squares solves. The default is
// kernel.SVD, which is more robust on rank-deficient systems;
// kernel.QR is cheaper and adequate for well-conditioned ones.
func WithDecomposer(dec kernel.Decomposer) Option {
	return func(s *Solver) { s.dec = dec }
}

// New creates a solver for nx decision variables and an nr-row
// objective. The objective is zero until UpdateObjective is called.
// tol is the positive tolerance below which numbers count as zero.
func New(nx, nr int, tol float64, opts ...Option) *Solver {
	if nx < 1 {
		panic("quadprog: at least one decision variable is required")
	}
	if nr < 1 {
		panic("quadprog: at least one objective row is required")
	}
	if tol <= 0 {
		panic("quadprog: tolerance must be positive")
	}
	s := &Solver{
		tol: tol,
		nx:  nx,
		nr:  nr,
		ny:  nx,
		dec: kernel.SVD{},
		q:   mat.NewDense(nr, nx, nil),
		r:   mat.NewVecDense(nr, nil),
		z:   identity(nx),
		xeq: mat.NewVecDense(nx, nil),
		yk:  mat.NewVecDense(nx, nil),
	}
	for _, o := range opts {
		o(s)
	}
	s.resetActiveSet()
	s.recomputeObjective()
	return s
}

// NewFromObjective deduces the dimensions from the objective matrices.
func NewFromObjective(q mat.Matrix, r mat.Vector, tol float64, opts ...Option) *Solver {
	nr, nx := q.Dims()
	s := New(nx, nr, tol, opts...)
	s.UpdateObjective(q, r)
	return s
}

// UpdateObjective replaces Q and r and refreshes the reduced objective
// and the unconstrained minimizer. The dimensions must match those the
// solver was created with.
func (s *Solver) UpdateObjective(q mat.Matrix, r mat.Vector) {
	qr, qc := q.Dims()
	if qr != s.nr {
		panic("quadprog: q matrix has wrong number of rows")
	}
	if qc != s.nx {
		panic("quadprog: q matrix has wrong number of columns")
	}
	if r.Len() != s.nr {
		panic("quadprog: r vector has wrong number of rows")
	}
	s.q = mat.DenseCopyOf(q)
	s.r = mat.VecDenseCopyOf(r)
	s.recomputeObjective()
}

// ResetActiveSet clears the warm-start state.
func (s *Solver) ResetActiveSet() { s.resetActiveSet() }

// ClearConstraints removes every equality and inequality constraint and
// clears the active set. The solver falls back to the unconstrained
// least-squares problem on (Q, r).
func (s *Solver) ClearConstraints() {
	s.z = identity(s.nx)
	s.xeq = mat.NewVecDense(s.nx, nil)
	s.cy = nil
	s.dy = nil
	s.mi = 0
	s.me = 0
	s.ny = s.nx
	s.resetActiveSet()
	s.recomputeObjective()
}

// SetConstraints replaces every constraint with the inequality system
// C·x ≤ d, dropping any equalities. It reports whether the constraints
// admit a feasible point; on failure the solver is left unconstrained.
// A nil c (with nil d) removes the inequalities.
func (s *Solver) SetConstraints(c mat.Matrix, d mat.Vector) bool {
	return s.SetConstraintsEq(nil, nil, c, d)
}

// SetConstraintsEq replaces every constraint with A·x = b and C·x ≤ d.
// The equalities are eliminated through a kernel projection; if they
// are infeasible, or the inequalities admit no feasible point, the
// solver is left unconstrained and false is returned. Nil a/c (with
// matching nil b/d) stand for empty constraint sets.
func (s *Solver) SetConstraintsEq(a mat.Matrix, b mat.Vector, c mat.Matrix, d mat.Vector) bool {
	ar := 0
	if a != nil {
		var ac int
		ar, ac = a.Dims()
		if ac != s.nx {
			panic("quadprog: a matrix has wrong number of columns")
		}
		if b == nil || b.Len() != ar {
			panic("quadprog: a matrix and b vector have different number of rows")
		}
	} else if b != nil {
		panic("quadprog: a matrix and b vector have different number of rows")
	}

	if ar == 0 {
		if s.me > 0 {
			// Remove the pre-existing equality constraints.
			s.z = identity(s.nx)
			s.xeq = mat.NewVecDense(s.nx, nil)
			s.me = 0
			s.ny = s.nx
			s.recomputeObjective()
		}
	} else {
		xeq, z := kernel.Projection(s.dec, a, b)

		// A least-squares residual above the tolerance means the
		// equalities have no exact solution.
		var res mat.VecDense
		res.MulVec(a, xeq)
		for i := 0; i < ar; i++ {
			if math.Abs(res.AtVec(i)-b.AtVec(i)) > s.tol {
				s.ClearConstraints()
				return false
			}
		}

		s.xeq = xeq
		s.z = z // nil when the equalities fully determine x
		s.me = ar
		if z == nil {
			s.ny = 0
		} else {
			_, s.ny = z.Dims()
		}
		s.recomputeObjective()
	}

	// Forcing mi to zero makes UpdateInequalities rebuild the active
	// set and re-check feasibility.
	s.mi = 0
	return s.UpdateInequalities(c, d)
}

// UpdateInequalities replaces the inequality constraints. When the
// number of rows is unchanged the active set is preserved (warm start)
// and no feasibility check runs; otherwise feasibility is established
// with a Simplex probe and the active set is reset. It reports false
// only when the dimension changed and no feasible point exists, in
// which case the solver is left unconstrained.
func (s *Solver) UpdateInequalities(c mat.Matrix, d mat.Vector) bool {
	cr := 0
	if c != nil {
		var cc int
		cr, cc = c.Dims()
		if cc != s.nx {
			panic("quadprog: c matrix has wrong number of columns")
		}
		if d == nil || d.Len() != cr {
			panic("quadprog: c matrix and d vector have different number of rows")
		}
	} else if d != nil {
		panic("quadprog: c matrix and d vector have different number of rows")
	}

	// Reduce the inequalities into y-space.
	if cr > 0 && s.ny > 0 {
		if s.me > 0 {
			cy := mat.NewDense(cr, s.ny, nil)
			cy.Mul(c, s.z)
			var cx mat.VecDense
			cx.MulVec(c, s.xeq)
			dy := mat.NewVecDense(cr, nil)
			dy.SubVec(d, &cx)
			s.cy, s.dy = cy, dy
		} else {
			s.cy = mat.DenseCopyOf(c)
			s.dy = mat.VecDenseCopyOf(d)
		}
	} else {
		s.cy, s.dy = nil, nil
	}

	// A changed dimension rules out a warm start.
	if cr != s.mi {
		if cr > 0 {
			if s.ny > 0 {
				yk, ok := s.phaseOne()
				if !ok {
					s.ClearConstraints()
					return false
				}
				s.yk = yk
			} else {
				// The equalities fully constrain the decision vector:
				// either xeq satisfies the inequalities on its own, or
				// the constraint set as a whole is infeasible.
				var cx mat.VecDense
				cx.MulVec(c, s.xeq)
				for i := 0; i < cr; i++ {
					if cx.AtVec(i)-d.AtVec(i) > 0 {
						s.ClearConstraints()
						return false
					}
				}
			}
		}
		s.mi = cr
		s.resetActiveSet()
	}
	return true
}

// Solve runs the active-set iteration and stores the minimizer in x,
// which must be empty or of length nx. When the length of x happens to
// match the reduced dimension, its contents serve as a candidate
// feasible start. It reports false when no feasible point exists.
func (s *Solver) Solve(x *mat.VecDense) bool {
	if x == nil {
		panic("quadprog: output vector must not be nil")
	}

	// Fully constrained by the equalities: x = xeq is all there is.
	if s.ny == 0 {
		prepareOut(x, s.nx)
		x.CopyVec(s.xeq)
		return true
	}

	y, ok := s.solveY(x)
	if !ok {
		return false
	}

	prepareOut(x, s.nx)
	if s.me > 0 {
		x.MulVec(s.z, y)
		x.AddVec(x, s.xeq)
	} else {
		x.CopyVec(y)
	}
	return true
}

// solveY runs the active-set loop in the reduced space and returns the
// minimizer over y.
func (s *Solver) solveY(hint *mat.VecDense) (*mat.VecDense, bool) {
	// Without inequalities this is plain least squares.
	if s.mi == 0 {
		return s.yu, true
	}

	// Zero the iterate only when its shape no longer matches.
	if s.yk == nil || s.yk.Len() != s.ny {
		s.yk = mat.NewVecDense(s.ny, nil)
	}

	if !s.guess(hint) {
		return nil, false
	}

	for iter := 0; ; iter++ {
		if iter > maxIterations {
			panic("quadprog: active-set iteration limit exceeded")
		}

		na := len(s.active)

		// Step direction.
		p := mat.NewVecDense(s.ny, nil)
		if na > 0 {
			// Minimize ‖Qy(yk+p) − ry‖² subject to Ca·p = 0 through a
			// kernel basis W of Ca (Ca·W = 0, so p = W·u stays tight):
			//   p = W·argmin‖Qy·W·u − (ry − Qy·yk)‖²
			if w := s.dec.NullSpace(s.ca); w != nil {
				_, k := w.Dims()
				qw := mat.NewDense(s.nr, k, nil)
				qw.Mul(s.qy, w)
				u := s.dec.Solve(qw, s.residual())
				p.MulVec(w, u)
			}
			// An empty kernel pins p = 0: the active set fully
			// determines the iterate.
		} else {
			// Nothing active: aim straight at the unconstrained
			// minimum, p = yu − yk.
			p.SubVec(s.yu, s.yk)
		}

		// Largest step 0 ≤ α ≤ 1 keeping the inactive constraints
		// satisfied; remember the blocking constraint, if any.
		alpha := 1.0
		blocking := -1
		for i, idx := range s.inactive {
			var cp, cyk float64
			for j := 0; j < s.ny; j++ {
				cij := s.cy.At(idx, j)
				cp += cij * p.AtVec(j)
				cyk += cij * s.yk.AtVec(j)
			}
			if cp > 0 {
				if ai := (s.dy.AtVec(idx) - cyk) / cp; ai < alpha {
					alpha = ai
					blocking = i
				}
			}
		}

		if blocking != -1 {
			s.yk.AddScaledVec(s.yk, alpha, p)
			s.activate(blocking)
			continue
		}

		// Full step.
		s.yk.AddVec(s.yk, p)

		if na == 0 {
			// Nothing active and α = 1: this is the global minimum.
			return s.yk, true
		}

		// Solve Caᵀ·μ = Qyᵀ(ry − Qy·yk) for the multipliers (the
		// factor 2 of the gradient is folded into μ) and deactivate
		// the most negative one. The constraint activated last is
		// skipped to avoid immediate re-activation.
		g := mat.NewVecDense(s.ny, nil)
		g.MulVec(s.qy.T(), s.residual())
		mu := s.dec.Solve(s.ca.T(), g)
		idx, muMin := -1, 0.0
		for i := 0; i < na-1; i++ {
			if v := mu.AtVec(i); v < muMin {
				muMin = v
				idx = i
			}
		}
		if idx == -1 {
			// All multipliers non-negative: optimal.
			return s.yk, true
		}
		s.deactivate(idx)
	}
}

// guess establishes a feasible initial iterate, trying in order the
// current iterate, the caller-supplied hint, the least-squares solution
// of the active constraints and finally a Simplex probe.
func (s *Solver) guess(hint *mat.VecDense) bool {
	if maxResidual(s.cy, s.yk, s.dy) < s.tol {
		return true
	}
	if hint != nil && !hint.IsEmpty() && hint.Len() == s.ny && maxResidual(s.cy, hint, s.dy) <= 0 {
		s.yk.CopyVec(hint)
		return true
	}
	if len(s.active) > 0 {
		if yk := s.dec.Solve(s.ca, s.da); maxResidual(s.cy, yk, s.dy) <= 0 {
			s.yk = yk
			return true
		}
	}
	yk, ok := s.phaseOne()
	if ok {
		s.yk = yk
	}
	return ok
}

// phaseOne asks the Simplex for a point of the shrunk constraint set
// Cy·y ≤ dy − tol, which lies strictly inside the original one, then
// double-checks it against the original inequalities.
func (s *Solver) phaseOne() (*mat.VecDense, bool) {
	cr, _ := s.cy.Dims()
	strict := mat.NewVecDense(cr, nil)
	for i := 0; i < cr; i++ {
		strict.SetVec(i, s.dy.AtVec(i)-s.tol)
	}
	yk, err := simplex.Minimize(nil, nil, nil, s.cy, strict, s.tol, -1)
	if err != nil || maxResidual(s.cy, yk, s.dy) > 0 {
		return nil, false
	}
	return yk, true
}

// activate moves the inactive constraint at position i into the active
// set and rematerializes (Ca, da) with the corresponding row appended.
func (s *Solver) activate(i int) {
	idx := s.inactive[i]
	na := len(s.active)
	ca := mat.NewDense(na+1, s.ny, nil)
	if s.ca != nil {
		ca.Copy(s.ca)
	}
	for j := 0; j < s.ny; j++ {
		ca.Set(na, j, s.cy.At(idx, j))
	}
	da := mat.NewVecDense(na+1, nil)
	if s.da != nil {
		da.CopyVec(s.da)
	}
	da.SetVec(na, s.dy.AtVec(idx))
	s.ca, s.da = ca, da
	s.active = append(s.active, idx)
	s.inactive = slices.Delete(s.inactive, i, i+1)
}

// deactivate removes the active constraint at position i. The trailing
// rows of (Ca, da) are shifted up into a fresh copy rather than in
// place, which would alias source and destination.
func (s *Solver) deactivate(i int) {
	na := len(s.active)
	var ca *mat.Dense
	var da *mat.VecDense
	if na > 1 {
		ca = mat.NewDense(na-1, s.ny, nil)
		da = mat.NewVecDense(na-1, nil)
		rr := 0
		for r := 0; r < na; r++ {
			if r == i {
				continue
			}
			for j := 0; j < s.ny; j++ {
				ca.Set(rr, j, s.ca.At(r, j))
			}
			da.SetVec(rr, s.da.AtVec(r))
			rr++
		}
	}
	s.ca, s.da = ca, da
	s.inactive = append(s.inactive, s.active[i])
	s.active = slices.Delete(s.active, i, i+1)
}

func (s *Solver) resetActiveSet() {
	s.ca = nil
	s.da = nil
	s.active = s.active[:0]
	s.inactive = s.inactive[:0]
	for i := 0; i < s.mi; i++ {
		s.inactive = append(s.inactive, i)
	}
}

// recomputeObjective refreshes the reduced objective Qy, ry and the
// unconstrained minimizer yu after the objective or the equality
// projection changed.
func (s *Solver) recomputeObjective() {
	if s.me > 0 {
		if s.ny > 0 {
			qy := mat.NewDense(s.nr, s.ny, nil)
			qy.Mul(s.q, s.z)
			var qx mat.VecDense
			qx.MulVec(s.q, s.xeq)
			ry := mat.NewVecDense(s.nr, nil)
			ry.SubVec(s.r, &qx)
			s.qy, s.ry = qy, ry
		} else {
			s.qy = nil
			s.ry = mat.NewVecDense(s.nr, nil)
		}
	} else {
		s.qy = s.q
		s.ry = s.r
	}
	if s.ny > 0 {
		s.yu = s.dec.Solve(s.qy, s.ry)
	} else {
		s.yu = nil
	}
}

// residual returns ry − Qy·yk.
func (s *Solver) residual() *mat.VecDense {
	var qyk mat.VecDense
	qyk.MulVec(s.qy, s.yk)
	res := mat.NewVecDense(s.nr, nil)
	res.SubVec(s.ry, &qyk)
	return res
}

// maxResidual returns max(C·y − d) over the rows of c.
func maxResidual(c *mat.Dense, y, d *mat.VecDense) float64 {
	var cy mat.VecDense
	cy.MulVec(c, y)
	r, _ := c.Dims()
	m := math.Inf(-1)
	for i := 0; i < r; i++ {
		if v := cy.AtVec(i) - d.AtVec(i); v > m {
			m = v
		}
	}
	return m
}

func prepareOut(x *mat.VecDense, n int) {
	if x.IsEmpty() {
		x.ReuseAsVec(n)
	} else if x.Len() != n {
		panic("quadprog: output vector has wrong length")
	}
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
