// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package simplex solves dense linear programs of the form
//
//	minimize 𝐟ᵀ𝐱 subject to
//	  - equality constraints: 𝐀𝐱 = 𝐛
//	  - inequality constraints: 𝐂𝐱 ≤ 𝐝
//
// with the tableau Simplex method. Equality constraints are eliminated
// by a null-space projection 𝐱 = 𝐱ₑ + 𝐙𝐲, leaving an inequality-only
// problem over 𝐲. Decision variables are split into non-negative
// working variables through a transform 𝐱 = 𝐓𝐰 deduced from
// single-variable sign constraints, slack variables turn the
// inequalities into equalities, and constraints with negative
// right-hand side receive an artificial variable. Feasibility is then
// established with either the two-phase method or the big-M penalty
// method before the true objective is optimized.
package simplex

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/quadopt/kernel"
)

var (
	// ErrInfeasible flags a constraint set with no feasible point.
	ErrInfeasible = errors.New("simplex: problem is infeasible")
	// ErrUnbounded flags an objective unbounded from below.
	ErrUnbounded = errors.New("simplex: problem is unbounded")
	// ErrInternal flags a violated invariant of the method itself.
	ErrInternal = errors.New("simplex: internal error")
)

func isAlmostZero(v, tol float64) bool { return math.Abs(v) <= tol }

// Minimize solves min 𝐟ᵀ𝐱 s.t. 𝐀𝐱 = 𝐛, 𝐂𝐱 ≤ 𝐝 and returns the
// minimizer. A nil f stands for a zero objective, in which case the
// decision dimension is deduced from C. A nil a (with nil b) means the
// problem has no equality constraints. tol is the positive tolerance
// below which numbers count as zero. A positive bigM selects the
// penalty method with that constant; otherwise the two-phase method is
// used. Failures wrap ErrInfeasible, ErrUnbounded or ErrInternal
// together with a diagnostic message.
func Minimize(f mat.Vector, a mat.Matrix, b mat.Vector, c mat.Matrix, d mat.Vector, tol, bigM float64) (*mat.VecDense, error) {
	if tol <= 0 {
		panic("simplex: tolerance must be positive")
	}
	if a == nil && b == nil {
		return minimizeInequality(f, c, d, tol, bigM)
	}
	if a == nil || b == nil {
		panic("simplex: a matrix and b vector have different number of rows")
	}
	ar, n := a.Dims()
	if b.Len() != ar {
		panic("simplex: a matrix and b vector have different number of rows")
	}
	if f != nil && f.Len() != n {
		panic("simplex: f vector has wrong number of rows")
	}
	if c != nil {
		if _, cc := c.Dims(); cc != n {
			panic("simplex: c matrix has wrong number of columns")
		}
	}

	// Solve A·x = b in the least-squares sense and extract ker(A).
	xeq, z := kernel.SVDProjection(a, b)

	// If A·x = b has no solution, xeq only minimizes the residual,
	// which cannot be accepted in this context.
	var res mat.VecDense
	res.MulVec(a, xeq)
	for i := 0; i < ar; i++ {
		if math.Abs(res.AtVec(i)-b.AtVec(i)) > tol {
			return nil, fmt.Errorf("%w: equality constraints are infeasible", ErrInfeasible)
		}
	}

	if z == nil {
		// The equalities fully determine the decision vector: xeq is
		// the solution, provided it satisfies the inequalities.
		if c != nil {
			cr, _ := c.Dims()
			var cx mat.VecDense
			cx.MulVec(c, xeq)
			for i := 0; i < cr; i++ {
				if cx.AtVec(i)-d.AtVec(i) > tol {
					return nil, fmt.Errorf("%w: the solution is fully determined by the equality constraints but violates inequality row %d", ErrInfeasible, i)
				}
			}
		}
		return xeq, nil
	}

	// Parameterize x = xeq + Z·y; for every y the equalities hold, so
	// the problem reduces to
	//   min (Zᵀf)ᵀy  s.t.  (C·Z)·y ≤ d − C·xeq
	_, k := z.Dims()
	var fy *mat.VecDense
	if f != nil {
		fy = mat.NewVecDense(k, nil)
		fy.MulVec(z.T(), f)
	}
	var cy *mat.Dense
	var dy *mat.VecDense
	if c != nil {
		cr, _ := c.Dims()
		cy = mat.NewDense(cr, k, nil)
		cy.Mul(c, z)
		var cx mat.VecDense
		cx.MulVec(c, xeq)
		dy = mat.NewVecDense(cr, nil)
		dy.SubVec(d, &cx)
	}

	y, err := minimizeInequality(vecOrNil(fy), matOrNil(cy), vecOrNil(dy), tol, bigM)
	if err != nil {
		return nil, fmt.Errorf("failed to solve the inequality constrained sub-problem: %w", err)
	}
	x := mat.NewVecDense(n, nil)
	x.MulVec(z, y)
	x.AddVec(x, xeq)
	return x, nil
}

// Maximize solves max 𝐟ᵀ𝐱 under the same constraints as Minimize, by
// negating the objective.
func Maximize(f mat.Vector, a mat.Matrix, b mat.Vector, c mat.Matrix, d mat.Vector, tol, bigM float64) (*mat.VecDense, error) {
	var nf mat.Vector
	if f != nil {
		neg := mat.NewVecDense(f.Len(), nil)
		neg.ScaleVec(-1, f)
		nf = neg
	}
	return Minimize(nf, a, b, c, d, tol, bigM)
}

// minimizeInequality solves the inequality-only form of the problem.
func minimizeInequality(f mat.Vector, c mat.Matrix, d mat.Vector, tol, bigM float64) (*mat.VecDense, error) {
	n := 0
	if f != nil {
		n = f.Len()
	}
	cr := 0
	if c != nil {
		var cc int
		cr, cc = c.Dims()
		if n == 0 {
			n = cc
		} else if cc != n {
			panic("simplex: c matrix has wrong number of columns")
		}
		if d == nil || d.Len() != cr {
			panic("simplex: c matrix and d vector have different number of rows")
		}
	} else if d != nil {
		panic("simplex: c matrix and d vector have different number of rows")
	}
	if n == 0 {
		panic("simplex: the problem does not have any variable")
	}

	// Without prior bounds on the decision variables a problem with no
	// constraints is ill-defined: the "solution" would be infinite.
	if cr == 0 {
		return nil, fmt.Errorf("%w: no constraints given, the problem is ill-defined", ErrInfeasible)
	}

	// Drop degenerate rows 0·x ≤ k with k ≥ 0; a degenerate row with
	// negative right-hand side can never be satisfied.
	rows := make([]int, 0, cr)
	for i := 0; i < cr; i++ {
		zeroRow := true
		for j := 0; j < n; j++ {
			if !isAlmostZero(c.At(i, j), tol) {
				zeroRow = false
				break
			}
		}
		if !zeroRow {
			rows = append(rows, i)
		} else if d.AtVec(i) < 0 {
			return nil, fmt.Errorf("%w: found infeasible degenerate constraint (row %d)", ErrInfeasible, i)
		}
	}
	m := len(rows)
	var ck *mat.Dense
	dk := make([]float64, m)
	if m > 0 {
		ck = mat.NewDense(m, n, nil)
		for ii, i := range rows {
			for j := 0; j < n; j++ {
				ck.Set(ii, j, c.At(i, j))
			}
			dk[ii] = d.AtVec(i)
		}
	}

	// Deduce variable signs and build the split transform x = T·w, w ≥ 0.
	doms, err := deduceDomains(ck, dk, n, tol)
	if err != nil {
		return nil, err
	}
	t, nv := transformationMatrix(doms)

	// Transform objective and constraints: fs = Tᵀf, Cs = C·T.
	fs := make([]float64, nv)
	if f != nil {
		for j := 0; j < nv; j++ {
			var sum float64
			for i := 0; i < n; i++ {
				sum += t.At(i, j) * f.AtVec(i)
			}
			fs[j] = sum
		}
	}
	var cs *mat.Dense
	if m > 0 && nv > 0 {
		cs = mat.NewDense(m, nv, nil)
		cs.Mul(ck, t)
	}

	tab := newTableau(cs, dk, nv, m)
	if bigM > 0 {
		err = tab.penalty(fs, tol, bigM)
	} else {
		err = tab.twoPhase(fs, tol)
	}
	if err != nil {
		return nil, err
	}

	// Read back the working variables and map to the original domain.
	w := tab.solution()
	x := mat.NewVecDense(n, nil)
	if t != nil {
		for i := 0; i < n; i++ {
			var sum float64
			for j := 0; j < nv; j++ {
				sum += t.At(i, j) * w[j]
			}
			x.SetVec(i, sum)
		}
	}
	if ck != nil {
		var cx mat.VecDense
		cx.MulVec(ck, x)
		for i := 0; i < m; i++ {
			if cx.AtVec(i)-dk[i] >= tol {
				panic("simplex: optimization completed but constraints are not respected")
			}
		}
	}
	return x, nil
}

// vecOrNil and matOrNil avoid storing typed nil pointers in interfaces.
func vecOrNil(v *mat.VecDense) mat.Vector {
	if v == nil {
		return nil
	}
	return v
}

func matOrNil(m *mat.Dense) mat.Matrix {
	if m == nil {
		return nil
	}
	return m
}
