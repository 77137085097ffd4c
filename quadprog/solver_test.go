// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quadprog

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/quadopt/kernel"
)

const (
	solveTol = 1e-9
	compTol  = 1e-6
)

func decomposers() map[string]kernel.Decomposer {
	return map[string]kernel.Decomposer{"SVD": kernel.SVD{}, "QR": kernel.QR{}}
}

func requireVec(t *testing.T, want []float64, x *mat.VecDense, tol float64) {
	t.Helper()
	require.Equal(t, len(want), x.Len())
	for i, w := range want {
		require.InDelta(t, w, x.AtVec(i), tol)
	}
}

// Equality and inequality constraints together: the classic worked
// example of the package.
func TestSolveWithEqualityAndInequality(t *testing.T) {
	q := mat.NewDense(1, 2, []float64{1, 1})
	r := mat.NewVecDense(1, []float64{5})
	a := mat.NewDense(1, 2, []float64{1, -1})
	b := mat.NewVecDense(1, []float64{10})
	c := mat.NewDense(1, 2, []float64{1, 4})
	d := mat.NewVecDense(1, []float64{0})

	for name, dec := range decomposers() {
		t.Run(name, func(t *testing.T) {
			s := NewFromObjective(q, r, solveTol, WithDecomposer(dec))
			require.True(t, s.SetConstraintsEq(a, b, c, d))
			var x mat.VecDense
			require.True(t, s.Solve(&x))
			requireVec(t, []float64{7.5, -2.5}, &x, compTol)
		})
	}
}

// Without constraints the solver degenerates to plain least squares.
func TestSolveUnconstrained(t *testing.T) {
	q := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	r := mat.NewVecDense(2, []float64{3, 4})

	s := NewFromObjective(q, r, solveTol)
	require.True(t, s.SetConstraints(nil, nil))
	var x mat.VecDense
	require.True(t, s.Solve(&x))
	requireVec(t, []float64{3, 4}, &x, compTol)
}

// Equality-only: the minimizer is the minimum-norm point of the affine
// set, whichever decomposer drives the projection.
func TestSolveEqualityOnly(t *testing.T) {
	q := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	r := mat.NewVecDense(2, []float64{0, 0})
	a := mat.NewDense(1, 2, []float64{1, 1})
	b := mat.NewVecDense(1, []float64{1})

	for name, dec := range decomposers() {
		t.Run(name, func(t *testing.T) {
			s := NewFromObjective(q, r, solveTol, WithDecomposer(dec))
			require.True(t, s.SetConstraintsEq(a, b, nil, nil))
			var x mat.VecDense
			require.True(t, s.Solve(&x))
			requireVec(t, []float64{0.5, 0.5}, &x, compTol)
		})
	}
}

// Infeasible equalities downgrade the solver to the unconstrained
// least-squares problem.
func TestEqualityInfeasible(t *testing.T) {
	q := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	r := mat.NewVecDense(2, []float64{3, 4})
	a := mat.NewDense(2, 2, []float64{1, 0, 1, 0})
	b := mat.NewVecDense(2, []float64{1, 2})

	s := NewFromObjective(q, r, solveTol)
	require.False(t, s.SetConstraintsEq(a, b, nil, nil))
	require.Equal(t, 0, s.me)
	require.Equal(t, 0, s.mi)

	var x mat.VecDense
	require.True(t, s.Solve(&x))
	requireVec(t, []float64{3, 4}, &x, compTol)
}

// Infeasible inequalities behave the same way.
func TestInequalityInfeasible(t *testing.T) {
	q := mat.NewDense(1, 1, []float64{1})
	r := mat.NewVecDense(1, []float64{0})
	c := mat.NewDense(2, 1, []float64{1, -1})
	d := mat.NewVecDense(2, []float64{-1, -1})

	s := NewFromObjective(q, r, solveTol)
	require.False(t, s.SetConstraints(c, d))
	require.Equal(t, 0, s.mi)

	var x mat.VecDense
	require.True(t, s.Solve(&x))
	requireVec(t, []float64{0}, &x, compTol)
}

// A blocking constraint activates during the iteration.
func TestSolveActivatesConstraint(t *testing.T) {
	q := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	r := mat.NewVecDense(2, []float64{3, 4})
	c := mat.NewDense(1, 2, []float64{1, 0})
	d := mat.NewVecDense(1, []float64{1})

	for name, dec := range decomposers() {
		t.Run(name, func(t *testing.T) {
			s := NewFromObjective(q, r, solveTol, WithDecomposer(dec))
			require.True(t, s.SetConstraints(c, d))
			var x mat.VecDense
			require.True(t, s.Solve(&x))
			requireVec(t, []float64{1, 4}, &x, compTol)
			require.Equal(t, []int{0}, s.active)
		})
	}
}

// After an objective update, a previously active constraint must leave
// the active set again (negative Lagrange multiplier).
func TestSolveDeactivatesConstraint(t *testing.T) {
	q := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	r := mat.NewVecDense(2, []float64{3, 3})
	c := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	d := mat.NewVecDense(2, []float64{1, 1})

	s := NewFromObjective(q, r, solveTol)
	require.True(t, s.SetConstraints(c, d))
	var x mat.VecDense
	require.True(t, s.Solve(&x))
	requireVec(t, []float64{1, 1}, &x, compTol)
	require.ElementsMatch(t, []int{0, 1}, s.active)

	// Pull the target across the first constraint: x₁ ≤ 1 no longer
	// binds at the optimum and must deactivate.
	s.UpdateObjective(q, mat.NewVecDense(2, []float64{-3, 3}))
	require.True(t, s.Solve(&x))
	requireVec(t, []float64{-3, 1}, &x, compTol)
	require.Equal(t, []int{1}, s.active)
}

// Re-installing identical inequalities keeps the warm-start state
// untouched and solving again changes nothing.
func TestWarmStartDeterminism(t *testing.T) {
	q := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	r := mat.NewVecDense(2, []float64{3, 4})
	c := mat.NewDense(1, 2, []float64{1, 0})
	d := mat.NewVecDense(1, []float64{1})

	s := NewFromObjective(q, r, solveTol)
	require.True(t, s.SetConstraints(c, d))
	var x1 mat.VecDense
	require.True(t, s.Solve(&x1))

	activeBefore := slices.Clone(s.active)
	inactiveBefore := slices.Clone(s.inactive)
	ykBefore := mat.VecDenseCopyOf(s.yk)

	require.True(t, s.UpdateInequalities(c, d))
	require.Equal(t, activeBefore, s.active)
	require.Equal(t, inactiveBefore, s.inactive)
	require.Equal(t, ykBefore.RawVector().Data, s.yk.RawVector().Data)

	var x2 mat.VecDense
	require.True(t, s.Solve(&x2))
	require.Equal(t, activeBefore, s.active)
	require.Equal(t, x1.RawVector().Data, x2.RawVector().Data)
}

// A caller-supplied point of matching reduced dimension is accepted as
// a feasible start after the warm-start iterate went stale.
func TestUserSuppliedStart(t *testing.T) {
	q := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	r := mat.NewVecDense(2, []float64{3, 4})
	c := mat.NewDense(1, 2, []float64{1, 0})

	// A slack bound first: the solve never touches the constraint and
	// the active set stays empty.
	s := NewFromObjective(q, r, solveTol)
	require.True(t, s.SetConstraints(c, mat.NewVecDense(1, []float64{10})))
	var x mat.VecDense
	require.True(t, s.Solve(&x))
	requireVec(t, []float64{3, 4}, &x, compTol)
	require.Empty(t, s.active)

	// Tighten the bound keeping the dimension: warm start survives but
	// the old iterate is no longer feasible, so the supplied x is used.
	require.True(t, s.UpdateInequalities(c, mat.NewVecDense(1, []float64{0})))
	x = *mat.NewVecDense(2, []float64{-1, 0})
	require.True(t, s.Solve(&x))
	requireVec(t, []float64{0, 4}, &x, compTol)
}

// Clearing the constraints twice leaves the very same state behind.
func TestClearConstraintsIdempotent(t *testing.T) {
	q := mat.NewDense(1, 2, []float64{1, 1})
	r := mat.NewVecDense(1, []float64{5})
	a := mat.NewDense(1, 2, []float64{1, -1})
	b := mat.NewVecDense(1, []float64{10})
	c := mat.NewDense(1, 2, []float64{1, 4})
	d := mat.NewVecDense(1, []float64{0})

	s := NewFromObjective(q, r, solveTol)
	require.True(t, s.SetConstraintsEq(a, b, c, d))

	s.ClearConstraints()
	me, mi, ny := s.me, s.mi, s.ny
	var x1 mat.VecDense
	require.True(t, s.Solve(&x1))

	s.ClearConstraints()
	require.Equal(t, me, s.me)
	require.Equal(t, mi, s.mi)
	require.Equal(t, ny, s.ny)
	require.Empty(t, s.active)
	require.Empty(t, s.inactive)

	var x2 mat.VecDense
	require.True(t, s.Solve(&x2))
	require.Equal(t, x1.RawVector().Data, x2.RawVector().Data)
}

// The equalities may fully determine the solution.
func TestFullyDeterminedByEqualities(t *testing.T) {
	q := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	r := mat.NewVecDense(2, []float64{0, 0})
	a := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	b := mat.NewVecDense(2, []float64{2, 2})

	// Compatible inequalities: x = xeq.
	c := mat.NewDense(1, 2, []float64{1, 1})
	d := mat.NewVecDense(1, []float64{5})
	s := NewFromObjective(q, r, solveTol)
	require.True(t, s.SetConstraintsEq(a, b, c, d))
	var x mat.VecDense
	require.True(t, s.Solve(&x))
	requireVec(t, []float64{2, 2}, &x, compTol)

	// Incompatible inequalities: the whole set is infeasible.
	d = mat.NewVecDense(1, []float64{1})
	require.False(t, s.SetConstraintsEq(a, b, c, d))
	require.Equal(t, 0, s.me)
}

func TestPreconditionPanics(t *testing.T) {
	require.Panics(t, func() { New(0, 1, solveTol) })
	require.Panics(t, func() { New(1, 0, solveTol) })
	require.Panics(t, func() { New(1, 1, 0) })
	require.Panics(t, func() { New(1, 1, -1) })

	s := New(2, 1, solveTol)
	require.Panics(t, func() {
		s.UpdateObjective(mat.NewDense(1, 3, nil), mat.NewVecDense(1, nil))
	})
	require.Panics(t, func() {
		s.UpdateObjective(mat.NewDense(1, 2, nil), mat.NewVecDense(2, nil))
	})
	require.Panics(t, func() {
		s.SetConstraints(mat.NewDense(1, 3, nil), mat.NewVecDense(1, nil))
	})
}
