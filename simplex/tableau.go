// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package simplex

import (
	"fmt"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// tableau is the dense Simplex tableau: one row per constraint plus the
// objective row at the bottom. Columns are laid out as
// [working | slack | artificial | rhs]. basic[i] is the column of the
// basic variable of row i.
type tableau struct {
	m     *mat.Dense
	basic []int
	nv    int // working variables
	nc    int // constraints
	na    int // artificial variables
}

// newTableau fills the constraint rows from the transformed system
// Cs·w ≤ d. Rows with non-negative right-hand side take their slack
// variable as basic; rows with negative right-hand side are negated and
// take a fresh artificial variable as basic.
func newTableau(cs *mat.Dense, d []float64, nv, m int) *tableau {
	na := 0
	for _, v := range d {
		if v < 0 {
			na++
		}
	}
	cols := nv + m + na + 1
	t := &tableau{
		m:     mat.NewDense(m+1, cols, nil),
		basic: make([]int, m),
		nv:    nv,
		nc:    m,
		na:    na,
	}
	ia := 0
	for i := 0; i < m; i++ {
		row := t.m.RawRowView(i)
		if d[i] < 0 {
			t.basic[i] = nv + m + ia
			if cs != nil {
				for j := 0; j < nv; j++ {
					row[j] = -cs.At(i, j)
				}
			}
			row[nv+i] = -1
			row[nv+m+ia] = 1
			row[cols-1] = -d[i]
			ia++
		} else {
			t.basic[i] = nv + i
			if cs != nil {
				for j := 0; j < nv; j++ {
					row[j] = cs.At(i, j)
				}
			}
			row[nv+i] = 1
			row[cols-1] = d[i]
		}
	}
	return t
}

// pivot performs one Gaussian elimination step: the leaving row is
// normalized by the entering coefficient and eliminated from every
// other constraint row. The objective row is left untouched; callers
// update it explicitly.
func (t *tableau) pivot(enter, leave int) {
	lr := t.m.RawRowView(leave)
	floats.Scale(1/lr[enter], lr)
	for i := 0; i < t.nc; i++ {
		if i == leave {
			continue
		}
		if r := t.m.RawRowView(i); r[enter] != 0 {
			floats.AddScaled(r, -r[enter], lr)
		}
	}
}

// eliminateObjective zeroes the objective coefficients of every basic
// variable by Gaussian elimination of the bottom row.
func (t *tableau) eliminateObjective() {
	obj := t.m.RawRowView(t.nc)
	for i, bv := range t.basic {
		if obj[bv] != 0 {
			floats.AddScaled(obj, -obj[bv], t.m.RawRowView(i))
		}
	}
}

// iterate runs Simplex pivoting until every objective coefficient is
// non-negative. Ties break on the first-encountered candidate, both in
// the entering-column and in the minimum-ratio leaving-row selection.
func (t *tableau) iterate(tol float64) error {
	last := t.nv + t.nc + t.na
	obj := t.m.RawRowView(t.nc)
	for {
		enter := 0
		for j := 1; j < last; j++ {
			if obj[j] < obj[enter] {
				enter = j
			}
		}
		if obj[enter] >= -tol {
			return nil
		}

		leave := -1
		var minRatio float64
		for i := 0; i < t.nc; i++ {
			r := t.m.RawRowView(i)
			if r[enter] > tol {
				if ratio := r[last] / r[enter]; leave == -1 || ratio < minRatio {
					leave = i
					minRatio = ratio
				}
			}
		}
		if leave == -1 {
			return fmt.Errorf("%w: no positive coefficient found in the tableau for the entering variable", ErrUnbounded)
		}

		t.basic[leave] = enter
		t.pivot(enter, leave)
		if obj[enter] != 0 {
			floats.AddScaled(obj, -obj[enter], t.m.RawRowView(leave))
		}
	}
}

// twoPhase first drives every artificial variable to zero under a unit
// objective, swaps residual zero-valued basic artificials out of the
// basis, removes the artificial columns and then optimizes the true
// objective fs.
func (t *tableau) twoPhase(fs []float64, tol float64) error {
	if t.na > 0 {
		obj := t.m.RawRowView(t.nc)
		for _, bv := range t.basic {
			if bv >= t.nv+t.nc {
				obj[bv] = 1
			}
		}
		t.eliminateObjective()
		if err := t.iterate(tol); err != nil {
			return err
		}

		// No artificial variable may remain basic with non-zero value.
		last := t.nv + t.nc + t.na
		for i, bv := range t.basic {
			if bv >= t.nv+t.nc && t.m.At(i, last) > tol {
				return fmt.Errorf("%w: after pivoting, artificial variable p%d is still basic (value %v)", ErrInfeasible, bv-t.nv-t.nc, t.m.At(i, last))
			}
		}

		// Swap each residual zero-valued basic artificial with the
		// first non-basic, non-artificial column having a non-tiny
		// coefficient in its row.
		for i, bv := range t.basic {
			if bv < t.nv+t.nc {
				continue
			}
			candidate := -1
			for j := 0; j < t.nv+t.nc; j++ {
				if !slices.Contains(t.basic, j) && !isAlmostZero(t.m.At(i, j), tol) {
					candidate = j
					break
				}
			}
			if candidate < 0 {
				return fmt.Errorf("%w: unable to replace basic artificial variable p%d with a non-basic, non-artificial one", ErrInternal, bv-t.nv-t.nc)
			}
			t.basic[i] = candidate
			t.pivot(candidate, i)
		}

		t.dropArtificials()

		obj = t.m.RawRowView(t.nc)
		copy(obj[:t.nv], fs)
		for j := t.nv; j < len(obj); j++ {
			obj[j] = 0
		}
		t.eliminateObjective()
	} else {
		// The initial tableau is already feasible and every working
		// variable is non-basic: no elimination needed.
		obj := t.m.RawRowView(t.nc)
		copy(obj[:t.nv], fs)
	}
	return t.iterate(tol)
}

// penalty optimizes fs and the artificial variables together, weighting
// the latter with the large constant bigM.
func (t *tableau) penalty(fs []float64, tol, bigM float64) error {
	obj := t.m.RawRowView(t.nc)
	copy(obj[:t.nv], fs)
	for _, bv := range t.basic {
		if bv >= t.nv+t.nc {
			obj[bv] = bigM
		}
	}
	t.eliminateObjective()
	if err := t.iterate(tol); err != nil {
		return err
	}
	last := t.nv + t.nc + t.na
	for i, bv := range t.basic {
		if bv >= t.nv+t.nc && t.m.At(i, last) > tol {
			return fmt.Errorf("%w: after pivoting, artificial variable p%d is still basic (value %v)", ErrInfeasible, bv-t.nv-t.nc, t.m.At(i, last))
		}
	}
	return nil
}

// dropArtificials removes the artificial columns, moving the right-hand
// side column into their place.
func (t *tableau) dropArtificials() {
	oldLast := t.nv + t.nc + t.na
	cols := t.nv + t.nc + 1
	nm := mat.NewDense(t.nc+1, cols, nil)
	nm.Copy(t.m)
	for i := 0; i <= t.nc; i++ {
		nm.Set(i, cols-1, t.m.At(i, oldLast))
	}
	t.m = nm
	t.na = 0
}

// solution reads the working variables off the tableau; non-basic
// variables are zero.
func (t *tableau) solution() []float64 {
	w := make([]float64, t.nv)
	last := t.nv + t.nc + t.na
	for i, bv := range t.basic {
		if bv < t.nv {
			w[bv] = t.m.At(i, last)
		}
	}
	return w
}
