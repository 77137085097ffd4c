// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package simplex

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// varDomain records the sign information deduced for one decision
// variable, together with the constraint row that implied it.
type varDomain struct {
	nonNegative bool
	nonPositive bool
	row         int
}

// deduceDomains scans the constraint rows with a single non-zero entry
// for implied sign restrictions on the variables. A row γ·xⱼ ≤ δ with
// γ < 0, δ ≤ 0 implies xⱼ ≥ 0; with γ > 0, δ ≤ 0 it implies xⱼ ≤ 0.
func deduceDomains(c *mat.Dense, d []float64, n int, tol float64) ([]varDomain, error) {
	doms := make([]varDomain, n)
	if c == nil {
		return doms, nil
	}
	for i := range d {
		nz := -1
		for j := 0; j < n; j++ {
			if !isAlmostZero(c.At(i, j), tol) {
				if nz == -1 {
					nz = j
				} else {
					// The row holds multiple non-zero entries.
					nz = -2
					break
				}
			}
		}
		// A row 0·x ≤ d is degenerate and would corrupt the tableau.
		if nz == -1 {
			return nil, fmt.Errorf("%w: the constraint matrix has row %d filled with zeros: the problem is degenerate", ErrInfeasible, i)
		}
		if nz < 0 {
			continue
		}
		switch {
		case c.At(i, nz) < 0 && d[i] <= 0:
			doms[nz].nonNegative = true
			doms[nz].row = i
		case c.At(i, nz) > 0 && d[i] <= 0:
			if doms[nz].nonNegative {
				return nil, fmt.Errorf("%w: variable %d has both non-negativity constraint (row %d) and non-positivity constraint (row %d)", ErrInfeasible, nz, doms[nz].row, i)
			}
			doms[nz].nonPositive = true
			doms[nz].row = i
		}
	}
	return doms, nil
}

// transformationMatrix builds T such that x = T·w with w ≥ 0: one +1
// column for every variable that may be positive and one −1 column for
// every variable that may be negative. It returns nil when no working
// variable remains.
func transformationMatrix(doms []varDomain) (*mat.Dense, int) {
	n := len(doms)
	nv := 0
	for _, dm := range doms {
		if !dm.nonNegative {
			nv++
		}
		if !dm.nonPositive {
			nv++
		}
	}
	if nv == 0 {
		return nil, 0
	}
	t := mat.NewDense(n, nv, nil)
	col := 0
	for i, dm := range doms {
		if !dm.nonPositive {
			t.Set(i, col, 1)
			col++
		}
		if !dm.nonNegative {
			t.Set(i, col, -1)
			col++
		}
	}
	return t, nv
}
