// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kernel provides dense least-squares solves and null-space
// extraction through rank-revealing factorizations.
//
// Given the linear system 𝐀𝐱 = 𝐛, the package computes a particular
// solution 𝐱ₑ (in the least-squares sense when the system is
// inconsistent) together with an orthonormal basis 𝐙 of ker(𝐀), so that
// the complete solution set is parameterized as 𝐱 = 𝐱ₑ + 𝐙𝐲.
// Both the SVD (robust, minimum-norm) and the column-pivoted QR
// (cheaper) realize this capability.
package kernel

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/lapack/gonum"
	"gonum.org/v1/gonum/mat"
)

const eps = float64(7)/3 - float64(4)/3 - 1.

// Decomposer solves dense least-squares systems and extracts orthonormal
// bases of matrix kernels through a rank-revealing factorization.
type Decomposer interface {
	// Solve returns a least-squares solution of a*x = b.
	Solve(a mat.Matrix, b mat.Vector) *mat.VecDense
	// NullSpace returns a matrix with orthonormal columns spanning
	// ker(a), or nil when a has full column rank.
	NullSpace(a mat.Matrix) *mat.Dense
}

// SVD factorizes with a singular value decomposition. Solve yields the
// minimum-norm least-squares solution; the kernel basis consists of the
// trailing right singular vectors beyond the numerical rank.
type SVD struct{}

// QR factorizes with a column-pivoted QR decomposition. Solve yields a
// basic (not necessarily minimum-norm) least-squares solution; the
// kernel basis consists of the trailing columns of the orthogonal
// factor of the pivoted QR of aᵀ.
type QR struct{}

// Projection computes a particular least-squares solution xeq of
// a*x = b together with an orthonormal basis z of ker(a). The residual
// ‖a*xeq − b‖ equals the least-squares residual of the system. z is nil
// when a has full column rank.
func Projection(dec Decomposer, a mat.Matrix, b mat.Vector) (xeq *mat.VecDense, z *mat.Dense) {
	return dec.Solve(a, b), dec.NullSpace(a)
}

// SVDProjection is Projection with the SVD decomposer.
func SVDProjection(a mat.Matrix, b mat.Vector) (*mat.VecDense, *mat.Dense) {
	return Projection(SVD{}, a, b)
}

// QRProjection is Projection with the column-pivoted QR decomposer.
func QRProjection(a mat.Matrix, b mat.Vector) (*mat.VecDense, *mat.Dense) {
	return Projection(QR{}, a, b)
}

func (SVD) Solve(a mat.Matrix, b mat.Vector) *mat.VecDense {
	p, q := a.Dims()
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		panic("kernel: SVD factorization failed")
	}
	s := svd.Values(nil)
	rank := singularRank(s, p, q)

	var u, v mat.Dense
	if rank > 0 {
		svd.UTo(&u)
		svd.VTo(&v)
	}

	// x = ∑ⱼ (𝐮ⱼᵀ𝐛 / σⱼ) 𝐯ⱼ over the numerical range of a.
	x := mat.NewVecDense(q, nil)
	for j := 0; j < rank; j++ {
		var ub float64
		for i := 0; i < p; i++ {
			ub += u.At(i, j) * b.AtVec(i)
		}
		ub /= s[j]
		for i := 0; i < q; i++ {
			x.SetVec(i, x.AtVec(i)+ub*v.At(i, j))
		}
	}
	return x
}

func (SVD) NullSpace(a mat.Matrix) *mat.Dense {
	p, q := a.Dims()
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFullV) {
		panic("kernel: SVD factorization failed")
	}
	rank := singularRank(svd.Values(nil), p, q)
	if rank == q {
		return nil
	}
	var v mat.Dense
	svd.VTo(&v)
	z := mat.NewDense(q, q-rank, nil)
	z.Copy(v.Slice(0, q, rank, q))
	return z
}

// singularRank counts the singular values above the machine-precision
// threshold ε·max(p,q)·σmax. The values arrive in non-increasing order.
func singularRank(s []float64, p, q int) int {
	if len(s) == 0 || s[0] <= 0 {
		return 0
	}
	tol := eps * float64(max(p, q)) * s[0]
	rank := 0
	for _, v := range s {
		if v > tol {
			rank++
		}
	}
	return rank
}

var lapackImpl gonum.Implementation

func (QR) Solve(a mat.Matrix, b mat.Vector) *mat.VecDense {
	_, q := a.Dims()
	f := factorPivotedQR(a)

	// z = Qᵀb, then back-substitute R(0:r,0:r)·w = z(0:r) in place.
	z := make([]float64, f.m)
	for i := range z {
		z[i] = b.AtVec(i)
	}
	f.applyQT(z)
	for i := f.rank - 1; i >= 0; i-- {
		sum := z[i]
		for j := i + 1; j < f.rank; j++ {
			sum -= f.a[i*f.lda+j] * z[j]
		}
		z[i] = sum / f.a[i*f.lda+i]
	}

	// Undo the column permutation.
	x := mat.NewVecDense(q, nil)
	for i := 0; i < f.rank; i++ {
		x.SetVec(f.jpvt[i], z[i])
	}
	return x
}

func (QR) NullSpace(a mat.Matrix) *mat.Dense {
	_, q := a.Dims()
	f := factorPivotedQR(a.T())
	if f.rank == q {
		return nil
	}

	// Generate the full q×q orthogonal factor from the reflectors.
	qf := make([]float64, q*q)
	for i := 0; i < q; i++ {
		for j := 0; j < f.k; j++ {
			qf[i*q+j] = f.a[i*f.lda+j]
		}
	}
	work := make([]float64, 1)
	lapackImpl.Dorgqr(q, q, f.k, qf, q, f.tau, work, -1)
	work = make([]float64, int(work[0]))
	lapackImpl.Dorgqr(q, q, f.k, qf, q, f.tau, work, len(work))

	z := mat.NewDense(q, q-f.rank, nil)
	for i := 0; i < q; i++ {
		for j := f.rank; j < q; j++ {
			z.Set(i, j-f.rank, qf[i*q+j])
		}
	}
	return z
}

// pivotedQR holds the output of Dgeqp3: the packed reflectors and R in
// a, the scalar factors tau, the column permutation jpvt and the
// numerical rank read off the diagonal of R.
type pivotedQR struct {
	m, n, k int
	lda     int
	rank    int
	a       []float64
	tau     []float64
	jpvt    []int
}

func factorPivotedQR(a mat.Matrix) *pivotedQR {
	m, n := a.Dims()
	f := &pivotedQR{m: m, n: n, k: min(m, n), lda: n}
	f.a = make([]float64, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			f.a[i*n+j] = a.At(i, j)
		}
	}
	f.tau = make([]float64, f.k)
	f.jpvt = make([]int, n)
	for j := range f.jpvt {
		f.jpvt[j] = -1
	}

	work := make([]float64, 1)
	lapackImpl.Dgeqp3(m, n, f.a, f.lda, f.jpvt, f.tau, work, -1)
	work = make([]float64, int(work[0]))
	lapackImpl.Dgeqp3(m, n, f.a, f.lda, f.jpvt, f.tau, work, len(work))

	// The pivoting keeps the diagonal of R non-increasing in magnitude:
	// stop at the first entry below the threshold.
	if f.k > 0 {
		tol := eps * float64(max(m, n)) * math.Abs(f.a[0])
		for i := 0; i < f.k; i++ {
			if math.Abs(f.a[i*f.lda+i]) <= tol {
				break
			}
			f.rank++
		}
	}
	return f
}

// applyQT overwrites the m-vector c with Qᵀc.
func (f *pivotedQR) applyQT(c []float64) {
	if f.k == 0 {
		return
	}
	work := make([]float64, 1)
	lapackImpl.Dormqr(blas.Left, blas.Trans, f.m, 1, f.k, f.a, f.lda, f.tau, c, 1, work, -1)
	work = make([]float64, int(work[0]))
	lapackImpl.Dormqr(blas.Left, blas.Trans, f.m, 1, f.k, f.a, f.lda, f.tau, c, 1, work, len(work))
}
