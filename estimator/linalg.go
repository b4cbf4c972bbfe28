package estimator

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	errRankDeficient = errors.New("rank deficient system")
	errSingular      = errors.New("singular normal matrix")
	errNonFinite     = errors.New("non-finite value")
)

// rcond is the smallest singular value, relative to the largest, that still
// counts towards the rank of an equilibrated system.
const rcond = 1e-10

// solveLeastSquares returns argmin |A x - b| through the SVD pseudo-inverse,
// x = V * Sigma^+ * U^T * b. Columns are scaled to unit norm first so that
// mixed units (metres, squared metres, linear power) do not hide a rank loss.
// A rank deficient system is rejected rather than minimum-norm solved.
func solveLeastSquares(a *mat.Dense, b []float64) ([]float64, error) {
	r, c := a.Dims()
	if r < c {
		return nil, errRankDeficient
	}

	scale := make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, a)
		norm := floats.Norm(col, 2)
		if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
			return nil, errRankDeficient
		}
		scale[j] = 1.0 / norm
	}
	var as mat.Dense
	as.Apply(func(i, j int, v float64) float64 { return v * scale[j] }, a)

	var svd mat.SVD
	if ok := svd.Factorize(&as, mat.SVDThin); !ok {
		return nil, errRankDeficient
	}
	s := svd.Values(nil)
	if len(s) < c || s[0] == 0 || s[c-1] < rcond*s[0] {
		return nil, errRankDeficient
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// Sigma^+ * U^T * b
	var utb mat.VecDense
	utb.MulVec(u.T(), mat.NewVecDense(r, b))
	for i, val := range s {
		utb.SetVec(i, utb.AtVec(i)/val)
	}
	var xs mat.VecDense
	xs.MulVec(&v, &utb)

	x := make([]float64, c)
	for j := range x {
		x[j] = xs.AtVec(j) * scale[j]
		if math.IsNaN(x[j]) || math.IsInf(x[j], 0) {
			return nil, errNonFinite
		}
	}
	return x, nil
}

// invertNormal inverts a symmetric positive definite normal matrix.
func invertNormal(a *mat.SymDense) (*mat.SymDense, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, errSingular
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, errSingular
	}
	if !allFiniteSym(&inv) {
		return nil, errNonFinite
	}
	return &inv, nil
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func allFiniteSym(m *mat.SymDense) bool {
	n := m.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// subSym copies the k×k block of m starting at offset.
func subSym(m *mat.SymDense, offset, k int) *mat.SymDense {
	out := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			out.SetSym(i, j, m.At(offset+i, offset+j))
		}
	}
	return out
}
