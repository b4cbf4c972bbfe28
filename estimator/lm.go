package estimator

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// lsqProblem is a weighted nonlinear least-squares problem in a free
// parameter vector x.
type lsqProblem interface {
	// Len is the number of residuals.
	Len() int
	// Eval writes the residuals at x into r and, when jac is non-nil, the
	// Jacobian dr/dx. It returns false when a value is not finite.
	Eval(x, r []float64, jac *mat.Dense) bool
}

type lmSettings struct {
	MaxIterations int
	Tolerance     float64
}

var defaultLMSettings = lmSettings{MaxIterations: 100, Tolerance: 1e-12}

const (
	lmInitialLambda = 1e-3
	lmMaxLambda     = 1e16
)

type lmResult struct {
	X          []float64
	Chi2       float64
	Iterations int
	Converged  bool
	// Normal is J^T W J at X.
	Normal *mat.SymDense
}

// levenbergMarquardt minimises sum(w_i * r_i^2) starting from x0. w may be nil
// for unit weights. Running out of iterations is not an error; the best point
// found so far is returned.
func levenbergMarquardt(p lsqProblem, x0, w []float64, s lmSettings) (*lmResult, error) {
	m, u := p.Len(), len(x0)
	if m < u || u == 0 {
		return nil, errRankDeficient
	}
	if s.MaxIterations < 1 {
		s.MaxIterations = defaultLMSettings.MaxIterations
	}
	if !(s.Tolerance > 0) {
		s.Tolerance = defaultLMSettings.Tolerance
	}

	x := append([]float64(nil), x0...)
	r := make([]float64, m)
	jac := mat.NewDense(m, u, nil)
	if !p.Eval(x, r, jac) {
		return nil, errNonFinite
	}
	chi2 := weightedChi2(r, w)

	var (
		normal = mat.NewSymDense(u, nil)
		grad   = make([]float64, u)
		damped = mat.NewSymDense(u, nil)
		delta  = mat.NewVecDense(u, nil)
		xn     = make([]float64, u)
		rn     = make([]float64, m)
		lambda = lmInitialLambda
		res    = &lmResult{}
		chol   mat.Cholesky
	)

	for res.Iterations < s.MaxIterations && chi2 > 0 {
		res.Iterations++
		normalEquations(jac, r, w, normal, grad)

		accepted := false
		for lambda <= lmMaxLambda {
			damped.CopySym(normal)
			for i := 0; i < u; i++ {
				d := normal.At(i, i)
				if d < 1e-30 {
					d = 1e-30
				}
				damped.SetSym(i, i, normal.At(i, i)+lambda*d)
			}
			if !chol.Factorize(damped) {
				lambda *= 10
				continue
			}
			if err := chol.SolveVecTo(delta, mat.NewVecDense(u, grad)); err != nil {
				lambda *= 10
				continue
			}
			// grad holds J^T W r, the step solves (A + lambda D) delta = -J^T W r.
			for i := range xn {
				xn[i] = x[i] - delta.AtVec(i)
			}
			if !p.Eval(xn, rn, nil) {
				lambda *= 10
				continue
			}
			chi2n := weightedChi2(rn, w)
			if !(chi2n < chi2) {
				lambda *= 10
				continue
			}

			step := mat.Norm(delta, 2)
			gain := chi2 - chi2n
			copy(x, xn)
			chi2 = chi2n
			lambda /= 10
			accepted = true
			if gain <= s.Tolerance*chi2 || step <= s.Tolerance*(floats.Norm(x, 2)+s.Tolerance) {
				res.Converged = true
			}
			break
		}
		if !accepted {
			// No damping gives a descent step: x is a minimum to working precision.
			res.Converged = true
		}
		if !p.Eval(x, r, jac) {
			return nil, errNonFinite
		}
		if res.Converged {
			break
		}
	}
	if chi2 == 0 {
		res.Converged = true
	}

	normalEquations(jac, r, w, normal, grad)
	if !allFinite(x) || math.IsNaN(chi2) || math.IsInf(chi2, 0) {
		return nil, errNonFinite
	}
	res.X = x
	res.Chi2 = chi2
	res.Normal = normal
	return res, nil
}

// normalEquations fills a = J^T W J and g = J^T W r.
func normalEquations(jac *mat.Dense, r, w []float64, a *mat.SymDense, g []float64) {
	m, u := jac.Dims()
	for i := 0; i < u; i++ {
		g[i] = 0
		for j := i; j < u; j++ {
			a.SetSym(i, j, 0)
		}
	}
	for k := 0; k < m; k++ {
		wk := 1.0
		if w != nil {
			wk = w[k]
		}
		for i := 0; i < u; i++ {
			ji := jac.At(k, i) * wk
			g[i] += ji * r[k]
			for j := i; j < u; j++ {
				a.SetSym(i, j, a.At(i, j)+ji*jac.At(k, j))
			}
		}
	}
}

func weightedChi2(r, w []float64) float64 {
	var sum float64
	for i, v := range r {
		if w != nil {
			sum += w[i] * v * v
		} else {
			sum += v * v
		}
	}
	return sum
}
