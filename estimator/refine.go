package estimator

import (
	"gonum.org/v1/gonum/mat"

	"rssi-engine/radio"
)

// minResidualVariance is the smallest chi2/(m-u), in dB^2, used to scale an
// unweighted covariance. Fits at round-off level keep unit variance.
const minResidualVariance = 1e-6

type refinement struct {
	hypothesis hypothesis
	// covariance of the free unknowns in layout order, nil unless requested
	covariance *mat.SymDense
	chi2       float64
	iterations int
}

// readingWeights returns 1/sigma^2 per reading of idx, 1 for readings without
// a standard deviation. The flag reports whether any reading carried one.
func readingWeights(readings []radio.Reading, idx []int) ([]float64, bool) {
	w := make([]float64, len(idx))
	has := false
	for k, i := range idx {
		rd := &readings[i]
		if rd.HasStdDev() {
			w[k] = 1.0 / (rd.RSSIStdDev * rd.RSSIStdDev)
			has = true
		} else {
			w[k] = 1.0
		}
	}
	return w, has
}

// refine re-estimates the free unknowns of l over the inlier readings idx,
// starting from start. With withCovariance the inverse of J^T W J is returned
// too, scaled by the residual variance chi2/(m-u) when no reading carried a
// standard deviation of its own and that variance is above
// minResidualVariance.
func refine(readings []radio.Reading, idx []int, l layout, start hypothesis, withCovariance bool, s lmSettings) (*refinement, error) {
	if len(idx) < l.size {
		return nil, errRankDeficient
	}
	w, weighted := readingWeights(readings, idx)
	p := newFitProblem(readings, idx, l, start)
	res, err := levenbergMarquardt(p, l.pack(start), w, s)
	if err != nil {
		return nil, err
	}

	out := &refinement{
		hypothesis: l.unpack(res.X, start),
		chi2:       res.Chi2,
		iterations: res.Iterations,
	}
	if !withCovariance {
		return out, nil
	}
	cov, err := invertNormal(res.Normal)
	if err != nil {
		return nil, err
	}
	if dof := len(idx) - l.size; !weighted && dof > 0 {
		if v := res.Chi2 / float64(dof); v > minResidualVariance {
			cov.ScaleSym(v, cov)
		}
	}
	out.covariance = cov
	return out, nil
}

// assemble builds the output entity. Variances are only reported for free
// quantities.
func assemble(src radio.Source, l layout, h hypothesis, cov *mat.SymDense) *radio.EstimatedSource {
	est := &radio.EstimatedSource{
		Source:           src,
		Position:         h.position.Clone(),
		PowerDbm:         h.power,
		PathLossExponent: h.pathLoss,
	}
	if cov == nil {
		return est
	}
	est.Covariance = cov
	if l.pos >= 0 {
		est.PositionCovariance = subSym(cov, l.pos, l.dim)
	}
	if l.power >= 0 {
		v := cov.At(l.power, l.power)
		est.PowerVariance = &v
	}
	if l.pathLoss >= 0 {
		v := cov.At(l.pathLoss, l.pathLoss)
		est.PathLossVariance = &v
	}
	return est
}
