package robust

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Score summarises one candidate. Lower Cost is better among equal Inliers
// for InlierScorer; the other scorers compare on Cost alone.
type Score struct {
	Inliers int
	Cost    float64
}

// Scorer classifies residuals and ranks candidates.
type Scorer interface {
	// Score classifies every residual against threshold, marking inliers
	// (inliers may be nil) and returns the candidate's score.
	Score(residuals []float64, threshold float64, inliers []bool) Score
	// Better reports whether a ranks strictly above b.
	Better(a, b Score) bool
}

// InlierScorer maximises the consensus set size; ties go to the smaller sum of
// squared inlier residuals (RANSAC, PROSAC).
type InlierScorer struct{}

func (InlierScorer) Score(residuals []float64, threshold float64, inliers []bool) Score {
	var sc Score
	for i, r := range residuals {
		in := math.Abs(r) <= threshold
		if inliers != nil {
			inliers[i] = in
		}
		if in {
			sc.Inliers++
			sc.Cost += r * r
		}
	}
	return sc
}

func (InlierScorer) Better(a, b Score) bool {
	if a.Inliers != b.Inliers {
		return a.Inliers > b.Inliers
	}
	return a.Cost < b.Cost
}

// TruncatedScorer minimises the sum of residuals squared, truncated at the
// threshold (MSAC).
type TruncatedScorer struct{}

func (TruncatedScorer) Score(residuals []float64, threshold float64, inliers []bool) Score {
	var sc Score
	t2 := threshold * threshold
	for i, r := range residuals {
		r2 := r * r
		in := r2 <= t2
		if inliers != nil {
			inliers[i] = in
		}
		if in {
			sc.Inliers++
			sc.Cost += r2
		} else {
			sc.Cost += t2
		}
	}
	return sc
}

func (TruncatedScorer) Better(a, b Score) bool {
	if a.Cost != b.Cost {
		return a.Cost < b.Cost
	}
	return a.Inliers > b.Inliers
}

// MedianScorer minimises the median squared residual (LMedS, PROMedS).
// Inliers are still classified against the threshold.
type MedianScorer struct {
	buf []float64
}

func (m *MedianScorer) Score(residuals []float64, threshold float64, inliers []bool) Score {
	if cap(m.buf) < len(residuals) {
		m.buf = make([]float64, len(residuals))
	}
	sq := m.buf[:len(residuals)]
	var sc Score
	for i, r := range residuals {
		sq[i] = r * r
		in := math.Abs(r) <= threshold
		if inliers != nil {
			inliers[i] = in
		}
		if in {
			sc.Inliers++
		}
	}
	sort.Float64s(sq)
	sc.Cost = stat.Quantile(0.5, stat.Empirical, sq, nil)
	if math.IsNaN(sc.Cost) {
		sc.Cost = math.Inf(1)
	}
	return sc
}

func (m *MedianScorer) Better(a, b Score) bool {
	if a.Cost != b.Cost {
		return a.Cost < b.Cost
	}
	return a.Inliers > b.Inliers
}
