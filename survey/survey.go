// Package survey holds RSSI surveys of one radio source: the readings, their
// quality scores and, for simulated surveys, the true source parameters.
package survey

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"rssi-engine/radio"
)

var ErrEmpty = errors.New("survey: no readings")

// Truth is the known source behind a simulated survey.
type Truth struct {
	Position         radio.Point
	PowerDbm         float64
	PathLossExponent float64
}

type Survey struct {
	Source        radio.Source
	Readings      []radio.Reading
	QualityScores []float64 // nil when the file carried none
	Truth         *Truth
	// Skipped counts malformed reading items ignored by Parse.
	Skipped int
}

// Dim is the dimension of the first reading, 0 for an empty survey.
func (s *Survey) Dim() int {
	if len(s.Readings) == 0 {
		return 0
	}
	return len(s.Readings[0].Position)
}

// Validate checks that readings share one dimension and that quality scores,
// if present, match them one to one.
func (s *Survey) Validate() error {
	if len(s.Readings) == 0 {
		return ErrEmpty
	}
	dim := s.Dim()
	if dim != 2 && dim != 3 {
		return fmt.Errorf("survey: %d-dimensional positions: %w", dim, radio.ErrDimensionMismatch)
	}
	for i, r := range s.Readings {
		if err := r.Validate(dim); err != nil {
			return fmt.Errorf("survey: reading %d: %w", i, err)
		}
	}
	if s.QualityScores != nil && len(s.QualityScores) != len(s.Readings) {
		return fmt.Errorf("survey: %d quality scores for %d readings", len(s.QualityScores), len(s.Readings))
	}
	return nil
}

// Scores returns the quality scores, or uniform scores when none were given.
func (s *Survey) Scores() []float64 {
	if s.QualityScores != nil {
		return s.QualityScores
	}
	out := make([]float64, len(s.Readings))
	for i := range out {
		out[i] = 1
	}
	return out
}

// ResidualStats summarises the residuals of the readings under an estimate.
// Readings further than threshold dB from the model are counted as outliers
// and left out of the mean and standard deviation.
type ResidualStats struct {
	Mean     float64
	StdDev   float64
	Inliers  int
	Outliers int
}

func Residuals(s *Survey, est *radio.EstimatedSource, threshold float64) ResidualStats {
	var (
		st  ResidualStats
		res = make([]float64, 0, len(s.Readings))
	)
	for i := range s.Readings {
		r := radio.Residual(est.Position, est.PowerDbm, est.PathLossExponent, &s.Readings[i])
		if math.IsNaN(r) || math.Abs(r) > threshold {
			st.Outliers++
			continue
		}
		res = append(res, r)
	}
	st.Inliers = len(res)
	switch {
	case len(res) > 1:
		st.Mean, st.StdDev = stat.MeanStdDev(res, nil)
	case len(res) == 1:
		st.Mean = res[0]
	}
	return st
}
