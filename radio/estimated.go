package radio

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// EstimatedSource is the result of one estimation. Variances and covariances
// are nil for quantities that were held fixed or when covariance was not kept.
type EstimatedSource struct {
	Source           Source
	Position         Point
	PowerDbm         float64
	PathLossExponent float64

	PositionCovariance *mat.SymDense
	PowerVariance      *float64
	PathLossVariance   *float64

	// Covariance of the estimated unknowns in layout order (position, power, path loss).
	Covariance *mat.SymDense
}

// PowerMilliwatt is the estimated transmitted power in linear form.
func (e *EstimatedSource) PowerMilliwatt() float64 {
	return DbmToMilliwatt(e.PowerDbm)
}

// PositionStdDev is the root of the position covariance trace, 0 if absent.
func (e *EstimatedSource) PositionStdDev() float64 {
	if e.PositionCovariance == nil {
		return 0
	}
	return math.Sqrt(mat.Trace(e.PositionCovariance))
}

func (e *EstimatedSource) PowerStdDev() float64 {
	if e.PowerVariance == nil {
		return 0
	}
	return math.Sqrt(*e.PowerVariance)
}

func (e *EstimatedSource) PathLossStdDev() float64 {
	if e.PathLossVariance == nil {
		return 0
	}
	return math.Sqrt(*e.PathLossVariance)
}
