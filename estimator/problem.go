package estimator

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"rssi-engine/radio"
)

// readingProblem exposes a survey to the consensus engine. Parameters are
// full hypothesis vectors [x..., P, n].
type readingProblem struct {
	readings []radio.Reading
	solver   *minimalSolver
}

func (p *readingProblem) Len() int { return len(p.readings) }

func (p *readingProblem) Fit(sample []int) ([]float64, bool) {
	h, ok := p.solver.solve(sample)
	if !ok {
		return nil, false
	}
	return h.vector(), true
}

func (p *readingProblem) Residuals(params, dst []float64) {
	h := hypothesisFromVector(params)
	for i := range p.readings {
		r := radio.Residual(h.position, h.power, h.pathLoss, &p.readings[i])
		if math.IsNaN(r) {
			r = math.Inf(1)
		}
		dst[i] = r
	}
}

// fitProblem is the least-squares view of a set of readings over the free
// unknowns of a layout. Fixed quantities come from base.
type fitProblem struct {
	readings []radio.Reading
	idx      []int // subset of readings, nil for all
	layout   layout
	base     hypothesis

	pos  radio.Point
	dPos []float64
}

func newFitProblem(readings []radio.Reading, idx []int, l layout, base hypothesis) *fitProblem {
	return &fitProblem{
		readings: readings,
		idx:      idx,
		layout:   l,
		base:     base,
		pos:      make(radio.Point, l.dim),
		dPos:     make([]float64, l.dim),
	}
}

func (f *fitProblem) Len() int {
	if f.idx != nil {
		return len(f.idx)
	}
	return len(f.readings)
}

func (f *fitProblem) reading(k int) *radio.Reading {
	if f.idx != nil {
		return &f.readings[f.idx[k]]
	}
	return &f.readings[k]
}

// Eval writes r = observed - predicted, so the Jacobian is minus the model
// partials.
func (f *fitProblem) Eval(x, r []float64, jac *mat.Dense) bool {
	l := f.layout
	copy(f.pos, f.base.position)
	power, pathLoss := f.base.power, f.base.pathLoss
	if l.pos >= 0 {
		copy(f.pos, x[l.pos:l.pos+l.dim])
	}
	if l.power >= 0 {
		power = x[l.power]
	}
	if l.pathLoss >= 0 {
		pathLoss = x[l.pathLoss]
	}

	for k := 0; k < f.Len(); k++ {
		rd := f.reading(k)
		r[k] = radio.Residual(f.pos, power, pathLoss, rd)
		if math.IsNaN(r[k]) || math.IsInf(r[k], 0) {
			return false
		}
		if jac == nil {
			continue
		}
		var dPos []float64
		if l.pos >= 0 {
			dPos = f.dPos
		}
		dP, dN := radio.Partials(f.pos, pathLoss, rd.Position, rd.Source.FrequencyOrDefault(), dPos)
		if l.pos >= 0 {
			for j := 0; j < l.dim; j++ {
				jac.Set(k, l.pos+j, -dPos[j])
			}
		}
		if l.power >= 0 {
			jac.Set(k, l.power, -dP)
		}
		if l.pathLoss >= 0 {
			if math.IsInf(dN, 0) || math.IsNaN(dN) {
				return false
			}
			jac.Set(k, l.pathLoss, -dN)
		}
	}
	return true
}
