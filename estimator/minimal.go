package estimator

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"rssi-engine/radio"
)

// minimalSolver turns a sample of readings into one candidate hypothesis.
// Samples carry at least one more reading than there are free unknowns; the
// extra equations are used to reject inconsistent samples.
type minimalSolver struct {
	readings  []radio.Reading
	dim       int
	unknowns  Unknowns
	layout    layout
	fixed     hypothesis  // values of the disabled quantities
	seed      radio.Point // initial position, may be nil
	threshold float64
	lm        lmSettings
}

func newMinimalSolver(readings []radio.Reading, dim int, u Unknowns, fixed hypothesis, seed radio.Point, threshold float64) *minimalSolver {
	return &minimalSolver{
		readings:  readings,
		dim:       dim,
		unknowns:  u,
		layout:    newLayout(dim, u),
		fixed:     fixed,
		seed:      seed,
		threshold: threshold,
		lm:        lmSettings{MaxIterations: 50, Tolerance: 1e-12},
	}
}

func (s *minimalSolver) solve(sample []int) (hypothesis, bool) {
	var (
		h   hypothesis
		err error
	)
	u := s.unknowns
	switch {
	case !u.Position:
		h, err = s.solvePowerPathLoss(sample)
	case !u.Power && !u.PathLoss:
		h, err = s.solvePosition(sample, s.fixed.power, s.fixed.pathLoss)
	case u.Power && !u.PathLoss:
		h, err = s.solvePositionPower(sample, s.fixed.pathLoss)
	default:
		h, err = s.solveNonlinear(sample)
	}
	if err != nil {
		return h, false
	}
	return h, s.consistent(h, sample)
}

// consistent rejects non-finite candidates, non-physical exponents and
// samples whose own readings do not agree with the candidate.
func (s *minimalSolver) consistent(h hypothesis, sample []int) bool {
	if len(h.position) != s.dim || !allFinite(h.position) {
		return false
	}
	if !allFinite([]float64{h.power, h.pathLoss}) || !(h.pathLoss > 0) {
		return false
	}
	for _, i := range sample {
		r := radio.Residual(h.position, h.power, h.pathLoss, &s.readings[i])
		if !(math.Abs(r) <= s.threshold) {
			return false
		}
	}
	return true
}

// solvePowerPathLoss fits rssi_i = P + n*g_i with the position held fixed,
// where g_i is the path gain at the reading's distance.
func (s *minimalSolver) solvePowerPathLoss(sample []int) (hypothesis, error) {
	h := s.fixed
	cols := 0
	if s.unknowns.Power {
		cols++
	}
	if s.unknowns.PathLoss {
		cols++
	}
	a := mat.NewDense(len(sample), cols, nil)
	b := make([]float64, len(sample))
	for k, i := range sample {
		rd := &s.readings[i]
		d := h.position.Distance(rd.Position)
		if d < radio.MinDistance {
			return h, errRankDeficient
		}
		g := radio.PathGain(d, rd.Source.FrequencyOrDefault())
		b[k] = rd.RSSI
		c := 0
		if s.unknowns.Power {
			a.Set(k, c, 1)
			c++
		} else {
			b[k] -= h.power
		}
		if s.unknowns.PathLoss {
			a.Set(k, c, g)
		} else {
			b[k] -= h.pathLoss * g
		}
	}
	x, err := solveLeastSquares(a, b)
	if err != nil {
		return h, err
	}
	c := 0
	if s.unknowns.Power {
		h.power = x[c]
		c++
	}
	if s.unknowns.PathLoss {
		h.pathLoss = x[c]
	}
	return h, nil
}

// solvePosition trilaterates from the ranges implied by a known power and
// exponent. Coordinates are centred on the sample centroid and the first
// sphere equation is subtracted from the others, which removes |x|^2.
func (s *minimalSolver) solvePosition(sample []int, power, pathLoss float64) (hypothesis, error) {
	h := hypothesis{power: power, pathLoss: pathLoss}
	if len(sample) < s.dim+1 {
		return h, errRankDeficient
	}
	c, q := s.centred(sample)
	ranges := make([]float64, len(sample))
	for k, i := range sample {
		rd := &s.readings[i]
		ranges[k] = radio.RangeFromRSSI(rd.RSSI, power, pathLoss, rd.Source.FrequencyOrDefault())
	}
	if !allFinite(ranges) {
		return h, errNonFinite
	}

	a := mat.NewDense(len(sample)-1, s.dim, nil)
	b := make([]float64, len(sample)-1)
	q0 := sqNorm(q[0])
	for k := 1; k < len(sample); k++ {
		for j := 0; j < s.dim; j++ {
			a.Set(k-1, j, 2*(q[k][j]-q[0][j]))
		}
		b[k-1] = sqNorm(q[k]) - q0 - ranges[k]*ranges[k] + ranges[0]*ranges[0]
	}
	y, err := solveLeastSquares(a, b)
	if err != nil {
		return h, err
	}
	h.position = uncentre(y, c)
	return h, nil
}

// solvePositionPower solves position and power jointly for a known exponent.
// With C = 10^(P/(10n)) every range is C*a_i, a_i = k0*10^(-rssi_i/(10n)), so
//
//	-2 q_i.y + |y|^2 - a_i^2 C^2 = -|q_i|^2
//
// is linear in (y, s=|y|^2, C^2).
func (s *minimalSolver) solvePositionPower(sample []int, pathLoss float64) (hypothesis, error) {
	h := hypothesis{pathLoss: pathLoss}
	if len(sample) < s.dim+2 || !(pathLoss > 0) {
		return h, errRankDeficient
	}
	c, q := s.centred(sample)
	a := mat.NewDense(len(sample), s.dim+2, nil)
	b := make([]float64, len(sample))
	for k, i := range sample {
		rd := &s.readings[i]
		ai := radio.WavelengthFactor(rd.Source.FrequencyOrDefault()) * math.Pow(10, -rd.RSSI/(10*pathLoss))
		for j := 0; j < s.dim; j++ {
			a.Set(k, j, -2*q[k][j])
		}
		a.Set(k, s.dim, 1)
		a.Set(k, s.dim+1, -ai*ai)
		b[k] = -sqNorm(q[k])
	}
	x, err := solveLeastSquares(a, b)
	if err != nil {
		return h, err
	}
	c2 := x[s.dim+1]
	if !(c2 > 0) {
		return h, errRankDeficient
	}
	h.position = uncentre(x[:s.dim], c)
	h.power = 5 * pathLoss * math.Log10(c2)
	return h, nil
}

// solveNonlinear handles a free exponent together with a free position. The
// linear solution for the configured exponent seeds Levenberg-Marquardt over
// the sample; the initial position or the sample centroid is used when that
// seed is degenerate.
func (s *minimalSolver) solveNonlinear(sample []int) (hypothesis, error) {
	var (
		seed hypothesis
		err  error
	)
	if s.unknowns.Power {
		seed, err = s.solvePositionPower(sample, s.fixed.pathLoss)
	} else {
		seed, err = s.solvePosition(sample, s.fixed.power, s.fixed.pathLoss)
	}
	if err != nil || !allFinite(seed.position) || !allFinite([]float64{seed.power}) {
		seed = hypothesis{power: s.fixed.power, pathLoss: s.fixed.pathLoss}
		if s.seed != nil {
			seed.position = s.seed.Clone()
		} else {
			seed.position = s.sampleCentroid(sample)
		}
	}
	if !s.unknowns.Power {
		seed.power = s.fixed.power
	}

	p := newFitProblem(s.readings, sample, s.layout, seed)
	res, err := levenbergMarquardt(p, s.layout.pack(seed), nil, s.lm)
	if err != nil {
		return seed, err
	}
	return s.layout.unpack(res.X, seed), nil
}

func (s *minimalSolver) sampleCentroid(sample []int) radio.Point {
	pts := make([]radio.Point, len(sample))
	for k, i := range sample {
		pts[k] = s.readings[i].Position
	}
	return radio.Centroid(pts)
}

// centred returns the sample centroid and the sample positions relative to it.
func (s *minimalSolver) centred(sample []int) (radio.Point, [][]float64) {
	c := s.sampleCentroid(sample)
	q := make([][]float64, len(sample))
	for k, i := range sample {
		p := s.readings[i].Position
		q[k] = make([]float64, s.dim)
		for j := 0; j < s.dim; j++ {
			q[k][j] = p[j] - c[j]
		}
	}
	return c, q
}

func uncentre(y []float64, c radio.Point) radio.Point {
	p := make(radio.Point, len(c))
	for j := range c {
		p[j] = y[j] + c[j]
	}
	return p
}

func sqNorm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return sum
}
