package estimator

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"rssi-engine/radio"
)

// survey places n readings uniformly in a 20 m cube (or square) around the
// origin, at least 1 m away from src, with exact RSSI values.
func survey(rng *rand.Rand, dim, n int, src radio.Point, power, pathLoss float64) []radio.Reading {
	readings := make([]radio.Reading, 0, n)
	for len(readings) < n {
		p := make(radio.Point, dim)
		for j := range p {
			p[j] = rng.Float64()*20 - 10
		}
		if p.Distance(src) < 1 {
			continue
		}
		readings = append(readings, radio.Reading{
			Source:   radio.Source{ID: "ap-1"},
			RSSI:     radio.PredictRSSI(src, power, pathLoss, p, radio.DefaultFrequency),
			Position: p,
		})
	}
	return readings
}

func indices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func TestSolveLeastSquares(t *testing.T) {
	a := mat.NewDense(3, 2, []float64{
		1, 0,
		0, 1000,
		1, 1000,
	})
	x, err := solveLeastSquares(a, []float64{2, 3000, 3002})
	require.NoError(t, err)
	assert.InDelta(t, 2, x[0], 1e-9)
	assert.InDelta(t, 3, x[1], 1e-9)

	dup := mat.NewDense(3, 2, []float64{
		1, 2,
		2, 4,
		3, 6,
	})
	_, err = solveLeastSquares(dup, []float64{1, 2, 3})
	assert.ErrorIs(t, err, errRankDeficient)

	zero := mat.NewDense(2, 2, []float64{1, 0, 1, 0})
	_, err = solveLeastSquares(zero, []float64{1, 1})
	assert.ErrorIs(t, err, errRankDeficient)

	_, err = solveLeastSquares(mat.NewDense(1, 2, []float64{1, 1}), []float64{1})
	assert.ErrorIs(t, err, errRankDeficient)
}

func TestInvertNormal(t *testing.T) {
	a := mat.NewSymDense(2, []float64{4, 1, 1, 3})
	inv, err := invertNormal(a)
	require.NoError(t, err)
	var id mat.Dense
	id.Mul(a, inv)
	assert.True(t, mat.EqualApprox(&id, mat.NewDiagDense(2, []float64{1, 1}), 1e-12))

	_, err = invertNormal(mat.NewSymDense(2, []float64{1, 1, 1, 1}))
	assert.ErrorIs(t, err, errSingular)
}

func TestLayoutPackUnpack(t *testing.T) {
	base := hypothesis{position: radio.NewPoint3(1, 2, 3), power: -10, pathLoss: 2.5}

	l := newLayout(3, Unknowns{Position: true, PathLoss: true})
	assert.Equal(t, 4, l.size)
	assert.Equal(t, -1, l.power)
	x := l.pack(base)
	assert.Equal(t, []float64{1, 2, 3, 2.5}, x)

	x[0], x[3] = 7, 3
	h := l.unpack(x, base)
	assert.Equal(t, radio.NewPoint3(7, 2, 3), h.position)
	assert.Equal(t, -10.0, h.power)
	assert.Equal(t, 3.0, h.pathLoss)
	x[1] = 99
	assert.Equal(t, 2.0, h.position[1], "unpacked position must not alias x")

	l = newLayout(2, Unknowns{Power: true})
	assert.Equal(t, 1, l.size)
	assert.Equal(t, 0, l.power)
	assert.Equal(t, []float64{-10}, l.pack(base))

	v := base.vector()
	assert.Equal(t, []float64{1, 2, 3, -10, 2.5}, v)
	assert.Equal(t, base, hypothesisFromVector(v))
}

func TestLevenbergMarquardtConverges(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	src := radio.NewPoint3(1.5, -2, 0.5)
	readings := survey(rng, 3, 30, src, -5, 2.3)

	u := Unknowns{Position: true, Power: true, PathLoss: true}
	l := newLayout(3, u)
	start := hypothesis{position: radio.NewPoint3(2, -1.5, 1), power: -3, pathLoss: 2}
	p := newFitProblem(readings, nil, l, start)

	res, err := levenbergMarquardt(p, l.pack(start), nil, defaultLMSettings)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	h := l.unpack(res.X, start)
	assert.True(t, h.position.Equal(src, 1e-6), "position %v", h.position)
	assert.InDelta(t, -5, h.power, 1e-6)
	assert.InDelta(t, 2.3, h.pathLoss, 1e-6)
	assert.Less(t, res.Chi2, 1e-12)

	r, c := res.Normal.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 5, c)
}

func TestFitProblemJacobian(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	readings := survey(rng, 2, 6, radio.NewPoint2(0, 0), 0, 2)
	u := Unknowns{Position: true, Power: true, PathLoss: true}
	l := newLayout(2, u)
	base := hypothesis{position: radio.NewPoint2(0.3, -0.2), power: 1, pathLoss: 2.2}
	p := newFitProblem(readings, nil, l, base)

	x := l.pack(base)
	r := make([]float64, p.Len())
	jac := mat.NewDense(p.Len(), l.size, nil)
	require.True(t, p.Eval(x, r, jac))

	const h = 1e-6
	rp := make([]float64, p.Len())
	rm := make([]float64, p.Len())
	for j := 0; j < l.size; j++ {
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[j] += h
		xm[j] -= h
		require.True(t, p.Eval(xp, rp, nil))
		require.True(t, p.Eval(xm, rm, nil))
		for k := range r {
			assert.InDelta(t, (rp[k]-rm[k])/(2*h), jac.At(k, j), 1e-5, "d r%d / d x%d", k, j)
		}
	}
}

func TestMinimalSolverCases(t *testing.T) {
	src := radio.NewPoint3(1, 2, 0.5)
	const power, pathLoss = -7.0, 2.0

	cases := []struct {
		name     string
		unknowns Unknowns
		pathLoss float64
		fixed    hypothesis
	}{
		{"power", Unknowns{Power: true}, pathLoss, hypothesis{position: src, power: 0, pathLoss: pathLoss}},
		{"pathloss", Unknowns{PathLoss: true}, 2.7, hypothesis{position: src, power: power, pathLoss: 2}},
		{"power+pathloss", Unknowns{Power: true, PathLoss: true}, 2.7, hypothesis{position: src, power: 0, pathLoss: 2}},
		{"position", Unknowns{Position: true}, pathLoss, hypothesis{power: power, pathLoss: pathLoss}},
		{"position+power", Unknowns{Position: true, Power: true}, pathLoss, hypothesis{power: 0, pathLoss: pathLoss}},
		{"position+pathloss", Unknowns{Position: true, PathLoss: true}, 2.05, hypothesis{power: power, pathLoss: 2}},
		{"all", Unknowns{Position: true, Power: true, PathLoss: true}, 2.05, hypothesis{power: 0, pathLoss: 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(5))
			n := MinReadings(3, tc.unknowns) + 2
			readings := survey(rng, 3, n, src, power, tc.pathLoss)
			s := newMinimalSolver(readings, 3, tc.unknowns, tc.fixed, nil, 1.0)

			h, ok := s.solve(indices(n))
			require.True(t, ok)
			assert.True(t, h.position.Equal(src, 1e-6), "position %v", h.position)
			assert.InDelta(t, power, h.power, 1e-6)
			assert.InDelta(t, tc.pathLoss, h.pathLoss, 1e-6)
		})
	}
}

func TestMinimalSolverRejectsDegenerateSamples(t *testing.T) {
	src := radio.NewPoint2(0, 5)
	readings := []radio.Reading{
		{RSSI: radio.PredictRSSI(src, 0, 2, radio.NewPoint2(0, 0), radio.DefaultFrequency), Position: radio.NewPoint2(0, 0)},
		{RSSI: radio.PredictRSSI(src, 0, 2, radio.NewPoint2(1, 0), radio.DefaultFrequency), Position: radio.NewPoint2(1, 0)},
		{RSSI: radio.PredictRSSI(src, 0, 2, radio.NewPoint2(2, 0), radio.DefaultFrequency), Position: radio.NewPoint2(2, 0)},
	}
	s := newMinimalSolver(readings, 2, Unknowns{Position: true}, hypothesis{power: 0, pathLoss: 2}, nil, 1.0)
	_, ok := s.solve([]int{0, 1, 2})
	assert.False(t, ok, "collinear readings cannot locate a source off their line")

	// An inconsistent redundant reading is caught by the threshold.
	rng := rand.New(rand.NewSource(6))
	src3 := radio.NewPoint3(0, 0, 0)
	rs := survey(rng, 3, 5, src3, 0, 2)
	rs[4].RSSI += 15
	s = newMinimalSolver(rs, 3, Unknowns{Position: true}, hypothesis{power: 0, pathLoss: 2}, nil, 1.0)
	_, ok = s.solve(indices(5))
	assert.False(t, ok)

	// A reading on top of a fixed source position has no defined path gain.
	at := []radio.Reading{
		{RSSI: -40, Position: radio.NewPoint2(1, 1)},
		{RSSI: -50, Position: radio.NewPoint2(3, 1)},
	}
	s = newMinimalSolver(at, 2, Unknowns{Power: true}, hypothesis{position: radio.NewPoint2(1, 1), pathLoss: 2}, nil, 1.0)
	_, ok = s.solve([]int{0, 1})
	assert.False(t, ok)
}

func TestRefineWeightsAndCovariance(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	src := radio.NewPoint2(2, -1)
	readings := survey(rng, 2, 40, src, -3, 2)
	for i := range readings {
		readings[i].RSSIStdDev = 2
	}
	u := DefaultUnknowns
	l := newLayout(2, u)
	start := hypothesis{position: radio.NewPoint2(2.2, -0.8), power: -2, pathLoss: 2}

	ref, err := refine(readings, indices(len(readings)), l, start, true, defaultLMSettings)
	require.NoError(t, err)
	assert.True(t, ref.hypothesis.position.Equal(src, 1e-6))
	assert.InDelta(t, -3, ref.hypothesis.power, 1e-6)
	assert.Equal(t, 2.0, ref.hypothesis.pathLoss)
	require.NotNil(t, ref.covariance)
	for i := 0; i < l.size; i++ {
		assert.Greater(t, ref.covariance.At(i, i), 0.0)
	}

	// Doubling every standard deviation doubles the standard deviations.
	for i := range readings {
		readings[i].RSSIStdDev = 4
	}
	ref4, err := refine(readings, indices(len(readings)), l, start, true, defaultLMSettings)
	require.NoError(t, err)
	assert.InDelta(t, 4*ref.covariance.At(2, 2), ref4.covariance.At(2, 2), 1e-9*ref4.covariance.At(2, 2))

	w, weighted := readingWeights(readings, []int{0, 1})
	assert.True(t, weighted)
	assert.Equal(t, []float64{1.0 / 16, 1.0 / 16}, w)

	_, err = refine(readings, []int{0, 1}, l, start, true, defaultLMSettings)
	assert.ErrorIs(t, err, errRankDeficient)
}

func TestAssembleReportsFreeQuantitiesOnly(t *testing.T) {
	l := newLayout(2, Unknowns{Power: true})
	cov := mat.NewSymDense(1, []float64{0.25})
	h := hypothesis{position: radio.NewPoint2(1, 1), power: -4, pathLoss: 2}
	est := assemble(radio.Source{ID: "b"}, l, h, cov)

	assert.Equal(t, "b", est.Source.ID)
	assert.Nil(t, est.PositionCovariance)
	assert.Nil(t, est.PathLossVariance)
	require.NotNil(t, est.PowerVariance)
	assert.Equal(t, 0.25, *est.PowerVariance)
	assert.InDelta(t, 0.5, est.PowerStdDev(), 1e-12)
	assert.InDelta(t, math.Pow(10, -0.4), est.PowerMilliwatt(), 1e-12)

	h.position[0] = 9
	assert.Equal(t, 1.0, est.Position[0])
}
