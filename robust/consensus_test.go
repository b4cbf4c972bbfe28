package robust

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineProblem fits y = a*x + b through two points.
type lineProblem struct {
	x, y []float64
	fits int
}

func (l *lineProblem) Len() int { return len(l.x) }

func (l *lineProblem) Fit(s []int) ([]float64, bool) {
	l.fits++
	x0, y0, x1, y1 := l.x[s[0]], l.y[s[0]], l.x[s[1]], l.y[s[1]]
	if x0 == x1 {
		return nil, false
	}
	a := (y1 - y0) / (x1 - x0)
	return []float64{a, y0 - a*x0}, true
}

func (l *lineProblem) Residuals(p []float64, dst []float64) {
	for i := range l.x {
		dst[i] = l.y[i] - (p[0]*l.x[i] + p[1])
	}
}

func newLine(rng *rand.Rand, n int, outlierFrac float64) (*lineProblem, []float64) {
	l := &lineProblem{x: make([]float64, n), y: make([]float64, n)}
	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		l.x[i] = float64(i)
		l.y[i] = 2*l.x[i] + 1
		scores[i] = 1
		if rng.Float64() < outlierFrac {
			l.y[i] += 50 + 100*rng.Float64()
			scores[i] = 0.1
		}
	}
	return l, scores
}

type countingObserver struct {
	iterations []int
	progress   []float64
}

func (c *countingObserver) OnIteration(i int)    { c.iterations = append(c.iterations, i) }
func (c *countingObserver) OnProgress(p float64) { c.progress = append(c.progress, p) }

func TestRequiredIterations(t *testing.T) {
	assert.Equal(t, 1, RequiredIterations(0.99, 1.0, 4))
	assert.Equal(t, math.MaxInt, RequiredIterations(0.99, 0, 4))
	// log(0.01)/log(0.75) = 16.008
	assert.Equal(t, 17, RequiredIterations(0.99, 0.5, 2))
	assert.Equal(t, 1, RequiredIterations(0, 0.5, 2))
	assert.Equal(t, math.MaxInt32, RequiredIterations(1, 0.5, 2))
	assert.Greater(t, RequiredIterations(0.99, 0.5, 5), RequiredIterations(0.99, 0.5, 2))
}

func TestOptionsValidate(t *testing.T) {
	o := DefaultOptions()
	o.SampleSize = 2
	require.NoError(t, o.Validate())

	bad := []func(*Options){
		func(o *Options) { o.Threshold = 0 },
		func(o *Options) { o.Confidence = 1.01 },
		func(o *Options) { o.Confidence = -0.1 },
		func(o *Options) { o.MaxIterations = 0 },
		func(o *Options) { o.ProgressDelta = 1.5 },
		func(o *Options) { o.ProgressDelta = -0.1 },
		func(o *Options) { o.SampleSize = 0 },
	}
	for i, f := range bad {
		c := o
		f(&c)
		assert.ErrorIs(t, c.Validate(), ErrInvalidOption, "case %d", i)
	}
}

func TestFamilyRecoversLine(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	builders := map[string]func(Options) *Consensus{
		"ransac":  NewRANSAC,
		"prosac":  NewPROSAC,
		"msac":    NewMSAC,
		"lmeds":   NewLMedS,
		"promeds": NewPROMedS,
	}
	for name, build := range builders {
		t.Run(name, func(t *testing.T) {
			l, scores := newLine(rng, 100, 0.2)
			o := DefaultOptions()
			o.SampleSize = 2
			o.KeepInliers = true
			o.KeepResiduals = true
			o.Rand = rand.New(rand.NewSource(11))
			res, err := build(o).Run(l, scores, nil)
			require.NoError(t, err)
			assert.InDelta(t, 2.0, res.Params[0], 1e-9)
			assert.InDelta(t, 1.0, res.Params[1], 1e-9)
			require.Len(t, res.Inliers, 100)
			require.Len(t, res.Residuals, 100)
			for i := range l.x {
				clean := math.Abs(l.y[i]-(2*l.x[i]+1)) < 1e-9
				assert.Equal(t, clean, res.Inliers[i], "datum %d", i)
			}
			assert.Equal(t, float64(res.NumInliers)/100, res.InlierRatio)
			assert.LessOrEqual(t, res.Iterations, o.MaxIterations)
		})
	}
}

func TestInliersAndResidualsDroppedWhenNotKept(t *testing.T) {
	l, scores := newLine(rand.New(rand.NewSource(3)), 50, 0.1)
	o := DefaultOptions()
	o.SampleSize = 2
	res, err := NewPROSAC(o).Run(l, scores, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Inliers)
	assert.Nil(t, res.Residuals)
	assert.Positive(t, res.NumInliers)
}

func TestNoConsensusWhenEveryFitFails(t *testing.T) {
	l := &lineProblem{x: make([]float64, 10), y: make([]float64, 10)} // all x equal
	o := DefaultOptions()
	o.SampleSize = 2
	o.MaxIterations = 25
	obs := &countingObserver{}
	_, err := NewRANSAC(o).Run(l, nil, obs)
	assert.ErrorIs(t, err, ErrNoConsensus)
	assert.Equal(t, 25, l.fits)
	assert.Len(t, obs.iterations, 25)
}

func TestQualityScoresRequiredForProgressiveSampling(t *testing.T) {
	l, _ := newLine(rand.New(rand.NewSource(3)), 20, 0)
	o := DefaultOptions()
	o.SampleSize = 2
	_, err := NewPROSAC(o).Run(l, make([]float64, 5), nil)
	assert.ErrorIs(t, err, ErrInvalidOption)

	_, err = NewRANSAC(o).Run(l, nil, nil)
	assert.NoError(t, err)
}

func TestObserverNotifications(t *testing.T) {
	l, scores := newLine(rand.New(rand.NewSource(5)), 60, 0.3)
	o := DefaultOptions()
	o.SampleSize = 2
	o.ProgressDelta = 0
	obs := &countingObserver{}
	res, err := NewPROSAC(o).Run(l, scores, obs)
	require.NoError(t, err)

	require.Len(t, obs.iterations, res.Iterations)
	for i, it := range obs.iterations {
		assert.Equal(t, i+1, it)
	}
	require.NotEmpty(t, obs.progress)
	assert.Equal(t, 1.0, obs.progress[len(obs.progress)-1])
	for i := 1; i < len(obs.progress); i++ {
		assert.GreaterOrEqual(t, obs.progress[i], 0.0)
		assert.LessOrEqual(t, obs.progress[i], 1.0)
	}
}

func TestProgressDeltaThrottles(t *testing.T) {
	l, _ := newLine(rand.New(rand.NewSource(5)), 60, 0)
	l.y[0] += 1000 // keep at least one outlier so the run is not trivially 1 round
	o := DefaultOptions()
	o.SampleSize = 2
	o.MaxIterations = 100
	o.Confidence = 0.999999
	o.ProgressDelta = 1
	obs := &countingObserver{}
	_, err := NewRANSAC(o).Run(l, nil, obs)
	require.NoError(t, err)
	// only the final, converged notification passes a delta of 1
	assert.Len(t, obs.progress, 1)
}
