package robust

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var (
	ErrNoConsensus   = errors.New("robust: no candidate with a non-empty inlier set")
	ErrInvalidOption = errors.New("robust: invalid option")
)

// Defaults mirror what RSSI surveys need: a few dB of threshold, high
// confidence and a generous iteration cap.
const (
	DefaultThreshold     = 1.0
	DefaultConfidence    = 0.99
	DefaultMaxIterations = 5000
	DefaultProgressDelta = 0.05
)

// Options configures one Consensus run.
type Options struct {
	Threshold     float64 // max |residual| of an inlier
	Confidence    float64 // in [0,1]
	MaxIterations int
	ProgressDelta float64 // in [0,1]
	SampleSize    int     // data drawn per round
	KeepInliers   bool
	KeepResiduals bool
	// Rand, when set, replaces the wall-clock seeded generator.
	Rand *rand.Rand
}

func DefaultOptions() Options {
	return Options{
		Threshold:     DefaultThreshold,
		Confidence:    DefaultConfidence,
		MaxIterations: DefaultMaxIterations,
		ProgressDelta: DefaultProgressDelta,
	}
}

func (o Options) Validate() error {
	switch {
	case !(o.Threshold > 0):
		return fmt.Errorf("%w: threshold %v must be positive", ErrInvalidOption, o.Threshold)
	case !(o.Confidence >= 0 && o.Confidence <= 1):
		return fmt.Errorf("%w: confidence %v must lie in [0,1]", ErrInvalidOption, o.Confidence)
	case o.MaxIterations < 1:
		return fmt.Errorf("%w: max iterations %d must be at least 1", ErrInvalidOption, o.MaxIterations)
	case !(o.ProgressDelta >= 0 && o.ProgressDelta <= 1):
		return fmt.Errorf("%w: progress delta %v must lie in [0,1]", ErrInvalidOption, o.ProgressDelta)
	case o.SampleSize < 1:
		return fmt.Errorf("%w: sample size %d must be at least 1", ErrInvalidOption, o.SampleSize)
	}
	return nil
}

// Result of a successful run. Inliers and Residuals are nil unless kept.
type Result struct {
	Params      []float64
	Inliers     []bool
	Residuals   []float64
	NumInliers  int
	InlierRatio float64
	Cost        float64
	Iterations  int
	// Required is the adaptive iteration bound at the end of the run.
	Required int
}

// Consensus runs the sample / fit / score loop.
type Consensus struct {
	Sampler Sampler
	Scorer  Scorer
	Options Options
}

// NewRANSAC, NewPROSAC, NewMSAC, NewLMedS and NewPROMedS build the classic
// members of the family.
func NewRANSAC(o Options) *Consensus {
	return &Consensus{Sampler: &UniformSampler{}, Scorer: InlierScorer{}, Options: o}
}

func NewPROSAC(o Options) *Consensus {
	return &Consensus{Sampler: &ProgressiveSampler{}, Scorer: InlierScorer{}, Options: o}
}

func NewMSAC(o Options) *Consensus {
	return &Consensus{Sampler: &UniformSampler{}, Scorer: TruncatedScorer{}, Options: o}
}

func NewLMedS(o Options) *Consensus {
	return &Consensus{Sampler: &UniformSampler{}, Scorer: &MedianScorer{}, Options: o}
}

func NewPROMedS(o Options) *Consensus {
	return &Consensus{Sampler: &ProgressiveSampler{}, Scorer: &MedianScorer{}, Options: o}
}

// RequiredIterations is ceil(log(1-confidence)/log(1-ratio^size)), the number
// of rounds needed to draw one all-inlier sample with the given confidence.
// It returns math.MaxInt when ratio is zero.
func RequiredIterations(confidence, ratio float64, size int) int {
	if ratio <= 0 {
		return math.MaxInt
	}
	good := math.Pow(ratio, float64(size))
	if good >= 1 {
		return 1
	}
	n := math.Log(1-confidence) / math.Log(1-good)
	if math.IsNaN(n) || n > float64(math.MaxInt32) {
		return math.MaxInt32
	}
	if n < 1 {
		return 1
	}
	return int(math.Ceil(n))
}

// Run searches for the best candidate. scores ranks data for quality-aware
// samplers and is ignored otherwise. obs may be nil.
func (c *Consensus) Run(p Problem, scores []float64, obs Observer) (*Result, error) {
	o := c.Options
	if err := o.Validate(); err != nil {
		return nil, err
	}
	n := p.Len()
	if n < o.SampleSize {
		return nil, fmt.Errorf("%w: %d data for sample size %d", ErrInvalidOption, n, o.SampleSize)
	}
	if c.Sampler.UsesQuality() && len(scores) != n {
		return nil, fmt.Errorf("%w: %d quality scores for %d data", ErrInvalidOption, len(scores), n)
	}

	rng := o.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	c.Sampler.Reset(n, o.SampleSize, scores, o.MaxIterations)

	sample := make([]int, o.SampleSize)
	residuals := make([]float64, n)
	inliers := make([]bool, n)

	var (
		best       []float64
		bestScore  Score
		bestIn     []bool
		bestRes    []float64
		found      bool
		required   = o.MaxIterations
		lastNotify float64
		t          int
	)
	if o.KeepInliers {
		bestIn = make([]bool, n)
	}
	if o.KeepResiduals {
		bestRes = make([]float64, n)
	}

	for t = 1; t <= o.MaxIterations && t <= required; t++ {
		if obs != nil {
			obs.OnIteration(t)
		}
		c.Sampler.Sample(rng, t, sample)
		params, ok := p.Fit(sample)
		if ok {
			p.Residuals(params, residuals)
			sc := c.Scorer.Score(residuals, o.Threshold, inliers)
			if sc.Inliers > 0 && (!found || c.Scorer.Better(sc, bestScore)) {
				found = true
				best = params
				bestScore = sc
				if bestIn != nil {
					copy(bestIn, inliers)
				}
				if bestRes != nil {
					copy(bestRes, residuals)
				}
				ratio := float64(sc.Inliers) / float64(n)
				if r := RequiredIterations(o.Confidence, ratio, o.SampleSize); r < required {
					required = r
				}
			}
		}

		if obs != nil {
			bound := required
			if bound > o.MaxIterations {
				bound = o.MaxIterations
			}
			progress := math.Min(1, float64(t)/float64(bound))
			if progress-lastNotify > o.ProgressDelta || t >= bound {
				lastNotify = progress
				obs.OnProgress(progress)
			}
		}
	}
	iterations := t - 1

	if !found {
		return nil, fmt.Errorf("%w after %d iterations", ErrNoConsensus, iterations)
	}
	return &Result{
		Params:      best,
		Inliers:     bestIn,
		Residuals:   bestRes,
		NumInliers:  bestScore.Inliers,
		InlierRatio: float64(bestScore.Inliers) / float64(n),
		Cost:        bestScore.Cost,
		Iterations:  iterations,
		Required:    required,
	}, nil
}
