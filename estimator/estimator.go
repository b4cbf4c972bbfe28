// Package estimator locates a single radio source and estimates its
// transmitted power and path-loss exponent from RSSI readings containing
// outliers.
package estimator

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"rssi-engine/radio"
	"rssi-engine/robust"
)

// Estimator is configured through its setters and run with Estimate. While a
// run is in progress the estimator is locked and every setter returns
// ErrLocked.
type Estimator struct {
	mu     sync.Mutex
	locked bool

	dim             int
	method          Method
	readings        []radio.Reading
	qualityScores   []float64
	unknowns        Unknowns
	initialPosition radio.Point
	initialPower    float64 // dBm
	initialPathLoss float64

	threshold      float64
	confidence     float64
	maxIterations  int
	progressDelta  float64
	subsetSize     int // 0 selects MinReadings
	keepInliers    bool
	keepResiduals  bool
	resultRefined  bool
	covarianceKept bool
	lm             lmSettings

	listener Listener
	rand     *rand.Rand
	logger   log.FieldLogger

	consensus  *robust.Result
	covariance *mat.SymDense
	estimated  *radio.EstimatedSource
}

// New returns an estimator for 2D or 3D positions with default settings.
func New(dim int) (*Estimator, error) {
	if dim != 2 && dim != 3 {
		return nil, invalid("dimension %d, want 2 or 3", dim)
	}
	return &Estimator{
		dim:             dim,
		method:          DefaultMethod,
		unknowns:        DefaultUnknowns,
		initialPower:    radio.DefaultTransmittedPowerDbm,
		initialPathLoss: radio.DefaultPathLossExponent,
		threshold:       robust.DefaultThreshold,
		confidence:      robust.DefaultConfidence,
		maxIterations:   robust.DefaultMaxIterations,
		progressDelta:   robust.DefaultProgressDelta,
		keepInliers:     true,
		keepResiduals:   true,
		resultRefined:   true,
		covarianceKept:  true,
		lm:              defaultLMSettings,
		logger:          log.WithField("component", "estimator"),
	}, nil
}

// mutate runs f under the mutex unless a run is in progress.
func (e *Estimator) mutate(f func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	return f()
}

func (e *Estimator) Dim() int { return e.dim }

func (e *Estimator) IsLocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locked
}

// MinReadings is the number of readings a sample needs for the current unknowns.
func (e *Estimator) MinReadings() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return MinReadings(e.dim, e.unknowns)
}

// IsReady reports whether Estimate can run: enough readings, one quality score
// per reading for quality-ranked methods, and an initial position whenever the
// position is held fixed.
func (e *Estimator) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isReady()
}

func (e *Estimator) isReady() bool {
	n := len(e.readings)
	if n == 0 || n < MinReadings(e.dim, e.unknowns) || n < e.sampleSize() {
		return false
	}
	if e.method.UsesQualityScores() && len(e.qualityScores) != n {
		return false
	}
	if !e.unknowns.Position && e.initialPosition == nil {
		return false
	}
	return true
}

func (e *Estimator) sampleSize() int {
	m := MinReadings(e.dim, e.unknowns)
	if e.subsetSize > m {
		return e.subsetSize
	}
	return m
}

func (e *Estimator) Method() Method {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.method
}

func (e *Estimator) SetMethod(m Method) error {
	return e.mutate(func() error {
		if !m.valid() {
			return invalid("unknown method %d", int(m))
		}
		e.method = m
		return nil
	})
}

// Readings returns a copy of the configured readings.
func (e *Estimator) Readings() []radio.Reading {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]radio.Reading(nil), e.readings...)
}

// SetReadings copies readings. They must all share the estimator's dimension
// and be at least MinReadings long.
func (e *Estimator) SetReadings(readings []radio.Reading) error {
	return e.mutate(func() error {
		if need := MinReadings(e.dim, e.unknowns); len(readings) < need {
			return invalid("%d readings, at least %d required", len(readings), need)
		}
		cp := make([]radio.Reading, len(readings))
		for i, r := range readings {
			if err := r.Validate(e.dim); err != nil {
				return invalid("reading %d: %v", i, err)
			}
			cp[i] = r
			cp[i].Position = r.Position.Clone()
		}
		e.readings = cp
		return nil
	})
}

func (e *Estimator) QualityScores() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.qualityScores...)
}

// SetQualityScores copies one non-negative score per reading. Higher scores
// are sampled first by PROSAC and PROMedS.
func (e *Estimator) SetQualityScores(scores []float64) error {
	return e.mutate(func() error {
		if need := MinReadings(e.dim, e.unknowns); len(scores) < need {
			return invalid("%d quality scores, at least %d required", len(scores), need)
		}
		for i, s := range scores {
			if !(s >= 0) || math.IsInf(s, 1) {
				return invalid("quality score %d is %v", i, s)
			}
		}
		e.qualityScores = append([]float64(nil), scores...)
		return nil
	})
}

func (e *Estimator) Unknowns() Unknowns {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unknowns
}

// SetUnknowns selects the estimated quantities. At least one must be enabled.
// A preliminary subset size below the new MinReadings is raised to it.
func (e *Estimator) SetUnknowns(u Unknowns) error {
	return e.mutate(func() error {
		if !u.Any() {
			return invalid("no unknown enabled")
		}
		e.unknowns = u
		if m := MinReadings(e.dim, u); e.subsetSize != 0 && e.subsetSize < m {
			e.subsetSize = m
		}
		return nil
	})
}

func (e *Estimator) InitialPosition() radio.Point {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialPosition.Clone()
}

// SetInitialPosition seeds the position, or fixes it when the position is not
// estimated. nil clears it.
func (e *Estimator) SetInitialPosition(p radio.Point) error {
	return e.mutate(func() error {
		if p != nil {
			if len(p) != e.dim {
				return invalid("initial position has %d coordinates, want %d", len(p), e.dim)
			}
			if !allFinite(p) {
				return invalid("initial position %v is not finite", p)
			}
		}
		e.initialPosition = p.Clone()
		return nil
	})
}

func (e *Estimator) InitialTransmittedPowerDbm() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialPower
}

func (e *Estimator) SetInitialTransmittedPowerDbm(dbm float64) error {
	return e.mutate(func() error {
		if math.IsNaN(dbm) || math.IsInf(dbm, 0) {
			return invalid("initial power %v dBm is not finite", dbm)
		}
		e.initialPower = dbm
		return nil
	})
}

// InitialTransmittedPower is the initial power in mW.
func (e *Estimator) InitialTransmittedPower() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return radio.DbmToMilliwatt(e.initialPower)
}

// SetInitialTransmittedPower sets the initial power in mW, which must be positive.
func (e *Estimator) SetInitialTransmittedPower(mw float64) error {
	return e.mutate(func() error {
		dbm, err := radio.MilliwattToDbm(mw)
		if err != nil || math.IsInf(dbm, 0) {
			return invalid("initial power %v mW: %v", mw, err)
		}
		e.initialPower = dbm
		return nil
	})
}

func (e *Estimator) InitialPathLossExponent() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialPathLoss
}

func (e *Estimator) SetInitialPathLossExponent(n float64) error {
	return e.mutate(func() error {
		if !(n > 0) || math.IsInf(n, 0) {
			return invalid("path-loss exponent %v must be positive", n)
		}
		e.initialPathLoss = n
		return nil
	})
}

func (e *Estimator) Threshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threshold
}

// SetThreshold sets the largest absolute residual, in dB, of an inlier.
func (e *Estimator) SetThreshold(t float64) error {
	return e.mutate(func() error {
		if !(t > 0) || math.IsInf(t, 0) {
			return invalid("threshold %v must be positive", t)
		}
		e.threshold = t
		return nil
	})
}

func (e *Estimator) Confidence() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confidence
}

func (e *Estimator) SetConfidence(c float64) error {
	return e.mutate(func() error {
		if !(c >= 0 && c <= 1) {
			return invalid("confidence %v must lie in [0,1]", c)
		}
		e.confidence = c
		return nil
	})
}

func (e *Estimator) MaxIterations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxIterations
}

func (e *Estimator) SetMaxIterations(n int) error {
	return e.mutate(func() error {
		if n < 1 {
			return invalid("max iterations %d must be at least 1", n)
		}
		e.maxIterations = n
		return nil
	})
}

func (e *Estimator) ProgressDelta() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progressDelta
}

func (e *Estimator) SetProgressDelta(d float64) error {
	return e.mutate(func() error {
		if !(d >= 0 && d <= 1) {
			return invalid("progress delta %v must lie in [0,1]", d)
		}
		e.progressDelta = d
		return nil
	})
}

// PreliminarySubsetSize is the number of readings drawn per consensus round.
func (e *Estimator) PreliminarySubsetSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sampleSize()
}

func (e *Estimator) SetPreliminarySubsetSize(n int) error {
	return e.mutate(func() error {
		if m := MinReadings(e.dim, e.unknowns); n < m {
			return invalid("preliminary subset size %d below minimum %d", n, m)
		}
		e.subsetSize = n
		return nil
	})
}

func (e *Estimator) KeepInliers() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keepInliers
}

func (e *Estimator) SetKeepInliers(v bool) error {
	return e.mutate(func() error { e.keepInliers = v; return nil })
}

func (e *Estimator) KeepResiduals() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keepResiduals
}

func (e *Estimator) SetKeepResiduals(v bool) error {
	return e.mutate(func() error { e.keepResiduals = v; return nil })
}

func (e *Estimator) ResultRefined() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resultRefined
}

func (e *Estimator) SetResultRefined(v bool) error {
	return e.mutate(func() error { e.resultRefined = v; return nil })
}

func (e *Estimator) CovarianceKept() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.covarianceKept
}

func (e *Estimator) SetCovarianceKept(v bool) error {
	return e.mutate(func() error { e.covarianceKept = v; return nil })
}

func (e *Estimator) Listener() Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listener
}

// SetListener replaces the listener; nil removes it.
func (e *Estimator) SetListener(l Listener) error {
	return e.mutate(func() error { e.listener = l; return nil })
}

// SetRand injects the random source used for sampling. nil restores a
// generator seeded from the clock on every run.
func (e *Estimator) SetRand(r *rand.Rand) error {
	return e.mutate(func() error { e.rand = r; return nil })
}

// SetLogger replaces the logger; nil restores the logrus standard logger.
func (e *Estimator) SetLogger(l log.FieldLogger) error {
	return e.mutate(func() error {
		if l == nil {
			l = log.WithField("component", "estimator")
		}
		e.logger = l
		return nil
	})
}

// ConsensusResult is the result of the last successful consensus search.
func (e *Estimator) ConsensusResult() *robust.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consensus
}

// Inliers of the last consensus result, nil unless KeepInliers was set.
func (e *Estimator) Inliers() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.consensus == nil {
		return nil
	}
	return e.consensus.Inliers
}

// Residuals of the last consensus result, nil unless KeepResiduals was set.
func (e *Estimator) Residuals() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.consensus == nil {
		return nil
	}
	return e.consensus.Residuals
}

// Covariance of the estimated unknowns of the last estimate, nil unless the
// result was refined with CovarianceKept.
func (e *Estimator) Covariance() *mat.SymDense {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.covariance
}

// Estimated is the last successful estimate, nil before the first one.
func (e *Estimator) Estimated() *radio.EstimatedSource {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimated
}

// job is the configuration one Estimate call runs with.
type job struct {
	dim      int
	method   Method
	readings []radio.Reading
	scores   []float64
	unknowns Unknowns
	fixed    hypothesis
	seed     radio.Point
	options  robust.Options
	refine   bool
	keepCov  bool
	lm       lmSettings
}

func (e *Estimator) newJob() *job {
	o := robust.Options{
		Threshold:     e.threshold,
		Confidence:    e.confidence,
		MaxIterations: e.maxIterations,
		ProgressDelta: e.progressDelta,
		SampleSize:    e.sampleSize(),
		KeepInliers:   e.keepInliers,
		KeepResiduals: e.keepResiduals,
		Rand:          e.rand,
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	var scores []float64
	if e.method.UsesQualityScores() {
		scores = e.qualityScores
	}
	return &job{
		dim:      e.dim,
		method:   e.method,
		readings: e.readings,
		scores:   scores,
		unknowns: e.unknowns,
		fixed: hypothesis{
			position: e.initialPosition,
			power:    e.initialPower,
			pathLoss: e.initialPathLoss,
		},
		seed:    e.initialPosition,
		options: o,
		refine:  e.resultRefined,
		keepCov: e.covarianceKept,
		lm:      e.lm,
	}
}

// Estimate runs the consensus search and, when enabled, refinement. The
// listener sees exactly one start and one end notification per call that
// passed the readiness check, including failed ones. The estimator is unlocked
// again before Estimate returns.
func (e *Estimator) Estimate() (*radio.EstimatedSource, error) {
	e.mu.Lock()
	if e.locked {
		e.mu.Unlock()
		return nil, ErrLocked
	}
	if !e.isReady() {
		e.mu.Unlock()
		return nil, ErrNotReady
	}
	j := e.newJob()
	e.locked = true
	listener, logger := e.listener, e.logger
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.locked = false
		e.mu.Unlock()
	}()
	if listener != nil {
		defer listener.OnEstimateEnd(e)
		listener.OnEstimateStart(e)
	}

	var obs robust.Observer
	if listener != nil {
		obs = listenerObserver{e: e, l: listener}
	}
	started := time.Now()
	cres, est, err := j.run(obs)

	e.mu.Lock()
	if cres != nil {
		e.consensus = cres
	}
	if err == nil {
		e.estimated = est
		e.covariance = est.Covariance
	}
	e.mu.Unlock()

	fields := log.Fields{
		"method":   j.method.String(),
		"readings": len(j.readings),
		"elapsed":  time.Since(started),
	}
	if cres != nil {
		fields["iterations"] = cres.Iterations
		fields["inliers"] = cres.NumInliers
	}
	if err != nil {
		logger.WithFields(fields).WithError(err).Debug("estimation failed")
		return nil, err
	}
	logger.WithFields(fields).Debugf("estimated source at %v, %.2f dBm, n=%.3f", est.Position, est.PowerDbm, est.PathLossExponent)
	return est, nil
}

func (j *job) run(obs robust.Observer) (*robust.Result, *radio.EstimatedSource, error) {
	l := newLayout(j.dim, j.unknowns)
	solver := newMinimalSolver(j.readings, j.dim, j.unknowns, j.fixed, j.seed, j.options.Threshold)
	problem := &readingProblem{readings: j.readings, solver: solver}

	cres, err := j.method.consensus(j.options).Run(problem, j.scores, obs)
	if err != nil {
		return nil, nil, &EstimationError{Stage: "consensus", Err: err}
	}
	// Disabled quantities are reported exactly as configured.
	best := l.unpack(l.pack(hypothesisFromVector(cres.Params)), j.fixed)
	src := j.readings[0].Source

	if !j.refine {
		return cres, assemble(src, l, best, nil), nil
	}

	idx := inlierIndices(cres, problem, j.options.Threshold)
	ref, err := refine(j.readings, idx, l, best, j.keepCov, j.lm)
	if err != nil {
		return cres, nil, &EstimationError{Stage: "refinement", Err: err}
	}
	h := ref.hypothesis
	if l.pathLoss >= 0 && !(h.pathLoss > 0) {
		return cres, nil, &EstimationError{Stage: "refinement", Err: errors.New("non-positive path-loss exponent")}
	}
	return cres, assemble(src, l, h, ref.covariance), nil
}

// inlierIndices lists the inliers of a consensus result, recomputing them from
// the best parameters when they were not kept.
func inlierIndices(cres *robust.Result, p *readingProblem, threshold float64) []int {
	idx := make([]int, 0, cres.NumInliers)
	if cres.Inliers != nil {
		for i, in := range cres.Inliers {
			if in {
				idx = append(idx, i)
			}
		}
		return idx
	}
	res := make([]float64, p.Len())
	p.Residuals(cres.Params, res)
	for i, r := range res {
		if math.Abs(r) <= threshold {
			idx = append(idx, i)
		}
	}
	return idx
}
