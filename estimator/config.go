package estimator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"rssi-engine/radio"
	"rssi-engine/robust"
)

// Config is the file form of the estimator settings.
//
//	method: prosac
//	unknowns: {position: true, power: true, pathLoss: false}
//	threshold: 1.0
type Config struct {
	Method                Method         `yaml:"method"`
	Unknowns              UnknownsConfig `yaml:"unknowns"`
	Threshold             float64        `yaml:"threshold"`
	Confidence            float64        `yaml:"confidence"`
	MaxIterations         int            `yaml:"maxIterations"`
	ProgressDelta         float64        `yaml:"progressDelta"`
	PreliminarySubsetSize int            `yaml:"preliminarySubsetSize,omitempty"`
	KeepInliers           bool           `yaml:"keepInliers"`
	KeepResiduals         bool           `yaml:"keepResiduals"`
	ResultRefined         bool           `yaml:"refine"`
	CovarianceKept        bool           `yaml:"keepCovariance"`

	InitialPosition []float64 `yaml:"initialPosition,omitempty"`
	InitialPowerDbm float64   `yaml:"initialPowerDbm"`
	InitialPathLoss float64   `yaml:"initialPathLoss"`
	LMMaxIterations int       `yaml:"lmMaxIterations,omitempty"`
	LMTolerance     float64   `yaml:"lmTolerance,omitempty"`
}

type UnknownsConfig struct {
	Position bool `yaml:"position"`
	Power    bool `yaml:"power"`
	PathLoss bool `yaml:"pathLoss"`
}

func DefaultConfig() Config {
	return Config{
		Method:          DefaultMethod,
		Unknowns:        UnknownsConfig(DefaultUnknowns),
		Threshold:       robust.DefaultThreshold,
		Confidence:      robust.DefaultConfidence,
		MaxIterations:   robust.DefaultMaxIterations,
		ProgressDelta:   robust.DefaultProgressDelta,
		KeepInliers:     true,
		KeepResiduals:   true,
		ResultRefined:   true,
		CovarianceKept:  true,
		InitialPowerDbm: radio.DefaultTransmittedPowerDbm,
		InitialPathLoss: radio.DefaultPathLossExponent,
	}
}

// LoadConfig reads a YAML file over DefaultConfig, so omitted keys keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read estimator config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse estimator config %s: %w", path, err)
	}
	return cfg, nil
}

// Apply configures e. The first failing setter aborts and its error is returned.
func (c Config) Apply(e *Estimator) error {
	steps := []func() error{
		func() error { return e.SetMethod(c.Method) },
		func() error { return e.SetUnknowns(Unknowns(c.Unknowns)) },
		func() error { return e.SetThreshold(c.Threshold) },
		func() error { return e.SetConfidence(c.Confidence) },
		func() error { return e.SetMaxIterations(c.MaxIterations) },
		func() error { return e.SetProgressDelta(c.ProgressDelta) },
		func() error { return e.SetKeepInliers(c.KeepInliers) },
		func() error { return e.SetKeepResiduals(c.KeepResiduals) },
		func() error { return e.SetResultRefined(c.ResultRefined) },
		func() error { return e.SetCovarianceKept(c.CovarianceKept) },
		func() error { return e.SetInitialTransmittedPowerDbm(c.InitialPowerDbm) },
		func() error { return e.SetInitialPathLossExponent(c.InitialPathLoss) },
	}
	if c.InitialPosition != nil {
		steps = append(steps, func() error { return e.SetInitialPosition(radio.Point(c.InitialPosition)) })
	}
	if c.PreliminarySubsetSize > 0 {
		steps = append(steps, func() error { return e.SetPreliminarySubsetSize(c.PreliminarySubsetSize) })
	}
	if c.LMMaxIterations > 0 || c.LMTolerance > 0 {
		steps = append(steps, func() error {
			return e.mutate(func() error {
				if c.LMMaxIterations > 0 {
					e.lm.MaxIterations = c.LMMaxIterations
				}
				if c.LMTolerance > 0 {
					e.lm.Tolerance = c.LMTolerance
				}
				return nil
			})
		})
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// Config returns the current settings of e.
func (e *Estimator) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := Config{
		Method:          e.method,
		Unknowns:        UnknownsConfig(e.unknowns),
		Threshold:       e.threshold,
		Confidence:      e.confidence,
		MaxIterations:   e.maxIterations,
		ProgressDelta:   e.progressDelta,
		KeepInliers:     e.keepInliers,
		KeepResiduals:   e.keepResiduals,
		ResultRefined:   e.resultRefined,
		CovarianceKept:  e.covarianceKept,
		InitialPowerDbm: e.initialPower,
		InitialPathLoss: e.initialPathLoss,
		LMMaxIterations: e.lm.MaxIterations,
		LMTolerance:     e.lm.Tolerance,
	}
	if e.subsetSize > 0 {
		c.PreliminarySubsetSize = e.sampleSize()
	}
	if e.initialPosition != nil {
		c.InitialPosition = append([]float64(nil), e.initialPosition...)
	}
	return c
}
