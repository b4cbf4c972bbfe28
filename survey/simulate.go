package survey

import (
	"fmt"
	"math"
	"math/rand"

	"rssi-engine/radio"
)

// SimulateConfig describes a synthetic survey around a known source.
type SimulateConfig struct {
	ID        string
	Frequency float64 // Hz, 0 for radio.DefaultFrequency

	Source           radio.Point
	PowerDbm         float64
	PathLossExponent float64

	Readings int
	// Extent is the half width of the cube (square in 2D) readings are drawn
	// from, centred on the origin. Readings closer than MinRange to the
	// source are redrawn.
	Extent   float64
	MinRange float64

	// NoiseStdDev is the standard deviation of the gaussian noise added to
	// every reading. When positive it is also recorded as the reading's
	// standard deviation.
	NoiseStdDev float64

	OutlierRatio float64
	// Outliers are offset by a uniform draw from [OutlierMin, OutlierMax] dB
	// with a random sign.
	OutlierMin float64
	OutlierMax float64
}

func DefaultSimulateConfig() SimulateConfig {
	return SimulateConfig{
		ID:               "sim",
		Source:           radio.NewPoint3(0, 0, 0),
		PowerDbm:         radio.DefaultTransmittedPowerDbm,
		PathLossExponent: radio.DefaultPathLossExponent,
		Readings:         100,
		Extent:           10,
		MinRange:         1,
		OutlierRatio:     0.2,
		OutlierMin:       20,
		OutlierMax:       40,
	}
}

func (c SimulateConfig) validate() error {
	dim := len(c.Source)
	switch {
	case dim != 2 && dim != 3:
		return fmt.Errorf("simulate: %d-dimensional source: %w", dim, radio.ErrDimensionMismatch)
	case c.Readings < 1:
		return fmt.Errorf("simulate: %d readings", c.Readings)
	case !(c.Extent > 0):
		return fmt.Errorf("simulate: extent %v must be positive", c.Extent)
	case !(c.MinRange >= 0) || c.MinRange >= c.Extent:
		return fmt.Errorf("simulate: min range %v must lie in [0, extent)", c.MinRange)
	case !(c.PathLossExponent > 0):
		return fmt.Errorf("simulate: path-loss exponent %v must be positive", c.PathLossExponent)
	case !(c.OutlierRatio >= 0 && c.OutlierRatio <= 1):
		return fmt.Errorf("simulate: outlier ratio %v must lie in [0,1]", c.OutlierRatio)
	case c.OutlierMin < 0 || c.OutlierMax < c.OutlierMin:
		return fmt.Errorf("simulate: outlier range [%v, %v]", c.OutlierMin, c.OutlierMax)
	case c.NoiseStdDev < 0:
		return fmt.Errorf("simulate: noise %v must not be negative", c.NoiseStdDev)
	}
	return nil
}

// Simulate draws a survey. Each reading's quality score is 1/(1+|error|), so
// blunders rank last.
func Simulate(rng *rand.Rand, c SimulateConfig) (*Survey, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	src := radio.Source{ID: c.ID, Frequency: c.Frequency}
	freq := src.FrequencyOrDefault()
	dim := len(c.Source)

	s := &Survey{
		Source:        src,
		Readings:      make([]radio.Reading, 0, c.Readings),
		QualityScores: make([]float64, 0, c.Readings),
		Truth: &Truth{
			Position:         c.Source.Clone(),
			PowerDbm:         c.PowerDbm,
			PathLossExponent: c.PathLossExponent,
		},
	}
	for len(s.Readings) < c.Readings {
		p := make(radio.Point, dim)
		for j := range p {
			p[j] = (2*rng.Float64() - 1) * c.Extent
		}
		if p.Distance(c.Source) < c.MinRange {
			continue
		}
		var e float64
		if c.NoiseStdDev > 0 {
			e = rng.NormFloat64() * c.NoiseStdDev
		}
		if rng.Float64() < c.OutlierRatio {
			o := c.OutlierMin + rng.Float64()*(c.OutlierMax-c.OutlierMin)
			if rng.Intn(2) == 0 {
				o = -o
			}
			e += o
		}
		s.Readings = append(s.Readings, radio.Reading{
			Source:     src,
			RSSI:       radio.PredictRSSI(c.Source, c.PowerDbm, c.PathLossExponent, p, freq) + e,
			Position:   p,
			RSSIStdDev: c.NoiseStdDev,
		})
		s.QualityScores = append(s.QualityScores, 1/(1+math.Abs(e)))
	}
	return s, nil
}
