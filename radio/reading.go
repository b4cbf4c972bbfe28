package radio

import (
	"fmt"
	"math"
)

// Source identifies the emitter all readings of one estimation refer to.
// The estimator passes it through untouched.
type Source struct {
	ID        string
	Frequency float64 // carrier, Hz
}

// FrequencyOrDefault returns the carrier frequency, or DefaultFrequency when unset.
func (s Source) FrequencyOrDefault() float64 {
	if s.Frequency > 0 {
		return s.Frequency
	}
	return DefaultFrequency
}

// Reading is one RSSI observation of Source taken at Position.
type Reading struct {
	Source     Source
	RSSI       float64 // dBm
	Position   Point
	RSSIStdDev float64 // dB, <= 0 when unknown
}

func (r Reading) HasStdDev() bool { return r.RSSIStdDev > 0 }

// Validate checks the reading is usable for a dim-dimensional estimation.
func (r Reading) Validate(dim int) error {
	if len(r.Position) != dim {
		return fmt.Errorf("reading position has %d coordinates, want %d: %w", len(r.Position), dim, ErrDimensionMismatch)
	}
	if math.IsNaN(r.RSSI) || math.IsInf(r.RSSI, 0) {
		return fmt.Errorf("reading rssi %v is not finite", r.RSSI)
	}
	for _, v := range r.Position {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("reading position %v is not finite", r.Position)
		}
	}
	return nil
}
