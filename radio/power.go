package radio

import (
	"errors"
	"math"
)

var ErrNonPositivePower = errors.New("radio: linear power must be positive")

// DbmToMilliwatt converts dBm to linear mW.
func DbmToMilliwatt(dbm float64) float64 {
	return math.Pow(10.0, dbm/10.0)
}

// MilliwattToDbm converts linear mW to dBm. Zero or negative power has no
// logarithm and is rejected.
func MilliwattToDbm(mw float64) (float64, error) {
	if !(mw > 0) {
		return 0, ErrNonPositivePower
	}
	return 10.0 * math.Log10(mw), nil
}
