package radio

import "math"

// The attenuation law in linear form is
//
//	Pr = Pte * k / d^n,  k = (c / (4*pi*f))^n
//
// which in dBm becomes Pr = Pte + 10*n*log10(c/(4*pi*f*d)).

// WavelengthFactor returns c/(4*pi*f).
func WavelengthFactor(frequency float64) float64 {
	return SpeedOfLight / (4.0 * math.Pi * frequency)
}

// PathGain returns 10*log10(c/(4*pi*f*d)), the dB gain per unit of path-loss
// exponent at distance d.
func PathGain(distance, frequency float64) float64 {
	return 10.0 * math.Log10(WavelengthFactor(frequency)/distance)
}

// PredictRSSI is the received power in dBm at `at` for a source at `src`.
func PredictRSSI(src Point, powerDbm, pathLoss float64, at Point, frequency float64) float64 {
	return powerDbm + pathLoss*PathGain(distance(src, at), frequency)
}

// Residual is observed minus predicted RSSI for reading r.
func Residual(src Point, powerDbm, pathLoss float64, r *Reading) float64 {
	return r.RSSI - PredictRSSI(src, powerDbm, pathLoss, r.Position, r.Source.FrequencyOrDefault())
}

// Partials fills dPos with d(pred)/d(src_j) and returns d(pred)/dP and d(pred)/dn.
// dPos may be nil. Distances below MinDistance are floored.
func Partials(src Point, pathLoss float64, at Point, frequency float64, dPos []float64) (dPower, dPathLoss float64) {
	d := distance(src, at)
	if d < MinDistance {
		d = MinDistance
	}
	if dPos != nil {
		common := -10.0 * pathLoss / (Ln10 * d * d)
		for j := range dPos {
			dPos[j] = common * (src[j] - at[j])
		}
	}
	return 1.0, PathGain(d, frequency)
}

// RangeFromRSSI inverts the model: the distance at which a source of the given
// power and exponent is received at rssi.
func RangeFromRSSI(rssi, powerDbm, pathLoss, frequency float64) float64 {
	return WavelengthFactor(frequency) * math.Pow(10.0, (powerDbm-rssi)/(10.0*pathLoss))
}

// distance avoids the slice bounds checks of floats.Distance on the hot path.
func distance(a, b Point) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
