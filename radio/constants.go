package radio

// Physical constants and model defaults.
const (
	SpeedOfLight = 299792458.0

	// DefaultFrequency is the WiFi channel 1 carrier used when a source carries none.
	DefaultFrequency = 2.4e9

	// DefaultPathLossExponent is free-space propagation.
	DefaultPathLossExponent = 2.0

	// DefaultTransmittedPowerDbm is used for a fixed power when no initial value was given.
	DefaultTransmittedPowerDbm = 0.0

	// MinDistance bounds distances fed into derivatives (metres).
	MinDistance = 1e-9
)

// Ln10 cached natural log of 10.
const Ln10 = 2.302585092994046
