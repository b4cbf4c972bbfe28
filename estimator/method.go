package estimator

import (
	"fmt"
	"strings"

	"rssi-engine/robust"
)

// Method selects the robust estimator.
type Method int

const (
	PROSAC Method = iota
	RANSAC
	MSAC
	LMedS
	PROMedS
)

// DefaultMethod ranks readings by quality score.
const DefaultMethod = PROSAC

var methodNames = map[Method]string{
	PROSAC:  "prosac",
	RANSAC:  "ransac",
	MSAC:    "msac",
	LMedS:   "lmeds",
	PROMedS: "promeds",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

func (m Method) valid() bool {
	_, ok := methodNames[m]
	return ok
}

// UsesQualityScores reports whether the method needs one quality score per reading.
func (m Method) UsesQualityScores() bool { return m == PROSAC || m == PROMedS }

// ParseMethod accepts the lower or upper case name of a method.
func ParseMethod(s string) (Method, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for m, n := range methodNames {
		if n == name {
			return m, nil
		}
	}
	return 0, invalid("unknown method %q", s)
}

func (m Method) MarshalText() ([]byte, error) {
	if !m.valid() {
		return nil, invalid("unknown method %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Method) UnmarshalText(b []byte) error {
	v, err := ParseMethod(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m Method) consensus(o robust.Options) *robust.Consensus {
	switch m {
	case RANSAC:
		return robust.NewRANSAC(o)
	case MSAC:
		return robust.NewMSAC(o)
	case LMedS:
		return robust.NewLMedS(o)
	case PROMedS:
		return robust.NewPROMedS(o)
	}
	return robust.NewPROSAC(o)
}
