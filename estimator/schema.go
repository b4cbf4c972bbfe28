package estimator

import (
	"rssi-engine/radio"
)

// Unknowns selects which quantities are estimated. Disabled quantities are
// held at their configured initial value.
type Unknowns struct {
	Position bool
	Power    bool
	PathLoss bool
}

// DefaultUnknowns estimates position and transmitted power.
var DefaultUnknowns = Unknowns{Position: true, Power: true}

// Count is the number of scalar unknowns for a dim-dimensional position.
func (u Unknowns) Count(dim int) int {
	n := 0
	if u.Position {
		n += dim
	}
	if u.Power {
		n++
	}
	if u.PathLoss {
		n++
	}
	return n
}

func (u Unknowns) Any() bool { return u.Position || u.Power || u.PathLoss }

// MinReadings is one more reading than unknowns, so that every minimal sample
// carries a redundant equation.
func MinReadings(dim int, u Unknowns) int {
	return u.Count(dim) + 1
}

// hypothesis is the full parameter set of the attenuation model.
type hypothesis struct {
	position radio.Point
	power    float64 // dBm
	pathLoss float64
}

// Full parameter vectors handed to the consensus engine always have the
// layout [x_0..x_{D-1}, P, n] regardless of which quantities are free.
func fullSize(dim int) int { return dim + 2 }

func (h hypothesis) vector() []float64 {
	dim := len(h.position)
	v := make([]float64, fullSize(dim))
	copy(v, h.position)
	v[dim] = h.power
	v[dim+1] = h.pathLoss
	return v
}

func hypothesisFromVector(v []float64) hypothesis {
	dim := len(v) - 2
	return hypothesis{
		position: radio.Point(v[:dim]),
		power:    v[dim],
		pathLoss: v[dim+1],
	}
}

// layout maps the active (free) unknowns to offsets in the vector optimised by
// Levenberg-Marquardt. Offsets of fixed quantities are -1.
type layout struct {
	dim      int
	unknowns Unknowns
	pos      int
	power    int
	pathLoss int
	size     int
}

func newLayout(dim int, u Unknowns) layout {
	l := layout{dim: dim, unknowns: u, pos: -1, power: -1, pathLoss: -1}
	if u.Position {
		l.pos = l.size
		l.size += dim
	}
	if u.Power {
		l.power = l.size
		l.size++
	}
	if u.PathLoss {
		l.pathLoss = l.size
		l.size++
	}
	return l
}

// pack extracts the free quantities of h.
func (l layout) pack(h hypothesis) []float64 {
	x := make([]float64, l.size)
	if l.pos >= 0 {
		copy(x[l.pos:l.pos+l.dim], h.position)
	}
	if l.power >= 0 {
		x[l.power] = h.power
	}
	if l.pathLoss >= 0 {
		x[l.pathLoss] = h.pathLoss
	}
	return x
}

// unpack merges free values from x over the fixed values in base. The
// returned position never aliases x.
func (l layout) unpack(x []float64, base hypothesis) hypothesis {
	h := hypothesis{position: base.position, power: base.power, pathLoss: base.pathLoss}
	if l.pos >= 0 {
		h.position = radio.Point(append([]float64(nil), x[l.pos:l.pos+l.dim]...))
	}
	if l.power >= 0 {
		h.power = x[l.power]
	}
	if l.pathLoss >= 0 {
		h.pathLoss = x[l.pathLoss]
	}
	return h
}
