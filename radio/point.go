package radio

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var ErrDimensionMismatch = errors.New("radio: dimension mismatch")

// Point is a position in local Cartesian metres, 2D or 3D.
type Point []float64

func NewPoint2(x, y float64) Point    { return Point{x, y} }
func NewPoint3(x, y, z float64) Point { return Point{x, y, z} }

func (p Point) Dim() int { return len(p) }

// Distance is the Euclidean distance. Both points must share dimension.
func (p Point) Distance(q Point) float64 {
	return floats.Distance(p, q, 2)
}

// Equal reports whether every coordinate of q is within tol of p.
func (p Point) Equal(q Point, tol float64) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if math.Abs(p[i]-q[i]) > tol {
			return false
		}
	}
	return true
}

func (p Point) Clone() Point {
	if p == nil {
		return nil
	}
	out := make(Point, len(p))
	copy(out, p)
	return out
}

func (p Point) String() string {
	switch len(p) {
	case 2:
		return fmt.Sprintf("(%.3f, %.3f)", p[0], p[1])
	case 3:
		return fmt.Sprintf("(%.3f, %.3f, %.3f)", p[0], p[1], p[2])
	}
	return fmt.Sprint([]float64(p))
}

// Centroid of the given points; nil when empty.
func Centroid(pts []Point) Point {
	if len(pts) == 0 {
		return nil
	}
	c := make(Point, len(pts[0]))
	for _, p := range pts {
		floats.Add(c, p)
	}
	floats.Scale(1.0/float64(len(pts)), c)
	return c
}
