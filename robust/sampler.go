package robust

import (
	"math"
	"math/rand"
	"sort"
)

// Sampler chooses the data indices of each round's sample.
type Sampler interface {
	// Reset prepares a run over n data drawing samples of the given size.
	// scores may be nil for samplers that ignore quality.
	Reset(n, size int, scores []float64, maxIterations int)
	// Sample writes the indices for round t (1-based) into dst, len(dst) == size.
	Sample(rng *rand.Rand, t int, dst []int)
	// UsesQuality reports whether Reset needs quality scores.
	UsesQuality() bool
}

// UniformSampler draws every sample uniformly over all data (RANSAC).
type UniformSampler struct {
	n int
}

func (s *UniformSampler) Reset(n, size int, scores []float64, maxIterations int) {
	s.n = n
}

func (s *UniformSampler) Sample(rng *rand.Rand, t int, dst []int) {
	drawDistinct(rng, s.n, dst)
}

func (s *UniformSampler) UsesQuality() bool { return false }

// ProgressiveSampler is the PROSAC sampler. Data are ranked by descending
// quality and samples are drawn from the top-n pool, where n grows with the
// round index following the Chum–Matas schedule: the pool reaches all data by
// the time maxIterations uniform draws would have been made.
type ProgressiveSampler struct {
	order []int // data indices by descending quality
	size  int

	n      int     // current pool size
	tn     float64 // expected draws from the top-n pool (T_n)
	tnDash int     // round at which the pool grows next (T'_n)
	pick   []int
}

func (s *ProgressiveSampler) UsesQuality() bool { return true }

func (s *ProgressiveSampler) Reset(n, size int, scores []float64, maxIterations int) {
	if cap(s.order) < n {
		s.order = make([]int, n)
	}
	s.order = s.order[:n]
	for i := range s.order {
		s.order[i] = i
	}
	if len(scores) == n {
		sort.SliceStable(s.order, func(a, b int) bool {
			return scores[s.order[a]] > scores[s.order[b]]
		})
	}
	s.size = size
	s.n = size

	// T_m = maxIterations * prod_{i<m} (m-i)/(N-i)
	tn := float64(maxIterations)
	for i := 0; i < size; i++ {
		tn *= float64(size-i) / float64(n-i)
	}
	s.tn = tn
	s.tnDash = 1
	if cap(s.pick) < size {
		s.pick = make([]int, size)
	}
	s.pick = s.pick[:size]
}

// PoolSize is the number of top-ranked data currently eligible.
func (s *ProgressiveSampler) PoolSize() int { return s.n }

func (s *ProgressiveSampler) Sample(rng *rand.Rand, t int, dst []int) {
	total := len(s.order)
	for t > s.tnDash && s.n < total {
		next := s.tn * float64(s.n+1) / float64(s.n+1-s.size)
		s.tnDash += int(math.Ceil(next - s.tn))
		s.tn = next
		s.n++
	}

	if t > s.tnDash || s.n == s.size {
		// pool cannot grow any further: sample anywhere inside it
		drawDistinct(rng, s.n, s.pick)
	} else {
		// size-1 from the first n-1 plus the n-th ranked datum
		drawDistinct(rng, s.n-1, s.pick[:s.size-1])
		s.pick[s.size-1] = s.n - 1
	}
	for i, p := range s.pick {
		dst[i] = s.order[p]
	}
}

// drawDistinct fills dst with distinct values in [0, n) (Floyd's algorithm).
func drawDistinct(rng *rand.Rand, n int, dst []int) {
	k := len(dst)
	filled := 0
	for j := n - k; j < n; j++ {
		v := rng.Intn(j + 1)
		for _, prev := range dst[:filled] {
			if prev == v {
				v = j
				break
			}
		}
		dst[filled] = v
		filled++
	}
}
