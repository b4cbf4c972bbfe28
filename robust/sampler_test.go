package robust

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawDistinct(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	dst := make([]int, 5)
	for round := 0; round < 1000; round++ {
		drawDistinct(rng, 8, dst)
		seen := map[int]bool{}
		for _, v := range dst {
			require.GreaterOrEqual(t, v, 0)
			require.Less(t, v, 8)
			require.False(t, seen[v], "duplicate %d in %v", v, dst)
			seen[v] = true
		}
	}

	drawDistinct(rng, 5, dst)
	sorted := append([]int(nil), dst...)
	sort.Ints(sorted)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, sorted)
}

func TestUniformSamplerCoversAllData(t *testing.T) {
	s := &UniformSampler{}
	s.Reset(10, 3, nil, 100)
	assert.False(t, s.UsesQuality())

	rng := rand.New(rand.NewSource(2))
	hit := make([]bool, 10)
	dst := make([]int, 3)
	for i := 1; i <= 200; i++ {
		s.Sample(rng, i, dst)
		for _, v := range dst {
			hit[v] = true
		}
	}
	for i, h := range hit {
		assert.True(t, h, "index %d never sampled", i)
	}
}

func TestProgressiveSamplerStartsFromBestRanked(t *testing.T) {
	n, size := 40, 3
	scores := make([]float64, n)
	for i := range scores {
		scores[i] = float64(i) // index n-1 is the best
	}
	s := &ProgressiveSampler{}
	s.Reset(n, size, scores, 100)
	assert.True(t, s.UsesQuality())

	rng := rand.New(rand.NewSource(3))
	dst := make([]int, size)

	s.Sample(rng, 1, dst)
	sorted := append([]int(nil), dst...)
	sort.Ints(sorted)
	assert.Equal(t, []int{n - 3, n - 2, n - 1}, sorted)

	prevPool := s.PoolSize()
	for round := 2; round <= 400; round++ {
		s.Sample(rng, round, dst)
		pool := s.PoolSize()
		require.GreaterOrEqual(t, pool, prevPool)
		prevPool = pool
		for _, v := range dst {
			// every drawn index lies in the current top-`pool` ranking
			require.GreaterOrEqual(t, v, n-pool, "round %d pool %d", round, pool)
		}
	}
	assert.Equal(t, n, s.PoolSize())
}

func TestProgressiveSamplerReuse(t *testing.T) {
	s := &ProgressiveSampler{}
	scores := []float64{5, 4, 3, 2, 1}
	s.Reset(5, 2, scores, 10)
	rng := rand.New(rand.NewSource(4))
	dst := make([]int, 2)
	for i := 1; i <= 10; i++ {
		s.Sample(rng, i, dst)
	}
	s.Reset(5, 2, scores, 10)
	assert.Equal(t, 2, s.PoolSize())
}
