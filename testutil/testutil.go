// Package testutil provides deterministic helpers for tests: seeded random
// vector generation and recall computation.
package testutil

import (
	"math"
	"math/rand"
	"sort"
	"sync"
)

// RNG encapsulates a seeded random number generator. It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)), // nolint gosec
		seed: seed,
	}
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Bytes returns n pseudo-random bytes.
func (r *RNG) Bytes(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := make([]byte, n)
	_, _ = r.rand.Read(b)
	return b
}

// NormalizedVector generates a single L2-normalized random vector.
// Uses a Gaussian distribution for uniform coverage of the hypersphere.
func (r *RNG) NormalizedVector(dimensions int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.normalizedVectorLocked(dimensions)
}

// NormalizedVectors generates num L2-normalized random vectors.
func (r *RNG) NormalizedVectors(num int, dimensions int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	vectors := make([][]float32, num)
	for i := range vectors {
		vectors[i] = r.normalizedVectorLocked(dimensions)
	}
	return vectors
}

func (r *RNG) normalizedVectorLocked(dimensions int) []float32 {
	vec := make([]float32, dimensions)
	var norm float64
	for j := range vec {
		v := r.rand.NormFloat64()
		vec[j] = float32(v)
		norm += v * v
	}

	if norm == 0 {
		norm = 1
	}

	invNorm := float32(1.0 / math.Sqrt(norm))
	for j := range vec {
		vec[j] *= invNorm
	}
	return vec
}

// ExactNearest returns the slots of the k vectors nearest to q under dist,
// by exhaustive scan. Slot i corresponds to vectors[i].
func ExactNearest(q []float32, vectors [][]float32, k int, dist func(a, b []float32) float32) []uint32 {
	type hit struct {
		slot uint32
		d    float32
	}

	hits := make([]hit, len(vectors))
	for i, v := range vectors {
		hits[i] = hit{slot: uint32(i), d: dist(q, v)}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].d < hits[j].d })

	if k > len(hits) {
		k = len(hits)
	}
	out := make([]uint32, k)
	for i := range out {
		out[i] = hits[i].slot
	}
	return out
}

// Recall returns |want ∩ got| / |want|.
func Recall(want, got []uint32) float64 {
	if len(want) == 0 {
		return 1
	}

	wantSet := make(map[uint32]struct{}, len(want))
	for _, id := range want {
		wantSet[id] = struct{}{}
	}

	var hits int
	for _, id := range got {
		if _, ok := wantSet[id]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}
