package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/photodex/photodex/testutil"
)

func TestDetectEmptyList(t *testing.T) {
	m := Detect([]float32{1, 0, 0}, nil, IngestThreshold)
	assert.False(t, m.Duplicate)
	assert.Equal(t, -1, m.Position)
}

func TestDetectZeroNormCandidate(t *testing.T) {
	accepted := [][]float32{{1, 0, 0}}
	m := Detect([]float32{0, 0, 0}, accepted, IngestThreshold)
	assert.False(t, m.Duplicate)
}

func TestDetectExactRepeat(t *testing.T) {
	v := []float32{0.6, 0.8, 0}
	m := Detect(v, [][]float32{{0, 1, 0}, v}, IngestThreshold)
	assert.True(t, m.Duplicate)
	assert.Equal(t, 1, m.Position)
	assert.InDelta(t, 1.0, m.Similarity, 1e-5)
}

func TestDetectNearDuplicate(t *testing.T) {
	a := []float32{1, 0, 0, 0}
	b := []float32{0.999, 0.001, 0, 0} // already ~normalized, sim ~0.999

	m := Detect(b, [][]float32{a}, IngestThreshold)
	assert.True(t, m.Duplicate)
	assert.Greater(t, m.Similarity, float32(IngestThreshold))
}

func TestDetectDistinctVectors(t *testing.T) {
	rng := testutil.NewRNG(11)
	accepted := rng.NormalizedVectors(10, 64)
	candidate := rng.NormalizedVector(64)

	m := Detect(candidate, accepted, IngestThreshold)
	assert.False(t, m.Duplicate, "random high-dimensional vectors are nearly orthogonal")
}

func TestDetectShortCircuits(t *testing.T) {
	v := []float32{1, 0}
	accepted := [][]float32{v, v}

	m := Detect(v, accepted, IngestThreshold)
	assert.True(t, m.Duplicate)
	assert.Equal(t, 0, m.Position, "first match wins")
}

func TestDetectThresholdBoundary(t *testing.T) {
	// Similarity exactly at the threshold is not a duplicate; it must exceed it.
	a := []float32{1, 0}
	m := Detect(a, [][]float32{a}, 1.0)
	assert.False(t, m.Duplicate)
}
