package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photodex/photodex/testutil"
)

var testSeed = int64(42)

// memorySource is a RebuildSource backed by a map, standing in for the
// record store in tests.
type memorySource struct {
	vectors map[int64][]float32
	calls   int
}

func (s *memorySource) LiveVectors(_ context.Context, ids []int64) ([]Entry, error) {
	s.calls++
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if v, ok := s.vectors[id]; ok {
			entries = append(entries, Entry{ID: id, Vector: v})
		}
	}
	return entries, nil
}

func newTestIndex(t *testing.T, dimension int, source RebuildSource) *Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photos")
	return New(func(o *Options) {
		o.Dimension = dimension
		o.Path = path
		o.Source = source
		o.RandomSeed = &testSeed
	})
}

func TestSearchConcreteScenario(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, 4, nil)

	require.NoError(t, ix.Add(ctx, 10, []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Add(ctx, 11, []float32{0.999, 0.001, 0, 0}))

	res, err := ix.Search(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, res, 2)

	assert.Equal(t, int64(10), res[0].ID)
	assert.InDelta(t, 1.0, res[0].Score, 1e-5)
	assert.Equal(t, int64(11), res[1].ID)
	assert.InDelta(t, 0.999, res[1].Score, 1e-3)

	removed, err := ix.Remove(ctx, 10)
	require.NoError(t, err)
	assert.True(t, removed)

	res, err = ix.Search(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(11), res[0].ID)
}

func TestSearchEmptyIndex(t *testing.T) {
	ix := newTestIndex(t, 4, nil)

	res, err := ix.Search(context.Background(), []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearchExcludesTombstones(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, 8, nil)

	rng := testutil.NewRNG(1)
	vectors := rng.NormalizedVectors(30, 8)
	for i, v := range vectors {
		require.NoError(t, ix.Add(ctx, int64(100+i), v))
	}

	removed, err := ix.Remove(ctx, 105)
	require.NoError(t, err)
	assert.True(t, removed)

	// Tombstoned ids never surface, for any query, even before compaction.
	for _, q := range vectors {
		res, err := ix.Search(ctx, q, 30)
		require.NoError(t, err)
		for _, r := range res {
			assert.NotEqual(t, int64(105), r.ID)
		}
	}
}

func TestRemoveUnknownID(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, 4, nil)

	require.NoError(t, ix.Add(ctx, 1, []float32{1, 0, 0, 0}))

	removed, err := ix.Remove(ctx, 999)
	require.NoError(t, err)
	assert.False(t, removed)

	// Removing the same id twice only succeeds once.
	removed, err = ix.Remove(ctx, 1)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = ix.Remove(ctx, 1)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestCompactionTrigger(t *testing.T) {
	ctx := context.Background()

	const n = 10
	rng := testutil.NewRNG(2)
	vectors := rng.NormalizedVectors(n, 8)

	source := &memorySource{vectors: make(map[int64][]float32)}
	ix := newTestIndex(t, 8, source)

	for i, v := range vectors {
		id := int64(i + 1)
		source.vectors[id] = v
		require.NoError(t, ix.Add(ctx, id, v))
	}

	// Remove 0.3*N+1 vectors one by one; the last removal crosses the ratio.
	toRemove := []int64{1, 2, 3, 4}
	for _, id := range toRemove {
		removed, err := ix.Remove(ctx, id)
		require.NoError(t, err)
		require.True(t, removed)
		delete(source.vectors, id)
	}

	assert.Equal(t, 1, source.calls, "exactly one compaction expected")
	assert.Equal(t, float64(0), ix.TombstoneRatio())
	assert.Equal(t, n-len(toRemove), ix.Count())

	// Survivors are still searchable under their original ids.
	res, err := ix.Search(ctx, vectors[7], 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(8), res[0].ID)
}

func TestRemoveBulk(t *testing.T) {
	ctx := context.Background()

	rng := testutil.NewRNG(3)
	vectors := rng.NormalizedVectors(20, 8)

	source := &memorySource{vectors: make(map[int64][]float32)}
	ix := newTestIndex(t, 8, source)

	for i, v := range vectors {
		id := int64(i + 1)
		source.vectors[id] = v
		require.NoError(t, ix.Add(ctx, id, v))
	}

	removed, err := ix.RemoveBulk(ctx, []int64{1, 2, 3, 999})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 17, ix.Count())
}

func TestRemoveBulkToEmptyResets(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, 4, nil)

	require.NoError(t, ix.Add(ctx, 1, []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Add(ctx, 2, []float32{0, 1, 0, 0}))

	removed, err := ix.RemoveBulk(ctx, []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.Equal(t, 0, ix.Count())
	assert.Equal(t, float64(0), ix.TombstoneRatio(), "reset, not tombstoned")

	res, err := ix.Search(ctx, []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestRemoveBulkEmptySet(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, 4, nil)

	require.NoError(t, ix.Add(ctx, 1, []float32{1, 0, 0, 0}))

	removed, err := ix.RemoveBulk(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, ix.Count())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "photos")
	opts := func(o *Options) {
		o.Dimension = 16
		o.Path = path
		o.RandomSeed = &testSeed
	}

	ix := New(opts)
	rng := testutil.NewRNG(4)
	vectors := rng.NormalizedVectors(100, 16)
	for i, v := range vectors {
		require.NoError(t, ix.Add(ctx, int64(i+1), v))
	}
	_, err := ix.Remove(ctx, 42)
	require.NoError(t, err)
	require.NoError(t, ix.Save())

	restored := New(opts)
	require.NoError(t, restored.Load())

	assert.Equal(t, ix.Count(), restored.Count())

	queries := rng.NormalizedVectors(10, 16)
	for _, q := range queries {
		want, err := ix.Search(ctx, q, 10)
		require.NoError(t, err)
		got, err := restored.Search(ctx, q, 10)
		require.NoError(t, err)

		require.Equal(t, len(want), len(got))
		for i := range want {
			assert.Equal(t, want[i].ID, got[i].ID)
			assert.InDelta(t, want[i].Score, got[i].Score, 1e-6)
		}
	}
}

func TestLoadMissingSnapshot(t *testing.T) {
	ix := newTestIndex(t, 4, nil)

	err := ix.Load()
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadIncompletePairIsCorrupt(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "photos")
	opts := func(o *Options) {
		o.Dimension = 4
		o.Path = path
		o.RandomSeed = &testSeed
	}

	ix := New(opts)
	require.NoError(t, ix.Add(ctx, 1, []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Save())

	require.NoError(t, os.Remove(path+".ids"))

	restored := New(opts)
	err := restored.Load()
	require.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestLoadMismatchedPairIsCorrupt(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "photos")
	opts := func(o *Options) {
		o.Dimension = 4
		o.Path = path
		o.RandomSeed = &testSeed
	}

	ix := New(opts)
	require.NoError(t, ix.Add(ctx, 1, []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Add(ctx, 2, []float32{0, 1, 0, 0}))
	require.NoError(t, ix.Save())

	// Overwrite the id-map with one from a single-entry index.
	other := New(func(o *Options) {
		o.Dimension = 4
		o.Path = filepath.Join(t.TempDir(), "other")
		o.RandomSeed = &testSeed
	})
	require.NoError(t, other.Add(ctx, 7, []float32{0, 0, 1, 0}))
	require.NoError(t, other.Save())

	otherIDs, err := os.ReadFile(other.opts.Path + ".ids")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path+".ids", otherIDs, 0o644))

	restored := New(opts)
	err = restored.Load()
	require.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, 8, nil)

	rng := testutil.NewRNG(5)
	vectors := rng.NormalizedVectors(10, 8)
	entries := make([]Entry, len(vectors))
	for i, v := range vectors {
		entries[i] = Entry{ID: int64(i + 1), Vector: v}
	}

	require.NoError(t, ix.Rebuild(ctx, entries))
	assert.Equal(t, 10, ix.Count())

	res, err := ix.Search(ctx, vectors[3], 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(4), res[0].ID)
}

func TestRemoveWithoutSourceAccumulatesTombstones(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, 4, nil)

	require.NoError(t, ix.Add(ctx, 1, []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Add(ctx, 2, []float32{0, 1, 0, 0}))
	require.NoError(t, ix.Add(ctx, 3, []float32{0, 0, 1, 0}))
	require.NoError(t, ix.Add(ctx, 4, []float32{0, 0, 0, 1}))

	// Past the compaction threshold with no source, removals still succeed
	// and tombstones simply accumulate.
	for _, id := range []int64{1, 2, 3} {
		removed, err := ix.Remove(ctx, id)
		require.NoError(t, err)
		assert.True(t, removed)
	}

	assert.Equal(t, 1, ix.Count())
	assert.InDelta(t, 0.75, ix.TombstoneRatio(), 1e-9)

	res, err := ix.Search(ctx, []float32{0, 0, 0, 1}, 4)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(4), res[0].ID)
}

func TestRemoveOnTinySourcelessIndex(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, 4, nil)

	require.NoError(t, ix.Add(ctx, 10, []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Add(ctx, 11, []float32{0.999, 0.001, 0, 0}))

	// One removal out of two crosses the ratio immediately; it must not fail.
	removed, err := ix.Remove(ctx, 10)
	require.NoError(t, err)
	assert.True(t, removed)

	res, err := ix.Search(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(11), res[0].ID)
}
