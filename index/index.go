// Package index implements the durable approximate nearest-neighbor store for
// image embeddings.
//
// The underlying HNSW graph is append-only and has no delete primitive, so
// deletion is modeled as a tombstone over the slot-to-external-id map. Once
// the tombstone ratio passes a threshold the index is rebuilt from the record
// store, which keeps the authoritative copy of every live embedding.
package index

import (
	"context"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"go.uber.org/zap"

	"github.com/photodex/photodex/hnsw"
)

const (
	// DefaultCompactionRatio is the tombstone fraction beyond which a
	// remove triggers a synchronous rebuild.
	DefaultCompactionRatio = 0.3

	// DefaultM is the graph connectivity factor.
	DefaultM = 16

	// DefaultEF is the build-time exploration breadth.
	DefaultEF = 200

	// DefaultEFSearch is the query-time exploration breadth. The engine
	// favors recall over throughput, so this is deliberately generous.
	DefaultEFSearch = 400
)

// Entry pairs an external record id with its embedding vector.
type Entry struct {
	ID     int64
	Vector []float32
}

// RebuildSource supplies the authoritative vector for each live external id.
// Compaction reads vectors from here, never back out of the graph.
type RebuildSource interface {
	LiveVectors(ctx context.Context, ids []int64) ([]Entry, error)
}

// Result is a single search hit.
type Result struct {
	// ID is the external record id.
	ID int64
	// Score is the inner product between the query and the stored vector.
	// For normalized vectors this equals cosine similarity; higher is closer.
	Score float32
}

// Options configures an Index. All values are fixed at construction.
type Options struct {
	Dimension       int
	M               int
	EF              int
	EFSearch        int
	CompactionRatio float64

	// Path is the base path for the two snapshot artifacts; the graph is
	// written to Path+".graph" and the id-map to Path+".ids".
	Path string

	// Source provides vectors for compaction rebuilds. Optional, but
	// removals cannot compact without it.
	Source RebuildSource

	Logger *zap.Logger

	// RandomSeed pins graph layer assignment for reproducible tests.
	RandomSeed *int64
}

// Index is an approximate nearest-neighbor store mapping external record ids
// to vectors, with logical delete and ratio-triggered compaction.
//
// All mutating operations and Search are serialized behind one lock: the
// graph corrupts under concurrent mutation, and a search concurrent with a
// mutation could read a half-updated id-map.
type Index struct {
	mu sync.Mutex

	graph      *hnsw.HNSW
	ids        []int64         // slot -> external id, dense, append-only
	tombstones *roaring.Bitmap // slots logically deleted

	opts   Options
	logger *zap.Logger
}

// New creates an empty Index.
func New(optFns ...func(o *Options)) *Index {
	opts := Options{
		M:               DefaultM,
		EF:              DefaultEF,
		EFSearch:        DefaultEFSearch,
		CompactionRatio: DefaultCompactionRatio,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Index{
		graph:      newGraph(opts),
		tombstones: roaring.New(),
		opts:       opts,
		logger:     logger,
	}
}

func newGraph(opts Options) *hnsw.HNSW {
	return hnsw.New(opts.Dimension, func(o *hnsw.Options) {
		o.M = opts.M
		o.EF = opts.EF
		o.RandomSeed = opts.RandomSeed
	})
}

// Add appends a vector under the given external id. It never fails on a
// duplicate id; keeping live ids unique is the caller's responsibility.
func (ix *Index) Add(ctx context.Context, externalID int64, vector []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	return ix.addLocked(externalID, vector)
}

func (ix *Index) addLocked(externalID int64, vector []float32) error {
	if _, err := ix.graph.Insert(vector); err != nil {
		return err
	}
	ix.ids = append(ix.ids, externalID)
	return nil
}

// Search returns up to topK live entries nearest to query, ordered by
// descending score. Tombstoned slots never appear in results. An empty index
// yields an empty result without error.
func (ix *Index) Search(ctx context.Context, query []float32, topK int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	hits, err := ix.graph.KNNSearch(query, topK, ix.opts.EFSearch, ix.tombstones.Contains)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(hits))
	for i, hit := range hits {
		results[i] = Result{
			ID: ix.ids[hit.Slot],
			// The graph ranks by cosine distance 1-dot; convert back to the
			// inner-product score contract at the boundary.
			Score: 1 - hit.Distance,
		}
	}
	return results, nil
}

// Remove tombstones the live slot holding externalID. It returns false if no
// live slot holds it. A remove that pushes the tombstone ratio past the
// configured threshold triggers a synchronous compaction rebuild; otherwise
// only the id-map artifact is rewritten. Without a rebuild source the remove
// still succeeds and tombstones accumulate unboundedly.
func (ix *Index) Remove(ctx context.Context, externalID int64) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.tombstoneLocked(externalID) {
		return false, nil
	}
	return true, ix.maybeCompactLocked(ctx)
}

// RemoveBulk tombstones every live slot whose external id is in ids and
// returns the number removed. The id-map is persisted once for the whole
// batch and a single compaction check runs at the end. If no live vectors
// remain the index is reset to empty instead of rebuilt.
func (ix *Index) RemoveBulk(ctx context.Context, ids []int64) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var removed int
	for _, id := range ids {
		if ix.tombstoneLocked(id) {
			removed++
		}
	}

	if removed == 0 {
		return 0, nil
	}

	if ix.countLocked() == 0 {
		return removed, ix.resetLocked()
	}
	return removed, ix.maybeCompactLocked(ctx)
}

// maybeCompactLocked compacts when the tombstone ratio crossed the threshold
// and a rebuild source is available; otherwise it persists the id-map. The
// structure tolerates any tombstone ratio functionally, so a missing source
// degrades to accumulation, never to a failed remove.
func (ix *Index) maybeCompactLocked(ctx context.Context) error {
	if !ix.shouldCompactLocked() {
		return ix.saveIDMapLocked()
	}
	if ix.opts.Source == nil {
		ix.logger.Warn("tombstones above compaction threshold, no rebuild source configured",
			zap.Float64("ratio", float64(ix.tombstones.GetCardinality())/float64(len(ix.ids))),
		)
		return ix.saveIDMapLocked()
	}
	return ix.compactLocked(ctx)
}

// tombstoneLocked marks the live slot holding externalID, if any.
func (ix *Index) tombstoneLocked(externalID int64) bool {
	for slot, id := range ix.ids {
		if id == externalID && !ix.tombstones.Contains(uint32(slot)) {
			ix.tombstones.Add(uint32(slot))
			return true
		}
	}
	return false
}

func (ix *Index) shouldCompactLocked() bool {
	n := len(ix.ids)
	if n == 0 {
		return false
	}
	return float64(ix.tombstones.GetCardinality())/float64(n) > ix.opts.CompactionRatio
}

// compactLocked rebuilds the graph from the live entries, reading the
// authoritative vectors from the rebuild source.
func (ix *Index) compactLocked(ctx context.Context) error {
	if ix.opts.Source == nil {
		return ErrNoRebuildSource
	}

	start := time.Now()
	dropped := int(ix.tombstones.GetCardinality())

	live := make([]int64, 0, len(ix.ids)-dropped)
	for slot, id := range ix.ids {
		if !ix.tombstones.Contains(uint32(slot)) {
			live = append(live, id)
		}
	}

	entries, err := ix.opts.Source.LiveVectors(ctx, live)
	if err != nil {
		return err
	}

	if err := ix.rebuildLocked(entries); err != nil {
		return err
	}

	ix.logger.Info("index compacted",
		zap.Int("dropped", dropped),
		zap.Int("live", len(entries)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// Rebuild discards the current graph and id-map, replays every entry through
// Add, and persists the result. Used both for compaction and for recovery
// from the record store.
func (ix *Index) Rebuild(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	return ix.rebuildLocked(entries)
}

func (ix *Index) rebuildLocked(entries []Entry) error {
	graph := newGraph(ix.opts)
	ids := make([]int64, 0, len(entries))

	for _, e := range entries {
		if _, err := graph.Insert(e.Vector); err != nil {
			return err
		}
		ids = append(ids, e.ID)
	}

	ix.graph = graph
	ix.ids = ids
	ix.tombstones = roaring.New()

	return ix.saveLocked()
}

// Reset discards all state and persists an empty snapshot.
func (ix *Index) Reset() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.resetLocked()
}

func (ix *Index) resetLocked() error {
	ix.graph = newGraph(ix.opts)
	ix.ids = nil
	ix.tombstones = roaring.New()
	return ix.saveLocked()
}

// Count returns the number of live (non-tombstoned) vectors.
func (ix *Index) Count() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.countLocked()
}

func (ix *Index) countLocked() int {
	return len(ix.ids) - int(ix.tombstones.GetCardinality())
}

// TombstoneRatio returns tombstoned slots over total slots.
func (ix *Index) TombstoneRatio() float64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(ix.ids) == 0 {
		return 0
	}
	return float64(ix.tombstones.GetCardinality()) / float64(len(ix.ids))
}

// Dimension returns the configured vector dimensionality.
func (ix *Index) Dimension() int {
	return ix.opts.Dimension
}
