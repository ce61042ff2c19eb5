// Package hnsw implements the Hierarchical Navigable Small World graph for
// approximate nearest neighbor search.
//
// The graph is strictly append-only: slots are assigned sequentially starting
// at 0 and are never removed or reordered. Logical deletion is the caller's
// concern (see the index package), expressed at search time through a skip
// predicate.
package hnsw

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"

	"github.com/photodex/photodex/distance"
)

// ErrDimensionMismatch is returned when an inserted or queried vector does not
// match the graph dimensionality.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Node represents a node in the HNSW graph.
type Node struct {
	Connections [][]uint32 // Links to other slots, one slice per layer 0..Layer
	Vector      []float32
	Layer       int
	Slot        uint32
}

// Options represents the options for configuring HNSW.
type Options struct {
	// M specifies the number of established connections for every new element
	// during construction. Higher M improves recall on high-dimensional data
	// at the cost of build time and memory.
	M int

	// EF specifies the size of the dynamic candidate list during construction.
	// Larger EF improves graph quality at the cost of insert time.
	EF int

	// Heuristic selects the neighbor-selection heuristic (true) over plain
	// nearest-M selection (false).
	Heuristic bool

	// DistanceFunc computes the distance between two vectors. Smaller is
	// closer. Defaults to cosine distance over normalized vectors.
	DistanceFunc distance.Func

	// RandomSeed pins layer assignment for reproducible graphs in tests.
	RandomSeed *int64
}

var DefaultOptions = Options{
	M:            16,
	EF:           200,
	Heuristic:    true,
	DistanceFunc: distance.Cosine,
}

// HNSW represents the Hierarchical Navigable Small World graph.
//
// It is not safe for concurrent mutation; callers must serialize Insert
// against everything else. Concurrent ReadAt/KNNSearch calls are safe only
// when no Insert is in flight.
type HNSW struct {
	dimension int
	mmax      int     // Max number of connections per element per layer
	mmax0     int     // Max for layer 0
	ml        float64 // Normalization factor for level generation
	ep        uint32  // Entry point slot
	maxLevel  int

	nodes []*Node

	rng  *rand.Rand
	opts Options
}

// New creates a new HNSW instance with the given dimension and options.
func New(dimension int, optFns ...func(o *Options)) *HNSW {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.M < 2 {
		// M == 1 would result in division by zero in the layer multiplier
		opts.M = 2
	}

	if opts.DistanceFunc == nil {
		opts.DistanceFunc = distance.Cosine
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed)) // nolint gosec
	} else {
		rng = rand.New(rand.NewSource(rand.Int63())) // nolint gosec
	}

	return &HNSW{
		dimension: dimension,
		mmax:      opts.M,
		mmax0:     2 * opts.M,
		ml:        1 / math.Log(float64(opts.M)),
		rng:       rng,
		opts:      opts,
	}
}

// Dimension returns the vector dimensionality the graph was built with.
func (h *HNSW) Dimension() int { return h.dimension }

// Len returns the number of slots physically present in the graph.
func (h *HNSW) Len() int { return len(h.nodes) }

// Insert appends a new vector to the graph and returns its slot.
// Slots are assigned sequentially: the i-th successful Insert returns i.
func (h *HNSW) Insert(v []float32) (uint32, error) {
	if len(v) != h.dimension {
		return 0, &ErrDimensionMismatch{Expected: h.dimension, Actual: len(v)}
	}

	// Copy so later caller mutations cannot corrupt the graph.
	vec := make([]float32, len(v))
	copy(vec, v)

	slot := uint32(len(h.nodes))
	layer := int(math.Floor(-math.Log(h.rng.Float64()) * h.ml))

	node := &Node{
		Slot:        slot,
		Vector:      vec,
		Layer:       layer,
		Connections: make([][]uint32, layer+1),
	}

	if len(h.nodes) == 0 {
		h.nodes = append(h.nodes, node)
		h.ep = slot
		h.maxLevel = layer
		return slot, nil
	}

	// Greedy descent through the layers above the node's top layer.
	currSlot, currDist := h.greedyDescend(vec, h.ep, h.maxLevel, node.Layer)

	// For every layer the node lives on, gather candidates and link.
	for level := min(node.Layer, h.maxLevel); level >= 0; level-- {
		topCandidates := h.searchLayer(vec, PriorityQueueItem{Slot: currSlot, Distance: currDist}, h.opts.EF, level, nil)

		if best := nearest(topCandidates); best != nil {
			currSlot = best.Slot
			currDist = best.Distance
		}

		maxConns := h.mmax
		if level == 0 {
			maxConns = h.mmax0
		}

		if h.opts.Heuristic {
			h.selectNeighboursHeuristic(topCandidates, maxConns)
		} else {
			h.selectNeighboursSimple(topCandidates, maxConns)
		}

		node.Connections[level] = make([]uint32, topCandidates.Len())
		for i := topCandidates.Len() - 1; i >= 0; i-- {
			candidate := heap.Pop(topCandidates).(PriorityQueueItem)
			node.Connections[level][i] = candidate.Slot
		}
	}

	h.nodes = append(h.nodes, node)

	// Link the neighbours back to the new node, making it reachable.
	for level := min(node.Layer, h.maxLevel); level >= 0; level-- {
		for _, neighbour := range node.Connections[level] {
			h.link(neighbour, slot, level)
		}
	}

	if node.Layer > h.maxLevel {
		h.ep = slot
		h.maxLevel = node.Layer
	}

	return slot, nil
}

// greedyDescend walks from the entry point down to targetLevel+1, keeping the
// locally closest node at each layer.
func (h *HNSW) greedyDescend(q []float32, epSlot uint32, fromLevel, targetLevel int) (uint32, float32) {
	currSlot := epSlot
	currDist := h.opts.DistanceFunc(q, h.nodes[currSlot].Vector)

	for level := fromLevel; level > targetLevel; level-- {
		changed := true
		for changed {
			changed = false
			for _, next := range h.connections(currSlot, level) {
				nextDist := h.opts.DistanceFunc(q, h.nodes[next].Vector)
				if nextDist < currDist {
					currSlot = next
					currDist = nextDist
					changed = true
				}
			}
		}
	}

	return currSlot, currDist
}

func (h *HNSW) connections(slot uint32, level int) []uint32 {
	node := h.nodes[slot]
	if level >= len(node.Connections) {
		return nil
	}
	return node.Connections[level]
}

// link adds a connection from slot to target at the given level, pruning to
// the connection budget when the neighbour list overflows.
func (h *HNSW) link(slot uint32, target uint32, level int) {
	maxConns := h.mmax
	if level == 0 {
		maxConns = h.mmax0
	}

	node := h.nodes[slot]
	if level >= len(node.Connections) {
		return
	}

	node.Connections[level] = append(node.Connections[level], target)

	if len(node.Connections[level]) <= maxConns {
		return
	}

	candidates := &PriorityQueue{Order: true}
	heap.Init(candidates)

	for _, c := range node.Connections[level] {
		heap.Push(candidates, PriorityQueueItem{
			Slot:     c,
			Distance: h.opts.DistanceFunc(node.Vector, h.nodes[c].Vector),
		})
	}

	if h.opts.Heuristic {
		h.selectNeighboursHeuristic(candidates, maxConns)
	} else {
		h.selectNeighboursSimple(candidates, maxConns)
	}

	node.Connections[level] = make([]uint32, candidates.Len())
	for i := candidates.Len() - 1; i >= 0; i-- {
		item := heap.Pop(candidates).(PriorityQueueItem)
		node.Connections[level][i] = item.Slot
	}
}

// searchLayer explores one layer of the graph starting at ep and returns up
// to ef results as a max-heap (farthest on top).
//
// skip, when non-nil, excludes slots from the result set without excluding
// them from traversal, so logically deleted nodes keep the graph navigable.
func (h *HNSW) searchLayer(q []float32, ep PriorityQueueItem, ef int, level int, skip func(uint32) bool) *PriorityQueue {
	visited := make(map[uint32]struct{}, ef*4)
	visited[ep.Slot] = struct{}{}

	candidates := &PriorityQueue{}
	heap.Init(candidates)
	heap.Push(candidates, ep)

	results := &PriorityQueue{Order: true}
	heap.Init(results)
	if skip == nil || !skip(ep.Slot) {
		heap.Push(results, ep)
	}

	for candidates.Len() > 0 {
		candidate := heap.Pop(candidates).(PriorityQueueItem)

		if results.Len() >= ef && candidate.Distance > results.Top().Distance {
			break
		}

		for _, next := range h.connections(candidate.Slot, level) {
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}

			nextDist := h.opts.DistanceFunc(q, h.nodes[next].Vector)

			// Prune obviously-bad candidates once ef results are held. Only
			// safe without a skip predicate: with one, traversal stays
			// permissive to avoid getting trapped in skipped regions.
			if skip == nil && results.Len() >= ef && nextDist > results.Top().Distance {
				continue
			}

			heap.Push(candidates, PriorityQueueItem{Slot: next, Distance: nextDist})

			if skip == nil || !skip(next) {
				heap.Push(results, PriorityQueueItem{Slot: next, Distance: nextDist})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	return results
}

// selectNeighboursSimple keeps the M nearest candidates.
func (h *HNSW) selectNeighboursSimple(topCandidates *PriorityQueue, m int) {
	for topCandidates.Len() > m {
		heap.Pop(topCandidates)
	}
}

// selectNeighboursHeuristic keeps up to M candidates favouring spread: a
// candidate closer to an already-kept neighbour than to the new node is
// deferred (relative neighborhood graph property).
func (h *HNSW) selectNeighboursHeuristic(topCandidates *PriorityQueue, m int) {
	if topCandidates.Len() <= m {
		return
	}

	// Drain to nearest-first order.
	sorted := make([]PriorityQueueItem, topCandidates.Len())
	for i := len(sorted) - 1; i >= 0; i-- {
		sorted[i] = heap.Pop(topCandidates).(PriorityQueueItem)
	}

	kept := make([]PriorityQueueItem, 0, m)
	deferred := make([]PriorityQueueItem, 0, len(sorted))

	for _, cand := range sorted {
		if len(kept) >= m {
			break
		}

		good := true
		for _, k := range kept {
			d := h.opts.DistanceFunc(h.nodes[k.Slot].Vector, h.nodes[cand.Slot].Vector)
			if d < cand.Distance {
				good = false
				break
			}
		}

		if good {
			kept = append(kept, cand)
		} else {
			deferred = append(deferred, cand)
		}
	}

	for _, cand := range deferred {
		if len(kept) >= m {
			break
		}
		kept = append(kept, cand)
	}

	for _, item := range kept {
		heap.Push(topCandidates, item)
	}
}

// KNNSearch returns up to k slots nearest to q, closest first. Slots for
// which skip returns true are excluded from results but still traversed.
// An empty graph yields no results and no error.
func (h *HNSW) KNNSearch(q []float32, k int, efSearch int, skip func(uint32) bool) ([]PriorityQueueItem, error) {
	if len(q) != h.dimension {
		return nil, &ErrDimensionMismatch{Expected: h.dimension, Actual: len(q)}
	}

	if len(h.nodes) == 0 {
		return nil, nil
	}

	ef := efSearch
	if ef < k {
		ef = k
	}

	currSlot, currDist := h.greedyDescend(q, h.ep, h.maxLevel, 0)

	results := h.searchLayer(q, PriorityQueueItem{Slot: currSlot, Distance: currDist}, ef, 0, skip)

	for results.Len() > k {
		heap.Pop(results)
	}

	out := make([]PriorityQueueItem, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(PriorityQueueItem)
	}

	return out, nil
}

// VectorAt returns the vector stored at slot. The returned slice aliases
// graph-owned memory and must not be mutated.
func (h *HNSW) VectorAt(slot uint32) ([]float32, bool) {
	if int(slot) >= len(h.nodes) {
		return nil, false
	}
	return h.nodes[slot].Vector, true
}

func nearest(pq *PriorityQueue) *PriorityQueueItem {
	if pq.Len() == 0 {
		return nil
	}
	best := pq.Items[0]
	for _, item := range pq.Items[1:] {
		if item.Distance < best.Distance {
			best = item
		}
	}
	return &best
}
