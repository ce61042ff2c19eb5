package index

import "github.com/photodex/photodex/hnsw"

// Stats summarizes the index: live population, tombstone pressure, and the
// shape of the underlying graph.
type Stats struct {
	Live           int
	Tombstones     int
	TombstoneRatio float64
	Dimension      int
	Graph          hnsw.Stats
}

// Stats returns a consistent snapshot of the index statistics.
func (ix *Index) Stats() Stats {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	dead := int(ix.tombstones.GetCardinality())
	total := len(ix.ids)

	var ratio float64
	if total > 0 {
		ratio = float64(dead) / float64(total)
	}

	return Stats{
		Live:           total - dead,
		Tombstones:     dead,
		TombstoneRatio: ratio,
		Dimension:      ix.opts.Dimension,
		Graph:          ix.graph.Stats(),
	}
}
