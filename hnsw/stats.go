package hnsw

// Stats summarizes the shape of the graph.
type Stats struct {
	Nodes      int
	MaxLevel   int
	EntryPoint uint32
	M          int
	EF         int

	// NodesPerLevel counts how many nodes have each level as their top layer.
	NodesPerLevel []int
}

// Stats returns statistics about the HNSW graph.
func (h *HNSW) Stats() Stats {
	s := Stats{
		Nodes:         len(h.nodes),
		MaxLevel:      h.maxLevel,
		EntryPoint:    h.ep,
		M:             h.opts.M,
		EF:            h.opts.EF,
		NodesPerLevel: make([]int, h.maxLevel+1),
	}

	for _, node := range h.nodes {
		if node.Layer <= h.maxLevel {
			s.NodesPerLevel[node.Layer]++
		}
	}

	return s
}
