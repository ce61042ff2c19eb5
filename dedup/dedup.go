// Package dedup provides pure near-duplicate detection over normalized
// embedding vectors.
package dedup

import "github.com/photodex/photodex/distance"

const (
	// IngestThreshold is the ingestion-time similarity above which an image
	// counts as a repeat of one already accepted. Very strict: only true
	// duplicates are suppressed.
	IngestThreshold = 0.995

	// RelevanceThreshold is the default retrieval-time relevance cutoff.
	// It belongs to the ranking layer, not to index search.
	RelevanceThreshold = 0.6
)

// Match reports the outcome of a duplicate check.
type Match struct {
	Duplicate  bool
	Similarity float32
	// Position is the index of the matching accepted vector, -1 if none.
	Position int
}

// Detect compares candidate against accepted, in order, and short-circuits
// on the first cosine similarity exceeding threshold. Both the candidate and
// the accepted vectors must be L2-normalized so that the inner product is
// the cosine.
//
// An empty accepted list and a zero-norm candidate both report "not
// duplicate"; the latter avoids a division by zero.
func Detect(candidate []float32, accepted [][]float32, threshold float32) Match {
	if len(accepted) == 0 || distance.Dot(candidate, candidate) == 0 {
		return Match{Position: -1}
	}

	for i, prev := range accepted {
		sim := distance.Dot(candidate, prev)
		if sim > threshold {
			return Match{Duplicate: true, Similarity: sim, Position: i}
		}
	}
	return Match{Position: -1}
}
