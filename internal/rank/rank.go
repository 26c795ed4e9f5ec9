// Package rank selects the passages most relevant to a query embedding using
// brute-force cosine similarity over a book's immutable passage index.
package rank

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"voxbooks/pkg/domain"
)

// ErrEmptyQuery reports a query embedding with no values. The embedding
// provider returned garbage; there is no dimension to compare against.
var ErrEmptyQuery = errors.New("empty query embedding")

// DimensionError reports a query/passage embedding dimension mismatch. It
// indicates an ingestion-time invariant violation, not a caller mistake.
type DimensionError struct {
	PassageID string
	Got       int
	Want      int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch for passage %s: got %d, want %d", e.PassageID, e.Got, e.Want)
}

// Scored pairs a passage with its similarity to the query.
type Scored struct {
	Passage    domain.Passage
	Similarity float64
}

// TopK returns up to k passages ordered by descending cosine similarity to
// query. Passages with equal similarity keep their input order. A zero-norm
// passage vector scores 0 rather than NaN. TopK has no side effects and is
// safe to call concurrently over the same slice.
func TopK(query []float32, passages []domain.Passage, k int) ([]Scored, error) {
	if len(query) == 0 {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		return []Scored{}, nil
	}
	queryNorm := norm(query)
	scored := make([]Scored, 0, len(passages))
	for _, p := range passages {
		if len(p.Embedding) != len(query) {
			return nil, &DimensionError{PassageID: p.ID, Got: len(p.Embedding), Want: len(query)}
		}
		scored = append(scored, Scored{Passage: p, Similarity: cosine(query, p.Embedding, queryNorm)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k], nil
}

func cosine(query, passage []float32, queryNorm float64) float64 {
	passageNorm := norm(passage)
	if queryNorm == 0 || passageNorm == 0 {
		return 0
	}
	var dot float64
	for i := range query {
		dot += float64(query[i]) * float64(passage[i])
	}
	return dot / (queryNorm * passageNorm)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
