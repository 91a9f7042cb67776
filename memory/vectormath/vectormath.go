// Package vectormath provides pure, total vector-similarity primitives used
// by every memory store that performs semantic search: cosine similarity,
// Euclidean distance, L2 normalization, and top-K selection.
//
// Every function here is defensive against poisoned input (NaN, +/-Inf,
// dimension mismatch, zero magnitude): a single bad row degrades to a
// similarity of 0.0 (a distance of +Inf for Euclidean) rather than
// propagating a crash or a NaN through a ranked result set.
package vectormath

import "math"

// Cosine returns the cosine similarity between a and b.
//
// It returns 0.0 if the vectors have different lengths, either is empty,
// either has zero magnitude, or either contains a non-finite value.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0.0
	}

	var dot, normA, normB float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		if !isFinite(av) || !isFinite(bv) {
			return 0.0
		}
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if !isFinite(sim) {
		return 0.0
	}
	return sim
}

// Euclidean returns the Euclidean (L2) distance between a and b.
//
// Identical vectors distance 0.0. Vectors that cannot be compared (different
// length, non-finite components) return +Inf rather than panicking.
func Euclidean(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.Inf(1)
	}

	var sum float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		if !isFinite(av) || !isFinite(bv) {
			return math.Inf(1)
		}
		d := av - bv
		sum += d * d
	}

	dist := math.Sqrt(sum)
	if !isFinite(dist) {
		return math.Inf(1)
	}
	return dist
}

// L2Normalize returns v scaled to unit magnitude.
//
// If v's magnitude is at or below 1e-12 (effectively the zero vector, or too
// small to normalize stably), v is returned unchanged.
func L2Normalize(v []float32) []float32 {
	var sumSquares float64
	for _, x := range v {
		xv := float64(x)
		if !isFinite(xv) {
			return v
		}
		sumSquares += xv * xv
	}

	mag := math.Sqrt(sumSquares)
	if mag <= 1e-12 {
		return v
	}

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / mag)
	}
	return out
}

// Scored pairs an arbitrary candidate with its similarity score.
type Scored[T any] struct {
	Item  T
	Score float64
}

// TopKBySimilarity returns the k candidates with the largest cosine
// similarity to query, sorted by descending score. Ties are broken by
// original order (stable). Candidates whose embedding fails Cosine's guards
// receive a score of 0.0 and remain eligible for ranking.
func TopKBySimilarity[T any](query []float32, candidates []T, embeddingOf func(T) []float32, k int) []Scored[T] {
	scored := make([]Scored[T], len(candidates))
	for i, c := range candidates {
		scored[i] = Scored[T]{Item: c, Score: Cosine(query, embeddingOf(c))}
	}

	// Stable descending sort by score; insertion sort preserves original
	// order among ties and is cheap for the small candidate sets a single
	// memory store's recall set typically produces.
	for i := 1; i < len(scored); i++ {
		j := i
		for j > 0 && scored[j-1].Score < scored[j].Score {
			scored[j-1], scored[j] = scored[j], scored[j-1]
			j--
		}
	}

	if k >= 0 && k < len(scored) {
		scored = scored[:k]
	}
	return scored
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
