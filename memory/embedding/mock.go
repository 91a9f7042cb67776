package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// Mock is a deterministic, content-hash-based embedding service. Equal
// inputs always produce equal outputs, and every output vector is unit
// length, making it a safe stand-in for the networked providers in tests
// and examples that don't want to depend on an external API.
type Mock struct {
	dims int
}

// NewMock returns a Mock producing vectors of the given dimension. dims
// defaults to 32 when <= 0.
func NewMock(dims int) *Mock {
	if dims <= 0 {
		dims = 32
	}
	return &Mock{dims: dims}
}

func (m *Mock) Dimensions() int { return m.dims }

func (m *Mock) Embed(_ context.Context, text string) ([]float32, error) {
	return m.vectorFor(text), nil
}

func (m *Mock) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vectorFor(t)
	}
	return out, nil
}

// vectorFor derives a deterministic unit vector from text by seeding a
// simple hash-based PRNG per dimension with FNV-1a of (text, dimension
// index), then L2-normalizing the result.
func (m *Mock) vectorFor(text string) []float32 {
	v := make([]float32, m.dims)
	for i := 0; i < m.dims; i++ {
		h := fnv.New64a()
		_, _ = h.Write([]byte(text))
		_, _ = h.Write([]byte{byte(i), byte(i >> 8)})
		sum := h.Sum64()
		// Map the hash into [-1, 1].
		v[i] = float32(int64(sum%2000001)-1000000) / 1000000.0
	}
	return l2normalize(v)
}

func l2normalize(v []float32) []float32 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
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
