// Package embedding defines the embedding-service abstraction memory stores
// use for semantic search, plus a deterministic in-process mock used by
// tests and by the pure in-process store when no network-backed provider is
// configured.
package embedding

import "context"

// Service converts text into fixed-length float32 vectors.
type Service interface {
	// Embed converts a single text into a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts into vectors, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the length of vectors this service produces.
	Dimensions() int
}
