// Package embeddings defines the embedding provider interface used for
// semantic retrieval over conversation history.
package embeddings

import "context"

// Provider generates embedding vectors for text.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension of the configured model.
	Dimension() int

	// Name returns the provider name.
	Name() string
}
