// Package vectorstore retrieves knowledge snippets for the answer generator.
package vectorstore

import "context"

// VectorStore is a technology-agnostic interface for vector similarity search.
type VectorStore interface {
	// Search performs vector similarity search with optional filtering.
	Search(ctx context.Context, vector []float32, filter SearchFilter, limit int) ([]SearchResult, error)

	// Close releases any resources held by the vector store.
	Close() error
}

// Embedder turns text into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchFilter defines filtering options for vector search.
type SearchFilter struct {
	// SourceIDs restricts results to chunks from these knowledge sources.
	SourceIDs []string

	// Metadata filters results by exact payload matches.
	Metadata map[string]any

	// MinScore drops results below this similarity (0.0-1.0).
	MinScore float32
}

// SearchResult represents a single result from vector similarity search.
type SearchResult struct {
	ID         string
	Score      float32 // higher is more similar
	Content    string
	SourceID   string
	DocumentID string
	Metadata   map[string]any
}
