package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const defaultLimit = 4

// SourceFunc lists the knowledge sources a query may draw from.
// An empty list searches the whole collection.
type SourceFunc func(ctx context.Context) ([]string, error)

// KnowledgeRetriever embeds a query and returns the text of the closest chunks.
type KnowledgeRetriever struct {
	embedder Embedder
	store    VectorStore
	sources  SourceFunc
	limit    int
	minScore float32
}

// NewKnowledgeRetriever creates a retriever. sources may be nil.
func NewKnowledgeRetriever(embedder Embedder, store VectorStore, sources SourceFunc, limit int, minScore float32) (*KnowledgeRetriever, error) {
	if embedder == nil || store == nil {
		return nil, errors.New("vectorstore: embedder and store are required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	return &KnowledgeRetriever{
		embedder: embedder,
		store:    store,
		sources:  sources,
		limit:    limit,
		minScore: minScore,
	}, nil
}

// Retrieve returns up to limit snippets, best match first, without duplicates.
func (r *KnowledgeRetriever) Retrieve(ctx context.Context, query string) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	filter := SearchFilter{MinScore: r.minScore}
	if r.sources != nil {
		ids, err := r.sources(ctx)
		if err != nil {
			return nil, fmt.Errorf("list sources: %w", err)
		}
		filter.SourceIDs = ids
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	results, err := r.store.Search(ctx, vector, filter, r.limit)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(results))
	snippets := make([]string, 0, len(results))
	for _, res := range results {
		text := strings.TrimSpace(res.Content)
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true
		snippets = append(snippets, text)
	}
	return snippets, nil
}
