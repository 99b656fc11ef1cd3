package search

import (
	"context"

	"github.com/kailas-cloud/cardex/internal/domain"
	"github.com/kailas-cloud/cardex/internal/domain/search/filter"
)

// VectorIndex reads the text and visual indices.
type VectorIndex interface {
	Query(
		ctx context.Context, index string,
		vector []float32, topK int, f filter.Expression,
	) ([]domain.SearchMatch, error)
}

// Embedder vectorizes query text and query images into the matching spaces.
type Embedder interface {
	EmbedText(ctx context.Context, texts []string) ([][]float32, error)
	EmbedImage(ctx context.Context, refs []string) ([][]float32, error)
}
