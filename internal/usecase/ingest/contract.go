package ingest

import (
	"context"

	"github.com/kailas-cloud/cardex/internal/domain"
	"github.com/kailas-cloud/cardex/internal/domain/search/filter"
)

// VectorIndex writes and reads one of the two similarity indices.
type VectorIndex interface {
	Upsert(ctx context.Context, index string, entries []domain.IndexEntry) error
	Query(ctx context.Context, index string, vector []float32, topK int, f filter.Expression) ([]domain.SearchMatch, error)
	Delete(ctx context.Context, index string, ids []string) error
}

// ObjectStore keeps card images.
type ObjectStore interface {
	Put(ctx context.Context, data []byte, mimeType string) (key string, err error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// Embedder produces normalized vectors, output i for input i.
type Embedder interface {
	EmbedText(ctx context.Context, texts []string) ([][]float32, error)
	EmbedImage(ctx context.Context, refs []string) ([][]float32, error)
}

// CardStore keeps card metadata records by exact id.
type CardStore interface {
	Create(ctx context.Context, c domain.IndexedCard) error
	Delete(ctx context.Context, id string) error
}

// SerialReserver holds short-lived claims on serial numbers.
type SerialReserver interface {
	Claim(ctx context.Context, serial, owner string) (bool, error)
	// Release drops claims given as serial -> owner, skipping claims now held by someone else.
	Release(ctx context.Context, owners map[string]string) error
}
