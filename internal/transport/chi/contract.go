package chi

import (
	"context"

	"github.com/kailas-cloud/cardex/internal/domain"
	"github.com/kailas-cloud/cardex/internal/domain/batch"
	"github.com/kailas-cloud/cardex/internal/domain/search/filter"
	healthuc "github.com/kailas-cloud/cardex/internal/usecase/health"
)

// Ingester runs the ingestion saga.
type Ingester interface {
	SaveCards(ctx context.Context, records []domain.CardRecord) (batch.Outcome, error)
	SaveCard(ctx context.Context, rec domain.CardRecord) (domain.IndexedCard, error)
}

// CardReader reads card records by id.
type CardReader interface {
	Get(ctx context.Context, id string) (domain.IndexedCard, error)
}

// EntryReader reads raw index entries by id.
type EntryReader interface {
	Fetch(ctx context.Context, index string, ids []string) ([]domain.IndexEntry, error)
}

// Searcher federates search over the text and visual indices.
type Searcher interface {
	SearchByText(ctx context.Context, query string, topK int, f filter.Expression) ([]domain.MergedMatch, error)
	SearchByImage(ctx context.Context, imageRef string, topK int, f filter.Expression) ([]domain.MergedMatch, error)
}

// Grader identifies and grades card photos.
type Grader interface {
	Grade(ctx context.Context, images []string) ([]domain.GradeResult, error)
}

// HealthReporter aggregates dependency health.
type HealthReporter interface {
	Check(ctx context.Context) healthuc.Report
}
