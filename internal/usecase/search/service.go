package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/cardex/internal/domain"
	"github.com/kailas-cloud/cardex/internal/domain/search/filter"
	"github.com/kailas-cloud/cardex/internal/logger"
	"github.com/kailas-cloud/cardex/internal/metrics"
)

// Defaults for Config fields left at zero.
const (
	DefaultTopK = 10
	DefaultMaxK = 100
)

// Search modes, used as the metrics label.
const (
	modeText  = "text"
	modeImage = "image"
)

// Config holds federation settings.
type Config struct {
	TextIndex   string
	VisualIndex string
	Weights     Weights
	DefaultTopK int
	MaxTopK     int
}

// Service federates card search across the text and visual indices.
type Service struct {
	index  VectorIndex
	embed  Embedder
	cfg    Config
	logger *zap.Logger
}

// New creates a search service.
func New(index VectorIndex, embed Embedder, cfg Config, l *zap.Logger) *Service {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = DefaultTopK
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = DefaultMaxK
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &Service{index: index, embed: embed, cfg: cfg, logger: l}
}

// SearchByText embeds query once and looks it up in both indices with the same vector.
// topK bounds each index query and the merged list. Zero means the configured default.
func (s *Service) SearchByText(
	ctx context.Context, query string, topK int, f filter.Expression,
) (res []domain.MergedMatch, err error) {
	defer observe(modeText, time.Now(), &err)

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", domain.ErrInvalidQuery)
	}
	topK, err = s.resolveTopK(topK)
	if err != nil {
		return nil, err
	}

	vecs, err := s.embed.EmbedText(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("vectorize query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("got %d query vectors: %w", len(vecs), domain.ErrEmbeddingMismatch)
	}
	vec := vecs[0]

	var text, visual []domain.SearchMatch
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, qerr := s.query(gctx, s.cfg.TextIndex, vec, topK, f)
		text = m
		return qerr
	})
	g.Go(func() error {
		m, qerr := s.query(gctx, s.cfg.VisualIndex, vec, topK, f)
		visual = m
		return qerr
	})
	if err = g.Wait(); err != nil {
		return nil, err
	}

	res = mergeResults(text, visual, s.cfg.Weights, topK)
	logger.FromContext(ctx, s.logger).Debug("Text search",
		zap.Int("text_hits", len(text)),
		zap.Int("visual_hits", len(visual)),
		zap.Int("results", len(res)),
	)
	return res, nil
}

// SearchByImage embeds imageRef (a data URL or a fetchable URL) and looks it up in the visual index only.
// Scores are the raw index similarities.
func (s *Service) SearchByImage(
	ctx context.Context, imageRef string, topK int, f filter.Expression,
) (res []domain.MergedMatch, err error) {
	defer observe(modeImage, time.Now(), &err)

	if strings.TrimSpace(imageRef) == "" {
		return nil, fmt.Errorf("%w: image is required", domain.ErrInvalidQuery)
	}
	topK, err = s.resolveTopK(topK)
	if err != nil {
		return nil, err
	}

	vecs, err := s.embed.EmbedImage(ctx, []string{imageRef})
	if err != nil {
		return nil, fmt.Errorf("vectorize image: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("got %d image vectors: %w", len(vecs), domain.ErrEmbeddingMismatch)
	}

	matches, err := s.query(ctx, s.cfg.VisualIndex, vecs[0], topK, f)
	if err != nil {
		return nil, err
	}

	res = make([]domain.MergedMatch, len(matches))
	for i, m := range matches {
		res[i] = domain.MergedMatch{ID: m.ID, Score: m.Score, Metadata: m.Metadata}
	}
	return res, nil
}

func (s *Service) query(
	ctx context.Context, index string, vec []float32, topK int, f filter.Expression,
) ([]domain.SearchMatch, error) {
	m, err := s.index.Query(ctx, index, vec, topK, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrIndexQuery, index, err)
	}
	return m, nil
}

func (s *Service) resolveTopK(topK int) (int, error) {
	switch {
	case topK == 0:
		return s.cfg.DefaultTopK, nil
	case topK < 0 || topK > s.cfg.MaxTopK:
		return 0, fmt.Errorf("%w: top_k must be within 1..%d, got %d", domain.ErrInvalidQuery, s.cfg.MaxTopK, topK)
	default:
		return topK, nil
	}
}

func observe(mode string, start time.Time, err *error) {
	status := "ok"
	if *err != nil {
		status = "error"
	}
	metrics.SearchDuration.WithLabelValues(mode, status).Observe(time.Since(start).Seconds())
}
