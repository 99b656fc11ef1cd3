package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/cardex/internal/domain"
	"github.com/kailas-cloud/cardex/internal/metrics"
)

// DefaultMaxAPIBatchSize is the largest batch sent in one provider request.
const DefaultMaxAPIBatchSize = 256

// probeText and probeImage are embedded once by Ready to learn the output dimensions.
const (
	probeText  = "cardex readiness probe"
	probeImage = "data:image/png;base64," +
		"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="
)

// Modality names used in logs and metrics.
const (
	ModalityText  = "text"
	ModalityImage = "image"
)

// Vectorizer is one modality's provider and its expected output size.
type Vectorizer struct {
	Embedder   domain.BatchEmbedder
	Model      string
	Dimensions int
}

// Service produces L2-normalized text and image vectors. It is constructed explicitly
// and holds no package state; the first successful Ready call marks it usable.
type Service struct {
	text   Vectorizer
	image  Vectorizer
	logger *zap.Logger

	mu    sync.Mutex
	ready bool
}

// NewService creates an embedding service.
func NewService(text, image Vectorizer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{text: text, image: image, logger: logger}
}

// Ready probes both providers once and checks their vector dimensions.
// It returns nil immediately after the first success; failures are retried on the next call.
func (s *Service) Ready(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}

	if err := s.probe(ctx, ModalityText, s.text, probeText); err != nil {
		return err
	}
	if err := s.probe(ctx, ModalityImage, s.image, probeImage); err != nil {
		return err
	}

	s.ready = true
	s.logger.Info("Embedding service ready",
		zap.String("text_model", s.text.Model),
		zap.Int("text_dimensions", s.text.Dimensions),
		zap.String("image_model", s.image.Model),
		zap.Int("image_dimensions", s.image.Dimensions),
	)
	return nil
}

func (s *Service) probe(ctx context.Context, modality string, v Vectorizer, input string) error {
	if v.Embedder == nil {
		return fmt.Errorf("%s vectorizer is not configured: %w", modality, domain.ErrNotReady)
	}
	res, err := v.Embedder.BatchEmbed(ctx, []string{input})
	if err != nil {
		return fmt.Errorf("%s probe: %w: %w", modality, err, domain.ErrNotReady)
	}
	if len(res.Embeddings) != 1 {
		return fmt.Errorf("%s probe returned %d vectors: %w", modality, len(res.Embeddings), domain.ErrNotReady)
	}
	if got := len(res.Embeddings[0]); v.Dimensions > 0 && got != v.Dimensions {
		return fmt.Errorf("%s model %s returns %d dimensions, configured %d: %w",
			modality, v.Model, got, v.Dimensions, domain.ErrNotReady)
	}
	return nil
}

// IsReady reports whether Ready has succeeded.
func (s *Service) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// EmbedText returns one normalized vector per text, in order.
func (s *Service) EmbedText(ctx context.Context, texts []string) ([][]float32, error) {
	return s.embed(ctx, ModalityText, s.text, texts)
}

// EmbedImage returns one normalized vector per image reference (URL or data URL), in order.
func (s *Service) EmbedImage(ctx context.Context, refs []string) ([][]float32, error) {
	return s.embed(ctx, ModalityImage, s.image, refs)
}

// HealthCheck reports readiness and, when the providers support it, their availability.
func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}
	for _, v := range []Vectorizer{s.text, s.image} {
		if hc, ok := v.Embedder.(domain.HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("embedding provider: %w", err)
			}
		}
	}
	return nil
}

func (s *Service) embed(ctx context.Context, modality string, v Vectorizer, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}

	start := time.Now()

	vectors, tokens, err := s.embedChunked(ctx, modality, v, inputs)
	if err != nil {
		return nil, err
	}

	if len(vectors) != len(inputs) {
		return nil, fmt.Errorf("%s: expected %d vectors, got %d: %w: %w",
			modality, len(inputs), len(vectors), domain.ErrEmbeddingMismatch, domain.ErrEmbeddingProviderError)
	}
	for i, vec := range vectors {
		if len(vec) != v.Dimensions {
			return nil, fmt.Errorf("%s vector %d has %d dimensions, expected %d: %w: %w",
				modality, i, len(vec), v.Dimensions, domain.ErrEmbeddingMismatch, domain.ErrEmbeddingProviderError)
		}
		out := make([]float32, len(vec))
		copy(out, vec)
		vectors[i] = domain.Normalize(out)
	}

	domain.UsageFromContext(ctx).AddTokens(tokens)
	metrics.EmbeddingInputsTotal.WithLabelValues(modality).Add(float64(len(inputs)))

	s.logger.Debug("Embedding completed",
		zap.String("modality", modality),
		zap.String("model", v.Model),
		zap.Int("batch_size", len(inputs)),
		zap.Int("total_tokens", tokens),
		zap.Duration("duration", time.Since(start)),
	)

	return vectors, nil
}

// embedChunked splits inputs into DefaultMaxAPIBatchSize requests.
func (s *Service) embedChunked(
	ctx context.Context, modality string, v Vectorizer, inputs []string,
) ([][]float32, int, error) {
	all := make([][]float32, 0, len(inputs))
	var totalTokens int

	for offset := 0; offset < len(inputs); offset += DefaultMaxAPIBatchSize {
		end := min(offset+DefaultMaxAPIBatchSize, len(inputs))
		chunk := inputs[offset:end]

		res, err := v.Embedder.BatchEmbed(ctx, chunk)
		if err != nil {
			s.logger.Error("Batch embedding request failed",
				zap.String("modality", modality),
				zap.String("model", v.Model),
				zap.Int("chunk_offset", offset),
				zap.Int("chunk_size", len(chunk)),
				zap.Error(err),
			)
			if !errors.Is(err, domain.ErrEmbeddingProviderError) {
				err = fmt.Errorf("%w: %w", err, domain.ErrEmbeddingProviderError)
			}
			return nil, 0, fmt.Errorf("%s batch embed: %w", modality, err)
		}
		if len(res.Embeddings) != len(chunk) {
			return nil, 0, fmt.Errorf("%s chunk at %d: expected %d vectors, got %d: %w: %w",
				modality, offset, len(chunk), len(res.Embeddings),
				domain.ErrEmbeddingMismatch, domain.ErrEmbeddingProviderError)
		}

		all = append(all, res.Embeddings...)
		totalTokens += res.TotalTokens
	}

	return all, totalTokens, nil
}
