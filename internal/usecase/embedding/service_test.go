package embedding

import (
	"context"
	"errors"
	"math"
	"os"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/cardex/internal/domain"
	"github.com/kailas-cloud/cardex/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.RegisterEmbeddingMetrics()
	os.Exit(m.Run())
}

// mockEmbedder returns vec for every input unless batchErr is set.
type mockEmbedder struct {
	mu         sync.Mutex
	vec        []float32
	tokens     int
	batchErr   error
	short      bool
	batchCalls int
	inputs     [][]string
}

func (m *mockEmbedder) BatchEmbed(_ context.Context, inputs []string) (domain.BatchEmbeddingResult, error) {
	m.mu.Lock()
	m.batchCalls++
	m.inputs = append(m.inputs, inputs)
	m.mu.Unlock()

	if m.batchErr != nil {
		return domain.BatchEmbeddingResult{}, m.batchErr
	}
	n := len(inputs)
	if m.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = append([]float32(nil), m.vec...)
	}
	return domain.BatchEmbeddingResult{Embeddings: out, TotalTokens: m.tokens * len(inputs)}, nil
}

func newTestService(text, image *mockEmbedder, dims int) *Service {
	return NewService(
		Vectorizer{Embedder: text, Model: "clip", Dimensions: dims},
		Vectorizer{Embedder: image, Model: "clip", Dimensions: dims},
		zap.NewNop(),
	)
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestReady_ProbesOnce(t *testing.T) {
	text := &mockEmbedder{vec: []float32{1, 2}}
	image := &mockEmbedder{vec: []float32{3, 4}}
	s := newTestService(text, image, 2)

	for range 3 {
		if err := s.Ready(context.Background()); err != nil {
			t.Fatalf("Ready: %v", err)
		}
	}
	if text.batchCalls != 1 || image.batchCalls != 1 {
		t.Errorf("expected one probe per modality, got text=%d image=%d", text.batchCalls, image.batchCalls)
	}
	if !s.IsReady() {
		t.Error("IsReady should be true")
	}
}

func TestReady_DimensionMismatch(t *testing.T) {
	s := newTestService(&mockEmbedder{vec: []float32{1, 2, 3}}, &mockEmbedder{vec: []float32{1, 2}}, 2)

	err := s.Ready(context.Background())
	if !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if s.IsReady() {
		t.Error("service must stay not ready")
	}
}

func TestReady_ProviderDownThenUp(t *testing.T) {
	text := &mockEmbedder{vec: []float32{1, 0}, batchErr: errors.New("connection refused")}
	s := newTestService(text, &mockEmbedder{vec: []float32{0, 1}}, 2)

	if err := s.Ready(context.Background()); !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	text.batchErr = nil
	if err := s.Ready(context.Background()); err != nil {
		t.Fatalf("second Ready: %v", err)
	}
}

func TestEmbedText_NormalizedAndOrdered(t *testing.T) {
	text := &mockEmbedder{vec: []float32{3, 4}, tokens: 5}
	s := newTestService(text, &mockEmbedder{vec: []float32{1, 0}}, 2)

	ctx, usage := domain.NewContextWithUsage(context.Background())
	got, err := s.EmbedText(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedText: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(got))
	}
	for i, v := range got {
		if math.Abs(norm(v)-1) > 1e-6 {
			t.Errorf("vector %d not normalized: %v", i, v)
		}
	}
	if got[0][0] != 0.6 || got[0][1] != 0.8 {
		t.Errorf("unexpected vector %v", got[0])
	}
	if usage.TotalTokens() != 15 {
		t.Errorf("usage = %d, want 15", usage.TotalTokens())
	}

	last := text.inputs[len(text.inputs)-1]
	if len(last) != 3 || last[0] != "a" || last[2] != "c" {
		t.Errorf("inputs = %v", last)
	}
}

func TestEmbedImage_UsesImageProvider(t *testing.T) {
	image := &mockEmbedder{vec: []float32{0, 2}}
	s := newTestService(&mockEmbedder{vec: []float32{1, 0}}, image, 2)

	got, err := s.EmbedImage(context.Background(), []string{"https://img/1.png"})
	if err != nil {
		t.Fatalf("EmbedImage: %v", err)
	}
	if got[0][1] != 1 {
		t.Errorf("unexpected vector %v", got[0])
	}
	last := image.inputs[len(image.inputs)-1]
	if last[0] != "https://img/1.png" {
		t.Errorf("image provider got %v", last)
	}
}

func TestEmbed_CountMismatch(t *testing.T) {
	text := &mockEmbedder{vec: []float32{1, 0}}
	s := newTestService(text, &mockEmbedder{vec: []float32{1, 0}}, 2)
	if err := s.Ready(context.Background()); err != nil {
		t.Fatal(err)
	}

	text.short = true
	_, err := s.EmbedText(context.Background(), []string{"a", "b"})
	if !errors.Is(err, domain.ErrEmbeddingMismatch) || !errors.Is(err, domain.ErrEmbeddingProviderError) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestEmbed_ProviderErrorWrapped(t *testing.T) {
	text := &mockEmbedder{vec: []float32{1, 0}}
	s := newTestService(text, &mockEmbedder{vec: []float32{1, 0}}, 2)
	if err := s.Ready(context.Background()); err != nil {
		t.Fatal(err)
	}

	text.batchErr = errors.New("boom")
	_, err := s.EmbedText(context.Background(), []string{"a"})
	if !errors.Is(err, domain.ErrEmbeddingProviderError) {
		t.Fatalf("expected ErrEmbeddingProviderError, got %v", err)
	}
}

func TestEmbed_NotReady(t *testing.T) {
	s := newTestService(&mockEmbedder{vec: []float32{1}}, &mockEmbedder{vec: []float32{1}}, 2)

	_, err := s.EmbedText(context.Background(), []string{"a"})
	if !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestEmbed_Chunks(t *testing.T) {
	text := &mockEmbedder{vec: []float32{1, 0}}
	s := newTestService(text, &mockEmbedder{vec: []float32{1, 0}}, 2)
	if err := s.Ready(context.Background()); err != nil {
		t.Fatal(err)
	}

	inputs := make([]string, DefaultMaxAPIBatchSize+1)
	got, err := s.EmbedText(context.Background(), inputs)
	if err != nil {
		t.Fatalf("EmbedText: %v", err)
	}
	if len(got) != len(inputs) {
		t.Fatalf("expected %d vectors, got %d", len(inputs), len(got))
	}
	// probe + two chunks
	if text.batchCalls != 3 {
		t.Errorf("batchCalls = %d, want 3", text.batchCalls)
	}
}

func TestEmbed_Empty(t *testing.T) {
	s := newTestService(&mockEmbedder{}, &mockEmbedder{}, 2)
	got, err := s.EmbedText(context.Background(), nil)
	if err != nil || got != nil {
		t.Fatalf("got %v, %v", got, err)
	}
}
