package domain

import (
	"context"
	"fmt"
	"math"
)

// Embedder vectorizes a single input.
type Embedder interface {
	Embed(ctx context.Context, input string) (EmbeddingResult, error)
}

// BatchEmbedder vectorizes multiple inputs in a single call. Output i belongs to input i.
// Inputs are texts for text vectorizers and image references (URLs or data URLs) for image vectorizers.
type BatchEmbedder interface {
	BatchEmbed(ctx context.Context, inputs []string) (BatchEmbeddingResult, error)
}

// HealthChecker verifies provider availability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EmbeddingResult carries one vector and token usage.
type EmbeddingResult struct {
	Embedding    []float32
	PromptTokens int
	TotalTokens  int
}

// BatchEmbeddingResult carries vectors in input order and aggregate token usage.
type BatchEmbeddingResult struct {
	Embeddings   [][]float32
	PromptTokens int
	TotalTokens  int
}

// BatchFallback calls Embed once per input for providers without a native batch endpoint.
func BatchFallback(ctx context.Context, e Embedder, inputs []string) (BatchEmbeddingResult, error) {
	embeddings := make([][]float32, len(inputs))
	var totalPrompt, totalTokens int

	for i, in := range inputs {
		res, err := e.Embed(ctx, in)
		if err != nil {
			return BatchEmbeddingResult{}, fmt.Errorf("fallback embed [%d]: %w", i, err)
		}
		embeddings[i] = res.Embedding
		totalPrompt += res.PromptTokens
		totalTokens += res.TotalTokens
	}

	return BatchEmbeddingResult{
		Embeddings:   embeddings,
		PromptTokens: totalPrompt,
		TotalTokens:  totalTokens,
	}, nil
}

// Normalize scales v to unit L2 length in place. Zero vectors are left untouched.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
