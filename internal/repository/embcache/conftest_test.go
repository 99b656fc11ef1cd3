package embcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/cardex/internal/db"
	"github.com/kailas-cloud/cardex/internal/domain"
)

type mockEmbedder struct {
	vectors   map[string][]float32
	err       error
	calls     [][]string
	tokensPer int
}

func (m *mockEmbedder) BatchEmbed(_ context.Context, inputs []string) (domain.BatchEmbeddingResult, error) {
	m.calls = append(m.calls, inputs)
	if m.err != nil {
		return domain.BatchEmbeddingResult{}, m.err
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = m.vectors[in]
	}
	return domain.BatchEmbeddingResult{
		Embeddings:  out,
		TotalTokens: m.tokensPer * len(inputs),
	}, nil
}

// memStore is an in-memory stand-in for the KV store.
type memStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return v, nil
}

func (m *memStore) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func newTestCachedEmbedder(t *testing.T, inner *mockEmbedder) (*CachedEmbedder, *memStore) {
	t.Helper()
	ms := newMemStore()
	return New(inner, ms, "test:", 0, nil, zap.NewNop()), ms
}
