package db

import "github.com/kailas-cloud/cardex/internal/domain/search/filter"

// KNNQuery is the input for vector similarity search.
type KNNQuery struct {
	IndexName    string
	VectorField  string
	Filters      filter.Expression
	Vector       []float32
	K            int
	ReturnFields []string
}

// FilterQuery is a metadata-only lookup. VectorField and VectorDim let engines
// without bare FT.SEARCH support fall back to a filtered KNN probe.
type FilterQuery struct {
	IndexName    string
	VectorField  string
	VectorDim    int
	Filters      filter.Expression
	Limit        int
	ReturnFields []string
}

// SearchResult is the output of a search operation.
type SearchResult struct {
	Total   int
	Entries []SearchEntry
}

// SearchEntry is a single hash hit. Score is a similarity in [0,1] for KNN and 0 for filter lookups.
type SearchEntry struct {
	Key    string
	Score  float64
	Fields map[string]string
}
