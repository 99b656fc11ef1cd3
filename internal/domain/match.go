package domain

// IndexEntry is a vector plus flattened card metadata, keyed by card id.
type IndexEntry struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// SearchMatch is a single hit from one index. Score is a similarity in [0,1].
type SearchMatch struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata"`
}

// MergedMatch is a hit after federating the text and visual indices.
type MergedMatch struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata"`
}
