package search

import (
	"sort"

	"github.com/kailas-cloud/cardex/internal/domain"
)

// Weights scale each index's similarity before the scores of one card are summed.
type Weights struct {
	Text   float64
	Visual float64
}

// DefaultWeights gives both indices equal say.
var DefaultWeights = Weights{Text: 0.5, Visual: 0.5}

// mergeResults federates text and visual hits by card id.
// A card present in both lists gets both weighted scores; metadata comes from the first list it appears in.
func mergeResults(text, visual []domain.SearchMatch, w Weights, topK int) []domain.MergedMatch {
	merged := make(map[string]*domain.MergedMatch, len(text)+len(visual))

	add := func(matches []domain.SearchMatch, weight float64) {
		for _, m := range matches {
			if existing, ok := merged[m.ID]; ok {
				existing.Score += m.Score * weight
				continue
			}
			merged[m.ID] = &domain.MergedMatch{ID: m.ID, Score: m.Score * weight, Metadata: m.Metadata}
		}
	}
	add(text, w.Text)
	add(visual, w.Visual)

	results := make([]domain.MergedMatch, 0, len(merged))
	for _, m := range merged {
		results = append(results, *m)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}
