package vectorindex

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kailas-cloud/cardex/internal/db"
	"github.com/kailas-cloud/cardex/internal/domain"
	"github.com/kailas-cloud/cardex/internal/domain/search/filter"
)

const vectorField = "vector"

// store is the consumer interface for vector indices (ISP).
//
//nolint:interfacebloat // index repo needs hash + FT operations
type store interface {
	HSetMulti(ctx context.Context, items []db.HashSetItem) error
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)
	Del(ctx context.Context, keys ...string) error
	CreateIndex(ctx context.Context, def *db.IndexDefinition) error
	IndexExists(ctx context.Context, name string) (bool, error)
	SearchKNN(ctx context.Context, q *db.KNNQuery) (*db.SearchResult, error)
	SearchFiltered(ctx context.Context, q *db.FilterQuery) (*db.SearchResult, error)
}

// Spec describes one logical index.
type Spec struct {
	Name        string
	Dimensions  int
	Distance    db.DistanceMetric
	M           int
	EFConstruct int
}

// Repo is the vector index client: each logical index is an FT index over
// hashes keyed <prefix><index>:<id>.
type Repo struct {
	store     store
	keyPrefix string
	specs     map[string]Spec
}

// New creates a vector index repository for the given indices.
func New(s store, keyPrefix string, specs ...Spec) *Repo {
	m := make(map[string]Spec, len(specs))
	for _, sp := range specs {
		m[sp.Name] = sp
	}
	return &Repo{store: s, keyPrefix: keyPrefix, specs: m}
}

// EnsureIndexes creates every registered index that does not exist yet.
func (r *Repo) EnsureIndexes(ctx context.Context) error {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		exists, err := r.store.IndexExists(ctx, name)
		if err != nil {
			return fmt.Errorf("check index %s: %w", name, err)
		}
		if exists {
			continue
		}

		sp := r.specs[name]
		def, err := db.NewIndex(name).
			Prefix(r.entryPrefix(name)).
			Tag(filter.TagFields()...).
			Numeric(filter.NumericFields()...).
			VectorHNSW(vectorField, sp.Dimensions, sp.Distance, sp.M, sp.EFConstruct).
			Build()
		if err != nil {
			return fmt.Errorf("build index %s: %w", name, err)
		}
		if err := r.store.CreateIndex(ctx, def); err != nil && !errors.Is(err, db.ErrIndexExists) {
			return fmt.Errorf("create index %s: %w", name, err)
		}
	}
	return nil
}

// Upsert writes entries into index, overwriting entries with the same id.
func (r *Repo) Upsert(ctx context.Context, index string, entries []domain.IndexEntry) error {
	sp, err := r.spec(index)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	items := make([]db.HashSetItem, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("entry %d: id is required", i)
		}
		if len(e.Vector) != sp.Dimensions {
			return fmt.Errorf("entry %s: vector has %d dims, index %s expects %d",
				e.ID, len(e.Vector), index, sp.Dimensions)
		}

		fields := make(map[string]string, len(e.Metadata)+1)
		for k, v := range e.Metadata {
			fields[k] = v
		}
		fields[vectorField] = vectorToBytes(e.Vector)

		items[i] = db.HashSetItem{Key: r.entryKey(index, e.ID), Fields: fields}
	}

	if err := r.store.HSetMulti(ctx, items); err != nil {
		return fmt.Errorf("upsert %d entries into %s: %w", len(entries), index, err)
	}
	return nil
}

// Query returns up to topK matches ordered by descending score.
// A nil or all-zero vector turns the call into a metadata-only lookup with score 0.
func (r *Repo) Query(
	ctx context.Context, index string, vector []float32, topK int, f filter.Expression,
) ([]domain.SearchMatch, error) {
	sp, err := r.spec(index)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	var res *db.SearchResult
	if isZero(vector) {
		res, err = r.store.SearchFiltered(ctx, &db.FilterQuery{
			IndexName:    index,
			VectorField:  vectorField,
			VectorDim:    sp.Dimensions,
			Filters:      f,
			Limit:        topK,
			ReturnFields: metadataFields,
		})
	} else {
		if len(vector) != sp.Dimensions {
			return nil, fmt.Errorf("query vector has %d dims, index %s expects %d",
				len(vector), index, sp.Dimensions)
		}
		res, err = r.store.SearchKNN(ctx, &db.KNNQuery{
			IndexName:    index,
			VectorField:  vectorField,
			Filters:      f,
			Vector:       vector,
			K:            topK,
			ReturnFields: metadataFields,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", index, err)
	}

	matches := make([]domain.SearchMatch, 0, len(res.Entries))
	for _, e := range res.Entries {
		matches = append(matches, domain.SearchMatch{
			ID:       r.entryID(index, e.Key),
			Score:    e.Score,
			Metadata: e.Fields,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Fetch returns the stored entries for ids. Missing ids are skipped.
func (r *Repo) Fetch(ctx context.Context, index string, ids []string) ([]domain.IndexEntry, error) {
	if _, err := r.spec(index); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.entryKey(index, id)
	}

	rows, err := r.store.HGetAllMulti(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", index, err)
	}

	out := make([]domain.IndexEntry, 0, len(rows))
	for i, row := range rows {
		if row == nil {
			continue
		}
		entry := domain.IndexEntry{ID: ids[i], Metadata: make(map[string]string, len(row))}
		for k, v := range row {
			if k == vectorField {
				entry.Vector = bytesToVector(v)
				continue
			}
			entry.Metadata[k] = v
		}
		out = append(out, entry)
	}
	return out, nil
}

// Delete removes entries by exact id. Ids that were never written are ignored.
func (r *Repo) Delete(ctx context.Context, index string, ids []string) error {
	if _, err := r.spec(index); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.entryKey(index, id)
	}
	if err := r.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("delete %d entries from %s: %w", len(ids), index, err)
	}
	return nil
}

func (r *Repo) spec(index string) (Spec, error) {
	sp, ok := r.specs[index]
	if !ok {
		return Spec{}, fmt.Errorf("unknown index %q", index)
	}
	return sp, nil
}

func (r *Repo) entryPrefix(index string) string {
	return r.keyPrefix + index + ":"
}

func (r *Repo) entryKey(index, id string) string {
	return r.entryPrefix(index) + id
}

func (r *Repo) entryID(index, key string) string {
	return strings.TrimPrefix(key, r.entryPrefix(index))
}

// metadataFields are returned by searches so the binary vector is never shipped back.
var metadataFields = []string{
	domain.FieldID,
	domain.FieldPlayer,
	domain.FieldYear,
	domain.FieldBrand,
	domain.FieldCardName,
	domain.FieldNumber,
	domain.FieldCondition,
	domain.FieldGrade,
	domain.FieldSerialNumber,
	domain.FieldImageURL,
	domain.FieldType,
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func vectorToBytes(v []float32) string {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return string(buf)
}

func bytesToVector(s string) []float32 {
	if len(s)%4 != 0 {
		return nil
	}
	v := make([]float32, len(s)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32([]byte(s[i*4 : i*4+4])))
	}
	return v
}
