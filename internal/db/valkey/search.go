package valkey

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/cardex/internal/db"
	"github.com/kailas-cloud/cardex/internal/domain/search/filter"
)

const (
	defaultVectorField = "vector"
	scoreField         = "__vector_score"
)

// SearchKNN runs a KNN vector similarity search via FT.SEARCH.
func (s *Store) SearchKNN(ctx context.Context, q *db.KNNQuery) (*db.SearchResult, error) {
	if q.IndexName == "" {
		return nil, fmt.Errorf("index name is required")
	}
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("vector is required")
	}
	if q.K <= 0 {
		return nil, fmt.Errorf("k must be positive")
	}

	raw, err := s.knn(ctx, q.IndexName, q.VectorField, q.Filters, q.Vector, q.K, q.ReturnFields)
	if err != nil {
		return nil, err
	}
	return parseSearchResult(raw, true)
}

// SearchFiltered returns hashes matching a metadata filter, without similarity ranking.
func (s *Store) SearchFiltered(ctx context.Context, q *db.FilterQuery) (*db.SearchResult, error) {
	if q.IndexName == "" {
		return nil, fmt.Errorf("index name is required")
	}
	if q.Limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}

	if !s.bareSearch {
		if q.VectorDim <= 0 {
			return nil, fmt.Errorf("vector dim is required for a filtered probe")
		}
		probe := make([]float32, q.VectorDim)
		probe[0] = 1
		raw, err := s.knn(ctx, q.IndexName, q.VectorField, q.Filters, probe, q.Limit, q.ReturnFields)
		if err != nil {
			return nil, err
		}
		return parseSearchResult(raw, false)
	}

	query := buildFilter(q.Filters)
	if query == "" {
		query = "*"
	}
	args := []string{q.IndexName, query}
	args = appendReturn(args, q.ReturnFields, false)
	args = append(args, "LIMIT", "0", strconv.Itoa(q.Limit), "DIALECT", "2")

	cmd := s.b().Arbitrary("FT.SEARCH").Args(args...).Build()
	raw, err := s.do(ctx, cmd).ToArray()
	if err != nil {
		return nil, &db.Error{Op: db.OpSearch, Err: err}
	}
	return parseSearchResult(raw, false)
}

func (s *Store) knn(
	ctx context.Context, index, field string, f filter.Expression,
	vector []float32, k int, fields []string,
) ([]rueidis.RedisMessage, error) {
	if field == "" {
		field = defaultVectorField
	}

	knnPart := fmt.Sprintf("[KNN %d @%s $BLOB]", k, field)
	var query string
	if filterStr := buildFilter(f); filterStr != "" {
		query = fmt.Sprintf("(%s)=>%s", filterStr, knnPart)
	} else {
		query = "*=>" + knnPart
	}

	args := []string{index, query}
	args = appendReturn(args, fields, true)
	args = append(args,
		"LIMIT", "0", strconv.Itoa(k),
		"PARAMS", "2", "BLOB", vectorToBytes(vector),
		"DIALECT", "2",
	)

	cmd := s.b().Arbitrary("FT.SEARCH").Args(args...).Build()
	raw, err := s.do(ctx, cmd).ToArray()
	if err != nil {
		return nil, &db.Error{Op: db.OpSearch, Err: err}
	}
	return raw, nil
}

func appendReturn(args, fields []string, withScore bool) []string {
	if len(fields) == 0 {
		return args
	}
	ret := fields
	if withScore {
		ret = append(append([]string{}, fields...), scoreField)
	}
	args = append(args, "RETURN", strconv.Itoa(len(ret)))
	return append(args, ret...)
}

// --- Result parsing ---

// parseSearchResult reads the RESP2 layout [total, key1, fields1, key2, fields2, ...].
// With scored=true the cosine distance in __vector_score becomes a similarity clamped to [0,1].
func parseSearchResult(raw []rueidis.RedisMessage, scored bool) (*db.SearchResult, error) {
	if len(raw) == 0 {
		return &db.SearchResult{}, nil
	}

	total, err := raw[0].AsInt64()
	if err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}
	if total == 0 {
		return &db.SearchResult{}, nil
	}

	entries := make([]db.SearchEntry, 0, total)
	for i := 1; i+1 < len(raw); i += 2 {
		key, err := raw[i].ToString()
		if err != nil {
			continue
		}
		fields, err := raw[i+1].ToArray()
		if err != nil {
			continue
		}

		entry := db.SearchEntry{Key: key, Fields: parseFieldPairs(fields)}
		if dist, ok := entry.Fields[scoreField]; ok {
			if scored {
				if d, err := strconv.ParseFloat(dist, 64); err == nil {
					entry.Score = min(1, max(0, 1.0-d))
				}
			}
			delete(entry.Fields, scoreField)
		}
		entries = append(entries, entry)
	}

	return &db.SearchResult{Total: int(total), Entries: entries}, nil
}

func parseFieldPairs(fields []rueidis.RedisMessage) map[string]string {
	m := make(map[string]string, len(fields)/2)
	for j := 0; j+1 < len(fields); j += 2 {
		name, err := fields[j].ToString()
		if err != nil {
			continue
		}
		value, err := fields[j+1].ToString()
		if err != nil {
			continue
		}
		m[name] = value
	}
	return m
}

// --- Filter building ---

// buildFilter translates a filter.Expression into an FT.SEARCH pre-filter.
func buildFilter(expr filter.Expression) string {
	if expr.IsEmpty() {
		return ""
	}

	parts := make([]string, 0, len(expr.Must())+len(expr.MustNot()))
	for _, cond := range expr.Must() {
		parts = append(parts, buildCondition(cond))
	}
	for _, cond := range expr.MustNot() {
		parts = append(parts, "-"+buildCondition(cond))
	}
	return strings.Join(parts, " ")
}

func buildCondition(cond filter.Condition) string {
	if cond.IsRange() {
		return buildNumericFilter(cond.Key(), *cond.Range())
	}
	return fmt.Sprintf("@%s:{%s}", cond.Key(), tagEscaper.Replace(cond.Match()))
}

func buildNumericFilter(key string, r filter.Range) string {
	minBound, maxBound := "-inf", "+inf"

	if r.GT() != nil {
		minBound = fmt.Sprintf("(%g", *r.GT())
	} else if r.GTE() != nil {
		minBound = fmt.Sprintf("%g", *r.GTE())
	}
	if r.LT() != nil {
		maxBound = fmt.Sprintf("(%g", *r.LT())
	} else if r.LTE() != nil {
		maxBound = fmt.Sprintf("%g", *r.LTE())
	}

	return fmt.Sprintf("@%s:[%s %s]", key, minBound, maxBound)
}

// tagEscaper escapes TAG query punctuation. Serial numbers like "12/99" and
// brands like "Topps Chrome" contain characters the query parser splits on.
var tagEscaper = strings.NewReplacer(
	`\`, `\\`,
	",", `\,`,
	".", `\.`,
	"/", `\/`,
	"<", `\<`,
	">", `\>`,
	"{", `\{`,
	"}", `\}`,
	"[", `\[`,
	"]", `\]`,
	`"`, `\"`,
	"'", `\'`,
	":", `\:`,
	";", `\;`,
	"!", `\!`,
	"@", `\@`,
	"#", `\#`,
	"$", `\$`,
	"%", `\%`,
	"^", `\^`,
	"&", `\&`,
	"*", `\*`,
	"(", `\(`,
	")", `\)`,
	"-", `\-`,
	"+", `\+`,
	"=", `\=`,
	"~", `\~`,
	"|", `\|`,
	" ", `\ `,
)

// vectorToBytes encodes a vector as little-endian FLOAT32 for the BLOB param.
func vectorToBytes(v []float32) string {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return rueidis.BinaryString(buf)
}
