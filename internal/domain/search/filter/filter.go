package filter

import (
	"fmt"
	"sort"

	"github.com/kailas-cloud/cardex/internal/domain"
)

// MaxConditions is the maximum number of conditions per expression.
const MaxConditions = 16

// tagFields are card metadata fields indexed as TAG.
var tagFields = map[string]bool{
	domain.FieldSerialNumber: true,
	domain.FieldPlayer:       true,
	domain.FieldBrand:        true,
	domain.FieldYear:         true,
	domain.FieldCondition:    true,
	domain.FieldType:         true,
}

// numericFields are card metadata fields indexed as NUMERIC.
var numericFields = map[string]bool{
	domain.FieldGrade: true,
}

// TagFields returns the TAG-indexed field names in stable order.
func TagFields() []string { return sortedKeys(tagFields) }

// NumericFields returns the NUMERIC-indexed field names in stable order.
func NumericFields() []string { return sortedKeys(numericFields) }

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Expression is a conjunction of conditions with optional negations.
type Expression struct {
	must    []Condition
	mustNot []Condition
}

// NewExpression validates and creates an Expression.
func NewExpression(must, mustNot []Condition) (Expression, error) {
	if len(must)+len(mustNot) > MaxConditions {
		return Expression{}, fmt.Errorf("too many filter conditions (max %d)", MaxConditions)
	}
	return Expression{must: must, mustNot: mustNot}, nil
}

// Eq is a single-condition expression matching key exactly. Used for serial deduplication.
func Eq(key, value string) (Expression, error) {
	c, err := NewMatch(key, value)
	if err != nil {
		return Expression{}, err
	}
	return Expression{must: []Condition{c}}, nil
}

// Must returns the required conditions.
func (e Expression) Must() []Condition { return e.must }

// MustNot returns the excluded conditions.
func (e Expression) MustNot() []Condition { return e.mustNot }

// IsEmpty reports whether the expression has no conditions.
func (e Expression) IsEmpty() bool {
	return len(e.must) == 0 && len(e.mustNot) == 0
}

// Condition is either a tag match or a numeric range.
type Condition struct {
	key       string
	match     string
	rangeExpr *Range
}

// NewMatch creates an exact match on a TAG field.
func NewMatch(key, match string) (Condition, error) {
	if !tagFields[key] {
		return Condition{}, fmt.Errorf("field %q is not filterable by value", key)
	}
	if match == "" {
		return Condition{}, fmt.Errorf("match value is required for key %q", key)
	}
	return Condition{key: key, match: match}, nil
}

// NewRange creates a range on a NUMERIC field.
func NewRange(key string, r Range) (Condition, error) {
	if !numericFields[key] {
		return Condition{}, fmt.Errorf("field %q is not filterable by range", key)
	}
	return Condition{key: key, rangeExpr: &r}, nil
}

// Key returns the field name.
func (c Condition) Key() string { return c.key }

// Match returns the exact match value.
func (c Condition) Match() string { return c.match }

// Range returns the numeric range.
func (c Condition) Range() *Range { return c.rangeExpr }

// IsMatch reports whether this is a match condition.
func (c Condition) IsMatch() bool { return c.match != "" }

// IsRange reports whether this is a range condition.
func (c Condition) IsRange() bool { return c.rangeExpr != nil }

// Range is a numeric interval with gt/gte/lt/lte bounds.
type Range struct {
	gt  *float64
	gte *float64
	lt  *float64
	lte *float64
}

// NewRangeFilter validates and creates a Range.
// At least one bound is required; gt/gte and lt/lte are mutually exclusive.
func NewRangeFilter(gt, gte, lt, lte *float64) (Range, error) {
	if gt == nil && gte == nil && lt == nil && lte == nil {
		return Range{}, fmt.Errorf("at least one range boundary is required")
	}
	if gt != nil && gte != nil {
		return Range{}, fmt.Errorf("cannot specify both gt and gte")
	}
	if lt != nil && lte != nil {
		return Range{}, fmt.Errorf("cannot specify both lt and lte")
	}
	return Range{gt: gt, gte: gte, lt: lt, lte: lte}, nil
}

// GT returns the lower exclusive bound.
func (r Range) GT() *float64 { return r.gt }

// GTE returns the lower inclusive bound.
func (r Range) GTE() *float64 { return r.gte }

// LT returns the upper exclusive bound.
func (r Range) LT() *float64 { return r.lt }

// LTE returns the upper inclusive bound.
func (r Range) LTE() *float64 { return r.lte }
