package db

import (
	"strings"
	"testing"
)

func TestIndexBuilder_CardSchema(t *testing.T) {
	idx, err := NewIndex("text-index").
		Prefix("cardex:text-index:").
		Tag("serialNumber", "player").
		Numeric("grade").
		VectorHNSW("vector", 512, DistanceCosine, 16, 200).
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(idx.Fields) != 4 {
		t.Fatalf("fields count = %d, want 4", len(idx.Fields))
	}
	if idx.Fields[0].Type != IndexFieldTag || !idx.Fields[0].TagCaseSensitive {
		t.Errorf("field[0] = %+v, want case-sensitive TAG", idx.Fields[0])
	}
	if idx.Fields[0].TagSeparator != TagSeparator || TagSeparator == "," {
		t.Errorf("field[0] separator = %q, want %q", idx.Fields[0].TagSeparator, TagSeparator)
	}
	if idx.Fields[2].Name != "grade" || idx.Fields[2].Type != IndexFieldNumeric {
		t.Errorf("field[2] = %+v, want grade NUMERIC", idx.Fields[2])
	}
	v := idx.Fields[3]
	if v.VectorDim != 512 || v.VectorDistance != DistanceCosine || v.VectorM != 16 {
		t.Errorf("vector field = %+v", v)
	}
}

func TestIndexBuilder_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		builder *IndexBuilder
		wantErr string
	}{
		{"bad name", NewIndex("bad name").Tag("a"), "invalid index name"},
		{"no fields", NewIndex("idx"), "at least one field"},
		{"duplicate", NewIndex("idx").Tag("a").Numeric("a"), "duplicate field"},
		{"zero dim", NewIndex("idx").VectorHNSW("v", 0, DistanceCosine, 0, 0), "positive DIM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseDistance(t *testing.T) {
	d, err := ParseDistance("cosine")
	if err != nil || d != DistanceCosine {
		t.Fatalf("ParseDistance(cosine) = %q, %v", d, err)
	}
	if _, err := ParseDistance("hamming"); err == nil {
		t.Fatal("expected error")
	}
}

func TestIsValidIdentifier(t *testing.T) {
	for _, s := range []string{"text-index", "cardex:visual_index", "A1"} {
		if !IsValidIdentifier(s) {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []string{"", "a b", "idx*"} {
		if IsValidIdentifier(s) {
			t.Errorf("%q should be invalid", s)
		}
	}
}
