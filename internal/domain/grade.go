package domain

import (
	"encoding/json"
	"fmt"
)

// GradeKind discriminates a GradeResult.
type GradeKind string

// Grade result kinds as they appear on the wire.
const (
	GradeKindGrade GradeKind = "grade"
	GradeKindError GradeKind = "error"
)

// ErrorCodeImageNotSupported is the only rejection code the grader produces.
const ErrorCodeImageNotSupported = "image_not_supported"

// Rejection explains why an image was not graded.
type Rejection struct {
	ErrorCode string `json:"errorCode"`
	Reason    string `json:"reason"`
}

// GradeResult is either a graded card or a rejection, never both.
type GradeResult struct {
	kind      GradeKind
	card      CardRecord
	rejection Rejection
}

// NewGrade wraps a graded card.
func NewGrade(card CardRecord) GradeResult {
	return GradeResult{kind: GradeKindGrade, card: card}
}

// NewRejection wraps an image_not_supported rejection.
func NewRejection(reason string) GradeResult {
	return GradeResult{
		kind:      GradeKindError,
		rejection: Rejection{ErrorCode: ErrorCodeImageNotSupported, Reason: reason},
	}
}

// Kind returns the discriminant.
func (g GradeResult) Kind() GradeKind { return g.kind }

// Card returns the graded card; ok is false for rejections.
func (g GradeResult) Card() (CardRecord, bool) {
	return g.card, g.kind == GradeKindGrade
}

// Rejection returns the rejection; ok is false for grades.
func (g GradeResult) Rejection() (Rejection, bool) {
	return g.rejection, g.kind == GradeKindError
}

type gradeWire struct {
	Type GradeKind `json:"type"`
	CardRecord
	ErrorCode string `json:"errorCode,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// MarshalJSON writes the flat {"type": ...} wire shape.
func (g GradeResult) MarshalJSON() ([]byte, error) {
	switch g.kind {
	case GradeKindGrade:
		return json.Marshal(struct {
			Type GradeKind `json:"type"`
			CardRecord
		}{g.kind, g.card})
	case GradeKindError:
		return json.Marshal(struct {
			Type GradeKind `json:"type"`
			Rejection
		}{g.kind, g.rejection})
	default:
		return nil, fmt.Errorf("grade result has no kind")
	}
}

// UnmarshalJSON reads the flat wire shape, rejecting unknown kinds.
func (g *GradeResult) UnmarshalJSON(data []byte) error {
	var w gradeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case GradeKindGrade:
		*g = NewGrade(w.CardRecord)
	case GradeKindError:
		code := w.ErrorCode
		if code == "" {
			code = ErrorCodeImageNotSupported
		}
		*g = GradeResult{kind: GradeKindError, rejection: Rejection{ErrorCode: code, Reason: w.Reason}}
	default:
		return fmt.Errorf("%w: unknown grade result type %q", ErrInvalidRecord, w.Type)
	}
	return nil
}
