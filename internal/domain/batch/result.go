package batch

import (
	"errors"

	"github.com/kailas-cloud/cardex/internal/domain"
)

// ItemError is the failure of one card inside a batch. Siblings are unaffected.
type ItemError struct {
	id  string
	err error
}

// NewItemError creates a per-card failure.
func NewItemError(id string, err error) ItemError { return ItemError{id: id, err: err} }

// ID returns the card identifier assigned at batch start.
func (e ItemError) ID() string { return e.id }

// Err returns the underlying error.
func (e ItemError) Err() error { return e.err }

func (e ItemError) Error() string { return e.err.Error() }

func (e ItemError) Unwrap() error { return e.err }

// Reason classifies the failure for metrics and logs.
func (e ItemError) Reason() string {
	switch {
	case errors.Is(e.err, domain.ErrDuplicateSerial):
		return "duplicate"
	case errors.Is(e.err, domain.ErrDuplicateCheck):
		return "duplicate_check"
	case errors.Is(e.err, domain.ErrInvalidImage), errors.Is(e.err, domain.ErrInvalidRecord):
		return "invalid"
	case errors.Is(e.err, domain.ErrImageUpload):
		return "upload"
	case errors.Is(e.err, domain.ErrCardRecord):
		return "record"
	default:
		return "other"
	}
}

// Outcome is the result of a batch ingestion: saved cards plus per-card errors in input order.
type Outcome struct {
	Cards  []domain.IndexedCard
	Errors []ItemError
}

// Empty reports whether nothing was saved and nothing failed.
func (o Outcome) Empty() bool { return len(o.Cards) == 0 && len(o.Errors) == 0 }
