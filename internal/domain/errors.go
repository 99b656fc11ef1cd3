package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a missing resource.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRecord signals a card record that fails validation.
	ErrInvalidRecord = errors.New("invalid card record")
	// ErrInvalidImage signals an image payload that is not a base64 image data URL.
	ErrInvalidImage = errors.New("invalid image")
	// ErrInvalidQuery signals a search request that fails validation.
	ErrInvalidQuery = errors.New("invalid search query")
	// ErrBatchTooLarge signals a batch above the configured maximum.
	ErrBatchTooLarge = errors.New("batch too large")

	// ErrDuplicateSerial signals a card whose serial number is already indexed or claimed.
	ErrDuplicateSerial = errors.New("duplicate serial number")
	// ErrDuplicateCheck signals that the duplicate lookup itself failed.
	ErrDuplicateCheck = errors.New("failed to check for duplicates")
	// ErrImageUpload signals an object storage write failure.
	ErrImageUpload = errors.New("image upload failed")
	// ErrCardRecord signals a card metadata store write failure.
	ErrCardRecord = errors.New("card record failed")

	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
	// ErrEmbeddingMismatch signals a provider response whose count or dimensions do not match the request.
	ErrEmbeddingMismatch = errors.New("embedding response mismatch")
	// ErrNotReady signals a service used before its Ready check succeeded.
	ErrNotReady = errors.New("service not ready")
	// ErrRateLimited signals a rate limit hit.
	ErrRateLimited = errors.New("rate limited")

	// ErrIndexUpsert signals a vector index write failure.
	ErrIndexUpsert = errors.New("index upsert failed")
	// ErrIndexQuery signals a vector index read failure.
	ErrIndexQuery = errors.New("index query failed")

	// ErrGraderUnavailable signals that no grading model is configured.
	ErrGraderUnavailable = errors.New("grader unavailable")
)

// DuplicateSerialError wraps ErrDuplicateSerial with the offending serial number.
type DuplicateSerialError struct {
	Serial string
}

func (e *DuplicateSerialError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDuplicateSerial.Error(), e.Serial)
}

func (e *DuplicateSerialError) Unwrap() error { return ErrDuplicateSerial }

// NewDuplicateSerial creates a duplicate serial error.
func NewDuplicateSerial(serial string) error {
	return &DuplicateSerialError{Serial: serial}
}
