package batch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kailas-cloud/cardex/internal/domain"
)

func TestItemError(t *testing.T) {
	err := NewItemError("id-1", domain.NewDuplicateSerial("123"))

	if err.ID() != "id-1" {
		t.Errorf("ID() = %q", err.ID())
	}
	if err.Error() != "duplicate serial number: 123" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, domain.ErrDuplicateSerial) {
		t.Error("expected errors.Is to match ErrDuplicateSerial")
	}
}

func TestItemError_Reason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.NewDuplicateSerial("1"), "duplicate"},
		{fmt.Errorf("%w: timeout", domain.ErrDuplicateCheck), "duplicate_check"},
		{fmt.Errorf("%w: bad prefix", domain.ErrInvalidImage), "invalid"},
		{fmt.Errorf("%w: 503", domain.ErrImageUpload), "upload"},
		{fmt.Errorf("%w: oom", domain.ErrCardRecord), "record"},
		{errors.New("boom"), "other"},
	}
	for _, tc := range tests {
		if got := NewItemError("x", tc.err).Reason(); got != tc.want {
			t.Errorf("Reason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestOutcome_Empty(t *testing.T) {
	if !(Outcome{}).Empty() {
		t.Error("zero outcome must be empty")
	}
	o := Outcome{Errors: []ItemError{NewItemError("a", errors.New("x"))}}
	if o.Empty() {
		t.Error("outcome with errors is not empty")
	}
}
