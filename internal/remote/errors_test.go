package remote

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	err := Transientf("connection reset")
	if !IsTransient(err) {
		t.Error("Transientf result should be transient")
	}
	if IsRejection(err) {
		t.Error("transient error should not be a rejection")
	}

	// Classification survives wrapping.
	wrapped := fmt.Errorf("push message: %w", err)
	if !IsTransient(wrapped) {
		t.Error("wrapped transient error should still classify")
	}
}

func TestIsRejection(t *testing.T) {
	err := error(&RejectionError{Code: "INVALID_BODY", Reason: "empty"})
	if !IsRejection(err) {
		t.Error("RejectionError should classify as rejection")
	}
	if IsTransient(err) {
		t.Error("rejection should not be transient")
	}

	var re *RejectionError
	if !errors.As(fmt.Errorf("x: %w", err), &re) || re.Code != "INVALID_BODY" {
		t.Error("rejection code lost through wrapping")
	}
}

func TestPlainErrorsAreNeither(t *testing.T) {
	err := errors.New("boom")
	if IsTransient(err) || IsRejection(err) {
		t.Error("plain errors must not classify as transient or rejection")
	}
}
