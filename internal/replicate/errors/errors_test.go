package errors

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"auth", &AuthError{Message: "bad token"}, ClassAuth},
		{"validation", &ValidationError{Message: "missing field"}, ClassValidation},
		{"protocol version", &ProtocolVersionError{Version: 100, Reason: "out of range"}, ClassFatal},
		{"crdt encoding", &CRDTEncodingError{Cause: errors.New("bad update")}, ClassFatal},
		{"version conflict falls back to retriable", &VersionConflictError{DocumentID: "d1", Expected: 1, Actual: 2}, ClassRetriable},
		{"not found falls back to retriable", &NotFoundError{DocumentID: "d1"}, ClassRetriable},
		{"plain error falls back to retriable", errors.New("boom"), ClassRetriable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassification_String(t *testing.T) {
	tests := []struct {
		c    Classification
		want string
	}{
		{ClassRetriable, "retriable"},
		{ClassAuth, "auth"},
		{ClassValidation, "validation"},
		{ClassFatal, "fatal"},
		{Classification(99), "retriable"},
	}

	for _, tt := range tests {
		if got := tt.c.String(); got != tt.want {
			t.Errorf("Classification(%d).String() = %q, want %q", tt.c, got, tt.want)
		}
	}
}

func TestCRDTEncodingError_Unwrap(t *testing.T) {
	cause := errors.New("bad bytes")
	err := &CRDTEncodingError{Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is did not find the wrapped cause")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&VersionConflictError{DocumentID: "d1", Expected: 3, Actual: 5}, `version conflict on "d1": expected 3, stored 5`},
		{&NotFoundError{DocumentID: "d1"}, "document not found: d1"},
		{&AuthError{Message: "no token"}, "no token"},
		{&ValidationError{Message: "bad schema"}, "bad schema"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
