package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("overloaded"), 529), true},
		{"wrapped", fmt.Errorf("segmentation call: %w", NewTransientError(errors.New("rate limited"), 429)), true},
		{"eris wrapped", eris.Wrap(NewTransientError(errors.New("deadline"), 0), "llm: complete"), true},
		{"plain", errors.New("invalid input: missing field"), false},
		{"conn reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"net timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"broken pipe text", errors.New("write: broken pipe"), true},
		{"tls text", errors.New("net/http: TLS handshake timeout"), true},
		{"validation", eris.Wrap(ErrValidation, "schema"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("HTTP %d should be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("HTTP %d should not be transient", code)
		}
	}
}

func TestTransientError(t *testing.T) {
	inner := errors.New("overloaded_error")
	te := NewTransientError(inner, 529)
	if !errors.Is(te, inner) {
		t.Error("TransientError should unwrap to its cause")
	}
	if te.Error() != "overloaded_error" || te.StatusCode != 529 {
		t.Errorf("unexpected transient error %q (%d)", te.Error(), te.StatusCode)
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{eris.Wrap(ErrInvalidInput, "plan batches"), "invalid_input"},
		{eris.Wrapf(ErrConfiguration, "no template for %s", "refinement"), "configuration"},
		{eris.Wrap(ErrValidation, "schema"), "validation"},
		{eris.Wrap(ErrIntegrity, "checksum"), "integrity"},
		{NewTransientError(errors.New("429"), 429), "transient_provider"},
		{errors.New("disk full"), "internal"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestBatchError_Unwrap(t *testing.T) {
	inner := eris.Wrap(ErrValidation, "missing assignments")
	err := fmt.Errorf("phase failed: %w", &BatchError{Phase: "segmentation", BatchID: "seg-0002", Err: inner})

	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatal("expected BatchError in chain")
	}
	if be.BatchID != "seg-0002" || be.Phase != "segmentation" {
		t.Errorf("unexpected batch context: %+v", be)
	}
	if !errors.Is(err, ErrValidation) {
		t.Error("expected ErrValidation to be reachable through BatchError")
	}
	if !strings.Contains(err.Error(), "segmentation batch seg-0002") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
