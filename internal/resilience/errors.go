package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// Failure kinds of the segmentation pipeline. Wrap these with eris so callers
// can test with errors.Is.
var (
	// ErrInvalidInput marks bad planning input (empty id list, non-positive
	// batch size). Never retried.
	ErrInvalidInput = eris.New("invalid input")

	// ErrConfiguration marks a missing or broken prompt template or model
	// configuration. Fatal for the run.
	ErrConfiguration = eris.New("configuration error")

	// ErrValidation marks a model response that still failed schema checks
	// after the corrective attempts ran out.
	ErrValidation = eris.New("validation error")

	// ErrIntegrity marks an archived record whose checksum does not match.
	// Never retried.
	ErrIntegrity = eris.New("integrity error")
)

// Kind names the failure class of err for logs and user-visible state.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrValidation):
		return "validation"
	case IsTransient(err):
		return "transient_provider"
	default:
		return "internal"
	}
}

// BatchError carries the phase and batch that produced err up to the
// orchestrator.
type BatchError struct {
	Phase   string
	BatchID string
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s batch %s: %v", e.Phase, e.BatchID, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network
// timeout, per-call deadline). It is the transient provider error of the
// model-calling phases.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check for explicit TransientError in chain.
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// Check for network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504, // Gateway Timeout
		529: // Overloaded (Anthropic)
		return true
	default:
		return false
	}
}
