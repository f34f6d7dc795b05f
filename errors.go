package tollgate

import (
	"errors"
	"fmt"
)

// Sentinel errors for the payment gate and the operation submission engine.
var (
	// ErrProofMalformed indicates a proof header that could not be decoded.
	ErrProofMalformed = errors.New("tollgate: malformed payment proof")

	// ErrSettlementFailed indicates the facilitator or gateway rejected the
	// proof. Mapped to a 402 so callers can retry with a different proof.
	ErrSettlementFailed = errors.New("tollgate: payment settlement failed")

	// ErrReplayDetected indicates a gateway reference that was already
	// consumed, including against a different resource.
	ErrReplayDetected = errors.New("tollgate: payment reference already consumed")

	// ErrResourceNotFound indicates the target resource is not registered.
	ErrResourceNotFound = errors.New("tollgate: resource not found")

	// ErrNotSynced indicates Allocate was called before any successful Sync.
	ErrNotSynced = errors.New("tollgate: sequence allocator not synced")

	// ErrConflictingSubmission indicates an operation is already outstanding
	// for the account at the same sequence number. Not retried automatically.
	ErrConflictingSubmission = errors.New("tollgate: conflicting operation already pending")

	// ErrReplacementUnderpriced is the transient fee-market rejection.
	// Retried exactly once internally with bumped fees, then surfaced.
	ErrReplacementUnderpriced = errors.New("tollgate: replacement operation underpriced")

	// ErrReceiptTimeout indicates no terminal receipt appeared within the
	// bound. The operation may still land later; the sequence number is
	// consumed either way.
	ErrReceiptTimeout = errors.New("tollgate: timed out waiting for operation receipt")

	// ErrUpstreamUnavailable indicates the relay, chain, or facilitator was
	// unreachable. Mapped to a 500 and not retried by this layer.
	ErrUpstreamUnavailable = errors.New("tollgate: upstream service unavailable")
)

// Error codes carried on HTTP error bodies.
const (
	ErrCodePaymentRequired   = "payment_required"
	ErrCodeProofMalformed    = "malformed_proof"
	ErrCodeSettlementFailed  = "settlement_failed"
	ErrCodeReplayDetected    = "replay_detected"
	ErrCodeResourceNotFound  = "resource_not_found"
	ErrCodeInsufficientValue = "insufficient_value"
	ErrCodeUpstreamError     = "upstream_error"
)

// PaymentError is the structured error attached to gate responses.
type PaymentError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a structured payment error wrapping err.
func NewPaymentError(code, message string, err error) *PaymentError {
	return &PaymentError{Code: code, Message: message, Err: err}
}
