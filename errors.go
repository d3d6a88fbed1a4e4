package paygate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound               = errors.New("paygate: not found")
	ErrUnauthorized           = errors.New("paygate: unauthorized")
	ErrInvalidCredential      = errors.New("paygate: invalid external credential")
	ErrInternal               = errors.New("paygate: internal error")
	ErrProofInvalid           = errors.New("paygate: payment proof invalid")
	ErrSettlementFailed       = errors.New("paygate: settlement failed")
	ErrFacilitatorUnreachable = errors.New("paygate: facilitator unreachable")
	// ErrPaymentNotAccepted means a resource server kept answering a request
	// carrying a proof with a new challenge.
	ErrPaymentNotAccepted = errors.New("paygate: payment proof was not accepted")
	// ErrTransferPending means a submitted transfer has no receipt yet.
	ErrTransferPending = errors.New("paygate: transfer not yet confirmed")
)

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidPayment     = "invalid_payment"
	ErrCodePaymentRequired    = "payment_required"
	ErrCodeInsufficientFunds  = "insufficient_funds"
	ErrCodeNetworkMismatch    = "network_mismatch"
	ErrCodeSchemeMismatch     = "scheme_mismatch"
	ErrCodeSettlementFailed   = "settlement_failed"
	ErrCodeUnsupportedScheme  = "unsupported_scheme"
	ErrCodeUnsupportedNetwork = "unsupported_network"
	ErrCodeUnsupportedAsset   = "unsupported_asset"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// OnChainFailure enumerates the ways a value transfer can fail.
type OnChainFailure int

const (
	InsufficientFunds OnChainFailure = iota + 1
	// NonceConflict is a concurrency artifact on the payer's own account.
	NonceConflict
	// Reverted means the asset contract or the network rejected the transfer.
	Reverted
	// Timeout means confirmation was not observed in time. The transfer may
	// still land; callers should re-query before paying again.
	Timeout
)

func (k OnChainFailure) String() string {
	switch k {
	case InsufficientFunds:
		return "insufficient_funds"
	case NonceConflict:
		return "nonce_conflict"
	case Reverted:
		return "reverted"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// OnChainError is a classified value-transfer failure.
type OnChainError struct {
	Kind   OnChainFailure
	TxHash string
	Err    error
}

func (e *OnChainError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("on-chain failure: %s", e.Kind)
	}
	return fmt.Sprintf("on-chain failure: %s: %v", e.Kind, e.Err)
}

func (e *OnChainError) Unwrap() error { return e.Err }

// Retryable reports whether paying again may succeed without risking a
// second transfer. A timeout after the transfer was broadcast is not
// retryable: it may still confirm.
func (e *OnChainError) Retryable() bool {
	switch e.Kind {
	case NonceConflict:
		return true
	case Timeout:
		return e.TxHash == ""
	default:
		return false
	}
}

// Code returns the x402 error code for the failure.
func (e *OnChainError) Code() string {
	if e.Kind == InsufficientFunds {
		return ErrCodeInsufficientFunds
	}
	return ErrCodeSettlementFailed
}

// IsOnChainFailure reports whether err is an OnChainError of the given kind.
func IsOnChainFailure(err error, kind OnChainFailure) bool {
	var oe *OnChainError
	return errors.As(err, &oe) && oe.Kind == kind
}

// ClassifyOnChainError maps an RPC or receipt error onto the on-chain failure
// taxonomy. It returns nil for errors that do not match any known cause.
func ClassifyOnChainError(err error) *OnChainError {
	if err == nil {
		return nil
	}

	var oe *OnChainError
	if errors.As(err, &oe) {
		return oe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &OnChainError{Kind: Timeout, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "transfer amount exceeds balance"),
		strings.Contains(msg, "exceeds balance"):
		return &OnChainError{Kind: InsufficientFunds, Err: err}
	case strings.Contains(msg, "nonce"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "already known"):
		return &OnChainError{Kind: NonceConflict, Err: err}
	case strings.Contains(msg, "revert"):
		return &OnChainError{Kind: Reverted, Err: err}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return &OnChainError{Kind: Timeout, Err: err}
	}
	return nil
}

// StatusCoder is implemented by errors that carry an HTTP response status.
type StatusCoder interface {
	HTTPStatus() int
}

// UserMessage renders err as a message suitable for an end user. Payment
// failures get a specific message; everything else a generic one.
func UserMessage(err error) string {
	var oe *OnChainError
	if errors.As(err, &oe) {
		switch oe.Kind {
		case InsufficientFunds:
			return "Transaction failed: insufficient funds for payment or gas fees."
		case NonceConflict:
			return "Transaction failed due to a nonce conflict. Please try again."
		case Reverted:
			return "Transaction failed: the token contract reverted the transfer."
		case Timeout:
			return "The transaction timed out, possibly due to network congestion. Check your wallet before retrying."
		}
	}

	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Message
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return "Resource not found."
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized."
	case errors.Is(err, ErrProofInvalid), errors.Is(err, ErrSettlementFailed), errors.Is(err, ErrPaymentNotAccepted):
		return "Payment was not accepted. Payment is still required."
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == 404:
			return "Resource not found."
		case status == 401, status == 403:
			return "Unauthorized."
		case status == 429:
			return "Too many requests. Please try again shortly."
		case status >= 500:
			return "The resource server is unavailable. Please try again later."
		case status >= 400:
			return "The request was rejected by the resource server."
		}
	}
	return "An internal server error occurred."
}

// ErrorCode returns the x402 error code for a payment failure, or "" when
// err is not one.
func ErrorCode(err error) string {
	var oe *OnChainError
	if errors.As(err, &oe) {
		return oe.Code()
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	switch {
	case errors.Is(err, ErrProofInvalid):
		return ErrCodeInvalidPayment
	case errors.Is(err, ErrSettlementFailed), errors.Is(err, ErrPaymentNotAccepted):
		return ErrCodeSettlementFailed
	}
	return ""
}
