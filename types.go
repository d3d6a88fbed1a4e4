package paygate

import (
	"fmt"
	"strings"
)

// X402Version is the protocol version spoken by this module (the v1 wire
// format with maxAmountRequired).
const X402Version = 1

const (
	// HeaderPayment carries the base64 JSON payment payload on a retried request.
	HeaderPayment = "X-PAYMENT"
	// HeaderPaymentResponse carries the base64 JSON settlement result on success.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"

	SchemeExact = "exact"

	// DefaultMaxTimeoutSeconds bounds how long a challenge stays payable.
	DefaultMaxTimeoutSeconds = 300

	MimeTypeJSON = "application/json"
)

// PaymentRequirements is a single payment challenge: the economic terms a
// payer must satisfy to be granted the resource.
type PaymentRequirements struct {
	Scheme            string        `json:"scheme"`
	Network           string        `json:"network"`
	Asset             string        `json:"asset"`
	PayTo             string        `json:"payTo"`
	MaxAmountRequired string        `json:"maxAmountRequired"`
	MaxTimeoutSeconds int           `json:"maxTimeoutSeconds"`
	Resource          string        `json:"resource"`
	Description       string        `json:"description,omitempty"`
	MimeType          string        `json:"mimeType,omitempty"`
	Nonce             string        `json:"nonce"`
	Extra             *PaymentExtra `json:"extra,omitempty"`
}

// PaymentExtra contains the token's EIP-712 domain info.
type PaymentExtra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// SameTerms reports whether two challenges carry identical economic terms.
// The nonce is ignored: every challenge gets a fresh one.
func (r PaymentRequirements) SameTerms(other PaymentRequirements) bool {
	return r.Scheme == other.Scheme &&
		r.Network == other.Network &&
		strings.EqualFold(r.Asset, other.Asset) &&
		strings.EqualFold(r.PayTo, other.PayTo) &&
		r.MaxAmountRequired == other.MaxAmountRequired &&
		r.Resource == other.Resource
}

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentPayload is the proof a payer attaches to a retried request.
type PaymentPayload struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     *ExactPayload `json:"payload"`
}

// ExactPayload restates the terms a transfer satisfied, together with the
// transaction that carried it and the payer's signature over those terms.
type ExactPayload struct {
	Transaction string `json:"transaction"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Asset       string `json:"asset"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature,omitempty"`
}

// SigningMessage is the canonical byte form of the restated terms that the
// payer signs.
func (p ExactPayload) SigningMessage(scheme, network string) []byte {
	return []byte(fmt.Sprintf("x402:%s:%s:%s:%s:%s:%s:%s:%s",
		scheme,
		network,
		strings.ToLower(p.Asset),
		strings.ToLower(p.From),
		strings.ToLower(p.To),
		p.Value,
		p.Nonce,
		strings.ToLower(p.Transaction),
	))
}

// VerifyRequest is the body of a facilitator /verify or /settle call.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator's /verify verdict.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's /settle verdict. It is also the value
// encoded into the X-PAYMENT-RESPONSE header.
type SettleResponse struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"txHash,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Reference returns the settlement reference, whichever field the
// facilitator used for it.
func (s SettleResponse) Reference() string {
	if s.TxHash != "" {
		return s.TxHash
	}
	return s.Transaction
}

// Reason returns the failure reason, whichever field the facilitator used.
func (s SettleResponse) Reason() string {
	if s.ErrorReason != "" {
		return s.ErrorReason
	}
	return s.Error
}

// SupportedKind is a scheme/network pair from /supported.
type SupportedKind struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     string         `json:"network"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// SupportedResponse is the response of a facilitator /supported call.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}
