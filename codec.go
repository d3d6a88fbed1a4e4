package paygate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncodePaymentHeader encodes a payment payload for the X-PAYMENT header.
func EncodePaymentHeader(payload PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentHeader decodes and shape-checks an X-PAYMENT header value.
func DecodePaymentHeader(header string) (PaymentPayload, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("invalid base64 encoding: %w", err)
	}

	if err := ValidatePaymentPayloadJSON(data); err != nil {
		return PaymentPayload{}, err
	}

	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return PaymentPayload{}, fmt.Errorf("invalid payment payload JSON: %w", err)
	}
	return payload, nil
}

// EncodePaymentResponseHeader encodes a settlement result for the
// X-PAYMENT-RESPONSE header.
func EncodePaymentResponseHeader(response SettleResponse) (string, error) {
	data, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to base64 encode the settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentResponseHeader decodes an X-PAYMENT-RESPONSE header value.
func DecodePaymentResponseHeader(header string) (SettleResponse, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return SettleResponse{}, fmt.Errorf("invalid base64 encoding: %w", err)
	}

	var response SettleResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return SettleResponse{}, fmt.Errorf("invalid settle response JSON: %w", err)
	}
	return response, nil
}
