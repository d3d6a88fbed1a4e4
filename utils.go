package paygate

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ValidatePaymentPayload performs basic validation on a payment payload
func ValidatePaymentPayload(p PaymentPayload) error {
	if p.X402Version != X402Version {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if p.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if p.Payload == nil {
		return fmt.Errorf("payment payload is required")
	}
	return nil
}

// ValidatePaymentRequirements performs basic validation on payment requirements
func ValidatePaymentRequirements(r PaymentRequirements) error {
	if r.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if r.Scheme != SchemeExact {
		return NewPaymentError(ErrCodeUnsupportedScheme, fmt.Sprintf("unsupported scheme: %s", r.Scheme), nil)
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if !common.IsHexAddress(r.Asset) {
		return fmt.Errorf("invalid payment asset: %q", r.Asset)
	}
	if !common.IsHexAddress(r.PayTo) {
		return fmt.Errorf("invalid payment recipient: %q", r.PayTo)
	}
	if _, err := r.Amount(); err != nil {
		return err
	}
	return nil
}

// Amount parses maxAmountRequired as a positive integer in the asset's
// smallest unit.
func (r PaymentRequirements) Amount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(r.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("invalid maxAmountRequired: %q", r.MaxAmountRequired)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("maxAmountRequired must be positive, got %s", r.MaxAmountRequired)
	}
	return amount, nil
}
