package paygate

import (
	"context"
	"math/big"
)

// TxResult is the outcome of a confirmed value transfer.
type TxResult struct {
	TxHash      string
	BlockNumber uint64
}

// Payer is anything that can pay a challenge: a plain key pair, a smart
// contract account, a custodial signer.
type Payer interface {
	// Address returns the payer's account address (0x-prefixed hex).
	Address() string

	// Network returns the network the payer submits transfers to.
	Network() string

	// Sign signs an arbitrary message with the payer's key.
	Sign(ctx context.Context, message []byte) ([]byte, error)

	// SendValueTransfer sends amount (smallest unit) of asset to the
	// recipient and blocks until the transfer is confirmed or fails.
	// Failures are reported as *OnChainError when they can be classified.
	SendValueTransfer(ctx context.Context, to string, amount *big.Int, asset string) (TxResult, error)
}

// TransferResolver is implemented by payers that can look up a transfer
// they submitted earlier.
type TransferResolver interface {
	// TransferStatus returns the confirmed transfer. A transfer without a
	// receipt yet is reported as an *OnChainError of kind Timeout wrapping
	// ErrTransferPending.
	TransferStatus(ctx context.Context, txHash string) (TxResult, error)
}

// FacilitatorClient talks to a settlement facilitator.
type FacilitatorClient interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
	Supported(ctx context.Context) (*SupportedResponse, error)
}
