// Package executor pays x402 challenges and builds the proofs that go into
// the X-PAYMENT header.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/x402-foundation/paygate"
)

// Executor pays challenges with a paygate.Payer.
type Executor struct {
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

func New(opts ...Option) *Executor {
	e := &Executor{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pay transfers the amount the challenge asks for and returns the proof of
// payment. On-chain failures are returned as *paygate.OnChainError.
func (e *Executor) Pay(ctx context.Context, requirements paygate.PaymentRequirements, payer paygate.Payer) (paygate.PaymentPayload, error) {
	amount, err := e.check(requirements, payer)
	if err != nil {
		return paygate.PaymentPayload{}, err
	}

	logger := e.logger.With("network", requirements.Network, "pay_to", requirements.PayTo, "amount", amount.String())
	logger.InfoContext(ctx, "submitting payment")

	tx, err := payer.SendValueTransfer(ctx, requirements.PayTo, amount, requirements.Asset)
	if err != nil {
		return paygate.PaymentPayload{}, onChainFailure(ctx, logger, err)
	}

	logger.InfoContext(ctx, "payment confirmed", "tx_hash", tx.TxHash, "block", tx.BlockNumber)
	return e.proof(ctx, requirements, payer, amount, tx)
}

// Resume builds the proof for a transfer submitted by an earlier Pay whose
// confirmation timed out. It never submits a new transfer. A transfer that
// is still unconfirmed is reported as a Timeout carrying txHash.
func (e *Executor) Resume(ctx context.Context, requirements paygate.PaymentRequirements, payer paygate.Payer, txHash string) (paygate.PaymentPayload, error) {
	amount, err := e.check(requirements, payer)
	if err != nil {
		return paygate.PaymentPayload{}, err
	}

	resolver, ok := payer.(paygate.TransferResolver)
	if !ok {
		return paygate.PaymentPayload{}, &paygate.OnChainError{
			Kind:   paygate.Timeout,
			TxHash: txHash,
			Err:    errors.New("payer cannot look up submitted transfers"),
		}
	}

	logger := e.logger.With("network", requirements.Network, "tx_hash", txHash)
	tx, err := resolver.TransferStatus(ctx, txHash)
	if err != nil {
		return paygate.PaymentPayload{}, onChainFailure(ctx, logger, err)
	}

	logger.InfoContext(ctx, "earlier payment confirmed", "block", tx.BlockNumber)
	return e.proof(ctx, requirements, payer, amount, tx)
}

func (e *Executor) check(requirements paygate.PaymentRequirements, payer paygate.Payer) (*big.Int, error) {
	if payer == nil {
		return nil, errors.New("payer is required")
	}
	if err := paygate.ValidatePaymentRequirements(requirements); err != nil {
		return nil, err
	}
	if _, err := paygate.GetNetworkConfig(requirements.Network); err != nil {
		return nil, err
	}
	if payer.Network() != requirements.Network {
		return nil, paygate.NewPaymentError(paygate.ErrCodeNetworkMismatch,
			fmt.Sprintf("payer is on %s, challenge asks for %s", payer.Network(), requirements.Network), nil)
	}
	return requirements.Amount()
}

// proof signs the restated terms of a confirmed transfer.
func (e *Executor) proof(ctx context.Context, requirements paygate.PaymentRequirements, payer paygate.Payer, amount *big.Int, tx paygate.TxResult) (paygate.PaymentPayload, error) {
	exact := &paygate.ExactPayload{
		Transaction: tx.TxHash,
		From:        payer.Address(),
		To:          requirements.PayTo,
		Value:       amount.String(),
		Asset:       requirements.Asset,
		Nonce:       requirements.Nonce,
	}
	sig, err := payer.Sign(ctx, exact.SigningMessage(requirements.Scheme, requirements.Network))
	if err != nil {
		return paygate.PaymentPayload{}, fmt.Errorf("sign payment terms: %w", err)
	}
	exact.Signature = hexutil.Encode(sig)

	return paygate.PaymentPayload{
		X402Version: paygate.X402Version,
		Scheme:      requirements.Scheme,
		Network:     requirements.Network,
		Payload:     exact,
	}, nil
}

func onChainFailure(ctx context.Context, logger *slog.Logger, err error) error {
	var oe *paygate.OnChainError
	if errors.As(err, &oe) {
		logger.WarnContext(ctx, "payment failed on chain", "kind", oe.Kind.String(), "tx_hash", oe.TxHash)
		return err
	}
	if oe := paygate.ClassifyOnChainError(err); oe != nil {
		logger.WarnContext(ctx, "payment failed on chain", "kind", oe.Kind.String())
		return oe
	}
	return fmt.Errorf("send payment: %w", err)
}
