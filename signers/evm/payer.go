// Package evm provides a go-ethereum backed paygate.Payer that signs and
// submits transfers from a single private key.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402-foundation/paygate"
)

const (
	defaultConfirmTimeout = 60 * time.Second
	defaultPollInterval   = 1 * time.Second
	// gasHeadroomPercent is added on top of the node's gas estimate.
	gasHeadroomPercent = 20
)

// Payer implements paygate.Payer with an ECDSA private key.
type Payer struct {
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	backend        Backend
	network        string
	chainID        *big.Int
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

var (
	_ paygate.Payer            = (*Payer)(nil)
	_ paygate.TransferResolver = (*Payer)(nil)
)

// Option configures a Payer.
type Option func(*Payer)

// WithConfirmTimeout bounds how long SendValueTransfer waits for a receipt.
func WithConfirmTimeout(d time.Duration) Option {
	return func(p *Payer) {
		p.confirmTimeout = d
	}
}

// WithPollInterval sets the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Payer) {
		p.pollInterval = d
	}
}

// NewPayer creates a payer for the given network from a hex private key.
func NewPayer(privateKeyHex string, backend Backend, network string, opts ...Option) (*Payer, error) {
	privateKey, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	netCfg, err := paygate.GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}

	p := &Payer{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(privateKey.PublicKey),
		backend:        backend,
		network:        network,
		chainID:        netCfg.ChainID,
		confirmTimeout: defaultConfirmTimeout,
		pollInterval:   defaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Address returns the checksummed address of the payer.
func (p *Payer) Address() string {
	return p.address.Hex()
}

func (p *Payer) Network() string {
	return p.network
}

// Sign produces an EIP-191 personal signature over message with v in {27, 28}.
func (p *Payer) Sign(_ context.Context, message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), p.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SendValueTransfer transfers amount of asset to the recipient and waits for
// the receipt. The zero asset address sends the native coin.
func (p *Payer) SendValueTransfer(ctx context.Context, to string, amount *big.Int, asset string) (paygate.TxResult, error) {
	if p.backend == nil {
		return paygate.TxResult{}, errors.New("payer has no RPC backend")
	}
	if !common.IsHexAddress(to) {
		return paygate.TxResult{}, fmt.Errorf("invalid recipient address: %q", to)
	}
	if amount == nil || amount.Sign() <= 0 {
		return paygate.TxResult{}, fmt.Errorf("invalid transfer amount: %v", amount)
	}

	recipient := common.HexToAddress(to)
	var (
		target common.Address
		value  = new(big.Int)
		data   []byte
	)
	if asset == "" || strings.EqualFold(asset, paygate.NativeAssetAddress) {
		target = recipient
		value.Set(amount)
	} else {
		if !common.IsHexAddress(asset) {
			return paygate.TxResult{}, fmt.Errorf("invalid asset address: %q", asset)
		}
		packed, err := erc20ABI.Pack("transfer", recipient, amount)
		if err != nil {
			return paygate.TxResult{}, fmt.Errorf("failed to pack transfer call: %w", err)
		}
		target = common.HexToAddress(asset)
		data = packed
	}

	nonce, err := p.backend.PendingNonceAt(ctx, p.address)
	if err != nil {
		return paygate.TxResult{}, classify(fmt.Errorf("failed to get nonce: %w", err), "")
	}

	gasPrice, err := p.backend.SuggestGasPrice(ctx)
	if err != nil {
		return paygate.TxResult{}, classify(fmt.Errorf("failed to get gas price: %w", err), "")
	}

	// Estimating also simulates the call, so reverts and balance problems
	// surface before anything is broadcast.
	gas, err := p.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     p.address,
		To:       &target,
		GasPrice: gasPrice,
		Value:    value,
		Data:     data,
	})
	if err != nil {
		return paygate.TxResult{}, classify(fmt.Errorf("transfer simulation failed: %w", err), "")
	}
	gas += gas * gasHeadroomPercent / 100

	tx := types.NewTransaction(nonce, target, value, gas, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(p.chainID), p.privateKey)
	if err != nil {
		return paygate.TxResult{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := p.backend.SendTransaction(ctx, signedTx); err != nil {
		// The node may have accepted the transaction before the call failed.
		return paygate.TxResult{}, classify(fmt.Errorf("failed to send transaction: %w", err), signedTx.Hash().Hex())
	}

	receipt, err := p.waitForReceipt(ctx, signedTx.Hash())
	if err != nil {
		return paygate.TxResult{}, err
	}
	return receiptResult(signedTx.Hash(), receipt)
}

// TransferStatus looks up a transfer submitted earlier, typically one whose
// confirmation timed out.
func (p *Payer) TransferStatus(ctx context.Context, txHash string) (paygate.TxResult, error) {
	if p.backend == nil {
		return paygate.TxResult{}, errors.New("payer has no RPC backend")
	}
	hash := common.HexToHash(txHash)

	receipt, err := p.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return paygate.TxResult{}, &paygate.OnChainError{
			Kind:   paygate.Timeout,
			TxHash: hash.Hex(),
			Err:    paygate.ErrTransferPending,
		}
	}
	if err != nil {
		return paygate.TxResult{}, classify(fmt.Errorf("failed to fetch receipt: %w", err), hash.Hex())
	}
	return receiptResult(hash, receipt)
}

func receiptResult(hash common.Hash, receipt *types.Receipt) (paygate.TxResult, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return paygate.TxResult{}, &paygate.OnChainError{
			Kind:   paygate.Reverted,
			TxHash: hash.Hex(),
			Err:    errors.New("transaction reverted"),
		}
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return paygate.TxResult{TxHash: hash.Hex(), BlockNumber: block}, nil
}

func (p *Payer) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := p.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			return nil, classify(fmt.Errorf("failed to fetch receipt: %w", err), hash.Hex())
		}

		select {
		case <-ctx.Done():
			return nil, &paygate.OnChainError{
				Kind:   paygate.Timeout,
				TxHash: hash.Hex(),
				Err:    fmt.Errorf("transaction %s not confirmed: %w", hash.Hex(), ctx.Err()),
			}
		case <-ticker.C:
		}
	}
}

// classify wraps err as an OnChainError when its cause is recognised.
func classify(err error, txHash string) error {
	if oe := paygate.ClassifyOnChainError(err); oe != nil {
		oe.TxHash = txHash
		return oe
	}
	return err
}
