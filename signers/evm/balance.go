package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// BalanceReader reads native and ERC-20 balances.
type BalanceReader struct {
	backend Backend
}

func NewBalanceReader(backend Backend) *BalanceReader {
	return &BalanceReader{backend: backend}
}

// NativeBalance returns the account's native coin balance in wei.
func (r *BalanceReader) NativeBalance(ctx context.Context, account string) (*big.Int, error) {
	balance, err := r.backend.BalanceAt(ctx, common.HexToAddress(account), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// TokenBalance returns the account's balance of an ERC-20 token together with
// the token's decimals.
func (r *BalanceReader) TokenBalance(ctx context.Context, token, account string) (*big.Int, uint8, error) {
	out, err := r.call(ctx, token, "balanceOf", common.HexToAddress(account))
	if err != nil {
		return nil, 0, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected balance type: %T", out[0])
	}

	out, err = r.call(ctx, token, "decimals")
	if err != nil {
		return nil, 0, err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected decimals type: %T", out[0])
	}
	return balance, decimals, nil
}

func (r *BalanceReader) call(ctx context.Context, token, method string, args ...interface{}) ([]interface{}, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	to := common.HexToAddress(token)
	result, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	out, err := erc20ABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s result", method)
	}
	return out, nil
}
