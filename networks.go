package paygate

import (
	"fmt"
	"math/big"
	"strings"
)

const (
	// DefaultDecimals is the precision of USDC on every supported network.
	DefaultDecimals = 6

	// NativeAssetAddress stands for the chain's native coin in asset fields.
	NativeAssetAddress = "0x0000000000000000000000000000000000000000"

	NativeDecimals = 18
)

var (
	ChainIDPolygon     = big.NewInt(137)
	ChainIDPolygonAmoy = big.NewInt(80002)
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)
)

// AssetInfo describes a token a challenge may be priced in.
type AssetInfo struct {
	Symbol   string
	Address  string
	Name     string
	Version  string
	Decimals int32
}

// NetworkConfig describes a network and the assets priced on it.
type NetworkConfig struct {
	Name         string
	ChainID      *big.Int
	NativeSymbol string
	Assets       map[string]AssetInfo
}

// NetworkConfigs lists the networks challenges can be issued on, keyed by
// their v1 network name.
var NetworkConfigs = map[string]NetworkConfig{
	"polygon": {
		Name:         "polygon",
		ChainID:      ChainIDPolygon,
		NativeSymbol: "POL",
		Assets: map[string]AssetInfo{
			"USDC": {Symbol: "USDC", Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Name: "USD Coin", Version: "2", Decimals: DefaultDecimals},
		},
	},
	"polygon-amoy": {
		Name:         "polygon-amoy",
		ChainID:      ChainIDPolygonAmoy,
		NativeSymbol: "POL",
		Assets: map[string]AssetInfo{
			"USDC": {Symbol: "USDC", Address: "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582", Name: "USD Coin", Version: "2", Decimals: DefaultDecimals},
		},
	},
	"base": {
		Name:         "base",
		ChainID:      ChainIDBase,
		NativeSymbol: "ETH",
		Assets: map[string]AssetInfo{
			"USDC": {Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Name: "USD Coin", Version: "2", Decimals: DefaultDecimals},
		},
	},
	"base-sepolia": {
		Name:         "base-sepolia",
		ChainID:      ChainIDBaseSepolia,
		NativeSymbol: "ETH",
		Assets: map[string]AssetInfo{
			"USDC": {Symbol: "USDC", Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Name: "USDC", Version: "2", Decimals: DefaultDecimals},
		},
	},
}

// GetNetworkConfig looks up a supported network by name.
func GetNetworkConfig(network string) (NetworkConfig, error) {
	cfg, ok := NetworkConfigs[network]
	if !ok {
		return NetworkConfig{}, NewPaymentError(ErrCodeUnsupportedNetwork, fmt.Sprintf("unsupported network: %s", network), nil)
	}
	return cfg, nil
}

// Asset looks up an asset by symbol, case-insensitively.
func (c NetworkConfig) Asset(symbol string) (AssetInfo, error) {
	asset, ok := c.Assets[strings.ToUpper(symbol)]
	if !ok {
		return AssetInfo{}, NewPaymentError(ErrCodeUnsupportedAsset, fmt.Sprintf("unsupported asset %s on %s", symbol, c.Name), nil)
	}
	return asset, nil
}

// AssetByAddress looks up an asset by contract address.
func (c NetworkConfig) AssetByAddress(address string) (AssetInfo, bool) {
	for _, asset := range c.Assets {
		if strings.EqualFold(asset.Address, address) {
			return asset, true
		}
	}
	return AssetInfo{}, false
}
