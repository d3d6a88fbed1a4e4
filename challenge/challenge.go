// Package challenge derives canonical x402 payment challenges from priced
// resources.
package challenge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/store"
)

var (
	ErrInvalidPrice = errors.New("challenge: invalid price")
	ErrPrecision    = errors.New("challenge: price has more decimals than the asset supports")
)

// Config holds the fixed parts of every challenge.
type Config struct {
	// Network is the v1 network name challenges are issued on.
	Network string
	// BaseURL prefixes the resource URL in challenges.
	BaseURL string
	// MaxTimeoutSeconds bounds how long a challenge stays payable.
	MaxTimeoutSeconds int
}

// Builder builds challenges. It is safe for concurrent use.
type Builder struct {
	network    paygate.NetworkConfig
	baseURL    string
	maxTimeout int
	nonce      func() string
}

// Option configures a Builder.
type Option func(*Builder)

// WithNonceSource replaces the random nonce generator.
func WithNonceSource(f func() string) Option {
	return func(b *Builder) {
		b.nonce = f
	}
}

// NewBuilder validates cfg and returns a Builder.
func NewBuilder(cfg Config, opts ...Option) (*Builder, error) {
	netCfg, err := paygate.GetNetworkConfig(cfg.Network)
	if err != nil {
		return nil, err
	}

	maxTimeout := cfg.MaxTimeoutSeconds
	if maxTimeout <= 0 {
		maxTimeout = paygate.DefaultMaxTimeoutSeconds
	}

	b := &Builder{
		network:    netCfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxTimeout: maxTimeout,
		nonce:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Network returns the network name challenges are issued on.
func (b *Builder) Network() string {
	return b.network.Name
}

// ResourceURL is the URL a challenge for the resource points at.
func (b *Builder) ResourceURL(resourceID string) string {
	return fmt.Sprintf("%s/api/resources/%s/access", b.baseURL, resourceID)
}

// Build derives the challenge for res. Two challenges for the same resource
// differ only in their nonce.
func (b *Builder) Build(res store.Resource) (paygate.PaymentRequirements, error) {
	asset, err := b.network.Asset(res.Currency)
	if err != nil {
		return paygate.PaymentRequirements{}, err
	}

	amount, err := ToSmallestUnit(res.Price, asset.Decimals)
	if err != nil {
		return paygate.PaymentRequirements{}, err
	}

	return paygate.PaymentRequirements{
		Scheme:            paygate.SchemeExact,
		Network:           b.network.Name,
		Asset:             asset.Address,
		PayTo:             res.PayTo,
		MaxAmountRequired: amount,
		MaxTimeoutSeconds: b.maxTimeout,
		Resource:          b.ResourceURL(res.ID),
		Description:       "Premium content: " + res.Name,
		MimeType:          paygate.MimeTypeJSON,
		Nonce:             b.nonce(),
		Extra: &paygate.PaymentExtra{
			Name:    asset.Name,
			Version: asset.Version,
		},
	}, nil
}

// ToSmallestUnit converts a human-readable decimal price into the asset's
// integer smallest unit. The conversion is exact: a price with more
// fractional digits than decimals is rejected rather than rounded.
func ToSmallestUnit(price string, decimals int32) (string, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(price))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPrice, price)
	}
	if d.Sign() <= 0 {
		return "", fmt.Errorf("%w: %q must be positive", ErrInvalidPrice, price)
	}

	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return "", fmt.Errorf("%w: %q at %d decimals", ErrPrecision, price, decimals)
	}
	return scaled.BigInt().String(), nil
}

// FromSmallestUnit renders an integer amount as a decimal string.
func FromSmallestUnit(amount string, decimals int32) (string, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPrice, amount)
	}
	return d.Shift(-decimals).String(), nil
}
