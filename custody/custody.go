// Package custody pays for resources on behalf of users whose signing keys
// the service holds.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/x402-foundation/paygate"
	paidhttp "github.com/x402-foundation/paygate/http"
	"github.com/x402-foundation/paygate/retry"
	"github.com/x402-foundation/paygate/secretstore"
	"github.com/x402-foundation/paygate/signers/evm"
	"github.com/x402-foundation/paygate/store"
)

// Custodian turns a stored user into a payer.
type Custodian struct {
	secrets *secretstore.Store
	backend evm.Backend
	network string
	opts    []evm.Option
}

func NewCustodian(secrets *secretstore.Store, backend evm.Backend, network string, opts ...evm.Option) *Custodian {
	return &Custodian{secrets: secrets, backend: backend, network: network, opts: opts}
}

// PrivateKey decrypts the user's signing key.
func (c *Custodian) PrivateKey(u store.User) (string, error) {
	plain, err := c.secrets.Decrypt(u.EncryptedSecret)
	if err != nil {
		return "", fmt.Errorf("%w: decrypt key for user %s: %v", paygate.ErrInternal, u.ID, err)
	}
	return string(plain), nil
}

// PayerFor returns a payer signing with the user's key.
func (c *Custodian) PayerFor(u store.User) (*evm.Payer, error) {
	key, err := c.PrivateKey(u)
	if err != nil {
		return nil, err
	}
	payer, err := evm.NewPayer(key, c.backend, c.network, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: build payer: %v", paygate.ErrInternal, err)
	}
	if !strings.EqualFold(payer.Address(), u.WalletAddress) {
		return nil, fmt.Errorf("%w: stored key does not match wallet of user %s", paygate.ErrInternal, u.ID)
	}
	return payer, nil
}

// Recorder counts purchase results.
type Recorder interface {
	RecordPayment(result string)
}

// Purchaser fetches a resource through the access endpoint, paying with the
// caller's custodial key when challenged.
type Purchaser struct {
	custodian  *Custodian
	executor   paidhttp.PaymentExecutor
	baseURL    string
	httpClient *http.Client
	policy     retry.Policy
	logger     *slog.Logger
	recorder   Recorder
}

// PurchaserOption configures a Purchaser.
type PurchaserOption func(*Purchaser)

func WithHTTPClient(c *http.Client) PurchaserOption {
	return func(p *Purchaser) {
		p.httpClient = c
	}
}

func WithPolicy(policy retry.Policy) PurchaserOption {
	return func(p *Purchaser) {
		p.policy = policy
	}
}

func WithLogger(logger *slog.Logger) PurchaserOption {
	return func(p *Purchaser) {
		p.logger = logger
	}
}

func WithRecorder(r Recorder) PurchaserOption {
	return func(p *Purchaser) {
		p.recorder = r
	}
}

func NewPurchaser(custodian *Custodian, executor paidhttp.PaymentExecutor, baseURL string, opts ...PurchaserOption) *Purchaser {
	p := &Purchaser{
		custodian:  custodian,
		executor:   executor,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 3 * time.Minute},
		policy:     retry.Default,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Purchase requests resourceID as u, authenticated with token.
func (p *Purchaser) Purchase(ctx context.Context, u store.User, resourceID, token string) (*paidhttp.Result, error) {
	payer, err := p.custodian.PayerFor(u)
	if err != nil {
		return nil, err
	}

	client := paidhttp.NewClient(p.executor, payer,
		paidhttp.WithHTTPClient(p.httpClient),
		paidhttp.WithPolicy(p.policy),
		paidhttp.WithLogger(p.logger.With("user_id", u.ID)),
	)

	url := fmt.Sprintf("%s/api/resources/%s/access", p.baseURL, resourceID)
	res, err := client.RequestResource(ctx, url, paidhttp.Credentials{BearerToken: token})
	p.record(res, err)
	return res, err
}

func (p *Purchaser) record(res *paidhttp.Result, err error) {
	if p.recorder == nil {
		return
	}
	switch {
	case err == nil && res.Settlement != nil:
		p.recorder.RecordPayment("paid")
	case err == nil:
		p.recorder.RecordPayment("owned")
	default:
		var oe *paygate.OnChainError
		if errors.As(err, &oe) {
			p.recorder.RecordPayment(oe.Kind.String())
			return
		}
		p.recorder.RecordPayment("failed")
	}
}
