// Package identity provisions users on first use of an external credential.
//
// The first Authenticate call for a credential generates a signing key,
// encrypts it and creates the user. Every later call, including calls that
// race the first one, observes that same user.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/secretstore"
	"github.com/x402-foundation/paygate/signers/evm"
	"github.com/x402-foundation/paygate/store"
)

// Result is the outcome of Authenticate.
type Result struct {
	User      store.User
	IsNewUser bool
}

// KeyGenerator creates a fresh signing key.
type KeyGenerator func() (evm.Key, error)

// Provisioner implements first-use identity provisioning.
type Provisioner struct {
	users   store.UserRepository
	secrets *secretstore.Store
	keygen  KeyGenerator
	logger  *slog.Logger
}

// Option configures a Provisioner.
type Option func(*Provisioner)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provisioner) {
		p.logger = logger
	}
}

// WithKeyGenerator replaces evm.GenerateKey.
func WithKeyGenerator(keygen KeyGenerator) Option {
	return func(p *Provisioner) {
		p.keygen = keygen
	}
}

func NewProvisioner(users store.UserRepository, secrets *secretstore.Store, opts ...Option) *Provisioner {
	p := &Provisioner{
		users:   users,
		secrets: secrets,
		keygen:  evm.GenerateKey,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Authenticate returns the user bound to credentialID, creating it when the
// credential has never been seen.
func (p *Provisioner) Authenticate(ctx context.Context, credentialID string) (Result, error) {
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return Result{}, paygate.ErrInvalidCredential
	}

	existing, err := p.users.GetByCredential(ctx, credentialID)
	switch {
	case err == nil:
		return Result{User: *existing}, nil
	case !errors.Is(err, paygate.ErrNotFound):
		return Result{}, fmt.Errorf("%w: lookup user: %v", paygate.ErrInternal, err)
	}

	key, err := p.keygen()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", paygate.ErrInternal, err)
	}
	encrypted, err := p.secrets.Encrypt([]byte(key.PrivateKeyHex))
	if err != nil {
		return Result{}, fmt.Errorf("%w: encrypt key: %v", paygate.ErrInternal, err)
	}

	candidate := store.User{
		ID:                   store.NewID(),
		ExternalCredentialID: credentialID,
		WalletAddress:        key.Address,
		EncryptedSecret:      encrypted,
	}
	stored, inserted, err := p.users.InsertIfAbsent(ctx, candidate)
	if err != nil {
		return Result{}, fmt.Errorf("%w: insert user: %v", paygate.ErrInternal, err)
	}
	if !inserted {
		p.logger.DebugContext(ctx, "concurrent signup resolved to existing user", "user_id", stored.ID)
		return Result{User: stored}, nil
	}

	p.logger.InfoContext(ctx, "user provisioned", "user_id", stored.ID, "wallet", stored.WalletAddress)
	return Result{User: stored, IsNewUser: true}, nil
}
