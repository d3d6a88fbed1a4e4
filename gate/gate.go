// Package gate decides whether a caller may read a priced resource and runs
// the payment handshake when they may not.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/facilitator"
	"github.com/x402-foundation/paygate/store"
)

// Outcome of an access check.
type Outcome int

const (
	ChallengeRequired Outcome = iota
	Granted
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case ChallengeRequired:
		return "challenge_required"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Decision is the result of CheckAccess.
type Decision struct {
	Outcome  Outcome
	Resource store.Resource
	// Content is set when access is granted.
	Content string
	// Challenge is set when a payment is required.
	Challenge *paygate.PaymentRequirements
	// Settlement is set only when this call recorded a new purchase.
	Settlement *paygate.SettleResponse
}

// ChallengeBuilder derives the expected payment terms for a resource.
type ChallengeBuilder interface {
	Build(res store.Resource) (paygate.PaymentRequirements, error)
}

// ProofVerifier settles payment proofs.
type ProofVerifier interface {
	VerifyAndSettle(ctx context.Context, payload paygate.PaymentPayload, requirements paygate.PaymentRequirements) facilitator.Outcome
}

// Observer receives access and settlement events.
type Observer interface {
	ObserveDecision(outcome string)
	ObserveSettlement(status string)
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(string)   {}
func (nopObserver) ObserveSettlement(string) {}

// Gate implements the access decision.
type Gate struct {
	resources store.ResourceRepository
	ledger    store.PurchaseLedger
	builder   ChallengeBuilder
	verifier  ProofVerifier
	logger    *slog.Logger
	observer  Observer
}

// Option configures a Gate.
type Option func(*Gate)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

func WithObserver(o Observer) Option {
	return func(g *Gate) {
		g.observer = o
	}
}

func New(resources store.ResourceRepository, ledger store.PurchaseLedger, builder ChallengeBuilder, verifier ProofVerifier, opts ...Option) *Gate {
	g := &Gate{
		resources: resources,
		ledger:    ledger,
		builder:   builder,
		verifier:  verifier,
		logger:    slog.Default(),
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckAccess decides whether userID may read resourceID. proofHeader is the
// raw X-PAYMENT header value and may be empty. An invalid or unsettleable
// proof never grants access; the caller is challenged again instead.
func (g *Gate) CheckAccess(ctx context.Context, userID, resourceID, proofHeader string) (Decision, error) {
	decision, err := g.checkAccess(ctx, userID, resourceID, proofHeader)
	if err == nil {
		g.observer.ObserveDecision(decision.Outcome.String())
	}
	return decision, err
}

func (g *Gate) checkAccess(ctx context.Context, userID, resourceID, proofHeader string) (Decision, error) {
	logger := g.logger.With("user_id", userID, "resource_id", resourceID)

	res, err := g.resources.Get(ctx, resourceID)
	if errors.Is(err, paygate.ErrNotFound) {
		return Decision{Outcome: NotFound}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("%w: load resource: %v", paygate.ErrInternal, err)
	}

	if userID == res.OwnerID {
		logger.DebugContext(ctx, "access granted to owner")
		return granted(*res, nil), nil
	}

	owned, err := g.ledger.HasPurchase(ctx, userID, resourceID)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: check purchase: %v", paygate.ErrInternal, err)
	}
	if owned {
		logger.DebugContext(ctx, "access granted by previous purchase")
		return granted(*res, nil), nil
	}

	challenge, err := g.builder.Build(*res)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: build challenge: %v", paygate.ErrInternal, err)
	}

	if proofHeader = strings.TrimSpace(proofHeader); proofHeader != "" {
		settlement, err := g.settle(ctx, logger, userID, *res, proofHeader, challenge)
		if err != nil {
			return Decision{}, err
		}
		if settlement != nil {
			return granted(*res, settlement.response), nil
		}
	}

	return Decision{Outcome: ChallengeRequired, Resource: *res, Challenge: &challenge}, nil
}

type settlement struct {
	// response is nil when a concurrent request recorded the purchase.
	response *paygate.SettleResponse
}

// settle returns nil when the proof does not lead to a recorded purchase.
func (g *Gate) settle(ctx context.Context, logger *slog.Logger, userID string, res store.Resource, header string, expected paygate.PaymentRequirements) (*settlement, error) {
	payload, err := paygate.DecodePaymentHeader(header)
	if err != nil {
		logger.InfoContext(ctx, "malformed payment proof", "error", err)
		g.observer.ObserveSettlement("malformed")
		return nil, nil
	}
	if err := paygate.ValidatePaymentPayload(payload); err != nil {
		logger.InfoContext(ctx, "payment proof rejected", "error", err)
		g.observer.ObserveSettlement("malformed")
		return nil, nil
	}
	if payload.Scheme != expected.Scheme || payload.Network != expected.Network {
		logger.InfoContext(ctx, "payment proof for other terms", "scheme", payload.Scheme, "network", payload.Network)
		g.observer.ObserveSettlement(facilitator.Rejected.String())
		return nil, nil
	}

	outcome := g.verifier.VerifyAndSettle(facilitator.WithScope(ctx, userID), payload, expected)
	g.observer.ObserveSettlement(outcome.Status.String())
	if outcome.Status != facilitator.Settled {
		logger.InfoContext(ctx, "payment not settled", "status", outcome.Status.String(), "reason", outcome.Reason)
		return nil, nil
	}

	stored, inserted, err := g.ledger.RecordPurchase(ctx, store.Purchase{
		ID:                  store.NewPurchaseID(),
		UserID:              userID,
		ResourceID:          res.ID,
		SettlementReference: outcome.Reference,
	})
	if err != nil {
		// The payment is final; the caller retries with the same proof and
		// the settlement cache answers without paying again.
		logger.ErrorContext(ctx, "failed to record settled purchase", "reference", outcome.Reference, "error", err)
		return nil, fmt.Errorf("%w: record purchase: %v", paygate.ErrInternal, err)
	}
	if !inserted {
		logger.InfoContext(ctx, "purchase already recorded", "purchase_id", stored.ID)
		return &settlement{}, nil
	}

	logger.InfoContext(ctx, "purchase recorded", "purchase_id", stored.ID, "reference", outcome.Reference)
	return &settlement{response: &paygate.SettleResponse{
		Success:     true,
		TxHash:      outcome.Reference,
		Transaction: outcome.Reference,
		Network:     outcome.Network,
		Payer:       outcome.Payer,
	}}, nil
}

func granted(res store.Resource, s *paygate.SettleResponse) Decision {
	return Decision{Outcome: Granted, Resource: res, Content: res.Content, Settlement: s}
}
