package facilitator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/x402-foundation/paygate"
)

// Status is the verdict of a settlement attempt.
type Status int

const (
	// Rejected means the facilitator found the proof invalid or refused to
	// settle it.
	Rejected Status = iota
	// Settled means the payment is final and Reference identifies it.
	Settled
	// Unavailable means the facilitator could not be reached or answered
	// with an error. Nothing is known about the payment.
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Settled:
		return "settled"
	case Rejected:
		return "rejected"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Outcome is the result of VerifyAndSettle.
type Outcome struct {
	Status    Status
	Reference string
	Network   string
	Payer     string
	Reason    string
}

// Err maps a non-settled outcome to the matching sentinel error.
func (o Outcome) Err() error {
	switch o.Status {
	case Settled:
		return nil
	case Unavailable:
		return paygate.ErrFacilitatorUnreachable
	default:
		if o.Reason == "" {
			return paygate.ErrProofInvalid
		}
		return errors.Join(paygate.ErrProofInvalid, errors.New(o.Reason))
	}
}

// Verifier verifies and settles payment proofs through a facilitator.
type Verifier struct {
	client paygate.FacilitatorClient
	cache  *SettlementCache
	logger *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

func WithLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithSettlementCache replaces the default ten minute settlement cache.
func WithSettlementCache(cache *SettlementCache) VerifierOption {
	return func(v *Verifier) {
		v.cache = cache
	}
}

func NewVerifier(client paygate.FacilitatorClient, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		client: client,
		cache:  NewSettlementCache(10 * time.Minute),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type scopeKey struct{}

// WithScope tags ctx with the caller a settlement is made for. Cached
// outcomes are only shared within one scope.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

func scopeFrom(ctx context.Context) string {
	s, _ := ctx.Value(scopeKey{}).(string)
	return s
}

// VerifyAndSettle verifies the proof against requirements and settles it.
// It never fails: every problem is expressed in the Outcome.
func (v *Verifier) VerifyAndSettle(ctx context.Context, payload paygate.PaymentPayload, requirements paygate.PaymentRequirements) Outcome {
	key := SettlementKey(scopeFrom(ctx), payload, requirements)

	for {
		status, cached, done := v.cache.CheckAndMark(key)
		switch status {
		case StatusCached:
			v.logger.DebugContext(ctx, "settlement served from cache", "reference", cached.Reference)
			return cached
		case StatusInFlight:
			outcome, ok, err := v.cache.Wait(ctx, key, done)
			if err != nil {
				return Outcome{Status: Unavailable, Reason: err.Error()}
			}
			if ok {
				return outcome
			}
			// The leader did not settle; try ourselves.
			continue
		}

		outcome := v.settle(ctx, payload, requirements)
		if outcome.Status == Settled {
			v.cache.Complete(key, outcome, done)
		} else {
			v.cache.Fail(key, done)
		}
		return outcome
	}
}

func (v *Verifier) settle(ctx context.Context, payload paygate.PaymentPayload, requirements paygate.PaymentRequirements) Outcome {
	verified, err := v.client.Verify(ctx, payload, requirements)
	if err != nil {
		return v.fromError(ctx, "verify", err)
	}
	if !verified.IsValid {
		v.logger.InfoContext(ctx, "payment proof rejected", "reason", verified.InvalidReason, "payer", verified.Payer)
		return Outcome{Status: Rejected, Reason: verified.InvalidReason, Payer: verified.Payer}
	}

	settled, err := v.client.Settle(ctx, payload, requirements)
	if err != nil {
		return v.fromError(ctx, "settle", err)
	}
	if !settled.Success {
		v.logger.InfoContext(ctx, "settlement refused", "reason", settled.Reason(), "payer", settled.Payer)
		return Outcome{Status: Rejected, Reason: settled.Reason(), Payer: settled.Payer}
	}
	if settled.Reference() == "" {
		v.logger.WarnContext(ctx, "settlement succeeded without a reference")
		return Outcome{Status: Unavailable, Reason: "settlement response carried no reference"}
	}

	network := settled.Network
	if network == "" {
		network = requirements.Network
	}
	payer := settled.Payer
	if payer == "" {
		payer = verified.Payer
	}
	return Outcome{Status: Settled, Reference: settled.Reference(), Network: network, Payer: payer}
}

func (v *Verifier) fromError(ctx context.Context, step string, err error) Outcome {
	var verdict *VerdictError
	if errors.As(err, &verdict) {
		v.logger.InfoContext(ctx, "facilitator rejected payment", "step", step, "reason", verdict.Reason)
		return Outcome{Status: Rejected, Reason: verdict.Reason}
	}
	v.logger.WarnContext(ctx, "facilitator unavailable", "step", step, "error", err)
	return Outcome{Status: Unavailable, Reason: err.Error()}
}
