package facilitator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/paygate"
)

type fakeFacilitator struct {
	verify    *paygate.VerifyResponse
	verifyErr error
	settle    *paygate.SettleResponse
	settleErr error
	delay     time.Duration

	settles atomic.Int32
}

func (f *fakeFacilitator) Verify(context.Context, paygate.PaymentPayload, paygate.PaymentRequirements) (*paygate.VerifyResponse, error) {
	return f.verify, f.verifyErr
}

func (f *fakeFacilitator) Settle(context.Context, paygate.PaymentPayload, paygate.PaymentRequirements) (*paygate.SettleResponse, error) {
	f.settles.Add(1)
	time.Sleep(f.delay)
	return f.settle, f.settleErr
}

func (f *fakeFacilitator) Supported(context.Context) (*paygate.SupportedResponse, error) {
	return &paygate.SupportedResponse{}, nil
}

func TestVerifyAndSettleOutcomes(t *testing.T) {
	t.Parallel()

	valid := &paygate.VerifyResponse{IsValid: true, Payer: "0x11"}
	tests := []struct {
		name   string
		fac    *fakeFacilitator
		status Status
		ref    string
		reason string
	}{
		{
			name:   "settled",
			fac:    &fakeFacilitator{verify: valid, settle: &paygate.SettleResponse{Success: true, TxHash: "0xfeed"}},
			status: Settled,
			ref:    "0xfeed",
		},
		{
			name:   "invalid proof",
			fac:    &fakeFacilitator{verify: &paygate.VerifyResponse{InvalidReason: "invalid_signature"}},
			status: Rejected,
			reason: "invalid_signature",
		},
		{
			name:   "settle refused",
			fac:    &fakeFacilitator{verify: valid, settle: &paygate.SettleResponse{ErrorReason: "transaction_not_found"}},
			status: Rejected,
			reason: "transaction_not_found",
		},
		{
			name:   "verify verdict error",
			fac:    &fakeFacilitator{verifyErr: &VerdictError{Endpoint: "verify", StatusCode: 400, Reason: "amount_mismatch"}},
			status: Rejected,
			reason: "amount_mismatch",
		},
		{
			name:   "verify unreachable",
			fac:    &fakeFacilitator{verifyErr: errors.New("dial tcp: connection refused")},
			status: Unavailable,
		},
		{
			name:   "settle unreachable",
			fac:    &fakeFacilitator{verify: valid, settleErr: &StatusError{Endpoint: "settle", StatusCode: 503}},
			status: Unavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v := NewVerifier(tt.fac)
			out := v.VerifyAndSettle(context.Background(), testPayload(), testRequirements())
			assert.Equal(t, tt.status, out.Status)
			assert.Equal(t, tt.ref, out.Reference)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, out.Reason)
			}
			if out.Status == Settled {
				assert.NoError(t, out.Err())
			} else {
				assert.Error(t, out.Err())
			}
		})
	}
}

func TestVerifyAndSettleDeduplicatesInFlight(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{
		verify: &paygate.VerifyResponse{IsValid: true},
		settle: &paygate.SettleResponse{Success: true, TxHash: "0xfeed"},
		delay:  20 * time.Millisecond,
	}
	v := NewVerifier(fac)
	ctx := WithScope(context.Background(), "user-1")

	const n = 8
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := testRequirements()
			req.Nonce = string(rune('a' + i))
			outcomes[i] = v.VerifyAndSettle(ctx, testPayload(), req)
		}(i)
	}
	wg.Wait()

	for _, out := range outcomes {
		assert.Equal(t, Settled, out.Status)
		assert.Equal(t, "0xfeed", out.Reference)
	}
	assert.Equal(t, int32(1), fac.settles.Load())
}

func TestVerifyAndSettleScopesCache(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{
		verify: &paygate.VerifyResponse{IsValid: true},
		settle: &paygate.SettleResponse{Success: true, TxHash: "0xfeed"},
	}
	v := NewVerifier(fac)

	v.VerifyAndSettle(WithScope(context.Background(), "user-1"), testPayload(), testRequirements())
	v.VerifyAndSettle(WithScope(context.Background(), "user-1"), testPayload(), testRequirements())
	assert.Equal(t, int32(1), fac.settles.Load())

	v.VerifyAndSettle(WithScope(context.Background(), "user-2"), testPayload(), testRequirements())
	assert.Equal(t, int32(2), fac.settles.Load())
}

func TestVerifyAndSettleDoesNotCacheFailures(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{verify: &paygate.VerifyResponse{IsValid: true}, settleErr: errors.New("timeout")}
	v := NewVerifier(fac)

	v.VerifyAndSettle(context.Background(), testPayload(), testRequirements())
	v.VerifyAndSettle(context.Background(), testPayload(), testRequirements())
	assert.Equal(t, int32(2), fac.settles.Load())
}

func TestSettlementCacheExpiry(t *testing.T) {
	t.Parallel()

	c := NewSettlementCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	status, _, done := c.CheckAndMark("k")
	require.Equal(t, StatusNotFound, status)
	c.Complete("k", Outcome{Status: Settled, Reference: "0x1"}, done)

	status, out, _ := c.CheckAndMark("k")
	require.Equal(t, StatusCached, status)
	assert.Equal(t, "0x1", out.Reference)

	now = now.Add(2 * time.Minute)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestSettlementKeyIgnoresChallengeNonce(t *testing.T) {
	t.Parallel()

	a := testRequirements()
	b := testRequirements()
	b.Nonce = "other"
	assert.Equal(t, SettlementKey("s", testPayload(), a), SettlementKey("s", testPayload(), b))

	b.MaxAmountRequired = "1"
	assert.NotEqual(t, SettlementKey("s", testPayload(), a), SettlementKey("s", testPayload(), b))
	assert.Len(t, SettlementKey("s", testPayload(), a), 64)
}
