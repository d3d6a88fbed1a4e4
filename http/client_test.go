package http

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/retry"
)

var noWait = retry.Policy{MaxAttempts: 3}

var pendingTx = "0x" + strings.Repeat("cd", 32)

type stubPayer struct{}

func (stubPayer) Address() string { return "0x1111111111111111111111111111111111111111" }
func (stubPayer) Network() string { return "polygon-amoy" }
func (stubPayer) Sign(context.Context, []byte) ([]byte, error) {
	return make([]byte, 65), nil
}
func (stubPayer) SendValueTransfer(context.Context, string, *big.Int, string) (paygate.TxResult, error) {
	return paygate.TxResult{}, errors.New("not used")
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	errs  []error

	resumeCalls int
	resumeErr   error
	resumedTx   string
}

func (f *fakeExecutor) Resume(_ context.Context, req paygate.PaymentRequirements, payer paygate.Payer, txHash string) (paygate.PaymentPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeCalls++
	f.resumedTx = txHash
	if f.resumeErr != nil {
		return paygate.PaymentPayload{}, f.resumeErr
	}
	return paygate.PaymentPayload{
		X402Version: 1,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: &paygate.ExactPayload{
			Transaction: txHash,
			From:        payer.Address(),
			To:          req.PayTo,
			Value:       req.MaxAmountRequired,
			Asset:       req.Asset,
			Nonce:       req.Nonce,
		},
	}, nil
}

func (f *fakeExecutor) Pay(_ context.Context, req paygate.PaymentRequirements, payer paygate.Payer) (paygate.PaymentPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		if len(f.errs) > 1 {
			f.errs = f.errs[1:]
		}
		if err != nil {
			return paygate.PaymentPayload{}, err
		}
	}
	return paygate.PaymentPayload{
		X402Version: 1,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: &paygate.ExactPayload{
			Transaction: "0x" + strings.Repeat("ab", 32),
			From:        payer.Address(),
			To:          req.PayTo,
			Value:       req.MaxAmountRequired,
			Asset:       req.Asset,
			Nonce:       req.Nonce,
		},
	}, nil
}

// paywall emulates a resource server guarding one resource.
type paywall struct {
	lastTx       atomic.Value
	purchased    atomic.Bool
	rejectProofs atomic.Int32
	challenges   atomic.Int32
	nonces       atomic.Int32
}

func (p *paywall) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if p.purchased.Load() {
		_, _ = w.Write([]byte(`{"content":"secret"}`))
		return
	}

	if header := r.Header.Get(paygate.HeaderPayment); header != "" {
		payload, err := paygate.DecodePaymentHeader(header)
		if err == nil {
			p.lastTx.Store(payload.Payload.Transaction)
		}
		if err == nil && p.rejectProofs.Add(-1) < 0 {
			p.purchased.Store(true)
			resp, _ := paygate.EncodePaymentResponseHeader(paygate.SettleResponse{Success: true, TxHash: "0xfeed", Network: "polygon-amoy"})
			w.Header().Set(paygate.HeaderPaymentResponse, resp)
			_, _ = w.Write([]byte(`{"content":"secret"}`))
			return
		}
	}

	p.challenges.Add(1)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(paygate.PaymentRequired{
		X402Version: 1,
		Error:       "payment required",
		Accepts: []paygate.PaymentRequirements{
			{Scheme: "exact", Network: "base", Asset: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", PayTo: "0x2222222222222222222222222222222222222222", MaxAmountRequired: "2000"},
			{
				Scheme:            "exact",
				Network:           "polygon-amoy",
				Asset:             "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
				PayTo:             "0x2222222222222222222222222222222222222222",
				MaxAmountRequired: "2000",
				Resource:          "http://" + r.Host + r.URL.Path,
				Nonce:             string(rune('a' + p.nonces.Add(1))),
			},
		},
	})
}

func TestRequestResourcePaysThenReuses(t *testing.T) {
	t.Parallel()

	wall := &paywall{}
	srv := httptest.NewServer(wall)
	defer srv.Close()

	exec := &fakeExecutor{}
	c := NewClient(exec, stubPayer{}, WithPolicy(noWait))
	creds := Credentials{BearerToken: "token"}

	res, err := c.RequestResource(context.Background(), srv.URL+"/api/resources/r1/access", creds)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"content":"secret"}`, string(res.Body))
	require.NotNil(t, res.Settlement)
	assert.Equal(t, "0xfeed", res.Settlement.TxHash)
	assert.Equal(t, 1, exec.calls)

	res, err = c.RequestResource(context.Background(), srv.URL+"/api/resources/r1/access", creds)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Nil(t, res.Settlement)
	assert.Equal(t, 1, exec.calls)
}

func TestRequestResourceReusesProofWhileTermsUnchanged(t *testing.T) {
	t.Parallel()

	wall := &paywall{}
	wall.rejectProofs.Store(1)
	srv := httptest.NewServer(wall)
	defer srv.Close()

	exec := &fakeExecutor{}
	c := NewClient(exec, stubPayer{}, WithPolicy(noWait))

	res, err := c.RequestResource(context.Background(), srv.URL+"/r", Credentials{BearerToken: "token"})
	require.NoError(t, err)
	require.NotNil(t, res.Settlement)
	assert.Equal(t, 1, exec.calls)
}

func TestRequestResourceRetriesNonceConflictToBound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&paywall{})
	defer srv.Close()

	nonceErr := &paygate.OnChainError{Kind: paygate.NonceConflict, Err: errors.New("nonce too low")}
	exec := &fakeExecutor{errs: []error{nonceErr}}
	c := NewClient(exec, stubPayer{}, WithPolicy(noWait))

	_, err := c.RequestResource(context.Background(), srv.URL+"/r", Credentials{BearerToken: "token"})
	require.Error(t, err)

	var final *FinalFailure
	require.ErrorAs(t, err, &final)
	assert.Equal(t, 3, final.Attempts)
	assert.True(t, paygate.IsOnChainFailure(err, paygate.NonceConflict))
	assert.Equal(t, 3, exec.calls)
	assert.Equal(t, "Transaction failed due to a nonce conflict. Please try again.", paygate.UserMessage(err))
}

func TestRequestResourceRecoversFromNonceConflict(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&paywall{})
	defer srv.Close()

	exec := &fakeExecutor{errs: []error{&paygate.OnChainError{Kind: paygate.NonceConflict}, nil}}
	c := NewClient(exec, stubPayer{}, WithPolicy(noWait))

	res, err := c.RequestResource(context.Background(), srv.URL+"/r", Credentials{BearerToken: "token"})
	require.NoError(t, err)
	assert.NotNil(t, res.Settlement)
	assert.Equal(t, 2, exec.calls)
}

func TestRequestResourceStopsOnPermanentFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&paywall{})
	defer srv.Close()

	for _, kind := range []paygate.OnChainFailure{paygate.InsufficientFunds, paygate.Reverted} {
		exec := &fakeExecutor{errs: []error{&paygate.OnChainError{Kind: kind}}}
		c := NewClient(exec, stubPayer{}, WithPolicy(noWait))

		_, err := c.RequestResource(context.Background(), srv.URL+"/r", Credentials{BearerToken: "token"})
		var final *FinalFailure
		require.ErrorAs(t, err, &final)
		assert.Equal(t, 1, final.Attempts, kind.String())
		assert.True(t, paygate.IsOnChainFailure(err, kind))
		assert.Equal(t, 1, exec.calls)
	}
}

func TestRequestResourceUnauthorized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&paywall{})
	defer srv.Close()

	c := NewClient(&fakeExecutor{}, stubPayer{}, WithPolicy(noWait))
	_, err := c.RequestResource(context.Background(), srv.URL+"/r", Credentials{})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}

func TestRequestResourceRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	c := NewClient(&fakeExecutor{}, stubPayer{}, WithPolicy(noWait))
	res, err := c.RequestResource(context.Background(), srv.URL, Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.Body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRequestResourceRetriesThrottledProof(t *testing.T) {
	t.Parallel()

	wall := &paywall{}
	var throttled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(paygate.HeaderPayment) != "" && throttled.CompareAndSwap(false, true) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		wall.ServeHTTP(w, r)
	}))
	defer srv.Close()

	exec := &fakeExecutor{}
	c := NewClient(exec, stubPayer{}, WithPolicy(noWait))

	res, err := c.RequestResource(context.Background(), srv.URL+"/r", Credentials{BearerToken: "token"})
	require.NoError(t, err)
	assert.NotNil(t, res.Settlement)
	assert.Equal(t, 1, exec.calls)
}

func TestRequestResourceWithoutPayer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&paywall{})
	defer srv.Close()

	c := NewClient(&fakeExecutor{}, nil, WithPolicy(noWait))
	_, err := c.RequestResource(context.Background(), srv.URL+"/r", Credentials{BearerToken: "token"})

	var pe *paygate.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, paygate.ErrCodePaymentRequired, pe.Code)
}

func TestRequestResourceLooksUpTimedOutTransfer(t *testing.T) {
	t.Parallel()

	wall := &paywall{}
	srv := httptest.NewServer(wall)
	defer srv.Close()

	timeout := &paygate.OnChainError{Kind: paygate.Timeout, TxHash: pendingTx, Err: errors.New("not confirmed")}
	exec := &fakeExecutor{errs: []error{timeout, nil}}
	c := NewClient(exec, stubPayer{}, WithPolicy(noWait))

	res, err := c.RequestResource(context.Background(), srv.URL+"/r", Credentials{BearerToken: "token"})
	require.NoError(t, err)
	require.NotNil(t, res.Settlement)

	assert.Equal(t, 1, exec.calls, "a broadcast transfer must not be paid again")
	assert.Equal(t, 1, exec.resumeCalls)
	assert.Equal(t, pendingTx, exec.resumedTx)
	assert.Equal(t, pendingTx, wall.lastTx.Load())
}

func TestRequestResourceTimeoutStillPendingIsFinal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&paywall{})
	defer srv.Close()

	exec := &fakeExecutor{
		errs:      []error{&paygate.OnChainError{Kind: paygate.Timeout, TxHash: pendingTx}, nil},
		resumeErr: &paygate.OnChainError{Kind: paygate.Timeout, TxHash: pendingTx, Err: paygate.ErrTransferPending},
	}
	c := NewClient(exec, stubPayer{}, WithPolicy(noWait))

	_, err := c.RequestResource(context.Background(), srv.URL+"/r", Credentials{BearerToken: "token"})
	var final *FinalFailure
	require.ErrorAs(t, err, &final)
	assert.Equal(t, 2, final.Attempts)
	assert.True(t, paygate.IsOnChainFailure(err, paygate.Timeout))
	assert.ErrorIs(t, err, paygate.ErrTransferPending)
	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, 1, exec.resumeCalls)
	assert.Contains(t, paygate.UserMessage(err), "timed out")
}

func TestRequestResourceTimeoutOnLastAttempt(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&paywall{})
	defer srv.Close()

	exec := &fakeExecutor{errs: []error{&paygate.OnChainError{Kind: paygate.Timeout, TxHash: pendingTx}}}
	c := NewClient(exec, stubPayer{}, WithPolicy(retry.Policy{MaxAttempts: 1}))

	_, err := c.RequestResource(context.Background(), srv.URL+"/r", Credentials{BearerToken: "token"})
	require.Error(t, err)
	assert.True(t, paygate.IsOnChainFailure(err, paygate.Timeout))
	assert.Equal(t, 1, exec.calls)
	assert.Zero(t, exec.resumeCalls)
}

func TestRequestResourceRetriesTimeoutBeforeBroadcast(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&paywall{})
	defer srv.Close()

	// No hash: nothing reached the network, so paying again is safe.
	exec := &fakeExecutor{errs: []error{&paygate.OnChainError{Kind: paygate.Timeout}, nil}}
	c := NewClient(exec, stubPayer{}, WithPolicy(noWait))

	res, err := c.RequestResource(context.Background(), srv.URL+"/r", Credentials{BearerToken: "token"})
	require.NoError(t, err)
	assert.NotNil(t, res.Settlement)
	assert.Equal(t, 2, exec.calls)
	assert.Zero(t, exec.resumeCalls)
}

func TestRequestResourceFailureMessages(t *testing.T) {
	t.Parallel()

	wall := &paywall{}
	wall.rejectProofs.Store(100)
	srv := httptest.NewServer(wall)
	defer srv.Close()

	c := NewClient(&fakeExecutor{}, stubPayer{}, WithPolicy(noWait))
	_, err := c.RequestResource(context.Background(), srv.URL+"/r", Credentials{BearerToken: "token"})
	require.ErrorIs(t, err, ErrPaymentNotAccepted)
	assert.Equal(t, "Payment was not accepted. Payment is still required.", paygate.UserMessage(err))
	assert.Equal(t, paygate.ErrCodeSettlementFailed, paygate.ErrorCode(err))

	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()
	_, err = c.RequestResource(context.Background(), notFound.URL, Credentials{})
	assert.Equal(t, "Resource not found.", paygate.UserMessage(err))

	_, err = c.RequestResource(context.Background(), srv.URL+"/r", Credentials{})
	assert.Equal(t, "Unauthorized.", paygate.UserMessage(err))
}

func TestRequestResourceNoMatchingOption(t *testing.T) {
	t.Parallel()

	offer := func(accepts ...paygate.PaymentRequirements) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(paygate.PaymentRequired{X402Version: 1, Accepts: accepts})
		}))
	}

	upto := offer(paygate.PaymentRequirements{Scheme: "upto", Network: "polygon-amoy"})
	defer upto.Close()
	base := offer(paygate.PaymentRequirements{Scheme: "exact", Network: "base"})
	defer base.Close()

	c := NewClient(&fakeExecutor{}, stubPayer{}, WithPolicy(noWait))

	var pe *paygate.PaymentError
	_, err := c.RequestResource(context.Background(), upto.URL, Credentials{})
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, paygate.ErrCodeSchemeMismatch, pe.Code)

	_, err = c.RequestResource(context.Background(), base.URL, Credentials{})
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, paygate.ErrCodeNetworkMismatch, pe.Code)
}
