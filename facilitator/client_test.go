package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/retry"
)

func testPayload() paygate.PaymentPayload {
	return paygate.PaymentPayload{
		X402Version: 1,
		Scheme:      paygate.SchemeExact,
		Network:     "polygon-amoy",
		Payload: &paygate.ExactPayload{
			Transaction: "0xabc",
			From:        "0x1111111111111111111111111111111111111111",
			To:          "0x2222222222222222222222222222222222222222",
			Value:       "2000",
			Asset:       "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
			Nonce:       "n-1",
			Signature:   "0xsig",
		},
	}
}

func testRequirements() paygate.PaymentRequirements {
	return paygate.PaymentRequirements{
		Scheme:            paygate.SchemeExact,
		Network:           "polygon-amoy",
		Asset:             "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		PayTo:             "0x2222222222222222222222222222222222222222",
		MaxAmountRequired: "2000",
		MaxTimeoutSeconds: 300,
		Resource:          "http://localhost/api/resources/r1/access",
		Nonce:             "n-2",
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc, auth AuthProvider) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{URL: srv.URL + "/", AuthProvider: auth})
	require.NoError(t, err)
	return c
}

func TestClientVerify(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		var body paygate.VerifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 1, body.X402Version)
		assert.Equal(t, "0xabc", body.PaymentPayload.Payload.Transaction)
		assert.Equal(t, "2000", body.PaymentRequirements.MaxAmountRequired)

		_ = json.NewEncoder(w).Encode(paygate.VerifyResponse{IsValid: true, Payer: "0x11"})
	}, BearerAuth("k"))

	resp, err := c.Verify(context.Background(), testPayload(), testRequirements())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, "0x11", resp.Payer)
}

func TestClientVerifyErrors(t *testing.T) {
	t.Parallel()

	rejected := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"isValid":false,"invalidReason":"invalid_signature"}`))
	}, nil)
	_, err := rejected.Verify(context.Background(), testPayload(), testRequirements())
	var verdict *VerdictError
	require.ErrorAs(t, err, &verdict)
	assert.Equal(t, "invalid_signature", verdict.Reason)

	broken := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}, nil)
	_, err = broken.Verify(context.Background(), testPayload(), testRequirements())
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusBadGateway, status.StatusCode)
}

func TestClientSettle(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/settle", r.URL.Path)
		_ = json.NewEncoder(w).Encode(paygate.SettleResponse{Success: true, Transaction: "0xfeed", Network: "polygon-amoy"})
	}, nil)

	resp, err := c.Settle(context.Background(), testPayload(), testRequirements())
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", resp.Reference())
}

func TestClientSupportedRetriesRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/supported", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(paygate.SupportedResponse{Kinds: []paygate.SupportedKind{
			{X402Version: 1, Scheme: "exact", Network: "polygon-amoy"},
		}})
	}, nil)
	c.supportedPolicy = retry.Policy{MaxAttempts: 3}

	resp, err := c.Supported(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Kinds, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientSupportedDoesNotRetryOtherErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)
	c.supportedPolicy = retry.Policy{MaxAttempts: 3}

	_, err := c.Supported(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewClientRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{})
	assert.Error(t, err)
}
