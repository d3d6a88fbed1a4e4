// Package facilitator talks to an x402 settlement facilitator and turns its
// verdicts into settlement outcomes.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/retry"
)

// DefaultTimeout bounds every facilitator request.
const DefaultTimeout = 30 * time.Second

// supportedPolicy retries /supported on 429 with exponential backoff.
var supportedPolicy = retry.Policy{MaxAttempts: 3, Backoff: retry.Exponential(time.Second, 4*time.Second)}

// AuthProvider generates authentication headers for facilitator requests.
type AuthProvider interface {
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers per facilitator endpoint.
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// Config configures the HTTP facilitator client.
type Config struct {
	// URL is the base URL of the facilitator service.
	URL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional).
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s).
	Timeout time.Duration
}

// VerdictError is a non-2xx facilitator response that still carried a
// reason. Callers treat it as a rejection rather than an outage.
type VerdictError struct {
	Endpoint   string
	StatusCode int
	Reason     string
}

func (e *VerdictError) Error() string {
	return fmt.Sprintf("facilitator %s rejected payment (%d): %s", e.Endpoint, e.StatusCode, e.Reason)
}

// StatusError is a non-2xx facilitator response without a usable body.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("facilitator %s failed (%d): %s", e.Endpoint, e.StatusCode, e.Body)
}

// Client is an HTTP facilitator client.
type Client struct {
	url             string
	httpClient      *http.Client
	authProvider    AuthProvider
	supportedPolicy retry.Policy
}

var _ paygate.FacilitatorClient = (*Client)(nil)

func NewClient(config Config) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("facilitator URL is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		url:             strings.TrimRight(config.URL, "/"),
		httpClient:      httpClient,
		authProvider:    config.AuthProvider,
		supportedPolicy: supportedPolicy,
	}, nil
}

// URL returns the facilitator base URL.
func (c *Client) URL() string {
	return c.url
}

// Verify checks a payment proof against the expected requirements.
func (c *Client) Verify(ctx context.Context, payload paygate.PaymentPayload, requirements paygate.PaymentRequirements) (*paygate.VerifyResponse, error) {
	status, body, err := c.post(ctx, "/verify", payload, requirements, func(h AuthHeaders) map[string]string { return h.Verify })
	if err != nil {
		return nil, err
	}

	var resp paygate.VerifyResponse
	decodeErr := json.Unmarshal(body, &resp)
	if status != http.StatusOK {
		if decodeErr == nil && resp.InvalidReason != "" {
			return nil, &VerdictError{Endpoint: "verify", StatusCode: status, Reason: resp.InvalidReason}
		}
		return nil, &StatusError{Endpoint: "verify", StatusCode: status, Body: string(body)}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", decodeErr)
	}
	return &resp, nil
}

// Settle asks the facilitator to settle a verified proof.
func (c *Client) Settle(ctx context.Context, payload paygate.PaymentPayload, requirements paygate.PaymentRequirements) (*paygate.SettleResponse, error) {
	status, body, err := c.post(ctx, "/settle", payload, requirements, func(h AuthHeaders) map[string]string { return h.Settle })
	if err != nil {
		return nil, err
	}

	var resp paygate.SettleResponse
	decodeErr := json.Unmarshal(body, &resp)
	if status != http.StatusOK {
		if decodeErr == nil && resp.Reason() != "" {
			return nil, &VerdictError{Endpoint: "settle", StatusCode: status, Reason: resp.Reason()}
		}
		return nil, &StatusError{Endpoint: "settle", StatusCode: status, Body: string(body)}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode settle response: %w", decodeErr)
	}
	return &resp, nil
}

// Supported lists the payment kinds the facilitator accepts. Rate limited
// responses are retried with exponential backoff.
func (c *Client) Supported(ctx context.Context) (*paygate.SupportedResponse, error) {
	var out *paygate.SupportedResponse

	err := retry.Do(ctx, c.supportedPolicy, func(ctx context.Context, _ int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
		if err != nil {
			return fmt.Errorf("failed to create supported request: %w", err)
		}
		req.Header.Set("Content-Type", paygate.MimeTypeJSON)
		if err := c.applyAuth(ctx, req, func(h AuthHeaders) map[string]string { return h.Supported }); err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("supported request failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return &StatusError{Endpoint: "supported", StatusCode: resp.StatusCode, Body: string(body)}
		}

		var supported paygate.SupportedResponse
		if err := json.Unmarshal(body, &supported); err != nil {
			return fmt.Errorf("failed to decode supported response: %w", err)
		}
		out = &supported
		return nil
	}, func(err error) bool {
		var se *StatusError
		return errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(
	ctx context.Context,
	path string,
	payload paygate.PaymentPayload,
	requirements paygate.PaymentRequirements,
	headers func(AuthHeaders) map[string]string,
) (int, []byte, error) {
	body, err := json.Marshal(paygate.VerifyRequest{
		X402Version:         paygate.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", paygate.MimeTypeJSON)
	if err := c.applyAuth(ctx, req, headers); err != nil {
		return 0, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, responseBody, nil
}

func (c *Client) applyAuth(ctx context.Context, req *http.Request, pick func(AuthHeaders) map[string]string) error {
	if c.authProvider == nil {
		return nil
	}
	authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth headers: %w", err)
	}
	for k, v := range pick(authHeaders) {
		req.Header.Set(k, v)
	}
	return nil
}

// BearerAuth sends the same bearer token to every endpoint.
type BearerAuth string

func (b BearerAuth) GetAuthHeaders(context.Context) (AuthHeaders, error) {
	h := map[string]string{"Authorization": "Bearer " + string(b)}
	return AuthHeaders{Verify: h, Settle: h, Supported: h}, nil
}
