// Package http provides a paying HTTP client for x402 protected resources.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/retry"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 10 << 20

// PaymentExecutor pays a challenge and returns the proof.
type PaymentExecutor interface {
	Pay(ctx context.Context, requirements paygate.PaymentRequirements, payer paygate.Payer) (paygate.PaymentPayload, error)

	// Resume returns the proof for a transfer an earlier Pay submitted but
	// could not confirm. It must not submit a new transfer.
	Resume(ctx context.Context, requirements paygate.PaymentRequirements, payer paygate.Payer, txHash string) (paygate.PaymentPayload, error)
}

// Credentials authenticate the caller to the resource server.
type Credentials struct {
	BearerToken string
}

// Result is a successfully fetched resource.
type Result struct {
	StatusCode int
	Body       []byte
	// Settlement is the decoded X-PAYMENT-RESPONSE header. It is nil when
	// the caller already had access.
	Settlement *paygate.SettleResponse
}

// StatusError is an unexpected response status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus implements paygate.StatusCoder.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// ErrPaymentNotAccepted means the server answered a request carrying a proof
// with a new challenge.
var ErrPaymentNotAccepted = paygate.ErrPaymentNotAccepted

// awaitingConfirmation is a transfer that was broadcast but not confirmed.
// The next attempt looks it up instead of paying again.
type awaitingConfirmation struct {
	err *paygate.OnChainError
}

func (e *awaitingConfirmation) Error() string { return e.err.Error() }

func (e *awaitingConfirmation) Unwrap() error { return e.err }

// FinalFailure is returned once the client gives up on a request.
type FinalFailure struct {
	Attempts int
	Err      error
}

func (e *FinalFailure) Error() string {
	return fmt.Sprintf("request failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *FinalFailure) Unwrap() error { return e.Err }

// Client fetches x402 protected resources, paying for them when challenged
// and retrying transient failures.
type Client struct {
	httpClient *http.Client
	executor   PaymentExecutor
	payer      paygate.Payer
	policy     retry.Policy
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithPolicy replaces retry.Default.
func WithPolicy(p retry.Policy) Option {
	return func(cl *Client) {
		cl.policy = p
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// NewClient returns a client that pays challenges with payer. A nil payer
// makes every challenge a final failure.
func NewClient(executor PaymentExecutor, payer paygate.Payer, opts ...Option) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		executor:   executor,
		payer:      payer,
		policy:     retry.Default,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestResource fetches url. A payment made in one attempt is reused by
// later attempts for as long as the server keeps asking for the same terms,
// so a confirmed transfer is never paid twice. A transfer whose confirmation
// timed out is looked up on the next attempt and never paid again; if it is
// still unconfirmed the Timeout is final.
func (c *Client) RequestResource(ctx context.Context, url string, creds Credentials) (*Result, error) {
	var (
		proof      *paygate.PaymentPayload
		proofTerms paygate.PaymentRequirements
		pending    *paygate.OnChainError
		pendTerms  paygate.PaymentRequirements
		result     *Result
		attempts   int
	)

	err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		logger := c.logger.With("url", url, "attempt", attempt)

		resp, err := c.send(ctx, url, creds, proof)
		if err != nil {
			return err
		}

		if resp.status == http.StatusPaymentRequired {
			required, err := decodePaymentRequired(resp.body)
			if err != nil {
				return err
			}
			terms, err := c.selectRequirements(required)
			if err != nil {
				return err
			}
			if proof != nil && proofTerms.SameTerms(terms) {
				logger.InfoContext(ctx, "payment proof not accepted yet", "reason", required.Error)
				return ErrPaymentNotAccepted
			}

			var payload paygate.PaymentPayload
			if pending != nil {
				if !pendTerms.SameTerms(terms) {
					logger.WarnContext(ctx, "terms changed while a payment is unconfirmed", "tx_hash", pending.TxHash)
					return pending
				}
				logger.InfoContext(ctx, "looking up unconfirmed payment", "tx_hash", pending.TxHash)
				payload, err = c.executor.Resume(ctx, terms, c.payer, pending.TxHash)
			} else {
				logger.InfoContext(ctx, "payment required", "amount", terms.MaxAmountRequired, "asset", terms.Asset, "network", terms.Network)
				payload, err = c.executor.Pay(ctx, terms, c.payer)
			}
			if err != nil {
				var oe *paygate.OnChainError
				if pending == nil && errors.As(err, &oe) && oe.Kind == paygate.Timeout && oe.TxHash != "" {
					pending, pendTerms = oe, terms
					return &awaitingConfirmation{err: oe}
				}
				return err
			}
			proof, proofTerms = &payload, terms

			resp, err = c.send(ctx, url, creds, proof)
			if err != nil {
				return err
			}
		}

		switch {
		case resp.status >= 200 && resp.status < 300:
			result = &Result{StatusCode: resp.status, Body: resp.body}
			if header := resp.header.Get(paygate.HeaderPaymentResponse); header != "" {
				settlement, err := paygate.DecodePaymentResponseHeader(header)
				if err != nil {
					logger.WarnContext(ctx, "undecodable payment response header", "error", err)
				} else {
					result.Settlement = &settlement
				}
			}
			return nil
		case resp.status == http.StatusPaymentRequired:
			return ErrPaymentNotAccepted
		default:
			return &StatusError{StatusCode: resp.status, Body: truncate(resp.body)}
		}
	}, Retryable)
	if err != nil {
		return nil, &FinalFailure{Attempts: attempts, Err: err}
	}
	return result, nil
}

// Retryable reports whether a request that failed with err may succeed when
// tried again.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	var ac *awaitingConfirmation
	if errors.As(err, &ac) {
		return true
	}

	var oe *paygate.OnChainError
	if errors.As(err, &oe) {
		return oe.Retryable()
	}

	var pe *paygate.PaymentError
	if errors.As(err, &pe) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= http.StatusInternalServerError
	}

	return true
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) send(ctx context.Context, url string, creds Credentials, proof *paygate.PaymentPayload) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &paygate.PaymentError{Code: paygate.ErrCodeInvalidPayment, Message: fmt.Sprintf("invalid request: %v", err)}
	}
	req.Header.Set("Accept", paygate.MimeTypeJSON)
	if creds.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+creds.BearerToken)
	}
	if proof != nil {
		header, err := paygate.EncodePaymentHeader(*proof)
		if err != nil {
			return nil, err
		}
		req.Header.Set(paygate.HeaderPayment, header)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

func (c *Client) selectRequirements(required paygate.PaymentRequired) (paygate.PaymentRequirements, error) {
	if c.payer == nil {
		return paygate.PaymentRequirements{}, paygate.NewPaymentError(paygate.ErrCodePaymentRequired, "payment required but no payer is configured", nil)
	}
	exact := false
	for _, r := range required.Accepts {
		if r.Scheme != paygate.SchemeExact {
			continue
		}
		exact = true
		if r.Network == c.payer.Network() {
			return r, nil
		}
	}
	if !exact {
		return paygate.PaymentRequirements{}, paygate.NewPaymentError(paygate.ErrCodeSchemeMismatch,
			"the server offers no exact payment option", nil)
	}
	return paygate.PaymentRequirements{}, paygate.NewPaymentError(paygate.ErrCodeNetworkMismatch,
		fmt.Sprintf("no exact payment option on %s", c.payer.Network()), nil)
}

func decodePaymentRequired(body []byte) (paygate.PaymentRequired, error) {
	var required paygate.PaymentRequired
	if err := json.Unmarshal(body, &required); err != nil {
		return paygate.PaymentRequired{}, fmt.Errorf("failed to decode payment requirements: %w", err)
	}
	if required.X402Version != paygate.X402Version {
		return paygate.PaymentRequired{}, paygate.NewPaymentError(paygate.ErrCodeInvalidPayment,
			fmt.Sprintf("unsupported x402 version: %d", required.X402Version), nil)
	}
	return required, nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
