// Package echo guards echo routes with the paygate access gate.
package echo

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/gate"
)

const contentKey = "paygate.content"

// AccessChecker decides access to resources.
type AccessChecker interface {
	CheckAccess(ctx context.Context, userID, resourceID, proofHeader string) (gate.Decision, error)
}

// Identify returns the authenticated user of a request. An error answers
// the request with 401.
type Identify func(c echo.Context) (string, error)

type options struct {
	param  string
	logger *slog.Logger
}

// Option configures the middleware.
type Option func(*options)

// WithResourceParam names the path parameter holding the resource id.
// Defaults to "id".
func WithResourceParam(name string) Option {
	return func(o *options) {
		o.param = name
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// AccessGate only lets a request through once the caller owns the resource
// named in the path or pays for it with an X-PAYMENT proof. The granted
// content is available to the next handler through Content.
func AccessGate(checker AccessChecker, identify Identify, opts ...Option) echo.MiddlewareFunc {
	o := &options{param: "id", logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, err := identify(c)
			if err != nil || userID == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			req := c.Request()
			decision, err := checker.CheckAccess(req.Context(), userID, c.Param(o.param), req.Header.Get(paygate.HeaderPayment))
			if err != nil {
				o.logger.ErrorContext(req.Context(), "access check failed", "error", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "An internal server error occurred"})
			}

			switch decision.Outcome {
			case gate.Granted:
				if decision.Settlement != nil {
					header, err := paygate.EncodePaymentResponseHeader(*decision.Settlement)
					if err != nil {
						return err
					}
					c.Response().Header().Set(paygate.HeaderPaymentResponse, header)
				}
				c.Set(contentKey, decision.Content)
				return next(c)
			case gate.NotFound:
				return c.JSON(http.StatusNotFound, map[string]string{"error": "Resource not found"})
			default:
				return c.JSON(http.StatusPaymentRequired, paygate.PaymentRequired{
					X402Version: paygate.X402Version,
					Error:       "X-PAYMENT header is required",
					Accepts:     []paygate.PaymentRequirements{*decision.Challenge},
				})
			}
		}
	}
}

// Content returns the content granted by AccessGate.
func Content(c echo.Context) string {
	s, _ := c.Get(contentKey).(string)
	return s
}
