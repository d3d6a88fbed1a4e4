// Package gin serves the paygate HTTP API with gin.
package gin

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/gate"
	paidhttp "github.com/x402-foundation/paygate/http"
	"github.com/x402-foundation/paygate/identity"
	"github.com/x402-foundation/paygate/metrics"
	"github.com/x402-foundation/paygate/session"
	"github.com/x402-foundation/paygate/store"
)

// Authenticator provisions or logs in users by external credential.
type Authenticator interface {
	Authenticate(ctx context.Context, credentialID string) (identity.Result, error)
}

// AccessChecker decides access to resources.
type AccessChecker interface {
	CheckAccess(ctx context.Context, userID, resourceID, proofHeader string) (gate.Decision, error)
}

// Purchaser pays for a resource on behalf of a user.
type Purchaser interface {
	Purchase(ctx context.Context, u store.User, resourceID, token string) (*paidhttp.Result, error)
}

// KeyCustodian exposes a user's custodial signing key.
type KeyCustodian interface {
	PrivateKey(u store.User) (string, error)
}

// BalanceReader reads wallet balances.
type BalanceReader interface {
	NativeBalance(ctx context.Context, account string) (*big.Int, error)
	TokenBalance(ctx context.Context, token, account string) (*big.Int, uint8, error)
}

// Deps are the collaborators the handlers call into. Purchaser, Custodian
// and Balances are optional; their endpoints answer 501 without them.
type Deps struct {
	Auth      Authenticator
	Sessions  *session.Manager
	Users     store.UserRepository
	Resources store.ResourceRepository
	Gate      AccessChecker
	Purchaser Purchaser
	Custodian KeyCustodian
	Balances  BalanceReader
	Network   paygate.NetworkConfig
}

// Server holds the gin engine and its dependencies.
type Server struct {
	deps     Deps
	engine   *gin.Engine
	logger   *slog.Logger
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
	limiter  *RateLimiter
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics instruments requests with c and serves gatherer on /metrics.
func WithMetrics(c *metrics.Collector, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = c
		s.gatherer = gatherer
	}
}

// WithRateLimiter limits requests per client address.
func WithRateLimiter(l *RateLimiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

func NewServer(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:   deps,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	if s.metrics != nil {
		r.Use(s.instrument())
	}

	// Anonymous routes are limited per client address. Authenticated ones
	// are limited per user, so custodial purchases looping back through
	// the server do not share a bucket with every other caller.
	public := r.Group("", s.rateLimit(clientKey))
	public.GET("/health", s.handleHealth)
	if s.gatherer != nil {
		public.GET("/metrics", gin.WrapH(metrics.Handler(s.gatherer)))
	}

	api := r.Group("/api")
	api.POST("/auth/nfc", s.rateLimit(clientKey), s.handleAuthNFC)

	authed := api.Group("", s.requireAuth(), s.rateLimit(userKey))
	authed.GET("/resources", s.handleListResources)
	authed.POST("/resources", s.handleCreateResource)
	authed.GET("/resources/:id/access", s.handleAccess)
	authed.POST("/resources/:id/purchase", s.handlePurchase)
	authed.GET("/wallet/balance", s.handleBalance)
	authed.GET("/wallet/private-key", s.handlePrivateKey)

	s.engine = r
	return s
}

func (s *Server) rateLimit(key func(*gin.Context) string) gin.HandlerFunc {
	if s.limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return s.limiter.Middleware(key)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// NewHTTPServer wraps the handler with the timeouts used in production.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		// Purchases wait for on-chain confirmation.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"network": s.deps.Network.Name,
	})
}
