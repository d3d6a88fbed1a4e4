// Command paygate runs the payment-gated access server.
//
// Usage:
//
//	paygate serve     start the HTTP server (default)
//	paygate migrate   apply database migrations and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gingonic "github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/challenge"
	"github.com/x402-foundation/paygate/config"
	"github.com/x402-foundation/paygate/custody"
	"github.com/x402-foundation/paygate/executor"
	"github.com/x402-foundation/paygate/facilitator"
	"github.com/x402-foundation/paygate/gate"
	"github.com/x402-foundation/paygate/http/gin"
	"github.com/x402-foundation/paygate/identity"
	"github.com/x402-foundation/paygate/metrics"
	"github.com/x402-foundation/paygate/secretstore"
	"github.com/x402-foundation/paygate/session"
	"github.com/x402-foundation/paygate/signers/evm"
	"github.com/x402-foundation/paygate/store/postgres"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = migrate(ctx, cfg, logger)
	default:
		err = fmt.Errorf("unknown command %q (want serve or migrate)", cmd)
	}
	if err != nil {
		logger.Error("paygate exited with error", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func migrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	secrets, err := secretstore.New(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	sessions, err := session.NewManager(cfg.JWTSecret, cfg.SessionTTL)
	if err != nil {
		return err
	}
	network, err := paygate.GetNetworkConfig(cfg.Network)
	if err != nil {
		return err
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}
	users := postgres.NewUserRepository(db)
	resources := postgres.NewResourceRepository(db)
	ledger := postgres.NewPurchaseLedger(db)

	rpc, err := evm.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}
	defer rpc.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	facilitatorClient, err := facilitator.NewClient(facilitator.Config{
		URL:     cfg.FacilitatorURL,
		Timeout: cfg.FacilitatorTimeout,
	})
	if err != nil {
		return err
	}
	checkFacilitator(ctx, facilitatorClient, cfg.Network, logger)

	verifier := facilitator.NewVerifier(facilitatorClient,
		facilitator.WithLogger(logger),
		facilitator.WithSettlementCache(facilitator.NewSettlementCache(cfg.SettlementCacheTTL)),
	)
	builder, err := challenge.NewBuilder(challenge.Config{
		Network:           cfg.Network,
		BaseURL:           cfg.AppURL,
		MaxTimeoutSeconds: cfg.ChallengeTimeoutSeconds,
	})
	if err != nil {
		return err
	}

	custodian := custody.NewCustodian(secrets, rpc, cfg.Network, evm.WithConfirmTimeout(cfg.ConfirmTimeout))
	purchaser := custody.NewPurchaser(custodian, executor.New(executor.WithLogger(logger)), cfg.AppURL,
		custody.WithLogger(logger),
		custody.WithRecorder(collector),
	)

	limiter := gin.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go sweepLimiter(ctx, limiter)

	gingonic.SetMode(gingonic.ReleaseMode)
	server := gin.NewServer(gin.Deps{
		Auth:      identity.NewProvisioner(users, secrets, identity.WithLogger(logger)),
		Sessions:  sessions,
		Users:     users,
		Resources: resources,
		Gate:      gate.New(resources, ledger, builder, verifier, gate.WithLogger(logger), gate.WithObserver(collector)),
		Purchaser: purchaser,
		Custodian: custodian,
		Balances:  evm.NewBalanceReader(rpc),
		Network:   network,
	},
		gin.WithLogger(logger),
		gin.WithMetrics(collector, registry),
		gin.WithRateLimiter(limiter),
	)

	httpServer := server.NewHTTPServer(cfg.Addr())
	errCh := make(chan error, 1)
	go func() {
		logger.Info("paygate listening",
			"addr", httpServer.Addr,
			"network", cfg.Network,
			"facilitator", cfg.FacilitatorURL,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// checkFacilitator logs whether the facilitator settles on our network.
// The server still starts when it cannot be reached.
func checkFacilitator(ctx context.Context, client *facilitator.Client, network string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	supported, err := client.Supported(ctx)
	if err != nil {
		logger.Warn("facilitator /supported check failed", "url", client.URL(), "error", err)
		return
	}
	for _, kind := range supported.Kinds {
		if kind.Scheme == paygate.SchemeExact && kind.Network == network {
			logger.Info("facilitator supports network", "network", network)
			return
		}
	}
	logger.Warn("facilitator does not list network", "network", network, "kinds", len(supported.Kinds))
}

func sweepLimiter(ctx context.Context, l *gin.RateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
