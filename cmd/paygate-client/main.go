// Command paygate-client fetches a paid resource, paying from its own key
// when the server answers with a payment challenge.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/executor"
	paidhttp "github.com/x402-foundation/paygate/http"
	"github.com/x402-foundation/paygate/retry"
	"github.com/x402-foundation/paygate/signers/evm"
)

// Result is printed as JSON on stdout.
type Result struct {
	Success    bool                    `json:"success"`
	StatusCode int                     `json:"status_code,omitempty"`
	Data       json.RawMessage         `json:"data,omitempty"`
	Settlement *paygate.SettleResponse `json:"payment_response,omitempty"`
	Attempts   int                     `json:"attempts,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

func main() {
	_ = godotenv.Load()

	var (
		serverURL = flag.String("server", envOr("PAYGATE_URL", "http://localhost:8080"), "paygate server URL")
		nfcID     = flag.String("nfc", os.Getenv("NFC_ID"), "external credential used to log in")
		network   = flag.String("network", envOr("X402_NETWORK", "polygon-amoy"), "network to pay on")
		rpcURL    = flag.String("rpc", os.Getenv("RPC_URL"), "JSON-RPC endpoint")
		attempts  = flag.Int("attempts", retry.Default.MaxAttempts, "maximum payment attempts")
		timeout   = flag.Duration("timeout", 3*time.Minute, "overall timeout")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: paygate-client [flags] <resource-id>")
		os.Exit(2)
	}
	privateKey := os.Getenv("PAYER_PRIVATE_KEY")
	if privateKey == "" || *nfcID == "" || *rpcURL == "" {
		fmt.Fprintln(os.Stderr, "PAYER_PRIVATE_KEY, -nfc and -rpc are required")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res := run(ctx, logger, *serverURL, *nfcID, *network, *rpcURL, privateKey, flag.Arg(0), *attempts)
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	if !res.Success {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, serverURL, nfcID, network, rpcURL, privateKey, resourceID string, attempts int) Result {
	serverURL = strings.TrimRight(serverURL, "/")

	token, err := login(ctx, serverURL, nfcID)
	if err != nil {
		return Result{Error: err.Error()}
	}

	rpc, err := evm.Dial(ctx, rpcURL)
	if err != nil {
		return Result{Error: err.Error()}
	}
	defer rpc.Close()

	payer, err := evm.NewPayer(privateKey, rpc, network)
	if err != nil {
		return Result{Error: err.Error()}
	}
	logger.Info("paying from", "address", payer.Address(), "network", network)

	policy := retry.Default
	policy.MaxAttempts = attempts
	client := paidhttp.NewClient(executor.New(executor.WithLogger(logger)), payer,
		paidhttp.WithPolicy(policy),
		paidhttp.WithLogger(logger),
	)

	url := fmt.Sprintf("%s/api/resources/%s/access", serverURL, resourceID)
	resp, err := client.RequestResource(ctx, url, paidhttp.Credentials{BearerToken: token})
	if err != nil {
		r := Result{Error: paygate.UserMessage(err)}
		var ff *paidhttp.FinalFailure
		if errors.As(err, &ff) {
			r.Attempts = ff.Attempts
		}
		logger.Error("request failed", "error", err)
		return r
	}

	return Result{
		Success:    true,
		StatusCode: resp.StatusCode,
		Data:       resp.Body,
		Settlement: resp.Settlement,
	}
}

func login(ctx context.Context, serverURL, nfcID string) (string, error) {
	body, err := json.Marshal(map[string]string{"nfcId": nfcID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/api/auth/nfc", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("login failed with status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode login response: %w", err)
	}
	return out.Token, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
