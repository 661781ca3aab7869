package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/api"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/audit"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/config"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/dispatch"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. Exit codes: 0 success, 1 command
// failed, 2 usage or runtime error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "sweep":
		return runSweepCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(args[2:], stdout, stderr)
	case "revoke":
		return runRevokeCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "signing-key":
		return runSigningKeyCmd(args[2:], stdout, stderr)
	case "audit-verify":
		return runAuditVerifyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: autonomyd <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	for _, c := range [][2]string{
		{"serve", "Run the HTTP API and the periodic spot-check sweep (default)"},
		{"sweep", "Run one spot-check sweep and exit"},
		{"verify", "Verify an agent (--agent, --webhook)"},
		{"status", "Show an agent's verification status (--agent)"},
		{"revoke", "Revoke an agent's verification (--agent, --reason)"},
		{"health", "Check server health (--addr)"},
		{"signing-key", "Print the webhook signing key to hand to an agent (--agent)"},
		{"audit-verify", "Check the stored audit log is one unbroken hash chain"},
		{"help", "Show this help"},
	} {
		_, _ = fmt.Fprintf(w, "  %-12s %s\n", c[0], c[1])
	}
}

// withApp loads configuration, installs the JSON logger and runs fn
// against a wired app.
func withApp(ctx context.Context, stderr io.Writer, fn func(ctx context.Context, a *app) int) int {
	cfg := config.Load()
	setupLogging(cfg, stderr)

	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(shutdownCtx)
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var rps float64
	var burst int
	cmd.Float64Var(&rps, "rate-limit", 20, "Per-IP request rate limit (requests/second)")
	cmd.IntVar(&burst, "burst", 40, "Per-IP burst size")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, stderr, func(ctx context.Context, a *app) int {
		limiter := api.NewRateLimiter(rps, burst)
		go limiter.Run(ctx)
		go sweepLoop(ctx, a)

		srv := &http.Server{
			Addr:              ":" + a.cfg.Port,
			Handler:           a.server(limiter).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		slog.Info("autonomy engine listening", "addr", srv.Addr, "store", a.cfg.StoreDriver)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				slog.Error("server failed", "error", err)
				return 1
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("server shutdown failed", "error", err)
				return 1
			}
		}
		slog.Info("autonomy engine stopped")
		return 0
	})
}

// sweepLoop runs a spot-check sweep every SweepInterval until ctx is done.
func sweepLoop(ctx context.Context, a *app) {
	if a.cfg.SweepInterval <= 0 {
		return
	}
	t := time.NewTicker(a.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "spot check sweep failed", "error", err)
			}
		}
	}
}

func runSweepCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sweep", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	return withApp(context.Background(), stderr, func(ctx context.Context, a *app) int {
		report, err := a.sweeper.Sweep(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: sweep failed: %v\n", err)
			return 1
		}
		printJSON(stdout, report)
		return 0
	})
}

// runVerifyCmd registers the agent when a webhook is given, then runs a
// full verification session in the foreground.
//
// Exit codes:
//
//	0 = session passed
//	1 = session failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var agentID, webhook, username, model string
	cmd.StringVar(&agentID, "agent", "", "Agent ID (REQUIRED)")
	cmd.StringVar(&webhook, "webhook", "", "Agent webhook URL; registers or updates the agent")
	cmd.StringVar(&username, "username", "", "Agent username, used when registering")
	cmd.StringVar(&model, "model", "", "Agent model, used when registering")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if agentID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --agent is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, stderr, func(ctx context.Context, a *app) int {
		if webhook != "" {
			if err := registerAgent(ctx, a, agentID, webhook, username, model); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
		}

		session, err := a.engine.StartSession(ctx, agentID, webhook)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if session == nil {
			_, _ = fmt.Fprintf(stderr, "Error: unknown agent %s (pass --webhook to register it)\n", agentID)
			return 2
		}

		res, err := a.engine.RunSession(ctx, session.ID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: session %s: %v\n", session.ID, err)
			return 2
		}
		printJSON(stdout, res)
		if !res.Passed {
			return 1
		}
		return 0
	})
}

// registerAgent creates the agent or updates its webhook. Username and model
// only overwrite the stored profile when given.
func registerAgent(ctx context.Context, a *app, agentID, webhook, username, model string) error {
	existing, err := a.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	profile := &contracts.Agent{
		ID:    agentID,
		Trust: contracts.TrustState{TrustTier: contracts.TierSpawn},
	}
	if existing != nil {
		profile = existing
	}
	profile.WebhookURL = webhook
	if username != "" {
		profile.Username = username
	}
	if model != "" {
		profile.Model = model
	}
	return a.store.UpsertAgent(ctx, profile)
}

func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var agentID string
	cmd.StringVar(&agentID, "agent", "", "Agent ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if agentID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --agent is required")
		return 2
	}
	return withApp(context.Background(), stderr, func(ctx context.Context, a *app) int {
		status, err := a.trust.GetVerificationStatus(ctx, agentID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		printJSON(stdout, status)
		return 0
	})
}

func runRevokeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("revoke", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var agentID, reason string
	cmd.StringVar(&agentID, "agent", "", "Agent ID (REQUIRED)")
	cmd.StringVar(&reason, "reason", "manual", "Revocation reason")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if agentID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --agent is required")
		return 2
	}
	return withApp(context.Background(), stderr, func(ctx context.Context, a *app) int {
		revoked, err := a.trust.RevokeVerification(ctx, agentID, reason)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		printJSON(stdout, map[string]bool{"revoked": revoked})
		if !revoked {
			return 1
		}
		return 0
	})
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var addr string
	cmd.StringVar(&addr, "addr", "", "Server base URL (default http://localhost:$PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if addr == "" {
		addr = "http://localhost:" + config.Load().Port
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/healthz")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}

// runSigningKeyCmd prints the hex HMAC key an agent uses to verify the
// X-Autonomy-Signature header of its challenges.
func runSigningKeyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("signing-key", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var agentID string
	cmd.StringVar(&agentID, "agent", "", "Agent ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if agentID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --agent is required")
		return 2
	}
	secret := config.Load().WebhookSigningSecret
	if secret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: WEBHOOK_SIGNING_SECRET is not set")
		return 2
	}
	key, err := dispatch.AgentSigningKey([]byte(secret), agentID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, hex.EncodeToString(key))
	return 0
}

// runAuditVerifyCmd walks the persisted audit log from genesis.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runAuditVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit-verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	return withApp(context.Background(), stderr, func(ctx context.Context, a *app) int {
		n, err := audit.VerifyStored(ctx, a.store, 0)
		if errors.Is(err, audit.ErrChainBroken) {
			_, _ = fmt.Fprintf(stderr, "Error: audit chain broken after %d entries: %v\n", n, err)
			return 1
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		printJSON(stdout, map[string]any{"entries": n, "intact": true})
		return 0
	})
}
