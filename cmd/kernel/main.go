// Command kernel wires the Capability Gate, Serial Execution Engine,
// Hash-Chain Ledger, and supporting components (sandbox, egress, approval,
// risk) into a single-session demo CLI.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ionforge/agentkernel/pkg/approval"
	"github.com/ionforge/agentkernel/pkg/boundedmap"
	"github.com/ionforge/agentkernel/pkg/capabilities"
	"github.com/ionforge/agentkernel/pkg/config"
	"github.com/ionforge/agentkernel/pkg/engine"
	"github.com/ionforge/agentkernel/pkg/ledger"
	"github.com/ionforge/agentkernel/pkg/observability"
	"github.com/ionforge/agentkernel/pkg/replay"
	"github.com/ionforge/agentkernel/pkg/risk"
	"github.com/ionforge/agentkernel/pkg/sandbox"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, factored out for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "Usage: kernel <dispatch|verify|anchor|replay> ...")
		return 2
	}

	switch args[1] {
	case "dispatch":
		return runDispatch(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "anchor":
		return runAnchor(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown subcommand %q\n", args[1])
		return 2
	}
}

// echoExecutor is the demo executor: it accepts any tool whose rule allows
// it and returns its args verbatim as the state diff under the tool's name.
// A real deployment supplies a domain-specific Executor per tool.
func echoExecutor(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{tool: args}, nil
}

// buildObservability constructs the kernel's OTel provider. Export stays
// disabled unless OTEL_EXPORTER_OTLP_ENDPOINT is set, so the demo CLI never
// blocks on a collector that isn't running.
func buildObservability(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = cfg.ObservabilityService
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	if obsCfg.Enabled {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Insecure = cfg.OTLPInsecure
	}
	return observability.New(ctx, obsCfg)
}

// buildApprovals returns a Redis-backed approval Manager when cfg.RedisURL is
// set, so grants issued by one engine process can be consumed by another;
// otherwise it returns the default in-process bounded-map Manager.
func buildApprovals(cfg *config.Config) (*approval.Manager, error) {
	if cfg.RedisURL == "" {
		return approval.New(), nil
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)
	rm := boundedmap.NewRedisMap(client, "agentkernel:approvals", approval.DefaultMaxTokens, approval.DefaultTTL)
	return approval.NewWithRedis(rm), nil
}

func buildGate(cfg *config.Config, obs *observability.Provider) (*capabilities.Gate, error) {
	profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.ActiveProfile)
	if err != nil {
		return nil, fmt.Errorf("load policy profile %q: %w", cfg.ActiveProfile, err)
	}
	approvals, err := buildApprovals(cfg)
	if err != nil {
		return nil, err
	}
	tracker := risk.NewTracker(risk.DefaultIntrinsicRiskTools())
	return capabilities.NewGate(profile.ToPolicy(), tracker, approvals).WithObservability(obs), nil
}

func runDispatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	tool := fs.String("tool", "", "tool name")
	actor := fs.String("actor", "cli-user", "acting identity")
	session := fs.String("session", "default", "session key")
	argsJSON := fs.String("args", "{}", "JSON tool arguments")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tool == "" {
		fmt.Fprintln(stderr, "dispatch requires -tool")
		return 2
	}

	var toolArgs map[string]interface{}
	if err := json.Unmarshal([]byte(*argsJSON), &toolArgs); err != nil {
		fmt.Fprintf(stderr, "parse -args: %v\n", err)
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	obs, err := buildObservability(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer obs.Shutdown(ctx)

	gate, err := buildGate(cfg, obs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	wasi, err := sandbox.NewWasiSandbox(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer wasi.Close(ctx)

	ledgerPath := filepath.Join(cfg.LedgerDir, *session+".jsonl")
	led := ledger.Open(ledgerPath, ledger.WithObservability(obs))
	eng := engine.New(gate, led, risk.NewTracker(risk.DefaultIntrinsicRiskTools()), echoExecutor,
		func() int64 { return time.Now().UnixMilli() }, nil).
		WithObservability(obs).
		WithWasiSandbox(wasi)

	intent := capabilities.Intent{
		Actor:       *actor,
		ToolName:    *tool,
		Args:        toolArgs,
		SessionKey:  *session,
		TimestampMS: time.Now().UnixMilli(),
	}

	receipt, dispatchErr := eng.Dispatch(ctx, intent, capabilities.Runtime{})
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]interface{}{
		"outcome": receipt.Outcome,
		"hash":    receipt.Hash,
		"reason":  receipt.Reason,
	})
	if dispatchErr != nil {
		slog.Error("dispatch denied or failed", "tool", *tool, "error", dispatchErr)
		return 1
	}
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	path := fs.String("ledger", "", "path to the session ledger JSONL file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *path == "" {
		fmt.Fprintln(stderr, "verify requires -ledger")
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	obs, err := buildObservability(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer obs.Shutdown(ctx)

	led := ledger.Open(*path, ledger.WithObservability(obs))
	if err := led.Verify(); err != nil {
		fmt.Fprintf(stderr, "ledger invalid: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "ledger verified ok")
	return 0
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	path := fs.String("ledger", "", "path to the session ledger JSONL file to replay")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *path == "" {
		fmt.Fprintln(stderr, "replay requires -ledger")
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	obs, err := buildObservability(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer obs.Shutdown(ctx)

	gate, err := buildGate(cfg, obs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	replayErr := replay.ReplayLedger(ctx, *path, gate, capabilities.Runtime{}, echoExecutor,
		func() int64 { return time.Now().UnixMilli() }, nil)
	if replayErr != nil {
		fmt.Fprintf(stderr, "replay diverged: %v\n", replayErr)
		return 1
	}
	fmt.Fprintln(stdout, "replay matched recorded state hashes")
	return 0
}

// runAnchor signs the ledger's current tip hash with a freshly generated
// RSA key and prints the resulting proof as JSON. The demo CLI has no key
// store of its own, so it mints a key per invocation; a real deployment
// loads a long-lived signing key instead (see pkg/ledger/anchor.go).
func runAnchor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("anchor", flag.ContinueOnError)
	path := fs.String("ledger", "", "path to the session ledger JSONL file to anchor")
	anchorID := fs.String("id", "", "anchor identifier (default: a generated uuid)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *path == "" {
		fmt.Fprintln(stderr, "anchor requires -ledger")
		return 2
	}
	if *anchorID == "" {
		*anchorID = ledger.NewAnchorID()
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		fmt.Fprintf(stderr, "generate signing key: %v\n", err)
		return 1
	}

	led := ledger.Open(*path)
	proof, err := led.Anchor(key, *anchorID, time.Now().UnixMilli())
	if err != nil {
		fmt.Fprintf(stderr, "anchor ledger: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(proof)
	return 0
}
