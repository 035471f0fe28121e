package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ionforge/agentkernel/pkg/capabilities"
	"github.com/ionforge/agentkernel/pkg/governor"
	"github.com/ionforge/agentkernel/pkg/ledger"
	"github.com/ionforge/agentkernel/pkg/risk"
	"github.com/ionforge/agentkernel/pkg/sandbox"
)

func testGate(t *testing.T) *capabilities.Gate {
	t.Helper()
	policy := capabilities.Policy{
		Mode:       "allowlist",
		AllowTools: map[string]bool{"set_value": true},
		DenyTools:  map[string]bool{},
		ToolRules:  map[string]capabilities.ToolRule{"set_value": {Risk: risk.Low}},
	}
	return capabilities.NewGate(policy, risk.NewTracker(nil), nil)
}

func setValueExecutor(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
	if tool != "set_value" {
		return nil, fmt.Errorf("unknown tool %s", tool)
	}
	return map[string]interface{}{"set_value": args["value"]}, nil
}

func TestEngine_CommitsStateAndLedgerOnSuccess(t *testing.T) {
	led := ledger.Open(filepath.Join(t.TempDir(), "session.jsonl"))
	e := New(testGate(t), led, risk.NewTracker(nil), setValueExecutor, func() int64 { return 1000 }, nil)

	intent := capabilities.Intent{Actor: "a", ToolName: "set_value", Args: map[string]interface{}{"value": "hello"}, TimestampMS: 1}
	receipt, err := e.Dispatch(context.Background(), intent, capabilities.Runtime{})
	require.NoError(t, err)
	require.Equal(t, "committed", receipt.Outcome)
	require.NotEmpty(t, receipt.Hash)
	require.Equal(t, "hello", e.State()["set_value"])

	require.NoError(t, led.Verify())
	head, err := led.Head()
	require.NoError(t, err)
	require.Equal(t, receipt.Hash, head)
}

func TestEngine_DeniedIntentWritesDeniedLedgerEntry(t *testing.T) {
	led := ledger.Open(filepath.Join(t.TempDir(), "session.jsonl"))
	e := New(testGate(t), led, risk.NewTracker(nil), setValueExecutor, func() int64 { return 1 }, nil)

	intent := capabilities.Intent{Actor: "a", ToolName: "unknown_tool", Args: map[string]interface{}{}, TimestampMS: 1}
	receipt, err := e.Dispatch(context.Background(), intent, capabilities.Runtime{})
	require.Error(t, err)
	require.Equal(t, "denied", receipt.Outcome)

	head, herr := led.Head()
	require.NoError(t, herr)
	require.NotEqual(t, ledger.Genesis, head)
}

func TestEngine_ExecutorFailureRecordsFailureOutcome(t *testing.T) {
	led := ledger.Open(filepath.Join(t.TempDir(), "session.jsonl"))
	policy := capabilities.Policy{
		Mode:       "allowlist",
		AllowTools: map[string]bool{"boom": true},
		ToolRules:  map[string]capabilities.ToolRule{"boom": {Risk: risk.Low}},
	}
	gate := capabilities.NewGate(policy, risk.NewTracker(nil), nil)
	failing := func(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, fmt.Errorf("boom")
	}
	e := New(gate, led, risk.NewTracker(nil), failing, func() int64 { return 1 }, nil)

	intent := capabilities.Intent{Actor: "a", ToolName: "boom", Args: map[string]interface{}{}, TimestampMS: 1}
	receipt, err := e.Dispatch(context.Background(), intent, capabilities.Runtime{})
	require.Error(t, err)
	require.Equal(t, "failure", receipt.Outcome)
}

func TestEngine_ParallelDispatchBlocked(t *testing.T) {
	led := ledger.Open(filepath.Join(t.TempDir(), "session.jsonl"))
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := func(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
		close(started)
		<-release
		return map[string]interface{}{"set_value": "done"}, nil
	}
	e := New(testGate(t), led, risk.NewTracker(nil), blocking, func() int64 { return 1 }, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		intent := capabilities.Intent{Actor: "a", ToolName: "set_value", Args: map[string]interface{}{"value": "x"}, TimestampMS: 1}
		_, _ = e.Dispatch(context.Background(), intent, capabilities.Runtime{})
	}()

	<-started
	intent2 := capabilities.Intent{Actor: "a", ToolName: "set_value", Args: map[string]interface{}{"value": "y"}, TimestampMS: 2}
	_, err := e.Dispatch(context.Background(), intent2, capabilities.Runtime{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "engine:parallel_execution_blocked")

	close(release)
	wg.Wait()
}

func TestEngine_DangerousOpDeniedWhenGovernorSaturated(t *testing.T) {
	led := ledger.Open(filepath.Join(t.TempDir(), "session.jsonl"))
	policy := capabilities.Policy{
		Mode:       "allowlist",
		AllowTools: map[string]bool{"exec": true},
		ToolRules:  map[string]capabilities.ToolRule{"exec": {Risk: risk.High}},
	}
	gate := capabilities.NewGate(policy, risk.NewTracker(nil), nil)
	e := New(gate, led, risk.NewTracker(nil), setValueExecutor, func() int64 { return 1 }, nil)

	saturated := governor.NewSemaphore(1)
	release, ok := saturated.TryAcquire()
	require.True(t, ok)
	defer release()
	e.WithGovernor(saturated)

	intent := capabilities.Intent{Actor: "a", ToolName: "exec", Args: map[string]interface{}{}, TimestampMS: 1}
	receipt, err := e.Dispatch(context.Background(), intent, capabilities.Runtime{})
	require.Error(t, err)
	require.Equal(t, "denied", receipt.Outcome)
	require.Contains(t, err.Error(), "resource:exhaustion")
}

func TestEngine_DispatchRoutesScriptToolsThroughWasiSandbox(t *testing.T) {
	ctx := context.Background()
	led := ledger.Open(filepath.Join(t.TempDir(), "session.jsonl"))
	policy := capabilities.Policy{
		Mode:       "allowlist",
		AllowTools: map[string]bool{"script": true},
		ToolRules:  map[string]capabilities.ToolRule{"script": {Risk: risk.Low, SandboxBackend: "wasi"}},
	}
	gate := capabilities.NewGate(policy, risk.NewTracker(nil), nil)

	wasi, err := sandbox.NewWasiSandbox(ctx)
	require.NoError(t, err)
	defer wasi.Close(ctx)

	unreachableExecutor := func(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
		t.Fatal("the caller-supplied executor must not run for a wasi-backed tool rule")
		return nil, nil
	}

	e := New(gate, led, risk.NewTracker(nil), unreachableExecutor, func() int64 { return 1 }, nil).
		WithWasiSandbox(wasi)

	// The empty module ("\0asm" + version 1, no sections) is a minimal valid
	// WASM binary: it declares no imports or exports, so wazero instantiates
	// it without invoking anything and RunModule returns empty output.
	emptyModule := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	intent := capabilities.Intent{
		Actor:    "a",
		ToolName: "script",
		Args: map[string]interface{}{
			"wasm_module": emptyModule,
			"wasm_argv":   []string{"script"},
		},
		TimestampMS: 1,
	}
	receipt, err := e.Dispatch(ctx, intent, capabilities.Runtime{})
	require.NoError(t, err)
	require.Equal(t, "committed", receipt.Outcome)

	stdout, ok := e.State()["stdout"]
	require.True(t, ok)
	require.Equal(t, "", stdout)
}

func TestEngine_DispatchRecordsCancelledOutcomeOnContextCancellation(t *testing.T) {
	led := ledger.Open(filepath.Join(t.TempDir(), "session.jsonl"))
	policy := capabilities.Policy{
		Mode:       "allowlist",
		AllowTools: map[string]bool{"set_value": true},
		ToolRules:  map[string]capabilities.ToolRule{"set_value": {Risk: risk.Low}},
	}
	gate := capabilities.NewGate(policy, risk.NewTracker(nil), nil)
	e := New(gate, led, risk.NewTracker(nil), setValueExecutor, func() int64 { return 1 }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	intent := capabilities.Intent{Actor: "a", ToolName: "set_value", Args: map[string]interface{}{"value": "x"}, TimestampMS: 1}
	receipt, err := e.Dispatch(ctx, intent, capabilities.Runtime{})
	require.Error(t, err)
	require.Equal(t, "cancelled", receipt.Outcome)
}

func TestEngine_DangerousOpAllowedUnderDefaultGovernor(t *testing.T) {
	led := ledger.Open(filepath.Join(t.TempDir(), "session.jsonl"))
	policy := capabilities.Policy{
		Mode:       "allowlist",
		AllowTools: map[string]bool{"exec": true},
		ToolRules:  map[string]capabilities.ToolRule{"exec": {Risk: risk.High}},
	}
	gate := capabilities.NewGate(policy, risk.NewTracker(nil), nil)
	executor := func(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"exec": "ran"}, nil
	}
	e := New(gate, led, risk.NewTracker(nil), executor, func() int64 { return 1 }, nil)

	intent := capabilities.Intent{Actor: "a", ToolName: "exec", Args: map[string]interface{}{}, TimestampMS: 1}
	receipt, err := e.Dispatch(context.Background(), intent, capabilities.Runtime{})
	require.NoError(t, err)
	require.Equal(t, "committed", receipt.Outcome)
}
