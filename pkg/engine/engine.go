// Package engine implements the single-writer Serial Execution Engine: the
// only component allowed to mutate session state, gated by the Capability
// Gate and committing every outcome to the hash-chained ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ionforge/agentkernel/pkg/capabilities"
	"github.com/ionforge/agentkernel/pkg/governor"
	"github.com/ionforge/agentkernel/pkg/kernel"
	"github.com/ionforge/agentkernel/pkg/ledger"
	"github.com/ionforge/agentkernel/pkg/observability"
	"github.com/ionforge/agentkernel/pkg/risk"
	"github.com/ionforge/agentkernel/pkg/sandbox"
	"github.com/ionforge/agentkernel/pkg/snapshot"
)

// Executor runs the side-effecting half of a tool invocation and returns the
// state diff it produced. It must be pure with respect to anything other
// than its own declared side effect, since the Replay Engine re-invokes it
// against a fresh state and expects an identical diff.
type Executor func(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error)

// Clock abstracts wall-clock time for deterministic tests and replay.
type Clock func() int64

// Receipt is returned for every dispatched intent, successful or not. Hash
// is the ledger entry hash, which doubles as the deterministic receipt.
type Receipt struct {
	Outcome  string // "committed" | "denied" | "failure" | "cancelled"
	Hash     string
	StateHash string
	Reason   string
}

// Engine is the single-writer pipeline: gate, snapshot, execute, merge,
// ledger-commit, risk-record.
type Engine struct {
	executing atomic.Bool

	gate        *capabilities.Gate
	ledger      *ledger.Ledger
	riskTracker *risk.Tracker
	executor    Executor
	clock       Clock
	dangerous   governor.Governor
	obs         *observability.Provider
	wasi        *sandbox.WasiSandbox

	state map[string]interface{}
}

// New builds an Engine. state is the initial session state (may be empty,
// never nil). The engine governs High-risk tool invocations through a
// process-wide Semaphore capped at governor.DefaultMaxDangerousOps; use
// WithGovernor to substitute a different backend (e.g. a rate-limited one).
func New(gate *capabilities.Gate, led *ledger.Ledger, riskTracker *risk.Tracker, executor Executor, clock Clock, state map[string]interface{}) *Engine {
	if state == nil {
		state = map[string]interface{}{}
	}
	return &Engine{
		gate:        gate,
		ledger:      led,
		riskTracker: riskTracker,
		executor:    executor,
		clock:       clock,
		dangerous:   governor.NewSemaphore(governor.DefaultMaxDangerousOps),
		state:       state,
	}
}

// WithGovernor substitutes the engine's dangerous-op admission backend.
func (e *Engine) WithGovernor(g governor.Governor) *Engine {
	e.dangerous = g
	return e
}

// WithObservability attaches a Provider the engine records every dispatch
// against. A nil provider leaves the engine silent.
func (e *Engine) WithObservability(obs *observability.Provider) *Engine {
	e.obs = obs
	return e
}

// WithWasiSandbox attaches the secondary WASM backend invoked for tool rules
// whose sandbox_backend is "wasi" instead of the caller-supplied Executor.
func (e *Engine) WithWasiSandbox(w *sandbox.WasiSandbox) *Engine {
	e.wasi = w
	return e
}

// State returns the current merged state. Callers must not mutate the
// returned map; it is shared with the engine's internal copy.
func (e *Engine) State() map[string]interface{} {
	return e.state
}

// Dispatch runs one intent through the full pipeline. Only one Dispatch may
// be in flight at a time across the lifetime of this Engine; a concurrent
// call fails fast rather than queuing.
func (e *Engine) Dispatch(ctx context.Context, intent capabilities.Intent, rt capabilities.Runtime) (Receipt, error) {
	ctx, finish := e.obs.StartDispatch(ctx, intent.ToolName, intent.Actor)
	var receipt Receipt
	defer func() { finish(receipt.Outcome, receipt.Hash, nil) }()

	if !e.executing.CompareAndSwap(false, true) {
		err := kernel.NewErrorIR(kernel.ErrParallelExecutionBlocked).
			WithTitle("overlapping dispatch").
			WithDetail(intent.ToolName).Build()
		receipt = Receipt{Outcome: "denied", Reason: err.Error()}
		return receipt, err
	}
	defer e.executing.Store(false)

	verdict := e.gate.Evaluate(intent, rt)
	if !verdict.Allowed {
		if _, lerr := e.commitLedger(intent, nil, nil, "denied", verdict.Err.Error()); lerr != nil {
			receipt = Receipt{Outcome: "denied", Reason: verdict.Err.Error()}
			return receipt, lerr
		}
		receipt = Receipt{Outcome: "denied", Reason: verdict.Err.Error()}
		return receipt, verdict.Err
	}

	if verdict.Risk >= risk.High {
		release, ok := e.acquireDangerousSlot()
		if !ok {
			err := kernel.NewErrorIR(kernel.ErrResourceExhaustion).
				WithTitle("dangerous-op slot counter saturated").
				WithDetail(intent.ToolName).Build()
			if _, lerr := e.commitLedger(intent, nil, nil, "denied", err.Error()); lerr != nil {
				receipt = Receipt{Outcome: "denied", Reason: err.Error()}
				return receipt, lerr
			}
			receipt = Receipt{Outcome: "denied", Reason: err.Error()}
			return receipt, err
		}
		defer release()
	}

	diff, execErr := e.runExecutor(ctx, intent, verdict.SandboxBackend)
	if execErr != nil {
		outcome := "failure"
		if errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded) {
			outcome = "cancelled"
		}
		e.recordRisk(intent.ToolName, verdict.Risk, true)
		entry, lerr := e.commitLedger(intent, nil, nil, outcome, execErr.Error())
		if lerr != nil {
			receipt = Receipt{Outcome: outcome, Reason: execErr.Error()}
			return receipt, lerr
		}
		receipt = Receipt{Outcome: outcome, Hash: entry.Hash, Reason: execErr.Error()}
		return receipt, execErr
	}

	merged := kernel.MergeDiff(e.state, diff)
	e.state = merged

	post, err := snapshot.Take(merged, e.now())
	if err != nil {
		return Receipt{}, fmt.Errorf("snapshot post-state: %w", err)
	}

	entry, err := e.commitLedger(intent, diff, post, "committed", "")
	if err != nil {
		return Receipt{}, err
	}

	e.recordRisk(intent.ToolName, verdict.Risk, false)
	receipt = Receipt{Outcome: "committed", Hash: entry.Hash, StateHash: post.Hash}
	return receipt, nil
}

func (e *Engine) acquireDangerousSlot() (func(), bool) {
	if e.dangerous == nil {
		return func() {}, true
	}
	return e.dangerous.TryAcquire()
}

func (e *Engine) runExecutor(ctx context.Context, intent capabilities.Intent, backend string) (diff map[string]interface{}, err error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if backend == "wasi" {
		return e.runWasi(ctx, intent)
	}
	return e.executor(ctx, intent.ToolName, intent.Args)
}

// runWasi executes a `script`-class intent's WASM module through the
// engine's secondary sandbox backend instead of the caller-supplied
// Executor. The module bytes and argv are carried as intent args so the
// gate's schema validation can constrain them the same way it constrains
// any other tool's arguments.
func (e *Engine) runWasi(ctx context.Context, intent capabilities.Intent) (map[string]interface{}, error) {
	if e.wasi == nil {
		return nil, fmt.Errorf("wasi sandbox backend not configured for tool %q", intent.ToolName)
	}
	module, ok := intent.Args["wasm_module"].([]byte)
	if !ok {
		return nil, fmt.Errorf("wasi dispatch requires args.wasm_module ([]byte)")
	}
	var argv []string
	switch v := intent.Args["wasm_argv"].(type) {
	case []string:
		argv = v
	case []interface{}:
		for _, a := range v {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("wasi dispatch requires args.wasm_argv elements to be strings")
			}
			argv = append(argv, s)
		}
	}

	result, err := e.wasi.RunModule(ctx, module, argv, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"stdout": string(result.Stdout),
		"stderr": string(result.Stderr),
		"killed": result.Killed,
	}, nil
}

func (e *Engine) recordRisk(tool string, baseRisk risk.Level, errored bool) {
	if e.riskTracker != nil {
		e.riskTracker.RecordOutcome(tool, baseRisk, errored)
	}
}

func (e *Engine) now() int64 {
	if e.clock != nil {
		return e.clock()
	}
	return 0
}

func (e *Engine) commitLedger(intent capabilities.Intent, diff map[string]interface{}, post *snapshot.Snapshot, outcome, reason string) (ledger.Entry, error) {
	payload := map[string]interface{}{
		"intent": map[string]interface{}{
			"actor":       intent.Actor,
			"tool_name":   intent.ToolName,
			"session_key": intent.SessionKey,
		},
		"args":      intent.Args,
		"diff":      diff,
		"timestamp": e.now(),
		"outcome":   outcome,
	}
	if post != nil {
		payload["state_hash"] = post.Hash
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return e.ledger.Append(payload)
}

