package replay

import (
	"context"
	"fmt"

	"github.com/ionforge/agentkernel/pkg/capabilities"
	"github.com/ionforge/agentkernel/pkg/engine"
	"github.com/ionforge/agentkernel/pkg/ledger"
	"github.com/ionforge/agentkernel/pkg/risk"
)

// DivergedError reports the first ledger entry whose replayed post-hash did
// not match the originally recorded one.
type DivergedError struct {
	Index int
}

func (e *DivergedError) Error() string {
	return fmt.Sprintf("ReplayDivergedAt:%d", e.Index)
}

// ReplayLedger re-runs every entry recorded in the ledger at path, in order,
// through a fresh Engine built from gate/executor/clock and seeded with
// initialState. It compares each entry's recomputed post-state hash against
// the one recorded at append time; any mismatch fails fast with
// DivergedError. Success proves the recorded execution was deterministic
// under executor. Duplicate-ID and ordering checks stay in the lower-level
// Verify path; this re-executes rather than merely re-hashing.
func ReplayLedger(ctx context.Context, path string, gate *capabilities.Gate, rt capabilities.Runtime, executor engine.Executor, clock engine.Clock, initialState map[string]interface{}) error {
	entries, err := ledger.ReadEntries(path)
	if err != nil {
		return err
	}

	replayLedgerPath := path + ".replay"
	replayLedger := ledger.Open(replayLedgerPath)
	eng := engine.New(gate, replayLedger, risk.NewTracker(nil), executor, clock, initialState)

	for i, e := range entries {
		intentPayload, _ := e.Payload["intent"].(map[string]interface{})
		toolName, _ := intentPayload["tool_name"].(string)
		actor, _ := intentPayload["actor"].(string)
		sessionKey, _ := intentPayload["session_key"].(string)
		args, _ := e.Payload["args"].(map[string]interface{})
		recordedOutcome, _ := e.Payload["outcome"].(string)
		recordedStateHash, _ := e.Payload["state_hash"].(string)

		if recordedOutcome != "committed" {
			continue // denials/failures/cancellations carry no state transition to replay
		}

		intent := capabilities.Intent{
			Actor:       actor,
			ToolName:    toolName,
			Args:        args,
			SessionKey:  sessionKey,
			TimestampMS: 1,
		}

		receipt, dispatchErr := eng.Dispatch(ctx, intent, rt)
		if dispatchErr != nil {
			return fmt.Errorf("replay dispatch at index %d: %w", i, dispatchErr)
		}
		if receipt.StateHash != recordedStateHash {
			return &DivergedError{Index: i}
		}
	}
	return nil
}
