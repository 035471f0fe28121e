// Package observability provides kernel-specific instrumentation helpers:
// semantic-convention attributes for the Capability Gate, Serial Execution
// Engine, and Hash-Chain Ledger, covering capability evaluation, dispatch,
// and ledger append/verify.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Intent/dispatch attributes
	AttrToolName   = attribute.Key("kernel.tool.name")
	AttrActor      = attribute.Key("kernel.actor")
	AttrSessionKey = attribute.Key("kernel.session_key")

	// Capability Gate attributes
	AttrGateVerdict = attribute.Key("kernel.gate.verdict") // "allow" | "deny"
	AttrGateReason  = attribute.Key("kernel.gate.reason")
	AttrGateRisk    = attribute.Key("kernel.gate.risk") // "low" | "medium" | "high"

	// Serial Execution Engine attributes
	AttrEngineOutcome = attribute.Key("kernel.engine.outcome") // "committed" | "denied" | "failure"
	AttrReceiptHash   = attribute.Key("kernel.engine.receipt_hash")
	AttrStateHash     = attribute.Key("kernel.engine.state_hash")

	// Ledger attributes
	AttrLedgerPath = attribute.Key("kernel.ledger.path")
	AttrLedgerLine = attribute.Key("kernel.ledger.line")
)

// GateOperation creates attributes for a Capability Gate evaluation.
func GateOperation(tool, verdict, reason, riskLevel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrToolName.String(tool),
		AttrGateVerdict.String(verdict),
		AttrGateReason.String(reason),
		AttrGateRisk.String(riskLevel),
	}
}

// DispatchOperation creates attributes for a Serial Execution Engine dispatch.
func DispatchOperation(tool, actor, outcome, receiptHash string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrToolName.String(tool),
		AttrActor.String(actor),
		AttrEngineOutcome.String(outcome),
		AttrReceiptHash.String(receiptHash),
	}
}

// LedgerOperation creates attributes for a ledger append or verify call.
func LedgerOperation(path string, line int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrLedgerPath.String(path),
		AttrLedgerLine.Int(line),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records an error, if any, on the current span.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
