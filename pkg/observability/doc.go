// Package observability provides OpenTelemetry tracing and metrics for the
// agent kernel: a span and counter per Serial Execution Engine dispatch, a
// counter and structured log line per Capability Gate verdict, and a
// counter/span pair per ledger append and verify call.
//
// Initialize at process startup:
//
//	provider, err := observability.New(ctx, observability.DefaultConfig())
//	defer provider.Shutdown(ctx)
//
// Attach it to the components that record against it:
//
//	gate.WithObservability(provider)
//	eng.WithObservability(provider)
//	led := ledger.Open(path, ledger.WithObservability(provider))
//
// A nil *Provider is a valid value accepted by every WithObservability
// call and every exported method on Provider, so an un-instrumented
// deployment pays nothing and needs no extra guard.
package observability
