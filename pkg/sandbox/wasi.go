package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WasiSandbox runs a `script`-class tool's WASM module instead of spawning a
// host process, for tool rules that set sandbox_backend: "wasi". It shares
// RunAllowed's I/O and time caps but never touches the host filesystem or
// environment beyond what wazero's FS config explicitly mounts.
type WasiSandbox struct {
	runtime wazero.Runtime
}

// NewWasiSandbox builds a sandbox backed by a fresh wazero runtime. Callers
// should call Close when the session ends.
func NewWasiSandbox(ctx context.Context) (*WasiSandbox, error) {
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	return &WasiSandbox{runtime: rt}, nil
}

// Close releases the underlying wazero runtime.
func (w *WasiSandbox) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// RunModule instantiates and runs module's _start entrypoint, capturing
// stdout/stderr up to maxStdoutBytes/maxStderrBytes and killing the run if
// timeout elapses.
func (w *WasiSandbox) RunModule(ctx context.Context, module []byte, args []string, maxStdoutBytes, maxStderrBytes int64, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > HardTimeoutCap {
		timeout = HardTimeoutCap
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if maxStdoutBytes <= 0 {
		maxStdoutBytes = DefaultMaxStdoutBytes
	}
	if maxStderrBytes <= 0 {
		maxStderrBytes = DefaultMaxStderrBytes
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithArgs(args...).
		WithStdout(&limitedWriter{buf: &stdout, limit: maxStdoutBytes}).
		WithStderr(&limitedWriter{buf: &stderr, limit: maxStderrBytes})

	compiled, err := w.runtime.CompileModule(runCtx, module)
	if err != nil {
		return Result{}, fmt.Errorf("compile wasm module: %w", err)
	}

	_, err = w.runtime.InstantiateModule(runCtx, compiled, cfg)
	if runCtx.Err() != nil {
		return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Killed: true}, ErrCommandTimedOut
	}
	if err != nil {
		return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, fmt.Errorf("run wasm module: %w", err)
	}
	return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// limitedWriter truncates writes once limit bytes have been received rather
// than buffering without bound, mirroring cappedBuffer's behavior for the
// host-process backend.
type limitedWriter struct {
	buf   *bytes.Buffer
	limit int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	remaining := l.limit - int64(l.buf.Len())
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	return l.buf.Write(p)
}
