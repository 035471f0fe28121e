// Package ledger implements the append-only, hash-chained forensic ledger:
// a per-session JSONL file plus a sidecar file holding the current tip
// hash, so appends are O(1) and corruption is detected on verify rather
// than trusted blindly.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ionforge/agentkernel/pkg/canonicalize"
	"github.com/ionforge/agentkernel/pkg/observability"
	"github.com/ionforge/agentkernel/pkg/redact"
)

// Genesis is the literal previous-hash value of the first entry in a ledger.
const Genesis = "GENESIS"

// Entry is a single hash-chained ledger line.
type Entry struct {
	PrevHash string                 `json:"prevHash"`
	Hash     string                 `json:"hash"`
	Payload  map[string]interface{} `json:"payload"`
}

// Clock abstracts time.Now for deterministic tests and replay.
type Clock func() time.Time

// Ledger is a single-session append-only hash chain backed by a JSONL file
// and a `<file>.last_hash` sidecar.
type Ledger struct {
	mu      sync.Mutex
	path    string
	sidecar string
	clock   Clock
	seq     int
	obs     *observability.Provider
}

// Option configures a Ledger at construction.
type Option func(*Ledger)

// WithClock injects a deterministic clock.
func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithObservability attaches a Provider the ledger records every append and
// verify call against. A nil provider leaves the ledger silent.
func WithObservability(obs *observability.Provider) Option {
	return func(l *Ledger) { l.obs = obs }
}

// Open returns a Ledger rooted at path (the JSONL file). The file and its
// sidecar are created lazily on first Append; Open never writes to disk.
func Open(path string, opts ...Option) *Ledger {
	l := &Ledger{
		path:    path,
		sidecar: path + ".last_hash",
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append redacts payload, computes its entry hash against the current tip,
// appends one JSON line, and then atomically overwrites the sidecar with
// the new tip. If the process dies after the file append but before the
// sidecar write, the next call to resolvePrevHash recomputes the tip from
// the file and heals the sidecar — no special recovery step is needed.
func (l *Ledger) Append(payload map[string]interface{}) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	seq := l.seq

	entry, err := l.appendLocked(payload)
	l.obs.RecordLedgerAppend(context.Background(), l.path, seq, err)
	return entry, err
}

func (l *Ledger) appendLocked(payload map[string]interface{}) (Entry, error) {
	prevHash, err := l.resolvePrevHash()
	if err != nil {
		return Entry{}, fmt.Errorf("resolve prev hash: %w", err)
	}

	redacted, ok := redact.Redact(payload).(map[string]interface{})
	if !ok {
		redacted = map[string]interface{}{"value": redact.Redact(payload)}
	}

	canon, err := canonicalize.StableJSON(redacted)
	if err != nil {
		return Entry{}, fmt.Errorf("canonicalize payload: %w", err)
	}

	hash := canonicalize.HashBytes(append([]byte(prevHash), canon...))
	entry := Entry{PrevHash: prevHash, Hash: hash, Payload: redacted}

	if err := l.appendLine(entry); err != nil {
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}
	if err := l.writeSidecar(hash); err != nil {
		return Entry{}, fmt.Errorf("write sidecar: %w", err)
	}
	return entry, nil
}

// resolvePrevHash reads the sidecar; if it is missing or unreadable, it
// scans the JSONL file backwards for the last parseable entry's hash,
// falling back to Genesis for an empty or nonexistent ledger, and heals
// the sidecar so the next call can read it directly.
func (l *Ledger) resolvePrevHash() (string, error) {
	if tip, err := l.readSidecar(); err == nil {
		return tip, nil
	}

	tip, err := l.scanTerminalHash()
	if err != nil {
		return "", err
	}
	if writeErr := l.writeSidecar(tip); writeErr != nil {
		return "", writeErr
	}
	return tip, nil
}

func (l *Ledger) readSidecar() (string, error) {
	data, err := os.ReadFile(l.sidecar)
	if err != nil {
		return "", err
	}
	tip := trimNewline(string(data))
	if tip == "" {
		return "", fmt.Errorf("empty sidecar")
	}
	return tip, nil
}

func (l *Ledger) scanTerminalHash() (string, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return Genesis, nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	tip := Genesis
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip unparseable lines; Verify reports real corruption
		}
		if e.Hash != "" {
			tip = e.Hash
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return tip, nil
}

func (l *Ledger) appendLine(e Entry) error {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// writeSidecar atomically replaces the sidecar file's contents, so a crash
// mid-write never leaves a partially written tip hash behind.
func (l *Ledger) writeSidecar(tip string) error {
	tmp := l.sidecar + ".tmp"
	if err := os.WriteFile(tmp, []byte(tip+"\n"), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, l.sidecar)
}

// Head returns the current tip hash, resolving it the same way Append does.
func (l *Ledger) Head() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolvePrevHash()
}

// ReadEntries loads every entry from the JSONL file at path, in order. An
// absent file yields an empty slice rather than an error, matching Open's
// lazy-creation semantics.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parse ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// CorruptError reports the first line at which the hash chain breaks.
type CorruptError struct {
	Line   int
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("ledger:corrupt at line %d: %s", e.Line, e.Reason)
}

// Verify streams the ledger file, confirming every entry's prevHash equals
// the running tip, recomputing every entry's hash, and finally checking the
// sidecar against the terminal hash. Any mismatch fails fast with a
// CorruptError naming the first offending line, per the fail-closed design
// that runs through the whole kernel.
func (l *Ledger) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.verifyLocked()
	l.obs.RecordLedgerVerify(context.Background(), l.path, err)
	return err
}

func (l *Ledger) verifyLocked() error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil // an unwritten ledger is trivially consistent
	}
	if err != nil {
		return err
	}
	defer f.Close()

	tip := Genesis
	lineNo := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return &CorruptError{Line: lineNo, Reason: "unparseable entry: " + err.Error()}
		}
		if e.PrevHash != tip {
			return &CorruptError{Line: lineNo, Reason: "prevHash does not match running tip"}
		}
		canon, err := canonicalize.StableJSON(e.Payload)
		if err != nil {
			return &CorruptError{Line: lineNo, Reason: "payload does not canonicalize: " + err.Error()}
		}
		wantHash := canonicalize.HashBytes(append([]byte(e.PrevHash), canon...))
		if wantHash != e.Hash {
			return &CorruptError{Line: lineNo, Reason: "hash does not match recomputed value"}
		}
		tip = e.Hash
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if sidecarTip, err := l.readSidecar(); err == nil && sidecarTip != tip {
		return &CorruptError{Line: lineNo, Reason: "sidecar tip does not match terminal hash"}
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
