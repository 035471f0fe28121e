package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeDevProfile(t *testing.T, dir string) {
	t.Helper()
	data := []byte(`
name: Test
code: test
mode: allow_all
allow_tools: [echo]
tool_rules:
  echo:
    risk: low
network:
  enforce_allowlist: false
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_test.yaml"), data, 0o644))
}

func TestRun_DispatchThenVerifyRoundTrips(t *testing.T) {
	profilesDir := t.TempDir()
	writeDevProfile(t, profilesDir)
	ledgerDir := t.TempDir()

	t.Setenv("POLICY_PROFILES_DIR", profilesDir)
	t.Setenv("POLICY_PROFILE", "test")
	t.Setenv("LEDGER_DIR", ledgerDir)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"kernel", "dispatch", "-tool", "echo", "-session", "s1", "-args", `{"msg":"hi"}`}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	code = Run([]string{"kernel", "verify", "-ledger", filepath.Join(ledgerDir, "s1.jsonl")}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
}

func TestRun_DispatchDeniesUnknownTool(t *testing.T) {
	profilesDir := t.TempDir()
	writeDevProfile(t, profilesDir)
	ledgerDir := t.TempDir()

	t.Setenv("POLICY_PROFILES_DIR", profilesDir)
	t.Setenv("POLICY_PROFILE", "test")
	t.Setenv("LEDGER_DIR", ledgerDir)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"kernel", "dispatch", "-tool", "nonexistent", "-session", "s2"}, &stdout, &stderr)
	require.Equal(t, 1, code)
}

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"kernel"}, &stdout, &stderr)
	require.Equal(t, 2, code)
}

func TestRun_DispatchThenAnchorProducesProof(t *testing.T) {
	profilesDir := t.TempDir()
	writeDevProfile(t, profilesDir)
	ledgerDir := t.TempDir()

	t.Setenv("POLICY_PROFILES_DIR", profilesDir)
	t.Setenv("POLICY_PROFILE", "test")
	t.Setenv("LEDGER_DIR", ledgerDir)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"kernel", "dispatch", "-tool", "echo", "-session", "s3"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	stdout.Reset()
	code = Run([]string{"kernel", "anchor", "-ledger", filepath.Join(ledgerDir, "s3.jsonl"), "-id", "anchor-xyz"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), `"anchorId": "anchor-xyz"`)
}

func TestRun_AnchorRequiresLedgerFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"kernel", "anchor"}, &stdout, &stderr)
	require.Equal(t, 2, code)
}
