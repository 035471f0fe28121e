package ledger

import (
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestAnchor_ProofVerifiesAgainstPublicKey(t *testing.T) {
	key := testRSAKey(t)
	led := Open(filepath.Join(t.TempDir(), "session.jsonl"))
	_, err := led.Append(map[string]interface{}{"event": "one"})
	require.NoError(t, err)

	proof, err := led.Anchor(key, "anchor-1", 1700000000000)
	require.NoError(t, err)
	require.Equal(t, "anchor-1", proof.AnchorID)
	require.NotEmpty(t, proof.LedgerHash)

	require.NoError(t, VerifyAnchor(&key.PublicKey, proof))
}

func TestAnchor_TamperedHashFailsVerification(t *testing.T) {
	key := testRSAKey(t)
	led := Open(filepath.Join(t.TempDir(), "session.jsonl"))
	_, err := led.Append(map[string]interface{}{"event": "one"})
	require.NoError(t, err)

	proof, err := led.Anchor(key, "anchor-1", 1700000000000)
	require.NoError(t, err)

	proof.LedgerHash = "tampered"
	require.Error(t, VerifyAnchor(&key.PublicKey, proof))
}

func TestAnchor_WrongKeyFailsVerification(t *testing.T) {
	key := testRSAKey(t)
	other := testRSAKey(t)
	led := Open(filepath.Join(t.TempDir(), "session.jsonl"))
	_, err := led.Append(map[string]interface{}{"event": "one"})
	require.NoError(t, err)

	proof, err := led.Anchor(key, "anchor-1", 1700000000000)
	require.NoError(t, err)

	require.Error(t, VerifyAnchor(&other.PublicKey, proof))
}

func TestAnchor_EmptyLedgerAnchorsGenesis(t *testing.T) {
	key := testRSAKey(t)
	led := Open(filepath.Join(t.TempDir(), "session.jsonl"))

	proof, err := led.Anchor(key, "anchor-empty", 1700000000000)
	require.NoError(t, err)
	require.Equal(t, Genesis, proof.LedgerHash)
	require.NoError(t, VerifyAnchor(&key.PublicKey, proof))
}

func TestNewAnchorID_ProducesDistinctIdentifiers(t *testing.T) {
	a := NewAnchorID()
	b := NewAnchorID()
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}
