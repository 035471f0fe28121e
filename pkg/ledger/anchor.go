package ledger

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewAnchorID mints a fresh, globally unique anchor identifier. Callers that
// don't need to correlate an anchor with an external system (a transparency
// log entry, a blockchain memo) can use this instead of inventing their own.
func NewAnchorID() string {
	return uuid.NewString()
}

// AnchorProof is the external, publishable proof that a ledger's terminal
// hash existed at a point in time. The signature covers
// "<anchorId>:<timestamp>:<ledgerHash>" so a verifier with only the public
// key can confirm the triple was not forged after the fact.
type AnchorProof struct {
	Timestamp  int64  `json:"timestamp"`
	LedgerHash string `json:"ledgerHash"`
	Signature  string `json:"signature"`
	AnchorID   string `json:"anchorId"`
}

func signedMessage(anchorID string, timestampMS int64, ledgerHash string) []byte {
	return []byte(fmt.Sprintf("%s:%d:%s", anchorID, timestampMS, ledgerHash))
}

// Anchor signs the ledger's current tip hash with an RSA private key,
// producing a proof that can be published externally (object storage,
// transparency log, blockchain memo) independent of this process.
func (l *Ledger) Anchor(key *rsa.PrivateKey, anchorID string, timestampMS int64) (AnchorProof, error) {
	tip, err := l.Head()
	if err != nil {
		return AnchorProof{}, fmt.Errorf("resolve ledger tip: %w", err)
	}

	digest := sha256.Sum256(signedMessage(anchorID, timestampMS, tip))
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		return AnchorProof{}, fmt.Errorf("sign anchor: %w", err)
	}

	return AnchorProof{
		Timestamp:  timestampMS,
		LedgerHash: tip,
		Signature:  hex.EncodeToString(sig),
		AnchorID:   anchorID,
	}, nil
}

// VerifyAnchor checks that proof was genuinely signed by pub over its own
// fields. It does not consult the ledger file at all, so it can validate a
// proof long after the originating ledger has been archived or deleted.
func VerifyAnchor(pub *rsa.PublicKey, proof AnchorProof) error {
	sig, err := hex.DecodeString(proof.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256(signedMessage(proof.AnchorID, proof.Timestamp, proof.LedgerHash))
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err != nil {
		return fmt.Errorf("ledger:corrupt anchor signature invalid: %w", err)
	}
	return nil
}
