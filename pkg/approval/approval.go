// Package approval issues and consumes one-shot tokens bound to the exact
// fingerprint of the request they were granted for, so a human-in-the-loop
// approval cannot be replayed against a different command.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ionforge/agentkernel/pkg/boundedmap"
	"github.com/ionforge/agentkernel/pkg/canonicalize"
)

// DefaultMaxTokens and DefaultTTL are the manager's policy defaults.
const (
	DefaultMaxTokens = 5000
	DefaultTTL       = 300 * time.Second
)

// BindRequest is the set of fields a bind hash is computed over. ApprovalToken
// and CapabilityApprovalToken fields are intentionally absent: they must
// never be part of their own binding.
type BindRequest struct {
	Command      string            `json:"command"`
	Argv         []string          `json:"argv"`
	Env          map[string]string `json:"env"`
	Cwd          string            `json:"cwd"`
	Host         string            `json:"host"`
	Security     string            `json:"security"`
	Ask          string            `json:"ask"`
	AgentID      string            `json:"agent_id"`
	ResolvedPath string            `json:"resolved_path"`
	SessionKey   string            `json:"session_key"`
}

// ComputeBindHash canonicalizes req (argv sorted for stability isn't needed
// since canonical JSON only sorts object keys — callers must pre-sort Argv
// if order is not meaningful) and hashes it.
func ComputeBindHash(req BindRequest) (string, error) {
	return canonicalize.HashPayload(req)
}

// grant is exported-field so it round-trips through the Redis-backed store's
// JSON encoding as well as the in-memory one.
type grant struct {
	BindHash string `json:"bind_hash"`
	Consumed bool   `json:"consumed"`
}

// grantStore is the storage seam between Manager and its backend. mapGrantStore
// wraps the in-memory bounded map used by a single engine process;
// redisGrantStore wraps a RedisMap so grants can be shared across a
// multi-node deployment.
type grantStore interface {
	set(ctx context.Context, token string, g *grant) error
	get(ctx context.Context, token string) (*grant, bool, error)
}

type mapGrantStore struct {
	m *boundedmap.Map
}

func (s *mapGrantStore) set(_ context.Context, token string, g *grant) error {
	s.m.Set(token, g)
	return nil
}

func (s *mapGrantStore) get(_ context.Context, token string) (*grant, bool, error) {
	raw, ok := s.m.Get(token)
	if !ok {
		return nil, false, nil
	}
	return raw.(*grant), true, nil
}

type redisGrantStore struct {
	r *boundedmap.RedisMap
}

func (s *redisGrantStore) set(ctx context.Context, token string, g *grant) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}
	return s.r.Set(ctx, token, string(raw))
}

func (s *redisGrantStore) get(ctx context.Context, token string) (*grant, bool, error) {
	raw, ok, err := s.r.Get(ctx, token)
	if err != nil || !ok {
		return nil, ok, err
	}
	var g grant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, false, fmt.Errorf("unmarshal grant: %w", err)
	}
	return &g, true, nil
}

// Manager issues and consumes approval tokens, backed by a bounded TTL map
// so unconsumed grants cannot accumulate without bound.
type Manager struct {
	grants grantStore
}

// New builds a Manager backed by the in-memory bounded map, with the default
// limits (5000 entries, 300s TTL).
func New(opts ...boundedmap.Option) *Manager {
	opts = append([]boundedmap.Option{boundedmap.WithTTL(DefaultTTL)}, opts...)
	return &Manager{grants: &mapGrantStore{m: boundedmap.New(DefaultMaxTokens, opts...)}}
}

// NewWithRedis builds a Manager backed by a shared RedisMap, so approval
// grants issued by one engine process can be consumed by another in a
// multi-node deployment.
func NewWithRedis(r *boundedmap.RedisMap) *Manager {
	return &Manager{grants: &redisGrantStore{r: r}}
}

// IssueToken mints a 32-byte URL-safe random token bound to bindHash.
func (m *Manager) IssueToken(ctx context.Context, bindHash string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate approval token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	if err := m.grants.set(ctx, token, &grant{BindHash: bindHash}); err != nil {
		return "", fmt.Errorf("store approval grant: %w", err)
	}
	return token, nil
}

// ConsumeToken returns true iff token is present, unconsumed, and bound to
// exactly bindHash. Only a successful match marks the grant consumed — a
// mismatched-hash attempt leaves it available so a subsequent attempt with
// the correct hash can still succeed.
func (m *Manager) ConsumeToken(ctx context.Context, token, bindHash string) bool {
	g, ok, err := m.grants.get(ctx, token)
	if err != nil || !ok {
		return false
	}
	if g.Consumed || g.BindHash != bindHash {
		return false
	}
	g.Consumed = true
	if err := m.grants.set(ctx, token, g); err != nil {
		return false
	}
	return true
}
