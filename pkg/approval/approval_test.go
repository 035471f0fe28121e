package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIssueAndConsume_SingleUseOnly(t *testing.T) {
	ctx := context.Background()
	m := New()
	h1, err := ComputeBindHash(BindRequest{Command: "ls", AgentID: "a1"})
	require.NoError(t, err)

	token, err := m.IssueToken(ctx, h1)
	require.NoError(t, err)

	require.True(t, m.ConsumeToken(ctx, token, h1))
	require.False(t, m.ConsumeToken(ctx, token, h1), "token must not be consumable twice")
}

func TestConsume_MismatchedBindHashFails(t *testing.T) {
	ctx := context.Background()
	m := New()
	h1, _ := ComputeBindHash(BindRequest{Command: "ls"})
	h2, _ := ComputeBindHash(BindRequest{Command: "rm"})

	token, err := m.IssueToken(ctx, h1)
	require.NoError(t, err)

	require.False(t, m.ConsumeToken(ctx, token, h2))
}

func TestConsume_MismatchDoesNotBurnToken(t *testing.T) {
	ctx := context.Background()
	m := New()
	h1, _ := ComputeBindHash(BindRequest{Command: "ls"})
	h2, _ := ComputeBindHash(BindRequest{Command: "rm"})

	token, err := m.IssueToken(ctx, h1)
	require.NoError(t, err)

	require.False(t, m.ConsumeToken(ctx, token, h2), "wrong hash must not succeed")
	require.True(t, m.ConsumeToken(ctx, token, h1), "a prior mismatch must not have burned the grant")
}

func TestConsume_UnknownTokenFails(t *testing.T) {
	ctx := context.Background()
	m := New()
	require.False(t, m.ConsumeToken(ctx, "does-not-exist", "whatever"))
}

func TestComputeBindHash_StableForEquivalentRequests(t *testing.T) {
	req := BindRequest{Command: "cat", Argv: []string{"file.txt"}, Env: map[string]string{"A": "1"}}
	h1, err := ComputeBindHash(req)
	require.NoError(t, err)
	h2, err := ComputeBindHash(req)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestComputeBindHash_DiffersOnFieldChange(t *testing.T) {
	h1, _ := ComputeBindHash(BindRequest{Command: "cat", Cwd: "/a"})
	h2, _ := ComputeBindHash(BindRequest{Command: "cat", Cwd: "/b"})
	require.NotEqual(t, h1, h2)
}

func TestIssueToken_ProducesDistinctTokens(t *testing.T) {
	ctx := context.Background()
	m := New()
	t1, err := m.IssueToken(ctx, "h")
	require.NoError(t, err)
	t2, err := m.IssueToken(ctx, "h")
	require.NoError(t, err)
	require.NotEqual(t, t1, t2)
}
