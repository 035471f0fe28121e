package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ionforge/agentkernel/pkg/risk"
)

func TestLoadProfile_Dev(t *testing.T) {
	p, err := LoadProfile("profiles", "dev")
	require.NoError(t, err)
	require.Equal(t, "Development", p.Name)
	require.Equal(t, "allowlist", p.Mode)
	require.Contains(t, p.AllowTools, "run_script")
	require.True(t, p.Network.AllowSubdomains)
}

func TestLoadProfile_Production(t *testing.T) {
	p, err := LoadProfile("profiles", "production")
	require.NoError(t, err)
	require.Equal(t, "Production", p.Name)
	require.Contains(t, p.DenyTools, "run_script")
	require.False(t, p.Network.AllowSubdomains)
}

func TestLoadProfile_UnknownCodeFails(t *testing.T) {
	_, err := LoadProfile("profiles", "nonexistent")
	require.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	profiles, err := LoadAllProfiles("profiles")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(profiles), 2)
	for code, p := range profiles {
		require.NotEmpty(t, p.Name, "profile %s has empty name", code)
	}
}

func TestPolicyProfile_ToPolicy(t *testing.T) {
	p, err := LoadProfile("profiles", "dev")
	require.NoError(t, err)

	policy := p.ToPolicy()
	require.Equal(t, "allowlist", policy.Mode)
	require.True(t, policy.AllowTools["run_script"])
	require.True(t, policy.ExecSafeBins["python3"])
	require.Equal(t, risk.High, policy.ToolRules["run_script"].Risk)
	require.Equal(t, risk.Low, policy.ToolRules["read_file"].Risk)
	require.Contains(t, policy.FetchAllowedDomains, "api.openai.com")
	require.True(t, policy.ExecSafeBins["python3"])
}

func TestPolicyProfile_ToPolicy_UnknownRiskDefaultsToMedium(t *testing.T) {
	p := &PolicyProfile{
		ToolRules: map[string]ToolRule{
			"weird_tool": {Risk: "not-a-level"},
		},
	}
	policy := p.ToPolicy()
	require.Equal(t, risk.Medium, policy.ToolRules["weird_tool"].Risk)
}
