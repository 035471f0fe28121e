package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ionforge/agentkernel/pkg/capabilities"
	"github.com/ionforge/agentkernel/pkg/risk"
)

// PolicyProfile is the on-disk, human-editable form of a capabilities.Policy.
// Operators keep one YAML file per deployment tier (dev/staging/prod) or per
// tenant; LoadProfile/LoadAllProfiles parse them and ToPolicy converts to the
// in-memory form the Capability Gate evaluates against.
type PolicyProfile struct {
	Name                         string              `yaml:"name" json:"name"`
	Code                         string              `yaml:"code" json:"code"`
	Mode                         string              `yaml:"mode" json:"mode"` // "allow_all" | "allowlist"
	MaxArgsBytes                 int                 `yaml:"max_args_bytes,omitempty" json:"max_args_bytes,omitempty"`
	AllowTools                   []string            `yaml:"allow_tools,omitempty" json:"allow_tools,omitempty"`
	DenyTools                    []string            `yaml:"deny_tools,omitempty" json:"deny_tools,omitempty"`
	GrantedCapabilities          []string            `yaml:"granted_capabilities,omitempty" json:"granted_capabilities,omitempty"`
	ToolRules                    map[string]ToolRule `yaml:"tool_rules,omitempty" json:"tool_rules,omitempty"`
	Network                      NetworkPolicy       `yaml:"network" json:"network"`
	Sandbox                      SandboxPolicy       `yaml:"sandbox" json:"sandbox"`
	BlockExecCommandSubstitution bool                `yaml:"block_exec_command_substitution" json:"block_exec_command_substitution"`
	BreakGlassExecInterpreters   bool                `yaml:"break_glass_exec_interpreters,omitempty" json:"break_glass_exec_interpreters,omitempty"`
}

// ToolRule mirrors capabilities.ToolRule in YAML-friendly form.
type ToolRule struct {
	Risk               string   `yaml:"risk" json:"risk"` // "low" | "medium" | "high"
	CapabilitiesNeeded []string `yaml:"capabilities_needed,omitempty" json:"capabilities_needed,omitempty"`
	RequireSandbox     bool     `yaml:"require_sandbox,omitempty" json:"require_sandbox,omitempty"`
	MaxArgsBytes       int      `yaml:"max_args_bytes,omitempty" json:"max_args_bytes,omitempty"`
	Condition          string   `yaml:"condition,omitempty" json:"condition,omitempty"`
	ArgsSchema         string   `yaml:"args_schema,omitempty" json:"args_schema,omitempty"`
	SandboxBackend     string   `yaml:"sandbox_backend,omitempty" json:"sandbox_backend,omitempty"`
}

// NetworkPolicy controls outbound networking for exec/fetch-class tools.
type NetworkPolicy struct {
	ExecSafeBins     []string `yaml:"exec_safe_bins,omitempty" json:"exec_safe_bins,omitempty"`
	AllowedDomains   []string `yaml:"allowed_domains,omitempty" json:"allowed_domains,omitempty"`
	AllowSubdomains  bool     `yaml:"allow_subdomains,omitempty" json:"allow_subdomains,omitempty"`
	EnforceAllowlist bool     `yaml:"enforce_allowlist" json:"enforce_allowlist"`
}

// SandboxPolicy controls the subprocess/WASI sandbox defaults applied to
// exec-class tools under this profile.
type SandboxPolicy struct {
	WorkspaceRoot  string `yaml:"workspace_root,omitempty" json:"workspace_root,omitempty"`
	TimeoutMs      int    `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	MaxStdoutBytes int    `yaml:"max_stdout_bytes,omitempty" json:"max_stdout_bytes,omitempty"`
	MaxStderrBytes int    `yaml:"max_stderr_bytes,omitempty" json:"max_stderr_bytes,omitempty"`
}

// LoadProfile loads a policy profile YAML by code. It searches the profiles
// directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*PolicyProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile PolicyProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*PolicyProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*PolicyProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile PolicyProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

var riskByName = map[string]risk.Level{
	"low":    risk.Low,
	"medium": risk.Medium,
	"high":   risk.High,
}

func parseRisk(name string) risk.Level {
	if lvl, ok := riskByName[strings.ToLower(name)]; ok {
		return lvl
	}
	return risk.Medium
}

// ToPolicy converts the on-disk profile into the capabilities.Policy the
// Capability Gate evaluates against.
func (p *PolicyProfile) ToPolicy() capabilities.Policy {
	allow := make(map[string]bool, len(p.AllowTools))
	for _, t := range p.AllowTools {
		allow[t] = true
	}
	deny := make(map[string]bool, len(p.DenyTools))
	for _, t := range p.DenyTools {
		deny[t] = true
	}
	granted := make(map[string]bool, len(p.GrantedCapabilities))
	for _, c := range p.GrantedCapabilities {
		granted[c] = true
	}
	safeBins := make(map[string]bool, len(p.Network.ExecSafeBins))
	for _, b := range p.Network.ExecSafeBins {
		safeBins[b] = true
	}

	rules := make(map[string]capabilities.ToolRule, len(p.ToolRules))
	for name, r := range p.ToolRules {
		rules[name] = capabilities.ToolRule{
			Risk:               parseRisk(r.Risk),
			CapabilitiesNeeded: r.CapabilitiesNeeded,
			RequireSandbox:     r.RequireSandbox,
			MaxArgsBytes:       r.MaxArgsBytes,
			Condition:          r.Condition,
			ArgsSchema:         r.ArgsSchema,
			SandboxBackend:     r.SandboxBackend,
		}
	}

	return capabilities.Policy{
		Mode:                         p.Mode,
		MaxArgsBytes:                 p.MaxArgsBytes,
		AllowTools:                   allow,
		DenyTools:                    deny,
		GrantedCapabilities:          granted,
		ToolRules:                    rules,
		ExecSafeBins:                 safeBins,
		FetchAllowedDomains:          p.Network.AllowedDomains,
		FetchAllowSubdomains:         p.Network.AllowSubdomains,
		EnforceFetchDomainAllowlist:  p.Network.EnforceAllowlist,
		BlockExecCommandSubstitution: p.BlockExecCommandSubstitution,
		BreakGlassExecInterpreters:   p.BreakGlassExecInterpreters,
	}
}
