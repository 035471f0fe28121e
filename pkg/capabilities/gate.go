package capabilities

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ionforge/agentkernel/pkg/approval"
	"github.com/ionforge/agentkernel/pkg/canonicalize"
	"github.com/ionforge/agentkernel/pkg/egress"
	"github.com/ionforge/agentkernel/pkg/kernel"
	"github.com/ionforge/agentkernel/pkg/observability"
	"github.com/ionforge/agentkernel/pkg/risk"
	"github.com/ionforge/agentkernel/pkg/sandbox"
)

// Intent is a single agent tool-invocation request.
type Intent struct {
	Actor                string
	ToolName             string
	Args                 map[string]interface{}
	CapabilitiesRequired []string
	SessionKey           string
	TimestampMS          int64
	Provenance           string

	// ApprovalToken, if present, is consumed against the bind hash computed
	// for this intent when the tool rule demands approval.
	ApprovalToken string
	BindHash      string

	// CommandString, when the tool is exec-class, is the raw shell-like
	// command line subjected to additional system-run constraints.
	CommandString string
	// URLs, when the tool is net-class, lists every URL argument subjected
	// to egress validation.
	URLs []string
}

// ToolRule is the per-tool policy entry.
type ToolRule struct {
	Risk              risk.Level
	CapabilitiesNeeded []string
	RequireSandbox    bool
	MaxArgsBytes      int
	Condition         string // optional CEL expression
	ArgsSchema        string // optional inline JSON schema document
	SandboxBackend    string // "exec" (default) or "wasi"
}

// Policy is the evaluated policy record.
type Policy struct {
	Mode                        string // "allow_all" | "allowlist"
	MaxArgsBytes                int
	AllowTools                  map[string]bool
	DenyTools                   map[string]bool
	GrantedCapabilities         map[string]bool
	ToolRules                   map[string]ToolRule
	ExecSafeBins                map[string]bool
	FetchAllowedDomains         []string
	FetchAllowSubdomains        bool
	EnforceFetchDomainAllowlist bool
	BlockExecCommandSubstitution bool
	BreakGlassExecInterpreters  bool
}

const defaultMaxArgsBytes = 128000

// effectiveGrantedCapabilities returns policy.GrantedCapabilities plus the
// implicit proc:spawn:<bin> and net:outbound:<domain> grants derived from
// ExecSafeBins and FetchAllowedDomains.
func (p Policy) effectiveGrantedCapabilities() map[string]bool {
	caps := make(map[string]bool, len(p.GrantedCapabilities))
	for c := range p.GrantedCapabilities {
		caps[normalizeCap(c)] = true
	}
	for bin := range p.ExecSafeBins {
		caps[normalizeCap("proc:spawn:"+bin)] = true
	}
	for _, domain := range p.FetchAllowedDomains {
		caps[normalizeCap("net:outbound:"+domain)] = true
	}
	return caps
}

func normalizeCap(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

// Runtime reports facts about the current execution environment that the
// gate cannot derive from the policy or intent alone.
type Runtime struct {
	Sandboxed bool
}

// Verdict is the gate's decision for one intent.
type Verdict struct {
	Allowed        bool
	NormalizedArgs map[string]interface{}
	GrantedCaps    []string
	Risk           risk.Level
	Reasons        []string
	Err            kernel.ErrorIR
	// SandboxBackend is the tool rule's configured backend ("exec" or
	// "wasi"), carried through so the engine knows which executor path to
	// invoke without re-consulting the policy.
	SandboxBackend string
}

// Gate evaluates intents against a policy using the RFSN pipeline.
type Gate struct {
	policy      Policy
	riskTracker *risk.Tracker
	approvals   *approval.Manager
	celEval     *kernel.CELEvaluator
	schemaCache map[string]*jsonschema.Schema
	obs         *observability.Provider
}

// NewGate builds a Gate bound to policy, riskTracker, and approvals. Each is
// owned by the caller and passed in explicitly rather than reached for as a
// global.
func NewGate(policy Policy, riskTracker *risk.Tracker, approvals *approval.Manager) *Gate {
	return &Gate{
		policy:      policy,
		riskTracker: riskTracker,
		approvals:   approvals,
		celEval:     kernel.NewCELEvaluator(),
		schemaCache: make(map[string]*jsonschema.Schema),
	}
}

// WithObservability attaches a Provider the gate records every verdict
// against. A nil provider is fine and leaves the gate silent.
func (g *Gate) WithObservability(obs *observability.Provider) *Gate {
	g.obs = obs
	return g
}

// Evaluate runs the full 13-step RFSN pipeline against intent and rt, then
// records the resulting verdict against the gate's observability provider.
func (g *Gate) Evaluate(intent Intent, rt Runtime) Verdict {
	v := g.evaluate(intent, rt)

	outcome := "deny"
	reason := ""
	if v.Allowed {
		outcome = "allow"
	} else if len(v.Reasons) > 0 {
		reason = v.Reasons[0]
	}
	g.obs.RecordGateVerdict(context.Background(), intent.ToolName, outcome, reason, v.Risk.String())

	return v
}

func (g *Gate) evaluate(intent Intent, rt Runtime) Verdict {
	// 1. Normalize & validate intent.
	if strings.TrimSpace(intent.Actor) == "" || strings.TrimSpace(intent.ToolName) == "" || intent.TimestampMS <= 0 {
		return deny(kernel.NewErrorIR(kernel.ErrPolicyInvalidIntent).
			WithTitle("malformed intent").
			WithDetail("actor, tool_name, and timestamp_ms must all be non-empty/finite").Build())
	}

	// 2. Enforce size cap.
	maxBytes := g.policy.MaxArgsBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxArgsBytes
	}
	argsJSON, err := canonicalize.StableJSON(intent.Args)
	if err != nil {
		return deny(kernel.NewErrorIR(kernel.ErrPolicyInvalidIntent).WithDetail(err.Error()).Build())
	}
	if len(argsJSON) > maxBytes {
		return deny(kernel.NewErrorIR(kernel.ErrPolicyArgsTooLarge).
			WithDetail(fmt.Sprintf("args size %d exceeds cap %d", len(argsJSON), maxBytes)).Build())
	}

	// 3. Deny-list check.
	if g.policy.DenyTools[intent.ToolName] {
		return deny(kernel.NewErrorIR(kernel.ErrPolicyDenyList).WithDetail(intent.ToolName).Build())
	}

	// 4. Mode check.
	if g.policy.Mode == "allowlist" && !g.policy.AllowTools[intent.ToolName] {
		return deny(kernel.NewErrorIR(kernel.ErrPolicyToolDenied).WithDetail(intent.ToolName).Build())
	}

	// 5. Tool rule lookup.
	rule, hasRule := g.policy.ToolRules[intent.ToolName]
	if !hasRule {
		return deny(kernel.NewErrorIR(kernel.ErrPolicyUnknownTool).WithDetail(intent.ToolName).Build())
	}

	// 6. Capability check.
	granted := g.policy.effectiveGrantedCapabilities()
	for _, need := range rule.CapabilitiesNeeded {
		n := normalizeCap(need)
		if n == "" {
			continue
		}
		if !granted[n] {
			return deny(kernel.NewErrorIR(kernel.ErrPolicyMissingCapability).WithDetail(n).Build())
		}
	}
	for _, need := range intent.CapabilitiesRequired {
		n := normalizeCap(need)
		if n == "" {
			continue
		}
		if n == "exec:host" {
			return deny(kernel.NewErrorIR(kernel.ErrPolicyInvalidCombo).WithDetail("exec:host is permanently blacklisted").Build())
		}
		if !granted[n] {
			return deny(kernel.NewErrorIR(kernel.ErrPolicyMissingCapability).WithDetail(n).Build())
		}
	}

	// 7. Capability combination validation.
	if granted[normalizeCap("browser:unsafe_eval")] && !granted[normalizeCap("net:browser")] {
		return deny(kernel.NewErrorIR(kernel.ErrPolicyInvalidCombo).
			WithDetail("browser:unsafe_eval requires net:browser").Build())
	}

	// 8. Sandbox requirement.
	if rule.RequireSandbox && !rt.Sandboxed {
		return deny(kernel.NewErrorIR(kernel.ErrPolicySandboxRequired).WithDetail(intent.ToolName).Build())
	}

	// 9. Adaptive risk.
	effectiveRisk := rule.Risk
	if g.riskTracker != nil {
		effectiveRisk = g.riskTracker.Resolve(intent.ToolName, rule.Risk)
	}
	if effectiveRisk >= risk.High {
		if g.approvals == nil || intent.ApprovalToken == "" || !g.approvals.ConsumeToken(context.Background(), intent.ApprovalToken, intent.BindHash) {
			return deny(kernel.NewErrorIR(kernel.ErrApprovalRequired).WithDetail(intent.ToolName).Build())
		}
	}

	// 10. Exec-specific constraints.
	if isExecClass(intent.ToolName) && intent.CommandString != "" {
		if err := sandbox.CheckCommandString(intent.CommandString, g.policy.BreakGlassExecInterpreters); err != nil {
			return deny(kernel.NewErrorIR(kernel.ErrExecBlocked).WithDetail(err.Error()).Build())
		}
		if g.policy.BlockExecCommandSubstitution && sandbox.HasCommandSubstitution(intent.CommandString) {
			return deny(kernel.NewErrorIR(kernel.ErrExecBlocked).WithDetail("command substitution is forbidden by policy").Build())
		}
	}

	// 11. Net-specific constraints.
	if isNetClass(intent.ToolName) {
		netPolicy := egress.Policy{Enabled: true, AllowDomains: g.policy.FetchAllowedDomains}.Normalize()
		for _, u := range intent.URLs {
			if err := egress.Validate(u, netPolicy); err != nil {
				return deny(kernel.NewErrorIR(kernel.ErrEgressNotAllowlist).WithDetail(err.Error()).Build())
			}
			if g.policy.EnforceFetchDomainAllowlist {
				host := hostOf(u)
				if !granted[normalizeCap("net:outbound:"+host)] {
					return deny(kernel.NewErrorIR(kernel.ErrPolicyMissingCapability).WithDetail("net:outbound:" + host).Build())
				}
			}
		}
	}

	// 12. Optional condition / schema.
	if rule.Condition != "" {
		ok, err := g.celEval.Evaluate(rule.Condition, map[string]any{
			"tool":         intent.ToolName,
			"actor":        intent.Actor,
			"args":         intent.Args,
			"capabilities": intent.CapabilitiesRequired,
			"risk":         effectiveRisk.String(),
		})
		if err != nil || !ok {
			return deny(kernel.NewErrorIR(kernel.ErrPolicyInvalidCombo).
				WithDetail("condition:" + safeErrString(err)).Build())
		}
	}
	if rule.ArgsSchema != "" {
		schema, err := g.compileSchema(intent.ToolName, rule.ArgsSchema)
		if err != nil {
			return deny(kernel.NewErrorIR(kernel.ErrPolicyArgsSchemaInvalid).WithDetail(err.Error()).Build())
		}
		if err := schema.Validate(toJSONSchemaValue(intent.Args)); err != nil {
			return deny(kernel.NewErrorIR(kernel.ErrPolicyArgsSchemaInvalid).WithDetail(err.Error()).Build())
		}
	}

	// 13. Allow.
	grantedList := make([]string, 0, len(granted))
	for c := range granted {
		grantedList = append(grantedList, c)
	}
	backend := rule.SandboxBackend
	if backend == "" {
		backend = "exec"
	}
	return Verdict{
		Allowed:        true,
		NormalizedArgs: intent.Args,
		GrantedCaps:    grantedList,
		Risk:           effectiveRisk,
		SandboxBackend: backend,
	}
}

func deny(err kernel.ErrorIR) Verdict {
	return Verdict{Allowed: false, Reasons: []string{err.Error()}, Err: err}
}

func safeErrString(err error) string {
	if err == nil {
		return "evaluated to false"
	}
	return err.Error()
}

func isExecClass(tool string) bool {
	switch tool {
	case "exec", "bash", "process", "spawn":
		return true
	default:
		return false
	}
}

func isNetClass(tool string) bool {
	switch tool {
	case "fetch", "web", "http", "browser":
		return true
	default:
		return false
	}
}

func hostOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return ""
	}
	rest := rawURL[idx+3:]
	end := strings.IndexAny(rest, "/:?#")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

func (g *Gate) compileSchema(tool, doc string) (*jsonschema.Schema, error) {
	if cached, ok := g.schemaCache[tool]; ok {
		return cached, nil
	}
	c := jsonschema.NewCompiler()
	url := "mem://" + tool + "-args-schema.json"
	if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	g.schemaCache[tool] = schema
	return schema, nil
}

// toJSONSchemaValue converts map[string]interface{} args (which may contain
// int/int64 values from Go callers) into the float64/string/bool/nil/map/
// slice shape jsonschema.Validate expects, matching what json.Unmarshal
// would have produced.
func toJSONSchemaValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = toJSONSchemaValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = toJSONSchemaValue(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
