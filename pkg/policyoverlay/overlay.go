// Package policyoverlay implements the sole runtime policy-mutation path:
// a tightening-only overlay that the operator applies on top of the policy
// a Capability Gate is currently running.
package policyoverlay

import (
	"fmt"
	"os"
)

// BreakGlassEnv gates policy mutation entirely. Mutation is disabled by
// default; an operator must explicitly opt in per deployment.
const BreakGlassEnv = "KERNEL_ALLOW_POLICY_MUTATION"

// RelaxedError reports the first field at which a proposed policy loosened
// rather than tightened an existing one.
type RelaxedError struct {
	Field  string
	Reason string
}

func (e *RelaxedError) Error() string {
	return fmt.Sprintf("policy:relaxed at %s: %s", e.Field, e.Reason)
}

// ErrMutationDisabled is returned when Apply is called without the
// break-glass flag set.
var ErrMutationDisabled = fmt.Errorf("policy:mutation_disabled")

// NetworkSandbox is the subset of a policy subject to tightening rules.
// Fields not named here pass through untouched; the overlay only inspects
// the fields this type names.
type NetworkSandbox struct {
	NetworkAllowlist      []string
	SandboxFSAllow        []string
	SandboxTimeoutBudgetMs int
}

// Validate checks that proposed is no looser than current. It returns the
// first RelaxedError found; a nil return means proposed may be applied.
func Validate(current, proposed NetworkSandbox) error {
	if err := validateSubset("security.network.allowlist", current.NetworkAllowlist, proposed.NetworkAllowlist); err != nil {
		return err
	}
	if err := validateSubset("agents.sandbox.fs.allow", current.SandboxFSAllow, proposed.SandboxFSAllow); err != nil {
		return err
	}
	if err := validateMonotoneTimeout(current.SandboxTimeoutBudgetMs, proposed.SandboxTimeoutBudgetMs); err != nil {
		return err
	}
	return nil
}

// validateSubset enforces that proposed ⊆ current by string equality, and
// that a previously-present list is never removed entirely.
func validateSubset(field string, current, proposed []string) error {
	if len(current) > 0 && len(proposed) == 0 {
		return &RelaxedError{Field: field, Reason: "list removed entirely"}
	}
	allowed := make(map[string]bool, len(current))
	for _, v := range current {
		allowed[v] = true
	}
	for _, v := range proposed {
		if !allowed[v] {
			return &RelaxedError{Field: field, Reason: fmt.Sprintf("entry %q not present in current policy", v)}
		}
	}
	return nil
}

func validateMonotoneTimeout(current, proposed int) error {
	if current == 0 {
		return nil // unset means no prior budget to compare against
	}
	if proposed > current {
		return &RelaxedError{
			Field:  "agents.sandbox.executionBudget.timeoutMs",
			Reason: fmt.Sprintf("proposed %d exceeds current %d", proposed, current),
		}
	}
	return nil
}

// Apply validates proposed against current and, if it passes, returns it as
// the new effective policy. Mutation is refused unless BreakGlassEnv is set
// to "true" — the only supported runtime policy-mutation path is this
// tightening overlay, and it is off by default.
func Apply(current, proposed NetworkSandbox) (NetworkSandbox, error) {
	if os.Getenv(BreakGlassEnv) != "true" {
		return NetworkSandbox{}, ErrMutationDisabled
	}
	if err := Validate(current, proposed); err != nil {
		return NetworkSandbox{}, err
	}
	return proposed, nil
}
