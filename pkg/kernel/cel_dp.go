package kernel

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// CELBudget bounds the cost of a single policy condition evaluation so that
// a misbehaving or adversarial expression cannot stall the serial engine.
type CELBudget struct {
	MaxExpressionChars int
	MaxNestingDepth    int
	MaxEvaluationCost  int64
}

// DefaultCELBudget returns the bounds applied to every tool_rule condition
// unless a policy overrides them.
func DefaultCELBudget() CELBudget {
	return CELBudget{
		MaxExpressionChars: 2000,
		MaxNestingDepth:    20,
		MaxEvaluationCost:  100000,
	}
}

// CELIssue is one static-validation finding against a condition expression.
type CELIssue struct {
	Rule    string
	Message string
}

// Static rule identifiers. A condition must pass all of them before it is
// ever compiled, since the gate must stay deterministic across replays.
const (
	CELRuleNoFloats       = "CEL-NO-FLOATS"
	CELRuleNoTimeAccess   = "CEL-NO-TIME-ACCESS"
	CELRuleNoMapIterOrder = "CEL-NO-MAP-ITER-ORDER"
	CELRuleSizeLimit      = "CEL-SIZE-LIMIT"
	CELRuleNestingLimit   = "CEL-NESTING-LIMIT"
)

// CELValidator performs static checks that keep a condition expression
// deterministic: no floating point, no wall-clock access, no map-order
// dependence, and bounded size/nesting.
type CELValidator struct {
	budget CELBudget
}

func NewCELValidator() *CELValidator {
	return &CELValidator{budget: DefaultCELBudget()}
}

func (v *CELValidator) WithBudget(b CELBudget) *CELValidator {
	v.budget = b
	return v
}

// Validate runs every static rule and returns the accumulated issues. The
// expression is valid iff the returned slice is empty.
func (v *CELValidator) Validate(expr string) []CELIssue {
	var issues []CELIssue
	issues = append(issues, v.checkNoFloats(expr)...)
	issues = append(issues, v.checkNoTimeAccess(expr)...)
	issues = append(issues, v.checkNoMapIterationDependence(expr)...)
	issues = append(issues, v.checkSize(expr)...)
	issues = append(issues, v.checkNesting(expr)...)
	return issues
}

func (v *CELValidator) checkNoFloats(expr string) []CELIssue {
	for i, r := range expr {
		if r == '.' && i > 0 && expr[i-1] >= '0' && expr[i-1] <= '9' {
			return []CELIssue{{Rule: CELRuleNoFloats, Message: "floating-point literals are forbidden in policy conditions"}}
		}
	}
	if strings.Contains(expr, "double(") {
		return []CELIssue{{Rule: CELRuleNoFloats, Message: "double() conversions are forbidden in policy conditions"}}
	}
	return nil
}

func (v *CELValidator) checkNoTimeAccess(expr string) []CELIssue {
	forbidden := []string{"now()", "timestamp(", "duration("}
	for _, pat := range forbidden {
		if strings.Contains(expr, pat) {
			return []CELIssue{{Rule: CELRuleNoTimeAccess, Message: fmt.Sprintf("%q is forbidden: conditions must be pure functions of intent/args/capabilities", pat)}}
		}
	}
	return nil
}

func (v *CELValidator) checkNoMapIterationDependence(expr string) []CELIssue {
	forbidden := []string{".keys()[", ".values()["}
	for _, pat := range forbidden {
		if strings.Contains(expr, pat) {
			return []CELIssue{{Rule: CELRuleNoMapIterOrder, Message: fmt.Sprintf("%q depends on map iteration order, which is non-deterministic", pat)}}
		}
	}
	return nil
}

func (v *CELValidator) checkSize(expr string) []CELIssue {
	if len(expr) > v.budget.MaxExpressionChars {
		return []CELIssue{{Rule: CELRuleSizeLimit, Message: fmt.Sprintf("expression length %d exceeds limit %d", len(expr), v.budget.MaxExpressionChars)}}
	}
	return nil
}

func (v *CELValidator) checkNesting(expr string) []CELIssue {
	depth, maxDepth := 0, 0
	for _, c := range expr {
		switch c {
		case '(':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')':
			depth--
		}
	}
	if maxDepth > v.budget.MaxNestingDepth {
		return []CELIssue{{Rule: CELRuleNestingLimit, Message: fmt.Sprintf("nesting depth %d exceeds limit %d", maxDepth, v.budget.MaxNestingDepth)}}
	}
	return nil
}

// CELEvaluator compiles and runs a validated condition expression against
// the intent/args/capabilities visible to the gate at decision time.
type CELEvaluator struct {
	validator *CELValidator
}

func NewCELEvaluator() *CELEvaluator {
	return &CELEvaluator{validator: NewCELValidator()}
}

func (e *CELEvaluator) WithBudget(b CELBudget) *CELEvaluator {
	e.validator.WithBudget(b)
	return e
}

// Evaluate validates then runs expr with the given input bindings, returning
// the boolean result. A non-bool result or a validation failure is a policy
// error, surfaced by the caller as policy:invalid_combo.
func (e *CELEvaluator) Evaluate(expr string, input map[string]any) (bool, error) {
	if issues := e.validator.Validate(expr); len(issues) > 0 {
		return false, fmt.Errorf("condition failed static validation: %s", formatIssues(issues))
	}

	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("args", cel.DynType),
		cel.Variable("capabilities", cel.ListType(cel.StringType)),
		cel.Variable("risk", cel.StringType),
	)
	if err != nil {
		return false, fmt.Errorf("create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("compile condition: %w", issues.Err())
	}

	prog, err := env.Program(ast,
		cel.CostLimit(uint64(e.validator.budget.MaxEvaluationCost)), //nolint:gosec // budget is always non-negative
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return false, fmt.Errorf("build CEL program: %w", err)
	}

	val, _, err := prog.Eval(input)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}

	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition must evaluate to a bool, got %T", val.Value())
	}
	return b, nil
}

func formatIssues(issues []CELIssue) string {
	parts := make([]string, 0, len(issues))
	for _, i := range issues {
		parts = append(parts, fmt.Sprintf("[%s] %s", i.Rule, i.Message))
	}
	return strings.Join(parts, "; ")
}
