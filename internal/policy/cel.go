package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// RoleAnnotator evaluates optional CEL expressions attached to a role's
// attribute bag in the static policy (spec §3: "mapping from role name to
// an (unused-in-core) attribute bag"). Per DESIGN.md's Open Question #1,
// its output is advisory only: it can attach an explanatory attribute to
// an audit record but can never flip a can_publish/can_subscribe verdict.
// Grounded in pkg/governance/policy_evaluator_cel.go's env/program-cache
// pattern.
type RoleAnnotator struct {
	env *cel.Env

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewRoleAnnotator builds a CEL environment over a role's attribute bag
// and the acting ae_id, mirroring pkg/governance/policy_evaluator_cel.go's
// "module"/"timestamp" variable shape generalized to "role"/"ae_id".
func NewRoleAnnotator() (*RoleAnnotator, error) {
	env, err := cel.NewEnv(
		cel.Variable("role", cel.DynType),
		cel.Variable("ae_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	return &RoleAnnotator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Annotate evaluates expr (one role attribute's CEL rule, if present)
// against the role's attribute bag and the requesting ae_id. A non-bool
// result or evaluation error yields (false, err); callers MUST treat the
// result as metadata only, never as an authorization decision.
func (a *RoleAnnotator) Annotate(expr, aeID string, attrs map[string]any) (bool, error) {
	prg, err := a.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"role": attrs, "ae_id": aeID})
	if err != nil {
		return false, fmt.Errorf("policy: cel eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: cel expression %q did not evaluate to bool", expr)
	}
	return val, nil
}

func (a *RoleAnnotator) program(expr string) (cel.Program, error) {
	a.mu.RLock()
	prg, hit := a.prgCache[expr]
	a.mu.RUnlock()
	if hit {
		return prg, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if prg, hit := a.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := a.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: cel compile: %w", issues.Err())
	}
	prg, err := a.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("policy: cel program: %w", err)
	}
	a.prgCache[expr] = prg
	return prg, nil
}
