package router

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/timzifer/devsim/internal/config"
	"github.com/timzifer/devsim/internal/dispatch"
)

// Request is the environment access rule expressions are evaluated against.
type Request struct {
	Operation dispatch.Kind
	Address   uint16
	Count     int
	Client    string
}

func (r Request) env() map[string]interface{} {
	return map[string]interface{}{
		"operation": r.Operation.String(),
		"address":   int(r.Address),
		"count":     r.Count,
		"end":       int(r.Address) + r.Count,
		"client":    r.Client,
		"write":     r.Operation.IsWrite(),
	}
}

type accessRule struct {
	name       string
	expression string
	kinds      map[dispatch.Kind]struct{}
	program    *vm.Program
}

// applies reports whether the rule is evaluated for kind. A coil write of
// quantity one is served as write_single_coil whichever function code carried
// it, so rules listing write_multiple_coils also cover it.
func (r *accessRule) applies(kind dispatch.Kind) bool {
	if len(r.kinds) == 0 {
		return true
	}
	if _, ok := r.kinds[kind]; ok {
		return true
	}
	if kind == dispatch.WriteSingleCoil {
		_, ok := r.kinds[dispatch.WriteMultipleCoils]
		return ok
	}
	return false
}

// Rules is a compiled, immutable set of access rules. A nil *Rules allows
// everything.
type Rules struct {
	rules []*accessRule
}

// CompileRules compiles the deny expressions of cfgs. Each expression must
// evaluate to a boolean.
func CompileRules(cfgs []config.AccessRuleConfig) (*Rules, error) {
	if len(cfgs) == 0 {
		return nil, nil
	}
	compiled := make([]*accessRule, 0, len(cfgs))
	for _, cfg := range cfgs {
		program, err := expr.Compile(cfg.Deny, expr.Env(Request{}.env()), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("access rule %q: compile: %w", cfg.Name, err)
		}
		rule := &accessRule{name: cfg.Name, expression: cfg.Deny, program: program}
		if len(cfg.Operations) > 0 {
			rule.kinds = make(map[dispatch.Kind]struct{}, len(cfg.Operations))
			for _, name := range cfg.Operations {
				kind, err := dispatch.ParseKind(name)
				if err != nil {
					return nil, fmt.Errorf("access rule %q: %w", cfg.Name, err)
				}
				rule.kinds[kind] = struct{}{}
			}
		}
		compiled = append(compiled, rule)
	}
	return &Rules{rules: compiled}, nil
}

// Len returns the number of compiled rules.
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

// Check evaluates the rules in order and returns the name of the first rule
// that denies req. An evaluation error denies the request as well.
func (r *Rules) Check(req Request) (string, error) {
	if r == nil {
		return "", nil
	}
	env := req.env()
	for _, rule := range r.rules {
		if !rule.applies(req.Operation) {
			continue
		}
		out, err := expr.Run(rule.program, env)
		if err != nil {
			return rule.name, fmt.Errorf("access rule %q: evaluate: %w", rule.name, err)
		}
		if deny, _ := out.(bool); deny {
			return rule.name, nil
		}
	}
	return "", nil
}
