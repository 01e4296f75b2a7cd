package schema

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// rule is a compiled CEL constraint. cel.Program is safe for concurrent use.
type rule struct {
	source string
	prg    cel.Program
}

// compileRules declares every schema field as a typed CEL variable (double
// for numeric, string for categorical) and compiles each expression once.
func compileRules(s *Schema, sources []string) ([]*rule, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	opts := make([]cel.EnvOption, 0, len(s.numeric)+len(s.categorical))
	for _, name := range s.numeric {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}
	for _, f := range s.categorical {
		opts = append(opts, cel.Variable(f.Name, cel.StringType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}

	rules := make([]*rule, 0, len(sources))
	for _, src := range sources {
		ast, issues := env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule %q: %w", src, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %q must evaluate to bool, got %s", src, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("build rule %q: %w", src, err)
		}
		rules = append(rules, &rule{source: src, prg: prg})
	}
	return rules, nil
}

func (s *Schema) checkRules(rec Record) error {
	if len(s.rules) == 0 {
		return nil
	}

	vars := make(map[string]any, len(rec.Numeric)+len(rec.Categorical))
	for k, v := range rec.Numeric {
		vars[k] = v
	}
	for k, v := range rec.Categorical {
		vars[k] = v
	}

	for _, r := range s.rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			return &ViolationError{Rule: r.source, Reason: fmt.Sprintf("evaluation failed: %v", err)}
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return &ViolationError{Rule: r.source, Reason: fmt.Sprintf("expected bool result, got %T", out.Value())}
		}
		if !ok {
			return &ViolationError{Rule: r.source, Reason: "constraint not satisfied"}
		}
	}
	return nil
}
