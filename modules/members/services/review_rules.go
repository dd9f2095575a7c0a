package services

import (
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
	"github.com/jacksonlee411/member-delta-sync/pkg/syncerr"
)

// ReviewRule flags a change set for manual review when Expr, a CEL boolean
// expression, evaluates true. Available variables: tenant_id, fields,
// significance, change_count and changes (list of {field, old, new}).
type ReviewRule struct {
	ID   string `yaml:"id"`
	Expr string `yaml:"expr"`
}

type compiledReviewRule struct {
	id      string
	program cel.Program
}

var newReviewRuleCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("fields", cel.ListType(cel.StringType)),
		cel.Variable("significance", cel.StringType),
		cel.Variable("change_count", cel.IntType),
		cel.Variable("changes", cel.ListType(cel.MapType(cel.StringType, cel.StringType))),
	)
}

func compileReviewRules(rules []ReviewRule) ([]compiledReviewRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	env, err := newReviewRuleCELEnv()
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	out := make([]compiledReviewRule, 0, len(rules))
	for _, r := range rules {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return nil, syncerr.Policy("review rule id is required")
		}
		if seen[id] {
			return nil, syncerr.Policy("duplicate review rule %q", id)
		}
		seen[id] = true

		expr := strings.TrimSpace(r.Expr)
		if expr == "" {
			return nil, syncerr.Policy("review rule %q: expression required", id)
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, syncerr.Policy("review rule %q: %v", id, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, syncerr.Policy("review rule %q: expression must be boolean", id)
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, syncerr.Policy("review rule %q: %v", id, err)
		}
		out = append(out, compiledReviewRule{id: id, program: program})
	}
	return out, nil
}

func reviewRuleActivation(tenantID string, changes []types.FieldChange) map[string]any {
	fields := make([]string, 0, len(changes))
	list := make([]map[string]string, 0, len(changes))
	for _, c := range changes {
		fields = append(fields, string(c.Field))
		list = append(list, map[string]string{
			"field": string(c.Field),
			"old":   ComparableKey(c.Field, c.OldValue),
			"new":   ComparableKey(c.Field, c.NewValue),
		})
	}
	return map[string]any{
		"tenant_id":    tenantID,
		"fields":       fields,
		"significance": string(ClassifySignificance(changes)),
		"change_count": int64(len(changes)),
		"changes":      list,
	}
}

func (r compiledReviewRule) matches(activation map[string]any) (bool, error) {
	out, _, err := r.program.Eval(activation)
	if err != nil {
		return false, syncerr.Policy("review rule %q: %v", r.id, err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, syncerr.Policy("review rule %q: non-boolean result", r.id)
	}
	return v, nil
}
