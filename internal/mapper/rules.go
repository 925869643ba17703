package mapper

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/paulmach/orb/encoding/wkt"

	"layer-engine/internal/geo"
	"layer-engine/internal/metadata"
)

const msgRuleViolated = "Expression rule violated"

// CompileRule compiles a rule expression. The expression must yield a
// boolean; true means the write violates the rule.
func CompileRule(r metadata.Rule) (*vm.Program, error) {
	prog, err := expr.Compile(r.Expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile rule %q: %w", r.Expression, err)
	}
	return prog, nil
}

// evaluateRules runs every layer rule against the merged record and adds a
// message for each violated one.
func (m *Mapper) evaluateRules(record, old map[string]any, action string, errs FieldErrors) {
	if len(m.rules) == 0 {
		return
	}
	if old == nil {
		old = map[string]any{}
	}
	env := map[string]any{
		"record": ruleView(record),
		"old":    ruleView(old),
		"action": action,
	}
	for _, r := range m.rules {
		field := r.rule.Field
		if field == "" {
			field = NonFieldErrors
		}
		result, err := expr.Run(r.program, env)
		if err != nil {
			errs.Add(field, fmt.Sprintf("rule evaluation error: %v", err))
			continue
		}
		if violated, ok := result.(bool); ok && violated {
			msg := r.rule.Message
			if msg == "" {
				msg = msgRuleViolated
			}
			errs.Add(field, msg)
		}
	}
}

// ruleView exposes geometries to expressions as WKT.
func ruleView(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if gv, ok := v.(*geo.Value); ok {
			if gv == nil {
				out[k] = nil
			} else {
				out[k] = wkt.MarshalString(gv.Geometry)
			}
			continue
		}
		out[k] = v
	}
	return out
}
