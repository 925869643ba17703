package widget

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"layer-engine/internal/store"
)

// DistinctValues offers the values already present in the column.
type DistinctValues struct {
	base
	allowAddNew bool
}

func newDistinctValues(b base) (Widget, error) {
	w := &DistinctValues{base: b, allowAddNew: true}
	raw := strings.TrimSpace(b.field.WidgetOptions)
	if raw == "" {
		return w, nil
	}
	var opts map[string]any
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, configErr(b.field, errInvalidJSON)
	}
	if v, ok := opts["allow_add_new"]; ok {
		allow, isBool := v.(bool)
		if !isBool {
			return nil, configErr(b.field, "Allowed values for 'allow_add_new' are: true, false")
		}
		w.allowAddNew = allow
	}
	return w, nil
}

// Values returns the distinct column values of the rows inside the layer's
// data filter, a null first when present.
func (w *DistinctValues) Values(ctx context.Context) ([]any, error) {
	if w.deps.Store == nil || w.layer == nil {
		return nil, fmt.Errorf("no store for layer")
	}
	ref, err := w.layer.TableRef()
	if err != nil {
		return nil, err
	}
	col := store.QuoteIdent(w.field.Name)
	pb := w.deps.Store.Dialect.NewParamBuilder()
	where := ""
	if conds := store.EqualsExprs(w.layer.DataFilter, pb, store.QuoteIdent); len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	_, rows, err := store.QueryTable(ctx, w.deps.Store.DB,
		fmt.Sprintf("SELECT DISTINCT %s FROM %s%s ORDER BY %s", col, ref.Quoted(), where, col), pb.Params()...)
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(rows))
	hasNull := false
	for _, r := range rows {
		if r[0] == nil {
			hasNull = true
			continue
		}
		values = append(values, r[0])
	}
	if hasNull {
		values = append([]any{nil}, values...)
	}
	return values, nil
}

func (w *DistinctValues) SerializeConfig(ctx context.Context) map[string]any {
	values, err := w.Values(ctx)
	if err != nil {
		log.Printf("WARN: distinct values for %s.%s: %v", w.layer.Name, w.field.Name, err)
		return errorConfig("ERROR WITH WIDGET OPTIONS")
	}
	return optionsConfig(map[string]any{
		"values_list":   values,
		"allow_add_new": w.allowAddNew,
	})
}
