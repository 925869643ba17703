package widget

import (
	"context"
	"encoding/json"
	"strings"

	"layer-engine/internal/metadata"
)

// Computed fills creation/modification users and timestamps. Submitted
// values for these fields are always replaced.
type Computed struct {
	base
	onCreate bool
	value    func(wc *WriteContext) any
}

// IsComputedKind reports whether kind fills its value from the write context.
func IsComputedKind(kind string) bool {
	switch kind {
	case metadata.WidgetCreationDate, metadata.WidgetCreationDatetime, metadata.WidgetCreationUser,
		metadata.WidgetModificationDate, metadata.WidgetModificationDatetime, metadata.WidgetModificationUser:
		return true
	}
	return false
}

func newComputed(b base) (Widget, error) {
	w := &Computed{base: b}
	switch b.kind {
	case metadata.WidgetCreationDate, metadata.WidgetCreationDatetime, metadata.WidgetCreationUser:
		w.onCreate = true
	}

	switch {
	case strings.HasSuffix(b.kind, "user"):
		w.value = func(wc *WriteContext) any {
			if wc.User.IsAnonymous() {
				return nil
			}
			return wc.User.Username
		}
	case strings.HasSuffix(b.kind, "datetime"):
		w.value = func(wc *WriteContext) any { return wc.Now.UTC() }
	default:
		w.value = func(wc *WriteContext) any { return wc.Now.Format("2006-01-02") }
	}

	if !b.field.Readonly {
		return nil, configErr(b.field, errReadonlyRequired)
	}
	if raw := strings.TrimSpace(b.field.WidgetOptions); raw != "" {
		var opts map[string]any
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return nil, configErr(b.field, errInvalidJSON)
		}
	}
	return w, nil
}

func (w *Computed) Computed() bool { return true }

func (w *Computed) OnCreate(wc *WriteContext, row map[string]any) error {
	if w.onCreate {
		row[w.field.Name] = w.value(wc)
	} else {
		delete(row, w.field.Name)
	}
	return nil
}

func (w *Computed) OnUpdate(wc *WriteContext, row map[string]any) error {
	if w.onCreate {
		delete(row, w.field.Name)
	} else {
		row[w.field.Name] = w.value(wc)
	}
	return nil
}

func (w *Computed) SerializeConfig(context.Context) map[string]any {
	return optionsConfig(rawOptions(w.field))
}
