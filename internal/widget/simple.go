package widget

import (
	"context"
	"strings"
)

// Choices offers a static key/value list, one "key,value" pair per line.
type Choices struct {
	base
	values []any
}

func newChoices(b base) (Widget, error) {
	w := &Choices{base: b}
	for _, line := range strings.Split(strings.ReplaceAll(b.field.WidgetOptions, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, ",")
		switch len(parts) {
		case 1:
			w.values = append(w.values, parts[0])
		case 2:
			w.values = append(w.values, []string{parts[0], parts[1]})
		default:
			return nil, configErr(b.field, "line %q must be 'key,value' or 'value'", line)
		}
	}
	return w, nil
}

func (w *Choices) SerializeConfig(context.Context) map[string]any {
	values := w.values
	if values == nil {
		values = []any{}
	}
	return optionsConfig(map[string]any{"values_list": values})
}

type dateOptions struct {
	Format string `json:"format" validate:"required"`
}

// Date carries a client display format for date and datetime columns.
type Date struct {
	base
	opts dateOptions
}

func newDate(b base) (Widget, error) {
	w := &Date{base: b}
	if err := decodeOptions(b.field, &w.opts); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Date) SerializeConfig(context.Context) map[string]any {
	return optionsConfig(rawOptions(w.field))
}

type linkedFieldOptions struct {
	Source string `json:"source" validate:"required"`
	Column string `json:"column,omitempty"`
}

// LinkedField shows a column of the row referenced by a foreign-key field
// of the same layer.
type LinkedField struct {
	base
	opts linkedFieldOptions
}

func newLinkedField(b base) (Widget, error) {
	w := &LinkedField{base: b}
	if err := decodeOptions(b.field, &w.opts); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *LinkedField) Validate(context.Context) error {
	if w.layer != nil && w.layer.GetField(w.opts.Source) == nil {
		return configErr(w.field, "The %s 'source' doesn't exist", w.opts.Source)
	}
	return nil
}

func (w *LinkedField) SerializeConfig(context.Context) map[string]any {
	return optionsConfig(rawOptions(w.field))
}
