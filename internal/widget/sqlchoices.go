package widget

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"regexp"
	"strings"

	"layer-engine/internal/store"
)

type sqlChoicesOptions struct {
	Query   string   `json:"query" validate:"required"`
	Label   string   `json:"label,omitempty"`
	Headers []string `json:"headers,omitempty"`
}

var labelPlaceholder = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// SQLChoices builds its choice list from a read-only query run when the
// layer description is served.
type SQLChoices struct {
	base
	opts sqlChoicesOptions
}

func newSQLChoices(b base) (Widget, error) {
	w := &SQLChoices{base: b}
	if err := decodeOptions(b.field, &w.opts); err != nil {
		return nil, err
	}
	q := strings.TrimSuffix(strings.TrimSpace(w.opts.Query), ";")
	words := strings.Fields(q)
	if len(words) == 0 || (!strings.EqualFold(words[0], "SELECT") && !strings.EqualFold(words[0], "WITH")) {
		return nil, configErr(b.field, "'query' must be a SELECT statement")
	}
	if strings.Contains(q, ";") {
		return nil, configErr(b.field, "'query' must be a single statement")
	}
	w.opts.Query = q
	return w, nil
}

// Validate runs the query without fetching rows.
func (w *SQLChoices) Validate(ctx context.Context) error {
	if w.deps.Store == nil {
		return nil
	}
	_, _, err := w.query(ctx, fmt.Sprintf("SELECT * FROM (%s) q LIMIT 0", w.opts.Query))
	if err != nil {
		return configErr(w.field, "'query' failed: %v", err)
	}
	return nil
}

// Choices runs the query. The first column is the key; the label is the
// template rendered against the row, else the second column, else the key.
func (w *SQLChoices) Choices(ctx context.Context) (values [][2]any, headers []string, err error) {
	if w.deps.Store == nil {
		return nil, nil, fmt.Errorf("no store for layer")
	}
	cols, rows, err := w.query(ctx, w.opts.Query)
	if err != nil {
		return nil, nil, err
	}
	if len(cols) == 0 {
		return nil, nil, fmt.Errorf("query returned no columns")
	}

	values = make([][2]any, 0, len(rows))
	for _, r := range rows {
		var label any = r[0]
		switch {
		case w.opts.Label != "":
			byName := make(map[string]any, len(cols))
			for i, c := range cols {
				byName[c] = r[i]
			}
			label = labelPlaceholder.ReplaceAllStringFunc(w.opts.Label, func(m string) string {
				v, ok := byName[m[1:len(m)-1]]
				if !ok || v == nil {
					return ""
				}
				return fmt.Sprint(v)
			})
		case len(cols) > 1:
			label = r[1]
		}
		values = append(values, [2]any{r[0], label})
	}

	headers = w.opts.Headers
	if len(headers) == 0 {
		headers = cols
	}
	return values, headers, nil
}

// query runs q in a transaction that is always rolled back. On PostgreSQL
// the transaction is READ ONLY, which also stops data-modifying CTEs;
// SQLite has no such CTEs.
func (w *SQLChoices) query(ctx context.Context, q string) ([]string, [][]any, error) {
	s := w.deps.Store
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.Dialect.Name() == "postgres"})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()
	return store.QueryTable(ctx, tx, q)
}

func (w *SQLChoices) SerializeConfig(ctx context.Context) map[string]any {
	values, headers, err := w.Choices(ctx)
	if err != nil {
		log.Printf("WARN: sql choices for %s: %v", w.field.Name, err)
		return errorConfig("ERROR WITH WIDGET OPTIONS")
	}
	return optionsConfig(map[string]any{
		"values_list": values,
		"headers":     headers,
	})
}
