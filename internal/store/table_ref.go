package store

import (
	"fmt"
	"strings"
)

// TableRef identifies a table by optional schema and name. Table may itself
// contain dots when it was quoted in the configured identifier.
type TableRef struct {
	Schema string `json:"schema,omitempty"`
	Table  string `json:"table"`
}

// ParseTableRef normalizes the identifier forms accepted in layer configuration:
//
//	streets               -> ("", "streets")
//	gis.streets           -> ("gis", "streets")
//	"gis.streets"         -> ("", "gis.streets")
//	gis."main.streets"    -> ("gis", "main.streets")
//	"gis"."main.streets"  -> ("gis", "main.streets")
func ParseTableRef(raw string) (TableRef, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return TableRef{}, fmt.Errorf("empty table name")
	}

	quotedStart := strings.HasPrefix(s, `"`)
	quotedEnd := strings.HasSuffix(s, `"`)

	var ref TableRef
	switch {
	case strings.Contains(s, `"."`) && quotedStart && quotedEnd:
		parts := strings.SplitN(s[1:len(s)-1], `"."`, 2)
		ref = TableRef{Schema: parts[0], Table: parts[1]}
	case strings.Contains(s, `."`) && !quotedStart && quotedEnd:
		parts := strings.SplitN(s[:len(s)-1], `."`, 2)
		ref = TableRef{Schema: parts[0], Table: parts[1]}
	case strings.Contains(s, ".") && quotedStart && quotedEnd:
		ref = TableRef{Table: s[1 : len(s)-1]}
	case strings.Contains(s, ".") && !quotedStart && !quotedEnd:
		parts := strings.SplitN(s, ".", 2)
		ref = TableRef{Schema: parts[0], Table: parts[1]}
	default:
		ref = TableRef{Table: strings.ReplaceAll(s, `"`, "")}
	}

	if ref.Table == "" || strings.Contains(ref.Table, `"`) || strings.Contains(ref.Schema, `"`) {
		return TableRef{}, fmt.Errorf("invalid table name: %s", raw)
	}
	return ref, nil
}

// Quoted renders the reference as a quoted SQL identifier.
func (r TableRef) Quoted() string {
	if r.Schema == "" {
		return QuoteIdent(r.Table)
	}
	return QuoteIdent(r.Schema) + "." + QuoteIdent(r.Table)
}

func (r TableRef) String() string {
	if r.Schema == "" {
		return r.Table
	}
	return r.Schema + "." + r.Table
}

// QuoteIdent quotes an identifier for PostgreSQL and SQLite alike.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
