package mapper

import (
	"context"
	"fmt"
	"strings"

	"github.com/paulmach/orb"

	"layer-engine/internal/metadata"
	"layer-engine/internal/store"
	"layer-engine/internal/widget"
)

const tableAlias = "t"

// Filter operators accepted in Query.Filters.
var filterOps = map[string]string{
	"eq":  "=",
	"neq": "!=",
	"gt":  ">",
	"gte": ">=",
	"lt":  "<",
	"lte": "<=",
}

// Filter is a single column condition. Values are already coerced;
// "in" and "not_in" take a []any.
type Filter struct {
	Field string
	Op    string
	Value any
}

type Sort struct {
	Field string
	Desc  bool
}

// Query narrows a list read. Limit 0 means unbounded.
type Query struct {
	Filters    []Filter
	Search     string
	BBox       *orb.Bound
	Intersects orb.Geometry
	Sort       []Sort
	Limit      int
	Offset     int
	Fields     []string
}

// ValidOp reports whether op is a supported filter operator.
func ValidOp(op string) bool {
	if _, ok := filterOps[op]; ok {
		return true
	}
	return op == "in" || op == "not_in" || op == "like"
}

func column(name string) string {
	return tableAlias + "." + store.QuoteIdent(name)
}

// selectFields resolves the requested output fields: the primary key always,
// then every requested enabled field (all of them when none are named).
func (m *Mapper) selectFields(requested []string) []string {
	want := map[string]bool{}
	for _, f := range requested {
		want[f] = true
	}
	out := []string{m.Layer.PKField}
	for _, f := range m.fields {
		if f.Name == m.Layer.PKField {
			continue
		}
		if len(requested) > 0 && !want[f.Name] {
			continue
		}
		out = append(out, f.Name)
	}
	return out
}

func (m *Mapper) selectList(fields []string) string {
	rq := &widget.ReadQuery{Alias: tableAlias}
	var cols []string
	for _, name := range fields {
		if w := m.widgets[name]; w != nil && w.Virtual() {
			w.ExtendReadQuery(rq)
			continue
		}
		if m.IsGeometry(name) {
			cols = append(cols, fmt.Sprintf("%s AS %s",
				m.Store.Dialect.GeometryReadExpr(column(name), m.srid()), store.QuoteIdent(name)))
			continue
		}
		cols = append(cols, column(name))
	}
	cols = append(cols, rq.Selects...)
	return strings.Join(cols, ", ")
}

// rawSelectList selects stored values without any transformation.
func (m *Mapper) rawSelectList() string {
	cols := []string{column(m.Layer.PKField)}
	for _, f := range m.fields {
		if f.Name == m.Layer.PKField || m.widgets[f.Name].Virtual() {
			continue
		}
		cols = append(cols, column(f.Name))
	}
	return strings.Join(cols, ", ")
}

// dataFilterWhere restricts reads to the layer's data_filter.
func (m *Mapper) dataFilterWhere(pb store.ParamBuilder, alias bool) []string {
	qualify := store.QuoteIdent
	if alias {
		qualify = column
	}
	return store.EqualsExprs(m.Layer.DataFilter, pb, qualify)
}

func (m *Mapper) where(q Query, pb store.ParamBuilder) (string, error) {
	conds := m.dataFilterWhere(pb, true)

	for _, f := range q.Filters {
		col := column(f.Field)
		switch f.Op {
		case "in", "not_in":
			values, ok := f.Value.([]any)
			if !ok {
				values = []any{f.Value}
			}
			if f.Op == "in" {
				conds = append(conds, store.InExpr(col, pb, values))
			} else {
				conds = append(conds, store.NotInExpr(col, pb, values))
			}
		case "like":
			conds = append(conds, m.Store.Dialect.LikeExpr(col, pb.Add("%"+fmt.Sprint(f.Value)+"%")))
		default:
			sqlOp, ok := filterOps[f.Op]
			if !ok {
				return "", fmt.Errorf("unknown filter operator %q", f.Op)
			}
			if f.Value == nil && (f.Op == "eq" || f.Op == "neq") {
				if f.Op == "eq" {
					conds = append(conds, col+" IS NULL")
				} else {
					conds = append(conds, col+" IS NOT NULL")
				}
				continue
			}
			conds = append(conds, fmt.Sprintf("%s %s %s", col, sqlOp, pb.Add(f.Value)))
		}
	}

	if q.Search != "" {
		var ors []string
		for _, f := range m.fields {
			if !f.FullSearch || m.widgets[f.Name].Virtual() || m.IsGeometry(f.Name) {
				continue
			}
			ors = append(ors, m.Store.Dialect.LikeExpr(column(f.Name), pb.Add("%"+q.Search+"%")))
		}
		if len(ors) > 0 {
			conds = append(conds, "("+strings.Join(ors, " OR ")+")")
		}
	}

	if q.BBox != nil || q.Intersects != nil {
		if !m.Layer.HasGeometry() {
			return "", fmt.Errorf("layer %s has no geometry", m.Layer.Name)
		}
		geomCol := column(m.Layer.GeomField)
		if q.BBox != nil {
			cond, err := m.Store.Dialect.BBoxExpr(geomCol, pb, *q.BBox, m.srid())
			if err != nil {
				return "", err
			}
			conds = append(conds, cond)
		}
		if q.Intersects != nil {
			cond, err := m.Store.Dialect.IntersectsExpr(geomCol, pb, q.Intersects, m.srid())
			if err != nil {
				return "", err
			}
			conds = append(conds, cond)
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), nil
}

func (m *Mapper) orderBy(sorts []Sort) string {
	if len(sorts) == 0 {
		return " ORDER BY " + column(m.Layer.PKField)
	}
	parts := make([]string, 0, len(sorts)+1)
	for _, s := range sorts {
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		parts = append(parts, column(s.Field)+" "+dir)
	}
	parts = append(parts, column(m.Layer.PKField))
	return " ORDER BY " + strings.Join(parts, ", ")
}

// List returns the rows matching q in query order.
func (m *Mapper) List(ctx context.Context, qr store.Querier, q Query) ([]map[string]any, error) {
	pb := m.Store.Dialect.NewParamBuilder()
	where, err := m.where(q, pb)
	if err != nil {
		return nil, err
	}
	sqlStr := fmt.Sprintf("SELECT %s FROM %s %s%s%s",
		m.selectList(m.selectFields(q.Fields)), m.Ref.Quoted(), tableAlias, where, m.orderBy(q.Sort))
	if q.Limit > 0 {
		sqlStr += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset)
	}
	rows, err := store.QueryRows(ctx, qr, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.Layer.Name, err)
	}
	m.fixBooleans(rows)
	return rows, nil
}

// Count returns the number of rows matching q, ignoring pagination.
func (m *Mapper) Count(ctx context.Context, qr store.Querier, q Query) (int, error) {
	pb := m.Store.Dialect.NewParamBuilder()
	where, err := m.where(q, pb)
	if err != nil {
		return 0, err
	}
	sqlStr := fmt.Sprintf("SELECT COUNT(*) AS total FROM %s %s%s", m.Ref.Quoted(), tableAlias, where)
	row, err := store.QueryRow(ctx, qr, sqlStr, pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", m.Layer.Name, err)
	}
	return metadata.ToInt(row["total"]), nil
}

// Get reads one row by primary key, or store.ErrNotFound.
func (m *Mapper) Get(ctx context.Context, qr store.Querier, pk any) (map[string]any, error) {
	rows, err := m.List(ctx, qr, Query{Filters: []Filter{{Field: m.Layer.PKField, Op: "eq", Value: pk}}})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return rows[0], nil
}

// GetRaw reads the stored values of one row, as widgets see them on write.
func (m *Mapper) GetRaw(ctx context.Context, qr store.Querier, pk any) (map[string]any, error) {
	rows, err := m.rawRows(ctx, qr, []any{pk})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return rows[0], nil
}

func (m *Mapper) rawRows(ctx context.Context, qr store.Querier, pks []any) ([]map[string]any, error) {
	pb := m.Store.Dialect.NewParamBuilder()
	conds := m.dataFilterWhere(pb, true)
	conds = append(conds, store.InExpr(column(m.Layer.PKField), pb, pks))
	sqlStr := fmt.Sprintf("SELECT %s FROM %s %s WHERE %s",
		m.rawSelectList(), m.Ref.Quoted(), tableAlias, strings.Join(conds, " AND "))
	rows, err := store.QueryRows(ctx, qr, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", m.Layer.Name, err)
	}
	m.fixBooleans(rows)
	return rows, nil
}

func (m *Mapper) fixBooleans(rows []map[string]any) {
	if !m.Store.Dialect.NeedsBoolFix() {
		return
	}
	var bools []string
	for _, c := range m.Schema.Columns {
		if store.IsBoolType(c.DataType) {
			bools = append(bools, c.Name)
		}
	}
	store.NormalizeBooleans(rows, bools)
}
