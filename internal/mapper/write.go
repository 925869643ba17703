package mapper

import (
	"fmt"
	"sort"
	"strings"

	"layer-engine/internal/geo"
	"layer-engine/internal/store"
	"layer-engine/internal/widget"
)

// Op is the kind of write being prepared.
type Op int

const (
	// OpCreate inserts a row; required fields must be present.
	OpCreate Op = iota
	// OpUpdate changes only the submitted fields.
	OpUpdate
	// OpReplace changes a row and requires every required field.
	OpReplace
)

func (o Op) action() string {
	if o == OpCreate {
		return "create"
	}
	return "update"
}

// Prepare turns a client payload into column values. Readonly, computed,
// virtual and unknown fields are dropped silently; the primary key is kept
// only on create. wc.Old must hold the stored row for updates.
func (m *Mapper) Prepare(wc *widget.WriteContext, input map[string]any, op Op) (map[string]any, FieldErrors) {
	errs := FieldErrors{}
	out := make(map[string]any, len(input))
	pk := m.Layer.PKField

	for name, v := range input {
		if name == pk {
			if op != OpCreate {
				continue
			}
			if v == nil {
				continue
			}
			col := m.columns[pk]
			val, msg := coerceInput(col, v)
			if msg != "" {
				errs.Add(name, msg)
				continue
			}
			out[name] = val
			continue
		}

		f := m.Field(name)
		if f == nil || f.Readonly {
			continue
		}
		w := m.widgets[name]
		if w.Virtual() || w.Computed() {
			continue
		}

		if m.IsGeometry(name) {
			gv, err := geo.Parse(v)
			if err != nil {
				errs.Add(name, msgInvalidGeom)
				continue
			}
			if gv != nil && !geo.Compatible(m.Layer.GeomType, gv.Geometry) {
				errs.Add(name, fmt.Sprintf("Geometry type %s does not match %s.", geo.TypeName(gv.Geometry), m.Layer.GeomType))
				continue
			}
			if gv == nil {
				out[name] = nil
			} else {
				out[name] = gv
			}
			continue
		}

		val, msg := coerceInput(m.columns[name], v)
		if msg != "" {
			errs.Add(name, msg)
			continue
		}
		out[name] = val
	}

	m.checkBlank(out, op, errs)

	for name, v := range out {
		if _, failed := errs[name]; failed {
			continue
		}
		if checker, ok := m.widgets[name].(widget.ValueChecker); ok {
			if err := checker.CheckValue(wc, v); err != nil {
				errs.Add(name, err.Error())
			}
		}
	}

	m.checkDataFilter(out, op, errs)

	if len(errs) == 0 {
		record := out
		if op != OpCreate && wc != nil {
			record = make(map[string]any, len(wc.Old)+len(out))
			for k, v := range wc.Old {
				record[k] = v
			}
			for k, v := range out {
				record[k] = v
			}
		}
		var old map[string]any
		if wc != nil {
			old = wc.Old
		}
		m.evaluateRules(record, old, op.action(), errs)
	}
	return out, errs.OrNil()
}

// checkBlank enforces not-blank fields: required on create and replace,
// never clearable by an update.
func (m *Mapper) checkBlank(out map[string]any, op Op, errs FieldErrors) {
	for _, f := range m.fields {
		if f.Blank || f.Readonly || f.Name == m.Layer.PKField {
			continue
		}
		w := m.widgets[f.Name]
		if w.Virtual() || w.Computed() {
			continue
		}
		if _, failed := errs[f.Name]; failed {
			continue
		}
		v, present := out[f.Name]
		if !present {
			if op == OpUpdate {
				continue
			}
			if col, ok := m.columns[f.Name]; ok && col.HasDefault && op == OpCreate {
				continue
			}
			errs.Add(f.Name, msgRequired)
			continue
		}
		if v == nil {
			errs.Add(f.Name, msgBlank)
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			errs.Add(f.Name, msgBlank)
		}
	}
}

// checkDataFilter pins filtered columns: a create gets the filter values,
// any write that contradicts them is rejected.
func (m *Mapper) checkDataFilter(out map[string]any, op Op, errs FieldErrors) {
	for k, want := range m.Layer.DataFilter {
		v, present := out[k]
		if !present {
			if op == OpCreate {
				out[k] = want
			}
			continue
		}
		if fmt.Sprint(v) != fmt.Sprint(want) {
			errs.Add(k, fmt.Sprintf("Value must be %v.", want))
		}
	}
}

// Insert runs the create hooks and inserts row, returning the new primary key.
func (m *Mapper) Insert(wc *widget.WriteContext, q store.Querier, row map[string]any) (any, error) {
	for _, f := range m.fields {
		if err := m.widgets[f.Name].OnCreate(wc, row); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
	}

	pb := m.Store.Dialect.NewParamBuilder()
	cols, vals, err := m.assignments(row, pb)
	if err != nil {
		return nil, err
	}

	var sqlStr string
	if len(cols) == 0 {
		sqlStr = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", m.Ref.Quoted(), m.pkColumn())
	} else {
		sqlStr = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			m.Ref.Quoted(), strings.Join(cols, ", "), strings.Join(vals, ", "), m.pkColumn())
	}
	res, err := store.QueryRow(wc.Ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, store.MapError(m.Store.Dialect, err)
	}
	return res[m.Layer.PKField], nil
}

// Update runs the update hooks and writes the changed columns of one row.
// wc.Old must hold the stored row. A row outside the data filter or gone
// since it was read yields store.ErrNotFound.
func (m *Mapper) Update(wc *widget.WriteContext, q store.Querier, pk any, row map[string]any) error {
	for _, f := range m.fields {
		if err := m.widgets[f.Name].OnUpdate(wc, row); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	delete(row, m.Layer.PKField)
	if len(row) == 0 {
		return nil
	}

	pb := m.Store.Dialect.NewParamBuilder()
	cols, vals, err := m.assignments(row, pb)
	if err != nil {
		return err
	}
	sets := make([]string, len(cols))
	for i := range cols {
		sets[i] = cols[i] + " = " + vals[i]
	}
	conds := m.dataFilterWhere(pb, false)
	conds = append(conds, fmt.Sprintf("%s = %s", m.pkColumn(), pb.Add(pk)))

	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		m.Ref.Quoted(), strings.Join(sets, ", "), strings.Join(conds, " AND "))
	n, err := store.Exec(wc.Ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return store.MapError(m.Store.Dialect, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteByPK removes the rows with the given keys. Keys that match nothing
// are ignored. Delete hooks see each stored row before it goes.
func (m *Mapper) DeleteByPK(wc *widget.WriteContext, q store.Querier, pks []any) (int64, error) {
	if len(pks) == 0 {
		return 0, nil
	}
	rows, err := m.rawRows(wc.Ctx, q, pks)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	found := make([]any, 0, len(rows))
	for _, row := range rows {
		for _, f := range m.fields {
			if err := m.widgets[f.Name].OnDelete(wc, row); err != nil {
				return 0, fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
		found = append(found, row[m.Layer.PKField])
	}

	pb := m.Store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s",
		m.Ref.Quoted(), store.InExpr(m.pkColumn(), pb, found))
	n, err := store.Exec(wc.Ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return 0, store.MapError(m.Store.Dialect, err)
	}
	return n, nil
}

// assignments renders column names and value expressions in column order.
// Only real columns are written.
func (m *Mapper) assignments(row map[string]any, pb store.ParamBuilder) (cols, vals []string, err error) {
	names := make([]string, 0, len(row))
	for name := range row {
		if _, ok := m.columns[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		v := row[name]
		cols = append(cols, store.QuoteIdent(name))
		gv, isGeom := v.(*geo.Value)
		if !isGeom || gv == nil {
			vals = append(vals, pb.Add(v))
			continue
		}
		param, err := m.Store.Dialect.GeometryParam(gv.Geometry)
		if err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", name, err)
		}
		expr, err := m.Store.Dialect.GeometryWriteExpr(pb.Add(param), gv.SRID, m.srid())
		if err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", name, err)
		}
		vals = append(vals, expr)
	}
	return cols, vals, nil
}
