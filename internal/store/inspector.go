package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTableNotFound  = errors.New("table not found")
	ErrColumnNotFound = errors.New("column not found")
	ErrNoPrimaryKey   = errors.New("no primary key could be resolved")
)

// Column describes one column of an inspected table.
type Column struct {
	Name          string `json:"name"`
	DataType      string `json:"data_type"`
	Nullable      bool   `json:"nullable"`
	MaxLength     int    `json:"max_length,omitempty"`
	Precision     int    `json:"precision,omitempty"`
	Unique        bool   `json:"unique"`
	PrimaryKey    bool   `json:"primary_key"`
	AutoIncrement bool   `json:"auto_increment"`
	HasDefault    bool   `json:"has_default"`
	GeometryType  string `json:"geometry_type,omitempty"`
	SRID          int    `json:"srid,omitempty"`
}

// TableSchema is the ordered column set of a table.
type TableSchema struct {
	Ref     TableRef `json:"table"`
	Columns []Column `json:"columns"`
}

// Inspect reads the live catalog for ref. Columns come back in ordinal order.
func Inspect(ctx context.Context, q Querier, dialect Dialect, ref TableRef) (*TableSchema, error) {
	cols, err := dialect.InspectColumns(ctx, q, ref)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", ref, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("inspect %s: %w", ref, ErrTableNotFound)
	}
	return &TableSchema{Ref: ref, Columns: cols}, nil
}

// Column returns the named column or ErrColumnNotFound.
func (t *TableSchema) Column(name string) (*Column, error) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], nil
		}
	}
	return nil, fmt.Errorf("%s.%s: %w", t.Ref, name, ErrColumnNotFound)
}

// ResolvePrimaryKey picks the column used as the layer key: an explicit
// choice, the table's single-column primary key, a single-column unique
// constraint, or an auto-increment column, in that order.
func (t *TableSchema) ResolvePrimaryKey(explicit string) (string, error) {
	if explicit != "" {
		col, err := t.Column(explicit)
		if err != nil {
			return "", err
		}
		return col.Name, nil
	}

	var pks []string
	for _, c := range t.Columns {
		if c.PrimaryKey {
			pks = append(pks, c.Name)
		}
	}
	if len(pks) == 1 {
		return pks[0], nil
	}

	for _, c := range t.Columns {
		if c.Unique && !c.PrimaryKey {
			return c.Name, nil
		}
	}
	for _, c := range t.Columns {
		if c.AutoIncrement {
			return c.Name, nil
		}
	}
	return "", fmt.Errorf("%s: %w", t.Ref, ErrNoPrimaryKey)
}

// GeometryColumns returns the columns holding geometries.
func (t *TableSchema) GeometryColumns() []Column {
	var out []Column
	for _, c := range t.Columns {
		if IsGeometryType(c.DataType) {
			out = append(out, c)
		}
	}
	return out
}

// IsIntegerType reports whether a catalog type name is an integer type.
func IsIntegerType(dataType string) bool {
	t := strings.ToLower(dataType)
	switch t {
	case "integer", "int", "int2", "int4", "int8", "smallint", "bigint", "serial", "bigserial", "tinyint", "mediumint":
		return true
	}
	return strings.HasPrefix(t, "int") && !strings.HasPrefix(t, "interval")
}

// IsNumericType reports whether a catalog type name is a non-integer number.
func IsNumericType(dataType string) bool {
	t := strings.ToLower(dataType)
	return strings.HasPrefix(t, "numeric") || strings.HasPrefix(t, "decimal") ||
		strings.HasPrefix(t, "real") || strings.HasPrefix(t, "double") ||
		strings.HasPrefix(t, "float")
}

// IsBoolType reports whether a catalog type name is boolean.
func IsBoolType(dataType string) bool {
	t := strings.ToLower(dataType)
	return t == "boolean" || t == "bool"
}

// IsGeometryType reports whether a catalog type name is a spatial type.
func IsGeometryType(dataType string) bool {
	t := strings.ToLower(dataType)
	if strings.HasPrefix(t, "geometry") || strings.HasPrefix(t, "geography") {
		return true
	}
	switch t {
	case "point", "linestring", "polygon", "multipoint", "multilinestring", "multipolygon", "geometrycollection":
		return true
	}
	return false
}
