package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
// Geometries are stored as WKT text in the layer's SRID; reprojection and
// spatial predicates are not available.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string          { return "sqlite" }
func (d *SQLiteDialect) DriverName() string    { return "sqlite" }
func (d *SQLiteDialect) NowExpr() string       { return "datetime('now')" }
func (d *SQLiteDialect) NeedsBoolFix() bool    { return true }
func (d *SQLiteDialect) DefaultSchema() string { return "main" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) InspectColumns(ctx context.Context, q Querier, ref TableRef) ([]Column, error) {
	schema := ref.Schema
	if schema == "" {
		schema = d.DefaultSchema()
	}
	prefix := QuoteIdent(schema) + "."

	rows, err := QueryRows(ctx, q, fmt.Sprintf("PRAGMA %stable_info(%s)", prefix, QuoteIdent(ref.Table)))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	cols := make([]Column, 0, len(rows))
	pkCount := 0
	for _, r := range rows {
		dataType := asString(r["type"])
		col := Column{
			Name:       asString(r["name"]),
			DataType:   dataType,
			Nullable:   asInt(r["notnull"]) == 0,
			PrimaryKey: asInt(r["pk"]) > 0,
			HasDefault: r["dflt_value"] != nil,
		}
		if col.PrimaryKey {
			pkCount++
			col.Nullable = false
		}
		if IsGeometryType(dataType) {
			col.GeometryType = strings.ToUpper(dataType)
			if col.GeometryType == "GEOMETRY" {
				col.GeometryType = ""
			}
		}
		cols = append(cols, col)
	}

	// An INTEGER PRIMARY KEY column aliases the rowid.
	if pkCount == 1 {
		for i := range cols {
			if cols[i].PrimaryKey && strings.EqualFold(cols[i].DataType, "INTEGER") {
				cols[i].AutoIncrement = true
				cols[i].HasDefault = true
			}
		}
	}

	indexes, err := QueryRows(ctx, q, fmt.Sprintf("PRAGMA %sindex_list(%s)", prefix, QuoteIdent(ref.Table)))
	if err != nil {
		return nil, fmt.Errorf("index list: %w", err)
	}
	for _, idx := range indexes {
		if asInt(idx["unique"]) != 1 || asString(idx["origin"]) == "pk" {
			continue
		}
		info, err := QueryRows(ctx, q, fmt.Sprintf("PRAGMA %sindex_info(%s)", prefix, QuoteIdent(asString(idx["name"]))))
		if err != nil {
			return nil, fmt.Errorf("index info: %w", err)
		}
		if len(info) != 1 {
			continue
		}
		name := asString(info[0]["name"])
		for i := range cols {
			if cols[i].Name == name {
				cols[i].Unique = true
			}
		}
	}
	return cols, nil
}

func (d *SQLiteDialect) LikeExpr(column, placeholder string) string {
	return fmt.Sprintf("CAST(%s AS TEXT) LIKE %s", column, placeholder)
}

func (d *SQLiteDialect) IntervalDeleteExpr(createdAtCol string, pb ParamBuilder, days string) string {
	ph := pb.Add(days)
	return fmt.Sprintf("%s < datetime('now', '-' || %s || ' days')", createdAtCol, ph)
}

func (d *SQLiteDialect) GeometryParam(g orb.Geometry) (any, error) {
	return wkt.MarshalString(g), nil
}

func (d *SQLiteDialect) GeometryWriteExpr(placeholder string, srcSRID, dstSRID int) (string, error) {
	if srcSRID != dstSRID {
		return "", fmt.Errorf("reproject %d to %d: %w", srcSRID, dstSRID, ErrSpatialUnsupported)
	}
	return placeholder, nil
}

func (d *SQLiteDialect) GeometryReadExpr(column string, _ int) string {
	return column
}

func (d *SQLiteDialect) BBoxExpr(string, ParamBuilder, orb.Bound, int) (string, error) {
	return "", fmt.Errorf("bbox filter: %w", ErrSpatialUnsupported)
}

func (d *SQLiteDialect) IntersectsExpr(string, ParamBuilder, orb.Geometry, int) (string, error) {
	return "", fmt.Errorf("intersects filter: %w", ErrSpatialUnsupported)
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// --- SQLite DDL ---

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _layers (
    id                   TEXT PRIMARY KEY,
    name                 TEXT NOT NULL UNIQUE,
    title                TEXT NOT NULL DEFAULT '',
    connection           TEXT NOT NULL DEFAULT '',
    table_name           TEXT NOT NULL,
    pk_field             TEXT NOT NULL,
    geom_field           TEXT NOT NULL DEFAULT '',
    geom_type            TEXT NOT NULL DEFAULT '',
    srid                 INTEGER NOT NULL DEFAULT 4326,
    page_size            INTEGER NOT NULL DEFAULT 50,
    max_page_size        INTEGER NOT NULL DEFAULT 1000,
    allow_page_size_0    INTEGER NOT NULL DEFAULT 0,
    list_fields          TEXT NOT NULL DEFAULT '',
    form_fields          TEXT NOT NULL DEFAULT '',
    data_filter          TEXT NOT NULL DEFAULT '{}',
    rules                TEXT NOT NULL DEFAULT '[]',
    style                TEXT NOT NULL DEFAULT '{}',
    anonymous_view       INTEGER NOT NULL DEFAULT 0,
    anonymous_add        INTEGER NOT NULL DEFAULT 0,
    anonymous_update     INTEGER NOT NULL DEFAULT 0,
    anonymous_delete     INTEGER NOT NULL DEFAULT 0,
    authenticated_view   INTEGER NOT NULL DEFAULT 0,
    authenticated_add    INTEGER NOT NULL DEFAULT 0,
    authenticated_update INTEGER NOT NULL DEFAULT 0,
    authenticated_delete INTEGER NOT NULL DEFAULT 0,
    version              INTEGER NOT NULL DEFAULT 1,
    created_at           TEXT DEFAULT (datetime('now')),
    updated_at           TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _layer_fields (
    id             TEXT PRIMARY KEY,
    layer_id       TEXT NOT NULL REFERENCES _layers(id) ON DELETE CASCADE,
    name           TEXT NOT NULL,
    label          TEXT NOT NULL DEFAULT '',
    data_type      TEXT NOT NULL DEFAULT '',
    size           INTEGER NOT NULL DEFAULT 0,
    is_virtual     INTEGER NOT NULL DEFAULT 0,
    enabled        INTEGER NOT NULL DEFAULT 1,
    readonly       INTEGER NOT NULL DEFAULT 0,
    search         INTEGER NOT NULL DEFAULT 0,
    fullsearch     INTEGER NOT NULL DEFAULT 0,
    blank          INTEGER NOT NULL DEFAULT 1,
    widget         TEXT NOT NULL DEFAULT 'auto',
    widget_options TEXT NOT NULL DEFAULT '',
    UNIQUE (layer_id, name)
);

CREATE TABLE IF NOT EXISTS _layer_user_permissions (
    layer_id   TEXT NOT NULL REFERENCES _layers(id) ON DELETE CASCADE,
    username   TEXT NOT NULL,
    can_view   INTEGER NOT NULL DEFAULT 0,
    can_add    INTEGER NOT NULL DEFAULT 0,
    can_update INTEGER NOT NULL DEFAULT 0,
    can_delete INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (layer_id, username)
);

CREATE TABLE IF NOT EXISTS _layer_group_permissions (
    layer_id   TEXT NOT NULL REFERENCES _layers(id) ON DELETE CASCADE,
    group_name TEXT NOT NULL,
    can_view   INTEGER NOT NULL DEFAULT 0,
    can_add    INTEGER NOT NULL DEFAULT 0,
    can_update INTEGER NOT NULL DEFAULT 0,
    can_delete INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (layer_id, group_name)
);

CREATE TABLE IF NOT EXISTS _bulk_transactions (
    id               TEXT PRIMARY KEY,
    hash             TEXT NOT NULL,
    layer            TEXT NOT NULL,
    username         TEXT NOT NULL DEFAULT '',
    url              TEXT NOT NULL DEFAULT '',
    request_headers  TEXT NOT NULL DEFAULT '{}',
    request_body     TEXT NOT NULL DEFAULT '',
    response_headers TEXT NOT NULL DEFAULT '{}',
    response_body    TEXT NOT NULL DEFAULT '',
    status_code      INTEGER NOT NULL,
    created_at       TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_bulk_transactions_lookup
    ON _bulk_transactions (hash, layer, username, status_code);

CREATE TABLE IF NOT EXISTS _user_assets (
    id         TEXT PRIMARY KEY,
    username   TEXT NOT NULL DEFAULT '',
    path       TEXT NOT NULL UNIQUE,
    filename   TEXT NOT NULL,
    mime_type  TEXT NOT NULL DEFAULT 'application/octet-stream',
    size       INTEGER NOT NULL DEFAULT 0,
    created_at TEXT DEFAULT (datetime('now'))
);
`

var _ Dialect = (*SQLiteDialect)(nil)
