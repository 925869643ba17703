package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// PostgresDialect implements Dialect for PostgreSQL/PostGIS via pgx.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string          { return "postgres" }
func (d *PostgresDialect) DriverName() string    { return "pgx" }
func (d *PostgresDialect) NowExpr() string       { return "NOW()" }
func (d *PostgresDialect) NeedsBoolFix() bool    { return false }
func (d *PostgresDialect) DefaultSchema() string { return "public" }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL
}

const pgColumnsSQL = `
SELECT c.column_name,
       CASE WHEN c.data_type = 'USER-DEFINED' THEN c.udt_name ELSE c.data_type END AS data_type,
       c.is_nullable,
       COALESCE(c.character_maximum_length, 0) AS max_length,
       COALESCE(c.numeric_precision, 0) AS numeric_precision,
       COALESCE(c.column_default, '') AS column_default,
       COALESCE(c.is_identity, 'NO') AS is_identity,
       EXISTS (
           SELECT 1 FROM information_schema.table_constraints tc
           JOIN information_schema.key_column_usage k
             ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema
           WHERE tc.table_schema = c.table_schema AND tc.table_name = c.table_name
             AND tc.constraint_type = 'PRIMARY KEY' AND k.column_name = c.column_name
       ) AS is_primary,
       EXISTS (
           SELECT 1 FROM information_schema.table_constraints tc
           JOIN information_schema.key_column_usage k
             ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema
           WHERE tc.table_schema = c.table_schema AND tc.table_name = c.table_name
             AND tc.constraint_type = 'UNIQUE' AND k.column_name = c.column_name
             AND (SELECT COUNT(*) FROM information_schema.key_column_usage k2
                  WHERE k2.constraint_name = tc.constraint_name AND k2.table_schema = tc.table_schema) = 1
       ) AS is_unique
FROM information_schema.columns c
WHERE c.table_schema = $1 AND c.table_name = $2
ORDER BY c.ordinal_position`

const pgGeometryColumnsSQL = `
SELECT f_geometry_column, type, srid
FROM geometry_columns
WHERE f_table_schema = $1 AND f_table_name = $2`

func (d *PostgresDialect) InspectColumns(ctx context.Context, q Querier, ref TableRef) ([]Column, error) {
	schema := ref.Schema
	if schema == "" {
		schema = d.DefaultSchema()
	}

	rows, err := QueryRows(ctx, q, pgColumnsSQL, schema, ref.Table)
	if err != nil {
		return nil, err
	}

	cols := make([]Column, 0, len(rows))
	hasGeometry := false
	for _, r := range rows {
		def := asString(r["column_default"])
		col := Column{
			Name:          asString(r["column_name"]),
			DataType:      asString(r["data_type"]),
			Nullable:      asString(r["is_nullable"]) == "YES",
			MaxLength:     asInt(r["max_length"]),
			Precision:     asInt(r["numeric_precision"]),
			PrimaryKey:    asBool(r["is_primary"]),
			Unique:        asBool(r["is_unique"]),
			AutoIncrement: strings.HasPrefix(def, "nextval(") || asString(r["is_identity"]) == "YES",
			HasDefault:    def != "" || asString(r["is_identity"]) == "YES",
		}
		if IsGeometryType(col.DataType) {
			hasGeometry = true
		}
		cols = append(cols, col)
	}

	if hasGeometry {
		geoms, err := QueryRows(ctx, q, pgGeometryColumnsSQL, schema, ref.Table)
		if err != nil {
			return nil, fmt.Errorf("geometry columns: %w", err)
		}
		for _, g := range geoms {
			name := asString(g["f_geometry_column"])
			for i := range cols {
				if cols[i].Name == name {
					cols[i].GeometryType = strings.ToUpper(asString(g["type"]))
					cols[i].SRID = asInt(g["srid"])
				}
			}
		}
	}
	return cols, nil
}

func (d *PostgresDialect) LikeExpr(column, placeholder string) string {
	return fmt.Sprintf("CAST(%s AS TEXT) ILIKE %s", column, placeholder)
}

func (d *PostgresDialect) IntervalDeleteExpr(createdAtCol string, pb ParamBuilder, days string) string {
	ph := pb.Add(days)
	return fmt.Sprintf("%s < now() - (%s || ' days')::interval", createdAtCol, ph)
}

func (d *PostgresDialect) GeometryParam(g orb.Geometry) (any, error) {
	b, err := wkb.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode wkb: %w", err)
	}
	return b, nil
}

func (d *PostgresDialect) GeometryWriteExpr(placeholder string, srcSRID, dstSRID int) (string, error) {
	expr := fmt.Sprintf("ST_SetSRID(ST_GeomFromWKB(%s), %d)", placeholder, srcSRID)
	if srcSRID != dstSRID {
		expr = fmt.Sprintf("ST_Transform(%s, %d)", expr, dstSRID)
	}
	return expr, nil
}

func (d *PostgresDialect) GeometryReadExpr(column string, srid int) string {
	if srid == 4326 {
		return fmt.Sprintf("ST_AsText(%s)", column)
	}
	return fmt.Sprintf("ST_AsText(ST_Transform(%s, 4326))", column)
}

func (d *PostgresDialect) BBoxExpr(column string, pb ParamBuilder, b orb.Bound, srid int) (string, error) {
	env := fmt.Sprintf("ST_MakeEnvelope(%s, %s, %s, %s, 4326)",
		pb.Add(b.Min.X()), pb.Add(b.Min.Y()), pb.Add(b.Max.X()), pb.Add(b.Max.Y()))
	if srid != 4326 {
		env = fmt.Sprintf("ST_Transform(%s, %d)", env, srid)
	}
	return fmt.Sprintf("%s && %s", column, env), nil
}

func (d *PostgresDialect) IntersectsExpr(column string, pb ParamBuilder, g orb.Geometry, srid int) (string, error) {
	param, err := d.GeometryParam(g)
	if err != nil {
		return "", err
	}
	expr, _ := d.GeometryWriteExpr(pb.Add(param), 4326, srid)
	return fmt.Sprintf("ST_Intersects(%s, %s)", column, expr), nil
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	// With pgx/stdlib, the underlying error message includes the PG code
	errStr := err.Error()
	if strings.Contains(errStr, "23505") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// --- PostgreSQL DDL ---

const pgSystemTablesSQL = `
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
    allow_page_size_0    BOOLEAN NOT NULL DEFAULT false,
    list_fields          TEXT NOT NULL DEFAULT '',
    form_fields          TEXT NOT NULL DEFAULT '',
    data_filter          TEXT NOT NULL DEFAULT '{}',
    rules                TEXT NOT NULL DEFAULT '[]',
    style                TEXT NOT NULL DEFAULT '{}',
    anonymous_view       BOOLEAN NOT NULL DEFAULT false,
    anonymous_add        BOOLEAN NOT NULL DEFAULT false,
    anonymous_update     BOOLEAN NOT NULL DEFAULT false,
    anonymous_delete     BOOLEAN NOT NULL DEFAULT false,
    authenticated_view   BOOLEAN NOT NULL DEFAULT false,
    authenticated_add    BOOLEAN NOT NULL DEFAULT false,
    authenticated_update BOOLEAN NOT NULL DEFAULT false,
    authenticated_delete BOOLEAN NOT NULL DEFAULT false,
    version              BIGINT NOT NULL DEFAULT 1,
    created_at           TIMESTAMPTZ DEFAULT NOW(),
    updated_at           TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _layer_fields (
    id             TEXT PRIMARY KEY,
    layer_id       TEXT NOT NULL REFERENCES _layers(id) ON DELETE CASCADE,
    name           TEXT NOT NULL,
    label          TEXT NOT NULL DEFAULT '',
    data_type      TEXT NOT NULL DEFAULT '',
    size           INTEGER NOT NULL DEFAULT 0,
    is_virtual     BOOLEAN NOT NULL DEFAULT false,
    enabled        BOOLEAN NOT NULL DEFAULT true,
    readonly       BOOLEAN NOT NULL DEFAULT false,
    search         BOOLEAN NOT NULL DEFAULT false,
    fullsearch     BOOLEAN NOT NULL DEFAULT false,
    blank          BOOLEAN NOT NULL DEFAULT true,
    widget         TEXT NOT NULL DEFAULT 'auto',
    widget_options TEXT NOT NULL DEFAULT '',
    UNIQUE (layer_id, name)
);

CREATE TABLE IF NOT EXISTS _layer_user_permissions (
    layer_id   TEXT NOT NULL REFERENCES _layers(id) ON DELETE CASCADE,
    username   TEXT NOT NULL,
    can_view   BOOLEAN NOT NULL DEFAULT false,
    can_add    BOOLEAN NOT NULL DEFAULT false,
    can_update BOOLEAN NOT NULL DEFAULT false,
    can_delete BOOLEAN NOT NULL DEFAULT false,
    PRIMARY KEY (layer_id, username)
);

CREATE TABLE IF NOT EXISTS _layer_group_permissions (
    layer_id   TEXT NOT NULL REFERENCES _layers(id) ON DELETE CASCADE,
    group_name TEXT NOT NULL,
    can_view   BOOLEAN NOT NULL DEFAULT false,
    can_add    BOOLEAN NOT NULL DEFAULT false,
    can_update BOOLEAN NOT NULL DEFAULT false,
    can_delete BOOLEAN NOT NULL DEFAULT false,
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
    created_at       TIMESTAMPTZ DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_bulk_transactions_lookup
    ON _bulk_transactions (hash, layer, username, status_code);

CREATE TABLE IF NOT EXISTS _user_assets (
    id         TEXT PRIMARY KEY,
    username   TEXT NOT NULL DEFAULT '',
    path       TEXT NOT NULL UNIQUE,
    filename   TEXT NOT NULL,
    mime_type  TEXT NOT NULL DEFAULT 'application/octet-stream',
    size       BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ DEFAULT NOW()
);
`

var _ Dialect = (*PostgresDialect)(nil)
