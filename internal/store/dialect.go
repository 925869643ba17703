package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/paulmach/orb"
)

// ErrSpatialUnsupported is returned by dialects that cannot reproject or
// evaluate spatial predicates.
var ErrSpatialUnsupported = errors.New("spatial operation requires PostGIS")

// Dialect abstracts database-specific SQL generation and behavior.
type Dialect interface {
	// Name returns "postgres" or "sqlite".
	Name() string

	// DriverName returns the database/sql driver name ("pgx" or "sqlite").
	DriverName() string

	// Placeholder returns the parameter placeholder for the given 1-based index.
	Placeholder(index int) string

	// NewParamBuilder creates a dialect-aware parameter builder.
	NewParamBuilder() ParamBuilder

	// NowExpr returns the SQL expression for the current timestamp.
	NowExpr() string

	// SystemTablesSQL returns the DDL for the engine's own tables.
	SystemTablesSQL() string

	// DefaultSchema is used when a table reference carries no schema.
	DefaultSchema() string

	// InspectColumns reads the catalog for a table, in ordinal order.
	// An unknown table yields an empty slice.
	InspectColumns(ctx context.Context, q Querier, ref TableRef) ([]Column, error)

	// LikeExpr builds a case-insensitive substring match on the text form of a column.
	LikeExpr(column, placeholder string) string

	// IntervalDeleteExpr returns SQL matching rows older than N days.
	IntervalDeleteExpr(createdAtCol string, pb ParamBuilder, days string) string

	// GeometryParam encodes a geometry as a statement parameter.
	GeometryParam(g orb.Geometry) (any, error)

	// GeometryWriteExpr wraps a geometry placeholder so that the stored value
	// lands in dstSRID. srcSRID is the SRID the value was submitted in.
	GeometryWriteExpr(placeholder string, srcSRID, dstSRID int) (string, error)

	// GeometryReadExpr selects a geometry column as WKT in EPSG:4326.
	GeometryReadExpr(column string, srid int) string

	// BBoxExpr matches rows whose geometry overlaps an EPSG:4326 bounding box.
	BBoxExpr(column string, pb ParamBuilder, b orb.Bound, srid int) (string, error)

	// IntersectsExpr matches rows whose geometry intersects an EPSG:4326 geometry.
	IntersectsExpr(column string, pb ParamBuilder, g orb.Geometry, srid int) (string, error)

	// MapError inspects a driver error and returns a well-known sentinel error if applicable.
	MapError(err error) error

	// NeedsBoolFix returns true if boolean columns come back as integers (SQLite).
	NeedsBoolFix() bool
}

// ParamBuilder accumulates query parameters and generates dialect-specific placeholders.
type ParamBuilder interface {
	// Add appends a value and returns the placeholder string.
	Add(v any) string

	// Params returns all accumulated parameter values.
	Params() []any

	// Count returns the number of parameters added so far.
	Count() int
}

// NewDialect creates a Dialect for the given driver name ("postgres" or "sqlite").
func NewDialect(driver string) Dialect {
	switch driver {
	case "sqlite":
		return &SQLiteDialect{}
	default:
		return &PostgresDialect{}
	}
}

// InExpr builds "column IN (p1, p2, ...)". An empty list never matches.
func InExpr(column string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return "1=0"
	}
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(phs, ", "))
}

// EqualsExprs builds one "column = value" condition per filter key, in key
// order; a nil value matches NULL. qualify renders the column reference.
func EqualsExprs(filter map[string]any, pb ParamBuilder, qualify func(string) string) []string {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	conds := make([]string, 0, len(keys))
	for _, k := range keys {
		col := qualify(k)
		if filter[k] == nil {
			conds = append(conds, col+" IS NULL")
			continue
		}
		conds = append(conds, fmt.Sprintf("%s = %s", col, pb.Add(filter[k])))
	}
	return conds
}

// NotInExpr builds "column NOT IN (...)". An empty list always matches.
func NotInExpr(column string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return "1=1"
	}
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s NOT IN (%s)", column, strings.Join(phs, ", "))
}

// --- PostgreSQL ParamBuilder ---

type pgParamBuilder struct {
	params []any
	n      int
}

func (p *pgParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("$%d", p.n)
}

func (p *pgParamBuilder) Params() []any { return p.params }
func (p *pgParamBuilder) Count() int    { return p.n }

// --- SQLite ParamBuilder ---

type sqliteParamBuilder struct {
	params []any
	n      int
}

func (p *sqliteParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("?%d", p.n)
}

func (p *sqliteParamBuilder) Params() []any { return p.params }
func (p *sqliteParamBuilder) Count() int    { return p.n }
