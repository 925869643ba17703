package engine

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"layer-engine/internal/mapper"
	"layer-engine/internal/metadata"
	"layer-engine/internal/store"
	"layer-engine/internal/widget"
)

func sitesLayer() *metadata.Layer {
	return &metadata.Layer{
		ID:            "l9",
		Name:          "sites",
		Table:         "sites",
		PKField:       "gid",
		GeomField:     "geom",
		GeomType:      "POINT",
		SRID:          4326,
		PageSize:      50,
		MaxPageSize:   100,
		Version:       1,
		Authenticated: metadata.AllRights,
		Fields: []metadata.FieldConfig{
			{Name: "geom", Enabled: true, Blank: true, Widget: metadata.WidgetAuto},
			{Name: "gid", Enabled: true, Blank: true, Widget: metadata.WidgetAuto},
			{Name: "name", Enabled: true, Blank: true, Widget: metadata.WidgetAuto},
		},
	}
}

func TestCreate_ReprojectsGeometryOnPostGIS(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{"column_name", "data_type", "is_nullable", "max_length", "numeric_precision",
		"column_default", "is_identity", "is_primary", "is_unique"}
	mock.ExpectQuery(`FROM information_schema\.columns`).
		WithArgs("public", "sites").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("gid", "integer", "NO", int64(0), int64(32), "nextval('sites_gid_seq'::regclass)", "NO", true, false).
			AddRow("name", "text", "YES", int64(0), int64(0), "", "NO", false, false).
			AddRow("geom", "geometry", "YES", int64(0), int64(0), "", "NO", false, false))
	mock.ExpectQuery(`FROM geometry_columns`).
		WithArgs("public", "sites").
		WillReturnRows(sqlmock.NewRows([]string{"f_geometry_column", "type", "srid"}).
			AddRow("geom", "POINT", int64(4326)))
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO .*sites.* VALUES \(ST_Transform\(ST_SetSRID\(ST_GeomFromWKB\(\$1\), 25831\), 4326\), \$2\) RETURNING "gid"`).
		WithArgs(sqlmock.AnyArg(), "Depot").
		WillReturnRows(sqlmock.NewRows([]string{"gid"}).AddRow(int64(7)))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT .*ST_AsText.* FROM .*sites`).
		WillReturnRows(sqlmock.NewRows([]string{"geom", "gid", "name"}).
			AddRow("POINT(2.17 41.38)", int64(7), "Depot"))

	s := &store.Store{DB: db, Dialect: &store.PostgresDialect{}}
	reg := metadata.NewRegistry()
	reg.Load([]*metadata.Layer{sitesLayer()})
	conns := store.NewConnections(s, nil)
	h := NewHandler(conns, reg, mapper.NewCache(conns, widget.Deps{Layers: reg}), nil, nil, Options{})
	env := &testEnv{app: newTestApp(h), store: s}

	resp, body := env.do(t, "POST", "/api/layers/sites/data", "alice", map[string]any{
		"name": "Depot", "geom": "SRID=25831;POINT(431000 4582000)",
	})
	require.Equal(t, 201, resp.StatusCode, string(body))
	feature := decode(t, body)["data"].(map[string]any)
	assert.EqualValues(t, 7, feature["id"])
	assert.Equal(t, "Point", feature["geometry"].(map[string]any)["type"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_ReprojectionNeedsPostGIS(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, "POST", "/api/layers/parcels/data", "alice", map[string]any{
		"code": "P1", "name": "p", "geom": "SRID=25831;POINT(431000 4582000)",
	})
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "SPATIAL_UNSUPPORTED", errorCode(t, body))
	assert.Equal(t, 0, env.count(t, "SELECT COUNT(*) FROM parcels"))

	resp, body = env.do(t, "POST", bulkPath, "alice", map[string]any{
		"ADD": []any{map[string]any{"code": "P1", "name": "p", "geom": "SRID=25831;POINT(431000 4582000)"}},
	})
	assert.Equal(t, 400, resp.StatusCode)
	assert.JSONEq(t, `{"ADD": {"0": "ERROR_ON_SAVE"}}`, string(body))
	assert.Equal(t, 0, env.count(t, "SELECT COUNT(*) FROM parcels"))
}
