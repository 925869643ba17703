package mapper

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"layer-engine/internal/config"
	"layer-engine/internal/metadata"
	"layer-engine/internal/saga"
	"layer-engine/internal/store"
	"layer-engine/internal/widget"
)

const parcelsDDL = `CREATE TABLE parcels (
	code TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	area REAL,
	active BOOLEAN,
	status TEXT DEFAULT 'draft',
	geom POINT,
	created_by TEXT
)`

func sqliteStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "mapper"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	_, err = s.DB.Exec(parcelsDDL)
	require.NoError(t, err)
	return s
}

func parcelsLayer() *metadata.Layer {
	f := func(name string, blank bool) metadata.FieldConfig {
		return metadata.FieldConfig{Name: name, Enabled: true, Blank: blank, Widget: metadata.WidgetAuto}
	}
	creator := f("created_by", true)
	creator.Widget = metadata.WidgetCreationUser
	creator.Readonly = true
	search := f("name", false)
	search.FullSearch = true
	return &metadata.Layer{
		ID:        "l1",
		Name:      "parcels",
		Table:     "parcels",
		PKField:   "code",
		GeomField: "geom",
		GeomType:  "POINT",
		SRID:      4326,
		Version:   1,
		Fields: []metadata.FieldConfig{
			f("active", true), f("area", true), f("code", false), creator,
			f("geom", true), search, f("status", true),
		},
		Rules: []metadata.Rule{
			{Field: "area", Expression: "record.area != nil && record.area < 0", Message: "Area must be positive"},
		},
	}
}

func newMapper(t *testing.T, layer *metadata.Layer) *Mapper {
	t.Helper()
	m, err := New(context.Background(), layer, sqliteStore(t), widget.Deps{})
	require.NoError(t, err)
	return m
}

func writeContext(user string) *widget.WriteContext {
	var u *metadata.UserContext
	if user != "" {
		u = &metadata.UserContext{Username: user}
	}
	return &widget.WriteContext{Ctx: context.Background(), User: u, Saga: saga.New(), Now: time.Now()}
}

func insert(t *testing.T, m *Mapper, input map[string]any) any {
	t.Helper()
	wc := writeContext("alice")
	row, errs := m.Prepare(wc, input, OpCreate)
	require.Nil(t, errs)
	pk, err := m.Insert(wc, m.Store.DB, row)
	require.NoError(t, err)
	return pk
}

func TestPrepare_CreateValidation(t *testing.T) {
	m := newMapper(t, parcelsLayer())
	row, errs := m.Prepare(writeContext("alice"), map[string]any{
		"code":       "A1",
		"area":       "abc",
		"created_by": "mallory",
		"unknown":    1,
		"geom":       "LINESTRING(0 0, 1 1)",
	}, OpCreate)

	require.NotNil(t, errs)
	assert.Equal(t, []string{msgRequired}, errs["name"])
	assert.Equal(t, []string{msgInvalidNumber}, errs["area"])
	assert.Equal(t, []string{"Geometry type LINESTRING does not match POINT."}, errs["geom"])
	assert.NotContains(t, row, "created_by")
	assert.NotContains(t, row, "unknown")
	assert.Equal(t, "A1", row["code"])
}

func TestInsertGet_RoundTrip(t *testing.T) {
	m := newMapper(t, parcelsLayer())
	pk := insert(t, m, map[string]any{
		"code": "A1", "name": "North", "area": 12.5, "active": true,
		"geom": "POINT(1 2)", "created_by": "mallory",
	})
	assert.Equal(t, "A1", pk)

	row, err := m.Get(context.Background(), m.Store.DB, "A1")
	require.NoError(t, err)
	out := m.Serialize(row, nil)
	assert.Equal(t, "alice", out["created_by"])
	assert.Equal(t, true, out["active"])
	assert.Equal(t, 12.5, out["area"])
	assert.Equal(t, "draft", out["status"])
	g, ok := out["geom"].(*geojson.Geometry)
	require.True(t, ok)
	assert.Equal(t, orb.Point{1, 2}, g.Coordinates)

	feature := m.Feature(row, []string{"name"})
	assert.Equal(t, "A1", feature["id"])
	assert.Equal(t, map[string]any{"code": "A1", "name": "North"}, feature["properties"])

	_, err = m.Get(context.Background(), m.Store.DB, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdate_PartialAndBlank(t *testing.T) {
	ctx := context.Background()
	m := newMapper(t, parcelsLayer())
	insert(t, m, map[string]any{"code": "A1", "name": "North", "area": 1})

	old, err := m.GetRaw(ctx, m.Store.DB, "A1")
	require.NoError(t, err)
	wc := writeContext("bob")
	wc.Old = old

	_, errs := m.Prepare(wc, map[string]any{"name": ""}, OpUpdate)
	assert.Equal(t, []string{msgBlank}, errs["name"])

	_, errs = m.Prepare(wc, map[string]any{"area": -3}, OpUpdate)
	assert.Equal(t, []string{"Area must be positive"}, errs["area"])

	_, errs = m.Prepare(wc, map[string]any{"area": 4}, OpReplace)
	assert.Equal(t, []string{msgRequired}, errs["name"])

	row, errs := m.Prepare(wc, map[string]any{"area": 4, "code": "B2"}, OpUpdate)
	require.Nil(t, errs)
	assert.NotContains(t, row, "code")
	require.NoError(t, m.Update(wc, m.Store.DB, "A1", row))

	got, err := m.Get(ctx, m.Store.DB, "A1")
	require.NoError(t, err)
	assert.Equal(t, 4.0, got["area"])
	assert.Equal(t, "North", got["name"])
	assert.Equal(t, "alice", got["created_by"])

	assert.ErrorIs(t, m.Update(wc, m.Store.DB, "nope", map[string]any{"area": 1.0}), store.ErrNotFound)
}

func TestListCountAndDelete(t *testing.T) {
	ctx := context.Background()
	m := newMapper(t, parcelsLayer())
	insert(t, m, map[string]any{"code": "A1", "name": "North field", "area": 10})
	insert(t, m, map[string]any{"code": "A2", "name": "South field", "area": 20})
	insert(t, m, map[string]any{"code": "A3", "name": "Orchard", "area": 30})

	rows, err := m.List(ctx, m.Store.DB, Query{Search: "field", Sort: []Sort{{Field: "area", Desc: true}}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "A2", rows[0]["code"])

	q := Query{Filters: []Filter{{Field: "area", Op: "gte", Value: 20.0}}, Limit: 1}
	rows, err = m.List(ctx, m.Store.DB, q)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "A2", rows[0]["code"])
	n, err := m.Count(ctx, m.Store.DB, q)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err = m.List(ctx, m.Store.DB, Query{Filters: []Filter{{Field: "code", Op: "in", Value: []any{"A1", "A3"}}}})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	deleted, err := m.DeleteByPK(writeContext("alice"), m.Store.DB, []any{"A1", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	n, err = m.Count(ctx, m.Store.DB, Query{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSpatialFilterUnsupportedOnSQLite(t *testing.T) {
	m := newMapper(t, parcelsLayer())
	b := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	_, err := m.List(context.Background(), m.Store.DB, Query{BBox: &b})
	assert.ErrorIs(t, err, store.ErrSpatialUnsupported)
}

func TestDataFilter(t *testing.T) {
	ctx := context.Background()
	layer := parcelsLayer()
	layer.DataFilter = map[string]any{"status": "published"}
	m := newMapper(t, layer)

	_, err := m.Store.DB.Exec(`INSERT INTO parcels (code, name, status) VALUES ('X1', 'Hidden', 'draft')`)
	require.NoError(t, err)
	insert(t, m, map[string]any{"code": "A1", "name": "Visible"})

	rows, err := m.List(ctx, m.Store.DB, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "published", rows[0]["status"])

	_, err = m.Get(ctx, m.Store.DB, "X1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, errs := m.Prepare(writeContext("alice"), map[string]any{"code": "A2", "name": "n", "status": "draft"}, OpCreate)
	assert.Equal(t, []string{"Value must be published."}, errs["status"])
}

func TestFlattenFeature(t *testing.T) {
	item := map[string]any{
		"type":       "Feature",
		"id":         "A1",
		"geometry":   map[string]any{"type": "Point", "coordinates": []any{0.0, 0.0}},
		"properties": map[string]any{"name": "North"},
	}
	out := FlattenFeature(item, "code", "geom")
	assert.Equal(t, "A1", out["code"])
	assert.Equal(t, "North", out["name"])
	assert.NotNil(t, out["geom"])

	both := map[string]any{
		"type":       "Feature",
		"id":         "A1",
		"properties": map[string]any{"code": "B9", "name": "North"},
	}
	assert.Equal(t, "A1", FlattenFeature(both, "code", "geom")["code"])

	propOnly := map[string]any{"type": "Feature", "id": nil, "properties": map[string]any{"code": "B9"}}
	assert.Equal(t, "B9", FlattenFeature(propOnly, "code", "geom")["code"])

	plain := map[string]any{"code": "A2"}
	assert.Equal(t, plain, FlattenFeature(plain, "code", "geom"))
}

func TestCache_RebuildsOnVersionBump(t *testing.T) {
	ctx := context.Background()
	s := sqliteStore(t)
	cache := NewCache(store.NewConnections(s, nil), widget.Deps{})
	layer := parcelsLayer()

	m1, err := cache.Get(ctx, layer)
	require.NoError(t, err)
	m2, err := cache.Get(ctx, layer)
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	bumped := *layer
	bumped.Version = 2
	m3, err := cache.Get(ctx, &bumped)
	require.NoError(t, err)
	assert.NotSame(t, m1, m3)

	cache.Invalidate(layer.ID)
	m4, err := cache.Get(ctx, &bumped)
	require.NoError(t, err)
	assert.NotSame(t, m3, m4)
}

func TestNew_RejectsBadRule(t *testing.T) {
	layer := parcelsLayer()
	layer.Rules = []metadata.Rule{{Expression: "record.area +", Message: "x"}}
	_, err := New(context.Background(), layer, sqliteStore(t), widget.Deps{})
	assert.Error(t, err)
}

func TestNew_BrokenWidgetsIgnoreClientInput(t *testing.T) {
	layer := parcelsLayer()
	for i := range layer.Fields {
		switch layer.Fields[i].Name {
		case "created_by":
			layer.Fields[i].Readonly = false
		case "status":
			layer.Fields[i].Widget = metadata.WidgetChoices
			layer.Fields[i].WidgetOptions = "{not json"
		}
	}
	m := newMapper(t, layer)
	assert.True(t, m.Field("created_by").Readonly)
	assert.True(t, m.Widget("created_by").Computed())
	assert.True(t, m.Field("status").Readonly)
	assert.Equal(t, metadata.WidgetAuto, m.Field("status").Widget)

	insert(t, m, map[string]any{"code": "A1", "name": "n", "created_by": "mallory", "status": "forged"})
	row, err := m.Get(context.Background(), m.Store.DB, "A1")
	require.NoError(t, err)
	out := m.Serialize(row, nil)
	assert.Equal(t, "alice", out["created_by"])
	assert.Equal(t, "draft", out["status"])
}
