package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"layer-engine/internal/config"
	"layer-engine/internal/engine"
	"layer-engine/internal/mapper"
	"layer-engine/internal/metadata"
	"layer-engine/internal/store"
	"layer-engine/internal/widget"
)

type testEnv struct {
	app   *fiber.App
	reg   *metadata.Registry
	store *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: dir, Name: "admin"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Bootstrap(ctx))
	_, err = s.DB.Exec(`CREATE TABLE roads (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT,
		shape LINESTRING,
		updated_by TEXT
	)`)
	require.NoError(t, err)

	reg := metadata.NewRegistry()
	conns := store.NewConnections(s, nil)
	deps := widget.Deps{Layers: reg, StorageRoot: dir}
	h := NewHandler(conns, reg, mapper.NewCache(conns, deps), engine.NewReplayCache(s, 0, 0), deps, Defaults{PageSize: 25, MaxPageSize: 500, ReplayRetentionDays: 30})

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var appErr *engine.AppError
			if errors.As(err, &appErr) {
				return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
			}
			return c.Status(500).SendString(err.Error())
		},
	})
	RegisterAdminRoutes(app, h)
	return &testEnv{app: app, reg: reg, store: s}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp.StatusCode, out
}

func errCode(out map[string]any) string {
	e, _ := out["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestCreateLayer_InspectsTable(t *testing.T) {
	env := newTestEnv(t)

	status, out := env.do(t, "POST", "/api/_admin/layers", map[string]any{
		"name":  "roads",
		"table": "roads",
		"rules": []any{map[string]any{"expression": "record.name == 'x'", "message": "no x"}},
	})
	require.Equal(t, 201, status, out)

	layer := env.reg.GetLayer("roads")
	require.NotNil(t, layer)
	assert.Equal(t, "id", layer.PKField)
	assert.Equal(t, "shape", layer.GeomField)
	assert.Equal(t, "LINESTRING", layer.GeomType)
	assert.Equal(t, 4326, layer.SRID)
	assert.Equal(t, 25, layer.PageSize)
	assert.Equal(t, int64(1), layer.Version)
	assert.Equal(t, []string{"id", "kind", "name", "updated_by"}, layer.ListFields)

	names := make([]string, 0, len(layer.Fields))
	for _, f := range layer.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"id", "kind", "name", "shape", "updated_by"}, names)
	assert.False(t, layer.GetField("name").Blank)
	assert.True(t, layer.GetField("kind").Blank)

	status, out = env.do(t, "POST", "/api/_admin/layers", map[string]any{"name": "roads", "table": "roads"})
	assert.Equal(t, 409, status)
	assert.Equal(t, "CONFLICT", errCode(out))
}

func TestCreateLayer_RejectsBadConfiguration(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]map[string]any{
		"missing table": {"name": "a", "table": "nope"},
		"bad name":      {"name": "Bad Name", "table": "roads"},
		"bad pk":        {"name": "a", "table": "roads", "pk_field": "missing"},
		"bad geometry":  {"name": "a", "table": "roads", "geom_field": "name"},
		"bad rule":      {"name": "a", "table": "roads", "rules": []any{map[string]any{"expression": "record.", "message": "m"}}},
		"bad filter":    {"name": "a", "table": "roads", "data_filter": map[string]any{"nope": 1}},
		"bad list":      {"name": "a", "table": "roads", "list_fields": []string{"nope"}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			status, out := env.do(t, "POST", "/api/_admin/layers", body)
			assert.Equal(t, 422, status, out)
			assert.Equal(t, "INVALID_CONFIGURATION", errCode(out))
		})
	}
	assert.Nil(t, env.reg.GetLayer("a"))
}

func TestUpdateField_ValidatesWidget(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.do(t, "POST", "/api/_admin/layers", map[string]any{"name": "roads", "table": "roads"})
	require.Equal(t, 201, status)

	status, out := env.do(t, "PUT", "/api/_admin/layers/roads/fields/updated_by", map[string]any{"widget": "modificationuser"})
	assert.Equal(t, 422, status)
	assert.Equal(t, "INVALID_CONFIGURATION", errCode(out))
	assert.Equal(t, int64(1), env.reg.GetLayer("roads").Version)

	status, out = env.do(t, "PUT", "/api/_admin/layers/roads/fields/updated_by", map[string]any{
		"widget": "modificationuser", "readonly": true, "label": "Editor",
	})
	require.Equal(t, 200, status, out)
	layer := env.reg.GetLayer("roads")
	assert.Equal(t, int64(2), layer.Version)
	f := layer.GetField("updated_by")
	assert.Equal(t, "modificationuser", f.Widget)
	assert.Equal(t, "Editor", f.Label)
	assert.True(t, f.Enabled, "untouched attributes are kept")

	status, _ = env.do(t, "PUT", "/api/_admin/layers/roads/fields/nope", map[string]any{"label": "x"})
	assert.Equal(t, 404, status)

	// Re-saving the layer keeps field configs and bumps the version again.
	status, out = env.do(t, "PUT", "/api/_admin/layers/roads", map[string]any{"table": "roads", "title": "Roads"})
	require.Equal(t, 200, status, out)
	layer = env.reg.GetLayer("roads")
	assert.Equal(t, int64(3), layer.Version)
	assert.Equal(t, "Roads", layer.Title)
	assert.Equal(t, "modificationuser", layer.GetField("updated_by").Widget)
}

func TestGrants_ReplaceAndDelete(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.do(t, "POST", "/api/_admin/layers", map[string]any{"name": "roads", "table": "roads"})
	require.Equal(t, 201, status)

	status, out := env.do(t, "PUT", "/api/_admin/layers/roads/grants", map[string]any{
		"users":  map[string]any{"alice": map[string]any{"view": true, "update": true}},
		"groups": map[string]any{"surveyors": map[string]any{"add": true}},
	})
	require.Equal(t, 200, status, out)

	layer := env.reg.GetLayer("roads")
	assert.Equal(t, metadata.Rights{View: true, Update: true}, layer.UserGrants["alice"])
	assert.Equal(t, metadata.Rights{Add: true}, layer.GroupGrants["surveyors"])

	status, out = env.do(t, "PUT", "/api/_admin/layers/roads/grants", map[string]any{"users": map[string]any{}})
	require.Equal(t, 200, status, out)
	assert.Empty(t, env.reg.GetLayer("roads").UserGrants)

	status, _ = env.do(t, "DELETE", "/api/_admin/layers/roads", nil)
	require.Equal(t, 200, status)
	assert.Nil(t, env.reg.GetLayer("roads"))

	status, out = env.do(t, "GET", "/api/_admin/layers/roads", nil)
	assert.Equal(t, 404, status)
	assert.Equal(t, "UNKNOWN_LAYER", errCode(out))
}

func TestPurgeReplays(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.DB.Exec(`INSERT INTO _bulk_transactions (id, hash, layer, status_code, created_at) VALUES
		('a', 'h1', 'roads', 200, datetime('now', '-40 days')),
		('b', 'h2', 'roads', 200, datetime('now', '-10 days')),
		('c', 'h3', 'roads', 400, datetime('now'))`)
	require.NoError(t, err)

	status, out := env.do(t, "DELETE", "/api/_admin/replay", nil)
	require.Equal(t, 200, status, out)
	assert.Equal(t, map[string]any{"deleted": float64(1), "older_than_days": float64(30)}, out["data"])

	status, out = env.do(t, "DELETE", "/api/_admin/replay?older_than_days=5", nil)
	require.Equal(t, 200, status, out)
	assert.Equal(t, float64(1), out["data"].(map[string]any)["deleted"])

	status, out = env.do(t, "DELETE", "/api/_admin/replay?older_than_days=zero", nil)
	assert.Equal(t, 400, status)
	assert.Equal(t, "INVALID_PARAMETER", errCode(out))

	var left int
	require.NoError(t, env.store.DB.QueryRow("SELECT COUNT(*) FROM _bulk_transactions").Scan(&left))
	assert.Equal(t, 1, left)
}
