package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"io/fs"
	"log"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"layer-engine/internal/config"
	"layer-engine/internal/mapper"
	"layer-engine/internal/metadata"
	"layer-engine/internal/storage"
	"layer-engine/internal/store"
	"layer-engine/internal/widget"
)

const parcelsDDL = `CREATE TABLE parcels (
	code TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	area REAL,
	geom POINT,
	photo TEXT,
	created_by TEXT
)`

// fakeTokens signs media URLs with a reversible encoding.
type fakeTokens struct{}

func (fakeTokens) MediaURL(layer, field, kind, name string) string {
	raw := strings.Join([]string{layer, field, kind, name}, "|")
	return "/api/media/" + base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func (fakeTokens) ParseMediaToken(token string) (string, string, string, string, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", "", "", err
	}
	parts := strings.Split(string(b), "|")
	if len(parts) != 4 {
		return "", "", "", "", errors.New("bad token")
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

type testEnv struct {
	app    *fiber.App
	store  *store.Store
	replay *ReplayCache
	images string
}

func parcelsLayer(imageRoot string) *metadata.Layer {
	f := func(name string, blank bool) metadata.FieldConfig {
		return metadata.FieldConfig{Name: name, Enabled: true, Blank: blank, Widget: metadata.WidgetAuto}
	}
	name := f("name", false)
	name.Search = true
	name.FullSearch = true
	creator := f("created_by", true)
	creator.Widget = metadata.WidgetCreationUser
	creator.Readonly = true
	photo := f("photo", true)
	photo.Widget = metadata.WidgetImage
	photo.WidgetOptions = fmt.Sprintf(`{"upload_root": %q}`, imageRoot)

	return &metadata.Layer{
		ID:            "l1",
		Name:          "parcels",
		Table:         "parcels",
		PKField:       "code",
		GeomField:     "geom",
		GeomType:      "POINT",
		SRID:          4326,
		PageSize:      50,
		MaxPageSize:   100,
		Version:       1,
		Anonymous:     metadata.Rights{View: true},
		Authenticated: metadata.AllRights,
		Fields: []metadata.FieldConfig{
			f("area", true), f("code", false), creator, f("geom", true), name, photo,
		},
		Rules: []metadata.Rule{
			{Field: "area", Expression: "record.area != nil && record.area < 0", Message: "Area must be positive"},
		},
	}
}

// envConfig extends the default parcels fixture.
type envConfig struct {
	opts   Options
	ddl    []string
	layers func(images string) []*metadata.Layer
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, envConfig{})
}

func newTestEnvWith(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: dir, Name: "engine"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Bootstrap(ctx))
	for _, ddl := range append([]string{parcelsDDL}, cfg.ddl...) {
		_, err = s.DB.Exec(ddl)
		require.NoError(t, err, ddl)
	}

	images := filepath.Join(dir, "images")
	layers := []*metadata.Layer{parcelsLayer(images)}
	if cfg.layers != nil {
		layers = append(layers, cfg.layers(images)...)
	}
	reg := metadata.NewRegistry()
	reg.Load(layers)

	conns := store.NewConnections(s, nil)
	mappers := mapper.NewCache(conns, widget.Deps{
		Layers:      reg,
		Thumbnailer: storage.Thumbnailer{Size: 8},
		Signer:      fakeTokens{},
	})
	assets := NewAssetHandler(s, storage.NewLocalStorage(filepath.Join(dir, "assets")), 1<<20)
	replay := NewReplayCache(s, 1, 60)
	h := NewHandler(conns, reg, mappers, assets, replay, cfg.opts)

	app := newTestApp(h)
	return &testEnv{app: app, store: s, replay: replay, images: images}
}

// newTestApp mounts h behind the production error handler. The caller is
// taken from the X-Test-User header.
func newTestApp(h *Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var appErr *AppError
			if errors.As(err, &appErr) {
				return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
			}
			log.Printf("ERROR: %v", err)
			return c.Status(500).JSON(ErrorResponse{
				Error: &AppError{Code: "INTERNAL_ERROR", Message: "Internal server error"},
			})
		},
	})
	app.Use(func(c *fiber.Ctx) error {
		if name := c.Get("X-Test-User"); name != "" {
			c.Locals("user", &metadata.UserContext{ID: name, Username: name})
		}
		return c.Next()
	})
	RegisterRoutes(app, h, fakeTokens{})
	return app
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any, headers ...string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func (e *testEnv) upload(t *testing.T, user string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	var pic bytes.Buffer
	require.NoError(t, png.Encode(&pic, img))

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "photo.png")
	require.NoError(t, err)
	_, err = part.Write(pic.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req, err := http.NewRequest("POST", "/api/assets", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-Test-User", user)
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, 201, resp.StatusCode)

	var out struct {
		Data struct {
			File string `json:"file"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, strings.HasPrefix(out.Data.File, widget.MediaScheme))
	return out.Data.File
}

func (e *testEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, e.store.DB.QueryRow(query, args...).Scan(&n))
	return n
}

// storedFiles counts the files under the image root.
func (e *testEnv) storedFiles(t *testing.T) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(e.images, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out), string(b))
	return out
}

func errorCode(t *testing.T, b []byte) string {
	t.Helper()
	body := decode(t, b)
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestCRUD_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	const path = "/api/layers/parcels/data"

	resp, body := env.do(t, "POST", path, "alice", map[string]any{
		"code": "P1", "name": "North", "area": 3.5, "geom": "POINT(1 2)", "created_by": "mallory",
	})
	require.Equal(t, 201, resp.StatusCode, string(body))
	created := decode(t, body)["data"].(map[string]any)
	assert.Equal(t, "Feature", created["type"])
	assert.Equal(t, "P1", created["id"])
	props := created["properties"].(map[string]any)
	assert.Equal(t, "alice", props["created_by"])
	assert.Equal(t, 3.5, props["area"])
	assert.Nil(t, props["photo"])
	geom := created["geometry"].(map[string]any)
	assert.Equal(t, "Point", geom["type"])
	assert.Equal(t, []any{1.0, 2.0}, geom["coordinates"])

	resp, body = env.do(t, "GET", path+"/P1", "", nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, created, decode(t, body)["data"])

	resp, body = env.do(t, "PATCH", path+"/P1", "bob", map[string]any{"area": 4, "created_by": "bob"})
	require.Equal(t, 200, resp.StatusCode, string(body))
	props = decode(t, body)["data"].(map[string]any)["properties"].(map[string]any)
	assert.Equal(t, 4.0, props["area"])
	assert.Equal(t, "North", props["name"])
	assert.Equal(t, "alice", props["created_by"])

	resp, body = env.do(t, "PATCH", path+"/P1", "bob", map[string]any{"name": ""})
	assert.Equal(t, 422, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, body))

	resp, body = env.do(t, "PATCH", path+"/P1", "bob", map[string]any{"area": -1})
	assert.Equal(t, 422, resp.StatusCode)
	assert.Contains(t, string(body), "Area must be positive")

	resp, _ = env.do(t, "PUT", path+"/P1", "bob", map[string]any{"area": 1})
	assert.Equal(t, 422, resp.StatusCode)

	resp, body = env.do(t, "POST", path, "alice", map[string]any{"code": "P1", "name": "Again"})
	assert.Equal(t, 409, resp.StatusCode)
	assert.Equal(t, "CONFLICT", errorCode(t, body))

	resp, body = env.do(t, "DELETE", path+"/P1", "alice", nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, map[string]any{"code": "P1"}, decode(t, body)["data"])

	resp, body = env.do(t, "GET", path+"/P1", "", nil)
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, body))

	resp, _ = env.do(t, "DELETE", path+"/P1", "alice", nil)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestPermissions_AnonymousAndUnknownLayer(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, "POST", "/api/layers/parcels/data", "", map[string]any{"code": "X", "name": "x"})
	assert.Equal(t, 401, resp.StatusCode)
	assert.Equal(t, "UNAUTHENTICATED", errorCode(t, body))

	resp, body = env.do(t, "GET", "/api/layers/nope/data", "", nil)
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "UNKNOWN_LAYER", errorCode(t, body))

	resp, body = env.do(t, "GET", "/api/layers", "", nil)
	require.Equal(t, 200, resp.StatusCode)
	layers := decode(t, body)["data"].([]any)
	require.Len(t, layers, 1)
	rights := layers[0].(map[string]any)["rights"].(map[string]any)
	assert.Equal(t, map[string]any{"view": true, "add": false, "update": false, "delete": false}, rights)
}

func TestLayerInfo(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, "GET", "/api/layers/parcels", "alice", nil)
	require.Equal(t, 200, resp.StatusCode)

	info := decode(t, body)["data"].(map[string]any)
	assert.Equal(t, "code", info["pk_field"])
	assert.Equal(t, "POINT", info["geom_type"])

	fields := info["fields"].([]any)
	names := make([]string, 0, len(fields))
	byName := map[string]map[string]any{}
	for _, f := range fields {
		d := f.(map[string]any)
		names = append(names, d["name"].(string))
		byName[d["name"].(string)] = d
	}
	assert.Equal(t, []string{"area", "code", "created_by", "geom", "name", "photo"}, names)
	assert.Equal(t, true, byName["created_by"]["readonly"])
	assert.Equal(t, "image", byName["photo"]["widget"])
	assert.Equal(t, false, byName["name"]["blank"])
}

func TestList_FiltersAndPaging(t *testing.T) {
	env := newTestEnv(t)
	for i, name := range []string{"North", "South", "East"} {
		resp, body := env.do(t, "POST", "/api/layers/parcels/data", "alice", map[string]any{
			"code": fmt.Sprintf("P%d", i), "name": name, "area": float64(i + 1), "geom": "POINT(0 0)",
		})
		require.Equal(t, 201, resp.StatusCode, string(body))
	}

	resp, body := env.do(t, "GET", "/api/layers/parcels/data?sort=-area&page_size=2", "", nil)
	require.Equal(t, 200, resp.StatusCode, string(body))
	out := decode(t, body)
	assert.Equal(t, "FeatureCollection", out["type"])
	features := out["features"].([]any)
	require.Len(t, features, 2)
	assert.Equal(t, "P2", features[0].(map[string]any)["id"])
	assert.Equal(t, map[string]any{"page": 1.0, "page_size": 2.0, "total": 3.0}, out["meta"])

	_, body = env.do(t, "GET", "/api/layers/parcels/data?name=South", "", nil)
	features = decode(t, body)["features"].([]any)
	require.Len(t, features, 1)
	assert.Equal(t, "P1", features[0].(map[string]any)["id"])

	_, body = env.do(t, "GET", "/api/layers/parcels/data?q=ort", "", nil)
	assert.Len(t, decode(t, body)["features"].([]any), 1)

	_, body = env.do(t, "GET", "/api/layers/parcels/data?filter[area.gte]=2&fields=name", "", nil)
	features = decode(t, body)["features"].([]any)
	require.Len(t, features, 2)
	props := features[0].(map[string]any)["properties"].(map[string]any)
	assert.NotContains(t, props, "area")
	assert.Contains(t, props, "name")

	resp, body = env.do(t, "GET", "/api/layers/parcels/data?page_size=0", "", nil)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "INVALID_PAGE_SIZE", errorCode(t, body))

	resp, body = env.do(t, "GET", "/api/layers/parcels/data?in_bbox=0,0,1,1", "", nil)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "SPATIAL_UNSUPPORTED", errorCode(t, body))

	resp, body = env.do(t, "GET", "/api/layers/parcels/data?filter[area.between]=1", "", nil)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "INVALID_FILTER", errorCode(t, body))
}
