package admin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"layer-engine/internal/engine"
	"layer-engine/internal/mapper"
	"layer-engine/internal/metadata"
	"layer-engine/internal/store"
	"layer-engine/internal/widget"
)

// Defaults are applied to layers saved without pagination settings and to
// replay purges that name no age.
type Defaults struct {
	PageSize    int
	MaxPageSize int
	// ReplayRetentionDays is the purge age when the request names none.
	ReplayRetentionDays int
}

type Handler struct {
	store    *store.Store
	conns    *store.Connections
	registry *metadata.Registry
	mappers  *mapper.Cache
	replay   *engine.ReplayCache
	deps     widget.Deps
	defaults Defaults
}

func NewHandler(conns *store.Connections, reg *metadata.Registry, mappers *mapper.Cache, replay *engine.ReplayCache, deps widget.Deps, defaults Defaults) *Handler {
	return &Handler{
		store:    conns.Base(),
		conns:    conns,
		registry: reg,
		mappers:  mappers,
		replay:   replay,
		deps:     deps,
		defaults: defaults,
	}
}

func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	handlers := make([]fiber.Handler, len(middleware))
	copy(handlers, middleware)
	admin := app.Group("/api/_admin", handlers...)

	admin.Get("/layers", h.ListLayers)
	admin.Get("/layers/:name", h.GetLayer)
	admin.Post("/layers", h.CreateLayer)
	admin.Put("/layers/:name", h.UpdateLayer)
	admin.Delete("/layers/:name", h.DeleteLayer)

	admin.Get("/layers/:name/fields", h.ListFields)
	admin.Put("/layers/:name/fields/:field", h.UpdateField)

	admin.Get("/layers/:name/grants", h.GetGrants)
	admin.Put("/layers/:name/grants", h.ReplaceGrants)

	admin.Get("/replay/:hash", h.ListReplays)
	admin.Delete("/replay", h.PurgeReplays)
}

var validate = newValidator()

var slugRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugRe.MatchString(fl.Field().String())
	})
	return v
}

// layerInput is the writable part of a layer.
type layerInput struct {
	Name           string          `json:"name" validate:"required,max=100,slug"`
	Title          string          `json:"title"`
	Connection     string          `json:"connection"`
	Table          string          `json:"table" validate:"required"`
	PKField        string          `json:"pk_field"`
	GeomField      string          `json:"geom_field"`
	SRID           int             `json:"srid" validate:"gte=0"`
	PageSize       int             `json:"page_size" validate:"gte=0"`
	MaxPageSize    int             `json:"max_page_size" validate:"gte=0"`
	AllowPageSize0 bool            `json:"allow_page_size_0"`
	ListFields     []string        `json:"list_fields"`
	FormFields     []string        `json:"form_fields"`
	DataFilter     map[string]any  `json:"data_filter"`
	Rules          []metadata.Rule `json:"rules" validate:"dive"`
	Style          map[string]any  `json:"style"`
	Anonymous      metadata.Rights `json:"anonymous"`
	Authenticated  metadata.Rights `json:"authenticated"`
}

// --- Layer Endpoints ---

func (h *Handler) ListLayers(c *fiber.Ctx) error {
	layers := h.registry.AllLayers()
	sort.Slice(layers, func(i, j int) bool { return layers[i].Name < layers[j].Name })
	return c.JSON(fiber.Map{"data": layers})
}

func (h *Handler) GetLayer(c *fiber.Ctx) error {
	layer, err := h.layer(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": layer})
}

func (h *Handler) CreateLayer(c *fiber.Ctx) error {
	var in layerInput
	if err := c.BodyParser(&in); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if h.registry.GetLayer(in.Name) != nil {
		return engine.ConflictError("Layer already exists: " + in.Name)
	}

	ctx := c.UserContext()
	layer, err := h.resolveLayer(ctx, &in, nil)
	if err != nil {
		return err
	}
	if err := h.saveLayer(ctx, layer, true); err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"data": h.registry.GetLayer(layer.Name)})
}

func (h *Handler) UpdateLayer(c *fiber.Ctx) error {
	existing, err := h.layer(c)
	if err != nil {
		return err
	}
	var in layerInput
	if err := c.BodyParser(&in); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if in.Name == "" {
		in.Name = existing.Name
	}
	if in.Name != existing.Name && h.registry.GetLayer(in.Name) != nil {
		return engine.ConflictError("Layer already exists: " + in.Name)
	}

	ctx := c.UserContext()
	layer, err := h.resolveLayer(ctx, &in, existing)
	if err != nil {
		return err
	}
	if err := h.saveLayer(ctx, layer, false); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": h.registry.GetLayer(layer.Name)})
}

func (h *Handler) DeleteLayer(c *fiber.Ctx) error {
	layer, err := h.layer(c)
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	if err := h.deleteLayer(ctx, layer.ID); err != nil {
		return fmt.Errorf("delete layer %s: %w", layer.Name, err)
	}
	if err := h.reload(ctx, layer.ID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"name": layer.Name}})
}

// --- Field Endpoints ---

func (h *Handler) ListFields(c *fiber.Ctx) error {
	layer, err := h.layer(c)
	if err != nil {
		return err
	}
	fields := layer.Fields
	if fields == nil {
		fields = []metadata.FieldConfig{}
	}
	return c.JSON(fiber.Map{"data": fields})
}

// UpdateField applies a partial field config. The new options are checked
// by the widget before anything is stored.
func (h *Handler) UpdateField(c *fiber.Ctx) error {
	layer, err := h.layer(c)
	if err != nil {
		return err
	}
	current := layer.GetField(c.Params("field"))
	if current == nil {
		return engine.NewAppError("NOT_FOUND", 404, "Unknown field: "+c.Params("field"))
	}

	f := *current
	if err := c.BodyParser(&f); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	f.ID, f.LayerID, f.Name = current.ID, current.LayerID, current.Name
	f.DataType, f.Virtual = current.DataType, current.Virtual

	ctx := c.UserContext()
	next := *layer
	next.Fields = make([]metadata.FieldConfig, len(layer.Fields))
	copy(next.Fields, layer.Fields)
	*next.GetField(f.Name) = f

	if err := h.checkWidget(ctx, &next, f); err != nil {
		return err
	}
	if err := h.saveField(ctx, layer.ID, f); err != nil {
		return fmt.Errorf("save field %s.%s: %w", layer.Name, f.Name, err)
	}
	if err := h.reload(ctx, layer.ID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": h.registry.GetLayer(layer.Name).GetField(f.Name)})
}

// --- Grant Endpoints ---

type grants struct {
	Users  map[string]metadata.Rights `json:"users"`
	Groups map[string]metadata.Rights `json:"groups"`
}

func (h *Handler) GetGrants(c *fiber.Ctx) error {
	layer, err := h.layer(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": grants{Users: layer.UserGrants, Groups: layer.GroupGrants}})
}

func (h *Handler) ReplaceGrants(c *fiber.Ctx) error {
	layer, err := h.layer(c)
	if err != nil {
		return err
	}
	var in grants
	if err := c.BodyParser(&in); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	ctx := c.UserContext()
	if err := h.saveGrants(ctx, layer.ID, in); err != nil {
		return fmt.Errorf("save grants %s: %w", layer.Name, err)
	}
	if err := h.reload(ctx, layer.ID); err != nil {
		return err
	}
	updated := h.registry.GetLayer(layer.Name)
	return c.JSON(fiber.Map{"data": grants{Users: updated.UserGrants, Groups: updated.GroupGrants}})
}

// --- Replay audit ---

func (h *Handler) ListReplays(c *fiber.Ctx) error {
	records, err := h.replay.List(c.UserContext(), c.Params("hash"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": records})
}

// PurgeReplays handles DELETE /api/_admin/replay?older_than_days=N.
func (h *Handler) PurgeReplays(c *fiber.Ctx) error {
	days := h.defaults.ReplayRetentionDays
	if raw := c.Query("older_than_days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return engine.BadRequestError("INVALID_PARAMETER", "older_than_days must be a positive integer")
		}
		days = n
	}
	if days <= 0 {
		return engine.BadRequestError("INVALID_PARAMETER", "older_than_days is required")
	}
	n, err := h.replay.Purge(c.UserContext(), days)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"deleted": n, "older_than_days": days}})
}

// --- helpers ---

func (h *Handler) layer(c *fiber.Ctx) (*metadata.Layer, error) {
	name := c.Params("name")
	layer := h.registry.GetLayer(name)
	if layer == nil {
		return nil, engine.UnknownLayerError(name)
	}
	return layer, nil
}

// resolveLayer validates the input against the live table and returns the
// layer to store, with its field configs synced to the table's columns.
func (h *Handler) resolveLayer(ctx context.Context, in *layerInput, existing *metadata.Layer) (*metadata.Layer, error) {
	if err := validate.Struct(in); err != nil {
		return nil, engine.ConfigurationError(describeValidation(err))
	}

	s, err := h.conns.Get(ctx, in.Connection)
	if err != nil {
		return nil, engine.ConfigurationError(err.Error())
	}
	ref, err := store.ParseTableRef(in.Table)
	if err != nil {
		return nil, engine.ConfigurationError(err.Error())
	}
	schema, err := store.Inspect(ctx, s.DB, s.Dialect, ref)
	if err != nil {
		if errors.Is(err, store.ErrTableNotFound) {
			return nil, engine.ConfigurationError(fmt.Sprintf("Table %s doesn't exist", ref))
		}
		return nil, fmt.Errorf("inspect %s: %w", ref, err)
	}
	pk, err := schema.ResolvePrimaryKey(in.PKField)
	if err != nil {
		return nil, engine.ConfigurationError(err.Error())
	}

	layer := &metadata.Layer{
		Name:           in.Name,
		Title:          in.Title,
		Connection:     in.Connection,
		Table:          in.Table,
		PKField:        pk,
		GeomField:      in.GeomField,
		SRID:           in.SRID,
		PageSize:       in.PageSize,
		MaxPageSize:    in.MaxPageSize,
		AllowPageSize0: in.AllowPageSize0,
		ListFields:     in.ListFields,
		FormFields:     in.FormFields,
		DataFilter:     in.DataFilter,
		Rules:          in.Rules,
		Style:          in.Style,
		Anonymous:      in.Anonymous,
		Authenticated:  in.Authenticated,
		Version:        1,
	}
	var existingFields []metadata.FieldConfig
	if existing != nil {
		layer.ID = existing.ID
		layer.Version = existing.Version + 1
		layer.UserGrants, layer.GroupGrants = existing.UserGrants, existing.GroupGrants
		existingFields = existing.Fields
	}
	if layer.Title == "" {
		layer.Title = layer.Name
	}
	if layer.PageSize == 0 {
		layer.PageSize = h.defaults.PageSize
	}
	if layer.MaxPageSize == 0 {
		layer.MaxPageSize = h.defaults.MaxPageSize
	}

	if err := resolveGeometry(layer, schema); err != nil {
		return nil, err
	}
	for key := range layer.DataFilter {
		if _, err := schema.Column(key); err != nil {
			return nil, engine.ConfigurationError(fmt.Sprintf("data_filter: column %s doesn't exist", key))
		}
	}
	for _, r := range layer.Rules {
		if _, err := mapper.CompileRule(r); err != nil {
			return nil, engine.ConfigurationError(err.Error())
		}
	}

	fields, added, removed := metadata.SyncFields(existingFields, schema)
	if len(added) > 0 || len(removed) > 0 {
		log.Printf("Layer %s: fields added %v, removed %v", layer.Name, added, removed)
	}
	layer.Fields = fields

	defaults := metadata.DefaultFieldList(fields, layer.GeomField)
	if len(layer.ListFields) == 0 {
		layer.ListFields = defaults
	}
	if len(layer.FormFields) == 0 {
		layer.FormFields = defaults
	}
	for _, name := range append(append([]string{}, layer.ListFields...), layer.FormFields...) {
		if layer.GetField(name) == nil {
			return nil, engine.ConfigurationError(fmt.Sprintf("Field %s doesn't exist", name))
		}
	}

	for _, f := range layer.EnabledFields() {
		if err := h.checkWidget(ctx, layer, f); err != nil {
			return nil, err
		}
	}
	return layer, nil
}

// resolveGeometry checks or detects the geometry column and takes its type
// and SRID from the catalog when not given.
func resolveGeometry(layer *metadata.Layer, schema *store.TableSchema) error {
	if layer.GeomField == "" {
		if cols := schema.GeometryColumns(); len(cols) > 0 {
			layer.GeomField = cols[0].Name
		}
	}
	if layer.GeomField == "" {
		layer.GeomType = ""
		return nil
	}
	col, err := schema.Column(layer.GeomField)
	if err != nil || !store.IsGeometryType(col.DataType) {
		return engine.ConfigurationError(fmt.Sprintf("%s is not a geometry column", layer.GeomField))
	}
	layer.GeomType = strings.ToUpper(col.GeometryType)
	if layer.GeomType == "" {
		layer.GeomType = "GEOMETRY"
	}
	if col.SRID > 0 {
		layer.SRID = col.SRID
	}
	if layer.SRID == 0 {
		layer.SRID = 4326
	}
	return nil
}

func (h *Handler) checkWidget(ctx context.Context, layer *metadata.Layer, f metadata.FieldConfig) error {
	deps := h.deps
	if s, err := h.conns.Get(ctx, layer.Connection); err == nil {
		deps.Store = s
	}
	w, err := widget.Build(layer, f, &deps)
	if err == nil {
		err = w.Validate(ctx)
	}
	if err == nil {
		return nil
	}
	var cfgErr *widget.ConfigError
	if errors.As(err, &cfgErr) {
		appErr := engine.ConfigurationError(cfgErr.Message)
		appErr.Details = []engine.ErrorDetail{{Field: cfgErr.Field, Message: cfgErr.Message}}
		return appErr
	}
	return fmt.Errorf("validate widget %s: %w", f.Name, err)
}

func (h *Handler) reload(ctx context.Context, layerID string) error {
	if err := metadata.Reload(ctx, h.store, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}
	h.mappers.Invalidate(layerID)
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
