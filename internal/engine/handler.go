package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"

	"layer-engine/internal/instrument"
	"layer-engine/internal/mapper"
	"layer-engine/internal/metadata"
	"layer-engine/internal/store"
)

// Options tunes request handling.
type Options struct {
	// BulkTimeout bounds one bulk request; zero means no limit.
	BulkTimeout time.Duration
}

type Handler struct {
	conns    *store.Connections
	registry *metadata.Registry
	mappers  *mapper.Cache
	assets   *AssetHandler
	replay   *ReplayCache
	opts     Options
}

func NewHandler(conns *store.Connections, reg *metadata.Registry, mappers *mapper.Cache, assets *AssetHandler, replay *ReplayCache, opts Options) *Handler {
	return &Handler{conns: conns, registry: reg, mappers: mappers, assets: assets, replay: replay, opts: opts}
}

// ListLayers handles GET /api/layers: the layers the caller may view.
func (h *Handler) ListLayers(c *fiber.Ctx) error {
	user := getUser(c)
	layers := h.registry.AllLayers()
	sort.Slice(layers, func(i, j int) bool { return layers[i].Name < layers[j].Name })

	out := make([]fiber.Map, 0, len(layers))
	for _, l := range layers {
		rights := ResolveRights(l, user)
		if !rights.View {
			continue
		}
		out = append(out, fiber.Map{
			"name":      l.Name,
			"title":     l.Title,
			"geom_type": l.GeomType,
			"rights":    rights,
		})
	}
	return c.JSON(fiber.Map{"data": out})
}

// LayerInfo handles GET /api/layers/:name.
func (h *Handler) LayerInfo(c *fiber.Ctx) error {
	layer, m, err := h.resolve(c, metadata.RightView)
	if err != nil {
		return err
	}
	ctx := c.UserContext()

	fields := make([]fiber.Map, 0, len(m.Fields()))
	for _, f := range m.Fields() {
		w := m.Widget(f.Name)
		typ := "virtual"
		if col, ok := m.Column(f.Name); ok {
			typ = metadata.WireType(col)
		}
		d := fiber.Map{
			"name":       f.Name,
			"label":      f.DisplayLabel(),
			"type":       typ,
			"size":       f.Size,
			"readonly":   f.Readonly || w.Computed() || w.Virtual(),
			"blank":      f.Blank,
			"search":     f.Search,
			"fullsearch": f.FullSearch,
			"widget":     w.Kind(),
		}
		for k, v := range w.SerializeConfig(ctx) {
			d[k] = v
		}
		fields = append(fields, d)
	}

	return c.JSON(fiber.Map{"data": fiber.Map{
		"name":              layer.Name,
		"title":             layer.Title,
		"pk_field":          layer.PKField,
		"geom_field":        layer.GeomField,
		"geom_type":         layer.GeomType,
		"srid":              layer.SRID,
		"page_size":         layer.PageSize,
		"max_page_size":     layer.MaxPageSize,
		"allow_page_size_0": layer.AllowPageSize0,
		"list_fields":       nonNil(layer.ListFields),
		"form_fields":       nonNil(layer.FormFields),
		"style":             layer.Style,
		"rights":            ResolveRights(layer, getUser(c)),
		"fields":            fields,
	}})
}

// List handles GET /api/layers/:name/data.
func (h *Handler) List(c *fiber.Ctx) error {
	layer, m, err := h.resolve(c, metadata.RightView)
	if err != nil {
		return err
	}
	plan, err := ParseListQuery(c, m)
	if err != nil {
		return err
	}

	ctx, span := instrument.GetInstrumenter(c.UserContext()).StartSpan(c.UserContext(), "engine", "handler", "data.list")
	defer span.End()
	span.SetEntity(layer.Name, "")

	var rows []map[string]any
	var total int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = m.List(gctx, m.Store.DB, plan.Query)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = m.Count(gctx, m.Store.DB, plan.Query)
		return err
	})
	if err := g.Wait(); err != nil {
		span.SetStatus("error")
		if errors.Is(err, store.ErrSpatialUnsupported) {
			return BadRequestError("SPATIAL_UNSUPPORTED", err.Error())
		}
		return fmt.Errorf("list %s: %w", layer.Name, err)
	}

	meta := fiber.Map{"page": plan.Page, "page_size": plan.PageSize, "total": total}
	if h.isSpatial(m) {
		features := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			features = append(features, m.Feature(r, plan.Fields))
		}
		return c.JSON(fiber.Map{"type": "FeatureCollection", "features": features, "meta": meta})
	}
	data := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		data = append(data, m.Serialize(r, plan.Fields))
	}
	return c.JSON(fiber.Map{"data": data, "meta": meta})
}

// Get handles GET /api/layers/:name/data/:pk.
func (h *Handler) Get(c *fiber.Ctx) error {
	layer, m, err := h.resolve(c, metadata.RightView)
	if err != nil {
		return err
	}
	pk, err := h.pkParam(c, m)
	if err != nil {
		return err
	}
	row, err := m.Get(c.UserContext(), m.Store.DB, pk)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError(layer.Name, c.Params("pk"))
		}
		return fmt.Errorf("get %s/%v: %w", layer.Name, pk, err)
	}
	return c.JSON(fiber.Map{"data": h.render(m, row)})
}

// Create handles POST /api/layers/:name/data.
func (h *Handler) Create(c *fiber.Ctx) error {
	layer, m, err := h.resolve(c, metadata.RightAdd)
	if err != nil {
		return err
	}
	body, err := parseItem(c, m)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	var pk any
	err = h.write(ctx, m, getUser(c), func(wc *writeScope) error {
		row, errs := m.Prepare(wc.WriteContext, body, mapper.OpCreate)
		if errs != nil {
			return errs
		}
		pk, err = m.Insert(wc.WriteContext, wc.tx, row)
		return err
	})
	if err != nil {
		return handleWriteError(layer, c.Params("pk"), err)
	}

	row, err := m.Get(ctx, m.Store.DB, pk)
	if err != nil {
		return fmt.Errorf("reload %s/%v: %w", layer.Name, pk, err)
	}
	emit(ctx, "row.created", layer, pk)
	return c.Status(201).JSON(fiber.Map{"data": h.render(m, row)})
}

// Replace handles PUT /api/layers/:name/data/:pk.
func (h *Handler) Replace(c *fiber.Ctx) error {
	return h.update(c, mapper.OpReplace)
}

// Patch handles PATCH /api/layers/:name/data/:pk.
func (h *Handler) Patch(c *fiber.Ctx) error {
	return h.update(c, mapper.OpUpdate)
}

func (h *Handler) update(c *fiber.Ctx, op mapper.Op) error {
	layer, m, err := h.resolve(c, metadata.RightUpdate)
	if err != nil {
		return err
	}
	pk, err := h.pkParam(c, m)
	if err != nil {
		return err
	}
	body, err := parseItem(c, m)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	err = h.write(ctx, m, getUser(c), func(wc *writeScope) error {
		old, err := m.GetRaw(ctx, wc.tx, pk)
		if err != nil {
			return err
		}
		wc.Old = old
		row, errs := m.Prepare(wc.WriteContext, body, op)
		if errs != nil {
			return errs
		}
		return m.Update(wc.WriteContext, wc.tx, pk, row)
	})
	if err != nil {
		return handleWriteError(layer, c.Params("pk"), err)
	}

	row, err := m.Get(ctx, m.Store.DB, pk)
	if err != nil {
		return fmt.Errorf("reload %s/%v: %w", layer.Name, pk, err)
	}
	emit(ctx, "row.updated", layer, pk)
	return c.JSON(fiber.Map{"data": h.render(m, row)})
}

// Delete handles DELETE /api/layers/:name/data/:pk.
func (h *Handler) Delete(c *fiber.Ctx) error {
	layer, m, err := h.resolve(c, metadata.RightDelete)
	if err != nil {
		return err
	}
	pk, err := h.pkParam(c, m)
	if err != nil {
		return err
	}

	err = h.write(c.UserContext(), m, getUser(c), func(wc *writeScope) error {
		n, err := m.DeleteByPK(wc.WriteContext, wc.tx, []any{pk})
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return handleWriteError(layer, c.Params("pk"), err)
	}
	emit(c.UserContext(), "row.deleted", layer, pk)
	return c.JSON(fiber.Map{"data": fiber.Map{layer.PKField: pk}})
}

// resolve looks up the layer, checks the caller holds rights on it and
// returns its mapper.
func (h *Handler) resolve(c *fiber.Ctx, rights ...metadata.Right) (*metadata.Layer, *mapper.Mapper, error) {
	name := c.Params("name")
	layer := h.registry.GetLayer(name)
	if layer == nil {
		return nil, nil, UnknownLayerError(name)
	}
	if err := CheckPermission(getUser(c), layer, rights...); err != nil {
		return nil, nil, err
	}
	m, err := h.mappers.Get(c.UserContext(), layer)
	if err != nil {
		return nil, nil, fmt.Errorf("layer %s: %w", name, err)
	}
	return layer, m, nil
}

func (h *Handler) pkParam(c *fiber.Ctx, m *mapper.Mapper) (any, error) {
	raw := c.Params("pk")
	pk, err := m.Coerce(m.Layer.PKField, raw)
	if err != nil {
		return nil, NotFoundError(m.Layer.Name, raw)
	}
	return pk, nil
}

func (h *Handler) isSpatial(m *mapper.Mapper) bool {
	return m.Layer.HasGeometry() && m.Field(m.Layer.GeomField) != nil
}

func (h *Handler) render(m *mapper.Mapper, row map[string]any) map[string]any {
	if h.isSpatial(m) {
		return m.Feature(row, nil)
	}
	return m.Serialize(row, nil)
}

func emit(ctx context.Context, action string, layer *metadata.Layer, pk any) {
	instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, action, layer.Name, fmt.Sprint(pk), nil)
}

// parseItem decodes a JSON object body; GeoJSON Features are flattened.
func parseItem(c *fiber.Ctx, m *mapper.Mapper) (map[string]any, error) {
	var body map[string]any
	if err := decodeBody(c.Body(), &body); err != nil || body == nil {
		return nil, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	return mapper.FlattenFeature(body, m.Layer.PKField, m.Layer.GeomField), nil
}

func getUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}

func handleWriteError(layer *metadata.Layer, pk string, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var fieldErrs mapper.FieldErrors
	if errors.As(err, &fieldErrs) {
		return FieldValidationError(fieldErrs)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return NotFoundError(layer.Name, pk)
	case errors.Is(err, store.ErrUniqueViolation):
		return ConflictError(uniqueViolationMessage(err))
	case errors.Is(err, store.ErrSpatialUnsupported):
		return BadRequestError("SPATIAL_UNSUPPORTED", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return NewAppError("TIMEOUT", 504, "Request timed out")
	}
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
