package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"layer-engine/internal/geo"
	"layer-engine/internal/mapper"
)

// reserved query parameters; anything else is treated as field=value.
var reservedParams = map[string]bool{
	"q": true, "in_bbox": true, "intersects": true, "sort": true,
	"page": true, "page_size": true, "fields": true, "format": true,
}

// ListPlan is a parsed list request.
type ListPlan struct {
	Query    mapper.Query
	Page     int
	PageSize int
	Fields   []string
}

// ParseListQuery parses the data list parameters against the layer's fields.
func ParseListQuery(c *fiber.Ctx, m *mapper.Mapper) (*ListPlan, error) {
	layer := m.Layer
	plan := &ListPlan{Page: 1, PageSize: layer.PageSize}
	if plan.PageSize <= 0 {
		plan.PageSize = 50
	}

	queries := c.Queries()
	keys := make([]string, 0, len(queries))
	for k := range queries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := queries[key]
		switch {
		case reservedParams[key]:
			continue
		case strings.HasPrefix(key, "filter[") && strings.HasSuffix(key, "]"):
			field, op := parseFilterKey(key[7 : len(key)-1])
			if !mapper.ValidOp(op) {
				return nil, BadRequestError("INVALID_FILTER", fmt.Sprintf("Unknown filter operator: %s", op))
			}
			f, err := filterFor(m, field, op, val)
			if err != nil {
				return nil, err
			}
			plan.Query.Filters = append(plan.Query.Filters, f)
		default:
			// field=value equality is limited to searchable fields
			cfg := m.Field(key)
			if cfg == nil || !cfg.Search {
				continue
			}
			f, err := filterFor(m, key, "eq", val)
			if err != nil {
				return nil, err
			}
			plan.Query.Filters = append(plan.Query.Filters, f)
		}
	}

	plan.Query.Search = strings.TrimSpace(c.Query("q"))

	if v := c.Query("in_bbox"); v != "" {
		if !layer.HasGeometry() {
			return nil, BadRequestError("INVALID_FILTER", "Layer has no geometry")
		}
		b, err := geo.ParseBBox(v)
		if err != nil {
			return nil, BadRequestError("INVALID_FILTER", fmt.Sprintf("Invalid in_bbox: %v", err))
		}
		plan.Query.BBox = &b
	}
	if v := c.Query("intersects"); v != "" {
		if !layer.HasGeometry() {
			return nil, BadRequestError("INVALID_FILTER", "Layer has no geometry")
		}
		g, err := geo.ParsePolygon(v)
		if err != nil {
			return nil, BadRequestError("INVALID_FILTER", fmt.Sprintf("Invalid intersects: %v", err))
		}
		plan.Query.Intersects = g
	}

	// sort=-area,name
	if sortParam := c.Query("sort"); sortParam != "" {
		for _, part := range strings.Split(sortParam, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			s := mapper.Sort{Field: part}
			if strings.HasPrefix(part, "-") {
				s = mapper.Sort{Field: part[1:], Desc: true}
			}
			if _, ok := m.Column(s.Field); !ok || m.Field(s.Field) == nil || m.IsGeometry(s.Field) {
				return nil, BadRequestError("UNKNOWN_FIELD", fmt.Sprintf("Unknown sort field: %s", s.Field))
			}
			plan.Query.Sort = append(plan.Query.Sort, s)
		}
	}

	if fields := c.Query("fields"); fields != "" {
		for _, name := range strings.Split(fields, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if m.Field(name) == nil && name != layer.PKField {
				return nil, BadRequestError("UNKNOWN_FIELD", fmt.Sprintf("Unknown field: %s", name))
			}
			plan.Fields = append(plan.Fields, name)
		}
		if layer.HasGeometry() && m.Field(layer.GeomField) != nil {
			plan.Fields = append(plan.Fields, layer.GeomField)
		}
		plan.Query.Fields = plan.Fields
	}

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			plan.Page = v
		}
	}
	if ps := c.Query("page_size"); ps != "" {
		v, err := strconv.Atoi(ps)
		if err != nil || v < 0 {
			return nil, BadRequestError("INVALID_PAGE_SIZE", fmt.Sprintf("Invalid page_size: %s", ps))
		}
		if v == 0 && !layer.AllowPageSize0 {
			return nil, BadRequestError("INVALID_PAGE_SIZE", "page_size=0 is not allowed for this layer")
		}
		plan.PageSize = v
	}
	if layer.MaxPageSize > 0 && plan.PageSize > layer.MaxPageSize {
		plan.PageSize = layer.MaxPageSize
	}

	if plan.PageSize > 0 {
		plan.Query.Limit = plan.PageSize
		plan.Query.Offset = (plan.Page - 1) * plan.PageSize
	}
	return plan, nil
}

func filterFor(m *mapper.Mapper, field, op, val string) (mapper.Filter, error) {
	if _, ok := m.Column(field); !ok || m.Field(field) == nil || m.IsGeometry(field) {
		return mapper.Filter{}, BadRequestError("UNKNOWN_FIELD", fmt.Sprintf("Unknown filter field: %s", field))
	}
	if op == "like" {
		return mapper.Filter{Field: field, Op: op, Value: val}, nil
	}
	if op == "in" || op == "not_in" {
		parts := strings.Split(val, ",")
		values := make([]any, len(parts))
		for i, p := range parts {
			v, err := m.Coerce(field, strings.TrimSpace(p))
			if err != nil {
				return mapper.Filter{}, invalidFilter(field, err)
			}
			values[i] = v
		}
		return mapper.Filter{Field: field, Op: op, Value: values}, nil
	}
	if val == "null" && (op == "eq" || op == "neq") {
		return mapper.Filter{Field: field, Op: op, Value: nil}, nil
	}
	v, err := m.Coerce(field, val)
	if err != nil {
		return mapper.Filter{}, invalidFilter(field, err)
	}
	return mapper.Filter{Field: field, Op: op, Value: v}, nil
}

func invalidFilter(field string, err error) *AppError {
	return BadRequestError("INVALID_PAYLOAD", fmt.Sprintf("Invalid filter value for %s: %v", field, err))
}

// parseFilterKey splits "area.gte" into ("area", "gte") or "status" into ("status", "eq").
func parseFilterKey(key string) (string, string) {
	if i := strings.LastIndex(key, "."); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, "eq"
}
