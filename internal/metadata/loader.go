package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"layer-engine/internal/store"
)

// LoadAll reads all layers, field configs and grants and populates the registry.
func LoadAll(ctx context.Context, s *store.Store, reg *Registry) error {
	layers, err := loadLayers(ctx, s)
	if err != nil {
		return fmt.Errorf("load layers: %w", err)
	}
	byID := make(map[string]*Layer, len(layers))
	for _, l := range layers {
		byID[l.ID] = l
	}

	nFields, err := loadFields(ctx, s, byID)
	if err != nil {
		return fmt.Errorf("load fields: %w", err)
	}
	nGrants, err := loadGrants(ctx, s, byID)
	if err != nil {
		return fmt.Errorf("load grants: %w", err)
	}

	reg.Load(layers)
	log.Printf("Loaded %d layers, %d fields, %d grants into registry", len(layers), nFields, nGrants)
	return nil
}

// Reload is an alias for LoadAll, called after admin mutations.
func Reload(ctx context.Context, s *store.Store, reg *Registry) error {
	return LoadAll(ctx, s, reg)
}

func loadLayers(ctx context.Context, s *store.Store) ([]*Layer, error) {
	rows, err := store.QueryRows(ctx, s.DB, "SELECT * FROM _layers ORDER BY name")
	if err != nil {
		return nil, err
	}
	layers := make([]*Layer, 0, len(rows))
	for _, row := range rows {
		l, err := LayerFromRow(row)
		if err != nil {
			log.Printf("WARN: skipping layer %v: %v", row["name"], err)
			continue
		}
		layers = append(layers, l)
	}
	return layers, nil
}

// LayerFromRow decodes a _layers row. Fields and grants are left empty.
func LayerFromRow(row map[string]any) (*Layer, error) {
	l := &Layer{
		ID:             ToString(row["id"]),
		Name:           ToString(row["name"]),
		Title:          ToString(row["title"]),
		Connection:     ToString(row["connection"]),
		Table:          ToString(row["table_name"]),
		PKField:        ToString(row["pk_field"]),
		GeomField:      ToString(row["geom_field"]),
		GeomType:       ToString(row["geom_type"]),
		SRID:           ToInt(row["srid"]),
		PageSize:       ToInt(row["page_size"]),
		MaxPageSize:    ToInt(row["max_page_size"]),
		AllowPageSize0: ToBool(row["allow_page_size_0"]),
		ListFields:     SplitList(ToString(row["list_fields"])),
		FormFields:     SplitList(ToString(row["form_fields"])),
		Anonymous: Rights{
			View:   ToBool(row["anonymous_view"]),
			Add:    ToBool(row["anonymous_add"]),
			Update: ToBool(row["anonymous_update"]),
			Delete: ToBool(row["anonymous_delete"]),
		},
		Authenticated: Rights{
			View:   ToBool(row["authenticated_view"]),
			Add:    ToBool(row["authenticated_add"]),
			Update: ToBool(row["authenticated_update"]),
			Delete: ToBool(row["authenticated_delete"]),
		},
		Version:     int64(ToInt(row["version"])),
		UserGrants:  map[string]Rights{},
		GroupGrants: map[string]Rights{},
	}
	if err := decodeJSON(row["data_filter"], &l.DataFilter); err != nil {
		return nil, fmt.Errorf("data_filter: %w", err)
	}
	if err := decodeJSON(row["rules"], &l.Rules); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	if err := decodeJSON(row["style"], &l.Style); err != nil {
		return nil, fmt.Errorf("style: %w", err)
	}
	return l, nil
}

func loadFields(ctx context.Context, s *store.Store, byID map[string]*Layer) (int, error) {
	rows, err := store.QueryRows(ctx, s.DB, "SELECT * FROM _layer_fields ORDER BY layer_id, name")
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		f := FieldFromRow(row)
		if l, ok := byID[f.LayerID]; ok {
			l.Fields = append(l.Fields, f)
		}
	}
	return len(rows), nil
}

// FieldFromRow decodes a _layer_fields row.
func FieldFromRow(row map[string]any) FieldConfig {
	return FieldConfig{
		ID:            ToString(row["id"]),
		LayerID:       ToString(row["layer_id"]),
		Name:          ToString(row["name"]),
		Label:         ToString(row["label"]),
		DataType:      ToString(row["data_type"]),
		Size:          ToInt(row["size"]),
		Virtual:       ToBool(row["is_virtual"]),
		Enabled:       ToBool(row["enabled"]),
		Readonly:      ToBool(row["readonly"]),
		Search:        ToBool(row["search"]),
		FullSearch:    ToBool(row["fullsearch"]),
		Blank:         ToBool(row["blank"]),
		Widget:        ToString(row["widget"]),
		WidgetOptions: ToString(row["widget_options"]),
	}
}

func loadGrants(ctx context.Context, s *store.Store, byID map[string]*Layer) (int, error) {
	users, err := store.QueryRows(ctx, s.DB, "SELECT * FROM _layer_user_permissions")
	if err != nil {
		return 0, err
	}
	for _, row := range users {
		if l, ok := byID[ToString(row["layer_id"])]; ok {
			l.UserGrants[ToString(row["username"])] = rightsFromRow(row)
		}
	}

	groups, err := store.QueryRows(ctx, s.DB, "SELECT * FROM _layer_group_permissions")
	if err != nil {
		return 0, err
	}
	for _, row := range groups {
		if l, ok := byID[ToString(row["layer_id"])]; ok {
			l.GroupGrants[ToString(row["group_name"])] = rightsFromRow(row)
		}
	}
	return len(users) + len(groups), nil
}

func rightsFromRow(row map[string]any) Rights {
	return Rights{
		View:   ToBool(row["can_view"]),
		Add:    ToBool(row["can_add"]),
		Update: ToBool(row["can_update"]),
		Delete: ToBool(row["can_delete"]),
	}
}

func decodeJSON(v any, dst any) error {
	s := ToString(v)
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}

// ToString converts a scanned value to string.
func ToString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

// ToInt converts a scanned value to int.
func ToInt(v any) int {
	switch val := v.(type) {
	case int64:
		return int(val)
	case int32:
		return int(val)
	case int:
		return val
	case float64:
		return int(val)
	case bool:
		if val {
			return 1
		}
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(val))
		return n
	}
	return 0
}

// ToBool converts a scanned value to bool. SQLite returns integers.
func ToBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	}
	return ToInt(v) != 0
}

// SplitList parses a comma-separated name list.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
