package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"layer-engine/internal/engine"
	"layer-engine/internal/metadata"
	"layer-engine/internal/store"
)

// saveLayer writes the layer row and replaces its field configs in one
// transaction, then reloads the registry.
func (h *Handler) saveLayer(ctx context.Context, layer *metadata.Layer, create bool) error {
	if create {
		layer.ID = uuid.New().String()
	}
	dataFilter, err := marshalJSON(layer.DataFilter, "{}")
	if err != nil {
		return err
	}
	rules, err := marshalJSON(layer.Rules, "[]")
	if err != nil {
		return err
	}
	style, err := marshalJSON(layer.Style, "{}")
	if err != nil {
		return err
	}

	cols := []string{
		"name", "title", "connection", "table_name", "pk_field", "geom_field", "geom_type", "srid",
		"page_size", "max_page_size", "allow_page_size_0", "list_fields", "form_fields",
		"data_filter", "rules", "style",
		"anonymous_view", "anonymous_add", "anonymous_update", "anonymous_delete",
		"authenticated_view", "authenticated_add", "authenticated_update", "authenticated_delete",
		"version",
	}
	vals := []any{
		layer.Name, layer.Title, layer.Connection, layer.Table, layer.PKField, layer.GeomField, layer.GeomType, layer.SRID,
		layer.PageSize, layer.MaxPageSize, layer.AllowPageSize0,
		strings.Join(layer.ListFields, ","), strings.Join(layer.FormFields, ","),
		dataFilter, rules, style,
		layer.Anonymous.View, layer.Anonymous.Add, layer.Anonymous.Update, layer.Anonymous.Delete,
		layer.Authenticated.View, layer.Authenticated.Add, layer.Authenticated.Update, layer.Authenticated.Delete,
		layer.Version,
	}

	err = h.inTx(ctx, func(tx *sql.Tx) error {
		pb := h.store.Dialect.NewParamBuilder()
		var sqlStr string
		if create {
			phs := make([]string, len(vals))
			for i, v := range vals {
				phs[i] = pb.Add(v)
			}
			sqlStr = fmt.Sprintf("INSERT INTO _layers (id, %s) VALUES (%s, %s)",
				strings.Join(cols, ", "), pb.Add(layer.ID), strings.Join(phs, ", "))
		} else {
			sets := make([]string, len(cols))
			for i, col := range cols {
				sets[i] = fmt.Sprintf("%s = %s", col, pb.Add(vals[i]))
			}
			sqlStr = fmt.Sprintf("UPDATE _layers SET %s, updated_at = %s WHERE id = %s",
				strings.Join(sets, ", "), h.store.Dialect.NowExpr(), pb.Add(layer.ID))
		}
		if _, err := store.Exec(ctx, tx, sqlStr, pb.Params()...); err != nil {
			err = store.MapError(h.store.Dialect, err)
			if errors.Is(err, store.ErrUniqueViolation) {
				return engine.ConflictError("Layer already exists: " + layer.Name)
			}
			return fmt.Errorf("write _layers: %w", err)
		}

		pb = h.store.Dialect.NewParamBuilder()
		if _, err := store.Exec(ctx, tx, fmt.Sprintf("DELETE FROM _layer_fields WHERE layer_id = %s", pb.Add(layer.ID)), pb.Params()...); err != nil {
			return fmt.Errorf("clear _layer_fields: %w", err)
		}
		for i := range layer.Fields {
			f := &layer.Fields[i]
			if f.ID == "" {
				f.ID = uuid.New().String()
			}
			f.LayerID = layer.ID
			if err := insertField(ctx, h.store.Dialect, tx, *f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return h.reload(ctx, layer.ID)
}

func insertField(ctx context.Context, d store.Dialect, q store.Querier, f metadata.FieldConfig) error {
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(`INSERT INTO _layer_fields
		(id, layer_id, name, label, data_type, size, is_virtual, enabled, readonly, search, fullsearch, blank, widget, widget_options)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(f.ID), pb.Add(f.LayerID), pb.Add(f.Name), pb.Add(f.Label), pb.Add(f.DataType), pb.Add(f.Size),
		pb.Add(f.Virtual), pb.Add(f.Enabled), pb.Add(f.Readonly), pb.Add(f.Search), pb.Add(f.FullSearch),
		pb.Add(f.Blank), pb.Add(f.Widget), pb.Add(f.WidgetOptions))
	if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("insert field %s: %w", f.Name, err)
	}
	return nil
}

// saveField updates one field config and bumps the layer version.
func (h *Handler) saveField(ctx context.Context, layerID string, f metadata.FieldConfig) error {
	return h.inTx(ctx, func(tx *sql.Tx) error {
		pb := h.store.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf(`UPDATE _layer_fields SET label = %s, enabled = %s, readonly = %s, search = %s,
			fullsearch = %s, blank = %s, widget = %s, widget_options = %s WHERE id = %s`,
			pb.Add(f.Label), pb.Add(f.Enabled), pb.Add(f.Readonly), pb.Add(f.Search),
			pb.Add(f.FullSearch), pb.Add(f.Blank), pb.Add(f.Widget), pb.Add(f.WidgetOptions), pb.Add(f.ID))
		if _, err := store.Exec(ctx, tx, sqlStr, pb.Params()...); err != nil {
			return err
		}
		return bumpVersion(ctx, h.store.Dialect, tx, layerID)
	})
}

func (h *Handler) saveGrants(ctx context.Context, layerID string, g grants) error {
	return h.inTx(ctx, func(tx *sql.Tx) error {
		if err := replaceGrants(ctx, h.store.Dialect, tx, "_layer_user_permissions", "username", layerID, g.Users); err != nil {
			return err
		}
		return replaceGrants(ctx, h.store.Dialect, tx, "_layer_group_permissions", "group_name", layerID, g.Groups)
	})
}

func replaceGrants(ctx context.Context, d store.Dialect, q store.Querier, table, keyCol, layerID string, rights map[string]metadata.Rights) error {
	pb := d.NewParamBuilder()
	if _, err := store.Exec(ctx, q, fmt.Sprintf("DELETE FROM %s WHERE layer_id = %s", table, pb.Add(layerID)), pb.Params()...); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	keys := make([]string, 0, len(rights))
	for k := range rights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r := rights[k]
		pb := d.NewParamBuilder()
		sqlStr := fmt.Sprintf("INSERT INTO %s (layer_id, %s, can_view, can_add, can_update, can_delete) VALUES (%s, %s, %s, %s, %s, %s)",
			table, keyCol, pb.Add(layerID), pb.Add(k), pb.Add(r.View), pb.Add(r.Add), pb.Add(r.Update), pb.Add(r.Delete))
		if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("insert %s %s: %w", table, k, err)
		}
	}
	return nil
}

func (h *Handler) deleteLayer(ctx context.Context, layerID string) error {
	return h.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"_layer_fields", "_layer_user_permissions", "_layer_group_permissions", "_layers"} {
			col := "layer_id"
			if table == "_layers" {
				col = "id"
			}
			pb := h.store.Dialect.NewParamBuilder()
			if _, err := store.Exec(ctx, tx, fmt.Sprintf("DELETE FROM %s WHERE %s = %s", table, col, pb.Add(layerID)), pb.Params()...); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		return nil
	})
}

func bumpVersion(ctx context.Context, d store.Dialect, q store.Querier, layerID string) error {
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf("UPDATE _layers SET version = version + 1, updated_at = %s WHERE id = %s", d.NowExpr(), pb.Add(layerID))
	if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	return nil
}

func (h *Handler) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}
