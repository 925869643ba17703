package metadata

import (
	"reflect"
	"testing"

	"layer-engine/internal/store"
)

func parcelsSchema() *store.TableSchema {
	return &store.TableSchema{
		Ref: store.TableRef{Table: "parcels"},
		Columns: []store.Column{
			{Name: "code", DataType: "text", PrimaryKey: true},
			{Name: "area", DataType: "double precision", Nullable: true},
			{Name: "geom", DataType: "geometry", Nullable: true},
		},
	}
}

func TestSyncFields_AddsDefaults(t *testing.T) {
	fields, added, removed := SyncFields(nil, parcelsSchema())
	if len(fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(fields))
	}
	if !reflect.DeepEqual(added, []string{"code", "area", "geom"}) {
		t.Fatalf("unexpected added: %v", added)
	}
	if len(removed) != 0 {
		t.Fatalf("unexpected removed: %v", removed)
	}
	// alphabetical
	if fields[0].Name != "area" || fields[1].Name != "code" || fields[2].Name != "geom" {
		t.Fatalf("fields not sorted: %v", fields)
	}
	code := fields[1]
	if code.Widget != WidgetAuto || code.Blank || !code.Enabled || code.DataType != "string" {
		t.Fatalf("unexpected default for code: %+v", code)
	}
	if !fields[0].Blank || fields[0].DataType != "number" {
		t.Fatalf("unexpected default for area: %+v", fields[0])
	}
	if fields[2].DataType != "geometry" {
		t.Fatalf("expected geometry type, got %s", fields[2].DataType)
	}
}

func TestSyncFields_IdempotentAndRemovesVanished(t *testing.T) {
	existing := []FieldConfig{
		{Name: "area", Label: "Area (m2)", Enabled: true, Widget: WidgetAuto},
		{Name: "old_col", Enabled: true, Widget: WidgetAuto},
		{Name: "children", Virtual: true, Enabled: true, Widget: WidgetRelation1N},
	}
	fields, added, removed := SyncFields(existing, parcelsSchema())
	if !reflect.DeepEqual(added, []string{"code", "geom"}) {
		t.Fatalf("unexpected added: %v", added)
	}
	if !reflect.DeepEqual(removed, []string{"old_col"}) {
		t.Fatalf("unexpected removed: %v", removed)
	}
	if len(fields) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(fields))
	}
	for _, f := range fields {
		if f.Name == "area" && f.Label != "Area (m2)" {
			t.Fatal("existing config overwritten")
		}
	}

	again, added2, removed2 := SyncFields(fields, parcelsSchema())
	if len(added2) != 0 || len(removed2) != 0 || !reflect.DeepEqual(again, fields) {
		t.Fatalf("second sync not idempotent: added=%v removed=%v", added2, removed2)
	}
}

func TestDefaultFieldList(t *testing.T) {
	fields := []FieldConfig{
		{Name: "zeta", Enabled: true},
		{Name: "geom", Enabled: true},
		{Name: "alpha", Enabled: true},
		{Name: "hidden", Enabled: false},
		{Name: "rel", Enabled: true, Virtual: true},
	}
	got := DefaultFieldList(fields, "geom")
	if !reflect.DeepEqual(got, []string{"alpha", "zeta"}) {
		t.Fatalf("unexpected default list: %v", got)
	}
}

func TestRights_OrAndHas(t *testing.T) {
	r := Rights{View: true}.Or(Rights{Delete: true})
	if !r.Has(RightView) || !r.Has(RightDelete) || r.Has(RightAdd) || r.Has(RightUpdate) {
		t.Fatalf("unexpected union: %+v", r)
	}
}

func TestLayerFromRow_SQLiteIntegers(t *testing.T) {
	l, err := LayerFromRow(map[string]any{
		"id": "1", "name": "parcels", "table_name": "gis.parcels", "pk_field": "code",
		"srid": int64(25831), "anonymous_view": int64(1), "authenticated_add": int64(0),
		"list_fields": "code, area", "data_filter": `{"kind":"urban"}`, "rules": "[]", "style": "",
		"version": int64(3),
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if l.SRID != 25831 || !l.Anonymous.View || l.Authenticated.Add || l.Version != 3 {
		t.Fatalf("unexpected layer: %+v", l)
	}
	if !reflect.DeepEqual(l.ListFields, []string{"code", "area"}) {
		t.Fatalf("unexpected list fields: %v", l.ListFields)
	}
	if l.DataFilter["kind"] != "urban" {
		t.Fatalf("unexpected data filter: %v", l.DataFilter)
	}
	ref, _ := l.TableRef()
	if ref.Schema != "gis" || ref.Table != "parcels" {
		t.Fatalf("unexpected table ref: %+v", ref)
	}
}
