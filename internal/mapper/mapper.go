// Package mapper reads and writes a layer's backing table according to its
// field configuration.
package mapper

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/expr-lang/expr/vm"

	"layer-engine/internal/metadata"
	"layer-engine/internal/store"
	"layer-engine/internal/widget"
)

// Mapper is the accessor for one layer at one configuration version.
// It is immutable once built and safe for concurrent use.
type Mapper struct {
	Layer  *metadata.Layer
	Store  *store.Store
	Schema *store.TableSchema
	Ref    store.TableRef

	fields  []metadata.FieldConfig
	widgets map[string]widget.Widget
	columns map[string]store.Column
	rules   []compiledRule
}

type compiledRule struct {
	rule    metadata.Rule
	program *vm.Program
}

// New inspects the layer's table and builds one widget per enabled field.
// Fields whose options no longer build fall back to a readonly auto widget;
// computed widgets missing the readonly flag keep computing.
func New(ctx context.Context, layer *metadata.Layer, s *store.Store, deps widget.Deps) (*Mapper, error) {
	ref, err := layer.TableRef()
	if err != nil {
		return nil, err
	}
	schema, err := store.Inspect(ctx, s.DB, s.Dialect, ref)
	if err != nil {
		return nil, err
	}
	if _, err := schema.Column(layer.PKField); err != nil {
		return nil, fmt.Errorf("layer %s primary key: %w", layer.Name, err)
	}

	deps.Store = s
	m := &Mapper{
		Layer:   layer,
		Store:   s,
		Schema:  schema,
		Ref:     ref,
		widgets: make(map[string]widget.Widget),
		columns: make(map[string]store.Column, len(schema.Columns)),
	}
	for _, c := range schema.Columns {
		m.columns[c.Name] = c
	}

	for _, f := range layer.EnabledFields() {
		_, hasColumn := m.columns[f.Name]
		w, err := widget.Build(layer, f, &deps)
		if err != nil && widget.IsComputedKind(f.Widget) && !f.Readonly {
			log.Printf("WARN: layer %s field %s: %v; forcing readonly", layer.Name, f.Name, err)
			f.Readonly = true
			w, err = widget.Build(layer, f, &deps)
		}
		if err != nil {
			log.Printf("WARN: layer %s field %s: %v; using readonly auto", layer.Name, f.Name, err)
			f.Widget = metadata.WidgetAuto
			f.Readonly = true
			w, _ = widget.Build(layer, f, &deps)
		}
		if !hasColumn && !w.Virtual() {
			log.Printf("WARN: layer %s field %s has no column in %s; skipped", layer.Name, f.Name, ref)
			continue
		}
		m.fields = append(m.fields, f)
		m.widgets[f.Name] = w
	}
	sort.Slice(m.fields, func(i, j int) bool { return m.fields[i].Name < m.fields[j].Name })

	for _, r := range layer.Rules {
		prog, err := CompileRule(r)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer.Name, err)
		}
		m.rules = append(m.rules, compiledRule{rule: r, program: prog})
	}
	return m, nil
}

// Fields returns the enabled field configs backed by a column or a virtual widget.
func (m *Mapper) Fields() []metadata.FieldConfig {
	return m.fields
}

// Field returns the enabled field config with the given name, or nil.
func (m *Mapper) Field(name string) *metadata.FieldConfig {
	for i := range m.fields {
		if m.fields[i].Name == name {
			return &m.fields[i]
		}
	}
	return nil
}

// Widget returns the widget of an enabled field, or nil.
func (m *Mapper) Widget(name string) widget.Widget {
	return m.widgets[name]
}

// Column returns the backing column of a field.
func (m *Mapper) Column(name string) (store.Column, bool) {
	c, ok := m.columns[name]
	return c, ok
}

// IsGeometry reports whether name is the layer's geometry field.
func (m *Mapper) IsGeometry(name string) bool {
	return m.Layer.GeomField != "" && name == m.Layer.GeomField
}

func (m *Mapper) srid() int {
	if m.Layer.SRID == 0 {
		return 4326
	}
	return m.Layer.SRID
}

func (m *Mapper) pkColumn() string {
	return store.QuoteIdent(m.Layer.PKField)
}

type cacheKey struct {
	id      string
	version int64
}

// Cache holds one Mapper per (layer id, version). Saving a layer or one
// of its fields bumps the version, so stale entries are never returned.
type Cache struct {
	mu      sync.RWMutex
	conns   *store.Connections
	deps    widget.Deps
	entries map[cacheKey]*Mapper
}

func NewCache(conns *store.Connections, deps widget.Deps) *Cache {
	return &Cache{conns: conns, deps: deps, entries: make(map[cacheKey]*Mapper)}
}

// Get returns the mapper for the layer's current version, building it on a miss.
func (c *Cache) Get(ctx context.Context, layer *metadata.Layer) (*Mapper, error) {
	key := cacheKey{id: layer.ID, version: layer.Version}

	c.mu.RLock()
	m, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}

	s, err := c.conns.Get(ctx, layer.Connection)
	if err != nil {
		return nil, err
	}
	m, err = New(ctx, layer, s, c.deps)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.id == layer.ID && k.version != layer.Version {
			delete(c.entries, k)
		}
	}
	if existing, ok := c.entries[key]; ok {
		return existing, nil
	}
	c.entries[key] = m
	return m, nil
}

// Invalidate drops every cached version of a layer.
func (c *Cache) Invalidate(layerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.id == layerID {
			delete(c.entries, k)
		}
	}
}
