package widget

import (
	"context"
	"fmt"
	"log"

	"layer-engine/internal/metadata"
	"layer-engine/internal/store"
)

type foreignKeyOptions struct {
	DBLayer string `json:"dblayer" validate:"required"`
	ToField string `json:"to_field" validate:"required"`
	Geom    *bool  `json:"geom,omitempty"`
}

// ForeignKey points the field at a row of another layer.
type ForeignKey struct {
	base
	opts foreignKeyOptions
}

func newForeignKey(b base) (Widget, error) {
	w := &ForeignKey{base: b}
	if err := decodeOptions(b.field, &w.opts); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *ForeignKey) Validate(context.Context) error {
	target, err := lookupLayer(w.base, w.opts.DBLayer)
	if err != nil {
		return err
	}
	if target.GetField(w.opts.ToField) == nil {
		return configErr(w.field, "The %s 'attribute' doesn't exist", w.opts.ToField)
	}
	if w.opts.Geom != nil && *w.opts.Geom && !target.HasGeometry() {
		return configErr(w.field, "The %s 'dblayer' doesn't have a geometry column", w.opts.DBLayer)
	}
	return nil
}

func (w *ForeignKey) SerializeConfig(context.Context) map[string]any {
	return optionsConfig(rawOptions(w.field))
}

type relation1NOptions struct {
	DBLayer   string `json:"dblayer" validate:"required"`
	ToField   string `json:"to_field" validate:"required"`
	DBLayerFK string `json:"dblayer_fk" validate:"required"`
	Count     bool   `json:"count"`
}

// Relation1N lists the rows of another layer pointing at this row. It has
// no backing column; with count enabled the read query carries the number
// of related rows.
type Relation1N struct {
	base
	opts relation1NOptions
}

func newRelation1N(b base) (Widget, error) {
	w := &Relation1N{base: b}
	if err := decodeOptions(b.field, &w.opts); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Relation1N) Virtual() bool { return true }

func (w *Relation1N) Validate(context.Context) error {
	target, err := lookupLayer(w.base, w.opts.DBLayer)
	if err != nil {
		return err
	}
	if target.GetField(w.opts.DBLayerFK) == nil {
		return configErr(w.field, "The %s 'dblayer_fk' doesn't exist", w.opts.DBLayerFK)
	}
	if w.layer != nil {
		if f := w.layer.GetField(w.opts.ToField); f == nil && w.opts.ToField != w.layer.PKField {
			return configErr(w.field, "The %s 'to_field' doesn't exist", w.opts.ToField)
		}
		if w.opts.Count && target.Connection != w.layer.Connection {
			return configErr(w.field, "'count' requires %s to share the layer's connection", w.opts.DBLayer)
		}
	}
	return nil
}

func (w *Relation1N) ExtendReadQuery(rq *ReadQuery) {
	if !w.opts.Count || w.deps.Layers == nil {
		return
	}
	target := w.deps.Layers.GetLayer(w.opts.DBLayer)
	if target == nil {
		log.Printf("WARN: relation %s.%s: layer %s not found", w.layer.Name, w.field.Name, w.opts.DBLayer)
		return
	}
	ref, err := target.TableRef()
	if err != nil {
		log.Printf("WARN: relation %s.%s: %v", w.layer.Name, w.field.Name, err)
		return
	}
	rq.Selects = append(rq.Selects, fmt.Sprintf(
		"COALESCE((SELECT COUNT(*) FROM %s r WHERE r.%s = %s.%s), 0) AS %s",
		ref.Quoted(), store.QuoteIdent(w.opts.DBLayerFK),
		rq.Alias, store.QuoteIdent(w.opts.ToField), store.QuoteIdent(w.field.Name)))
}

func (w *Relation1N) SerializeValue(v any) any {
	if !w.opts.Count {
		return nil
	}
	if v == nil {
		v = 0
	}
	return map[string]any{"count": v}
}

func (w *Relation1N) SerializeConfig(context.Context) map[string]any {
	return optionsConfig(rawOptions(w.field))
}

func lookupLayer(b base, name string) (*metadata.Layer, error) {
	if b.deps.Layers == nil {
		return nil, configErr(b.field, "The %s 'dblayer' doesn't exist", name)
	}
	target := b.deps.Layers.GetLayer(name)
	if target == nil {
		return nil, configErr(b.field, "The %s 'dblayer' doesn't exist", name)
	}
	return target, nil
}
