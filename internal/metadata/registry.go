package metadata

import "sync"

type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Layer
	byID   map[string]*Layer
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Layer),
		byID:   make(map[string]*Layer),
	}
}

// GetLayer returns the layer with the given name, or nil.
func (r *Registry) GetLayer(name string) *Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// GetLayerByID returns the layer with the given id, or nil.
func (r *Registry) GetLayerByID(id string) *Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// AllLayers returns all registered layers.
func (r *Registry) AllLayers() []*Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	layers := make([]*Layer, 0, len(r.byName))
	for _, l := range r.byName {
		layers = append(layers, l)
	}
	return layers
}

// Load replaces all layers in the registry.
// Called during startup and after admin mutations.
func (r *Registry) Load(layers []*Layer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName = make(map[string]*Layer, len(layers))
	r.byID = make(map[string]*Layer, len(layers))
	for _, l := range layers {
		r.byName[l.Name] = l
		r.byID[l.ID] = l
	}
}
