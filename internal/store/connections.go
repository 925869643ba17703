package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"layer-engine/internal/config"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Connections hands out stores for the databases layers point at. The empty
// alias is the engine's own database. Named stores are opened lazily and kept
// for the life of the process.
type Connections struct {
	mu   sync.Mutex
	base *Store
	cfgs map[string]config.DatabaseConfig
	open map[string]*Store
}

func NewConnections(base *Store, cfgs map[string]config.DatabaseConfig) *Connections {
	return &Connections{
		base: base,
		cfgs: cfgs,
		open: make(map[string]*Store),
	}
}

// Base returns the engine's own store.
func (c *Connections) Base() *Store {
	return c.base
}

// Has reports whether alias names a usable connection.
func (c *Connections) Has(alias string) bool {
	if alias == "" {
		return true
	}
	_, ok := c.cfgs[alias]
	return ok
}

// Get returns the store for alias, opening it on first use.
func (c *Connections) Get(ctx context.Context, alias string) (*Store, error) {
	if alias == "" {
		return c.base, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.open[alias]; ok {
		return s, nil
	}
	cfg, ok := c.cfgs[alias]
	if !ok {
		return nil, fmt.Errorf("%s: %w", alias, ErrUnknownConnection)
	}
	s, err := New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", alias, err)
	}
	c.open[alias] = s
	log.Printf("Connection %q opened (%s)", alias, s.Dialect.Name())
	return s, nil
}

// Close closes every named store. The base store is owned by the caller.
func (c *Connections) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for alias, s := range c.open {
		s.Close()
		delete(c.open, alias)
	}
}
