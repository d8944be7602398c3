package plugin

import (
	"strings"
	"sync"

	xerrors "AppRuntime/internal/errors"
)

// CatalogEntry is a named factory known to the host at startup.
type CatalogEntry struct {
	Name    string
	Version string
	Factory Factory
}

// Catalog is the explicit set of plugin factories compiled into the binary.
// Configuration decides which of them are registered and activated.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]CatalogEntry
	order   []string
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]CatalogEntry)}
}

// Add makes factory available under name.
func (c *Catalog) Add(name, version string, factory Factory) error {
	name = strings.TrimSpace(name)
	if name == "" || factory == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "catalog entries need a name and a factory")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; ok {
		return xerrors.New(xerrors.CodeDuplicateName, "plugin "+name+" already in catalog")
	}
	c.entries[name] = CatalogEntry{Name: name, Version: version, Factory: factory}
	c.order = append(c.order, name)
	return nil
}

// Lookup returns the entry for name.
func (c *Catalog) Lookup(name string) (CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

// Names lists entries in the order they were added.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}
