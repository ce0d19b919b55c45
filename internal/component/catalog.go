package component

import (
	"fmt"
	"sort"
	"sync"
)

// Kind selects which endpoints a component exposes.
type Kind string

const (
	KindCollector Kind = "collector"
	KindAssets    Kind = "assets_manager"
	KindTileset   Kind = "tileset_manager"
)

// Entry is one registered component.
type Entry struct {
	Kind     Kind          `json:"kind"`
	Config   Configuration `json:"configuration"`
	Schedule string        `json:"schedule,omitempty"`
	Producer Producer      `json:"-"`
}

// Catalog holds every component of the process, keyed by dataset name.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]Entry)}
}

// AddProducer registers a scheduled collector.
func (c *Catalog) AddProducer(p Producer) error {
	if _, err := ParseCadence(p.Schedule()); err != nil {
		return err
	}
	return c.add(Entry{Kind: KindCollector, Config: p.Configuration(), Schedule: p.Schedule(), Producer: p})
}

// AddManager registers an upload-driven assets or tileset manager.
func (c *Catalog) AddManager(kind Kind, cfg Configuration) error {
	if kind != KindAssets && kind != KindTileset {
		return fmt.Errorf("%w: %q is not a manager kind", ErrInvalidConfiguration, kind)
	}
	return c.add(Entry{Kind: kind, Config: cfg})
}

func (c *Catalog) add(e Entry) error {
	if err := e.Config.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.entries[e.Config.Name]; dup {
		return fmt.Errorf("%w: duplicate component %q", ErrInvalidConfiguration, e.Config.Name)
	}
	c.entries[e.Config.Name] = e
	return nil
}

// Entries returns all components sorted by name.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

// Producers returns the producers of all collectors, sorted by name.
func (c *Catalog) Producers() []Producer {
	var out []Producer
	for _, e := range c.Entries() {
		if e.Producer != nil {
			out = append(out, e.Producer)
		}
	}
	return out
}

func (c *Catalog) Get(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}
