package durable

import (
	"fmt"
	"sort"
	"sync"
)

// Config selects and configures a store backend.
type Config struct {
	Driver         string `json:"driver,omitempty" yaml:"driver,omitempty" toml:"driver,omitempty"`
	Path           string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	RecoverOnStart *bool  `json:"recover_on_start,omitempty" yaml:"recover_on_start,omitempty" toml:"recover_on_start,omitempty"`
}

// DefaultConfig returns the in-memory configuration. Callers that want
// persistence set Driver and Path.
func DefaultConfig() Config {
	enabled := true
	return Config{Driver: "memory", RecoverOnStart: &enabled}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Driver != "" {
		c.Driver = source.Driver
	}
	if source.Path != "" {
		c.Path = source.Path
	}
	if source.RecoverOnStart != nil {
		v := *source.RecoverOnStart
		c.RecoverOnStart = &v
	}
}

// Factory opens a store at path.
type Factory func(path string) (Store, error)

var (
	drivers = map[string]Factory{
		"memory": func(string) (Store, error) { return NewMemoryStore(), nil },
		"sqlite": func(path string) (Store, error) { return OpenSQLite(path) },
		"file":   func(path string) (Store, error) { return OpenFileStore(path) },
	}
	driversMu sync.RWMutex
)

// RegisterDriver adds or replaces a named backend.
func RegisterDriver(name string, factory Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// Drivers lists registered backend names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates the store named by cfg.Driver.
func Open(cfg *Config) (Store, error) {
	c := DefaultConfig()
	if cfg != nil {
		c.Merge(cfg)
	}

	driversMu.RLock()
	factory, ok := drivers[c.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, c.Driver)
	}

	store, err := factory(c.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", c.Driver, err)
	}
	return store, nil
}
