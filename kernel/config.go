package kernel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/tailored-agentic-units/trellico/durable"
	"github.com/tailored-agentic-units/trellico/iteration"
	"github.com/tailored-agentic-units/trellico/launcher"
	"github.com/tailored-agentic-units/trellico/registry"
	"github.com/tailored-agentic-units/trellico/rpcserver"
	"github.com/tailored-agentic-units/trellico/session"
)

const defaultEventLimit = 1000

// Config holds initialization parameters for all subsystems. Each section
// delegates to that subsystem's own Config.
type Config struct {
	// WorkDir is the project agents run in. Empty means the current
	// directory.
	WorkDir   string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty" toml:"work_dir,omitempty"`
	LogLevel  string   `json:"log_level,omitempty" yaml:"log_level,omitempty" toml:"log_level,omitempty"`
	LogFormat string   `json:"log_format,omitempty" yaml:"log_format,omitempty" toml:"log_format,omitempty"`
	Observers []string `json:"observers,omitempty" yaml:"observers,omitempty" toml:"observers,omitempty"`
	// EventLimit bounds the diagnostic events kept in memory.
	EventLimit int `json:"event_limit,omitempty" yaml:"event_limit,omitempty" toml:"event_limit,omitempty"`
	// Persist records live messages into the durable store.
	Persist *bool `json:"persist,omitempty" yaml:"persist,omitempty" toml:"persist,omitempty"`
	// LinkPlans links plan files written during a plan session to that
	// session.
	LinkPlans *bool `json:"link_plans,omitempty" yaml:"link_plans,omitempty" toml:"link_plans,omitempty"`
	// HistoryHome is where agent transcripts are read from. Empty means the
	// user's home directory.
	HistoryHome string `json:"history_home,omitempty" yaml:"history_home,omitempty" toml:"history_home,omitempty"`

	Launcher  launcher.Config  `json:"launcher" yaml:"launcher" toml:"launcher"`
	Session   session.Config   `json:"session" yaml:"session" toml:"session"`
	Registry  registry.Config  `json:"registry" yaml:"registry" toml:"registry"`
	Durable   durable.Config   `json:"durable" yaml:"durable" toml:"durable"`
	Iteration iteration.Config `json:"iteration" yaml:"iteration" toml:"iteration"`
	Server    rpcserver.Config `json:"server" yaml:"server" toml:"server"`
}

// DefaultConfig returns a Config with defaults for all subsystems.
func DefaultConfig() Config {
	persist, link := true, true
	return Config{
		LogLevel:   "info",
		LogFormat:  "text",
		EventLimit: defaultEventLimit,
		Persist:    &persist,
		LinkPlans:  &link,
		Launcher:   launcher.DefaultConfig(),
		Session:    session.DefaultConfig(),
		Registry:   registry.DefaultConfig(),
		Durable:    durable.DefaultConfig(),
		Iteration:  iteration.DefaultConfig(),
		Server:     rpcserver.DefaultConfig(),
	}
}

// Merge applies non-zero values from source into c, delegating to each
// subsystem's Merge method.
func (c *Config) Merge(source *Config) {
	if source.WorkDir != "" {
		c.WorkDir = source.WorkDir
	}
	if source.LogLevel != "" {
		c.LogLevel = source.LogLevel
	}
	if source.LogFormat != "" {
		c.LogFormat = source.LogFormat
	}
	if len(source.Observers) > 0 {
		c.Observers = source.Observers
	}
	if source.EventLimit > 0 {
		c.EventLimit = source.EventLimit
	}
	if source.Persist != nil {
		v := *source.Persist
		c.Persist = &v
	}
	if source.LinkPlans != nil {
		v := *source.LinkPlans
		c.LinkPlans = &v
	}
	if source.HistoryHome != "" {
		c.HistoryHome = source.HistoryHome
	}

	c.Launcher.Merge(&source.Launcher)
	c.Session.Merge(&source.Session)
	c.Registry.Merge(&source.Registry)
	c.Durable.Merge(&source.Durable)
	c.Iteration.Merge(&source.Iteration)
	c.Server.Merge(&source.Server)
}

// LoadConfig reads a JSON, YAML, or TOML config file, chosen by extension,
// merges it with defaults, and returns the resulting Config.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&loaded)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&loaded)
	case ".toml":
		var md toml.MetaData
		md, err = toml.Decode(string(data), &loaded)
		if err == nil {
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				err = fmt.Errorf("unknown keys: %v", undecoded)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedConfig, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}
