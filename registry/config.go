package registry

import (
	"github.com/tailored-agentic-units/trellico/provider"
	"github.com/tailored-agentic-units/trellico/stream"
)

// Config holds registry settings.
type Config struct {
	DefaultProvider provider.Kind `json:"default_provider,omitempty" yaml:"default_provider,omitempty" toml:"default_provider,omitempty"`
	// EchoPrompt records the launch prompt as the session's first message.
	EchoPrompt *bool         `json:"echo_prompt,omitempty" yaml:"echo_prompt,omitempty" toml:"echo_prompt,omitempty"`
	Stream     stream.Config `json:"stream" yaml:"stream" toml:"stream"`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	echo := true
	return Config{
		DefaultProvider: provider.Default,
		EchoPrompt:      &echo,
		Stream:          stream.DefaultConfig(),
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.DefaultProvider != "" {
		c.DefaultProvider = source.DefaultProvider
	}
	if source.EchoPrompt != nil {
		v := *source.EchoPrompt
		c.EchoPrompt = &v
	}
	c.Stream.Merge(&source.Stream)
}
