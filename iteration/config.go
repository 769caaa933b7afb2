package iteration

import "github.com/tailored-agentic-units/trellico/provider"

const defaultOutcomeBuffer = 16

// Config holds iteration controller settings.
type Config struct {
	// WorkDir is the project the controller runs tasks in.
	WorkDir  string        `json:"work_dir,omitempty" yaml:"work_dir,omitempty" toml:"work_dir,omitempty"`
	Provider provider.Kind `json:"provider,omitempty" yaml:"provider,omitempty" toml:"provider,omitempty"`
	// MaxIterations caps the iterations launched by one StartIteration.
	// Zero means unlimited.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" toml:"max_iterations,omitempty"`
	OutcomeBuffer int `json:"outcome_buffer,omitempty" yaml:"outcome_buffer,omitempty" toml:"outcome_buffer,omitempty"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Provider:      provider.Default,
		OutcomeBuffer: defaultOutcomeBuffer,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.WorkDir != "" {
		c.WorkDir = source.WorkDir
	}
	if source.Provider != "" {
		c.Provider = source.Provider
	}
	if source.MaxIterations > 0 {
		c.MaxIterations = source.MaxIterations
	}
	if source.OutcomeBuffer > 0 {
		c.OutcomeBuffer = source.OutcomeBuffer
	}
}
