package session

const defaultSubscriberBuffer = 64

// Config holds session store initialization parameters.
type Config struct {
	SubscriberBuffer int `json:"subscriber_buffer,omitempty" yaml:"subscriber_buffer,omitempty" toml:"subscriber_buffer,omitempty"`
}

// DefaultConfig returns the default session store configuration.
func DefaultConfig() Config {
	return Config{SubscriberBuffer: defaultSubscriberBuffer}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.SubscriberBuffer > 0 {
		c.SubscriberBuffer = source.SubscriberBuffer
	}
}
