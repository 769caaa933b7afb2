// Package stream reassembles newline-delimited JSON records from the raw
// output chunks of many agent processes.
//
// Each registered process owns an independent buffer. Chunks may split a
// record anywhere; Feed returns the records completed by the chunk and keeps
// the trailing partial line for the next call.
//
//	d := stream.New(nil)
//	d.Register("p1")
//	msgs := d.Feed("p1", []byte(`{"type":"a"}`+"\n"+`{"ty`))
package stream

import (
	"bytes"
	"sync"

	"github.com/tailored-agentic-units/trellico/core/protocol"
)

const defaultMaxLineBytes = 16 << 20

// Config holds demultiplexer limits.
type Config struct {
	MaxLineBytes int `json:"max_line_bytes,omitempty" yaml:"max_line_bytes,omitempty" toml:"max_line_bytes,omitempty"`
}

// DefaultConfig returns the default demultiplexer configuration.
func DefaultConfig() Config {
	return Config{MaxLineBytes: defaultMaxLineBytes}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.MaxLineBytes > 0 {
		c.MaxLineBytes = source.MaxLineBytes
	}
}

// Stats counts what a process's stream has produced so far.
type Stats struct {
	Bytes     int
	Messages  int
	Malformed int
	Overflows int
}

type buffer struct {
	pending    []byte
	discarding bool
	stats      Stats
}

// Demux holds one parse buffer per process.
type Demux struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	maxLine int
}

// New creates a Demux. A nil config uses DefaultConfig.
func New(cfg *Config) *Demux {
	c := DefaultConfig()
	if cfg != nil {
		c.Merge(cfg)
	}
	return &Demux{
		buffers: make(map[string]*buffer),
		maxLine: c.MaxLineBytes,
	}
}

// Register starts tracking a process. Registering an existing process
// resets its buffer.
func (d *Demux) Register(processID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffers[processID] = &buffer{}
}

// Remove stops tracking a process and returns its final counters. Any
// unterminated data is discarded.
func (d *Demux) Remove(processID string) Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[processID]
	if !ok {
		return Stats{}
	}
	delete(d.buffers, processID)
	return b.stats
}

// Registered reports whether processID is tracked.
func (d *Demux) Registered(processID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.buffers[processID]
	return ok
}

// Stats returns the counters for a tracked process.
func (d *Demux) Stats(processID string) (Stats, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[processID]
	if !ok {
		return Stats{}, false
	}
	return b.stats, true
}

// Feed appends chunk to the process's buffer and returns every record the
// chunk completed, in arrival order. Malformed lines are dropped and counted.
// Chunks for unregistered processes are ignored.
func (d *Demux) Feed(processID string, chunk []byte) []protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[processID]
	if !ok {
		return nil
	}
	b.stats.Bytes += len(chunk)

	var out []protocol.Message
	data := chunk
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}

		segment := data[:idx]
		data = data[idx+1:]

		if b.discarding {
			b.discarding = false
			b.pending = b.pending[:0]
			continue
		}

		if len(b.pending)+len(segment) > d.maxLine {
			b.pending = nil
			b.stats.Overflows++
			continue
		}

		var line []byte
		if len(b.pending) > 0 {
			line = append(b.pending, segment...)
			b.pending = nil
		} else {
			line = segment
		}

		if msg, ok := parseLine(line, &b.stats); ok {
			out = append(out, msg)
		}
	}

	if b.discarding {
		return out
	}

	if len(b.pending)+len(data) > d.maxLine {
		b.pending = nil
		b.discarding = true
		b.stats.Overflows++
		return out
	}

	if len(data) > 0 {
		next := make([]byte, 0, len(b.pending)+len(data))
		next = append(next, b.pending...)
		b.pending = append(next, data...)
	}

	return out
}

// Flush parses whatever unterminated line remains for the process. It is
// called when a process exits so a final record without a trailing newline
// is not lost.
func (d *Demux) Flush(processID string) []protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[processID]
	if !ok || len(b.pending) == 0 || b.discarding {
		return nil
	}

	line := b.pending
	b.pending = nil
	if msg, ok := parseLine(line, &b.stats); ok {
		return []protocol.Message{msg}
	}
	return nil
}

func parseLine(line []byte, stats *Stats) (protocol.Message, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 {
		return protocol.Message{}, false
	}

	msg, err := protocol.Parse(line)
	if err != nil {
		stats.Malformed++
		return protocol.Message{}, false
	}
	stats.Messages++
	return msg, true
}
