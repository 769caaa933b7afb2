package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies the kind of event emitted by an agent process.
type Type string

const (
	TypeUser       Type = "user"
	TypeAssistant  Type = "assistant"
	TypeToolResult Type = "tool_result"
	TypeSystem     Type = "system"
	TypeResult     Type = "result"
)

// SubtypeInit marks the system event that carries the agent-assigned session id.
const SubtypeInit = "init"

// ErrNotObject is returned by Parse when a line is valid JSON but not an object.
var ErrNotObject = errors.New("record is not a JSON object")

// Message is one structured record from an agent's output stream.
// Only the structural fields are decoded; Raw holds the complete record
// so consumers and the durable store see exactly what the agent emitted.
type Message struct {
	Type      Type
	Subtype   string
	SessionID string
	Raw       json.RawMessage
}

type header struct {
	Type      Type   `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Parse decodes a single NDJSON line into a Message. The line is copied;
// callers may reuse the input buffer.
func Parse(line []byte) (Message, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if json.Valid(trimmed) {
			return Message{}, ErrNotObject
		}
		return Message{}, fmt.Errorf("invalid record: %q", truncate(trimmed, 64))
	}

	var h header
	if err := json.Unmarshal(trimmed, &h); err != nil {
		return Message{}, fmt.Errorf("invalid record: %w", err)
	}

	return Message{
		Type:      h.Type,
		Subtype:   h.Subtype,
		SessionID: h.SessionID,
		Raw:       bytes.Clone(trimmed),
	}, nil
}

// NewUserMessage builds the record the agent would echo for a user prompt.
// It is used to seed a session with the prompt that launched it.
func NewUserMessage(prompt string) Message {
	raw, _ := json.Marshal(map[string]any{
		"type": TypeUser,
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	})
	return Message{Type: TypeUser, Raw: raw}
}

// IsInit reports whether the message is the agent's initialization event
// carrying a session identifier.
func (m Message) IsInit() bool {
	return m.Type == TypeSystem && m.Subtype == SubtypeInit && m.SessionID != ""
}

// MarshalJSON emits the original record.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Raw) == 0 {
		return json.Marshal(header{Type: m.Type, Subtype: m.Subtype, SessionID: m.SessionID})
	}
	return m.Raw, nil
}

// UnmarshalJSON re-derives the structural fields from the raw record. The
// record is compacted so re-indented documents round-trip unchanged.
func (m *Message) UnmarshalJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	parsed, err := Parse(buf.Bytes())
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Clone returns a copy that shares no memory with m.
func (m Message) Clone() Message {
	m.Raw = bytes.Clone(m.Raw)
	return m
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
