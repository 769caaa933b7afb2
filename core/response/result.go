// Package response decodes the terminal result event an agent emits at the
// end of a run.
package response

import (
	"encoding/json"
	"fmt"

	"github.com/tailored-agentic-units/trellico/core/protocol"
)

// Result represents the final {"type":"result"} event of an agent run.
type Result struct {
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	Error        string  `json:"error,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

// Failed reports whether the run ended in an error.
func (r *Result) Failed() bool {
	return r.IsError || (r.Subtype != "" && r.Subtype != "success")
}

// Content returns the text describing the outcome, preferring the error
// field when present.
func (r *Result) Content() string {
	if r.Error != "" {
		return r.Error
	}
	return r.Result
}

// ParseResult decodes a result event. Messages of any other type yield an error.
func ParseResult(msg protocol.Message) (*Result, error) {
	if msg.Type != protocol.TypeResult {
		return nil, fmt.Errorf("not a result event: %q", msg.Type)
	}

	var result Result
	if err := json.Unmarshal(msg.Raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse result event: %w", err)
	}
	return &result, nil
}
