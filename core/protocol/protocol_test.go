package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tailored-agentic-units/trellico/core/protocol"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantType  protocol.Type
		wantSub   string
		wantSID   string
		wantError bool
	}{
		{"assistant", `{"type":"assistant","message":{"content":[]}}`, protocol.TypeAssistant, "", "", false},
		{"init", `{"type":"system","subtype":"init","session_id":"S1"}`, protocol.TypeSystem, "init", "S1", false},
		{"surrounding whitespace", "  {\"type\":\"user\"}\r", protocol.TypeUser, "", "", false},
		{"unknown type kept", `{"type":"a"}`, protocol.Type("a"), "", "", false},
		{"truncated", `{"type":"assis`, "", "", "", true},
		{"not json", `warning: something`, "", "", "", true},
		{"array", `[1,2,3]`, "", "", "", true},
		{"empty", ``, "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := protocol.Parse([]byte(tt.line))
			if tt.wantError {
				if err == nil {
					t.Fatalf("Parse(%q) expected error", tt.line)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.line, err)
			}
			if msg.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", msg.Type, tt.wantType)
			}
			if msg.Subtype != tt.wantSub {
				t.Errorf("Subtype = %q, want %q", msg.Subtype, tt.wantSub)
			}
			if msg.SessionID != tt.wantSID {
				t.Errorf("SessionID = %q, want %q", msg.SessionID, tt.wantSID)
			}
		})
	}
}

func TestParse_ArrayIsNotObject(t *testing.T) {
	_, err := protocol.Parse([]byte(`["type"]`))
	if !errors.Is(err, protocol.ErrNotObject) {
		t.Errorf("error = %v, want ErrNotObject", err)
	}
}

func TestParse_CopiesInput(t *testing.T) {
	line := []byte(`{"type":"user"}`)
	msg, err := protocol.Parse(line)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	line[2] = 'X'
	if string(msg.Raw) != `{"type":"user"}` {
		t.Errorf("Raw aliased input buffer: %s", msg.Raw)
	}
}

func TestMessage_IsInit(t *testing.T) {
	tests := []struct {
		name string
		line string
		want bool
	}{
		{"init with id", `{"type":"system","subtype":"init","session_id":"abc"}`, true},
		{"init without id", `{"type":"system","subtype":"init"}`, false},
		{"other subtype", `{"type":"system","subtype":"compact","session_id":"abc"}`, false},
		{"result with id", `{"type":"result","session_id":"abc"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := protocol.Parse([]byte(tt.line))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got := msg.IsInit(); got != tt.want {
				t.Errorf("IsInit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewUserMessage(t *testing.T) {
	msg := protocol.NewUserMessage("fix the build")

	if msg.Type != protocol.TypeUser {
		t.Errorf("Type = %q, want user", msg.Type)
	}

	texts := msg.Texts()
	if len(texts) != 1 || texts[0] != "fix the build" {
		t.Errorf("Texts() = %v, want [fix the build]", texts)
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	original, err := protocol.Parse([]byte(`{"type":"system","subtype":"init","session_id":"S1","tools":["Bash"]}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	data, err := json.Marshal([]protocol.Message{original})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded []protocol.Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if len(decoded) != 1 || !decoded[0].IsInit() || decoded[0].SessionID != "S1" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestMessage_Texts(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{
			"content blocks",
			`{"type":"assistant","message":{"content":[{"type":"text","text":"one"},{"type":"tool_use","name":"Bash"},{"type":"text","text":"two"}]}}`,
			[]string{"one", "two"},
		},
		{
			"nested string content",
			`{"type":"assistant","message":{"content":"flat nested"}}`,
			[]string{"flat nested"},
		},
		{
			"top-level flat content",
			`{"type":"assistant","content":"flat top"}`,
			[]string{"flat top"},
		},
		{
			"tool result blocks",
			`{"type":"user","message":{"content":[{"type":"tool_result","content":[{"type":"text","text":"out"}]}]}}`,
			[]string{"out"},
		},
		{
			"no content",
			`{"type":"system","subtype":"init","session_id":"x"}`,
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := protocol.Parse([]byte(tt.line))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			got := msg.Texts()
			if len(got) != len(tt.want) {
				t.Fatalf("Texts() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Texts()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMessage_Contains(t *testing.T) {
	msg, err := protocol.Parse([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"All done. <promise>COMPLETE</promise>"}]}}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !msg.Contains(protocol.CompletionSentinel) {
		t.Error("Contains(sentinel) = false, want true")
	}
	if msg.Contains("<promise>FAILED</promise>") {
		t.Error("Contains(other) = true, want false")
	}
}
