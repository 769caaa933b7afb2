package protocol

import (
	"encoding/json"
	"strings"
)

// CompletionSentinel is the marker an agent prints when its task is done.
const CompletionSentinel = "<promise>COMPLETE</promise>"

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Content json.RawMessage `json:"content"`
}

type envelope struct {
	Content json.RawMessage `json:"content"`
	Message *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// Texts returns the text fragments carried by the message. Both the nested
// message.content form and a flat top-level content field are read, and
// each may be a string or an array of content blocks.
func (m Message) Texts() []string {
	if len(m.Raw) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(m.Raw, &env); err != nil {
		return nil
	}

	var texts []string
	if env.Message != nil {
		texts = appendTexts(texts, env.Message.Content)
	}
	texts = appendTexts(texts, env.Content)
	return texts
}

// Contains reports whether any text fragment of the message contains s.
func (m Message) Contains(s string) bool {
	for _, text := range m.Texts() {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

func appendTexts(texts []string, raw json.RawMessage) []string {
	if len(raw) == 0 {
		return texts
	}

	var flat string
	if err := json.Unmarshal(raw, &flat); err == nil {
		if flat != "" {
			texts = append(texts, flat)
		}
		return texts
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return texts
	}
	for _, block := range blocks {
		if block.Text != "" {
			texts = append(texts, block.Text)
		}
		texts = appendTexts(texts, block.Content)
	}
	return texts
}
