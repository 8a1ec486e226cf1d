// Package protocol defines the JSON-line stream emitted by the agent
// CLI in print mode and the flags used to invoke it.
package protocol

import (
	"bytes"
	"encoding/json"
)

// Event type discriminators on the agent's stdout stream. Only
// assistant events carry response text; everything else (system,
// user, result, tool events) is ignored by consumers.
const (
	EventAssistant = "assistant"
	EventResult    = "result"
	EventSystem    = "system"
)

// Agent CLI flags. The first prompt of a conversation passes
// FlagSessionID with a fresh UUID; every later prompt passes
// FlagResume with the same UUID, never both.
const (
	FlagPrint          = "--print"
	FlagOutputFormat   = "--output-format"
	FlagVerbose        = "--verbose"
	FlagSessionID      = "--session-id"
	FlagResume         = "--resume"
	FlagPermissionMode = "--permission-mode"
	FlagSystemPrompt   = "--append-system-prompt"

	OutputFormatStreamJSON = "stream-json"
)

// Event is one newline-delimited JSON object from the agent's stdout.
type Event struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// Message holds the content blocks of an assistant event.
type Message struct {
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one segment of an assistant message. Only blocks
// with Type "text" contribute to the response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MaxLineBytes caps the size of a single stream line. Assistant
// messages can be large but a line beyond this is a protocol error.
const MaxLineBytes = 10 * 1024 * 1024

// ParseEvent decodes one stream line. Lines that are not JSON objects
// are skipped by returning ok=false; the stream is best-effort and
// the agent occasionally interleaves non-JSON diagnostics.
func ParseEvent(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, false
	}
	return ev, true
}

// AssistantText extracts the concatenated text segments of an event,
// or "" if the event carries none.
func AssistantText(ev Event) string {
	if ev.Type != EventAssistant {
		return ""
	}
	var buf bytes.Buffer
	for _, block := range ev.Message.Content {
		if block.Type == "text" {
			buf.WriteString(block.Text)
		}
	}
	return buf.String()
}
