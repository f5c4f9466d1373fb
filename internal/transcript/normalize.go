package transcript

import (
	"bytes"
	"encoding/json"
)

// Shape names the payload layout an event was recognised as.
type Shape string

const (
	ShapeTranscript    Shape = "transcript"
	ShapeRole          Shape = "role"
	ShapeNestedMessage Shape = "nested-message"
	ShapeBareText      Shape = "bare-text"
	ShapeString        Shape = "string"
	ShapeUnknown       Shape = "unknown"
)

// Candidate is a normalized event before it is checked against the log.
// Text is not yet trimmed.
type Candidate struct {
	Speaker Speaker
	Text    string
	Shape   Shape
}

// field is a string-valued JSON member. Values of any other JSON type decode
// to the empty string so that a wrongly typed member simply does not match.
type field string

func (f *field) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '"' {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*f = ""
		return nil
	}
	*f = field(s)
	return nil
}

// eventFields is every member any known shape reads.
type eventFields struct {
	Type       field           `json:"type"`
	Role       field           `json:"role"`
	Speaker    field           `json:"speaker"`
	From       field           `json:"from"`
	UserID     json.RawMessage `json:"userId"`
	Transcript field           `json:"transcript"`
	Text       field           `json:"text"`
	Content    field           `json:"content"`
	Message    json.RawMessage `json:"message"`
}

// text returns the first non-empty of transcript, text and content.
func (f eventFields) text() string {
	for _, v := range []field{f.Transcript, f.Text, f.Content} {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

func (f eventFields) nested() (eventFields, bool) {
	var inner eventFields
	if !isObject(f.Message) {
		return inner, false
	}
	if err := json.Unmarshal(f.Message, &inner); err != nil {
		return inner, false
	}
	return inner, true
}

// transcriptEvent is {type:"transcript", role|speaker, transcript|text|content},
// either at the top level or one level down under message.
type transcriptEvent struct{ fields eventFields }

func (e transcriptEvent) candidate() Candidate {
	f := e.fields
	speaker := Assistant
	switch {
	case f.Role == field(User) || f.Role == field(Assistant):
		speaker = Speaker(f.Role)
	case f.Speaker == field(User):
		speaker = User
	}
	return Candidate{Speaker: speaker, Text: f.text(), Shape: ShapeTranscript}
}

// roleEvent is {role:"user"|"assistant", transcript|text|content}.
type roleEvent struct{ fields eventFields }

func (e roleEvent) candidate() Candidate {
	return Candidate{Speaker: Speaker(e.fields.Role), Text: e.fields.text(), Shape: ShapeRole}
}

// nestedMessageEvent is {message:{role?, transcript|text|content}}. A message
// member that is not an object still selects this shape but yields no text.
type nestedMessageEvent struct {
	inner eventFields
	ok    bool
}

func (e nestedMessageEvent) candidate() Candidate {
	if !e.ok {
		return Candidate{Speaker: Assistant, Shape: ShapeNestedMessage}
	}
	return Candidate{Speaker: speakerForRole(string(e.inner.Role)), Text: e.inner.text(), Shape: ShapeNestedMessage}
}

// bareTextEvent is {transcript|text} with no role; content is not consulted.
type bareTextEvent struct{ fields eventFields }

func (e bareTextEvent) candidate() Candidate {
	f := e.fields
	speaker := Assistant
	if truthy(f.UserID) || f.Speaker == field(User) || f.From == field(User) {
		speaker = User
	}
	text := string(f.Transcript)
	if text == "" {
		text = string(f.Text)
	}
	return Candidate{Speaker: speaker, Text: text, Shape: ShapeBareText}
}

type shapeParser func(raw json.RawMessage, f eventFields) (Candidate, bool)

// parsers are tried in order and the first one that recognises the event
// decides its speaker and text, even when that text turns out to be empty.
var parsers = []shapeParser{
	func(_ json.RawMessage, f eventFields) (Candidate, bool) {
		if f.Type == "transcript" {
			return transcriptEvent{fields: f}.candidate(), true
		}
		if inner, ok := f.nested(); ok && inner.Type == "transcript" {
			return transcriptEvent{fields: inner}.candidate(), true
		}
		return Candidate{}, false
	},
	func(_ json.RawMessage, f eventFields) (Candidate, bool) {
		if f.Role == field(User) || f.Role == field(Assistant) {
			return roleEvent{fields: f}.candidate(), true
		}
		return Candidate{}, false
	},
	func(_ json.RawMessage, f eventFields) (Candidate, bool) {
		if !truthy(f.Message) {
			return Candidate{}, false
		}
		inner, ok := f.nested()
		return nestedMessageEvent{inner: inner, ok: ok}.candidate(), true
	},
	func(_ json.RawMessage, f eventFields) (Candidate, bool) {
		if f.Transcript != "" || f.Text != "" {
			return bareTextEvent{fields: f}.candidate(), true
		}
		return Candidate{}, false
	},
}

// Normalize maps one raw engine event to a candidate utterance. The boolean
// is false when no known shape matches; such events are ignored.
func Normalize(raw json.RawMessage) (Candidate, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Candidate{Shape: ShapeUnknown}, false
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Candidate{Shape: ShapeUnknown}, false
		}
		return Candidate{Speaker: Assistant, Text: s, Shape: ShapeString}, true
	}

	if trimmed[0] != '{' {
		return Candidate{Shape: ShapeUnknown}, false
	}

	var f eventFields
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return Candidate{Shape: ShapeUnknown}, false
	}

	for _, parse := range parsers {
		if c, ok := parse(trimmed, f); ok {
			return c, true
		}
	}
	return Candidate{Shape: ShapeUnknown}, false
}

type conversationUpdate struct {
	Messages []struct {
		Role    field `json:"role"`
		Content field `json:"content"`
	} `json:"messages"`
}

// NormalizeConversation maps a {messages:[{role, content}]} batch to
// candidates in array order. Items missing a role or content are skipped.
func NormalizeConversation(raw json.RawMessage) []Candidate {
	var update conversationUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil
	}

	out := make([]Candidate, 0, len(update.Messages))
	for _, m := range update.Messages {
		if m.Role == "" || m.Content == "" {
			continue
		}
		out = append(out, Candidate{
			Speaker: speakerForRole(string(m.Role)),
			Text:    string(m.Content),
			Shape:   ShapeRole,
		})
	}
	return out
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// truthy follows the usual loose-typing rules: absent, null, false, zero and
// the empty string are false; everything else, including empty objects, is true.
func truthy(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	switch string(trimmed) {
	case "null", "false", `""`:
		return false
	}
	if trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9') {
		var n float64
		if err := json.Unmarshal(trimmed, &n); err == nil {
			return n != 0
		}
	}
	return true
}
