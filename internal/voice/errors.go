package voice

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// CredentialMessage replaces any engine error that points at a bad or
// missing API credential.
const CredentialMessage = "Voice engine token is missing or invalid. Set COMPANION_ENGINE_TOKEN and restart the server."

// EngineError is a classified engine error payload.
type EngineError struct {
	// Noise marks content-free payloads. Realtime transports emit these as
	// internal signalling and they are never shown to the user.
	Noise        bool
	Message      string
	Unauthorized bool
}

// Kind is a short label for metrics and logs.
func (e EngineError) Kind() string {
	switch {
	case e.Noise:
		return "noise"
	case e.Unauthorized:
		return "unauthorized"
	default:
		return "meaningful"
	}
}

// ClassifyError turns a raw engine error payload into a user-facing message.
// Candidate message fields are checked from the most deeply nested shape
// outwards.
func ClassifyError(payload json.RawMessage) EngineError {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return EngineError{Noise: true}
	}

	res := gjson.ParseBytes(trimmed)
	if isEmptyResult(res) {
		return EngineError{Noise: true}
	}

	if msg := res.Get("error.error.message"); msg.Type == gjson.String && msg.Str != "" {
		if mentionsAuthorization(msg.Str) || res.Get("error.error.statusCode").Int() == 401 {
			return EngineError{Message: CredentialMessage, Unauthorized: true}
		}
		return EngineError{Message: msg.Str}
	}
	if msg := res.Get("error.message"); msg.Type == gjson.String && msg.Str != "" {
		return EngineError{Message: msg.Str}
	}
	if msg := res.Get("message"); msg.Type == gjson.String && msg.Str != "" {
		return EngineError{Message: msg.Str}
	}
	if res.Type == gjson.String {
		return EngineError{Message: res.Str}
	}

	var compact bytes.Buffer
	text := string(trimmed)
	if err := json.Compact(&compact, trimmed); err == nil {
		text = compact.String()
	}
	if mentionsAuthorization(text) || strings.Contains(text, "401") {
		return EngineError{Message: CredentialMessage, Unauthorized: true}
	}
	return EngineError{Message: text}
}

func mentionsAuthorization(s string) bool {
	return strings.Contains(s, "Authorization") || strings.Contains(s, "Unauthorized")
}

func isEmptyResult(res gjson.Result) bool {
	switch res.Type {
	case gjson.Null, gjson.False:
		return true
	case gjson.Number:
		return res.Num == 0
	case gjson.String:
		return res.Str == ""
	case gjson.JSON:
		if !res.IsObject() {
			return false
		}
		empty := true
		res.ForEach(func(_, value gjson.Result) bool {
			if !isEmptyValue(value) {
				empty = false
				return false
			}
			return true
		})
		return empty
	}
	return false
}

// isEmptyValue reports whether an object member carries no content: null, an
// empty string, or an object with no members.
func isEmptyValue(v gjson.Result) bool {
	switch v.Type {
	case gjson.Null:
		return true
	case gjson.String:
		return v.Str == ""
	case gjson.JSON:
		if !v.IsObject() {
			return false
		}
		members := 0
		v.ForEach(func(_, _ gjson.Result) bool {
			members++
			return false
		})
		return members == 0
	}
	return false
}
