// Package voice is the boundary with the realtime voice engine: the command
// and event surface the call lifecycle drives, the assistant configuration it
// sends on start, and classification of the engine's error payloads.
package voice

import "encoding/json"

// Cancel removes a previously registered event handler. Calling it more than
// once is safe.
type Cancel func()

// Engine is a single realtime voice session handle. Commands never block on
// the remote session: Start returns once the request is issued and the outcome
// arrives later as a call-start, call-end or error event.
type Engine interface {
	Start(cfg AssistantConfig) error
	Stop() error
	IsMuted() bool
	SetMuted(muted bool) error

	OnCallStart(fn func()) Cancel
	OnCallEnd(fn func()) Cancel
	OnError(fn func(payload json.RawMessage)) Cancel
	OnStatusUpdate(fn func(payload json.RawMessage)) Cancel
	OnMessage(fn func(payload json.RawMessage)) Cancel
}

// ConversationSource is implemented by engines that deliver batched
// conversation updates on a channel separate from OnMessage.
type ConversationSource interface {
	OnConversationUpdate(fn func(payload json.RawMessage)) Cancel
}

// CredentialChecker is implemented by engines that can tell whether they were
// given an API credential before any start command is issued.
type CredentialChecker interface {
	HasCredential() bool
}
