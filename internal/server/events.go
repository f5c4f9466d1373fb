package server

import (
	"time"

	"github.com/companionlab/companion/internal/transcript"
)

const EventVersion = 1

const (
	EventConnection   = "connection"
	EventStateChanged = "state_changed"
	EventUtterance    = "utterance"
	EventAlert        = "alert"
)

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type StateChangedEvent struct {
	Event
	State string `json:"state"`
	Muted bool   `json:"muted"`
}

// UtteranceEvent carries one appended transcript line. The websocket writer
// adds an "autoscroll" member per viewer.
type UtteranceEvent struct {
	Event
	Speaker transcript.Speaker `json:"speaker"`
	Label   string             `json:"label"`
	Text    string             `json:"text"`
}

type AlertEvent struct {
	Event
	Message string `json:"message"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
