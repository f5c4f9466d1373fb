// Package transcript reconciles the loosely structured message stream of a
// realtime voice engine into an ordered, deduplicated log of speaker-tagged
// utterances, and decides when a viewer should follow new entries.
package transcript

import (
	"fmt"
	"time"
)

type Speaker string

const (
	User      Speaker = "user"
	Assistant Speaker = "assistant"
)

// Label is the display name for the speaker.
func (s Speaker) Label() string {
	if s == User {
		return "You"
	}
	return "Assistant"
}

// speakerForRole maps a role to a speaker. Everything that is not the user is
// the assistant.
func speakerForRole(role string) Speaker {
	if role == string(User) {
		return User
	}
	return Assistant
}

type Utterance struct {
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observed_at"`
}

func (u Utterance) String() string {
	return fmt.Sprintf("%s: %s", u.Speaker.Label(), u.Text)
}
