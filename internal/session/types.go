package session

import (
	"context"

	"github.com/companionlab/companion/internal/recap"
	"github.com/companionlab/companion/internal/storage"
	"github.com/companionlab/companion/internal/transcript"
	"github.com/companionlab/companion/internal/voice"
)

// Store is the slice of storage a session view needs.
type Store interface {
	GetCompanion(ctx context.Context, id string) (storage.Companion, error)
	AppendHistory(ctx context.Context, companionID, userID string) error
}

type Recapper interface {
	Recap(ctx context.Context, s recap.Session, lines []transcript.Utterance) (string, error)
}

type EventBroadcaster interface {
	BroadcastStateChanged(state string, muted bool)
	BroadcastUtterance(u transcript.Utterance)
	BroadcastAlert(message string)
}

// EngineFactory opens a fresh engine handle for one session view.
type EngineFactory func() (voice.Engine, error)

type Metrics interface {
	RecordCallTransition(ctx context.Context, from, to string)
	RecordEngineError(ctx context.Context, kind string)
	RecordUtterance(ctx context.Context, speaker string)
	RecordUtteranceDropped(ctx context.Context, reason string)
}
