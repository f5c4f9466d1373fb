package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/companionlab/companion/internal/call"
	"github.com/companionlab/companion/internal/recap"
	"github.com/companionlab/companion/internal/storage"
	"github.com/companionlab/companion/internal/transcript"
	"github.com/companionlab/companion/internal/voice"
)

type viewDeps struct {
	store    Store
	hub      EventBroadcaster
	recapper Recapper
	metrics  Metrics
	spawn    func(func())
}

// View is one mounted session: a companion, its engine handle, the call
// machine and the transcript log.
type View struct {
	companion storage.Companion
	userID    string
	engine    voice.Engine
	machine   *call.Machine
	log       *transcript.Log
	hub       EventBroadcaster
	recapper  Recapper
}

// Snapshot is the view's state as served to viewers.
type Snapshot struct {
	State      call.State             `json:"state"`
	Muted      bool                   `json:"muted"`
	Companion  storage.Companion      `json:"companion"`
	Transcript []transcript.Utterance `json:"transcript"`
}

func newView(engine voice.Engine, companion storage.Companion, userID string, deps viewDeps) *View {
	v := &View{
		companion: companion,
		userID:    userID,
		engine:    engine,
		log:       transcript.NewLog(),
		hub:       deps.hub,
		recapper:  deps.recapper,
	}

	recOpts := transcript.ReconcilerOptions{OnAppend: v.broadcastUtterance}
	callOpts := call.Options{
		Persona: voice.Persona{
			Voice:   companion.Voice,
			Style:   companion.Style,
			Topic:   companion.Topic,
			Subject: companion.Subject,
		},
		CompanionID:   companion.ID,
		UserID:        userID,
		Notifier:      notifier{hub: deps.hub},
		Spawn:         deps.spawn,
		OnStateChange: v.stateChanged,
	}
	if deps.store != nil {
		callOpts.History = deps.store
	}
	if deps.metrics != nil {
		recOpts.Metrics = deps.metrics
		callOpts.Metrics = deps.metrics
	}

	v.machine = call.NewMachine(engine, transcript.NewReconciler(v.log, recOpts), callOpts)
	return v
}

func (v *View) Companion() storage.Companion {
	return v.companion
}

// UserID is the user who mounted the view.
func (v *View) UserID() string {
	return v.userID
}

func (v *View) Start(ctx context.Context, mic call.Microphone) error {
	return v.machine.Start(ctx, mic)
}

func (v *View) Stop() error {
	return v.machine.Stop()
}

func (v *View) ToggleMute() (bool, error) {
	muted, err := v.machine.ToggleMute()
	if err != nil {
		return false, err
	}
	if v.hub != nil {
		v.hub.BroadcastStateChanged(string(v.machine.State()), muted)
	}
	return muted, nil
}

func (v *View) Snapshot() Snapshot {
	return Snapshot{
		State:      v.machine.State(),
		Muted:      v.engine.IsMuted(),
		Companion:  v.companion,
		Transcript: v.log.Entries(),
	}
}

// Recap summarizes the transcript once no call is running.
func (v *View) Recap(ctx context.Context) (string, error) {
	if v.recapper == nil {
		return "", ErrRecapUnavailable
	}
	switch v.machine.State() {
	case call.Connecting, call.Active:
		return "", ErrCallInProgress
	}
	text, err := v.recapper.Recap(ctx, recap.Session{
		Name:    v.companion.Name,
		Subject: v.companion.Subject,
		Topic:   v.companion.Topic,
	}, v.log.Entries())
	if err != nil {
		return "", fmt.Errorf("recap session: %w", err)
	}
	return text, nil
}

func (v *View) stateChanged(_, to call.State) {
	if v.hub != nil {
		v.hub.BroadcastStateChanged(string(to), v.engine.IsMuted())
	}
}

func (v *View) broadcastUtterance(u transcript.Utterance) {
	if v.hub != nil {
		v.hub.BroadcastUtterance(u)
	}
}

func (v *View) close() {
	v.machine.Close()
	if closer, ok := v.engine.(io.Closer); ok {
		if err := closer.Close(); err != nil && !errors.Is(err, io.EOF) {
			slog.Warn("close voice engine failed", "error", err)
		}
	}
}

type notifier struct {
	hub EventBroadcaster
}

func (n notifier) Notify(message string) {
	slog.Warn("session alert", "message", message)
	if n.hub != nil {
		n.hub.BroadcastAlert(message)
	}
}
