// Package call drives the lifecycle of a single voice call against a realtime
// voice engine: idle, connecting, active and finished.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/companionlab/companion/internal/voice"
)

type State string

const (
	Idle       State = "idle"
	Connecting State = "connecting"
	Active     State = "active"
	Finished   State = "finished"
)

var (
	ErrNoActiveCall     = errors.New("no active call")
	ErrClosed           = errors.New("call machine closed")
	ErrMicrophoneDenied = errors.New("microphone permission denied")
)

const (
	MicrophoneDeniedMessage = "Microphone permission is required to start a session. Please allow microphone access and try again."
	startFailedPrefix       = "Failed to start session. "
)

// Microphone grants or refuses audio capture for a call.
type Microphone interface {
	Request(ctx context.Context) error
}

// ReportedMicrophone is a permission outcome already obtained by the viewer.
type ReportedMicrophone string

func (m ReportedMicrophone) Request(context.Context) error {
	if m == "granted" {
		return nil
	}
	return ErrMicrophoneDenied
}

// Notifier surfaces user-facing messages.
type Notifier interface {
	Notify(message string)
}

// History records that a companion session was started.
type History interface {
	AppendHistory(ctx context.Context, companionID, userID string) error
}

// Attachment is the transcript listener bound to the engine while a call is
// active.
type Attachment interface {
	Attach(engine voice.Engine)
	Detach()
	Attached() bool
}

type Metrics interface {
	RecordCallTransition(ctx context.Context, from, to string)
	RecordEngineError(ctx context.Context, kind string)
}

type Options struct {
	Persona     voice.Persona
	CompanionID string
	UserID      string

	Notifier Notifier
	History  History
	Metrics  Metrics

	// Spawn runs the connect sequence. Defaults to a new goroutine.
	Spawn func(func())

	// OnStateChange is called after every transition, outside the machine lock.
	OnStateChange func(from, to State)
}

// Machine owns the call state for one session view. All transitions are
// serialised under a single mutex; engine commands that may emit events
// synchronously are issued after the lock is released.
type Machine struct {
	engine     voice.Engine
	attachment Attachment
	opts       Options

	mu      sync.Mutex
	state   State
	attempt uint64
	closed  bool
	cancels []voice.Cancel

	// stoppedAttempt is the attempt that was stopped while still connecting.
	stoppedAttempt uint64
}

func NewMachine(engine voice.Engine, attachment Attachment, opts Options) *Machine {
	if opts.Spawn == nil {
		opts.Spawn = func(fn func()) { go fn() }
	}
	m := &Machine{
		engine:     engine,
		attachment: attachment,
		opts:       opts,
		state:      Idle,
	}
	m.cancels = []voice.Cancel{
		engine.OnCallStart(m.handleCallStart),
		engine.OnCallEnd(m.handleCallEnd),
		engine.OnError(m.handleError),
		engine.OnStatusUpdate(func(payload json.RawMessage) {
			slog.Debug("engine status update", "payload", string(payload))
		}),
	}
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins a call. It returns once the machine is connecting; the
// microphone request and the engine start command run on a spawned
// goroutine. Starting while connecting or active does nothing.
func (m *Machine) Start(ctx context.Context, mic Microphone) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == Connecting || m.state == Active {
		m.mu.Unlock()
		return nil
	}

	cfg := voice.BuildAssistant(m.opts.Persona)
	if err := m.preflight(cfg); err != nil {
		m.mu.Unlock()
		m.notify(startFailedPrefix + err.Error())
		return fmt.Errorf("start call: %w", err)
	}

	m.attempt++
	attempt := m.attempt
	changed := m.setState(Connecting)
	m.mu.Unlock()
	changed()

	ctx = context.WithoutCancel(ctx)
	m.opts.Spawn(func() { m.connect(ctx, attempt, mic, cfg) })
	return nil
}

func (m *Machine) preflight(cfg voice.AssistantConfig) error {
	if checker, ok := m.engine.(voice.CredentialChecker); ok && !checker.HasCredential() {
		return voice.ErrMissingCredential
	}
	return cfg.Validate()
}

func (m *Machine) connect(ctx context.Context, attempt uint64, mic Microphone, cfg voice.AssistantConfig) {
	if mic != nil {
		if err := mic.Request(ctx); err != nil {
			slog.Warn("microphone request failed", "companion_id", m.opts.CompanionID, "error", err)
			m.abort(attempt, MicrophoneDeniedMessage)
			return
		}
	}

	if !m.stillConnecting(attempt) {
		return
	}

	slog.Info("starting call", "companion_id", m.opts.CompanionID, "voice_id", cfg.Voice.VoiceID)
	if err := m.engine.Start(cfg); err != nil {
		slog.Error("engine start failed", "companion_id", m.opts.CompanionID, "error", err)
		m.abort(attempt, startFailedPrefix+err.Error())
		return
	}

	// A stop that raced the start command left an engine session nobody owns.
	m.mu.Lock()
	superseded := m.stoppedAttempt == attempt
	m.mu.Unlock()
	if superseded {
		if err := m.engine.Stop(); err != nil {
			slog.Warn("stop superseded call failed", "error", err)
		}
	}

	if m.opts.History != nil {
		if err := m.opts.History.AppendHistory(ctx, m.opts.CompanionID, m.opts.UserID); err != nil {
			slog.Error("append session history failed", "companion_id", m.opts.CompanionID, "user_id", m.opts.UserID, "error", err)
		}
	}
}

func (m *Machine) stillConnecting(attempt uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.attempt == attempt && m.state == Connecting
}

// abort returns a connecting attempt to idle and surfaces message.
func (m *Machine) abort(attempt uint64, message string) {
	m.mu.Lock()
	if m.attempt != attempt || m.state != Connecting {
		m.mu.Unlock()
		return
	}
	changed := m.setState(Idle)
	m.mu.Unlock()
	changed()
	m.notify(message)
}

// Stop ends a connecting or active call.
func (m *Machine) Stop() error {
	m.mu.Lock()
	if m.state != Connecting && m.state != Active {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if m.state == Connecting {
		m.stoppedAttempt = m.attempt
	}
	m.detachLocked()
	changed := m.setState(Finished)
	m.mu.Unlock()
	changed()

	if err := m.engine.Stop(); err != nil {
		return fmt.Errorf("stop call: %w", err)
	}
	return nil
}

// ToggleMute inverts the engine's mute state and returns the new value.
func (m *Machine) ToggleMute() (bool, error) {
	if m.State() != Active {
		return false, ErrNoActiveCall
	}
	muted := !m.engine.IsMuted()
	if err := m.engine.SetMuted(muted); err != nil {
		return !muted, fmt.Errorf("set muted: %w", err)
	}
	return muted, nil
}

// Close unsubscribes from the engine and stops any live call. The machine
// rejects further starts.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	live := m.state == Connecting || m.state == Active
	if m.state == Connecting {
		m.stoppedAttempt = m.attempt
	}
	m.detachLocked()
	changed := func() {}
	if live {
		changed = m.setState(Finished)
	}
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	changed()
	if live {
		if err := m.engine.Stop(); err != nil {
			slog.Warn("stop call on close failed", "error", err)
		}
	}
}

func (m *Machine) handleCallStart() {
	m.mu.Lock()
	if m.state != Connecting {
		m.mu.Unlock()
		slog.Debug("ignoring call-start", "state", m.state)
		return
	}
	changed := m.setState(Active)
	m.attachLocked()
	m.mu.Unlock()
	changed()
}

func (m *Machine) handleCallEnd() {
	m.mu.Lock()
	if m.state != Connecting && m.state != Active {
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	changed := m.setState(Finished)
	m.mu.Unlock()
	changed()
}

func (m *Machine) handleError(payload json.RawMessage) {
	classified := voice.ClassifyError(payload)
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordEngineError(context.Background(), classified.Kind())
	}

	m.mu.Lock()
	if classified.Noise {
		if m.state != Connecting {
			m.mu.Unlock()
			return
		}
		changed := m.setState(Idle)
		m.mu.Unlock()
		changed()
		return
	}

	m.detachLocked()
	changed := m.setState(Idle)
	m.mu.Unlock()
	changed()

	slog.Error("engine error", "kind", classified.Kind(), "message", classified.Message)
	m.notify(classified.Message)
}

// attachLocked and detachLocked must be called with mu held.
func (m *Machine) attachLocked() {
	if m.attachment == nil || m.attachment.Attached() {
		return
	}
	m.attachment.Attach(m.engine)
}

func (m *Machine) detachLocked() {
	if m.attachment == nil || !m.attachment.Attached() {
		return
	}
	m.attachment.Detach()
}

// setState must be called with mu held. The returned func reports the
// transition and must be called after the lock is released.
func (m *Machine) setState(to State) func() {
	from := m.state
	if from == to {
		return func() {}
	}
	m.state = to
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordCallTransition(context.Background(), string(from), string(to))
	}
	slog.Info("call state changed", "companion_id", m.opts.CompanionID, "from", from, "to", to)

	return func() {
		if m.opts.OnStateChange != nil {
			m.opts.OnStateChange(from, to)
		}
	}
}

func (m *Machine) notify(message string) {
	if m.opts.Notifier != nil {
		m.opts.Notifier.Notify(message)
	}
}
