package call

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/companionlab/companion/internal/transcript"
	"github.com/companionlab/companion/internal/voice"
)

type fakeEngine struct {
	voice.Emitter

	mu         sync.Mutex
	starts     []voice.AssistantConfig
	stops      int
	muted      bool
	startErr   error
	credential bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{credential: true}
}

func (f *fakeEngine) Start(cfg voice.AssistantConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, cfg)
	return nil
}

func (f *fakeEngine) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeEngine) IsMuted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

func (f *fakeEngine) SetMuted(muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = muted
	return nil
}

func (f *fakeEngine) HasCredential() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credential
}

func (f *fakeEngine) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeEngine) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type recordingHistory struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (h *recordingHistory) AppendHistory(_ context.Context, companionID, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, companionID+"/"+userID)
	return h.err
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions []string
	errorKinds  []string
}

func (m *recordingMetrics) RecordCallTransition(_ context.Context, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+">"+to)
}

func (m *recordingMetrics) RecordEngineError(_ context.Context, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorKinds = append(m.errorKinds, kind)
}

type fixture struct {
	engine     *fakeEngine
	reconciler *transcript.Reconciler
	notifier   *recordingNotifier
	history    *recordingHistory
	metrics    *recordingMetrics
	machine    *Machine
	changes    []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		engine:     newFakeEngine(),
		reconciler: transcript.NewReconciler(nil, transcript.ReconcilerOptions{}),
		notifier:   &recordingNotifier{},
		history:    &recordingHistory{},
		metrics:    &recordingMetrics{},
	}
	f.machine = NewMachine(f.engine, f.reconciler, Options{
		Persona:     voice.Persona{Voice: "female.casual", Style: "casual", Topic: "Fractions", Subject: "maths"},
		CompanionID: "c1",
		UserID:      "u1",
		Notifier:    f.notifier,
		History:     f.history,
		Metrics:     f.metrics,
		Spawn:       func(fn func()) { fn() },
		OnStateChange: func(from, to State) {
			f.changes = append(f.changes, string(from)+">"+string(to))
		},
	})
	t.Cleanup(f.machine.Close)
	return f
}

func (f *fixture) activate(t *testing.T) {
	t.Helper()
	if err := f.machine.Start(context.Background(), ReportedMicrophone("granted")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	f.engine.EmitCallStart()
	if got := f.machine.State(); got != Active {
		t.Fatalf("expected active, got %s", got)
	}
}

func TestStartIssuesEngineStartWithInterpolatedConfig(t *testing.T) {
	f := newFixture(t)

	if err := f.machine.Start(context.Background(), ReportedMicrophone("granted")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := f.machine.State(); got != Connecting {
		t.Fatalf("expected connecting, got %s", got)
	}
	if f.engine.startCount() != 1 {
		t.Fatalf("expected one engine start, got %d", f.engine.startCount())
	}

	cfg := f.engine.starts[0]
	if !strings.Contains(cfg.FirstMessage, "Fractions") {
		t.Fatalf("expected topic in first message, got %q", cfg.FirstMessage)
	}
	if strings.Contains(cfg.Model.Messages[0].Content, "{{") {
		t.Fatalf("expected interpolated prompt, got %q", cfg.Model.Messages[0].Content)
	}
	if len(f.history.calls) != 1 || f.history.calls[0] != "c1/u1" {
		t.Fatalf("expected one history append, got %#v", f.history.calls)
	}
}

func TestStartWhileActiveIsNoop(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	if err := f.machine.Start(context.Background(), ReportedMicrophone("granted")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := f.machine.State(); got != Active {
		t.Fatalf("expected to remain active, got %s", got)
	}
	if f.engine.startCount() != 1 {
		t.Fatalf("expected no duplicate start command, got %d", f.engine.startCount())
	}
}

func TestStartWhileConnectingIsNoop(t *testing.T) {
	f := newFixture(t)
	f.machine.Start(context.Background(), nil)
	f.machine.Start(context.Background(), nil)

	if f.engine.startCount() != 1 {
		t.Fatalf("expected a single start command, got %d", f.engine.startCount())
	}
}

func TestMicrophoneDeniedReturnsToIdle(t *testing.T) {
	f := newFixture(t)

	if err := f.machine.Start(context.Background(), ReportedMicrophone("denied")); err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	if got := f.machine.State(); got != Idle {
		t.Fatalf("expected idle, got %s", got)
	}
	if f.engine.startCount() != 0 {
		t.Fatalf("expected no engine start, got %d", f.engine.startCount())
	}
	msgs := f.notifier.all()
	if len(msgs) != 1 || msgs[0] != MicrophoneDeniedMessage {
		t.Fatalf("expected microphone notice, got %#v", msgs)
	}
	if len(f.history.calls) != 0 {
		t.Fatalf("expected no history append, got %#v", f.history.calls)
	}
}

func TestStartRejectsMissingCredential(t *testing.T) {
	f := newFixture(t)
	f.engine.credential = false

	err := f.machine.Start(context.Background(), ReportedMicrophone("granted"))
	if !errors.Is(err, voice.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if got := f.machine.State(); got != Idle {
		t.Fatalf("expected idle, got %s", got)
	}
	if f.engine.startCount() != 0 {
		t.Fatal("expected no start command")
	}
	if len(f.notifier.all()) != 1 {
		t.Fatalf("expected a notification, got %#v", f.notifier.all())
	}
}

func TestEngineStartFailureReturnsToIdle(t *testing.T) {
	f := newFixture(t)
	f.engine.startErr = errors.New("gateway unreachable")

	f.machine.Start(context.Background(), nil)

	if got := f.machine.State(); got != Idle {
		t.Fatalf("expected idle, got %s", got)
	}
	msgs := f.notifier.all()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "gateway unreachable") {
		t.Fatalf("unexpected notifications %#v", msgs)
	}
}

func TestHistoryFailureDoesNotFailCall(t *testing.T) {
	f := newFixture(t)
	f.history.err = errors.New("db down")

	f.machine.Start(context.Background(), nil)
	if got := f.machine.State(); got != Connecting {
		t.Fatalf("expected connecting, got %s", got)
	}
	if len(f.notifier.all()) != 0 {
		t.Fatalf("expected no notification, got %#v", f.notifier.all())
	}
}

func TestCallLifecycleAttachesAndDetachesTranscript(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	if !f.reconciler.Attached() {
		t.Fatal("expected transcript listener attached while active")
	}

	for _, e := range []string{
		`{"type":"transcript","role":"user","transcript":"Hi"}`,
		`{"type":"transcript","role":"assistant","transcript":"Hello"}`,
		`{"type":"transcript","role":"user","transcript":"Hi"}`,
	} {
		f.engine.EmitMessage(json.RawMessage(e))
	}

	entries := f.reconciler.Log().Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %#v", entries)
	}
	if entries[0].Speaker != transcript.User || entries[0].Text != "Hi" ||
		entries[1].Speaker != transcript.Assistant || entries[1].Text != "Hello" {
		t.Fatalf("unexpected entries %#v", entries)
	}

	f.engine.EmitCallEnd()
	if got := f.machine.State(); got != Finished {
		t.Fatalf("expected finished, got %s", got)
	}
	if f.reconciler.Attached() || f.engine.Subscribers() != 0 {
		t.Fatal("expected transcript listener detached after call end")
	}
	if f.reconciler.Log().Len() != 2 {
		t.Fatal("expected log kept after call end")
	}

	want := []string{"idle>connecting", "connecting>active", "active>finished"}
	if strings.Join(f.changes, ",") != strings.Join(want, ",") {
		t.Fatalf("expected transitions %v, got %v", want, f.changes)
	}
}

func TestRestartFromFinished(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.engine.EmitCallEnd()

	f.machine.Start(context.Background(), nil)
	if got := f.machine.State(); got != Connecting {
		t.Fatalf("expected connecting, got %s", got)
	}
	if f.engine.startCount() != 2 {
		t.Fatalf("expected a second start command, got %d", f.engine.startCount())
	}
}

func TestStopWhileActive(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	if err := f.machine.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if got := f.machine.State(); got != Finished {
		t.Fatalf("expected finished, got %s", got)
	}
	if f.engine.stopCount() != 1 {
		t.Fatalf("expected one stop command, got %d", f.engine.stopCount())
	}
	if f.reconciler.Attached() {
		t.Fatal("expected listener detached")
	}

	// The engine's own call-end after a stop changes nothing.
	f.engine.EmitCallEnd()
	if got := f.machine.State(); got != Finished {
		t.Fatalf("expected finished, got %s", got)
	}
}

func TestStopWhileConnecting(t *testing.T) {
	f := newFixture(t)
	f.machine.Start(context.Background(), nil)

	if err := f.machine.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if got := f.machine.State(); got != Finished {
		t.Fatalf("expected finished, got %s", got)
	}

	// A late call-start for the stopped attempt is ignored.
	f.engine.EmitCallStart()
	if got := f.machine.State(); got != Finished {
		t.Fatalf("expected finished, got %s", got)
	}
}

func TestStopWithoutCall(t *testing.T) {
	f := newFixture(t)
	if err := f.machine.Stop(); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("expected ErrNoActiveCall, got %v", err)
	}
}

func TestCallEndWhileConnectingFinishes(t *testing.T) {
	f := newFixture(t)
	f.machine.Start(context.Background(), nil)
	f.engine.EmitCallEnd()

	if got := f.machine.State(); got != Finished {
		t.Fatalf("expected finished, got %s", got)
	}
}

func TestEmptyErrorWhileConnectingIsSilent(t *testing.T) {
	f := newFixture(t)
	f.machine.Start(context.Background(), nil)

	f.engine.EmitError(json.RawMessage(`{}`))

	if got := f.machine.State(); got != Idle {
		t.Fatalf("expected idle, got %s", got)
	}
	if len(f.notifier.all()) != 0 {
		t.Fatalf("expected no notification, got %#v", f.notifier.all())
	}
	if len(f.metrics.errorKinds) != 1 || f.metrics.errorKinds[0] != "noise" {
		t.Fatalf("expected noise recorded, got %#v", f.metrics.errorKinds)
	}
}

func TestEmptyErrorWhileActiveIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	f.engine.EmitError(json.RawMessage(`{"error":null}`))

	if got := f.machine.State(); got != Active {
		t.Fatalf("expected active, got %s", got)
	}
	if !f.reconciler.Attached() {
		t.Fatal("expected listener still attached")
	}
}

func TestMeaningfulErrorWhileConnecting(t *testing.T) {
	f := newFixture(t)
	f.machine.Start(context.Background(), nil)

	f.engine.EmitError(json.RawMessage(`{"error":{"error":{"message":"Unauthorized","statusCode":401}}}`))

	if got := f.machine.State(); got != Idle {
		t.Fatalf("expected idle, got %s", got)
	}
	msgs := f.notifier.all()
	if len(msgs) != 1 || msgs[0] != voice.CredentialMessage {
		t.Fatalf("expected credential message, got %#v", msgs)
	}
	if f.engine.startCount() != 1 {
		t.Fatalf("expected no retry, got %d starts", f.engine.startCount())
	}
}

func TestMeaningfulErrorWhileActiveDetaches(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	f.engine.EmitError(json.RawMessage(`{"message":"room closed"}`))

	if got := f.machine.State(); got != Idle {
		t.Fatalf("expected idle, got %s", got)
	}
	if f.reconciler.Attached() {
		t.Fatal("expected listener detached")
	}
	if msgs := f.notifier.all(); len(msgs) != 1 || msgs[0] != "room closed" {
		t.Fatalf("unexpected notifications %#v", msgs)
	}
}

func TestToggleMute(t *testing.T) {
	f := newFixture(t)

	if _, err := f.machine.ToggleMute(); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("expected ErrNoActiveCall before active, got %v", err)
	}

	f.activate(t)
	muted, err := f.machine.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("expected muted, got %v (%v)", muted, err)
	}

	// The engine is the source of truth.
	f.engine.SetMuted(false)
	muted, _ = f.machine.ToggleMute()
	if !muted || !f.engine.IsMuted() {
		t.Fatal("expected toggle to invert the engine's current state")
	}
}

func TestCloseStopsLiveCall(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	f.machine.Close()

	if f.engine.stopCount() != 1 {
		t.Fatalf("expected stop on close, got %d", f.engine.stopCount())
	}
	if err := f.machine.Start(context.Background(), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	f.engine.EmitCallStart()
	if got := f.machine.State(); got != Finished {
		t.Fatalf("expected finished after close, got %s", got)
	}
}
