package transcript

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/companionlab/companion/internal/voice"
)

type fakeEngine struct {
	voice.Emitter
}

func (f *fakeEngine) Start(voice.AssistantConfig) error { return nil }
func (f *fakeEngine) Stop() error                       { return nil }
func (f *fakeEngine) IsMuted() bool                     { return false }
func (f *fakeEngine) SetMuted(bool) error               { return nil }

// messageOnlyEngine hides the conversation update channel.
type messageOnlyEngine struct {
	inner *fakeEngine
}

func (m messageOnlyEngine) Start(cfg voice.AssistantConfig) error { return m.inner.Start(cfg) }
func (m messageOnlyEngine) Stop() error                           { return m.inner.Stop() }
func (m messageOnlyEngine) IsMuted() bool                         { return m.inner.IsMuted() }
func (m messageOnlyEngine) SetMuted(v bool) error                 { return m.inner.SetMuted(v) }
func (m messageOnlyEngine) OnCallStart(fn func()) voice.Cancel    { return m.inner.OnCallStart(fn) }
func (m messageOnlyEngine) OnCallEnd(fn func()) voice.Cancel      { return m.inner.OnCallEnd(fn) }
func (m messageOnlyEngine) OnError(fn func(json.RawMessage)) voice.Cancel {
	return m.inner.OnError(fn)
}
func (m messageOnlyEngine) OnStatusUpdate(fn func(json.RawMessage)) voice.Cancel {
	return m.inner.OnStatusUpdate(fn)
}
func (m messageOnlyEngine) OnMessage(fn func(json.RawMessage)) voice.Cancel {
	return m.inner.OnMessage(fn)
}

type recordingMetrics struct {
	mu       sync.Mutex
	appended map[string]int
	dropped  map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{appended: map[string]int{}, dropped: map[string]int{}}
}

func (m *recordingMetrics) RecordUtterance(_ context.Context, speaker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended[speaker]++
}

func (m *recordingMetrics) RecordUtteranceDropped(_ context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func fixedClock() func() time.Time {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func TestLogRejectsEmptyAndDuplicates(t *testing.T) {
	log := NewLog()

	if !log.Append(Utterance{Speaker: User, Text: "  hello  "}) {
		t.Fatal("expected first append to succeed")
	}
	if log.Append(Utterance{Speaker: User, Text: "hello"}) {
		t.Fatal("expected duplicate to be rejected")
	}
	if log.Append(Utterance{Speaker: User, Text: "   "}) {
		t.Fatal("expected whitespace-only text to be rejected")
	}
	if !log.Append(Utterance{Speaker: Assistant, Text: "hello"}) {
		t.Fatal("expected same text from another speaker to be accepted")
	}

	entries := log.Entries()
	if len(entries) != 2 || entries[0].Text != "hello" {
		t.Fatalf("unexpected entries %#v", entries)
	}
	if log.Append(Utterance{Speaker: User, Text: " hello "}) {
		t.Fatal("expected padded duplicate to be rejected after trimming")
	}
}

func TestLogDedupSpansWholeLog(t *testing.T) {
	log := NewLog()
	log.Append(Utterance{Speaker: User, Text: "yes"})
	log.Append(Utterance{Speaker: Assistant, Text: "great"})
	log.Append(Utterance{Speaker: User, Text: "no"})

	if log.Append(Utterance{Speaker: User, Text: "yes"}) {
		t.Fatal("expected a non-adjacent repeat to be rejected")
	}
	if log.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", log.Len())
	}
}

func TestReconcilerSequence(t *testing.T) {
	metrics := newRecordingMetrics()
	var observed []Utterance
	r := NewReconciler(nil, ReconcilerOptions{
		Now:      fixedClock(),
		Metrics:  metrics,
		OnAppend: func(u Utterance) { observed = append(observed, u) },
	})

	events := []string{
		`{"type":"transcript","role":"user","transcript":"hi"}`,
		`"hello"`,
		`{"text":"ok","userId":"u1"}`,
		`{"content":"ok","userId":"u1"}`,
		`{"type":"transcript","role":"user","transcript":"hi"}`,
		`{"type":"transcript","role":"assistant","transcript":"   "}`,
	}
	for _, e := range events {
		r.HandleMessage(json.RawMessage(e))
	}

	got := r.Log().Entries()
	want := []Utterance{
		{Speaker: User, Text: "hi"},
		{Speaker: Assistant, Text: "hello"},
		{Speaker: User, Text: "ok"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %#v", len(want), got)
	}
	for i := range want {
		if got[i].Speaker != want[i].Speaker || got[i].Text != want[i].Text {
			t.Fatalf("entry %d: expected %v, got %v", i, want[i], got[i])
		}
		if got[i].ObservedAt.IsZero() {
			t.Fatalf("entry %d has no observation time", i)
		}
	}
	if len(observed) != 3 {
		t.Fatalf("expected OnAppend for each entry, got %d", len(observed))
	}
	if metrics.appended["user"] != 2 || metrics.appended["assistant"] != 1 {
		t.Fatalf("unexpected appended counts %#v", metrics.appended)
	}
	if metrics.dropped[DropUnknown] != 1 || metrics.dropped[DropDuplicate] != 1 || metrics.dropped[DropEmpty] != 1 {
		t.Fatalf("unexpected dropped counts %#v", metrics.dropped)
	}
}

func TestReconcilerConversationUpdateUsesSameDedup(t *testing.T) {
	r := NewReconciler(nil, ReconcilerOptions{Now: fixedClock()})
	r.HandleMessage(json.RawMessage(`{"role":"user","content":"a"}`))

	appended := r.HandleConversationUpdate(json.RawMessage(`{"messages":[
		{"role":"user","content":"a"},
		{"role":"assistant","content":"b"},
		{"role":"assistant","content":"b"}
	]}`))

	if len(appended) != 1 || appended[0].Text != "b" {
		t.Fatalf("expected only b to be appended, got %#v", appended)
	}
	if r.Log().Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", r.Log().Len())
	}
}

func TestReconcilerAttachDetach(t *testing.T) {
	engine := &fakeEngine{}
	r := NewReconciler(nil, ReconcilerOptions{Now: fixedClock()})

	r.Attach(engine)
	r.Attach(engine)
	if n := engine.Subscribers(); n != 2 {
		t.Fatalf("expected message and conversation subscriptions, got %d", n)
	}

	engine.EmitMessage(json.RawMessage(`"first"`))
	engine.EmitConversationUpdate(json.RawMessage(`{"messages":[{"role":"user","content":"second"}]}`))

	r.Detach()
	if n := engine.Subscribers(); n != 0 {
		t.Fatalf("expected no subscriptions after detach, got %d", n)
	}
	if r.Attached() {
		t.Fatal("expected reconciler to report detached")
	}

	engine.EmitMessage(json.RawMessage(`"late"`))
	if r.Log().Len() != 2 {
		t.Fatalf("expected late event to be ignored, got %#v", r.Log().Entries())
	}
}

func TestReconcilerAttachWithoutConversationSource(t *testing.T) {
	inner := &fakeEngine{}
	r := NewReconciler(nil, ReconcilerOptions{})

	r.Attach(messageOnlyEngine{inner: inner})
	if n := inner.Subscribers(); n != 1 {
		t.Fatalf("expected message subscription only, got %d", n)
	}

	inner.EmitConversationUpdate(json.RawMessage(`{"messages":[{"role":"user","content":"x"}]}`))
	if r.Log().Len() != 0 {
		t.Fatal("expected conversation updates to be ignored")
	}
	r.Detach()
}
