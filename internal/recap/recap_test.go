package recap

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/companionlab/companion/internal/transcript"
)

type fakeClient struct {
	calls    int
	failures int
	response string
	err      error
	messages []Message
}

func (f *fakeClient) Complete(_ context.Context, messages []Message) (string, error) {
	f.calls++
	f.messages = append([]Message(nil), messages...)
	if f.calls <= f.failures {
		return "", f.err
	}
	return f.response, nil
}

type recordedRecap struct {
	provider, status string
}

type fakeMetrics struct {
	recaps []recordedRecap
}

func (m *fakeMetrics) RecordRecap(_ context.Context, provider, status string, _ float64) {
	m.recaps = append(m.recaps, recordedRecap{provider, status})
}

func lesson(n int) []transcript.Utterance {
	lines := make([]transcript.Utterance, 0, n)
	for i := range n {
		speaker := transcript.Assistant
		if i%2 == 1 {
			speaker = transcript.User
		}
		lines = append(lines, transcript.Utterance{Speaker: speaker, Text: "fractions split a whole into parts"})
	}
	return lines
}

func newTestRecapper(client Client, metrics Metrics) (*Recapper, *[]time.Duration) {
	r := New("openai/gpt-4o-mini", func(provider, model string) (Client, error) {
		if provider != "openai" || model != "gpt-4o-mini" {
			return nil, errors.New("unexpected model")
		}
		return client, nil
	}, metrics)
	var slept []time.Duration
	r.sleep = func(d time.Duration) { slept = append(slept, d) }
	r.now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }
	return r, &slept
}

func TestRecapBuildsPrompt(t *testing.T) {
	client := &fakeClient{response: "## Recap"}
	metrics := &fakeMetrics{}
	r, _ := newTestRecapper(client, metrics)

	got, err := r.Recap(context.Background(), Session{Name: "Countsy", Subject: "maths", Topic: "Fractions"}, lesson(6))
	if err != nil {
		t.Fatalf("Recap failed: %v", err)
	}
	if got != "## Recap" {
		t.Fatalf("expected recap, got %q", got)
	}
	if len(client.messages) != 2 || client.messages[0].Role != "system" {
		t.Fatalf("unexpected messages %#v", client.messages)
	}
	user := client.messages[1].Content
	for _, want := range []string{"Subject: maths", "Topic: Fractions", "Tutor: Countsy", "Date: 2026-03-04", "You: fractions split"} {
		if !strings.Contains(user, want) {
			t.Errorf("expected prompt to contain %q, got %q", want, user)
		}
	}
	if len(metrics.recaps) != 1 || metrics.recaps[0] != (recordedRecap{"openai", "ok"}) {
		t.Fatalf("unexpected metrics %#v", metrics.recaps)
	}
}

func TestRecapRejectsShortTranscript(t *testing.T) {
	client := &fakeClient{response: "unused"}
	r, _ := newTestRecapper(client, nil)

	_, err := r.Recap(context.Background(), Session{}, lesson(1))
	if !errors.Is(err, ErrTranscriptTooShort) {
		t.Fatalf("expected ErrTranscriptTooShort, got %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("expected no provider call, got %d", client.calls)
	}
}

func TestRecapRetriesWithBackoff(t *testing.T) {
	client := &fakeClient{response: "ok", failures: 2, err: errors.New("rate limited")}
	r, slept := newTestRecapper(client, nil)

	got, err := r.Recap(context.Background(), Session{}, lesson(6))
	if err != nil || got != "ok" {
		t.Fatalf("expected success after retries, got %q (%v)", got, err)
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", client.calls)
	}
	if len(*slept) != 2 || (*slept)[0] != time.Second || (*slept)[1] != 4*time.Second {
		t.Fatalf("unexpected backoff %v", *slept)
	}
}

func TestRecapGivesUpAfterRetries(t *testing.T) {
	client := &fakeClient{failures: 10, err: errors.New("down")}
	metrics := &fakeMetrics{}
	r, _ := newTestRecapper(client, metrics)

	_, err := r.Recap(context.Background(), Session{}, lesson(6))
	if err == nil || !strings.Contains(err.Error(), "after retries") {
		t.Fatalf("expected retry exhaustion, got %v", err)
	}
	if len(metrics.recaps) != 1 || metrics.recaps[0].status != "error" {
		t.Fatalf("unexpected metrics %#v", metrics.recaps)
	}
}

func TestRecapStopsOnCancelledContext(t *testing.T) {
	client := &fakeClient{failures: 10, err: errors.New("down")}
	r, slept := newTestRecapper(client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Recap(ctx, Session{}, lesson(6)); err == nil {
		t.Fatal("expected error")
	}
	if client.calls != 1 || len(*slept) != 0 {
		t.Fatalf("expected a single attempt, got %d calls and %v sleeps", client.calls, *slept)
	}
}

func TestRecapInvalidModel(t *testing.T) {
	r := New("gpt-4o-mini", nil, nil)
	if _, err := r.Recap(context.Background(), Session{}, lesson(6)); err == nil || !strings.Contains(err.Error(), "invalid model") {
		t.Fatalf("expected invalid model error, got %v", err)
	}
}

func TestRender(t *testing.T) {
	got := Render([]transcript.Utterance{
		{Speaker: transcript.Assistant, Text: "Hello"},
		{Speaker: transcript.User, Text: "Hi"},
	})
	if got != "Assistant: Hello\nYou: Hi" {
		t.Fatalf("unexpected render %q", got)
	}
}
