package recap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/companionlab/companion/internal/transcript"
)

// minWords is the shortest transcript worth recapping.
const minWords = 20

var ErrTranscriptTooShort = errors.New("transcript too short to recap")

const systemPrompt = "You are a study assistant. Recap the tutoring session below for the student in markdown. Cover the key ideas that were taught, anything the student struggled with, and two or three suggested follow-up questions. Be concise."

const userTemplate = `Subject: {{subject}}
Topic: {{topic}}
Tutor: {{name}}
Date: {{date}}

Transcript:
{{transcript}}`

type ClientFactory func(provider, model string) (Client, error)

// Metrics records recap outcomes. *observe.Metrics satisfies it.
type Metrics interface {
	RecordRecap(ctx context.Context, provider, status string, seconds float64)
}

// Session describes what the transcript was about.
type Session struct {
	Name    string
	Subject string
	Topic   string
}

type Recapper struct {
	model   string
	factory ClientFactory
	metrics Metrics
	sleep   func(time.Duration)
	now     func() time.Time
	backoff []time.Duration
}

func New(model string, factory ClientFactory, metrics Metrics) *Recapper {
	return &Recapper{
		model:   model,
		factory: factory,
		metrics: metrics,
		sleep:   time.Sleep,
		now:     time.Now,
		backoff: []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second},
	}
}

// Recap summarizes lines. The result is returned only and never stored.
func (r *Recapper) Recap(ctx context.Context, s Session, lines []transcript.Utterance) (string, error) {
	text := Render(lines)
	if len(strings.Fields(text)) < minWords {
		return "", ErrTranscriptTooShort
	}

	provider, model, err := ParseModel(r.model)
	if err != nil {
		return "", err
	}
	client, err := r.factory(provider, model)
	if err != nil {
		return "", fmt.Errorf("create recap client: %w", err)
	}

	user := strings.NewReplacer(
		"{{subject}}", s.Subject,
		"{{topic}}", s.Topic,
		"{{name}}", s.Name,
		"{{date}}", r.now().UTC().Format("2006-01-02"),
		"{{transcript}}", text,
	).Replace(userTemplate)
	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: user},
	}

	start := r.now()
	var lastErr error
	for attempt := range r.backoff {
		result, err := client.Complete(ctx, messages)
		if err == nil {
			r.record(ctx, provider, "ok", start)
			return result, nil
		}
		lastErr = err
		slog.Warn("recap attempt failed", "provider", provider, "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			break
		}
		if attempt < len(r.backoff)-1 {
			r.sleep(r.backoff[attempt])
		}
	}
	r.record(ctx, provider, "error", start)
	return "", fmt.Errorf("recap failed after retries: %w", lastErr)
}

func (r *Recapper) record(ctx context.Context, provider, status string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordRecap(ctx, provider, status, r.now().Sub(start).Seconds())
}

// Render formats lines one per row as "Speaker: text".
func Render(lines []transcript.Utterance) string {
	var b strings.Builder
	for i, u := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(u.String())
	}
	return b.String()
}
