package transcript

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/companionlab/companion/internal/voice"
)

// Drop reasons reported to Metrics.
const (
	DropEmpty     = "empty"
	DropDuplicate = "duplicate"
	DropUnknown   = "unrecognised"
)

// Metrics receives counts of appended and dropped utterances.
type Metrics interface {
	RecordUtterance(ctx context.Context, speaker string)
	RecordUtteranceDropped(ctx context.Context, reason string)
}

type ReconcilerOptions struct {
	Now      func() time.Time
	OnAppend func(Utterance)
	Metrics  Metrics
}

// Reconciler feeds engine events into a Log while attached to an engine.
type Reconciler struct {
	log  *Log
	opts ReconcilerOptions

	mu      sync.Mutex
	cancels []voice.Cancel
}

func NewReconciler(log *Log, opts ReconcilerOptions) *Reconciler {
	if log == nil {
		log = NewLog()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{log: log, opts: opts}
}

func (r *Reconciler) Log() *Log {
	return r.log
}

// Attach subscribes to the engine's message channel and, when the engine
// offers one, its conversation update channel. Attaching while already
// attached does nothing.
func (r *Reconciler) Attach(engine voice.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.cancels) > 0 {
		return
	}

	r.cancels = append(r.cancels, engine.OnMessage(func(payload json.RawMessage) {
		r.HandleMessage(payload)
	}))
	if src, ok := engine.(voice.ConversationSource); ok {
		r.cancels = append(r.cancels, src.OnConversationUpdate(func(payload json.RawMessage) {
			r.HandleConversationUpdate(payload)
		}))
	}
	slog.Debug("transcript listener attached", "channels", len(r.cancels))
}

// Detach removes every subscription made by Attach. The log is kept.
func (r *Reconciler) Detach() {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		slog.Debug("transcript listener detached")
	}
}

// Attached reports whether the reconciler is subscribed to an engine.
func (r *Reconciler) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels) > 0
}

// HandleMessage normalizes a single engine event and appends it. It returns
// the utterances that were actually appended.
func (r *Reconciler) HandleMessage(payload json.RawMessage) []Utterance {
	c, ok := Normalize(payload)
	if !ok {
		r.dropped(DropUnknown)
		return nil
	}
	return r.appendAll([]Candidate{c})
}

// HandleConversationUpdate appends every usable item of a batched
// conversation update, in array order.
func (r *Reconciler) HandleConversationUpdate(payload json.RawMessage) []Utterance {
	return r.appendAll(NormalizeConversation(payload))
}

func (r *Reconciler) appendAll(candidates []Candidate) []Utterance {
	var appended []Utterance
	for _, c := range candidates {
		u := Utterance{Speaker: c.Speaker, Text: strings.TrimSpace(c.Text), ObservedAt: r.opts.Now()}
		if u.Text == "" {
			r.dropped(DropEmpty)
			continue
		}
		if !r.log.Append(u) {
			r.dropped(DropDuplicate)
			continue
		}
		appended = append(appended, u)
		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordUtterance(context.Background(), string(u.Speaker))
		}
		if r.opts.OnAppend != nil {
			r.opts.OnAppend(u)
		}
	}
	return appended
}

func (r *Reconciler) dropped(reason string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordUtteranceDropped(context.Background(), reason)
	}
}
