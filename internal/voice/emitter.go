package voice

import (
	"encoding/json"
	"sync"
)

type handler[T any] struct {
	id int
	fn func(T)
}

type listeners[T any] struct {
	mu     sync.Mutex
	nextID int
	list   []handler[T]
}

func (l *listeners[T]) add(fn func(T)) Cancel {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	l.list = append(l.list, handler[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *listeners[T]) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, h := range l.list {
		if h.id == id {
			l.list = append(l.list[:i:i], l.list[i+1:]...)
			return
		}
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	snapshot := append([]handler[T](nil), l.list...)
	l.mu.Unlock()

	for _, h := range snapshot {
		h.fn(v)
	}
}

func (l *listeners[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.list)
}

// Emitter implements the event half of Engine and ConversationSource.
// Handlers run synchronously on the goroutine that calls an Emit method, in
// registration order. Engine implementations embed it.
type Emitter struct {
	callStart    listeners[struct{}]
	callEnd      listeners[struct{}]
	errs         listeners[json.RawMessage]
	status       listeners[json.RawMessage]
	messages     listeners[json.RawMessage]
	conversation listeners[json.RawMessage]
}

func (e *Emitter) OnCallStart(fn func()) Cancel {
	return e.callStart.add(func(struct{}) { fn() })
}

func (e *Emitter) OnCallEnd(fn func()) Cancel {
	return e.callEnd.add(func(struct{}) { fn() })
}

func (e *Emitter) OnError(fn func(json.RawMessage)) Cancel { return e.errs.add(fn) }

func (e *Emitter) OnStatusUpdate(fn func(json.RawMessage)) Cancel { return e.status.add(fn) }

func (e *Emitter) OnMessage(fn func(json.RawMessage)) Cancel { return e.messages.add(fn) }

func (e *Emitter) OnConversationUpdate(fn func(json.RawMessage)) Cancel {
	return e.conversation.add(fn)
}

func (e *Emitter) EmitCallStart() { e.callStart.emit(struct{}{}) }

func (e *Emitter) EmitCallEnd() { e.callEnd.emit(struct{}{}) }

func (e *Emitter) EmitError(payload json.RawMessage) { e.errs.emit(payload) }

func (e *Emitter) EmitStatusUpdate(payload json.RawMessage) { e.status.emit(payload) }

func (e *Emitter) EmitMessage(payload json.RawMessage) { e.messages.emit(payload) }

func (e *Emitter) EmitConversationUpdate(payload json.RawMessage) { e.conversation.emit(payload) }

// Subscribers reports how many transcript handlers (message plus
// conversation update) are currently registered.
func (e *Emitter) Subscribers() int {
	return e.messages.len() + e.conversation.len()
}
