package transcript

import (
	"strings"
	"sync"
)

type entryKey struct {
	speaker Speaker
	text    string
}

// Log is an append-only, arrival-ordered list of utterances in which no two
// entries share the same speaker and text.
type Log struct {
	mu      sync.RWMutex
	entries []Utterance
	seen    map[entryKey]struct{}
}

func NewLog() *Log {
	return &Log{seen: make(map[entryKey]struct{})}
}

// Append trims the text and stores the utterance. It reports false, leaving
// the log unchanged, when the trimmed text is empty or the pair is already
// present anywhere in the log.
func (l *Log) Append(u Utterance) bool {
	u.Text = strings.TrimSpace(u.Text)
	if u.Text == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seen == nil {
		l.seen = make(map[entryKey]struct{})
	}
	key := entryKey{speaker: u.Speaker, text: u.Text}
	if _, dup := l.seen[key]; dup {
		return false
	}
	l.seen[key] = struct{}{}
	l.entries = append(l.entries, u)
	return true
}

// Entries returns a copy of the log in arrival order.
func (l *Log) Entries() []Utterance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Utterance(nil), l.entries...)
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
