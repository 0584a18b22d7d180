package engine

import (
	"fmt"
	"time"

	"github.com/convoyai/convoy/pkg/models"
)

// eventLog is the append-only ordered event list. It assigns indices and
// timestamps at append time and tracks idempotency keys. Not safe for
// concurrent use; the engine mutex guards it.
type eventLog struct {
	events   []models.Event
	seenKeys map[string]bool
}

func newEventLog() *eventLog {
	return &eventLog{seenKeys: map[string]bool{}}
}

// append assigns the next index and a timestamp (when absent) and stores
// the event. It returns false without appending when the event's
// idempotency key has been seen.
func (l *eventLog) append(e models.Event) (models.Event, bool) {
	if e.IdempotencyKey != "" {
		if l.seenKeys[e.IdempotencyKey] {
			return models.Event{}, false
		}
		l.seenKeys[e.IdempotencyKey] = true
	}
	e = e.Clone()
	e.EventIndex = len(l.events)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	l.events = append(l.events, e)
	return e, true
}

// restore replays an already-indexed event (initialization path),
// preserving its original index and timestamp. A gapped or reordered
// sequence is rejected rather than silently renumbered, so a corrupted
// store cannot produce a log that replays differently from the one that
// was persisted.
func (l *eventLog) restore(e models.Event) (models.Event, error) {
	if e.EventIndex != len(l.events) {
		return models.Event{}, fmt.Errorf("stored event out of sequence: index %d at position %d", e.EventIndex, len(l.events))
	}
	if e.IdempotencyKey != "" {
		l.seenKeys[e.IdempotencyKey] = true
	}
	e = e.Clone()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	l.events = append(l.events, e)
	return e, nil
}

// len returns the next index to be assigned.
func (l *eventLog) len() int { return len(l.events) }

// snapshot returns a copy of the event slice header plus the key set, for
// rollback. Appended events after the snapshot do not alias restored ones:
// rollback truncates and rebuilds the key set.
func (l *eventLog) snapshot() logSnapshot {
	keys := make(map[string]bool, len(l.seenKeys))
	for k := range l.seenKeys {
		keys[k] = true
	}
	return logSnapshot{length: len(l.events), seenKeys: keys}
}

// rollback truncates the log to a snapshot.
func (l *eventLog) rollback(s logSnapshot) {
	l.events = l.events[:s.length]
	l.seenKeys = s.seenKeys
}

// all returns cloned events; callers never alias log storage.
func (l *eventLog) all() []models.Event {
	out := make([]models.Event, len(l.events))
	for i, e := range l.events {
		out[i] = e.Clone()
	}
	return out
}

type logSnapshot struct {
	length   int
	seenKeys map[string]bool
}

// uptoClone returns cloned events [0..i].
func (l *eventLog) uptoClone(i int) []models.Event {
	if i >= len(l.events) {
		i = len(l.events) - 1
	}
	out := make([]models.Event, 0, i+1)
	for _, e := range l.events[:i+1] {
		out = append(out, e.Clone())
	}
	return out
}
