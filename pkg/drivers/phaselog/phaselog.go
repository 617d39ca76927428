// Package phaselog buffers the output of a running phase so that drivers can
// serve it as an engine.LogStream, from the start or from where the previous
// stream stopped.
package phaselog

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/hoistpaas/hoist/pkg/engine"
)

// DefaultRetention is the number of lines kept per phase.
const DefaultRetention = 10000

// Log holds the retained lines of one phase.
type Log struct {
	mu        sync.Mutex
	retention int
	base      int // index of lines[0] in the phase
	lines     []engine.LogLine
	delivered int
	ended     bool
	result    engine.PhaseResult
	changed   chan struct{}
	now       func() time.Time
}

// New returns an open log keeping at most retention lines. Zero selects
// DefaultRetention.
func New(retention int) *Log {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Log{retention: retention, changed: make(chan struct{}), now: time.Now}
}

func (l *Log) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Append adds a line. Lines appended after End are discarded.
func (l *Log) Append(stream, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return
	}
	l.lines = append(l.lines, engine.LogLine{Timestamp: l.now(), Stream: stream, Text: text})
	if over := len(l.lines) - l.retention; over > 0 {
		l.lines = append(l.lines[:0:0], l.lines[over:]...)
		l.base += over
	}
	l.notifyLocked()
}

// End marks the phase finished. Only the first call has an effect.
func (l *Log) End(result engine.PhaseResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return
	}
	l.ended = true
	l.result = result
	l.notifyLocked()
}

// Ended reports whether End was called.
func (l *Log) Ended() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ended
}

// Result returns the phase outcome once ended.
func (l *Log) Result() engine.PhaseResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result
}

// Len returns the number of lines appended so far, evicted lines included.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.base + len(l.lines)
}

// Open returns a stream starting at the oldest retained line when fromStart
// is set, otherwise after the lines earlier streams already delivered.
func (l *Log) Open(fromStart bool) engine.LogStream {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := &stream{log: l, closed: make(chan struct{})}
	if !fromStart {
		s.pos = l.delivered
	}
	return s
}

type stream struct {
	log       *Log
	pos       int
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *stream) Next(ctx context.Context) (engine.LogLine, error) {
	l := s.log
	for {
		l.mu.Lock()
		if s.pos < l.base {
			s.pos = l.base
		}
		if idx := s.pos - l.base; idx < len(l.lines) {
			line := l.lines[idx]
			s.pos++
			if s.pos > l.delivered {
				l.delivered = s.pos
			}
			l.mu.Unlock()
			return line, nil
		}
		if l.ended {
			l.mu.Unlock()
			return engine.LogLine{}, io.EOF
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return engine.LogLine{}, ctx.Err()
		case <-s.closed:
			return engine.LogLine{}, io.ErrClosedPipe
		}
	}
}

func (s *stream) Result() engine.PhaseResult {
	return s.log.Result()
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Key identifies a phase of a deployment.
type Key struct {
	DeploymentID string
	Scope        engine.LogScope
}

// Set tracks the phases a driver started along with a driver-specific value
// per phase. Ended phases beyond the retained limit are forgotten oldest first.
type Set[T any] struct {
	mu       sync.Mutex
	retained int
	seq      int
	entries  map[Key]*entry[T]
}

type entry[T any] struct {
	log   *Log
	value T
	seq   int
}

// DefaultRetainedPhases is the number of ended phases a Set keeps.
const DefaultRetainedPhases = 64

// NewSet returns an empty set keeping up to retained ended phases. Zero
// selects DefaultRetainedPhases.
func NewSet[T any](retained int) *Set[T] {
	if retained <= 0 {
		retained = DefaultRetainedPhases
	}
	return &Set[T]{retained: retained, entries: make(map[Key]*entry[T])}
}

// Add registers a phase, replacing any phase under the same key.
func (s *Set[T]) Add(key Key, l *Log, value T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.entries[key] = &entry[T]{log: l, value: value, seq: s.seq}

	var ended []Key
	for k, e := range s.entries {
		if e.log.Ended() {
			ended = append(ended, k)
		}
	}
	if len(ended) <= s.retained {
		return
	}
	sort.Slice(ended, func(i, j int) bool { return s.entries[ended[i]].seq < s.entries[ended[j]].seq })
	for _, k := range ended[:len(ended)-s.retained] {
		delete(s.entries, k)
	}
}

// Get returns the log and value of a phase.
func (s *Set[T]) Get(key Key) (*Log, T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		var zero T
		return nil, zero, false
	}
	return e.log, e.value, true
}

// Has reports whether a phase is registered under key.
func (s *Set[T]) Has(key Key) bool {
	_, _, ok := s.Get(key)
	return ok
}

// Values returns the values of the phases that have not ended.
func (s *Set[T]) Values() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.log.Ended() {
			out = append(out, e.value)
		}
	}
	return out
}

// Len returns the number of tracked phases.
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
