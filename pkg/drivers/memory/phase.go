package memory

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hoistpaas/hoist/pkg/engine"
)

// ErrStreamInterrupted is returned by a stream broken by InterruptAfter.
var ErrStreamInterrupted = errors.New("memory: log stream interrupted")

type phaseKey struct {
	applicationID string
	deploymentID  string
	scope         engine.LogScope
}

// phase holds the lines emitted by one phase and wakes streams on change.
type phase struct {
	mu             sync.Mutex
	lines          []engine.LogLine
	delivered      int
	ended          bool
	result         engine.PhaseResult
	changed        chan struct{}
	opens          int
	interruptAfter int
}

func newPhase(script Script) *phase {
	p := &phase{
		changed:        make(chan struct{}),
		interruptAfter: script.InterruptAfter,
	}
	now := time.Now()
	for _, text := range script.Lines {
		p.lines = append(p.lines, engine.LogLine{Timestamp: now, Stream: "stdout", Text: text})
	}
	if !script.KeepOpen {
		p.ended = true
		p.result = script.Result
	}
	return p
}

func (p *phase) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *phase) append(texts ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	now := time.Now()
	for _, text := range texts {
		p.lines = append(p.lines, engine.LogLine{Timestamp: now, Stream: "stdout", Text: text})
	}
	p.notifyLocked()
}

func (p *phase) end(result engine.PhaseResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	p.ended = true
	p.result = result
	p.notifyLocked()
}

// open returns a stream positioned at the first line when fromStart is set,
// otherwise after the lines already delivered to earlier streams.
func (p *phase) open(fromStart bool, delay time.Duration) *stream {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.opens++
	s := &stream{phase: p, delay: delay, closed: make(chan struct{})}
	if !fromStart {
		s.pos = p.delivered
	}
	if p.opens == 1 && p.interruptAfter > 0 {
		s.breakAt = s.pos + p.interruptAfter
	}
	return s
}

type stream struct {
	phase     *phase
	pos       int
	breakAt   int
	delay     time.Duration
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *stream) Next(ctx context.Context) (engine.LogLine, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return engine.LogLine{}, ctx.Err()
		case <-s.closed:
			return engine.LogLine{}, io.ErrClosedPipe
		}
	}

	for {
		p := s.phase
		p.mu.Lock()
		if s.breakAt > 0 && s.pos >= s.breakAt {
			p.mu.Unlock()
			return engine.LogLine{}, ErrStreamInterrupted
		}
		if s.pos < len(p.lines) {
			line := p.lines[s.pos]
			s.pos++
			if s.pos > p.delivered {
				p.delivered = s.pos
			}
			p.mu.Unlock()
			return line, nil
		}
		if p.ended {
			p.mu.Unlock()
			return engine.LogLine{}, io.EOF
		}
		changed := p.changed
		p.mu.Unlock()

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
	s.phase.mu.Lock()
	defer s.phase.mu.Unlock()
	return s.phase.result
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
