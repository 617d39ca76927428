package logstream

import (
	"context"
	"io"
	"sort"
	"sync/atomic"
)

// Subscription is one viewer of a merged stream. It is not safe for
// concurrent use.
type Subscription struct {
	hub         *hub
	multiplexer *Multiplexer

	from    int64 // live entries below from are skipped
	gap     *gap
	pending []Entry
	ch      chan Entry
	dropped atomic.Bool
}

// gap is the part of a subscription below the retention window.
type gap struct {
	from, to int64
	markers  []Entry
	phases   []phase
}

// Next returns the next entry. It returns io.EOF after the closing marker was
// delivered and ErrViewerDropped when the viewer was disconnected for being slow.
func (s *Subscription) Next(ctx context.Context) (Entry, error) {
	if s.gap != nil {
		resolved := s.resolveGap(ctx)
		s.gap = nil
		s.pending = append(resolved, s.pending...)
	}

	if len(s.pending) > 0 {
		e := s.pending[0]
		s.pending = s.pending[1:]
		return e, nil
	}

	if s.ch == nil {
		return Entry{}, io.EOF
	}

	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				if s.dropped.Load() {
					return Entry{}, ErrViewerDropped
				}
				return Entry{}, io.EOF
			}
			if e.Seq < s.from {
				continue
			}
			return e, nil
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}
}

// Dropped reports whether the viewer was disconnected for being slow.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// Close detaches the viewer.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[s]; ok {
		delete(h.viewers, s)
		close(s.ch)
		s.multiplexer.metrics.AddLogViewers(-1)
	}
}

// resolveGap rebuilds the entries below the retention window from the kept
// markers; lines come back only from phases whose driver can replay them.
func (s *Subscription) resolveGap(ctx context.Context) []Entry {
	g := s.gap
	found := make(map[int64]Entry, len(g.markers))
	for _, e := range g.markers {
		found[e.Seq] = e
	}

	for i := range g.phases {
		ph := &g.phases[i]
		if ph.replay == nil {
			continue
		}
		if maxLine, ok := lastLineIn(ph.segments, g.from, g.to); ok {
			s.replayPhase(ctx, ph, maxLine, g, found)
		}
	}

	seqs := make([]int64, 0, len(found))
	for seq := range found {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var out []Entry
	next := g.from
	for _, seq := range seqs {
		if seq > next {
			out = append(out, Unavailable(next, seq-1))
		}
		out = append(out, found[seq])
		next = seq + 1
	}
	if next <= g.to {
		out = append(out, Unavailable(next, g.to))
	}
	return out
}

func (s *Subscription) replayPhase(ctx context.Context, ph *phase, maxLine int, g *gap, found map[int64]Entry) {
	ctx, cancel := context.WithTimeout(ctx, s.multiplexer.cfg.ReplayTimeout)
	defer cancel()

	stream, err := ph.replay(ctx, true)
	if err != nil {
		s.multiplexer.logger.WithDeploymentID(s.hub.id).WithError(err).Warn("log replay failed")
		return
	}
	defer stream.Close()

	for li := 0; li <= maxLine; li++ {
		line, err := stream.Next(ctx)
		if err != nil {
			return
		}
		seq, ok := seqForLine(ph.segments, li)
		if !ok || seq < g.from || seq > g.to {
			continue
		}
		found[seq] = Entry{
			Seq:       seq,
			Kind:      KindLine,
			Scope:     ph.scope,
			Timestamp: line.Timestamp,
			Stream:    line.Stream,
			Text:      line.Text,
		}
	}
}

// lastLineIn returns the highest phase line index whose sequence number falls
// in from..to.
func lastLineIn(segments []segment, from, to int64) (int, bool) {
	best, ok := -1, false
	for _, seg := range segments {
		last := seg.firstSeq + int64(seg.count) - 1
		if last < from || seg.firstSeq > to {
			continue
		}
		if last > to {
			last = to
		}
		line := seg.firstLine + int(last-seg.firstSeq)
		if line > best {
			best, ok = line, true
		}
	}
	return best, ok
}

func seqForLine(segments []segment, line int) (int64, bool) {
	i := sort.Search(len(segments), func(i int) bool {
		return segments[i].firstLine+segments[i].count > line
	})
	if i == len(segments) || segments[i].firstLine > line {
		return 0, false
	}
	return segments[i].firstSeq + int64(line-segments[i].firstLine), true
}
