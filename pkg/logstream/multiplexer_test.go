package logstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/hoistpaas/hoist/pkg/engine"
)

type sliceStream struct {
	lines  []string
	i      int
	err    error
	block  bool
	result engine.PhaseResult
	closed bool
}

func (s *sliceStream) Next(ctx context.Context) (engine.LogLine, error) {
	if s.i < len(s.lines) {
		line := s.lines[s.i]
		s.i++
		return engine.LogLine{Text: line}, nil
	}
	if s.block {
		<-ctx.Done()
		return engine.LogLine{}, ctx.Err()
	}
	if s.err != nil {
		return engine.LogLine{}, s.err
	}
	return engine.LogLine{}, io.EOF
}

func (s *sliceStream) Result() engine.PhaseResult { return s.result }
func (s *sliceStream) Close() error               { s.closed = true; return nil }

func lines(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return out
}

func drain(t *testing.T, sub *Subscription) []Entry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out []Entry
	for {
		e, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		out = append(out, e)
	}
}

func assertContiguous(t *testing.T, entries []Entry, from int64) {
	t.Helper()
	want := from
	for _, e := range entries {
		if e.Seq != want {
			t.Fatalf("expected seq %d, got %d (%s)", want, e.Seq, e.Kind)
		}
		want = e.Last() + 1
	}
}

func TestPhaseSwitchKeepsSequenceContiguous(t *testing.T) {
	m := New(DefaultConfig(), nil)
	ctx := context.Background()
	m.Open("dep-1")

	m.BeginPhase("dep-1", engine.LogScopeBuilder, nil)
	res, err := m.Pump(ctx, "dep-1", engine.LogScopeBuilder, &sliceStream{lines: lines("build", 3), result: engine.PhaseResult{Succeeded: true}}, 0)
	if err != nil {
		t.Fatalf("builder pump failed: %v", err)
	}
	if res.Lines != 3 || !res.Result.Succeeded {
		t.Fatalf("unexpected builder result: %+v", res)
	}

	m.BeginPhase("dep-1", engine.LogScopeApplication, nil)
	if _, err := m.Pump(ctx, "dep-1", engine.LogScopeApplication, &sliceStream{lines: lines("app", 2)}, 0); err != nil {
		t.Fatalf("application pump failed: %v", err)
	}
	m.Close("dep-1", "superseded")

	sub, err := m.Subscribe("dep-1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	entries := drain(t, sub)
	assertContiguous(t, entries, 1)

	kinds := []EntryKind{KindLine, KindLine, KindLine, KindPhaseEnd, KindLine, KindLine, KindPhaseEnd, KindClosed}
	if len(entries) != len(kinds) {
		t.Fatalf("expected %d entries, got %d", len(kinds), len(entries))
	}
	for i, k := range kinds {
		if entries[i].Kind != k {
			t.Errorf("entry %d: expected %s, got %s", i, k, entries[i].Kind)
		}
	}
	if entries[3].Result == nil || !entries[3].Result.Succeeded {
		t.Errorf("builder phase_end should carry a successful result")
	}
	if entries[4].Scope != engine.LogScopeApplication {
		t.Errorf("expected application scope after the switch, got %s", entries[4].Scope)
	}
	if entries[7].Reason != "superseded" {
		t.Errorf("expected closing reason, got %q", entries[7].Reason)
	}
	if got := m.Cursor("dep-1"); got != 8 {
		t.Errorf("expected cursor 8, got %d", got)
	}
}

func TestInterruptedMarkerDiffersFromPhaseEnd(t *testing.T) {
	m := New(DefaultConfig(), nil)
	ctx := context.Background()
	m.Open("dep-1")
	m.BeginPhase("dep-1", engine.LogScopeBuilder, nil)

	_, err := m.Pump(ctx, "dep-1", engine.LogScopeBuilder, &sliceStream{lines: lines("build", 2), err: errors.New("connection reset")}, 0)
	if err == nil {
		t.Fatal("expected the interruption to be returned")
	}
	if _, err := m.Pump(ctx, "dep-1", engine.LogScopeBuilder, &sliceStream{lines: lines("more", 1), result: engine.PhaseResult{Succeeded: true}}, 0); err != nil {
		t.Fatalf("second pump failed: %v", err)
	}
	m.Close("dep-1", "done")

	sub, _ := m.Subscribe("dep-1", 1)
	entries := drain(t, sub)
	assertContiguous(t, entries, 1)

	if entries[2].Kind != KindInterrupted || entries[2].Reason != "connection reset" {
		t.Errorf("expected interrupted marker at seq 3, got %+v", entries[2])
	}
	if entries[4].Kind != KindPhaseEnd {
		t.Errorf("expected phase_end marker at seq 5, got %s", entries[4].Kind)
	}
}

func TestCanceledPumpAddsNoMarker(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.Open("dep-1")
	m.BeginPhase("dep-1", engine.LogScopeApplication, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Pump(ctx, "dep-1", engine.LogScopeApplication, &sliceStream{lines: lines("app", 2), block: true}, 0)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for m.Cursor("dep-1") < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := m.Cursor("dep-1"); got != 2 {
		t.Errorf("expected no marker after cancellation, cursor %d", got)
	}
}

func TestSubscribeFromCursorWithinRetention(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.Open("dep-1")
	m.BeginPhase("dep-1", engine.LogScopeBuilder, nil)
	_, _ = m.Pump(context.Background(), "dep-1", engine.LogScopeBuilder, &sliceStream{lines: lines("build", 5)}, 0)
	m.Close("dep-1", "done")

	sub, err := m.Subscribe("dep-1", 3)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	entries := drain(t, sub)
	assertContiguous(t, entries, 3)
	if entries[0].Text != "build-2" {
		t.Errorf("expected to resume at build-2, got %q", entries[0].Text)
	}
}

func TestSubscribeBeyondCursorWaitsForIt(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.Open("dep-1")
	m.BeginPhase("dep-1", engine.LogScopeBuilder, nil)
	_, _ = m.Pump(context.Background(), "dep-1", engine.LogScopeBuilder, &sliceStream{lines: lines("build", 3), err: errors.New("lost")}, 0)

	sub, err := m.Subscribe("dep-1", 10)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	_, _ = m.Pump(context.Background(), "dep-1", engine.LogScopeBuilder, &sliceStream{lines: lines("more", 8)}, 0)
	m.Close("dep-1", "done")

	entries := drain(t, sub)
	if len(entries) == 0 {
		t.Fatal("expected entries from seq 10 on")
	}
	assertContiguous(t, entries, 10)
	if last := entries[len(entries)-1]; last.Kind != KindClosed {
		t.Errorf("expected the stream to end with the closing marker, got %s", last.Kind)
	}
}

func TestRingGrowsUpToRetention(t *testing.T) {
	m := New(Config{Retention: 4}, nil)
	m.Open("dep-1")
	m.BeginPhase("dep-1", engine.LogScopeBuilder, nil)

	if n := len(m.get("dep-1").ring); n != 0 {
		t.Fatalf("expected an empty ring before any entry, got %d", n)
	}
	_, _ = m.Pump(context.Background(), "dep-1", engine.LogScopeBuilder, &sliceStream{lines: lines("build", 6)}, 0)
	m.Close("dep-1", "done")

	if n := len(m.get("dep-1").ring); n != 4 {
		t.Errorf("expected the ring capped at 4, got %d", n)
	}
	sub, _ := m.Subscribe("dep-1", 5)
	entries := drain(t, sub)
	assertContiguous(t, entries, 5)
	if len(entries) != 4 || entries[0].Text != "build-4" {
		t.Errorf("unexpected entries after wrap: %+v", entries)
	}
}

func TestMarkersAreCapped(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.Open("dep-1")
	m.BeginPhase("dep-1", engine.LogScopeApplication, nil)
	for i := 0; i < maxMarkers+10; i++ {
		_, _ = m.Pump(context.Background(), "dep-1", engine.LogScopeApplication, &sliceStream{err: errors.New("reset")}, 0)
	}

	h := m.get("dep-1")
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.markers) != maxMarkers {
		t.Fatalf("expected %d markers, got %d", maxMarkers, len(h.markers))
	}
	if first := h.markers[0].Seq; first != 11 {
		t.Errorf("expected the oldest markers to go first, oldest kept is %d", first)
	}
}

func TestGapBelowRetentionReportedUnavailable(t *testing.T) {
	m := New(Config{Retention: 4}, nil)
	m.Open("dep-1")
	m.BeginPhase("dep-1", engine.LogScopeBuilder, nil)
	_, _ = m.Pump(context.Background(), "dep-1", engine.LogScopeBuilder, &sliceStream{lines: lines("build", 10), result: engine.PhaseResult{Succeeded: true}}, 0)
	m.Close("dep-1", "done")

	// 10 lines, phase_end at 11, closed at 12; the window holds 9..12.
	sub, _ := m.Subscribe("dep-1", 1)
	entries := drain(t, sub)
	assertContiguous(t, entries, 1)

	if entries[0].Kind != KindUnavailable || entries[0].Seq != 1 || entries[0].Until != 8 {
		t.Fatalf("expected unavailable 1..8, got %+v", entries[0])
	}
	if entries[1].Text != "build-8" {
		t.Errorf("expected build-8 after the gap, got %q", entries[1].Text)
	}
	if last := entries[len(entries)-1]; last.Kind != KindClosed || last.Seq != 12 {
		t.Errorf("expected closed marker at 12, got %+v", last)
	}
}

func TestGapBelowRetentionReplayedFromDriver(t *testing.T) {
	m := New(Config{Retention: 4}, nil)
	ctx := context.Background()
	all := lines("build", 6)

	replays := 0
	opener := func(ctx context.Context, fromStart bool) (engine.LogStream, error) {
		replays++
		if !fromStart {
			t.Errorf("replay must start from the first line")
		}
		return &sliceStream{lines: all, result: engine.PhaseResult{Succeeded: true}}, nil
	}

	m.Open("dep-1")
	m.BeginPhase("dep-1", engine.LogScopeBuilder, opener)

	// First connection breaks after three lines, the replayed one skips them.
	_, err := m.Pump(ctx, "dep-1", engine.LogScopeBuilder, &sliceStream{lines: all[:3], err: errors.New("eof from proxy")}, 0)
	if err == nil {
		t.Fatal("expected an interruption")
	}
	res, err := m.Pump(ctx, "dep-1", engine.LogScopeBuilder, &sliceStream{lines: all, result: engine.PhaseResult{Succeeded: true}}, 3)
	if err != nil {
		t.Fatalf("replayed pump failed: %v", err)
	}
	if res.Lines != 3 {
		t.Fatalf("expected 3 new lines after skipping, got %d", res.Lines)
	}
	m.Close("dep-1", "done")

	// seq: 1-3 lines, 4 interrupted, 5-7 lines, 8 phase_end, 9 closed. Window 6..9.
	sub, _ := m.Subscribe("dep-1", 1)
	entries := drain(t, sub)
	assertContiguous(t, entries, 1)

	if replays != 1 {
		t.Errorf("expected a single replay, got %d", replays)
	}
	for _, e := range entries {
		if e.Kind == KindUnavailable {
			t.Fatalf("replay should have filled the gap, got %+v", e)
		}
	}
	want := map[int64]string{1: "build-0", 3: "build-2", 5: "build-3", 7: "build-5"}
	for _, e := range entries {
		if text, ok := want[e.Seq]; ok && e.Text != text {
			t.Errorf("seq %d: expected %q, got %q", e.Seq, text, e.Text)
		}
	}
	if entries[3].Kind != KindInterrupted {
		t.Errorf("expected the interrupted marker at seq 4, got %s", entries[3].Kind)
	}
}

func TestSlowViewerIsDroppedWithoutBlockingProducer(t *testing.T) {
	m := New(Config{ViewerBuffer: 2}, nil)
	m.Open("dep-1")
	m.BeginPhase("dep-1", engine.LogScopeBuilder, nil)

	slow, err := m.Subscribe("dep-1", 1)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = m.Pump(context.Background(), "dep-1", engine.LogScopeBuilder, &sliceStream{lines: lines("build", 50)}, 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked on a slow viewer")
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := slow.Next(ctx); err != nil {
			t.Fatalf("buffered entry %d: %v", i, err)
		}
	}
	if _, err := slow.Next(ctx); !errors.Is(err, ErrViewerDropped) {
		t.Fatalf("expected ErrViewerDropped, got %v", err)
	}
	if !slow.Dropped() {
		t.Error("expected Dropped to report true")
	}

	// A new viewer can still join from the retained window.
	fresh, _ := m.Subscribe("dep-1", 1)
	m.Close("dep-1", "done")
	entries := drain(t, fresh)
	assertContiguous(t, entries, 1)
	if len(entries) != 52 {
		t.Errorf("expected 52 entries, got %d", len(entries))
	}
}

func TestLiveViewerReceivesEntriesInOrder(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.Open("dep-1")
	m.BeginPhase("dep-1", engine.LogScopeBuilder, nil)

	sub, _ := m.Subscribe("dep-1", 0)
	go func() {
		_, _ = m.Pump(context.Background(), "dep-1", engine.LogScopeBuilder, &sliceStream{lines: lines("build", 20), result: engine.PhaseResult{Succeeded: true}}, 0)
		m.Close("dep-1", "done")
	}()

	entries := drain(t, sub)
	assertContiguous(t, entries, 1)
	if len(entries) != 22 {
		t.Errorf("expected 22 entries, got %d", len(entries))
	}
}

func TestSubscribeUnknownStream(t *testing.T) {
	m := New(DefaultConfig(), nil)
	if _, err := m.Subscribe("missing", 1); !engine.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestClosedStreamsAreEvictedAfterTTL(t *testing.T) {
	m := New(Config{ClosedTTL: time.Minute}, nil)
	now := time.Now()
	m.now = func() time.Time { return now }

	m.Open("old")
	m.Close("old", "done")

	now = now.Add(2 * time.Minute)
	m.Open("new")

	if _, err := m.Subscribe("old", 1); !engine.IsNotFound(err) {
		t.Fatalf("expected the closed stream to be evicted, got %v", err)
	}
}
