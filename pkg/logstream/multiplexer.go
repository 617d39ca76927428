package logstream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// ErrViewerDropped is returned by Subscription.Next after the viewer fell too
// far behind and was disconnected.
var ErrViewerDropped = errors.New("log viewer dropped: too slow to keep up")

// Config configures a Multiplexer.
type Config struct {
	// Retention is the number of entries kept in memory per deployment.
	Retention int `mapstructure:"retention" yaml:"retention"`

	// ViewerBuffer bounds the live entries queued for one viewer.
	ViewerBuffer int `mapstructure:"viewer_buffer" yaml:"viewer_buffer"`

	// ClosedTTL is how long a closed stream stays readable.
	ClosedTTL time.Duration `mapstructure:"closed_ttl" yaml:"closed_ttl"`

	// ReplayTimeout bounds a replay made to fill a gap below the retention window.
	ReplayTimeout time.Duration `mapstructure:"replay_timeout" yaml:"replay_timeout"`
}

// DefaultConfig returns the default multiplexer configuration.
func DefaultConfig() Config {
	return Config{
		Retention:     5000,
		ViewerBuffer:  256,
		ClosedTTL:     15 * time.Minute,
		ReplayTimeout: 30 * time.Second,
	}
}

// maxMarkers bounds the non-line entries kept per deployment for rebuilding
// gaps below the retention window. Older markers read as unavailable.
const maxMarkers = 1024

// Multiplexer merges the builder and application streams of each deployment
// into one stream with contiguous sequence numbers and fans it out to viewers.
// Producers never block on viewers.
type Multiplexer struct {
	cfg     Config
	metrics *telemetry.Metrics
	logger  *telemetry.Logger
	now     func() time.Time

	mu   sync.Mutex
	hubs map[string]*hub
}

var _ engine.LogHub = (*Multiplexer)(nil)

// New creates a Multiplexer.
func New(cfg Config, tel *telemetry.Telemetry) *Multiplexer {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.ViewerBuffer <= 0 {
		cfg.ViewerBuffer = def.ViewerBuffer
	}
	if cfg.ClosedTTL <= 0 {
		cfg.ClosedTTL = def.ClosedTTL
	}
	if cfg.ReplayTimeout <= 0 {
		cfg.ReplayTimeout = def.ReplayTimeout
	}
	tel = telemetry.OrNop(tel)

	return &Multiplexer{
		cfg:     cfg,
		metrics: tel.Metrics,
		logger:  tel.Logger.NewComponentLogger("logstream"),
		now:     time.Now,
		hubs:    make(map[string]*hub),
	}
}

type hub struct {
	id        string
	retention int

	mu       sync.Mutex
	next     int64
	ring     []Entry
	markers  []Entry
	phases   []*phase
	viewers  map[*Subscription]struct{}
	closed   bool
	closedAt time.Time
}

type phase struct {
	scope    engine.LogScope
	replay   engine.StreamOpener
	segments []segment
	lines    int
}

// segment maps a run of phase lines to contiguous sequence numbers.
type segment struct {
	firstSeq  int64
	firstLine int
	count     int
}

// Open creates the stream of a deployment if it does not exist.
func (m *Multiplexer) Open(deploymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()
	if _, ok := m.hubs[deploymentID]; ok {
		return
	}
	m.hubs[deploymentID] = &hub{
		id:        deploymentID,
		retention: m.cfg.Retention,
		next:      1,
		viewers:   make(map[*Subscription]struct{}),
	}
}

func (m *Multiplexer) sweepLocked() {
	cutoff := m.now().Add(-m.cfg.ClosedTTL)
	for id, h := range m.hubs {
		h.mu.Lock()
		expired := h.closed && h.closedAt.Before(cutoff)
		h.mu.Unlock()
		if expired {
			delete(m.hubs, id)
		}
	}
}

func (m *Multiplexer) get(deploymentID string) *hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hubs[deploymentID]
}

func (m *Multiplexer) getOrOpen(deploymentID string) *hub {
	if h := m.get(deploymentID); h != nil {
		return h
	}
	m.Open(deploymentID)
	return m.get(deploymentID)
}

// BeginPhase starts a new phase. Lines pumped for scope afterwards belong to it.
func (m *Multiplexer) BeginPhase(deploymentID string, scope engine.LogScope, replay engine.StreamOpener) {
	h := m.getOrOpen(deploymentID)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.phases = append(h.phases, &phase{scope: scope, replay: replay})
}

// Pump forwards lines from stream until it ends or fails. A normal end appends
// a phase_end marker carrying the phase result; a failure appends an
// interrupted marker unless ctx was canceled.
func (m *Multiplexer) Pump(ctx context.Context, deploymentID string, scope engine.LogScope, stream engine.LogStream, skip int) (engine.PumpResult, error) {
	h := m.getOrOpen(deploymentID)
	var out engine.PumpResult

	for {
		line, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			result := stream.Result()
			out.Result = result
			h.append(m, Entry{Kind: KindPhaseEnd, Scope: scope, Timestamp: m.now(), Result: &result})
			return out, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			h.append(m, Entry{Kind: KindInterrupted, Scope: scope, Timestamp: m.now(), Reason: err.Error()})
			return out, err
		}

		if skip > 0 {
			skip--
			continue
		}

		ts := line.Timestamp
		if ts.IsZero() {
			ts = m.now()
		}
		if h.appendLine(m, scope, Entry{Kind: KindLine, Scope: scope, Timestamp: ts, Stream: line.Stream, Text: line.Text}) {
			out.Lines++
			m.metrics.RecordLogLine(string(scope))
		}
	}
}

// Close appends the closing marker and ends every viewer. Closing an unknown
// or closed stream does nothing.
func (m *Multiplexer) Close(deploymentID, reason string) {
	h := m.get(deploymentID)
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.appendLocked(m, Entry{Kind: KindClosed, Timestamp: m.now(), Reason: reason})
	h.closed = true
	h.closedAt = m.now()
	for v := range h.viewers {
		delete(h.viewers, v)
		close(v.ch)
		m.metrics.AddLogViewers(-1)
	}
}

// Cursor returns the last sequence number assigned for a deployment, or 0.
func (m *Multiplexer) Cursor(deploymentID string) int64 {
	h := m.get(deploymentID)
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.next - 1
}

// Closed reports whether the stream of a deployment is known and closed.
func (m *Multiplexer) Closed(deploymentID string) bool {
	h := m.get(deploymentID)
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *hub) append(m *Multiplexer, e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.appendLocked(m, e)
}

func (h *hub) appendLine(m *Multiplexer, scope engine.LogScope, e Entry) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}

	ph := h.currentPhaseLocked(scope)
	seq := h.appendLocked(m, e)

	n := len(ph.segments)
	if n > 0 && ph.segments[n-1].firstSeq+int64(ph.segments[n-1].count) == seq {
		ph.segments[n-1].count++
	} else {
		ph.segments = append(ph.segments, segment{firstSeq: seq, firstLine: ph.lines, count: 1})
	}
	ph.lines++
	return true
}

func (h *hub) currentPhaseLocked(scope engine.LogScope) *phase {
	for i := len(h.phases) - 1; i >= 0; i-- {
		if h.phases[i].scope == scope {
			return h.phases[i]
		}
	}
	ph := &phase{scope: scope}
	h.phases = append(h.phases, ph)
	return ph
}

// appendLocked assigns the next sequence number to e, stores it and fans it out.
func (h *hub) appendLocked(m *Multiplexer, e Entry) int64 {
	e.Seq = h.next
	h.next++
	if len(h.ring) < h.retention {
		h.ring = append(h.ring, e)
	} else {
		h.ring[(e.Seq-1)%int64(h.retention)] = e
	}
	if e.Kind != KindLine {
		if len(h.markers) == maxMarkers {
			h.markers = append(h.markers[:0:0], h.markers[1:]...)
		}
		h.markers = append(h.markers, e)
	}

	for v := range h.viewers {
		select {
		case v.ch <- e:
		default:
			delete(h.viewers, v)
			v.dropped.Store(true)
			close(v.ch)
			m.metrics.RecordViewerDropped()
			m.metrics.AddLogViewers(-1)
			m.logger.WithDeploymentID(h.id).Warn("log viewer dropped")
		}
	}
	return e.Seq
}

func (h *hub) ringStartLocked() int64 {
	start := h.next - int64(h.retention)
	if start < 1 {
		start = 1
	}
	return start
}

// Subscribe attaches a viewer to the stream of a deployment starting at
// fromSeq. Entries still in the retention window are delivered from memory;
// older ones are replayed from the driver when it supports replay and are
// otherwise reported as unavailable ranges.
func (m *Multiplexer) Subscribe(deploymentID string, fromSeq int64) (*Subscription, error) {
	h := m.get(deploymentID)
	if h == nil {
		return nil, engine.NewNotFoundError("log stream", deploymentID)
	}
	if fromSeq < 1 {
		fromSeq = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s := &Subscription{hub: h, multiplexer: m, from: fromSeq}

	start := h.ringStartLocked()
	if fromSeq < start {
		s.gap = &gap{
			from:    fromSeq,
			to:      start - 1,
			markers: markersIn(h.markers, fromSeq, start-1),
			phases:  snapshotPhases(h.phases),
		}
	}

	first := fromSeq
	if first < start {
		first = start
	}
	for seq := first; seq < h.next; seq++ {
		s.pending = append(s.pending, h.ring[(seq-1)%int64(h.retention)])
	}

	if !h.closed {
		s.ch = make(chan Entry, m.cfg.ViewerBuffer)
		h.viewers[s] = struct{}{}
		m.metrics.AddLogViewers(1)
	}

	return s, nil
}

func markersIn(markers []Entry, from, to int64) []Entry {
	var out []Entry
	for _, e := range markers {
		if e.Seq >= from && e.Seq <= to {
			out = append(out, e)
		}
	}
	return out
}

func snapshotPhases(phases []*phase) []phase {
	out := make([]phase, 0, len(phases))
	for _, ph := range phases {
		cp := *ph
		cp.segments = append([]segment(nil), ph.segments...)
		out = append(out, cp)
	}
	return out
}
