// Package logstream merges the per-phase log streams of a deployment into a
// single sequenced stream that viewers can join at any point.
package logstream

import (
	"time"

	"github.com/hoistpaas/hoist/pkg/engine"
)

// EntryKind is the type of a stream entry.
type EntryKind string

const (
	// KindLine is a log line emitted by a phase.
	KindLine EntryKind = "line"

	// KindPhaseEnd marks the normal end of a phase.
	KindPhaseEnd EntryKind = "phase_end"

	// KindInterrupted marks a phase stream that broke before the phase ended.
	KindInterrupted EntryKind = "interrupted"

	// KindUnavailable reports sequence numbers Seq..Until that can no longer
	// be delivered. It is synthesized per viewer and consumes no sequence number.
	KindUnavailable EntryKind = "unavailable"

	// KindClosed is the last entry of a stream.
	KindClosed EntryKind = "closed"
)

// Entry is one element of a merged stream.
type Entry struct {
	Seq       int64           `json:"seq"`
	Kind      EntryKind       `json:"kind"`
	Scope     engine.LogScope `json:"scope,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Stream    string          `json:"stream,omitempty"`
	Text      string          `json:"text,omitempty"`

	// Until is the last sequence number covered by an unavailable entry.
	Until int64 `json:"until,omitempty"`

	// Result is the phase outcome carried by a phase_end marker.
	Result *engine.PhaseResult `json:"result,omitempty"`

	// Reason explains an interrupted or closed marker.
	Reason string `json:"reason,omitempty"`
}

// Last returns the highest sequence number the entry accounts for.
func (e Entry) Last() int64 {
	if e.Kind == KindUnavailable && e.Until > e.Seq {
		return e.Until
	}
	return e.Seq
}

// Unavailable returns the entry reporting from..to as missing.
func Unavailable(from, to int64) Entry {
	return Entry{Seq: from, Until: to, Kind: KindUnavailable}
}
