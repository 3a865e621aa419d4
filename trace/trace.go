// Package trace records the ordered event log of a single run. One Tracer
// exists per run; events are append-only, totally ordered by a sequence
// number assigned at record time, and never mutated afterwards.
package trace

import (
	"strings"
	"sync"
	"time"

	"github.com/vk/morphgrid/model"
)

// EventKind classifies a trace event.
type EventKind string

const (
	Start    EventKind = "Start"
	End      EventKind = "End"
	Error    EventKind = "Error"
	Metric   EventKind = "Metric"
	Decision EventKind = "Decision"
)

// Event is one immutable record of something that happened during a run.
// Node is the zero identity for run-scoped events.
type Event struct {
	Seq     uint64
	RunID   string
	Node    model.Identity
	Time    time.Time
	Kind    EventKind
	Payload map[string]any
}

// Tracer is the per-run event recorder. Record is safe to call from any
// goroutine at any point during node execution; ordering within the run is
// guaranteed by Seq regardless of wall-clock precision.
type Tracer struct {
	runID string

	mu        sync.Mutex
	seq       uint64
	events    []Event
	finalized bool
}

// NewTracer creates the tracer for one run.
func NewTracer(runID string) *Tracer {
	return &Tracer{runID: runID}
}

// RunID returns the run this tracer belongs to.
func (t *Tracer) RunID() string { return t.runID }

// Record appends an event and returns its assigned sequence number. Calls
// after Finalize are dropped.
func (t *Tracer) Record(kind EventKind, node model.Identity, payload map[string]any) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return 0
	}
	t.seq++
	t.events = append(t.events, Event{
		Seq:     t.seq,
		RunID:   t.runID,
		Node:    node,
		Time:    time.Now().UTC(),
		Kind:    kind,
		Payload: payload,
	})
	return t.seq
}

// RecordMetric appends a Metric event in the canonical payload shape.
func (t *Tracer) RecordMetric(node model.Identity, name string, value float64) uint64 {
	return t.Record(Metric, node, map[string]any{"metric": name, "value": value})
}

// Finalize closes the event stream. The log stays readable; further Record
// calls are dropped.
func (t *Tracer) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalized = true
}

// Finalized reports whether the stream has been closed.
func (t *Tracer) Finalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalized
}

// Events returns a snapshot copy of the log in sequence order. Safe on both
// in-progress and finalized tracers.
func (t *Tracer) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// EventsFor returns the snapshot filtered to one node.
func (t *Tracer) EventsFor(node model.Identity) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Event
	for _, e := range t.events {
		if e.Node == node {
			out = append(out, e)
		}
	}
	return out
}

// LatestMetric returns the most recent value of the named metric recorded
// for the node, comparing metric names case-insensitively.
func (t *Tracer) LatestMetric(node model.Identity, name string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.events) - 1; i >= 0; i-- {
		e := t.events[i]
		if e.Kind != Metric || e.Node != node {
			continue
		}
		metric, _ := e.Payload["metric"].(string)
		if !strings.EqualFold(metric, name) {
			continue
		}
		if v, ok := e.Payload["value"].(float64); ok {
			return v, true
		}
	}
	return 0, false
}
