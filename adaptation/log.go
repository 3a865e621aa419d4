// SPDX-License-Identifier: MIT
package adaptation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/morphgrid/model"
)

// Entry is one appended record of an adaptation decision: what triggered it,
// which method ran, and which derived version (if any) resulted. Entries
// where Derived is the zero identity record review-only outcomes.
type Entry struct {
	ID            string
	Time          time.Time
	RunID         string
	Node          model.Identity
	Derived       model.Identity
	Trigger       model.TriggerKind
	TriggerDetail string
	Method        model.AdaptationMethod
	Change        string
}

// Log is the append-only adaptation decision record.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

func (l *Log) append(e Entry) Entry {
	e.ID = uuid.NewString()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return e
}

// Entries returns a snapshot of the log in append order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// EntriesFor returns the snapshot filtered to one logical node name.
func (l *Log) EntriesFor(name string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Node.Name == name {
			out = append(out, e)
		}
	}
	return out
}
