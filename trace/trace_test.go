package trace

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/morphgrid/model"
)

func TestRecordAssignsMonotonicSeq(t *testing.T) {
	tr := NewTracer("run-1")
	node := model.Identity{Name: "a", Version: "1.0.0"}

	s1 := tr.Record(Start, node, nil)
	s2 := tr.RecordMetric(node, "confidence", 0.9)
	s3 := tr.Record(End, node, map[string]any{"status": "Succeeded"})

	assert.Equal(t, uint64(1), s1)
	assert.Equal(t, uint64(2), s2)
	assert.Equal(t, uint64(3), s3)

	events := tr.Events()
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, "run-1", e.RunID)
	}
}

func TestConcurrentRecordsKeepUniqueSeq(t *testing.T) {
	tr := NewTracer("run-2")
	node := model.Identity{Name: "a", Version: "1.0.0"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordMetric(node, "confidence", 0.5)
		}()
	}
	wg.Wait()

	events := tr.Events()
	require.Len(t, events, 50)
	seen := make(map[uint64]bool)
	for _, e := range events {
		assert.False(t, seen[e.Seq], "duplicate seq %d", e.Seq)
		seen[e.Seq] = true
	}
}

func TestFinalizeDropsFurtherRecords(t *testing.T) {
	tr := NewTracer("run-3")
	node := model.Identity{Name: "a", Version: "1.0.0"}

	tr.Record(Start, node, nil)
	tr.Finalize()
	assert.True(t, tr.Finalized())

	seq := tr.Record(End, node, nil)
	assert.Zero(t, seq)
	assert.Len(t, tr.Events(), 1)
}

func TestEventsForFiltersByNode(t *testing.T) {
	tr := NewTracer("run-4")
	a := model.Identity{Name: "a", Version: "1.0.0"}
	b := model.Identity{Name: "b", Version: "1.0.0"}

	tr.Record(Start, a, nil)
	tr.Record(Start, b, nil)
	tr.Record(End, a, nil)

	assert.Len(t, tr.EventsFor(a), 2)
	assert.Len(t, tr.EventsFor(b), 1)
}

func TestLatestMetric(t *testing.T) {
	tr := NewTracer("run-5")
	node := model.Identity{Name: "a", Version: "1.0.0"}

	_, ok := tr.LatestMetric(node, "confidence")
	assert.False(t, ok)

	tr.RecordMetric(node, "confidence", 0.6)
	tr.RecordMetric(node, "confidence", 0.8)

	v, ok := tr.LatestMetric(node, "Confidence")
	require.True(t, ok)
	assert.Equal(t, 0.8, v)
}
