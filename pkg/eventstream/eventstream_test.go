package eventstream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSSEFormat(t *testing.T) {
	var b strings.Builder
	e := New(KindTaskStarted, "run-1", map[string]any{"task_id": "t1"})
	require.NoError(t, WriteSSE(&b, e))

	out := b.String()
	assert.True(t, strings.HasPrefix(out, "data: {"))
	assert.True(t, strings.HasSuffix(out, "\n\n"))
	assert.Contains(t, out, `"type":"task_started"`)
	assert.Contains(t, out, `"run_id":"run-1"`)
}

func TestWriteDoneSentinel(t *testing.T) {
	var b strings.Builder
	require.NoError(t, WriteDone(&b))
	assert.Equal(t, "data: [DONE]\n\n", b.String())
}

func TestBrokerPreservesPerSinkOrder(t *testing.T) {
	var collected []Event

	sinkA := NewChannelSink(4)
	sinkB := NewChannelSink(4)

	out := make(chan Event, 16)
	broker := NewBroker(SinkFunc(func(e Event) { out <- e }))

	go func() {
		sinkA.Emit(New(KindTaskStarted, "r", map[string]any{"i": 1}))
		sinkA.Emit(New(KindTaskCompleted, "r", map[string]any{"i": 2}))
		sinkA.Close()
	}()
	go func() {
		sinkB.Emit(New(KindTaskStarted, "other", map[string]any{"i": 1}))
		sinkB.Close()
	}()

	go broker.Drain([]*ChannelSink{sinkA, sinkB})

	for i := 0; i < 3; i++ {
		collected = append(collected, <-out)
	}

	var aOrder []Kind
	for _, e := range collected {
		if e.RunID == "r" {
			aOrder = append(aOrder, e.Kind)
		}
	}
	assert.Equal(t, []Kind{KindTaskStarted, KindTaskCompleted}, aOrder)
}
