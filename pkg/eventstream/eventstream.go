// Package eventstream implements the typed event records the
// orchestration engine emits at every state transition and their
// Server-Sent-Events line serialisation. Grounded on
// original_source/backend/app/autonomous/orchestrator.py's EventType enum
// and OrchestratorEvent.to_sse (the exact `data: {...}\n\n` shape and the
// closed event-type set) and the teacher's pkg/events/types.go (named
// constants for event kinds rather than raw strings). Unlike the teacher,
// the transport here is not a WebSocket/NOTIFY broadcaster — spec §1 puts
// the HTTP surface out of scope, so this package owns only the typed event
// + line-writer model, not delivery.
package eventstream

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Kind is the closed set of event kinds named in spec §4.8.
type Kind string

const (
	// Lifecycle
	KindProjectStarted   Kind = "project_started"
	KindPlanningStarted  Kind = "planning_started"
	KindPlanningComplete Kind = "planning_completed"
	KindProjectCompleted Kind = "project_completed"
	KindProjectFailed    Kind = "project_failed"
	KindPaused           Kind = "paused"
	KindResumed          Kind = "resumed"

	// Task
	KindTaskCreated     Kind = "task_created"
	KindTaskStarted     Kind = "task_started"
	KindTaskProgress    Kind = "task_progress"
	KindTaskAgentOutput Kind = "task_agent_output"
	KindTaskCompleted   Kind = "task_completed"
	KindTaskFailed      Kind = "task_failed"
	KindTaskFixing      Kind = "task_fixing"

	// Gate
	KindQualityGateCheck  Kind = "quality_gate_check"
	KindQualityGatePassed Kind = "quality_gate_passed"
	KindQualityGateFailed Kind = "quality_gate_failed"

	// Git
	KindGitCommit    Kind = "git_commit"
	KindGitPush      Kind = "git_push"
	KindGitPRCreated Kind = "git_pr_created"

	// Tooling
	KindModelSelected Kind = "model_selected"
	KindError         Kind = "error"
	KindTimeout       Kind = "timeout"
)

// Event is one value record: kind, run id, data object, timestamp —
// matching OrchestratorEvent's to_dict shape exactly (type/project_id/
// data/timestamp), renamed run_id per spec §6's `{type, project_id|run_id,
// data, timestamp}` wire contract.
type Event struct {
	Kind      Kind           `json:"type"`
	RunID     string         `json:"run_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds an event stamped with the current time, data defaulting to an
// empty object rather than null so clients never need a nil check.
func New(kind Kind, runID string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Kind: kind, RunID: runID, Data: data, Timestamp: time.Now()}
}

// WithTask attaches a task id, mirroring the many task_* events that carry
// "task_id" inside data as well — kept as a top-level field for convenient
// filtering by consumers without decoding data.
func (e Event) WithTask(taskID string) Event {
	e.TaskID = taskID
	return e
}

// doneSentinel is the text-event-stream terminator, spec §6: "followed by
// the terminator sentinel `data: [DONE]`".
const doneSentinel = "data: [DONE]\n\n"

// WriteSSE serialises one event as a single `data: {...}\n\n` line,
// matching OrchestratorEvent.to_sse exactly.
func WriteSSE(w io.Writer, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventstream: marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", raw)
	return err
}

// WriteDone writes the stream terminator sentinel.
func WriteDone(w io.Writer) error {
	_, err := io.WriteString(w, doneSentinel)
	return err
}

// Sink is anything that can accept a stream of events for one run. The
// execution loop writes into a Sink; callers choose the concrete
// implementation (SSE writer, in-memory slice for tests, channel fan-out).
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// ChannelSink is a per-task event queue drained into the unified stream,
// matching spec §5's "per-task queue that the engine drains into the
// unified stream" / "drained round-robin" ordering model. Within one
// ChannelSink, events preserve the order they were emitted; no ordering is
// implied or enforced across distinct ChannelSinks.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a bounded per-task queue. Emit blocks the calling
// goroutine while the queue is full. The engine emits from the task's own
// goroutine, so a full queue pauses that task's execution until the broker
// drains an event; execution does not continue past a blocked Emit.
func NewChannelSink(capacity int) *ChannelSink {
	if capacity <= 0 {
		capacity = 64
	}
	return &ChannelSink{ch: make(chan Event, capacity)}
}

func (s *ChannelSink) Emit(e Event) { s.ch <- e }
func (s *ChannelSink) Close()       { close(s.ch) }
func (s *ChannelSink) C() <-chan Event { return s.ch }

// Broker fans events from many per-task ChannelSinks into one unified
// stream: each sink is drained by its own goroutine, and the interleaving
// across sinks is whatever the Go scheduler produces (no round-robin
// rotation is enforced). It is not a process-wide singleton; the engine
// constructs one per run.
type Broker struct {
	downstream Sink
}

func NewBroker(downstream Sink) *Broker { return &Broker{downstream: downstream} }

// Drain forwards every event from every sink to the downstream sink,
// blocking until all sinks are closed and drained. One goroutine per sink
// preserves that sink's own event order; which goroutine wins a given
// instant (and therefore the interleaving across tasks) is left to the Go
// scheduler, matching spec §5's explicit "ordering across tasks is not
// guaranteed" contract.
func (b *Broker) Drain(sinks []*ChannelSink) {
	merged := make(chan Event)
	done := make(chan struct{}, len(sinks))

	for _, s := range sinks {
		go func(s *ChannelSink) {
			for e := range s.ch {
				merged <- e
			}
			done <- struct{}{}
		}(s)
	}

	go func() {
		for range sinks {
			<-done
		}
		close(merged)
	}()

	for e := range merged {
		b.downstream.Emit(e)
	}
}
