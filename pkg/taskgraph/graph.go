// Package taskgraph implements the DAG of tasks within one run: cycle
// detection, topological ordering, dynamic ready-set computation,
// execution levels, and snapshot/restore. Grounded on
// original_source/backend/app/autonomous/task_graph.py (TaskNode,
// _build_graph, _has_cycle, _update_ready_status, mark_failed/
// _block_dependents, topological_order, execution_levels, to_dict/
// restore_state), reworked per spec §9's "Cyclic structures & ownership"
// note into index-keyed maps plus forward/reverse adjacency maps instead
// of a pointer graph.
package taskgraph

import (
	"sort"
	"time"

	"github.com/maratos-ai/orchestrator/pkg/resultkind"
)

// Status is a task node's place in its state machine (spec §3 Task).
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusVerifying Status = "verifying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusBlocked   Status = "blocked"
)

// Gate names the quality gates a task may declare, spec §3.
type Gate string

const (
	GateTestsPass      Gate = "tests-pass"
	GateReviewApproved Gate = "review-approved"
	GateLintClean      Gate = "lint-clean"
	GateTypeCheck      Gate = "type-check"
	GateBuildSuccess   Gate = "build-success"
)

// ValidGates is the fixed set; unknown names are dropped at plan parse
// time (spec §4.5).
var ValidGates = map[Gate]bool{
	GateTestsPass: true, GateReviewApproved: true, GateLintClean: true,
	GateTypeCheck: true, GateBuildSuccess: true,
}

// TaskSpec is the planner-supplied definition of a node before the graph
// assigns runtime state.
type TaskSpec struct {
	ID          string
	Title       string
	Description string
	AgentID     string
	DependsOn   []string
	Gates       []Gate
	TargetFiles []string
	Priority    int
	MaxAttempts int
}

// Node is one task's full runtime record.
type Node struct {
	Spec TaskSpec

	Status      Status
	Attempt     int
	Result      string
	Error       string
	BlockedBy   string // id of the upstream failure that caused blocking
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Artifacts           []string
	VerificationResults map[Gate]bool
}

// Graph is the DAG for one run.
type Graph struct {
	nodes   map[string]*Node
	forward map[string][]string // id -> ids that depend on it
	reverse map[string][]string // id -> its prerequisite ids
	order   []string            // creation order, for deterministic iteration
}

// Build validates every depends_on id resolves and the graph has no cycle
// (three-colour DFS, spec §4.1), returning a *resultkind.Fatal on either
// failure since a malformed graph is unrecoverable at the run level.
func Build(specs []TaskSpec) (*Graph, error) {
	g := &Graph{
		nodes:   make(map[string]*Node, len(specs)),
		forward: make(map[string][]string),
		reverse: make(map[string][]string),
	}

	now := time.Now()
	for _, s := range specs {
		g.nodes[s.ID] = &Node{
			Spec:                s,
			Status:              StatusPending,
			CreatedAt:           now,
			VerificationResults: map[Gate]bool{},
		}
		g.order = append(g.order, s.ID)
	}

	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &resultkind.Fatal{Reason: "unresolved dependency " + dep + " for task " + s.ID}
			}
			g.reverse[s.ID] = append(g.reverse[s.ID], dep)
			g.forward[dep] = append(g.forward[dep], s.ID)
		}
	}

	if cyc := g.hasCycle(); cyc != "" {
		return nil, &resultkind.Fatal{Reason: "cycle detected in task graph at " + cyc}
	}

	g.recomputeReady()
	return g, nil
}

// color states for the three-colour DFS.
type color int

const (
	white color = iota
	gray
	black
)

// hasCycle walks the forward adjacency with white/gray/black marks; a
// gray→gray edge is a cycle, mirroring _has_cycle exactly.
func (g *Graph) hasCycle() string {
	colors := make(map[string]color, len(g.order))
	for _, id := range g.order {
		colors[id] = white
	}

	var visit func(id string) string
	visit = func(id string) string {
		colors[id] = gray
		for _, next := range g.forward[id] {
			if colors[next] == gray {
				return next
			}
			if colors[next] == white {
				if found := visit(next); found != "" {
					return found
				}
			}
		}
		colors[id] = black
		return ""
	}

	for _, id := range g.order {
		if colors[id] == white {
			if found := visit(id); found != "" {
				return found
			}
		}
	}
	return ""
}

// recomputeReady promotes every pending task whose prerequisites are all
// completed to ready, mirroring _update_ready_status.
func (g *Graph) recomputeReady() {
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status != StatusPending {
			continue
		}
		if g.allPrereqsCompleted(id) {
			n.Status = StatusReady
		}
	}
}

func (g *Graph) allPrereqsCompleted(id string) bool {
	for _, dep := range g.reverse[id] {
		if g.nodes[dep].Status != StatusCompleted {
			return false
		}
	}
	return true
}

// ReadyTasks returns node ids currently ready, ordered by (priority desc,
// creation order) per spec §4.5 step 4.
func (g *Graph) ReadyTasks() []string {
	var ready []string
	for _, id := range g.order {
		if g.nodes[id].Status == StatusReady {
			ready = append(ready, id)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return g.nodes[ready[i]].Spec.Priority > g.nodes[ready[j]].Spec.Priority
	})
	return ready
}

// MarkRunning is allowed only from ready; stamps start time; increments
// the attempt counter.
func (g *Graph) MarkRunning(id string) error {
	n, ok := g.nodes[id]
	if !ok {
		return resultkind.New(resultkind.ErrParse, "unknown task %s", id)
	}
	if n.Status != StatusReady {
		return resultkind.New(resultkind.ErrParse, "task %s is not ready (status=%s)", id, n.Status)
	}
	n.Status = StatusRunning
	n.StartedAt = time.Now()
	n.Attempt++
	return nil
}

// MarkCompleted records the result, stamps end time, and re-evaluates
// dependents into ready.
func (g *Graph) MarkCompleted(id, result string, artifacts []string) {
	n := g.nodes[id]
	n.Status = StatusCompleted
	n.Result = result
	n.Artifacts = artifacts
	n.CompletedAt = time.Now()
	g.recomputeReady()
}

// MarkFailed records the error and transitively blocks every direct or
// transitive dependent, mirroring mark_failed/_block_dependents.
func (g *Graph) MarkFailed(id, errMsg string) {
	n := g.nodes[id]
	n.Status = StatusFailed
	n.Error = errMsg
	n.CompletedAt = time.Now()
	g.blockDependents(id, id)
}

func (g *Graph) blockDependents(failedID, upstreamID string) {
	for _, dep := range g.forward[failedID] {
		n := g.nodes[dep]
		if n.Status == StatusCompleted || n.Status == StatusFailed || n.Status == StatusBlocked {
			continue
		}
		n.Status = StatusBlocked
		n.BlockedBy = upstreamID
		g.blockDependents(dep, upstreamID)
	}
}

// MarkSkipped marks a task skipped; per spec invariant 2, a skipped task's
// dependents are blocked too unless the dependent was explicitly marked
// skippable by the caller (handled by the orchestration engine, which is
// the layer that knows fail-fast settings) — the graph itself always
// propagates blocking from skip the same way it does from failure, since
// a skipped prerequisite can never satisfy "every prerequisite completed".
func (g *Graph) MarkSkipped(id, reason string) {
	n := g.nodes[id]
	n.Status = StatusSkipped
	n.Error = reason
	n.CompletedAt = time.Now()
	g.blockDependents(id, id)
}

// CanRetry mirrors can_retry(id): true iff failed and attempt < max.
func (g *Graph) CanRetry(id string) bool {
	n, ok := g.nodes[id]
	if !ok {
		return false
	}
	max := n.Spec.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return n.Status == StatusFailed && n.Attempt < max
}

// Retry resets status to ready, preserving the attempt count so backoff
// may use it.
func (g *Graph) Retry(id string) error {
	if !g.CanRetry(id) {
		return resultkind.New(resultkind.ErrParse, "task %s cannot be retried", id)
	}
	n := g.nodes[id]
	n.Status = StatusReady
	n.Error = ""
	n.BlockedBy = ""
	return nil
}

// TopologicalOrder runs Kahn's algorithm over reverse-dependency in-degree
// with a deterministic tie-break of (priority desc, id asc).
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.reverse[id])
	}

	var frontier []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	var out []string
	for len(frontier) > 0 {
		sort.SliceStable(frontier, func(i, j int) bool {
			pi, pj := g.nodes[frontier[i]].Spec.Priority, g.nodes[frontier[j]].Spec.Priority
			if pi != pj {
				return pi > pj
			}
			return frontier[i] < frontier[j]
		})
		next := frontier[0]
		frontier = frontier[1:]
		out = append(out, next)

		for _, dep := range g.forward[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
	}
	return out
}

// ExecutionLevels groups tasks into levels for cost estimation/
// visualisation only — level k contains exactly the tasks whose
// prerequisites are all in levels < k.
func (g *Graph) ExecutionLevels() [][]string {
	level := make(map[string]int, len(g.order))
	order := g.TopologicalOrder()

	for _, id := range order {
		maxDepLevel := -1
		for _, dep := range g.reverse[id] {
			if level[dep] > maxDepLevel {
				maxDepLevel = level[dep]
			}
		}
		level[id] = maxDepLevel + 1
	}

	var levels [][]string
	for _, id := range order {
		l := level[id]
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], id)
	}
	return levels
}

func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) Dependencies(id string) []string { return append([]string{}, g.reverse[id]...) }
func (g *Graph) Dependents(id string) []string   { return append([]string{}, g.forward[id]...) }

// InputArtifacts collects the artifacts produced by every completed
// prerequisite of id, in dependency order.
func (g *Graph) InputArtifacts(id string) []string {
	var out []string
	for _, dep := range g.reverse[id] {
		out = append(out, g.nodes[dep].Artifacts...)
	}
	return out
}

func (g *Graph) IsComplete() bool {
	for _, id := range g.order {
		s := g.nodes[id].Status
		if s != StatusCompleted && s != StatusFailed && s != StatusSkipped && s != StatusBlocked {
			return false
		}
	}
	return true
}

func (g *Graph) HasFailures() bool {
	for _, id := range g.order {
		if g.nodes[id].Status == StatusFailed {
			return true
		}
	}
	return false
}

// Progress returns completed/total, matching the source's progress property.
func (g *Graph) Progress() (completed, total int) {
	total = len(g.order)
	for _, id := range g.order {
		if g.nodes[id].Status == StatusCompleted {
			completed++
		}
	}
	return completed, total
}

func (g *Graph) StatusSummary() map[Status]int {
	out := map[Status]int{}
	for _, id := range g.order {
		out[g.nodes[id].Status]++
	}
	return out
}

// AllIDs returns every task id in creation order.
func (g *Graph) AllIDs() []string { return append([]string{}, g.order...) }
