package taskgraph

import "time"

// NodeSnapshot is the serialisable form of one node's runtime state,
// mirroring TaskNode.to_dict()'s field set: status, result, error,
// artifacts, attempt, started_at, completed_at, verification_results.
type NodeSnapshot struct {
	ID                  string          `json:"id"`
	Status              Status          `json:"status"`
	Attempt             int             `json:"attempt"`
	Result              string          `json:"result,omitempty"`
	Error               string          `json:"error,omitempty"`
	BlockedBy           string          `json:"blocked_by,omitempty"`
	Artifacts           []string        `json:"artifacts,omitempty"`
	VerificationResults map[Gate]bool   `json:"verification_results,omitempty"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// Snapshot is the full serialisable graph state plus the originating plan
// id, matching snapshot()/to_dict().
type Snapshot struct {
	PlanID string         `json:"plan_id"`
	Specs  []TaskSpec     `json:"specs"`
	Nodes  []NodeSnapshot `json:"nodes"`
}

// Snapshot serialises every node's runtime state for durable persistence.
func (g *Graph) Snapshot(planID string) Snapshot {
	snap := Snapshot{PlanID: planID}
	for _, id := range g.order {
		n := g.nodes[id]
		snap.Specs = append(snap.Specs, n.Spec)

		ns := NodeSnapshot{
			ID: id, Status: n.Status, Attempt: n.Attempt,
			Result: n.Result, Error: n.Error, BlockedBy: n.BlockedBy,
			Artifacts: n.Artifacts, VerificationResults: n.VerificationResults,
		}
		if !n.StartedAt.IsZero() {
			t := n.StartedAt
			ns.StartedAt = &t
		}
		if !n.CompletedAt.IsZero() {
			t := n.CompletedAt
			ns.CompletedAt = &t
		}
		snap.Nodes = append(snap.Nodes, ns)
	}
	return snap
}

// Restore rebuilds a Graph from a Snapshot and re-evaluates the ready-set,
// matching restore_state's contract ("Restoring must re-evaluate
// ready-set", spec §4.1).
func Restore(snap Snapshot) (*Graph, error) {
	g, err := Build(snap.Specs)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]NodeSnapshot, len(snap.Nodes))
	for _, ns := range snap.Nodes {
		byID[ns.ID] = ns
	}

	for id, n := range g.nodes {
		ns, ok := byID[id]
		if !ok {
			continue
		}
		n.Status = ns.Status
		n.Attempt = ns.Attempt
		n.Result = ns.Result
		n.Error = ns.Error
		n.BlockedBy = ns.BlockedBy
		n.Artifacts = ns.Artifacts
		if ns.VerificationResults != nil {
			n.VerificationResults = ns.VerificationResults
		}
		if ns.StartedAt != nil {
			n.StartedAt = *ns.StartedAt
		}
		if ns.CompletedAt != nil {
			n.CompletedAt = *ns.CompletedAt
		}
	}

	g.recomputeReady()
	return g, nil
}

// ResumeInterrupted rolls back any task left in "running" to "ready"
// (attempt counter preserved), matching spec scenario 6's resume-after-
// restart expectation.
func (g *Graph) ResumeInterrupted() {
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status == StatusRunning || n.Status == StatusVerifying {
			n.Status = StatusReady
		}
	}
	g.recomputeReady()
}
