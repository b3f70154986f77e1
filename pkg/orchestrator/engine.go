// Package orchestrator implements the autonomous execution engine: the
// planning phase, the bounded-parallelism task execution loop with its
// per-task quality-gate feedback cycle, auto-commit, and finalization
// (push + pull request). Grounded directly on
// original_source/backend/app/autonomous/orchestrator.py's Orchestrator
// class (start/_run_planning/_run_execution_loop/_run_task_with_feedback/
// _check_quality_gate/_run_finalization), wired through the guardrail
// packages (pkg/policy, pkg/budget, pkg/approval, pkg/toolcall,
// pkg/pathsec) the way original_source's guardrails.enforcer sits between
// an agent and its tools, and through pkg/taskgraph/pkg/eventstream/
// pkg/gitsubsystem/pkg/store/pkg/recovery rather than the scattered
// module-level repositories and in-process dicts the original relies on.
package orchestrator

import (
	"log/slog"

	"github.com/maratos-ai/orchestrator/pkg/agent"
	"github.com/maratos-ai/orchestrator/pkg/approval"
	"github.com/maratos-ai/orchestrator/pkg/config"
	"github.com/maratos-ai/orchestrator/pkg/gitsubsystem"
	"github.com/maratos-ai/orchestrator/pkg/pathsec"
	"github.com/maratos-ai/orchestrator/pkg/policy"
	"github.com/maratos-ai/orchestrator/pkg/recovery"
	"github.com/maratos-ai/orchestrator/pkg/store"
	"github.com/maratos-ai/orchestrator/pkg/tool"
)

// AgentRegistry maps agent role ids ("planner", "coder", "reviewer",
// "tester", "deployer", "documenter") to their live implementation,
// generalising agent_registry.get() from a module-level singleton into an
// explicitly threaded collaborator.
type AgentRegistry map[string]agent.Agent

func (r AgentRegistry) Get(id string) (agent.Agent, bool) {
	a, ok := r[id]
	return a, ok
}

// Deps bundles every external collaborator the engine drives. A Deps value
// is built once per process and shared across runs; per-run mutable state
// (the task graph, budget counters, pause/cancel flags) lives on Run.
type Deps struct {
	Config   *config.Config
	Agents   AgentRegistry
	Tools    *tool.Registry
	Policies *policy.Registry
	Approval *approval.Manager
	Audit    *pathsec.AuditSink
	Paths    *pathsec.Validator
	Git      gitsubsystem.Git
	Forge    gitsubsystem.ForgeClient
	Recovery recovery.Policy
	Logger   *slog.Logger

	// Store-backed repositories are optional: a nil *store.Client means the
	// engine runs in-memory only (useful for tests), mirroring the
	// original's own try/except-and-log swallowing of persistence errors —
	// here a nil repository is simply skipped rather than erroring.
	Runs      *store.RunRepository
	Snapshots *store.TaskSnapshotRepository
	Attempts  *store.AttemptRepository
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
