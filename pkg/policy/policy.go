// Package policy resolves an agent id to its allowed tools, filesystem
// write policy, budget policy, and diff-approval rules. Grounded on
// original_source/backend/app/guardrails/enforcer.py (for_agent,
// for_skill, default, _DEFAULT_RESTRICTIVE_POLICY) and tarsy's
// pkg/config static-registry style (agent.go/registry_test.go).
package policy

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/maratos-ai/orchestrator/pkg/config"
)

// FilesystemPolicy controls read/write scope for an agent.
type FilesystemPolicy struct {
	ReadPaths      []string // "*" means unrestricted read
	WritePaths     []string
	WriteAllowed   bool
	WorkspaceOnly  bool
	WorkspacePath  string
}

// CanWrite mirrors FilesystemPolicy.can_write: disallowed entirely if
// WriteAllowed is false; otherwise the target must fall under one of
// WritePaths (workspace-relative prefix check, separator-aware).
func (f FilesystemPolicy) CanWrite(targetPath string) bool {
	if !f.WriteAllowed {
		return false
	}
	if len(f.WritePaths) == 0 {
		return false
	}
	// Relative paths are always agent-workspace-relative, never relative to
	// this process's own working directory.
	abs := targetPath
	if !filepath.IsAbs(abs) {
		base := f.WorkspacePath
		if base == "" {
			base = "."
		}
		abs = filepath.Join(base, abs)
	}
	abs = filepath.Clean(abs)
	for _, wp := range f.WritePaths {
		if wp == "*" {
			return true
		}
		wpAbs, err := filepath.Abs(wp)
		if err != nil {
			continue
		}
		if abs == wpAbs || strings.HasPrefix(abs, wpAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// DiffApprovalPolicy controls which action kinds require approval.
type DiffApprovalPolicy struct {
	Enabled                  bool
	RequireApprovalForWrites bool
	RequireApprovalForDeletes bool
	RequireApprovalForShell  bool
	ApprovalTimeout          time.Duration
	// ProtectedGlobs, if set, restricts "requires approval for writes" to
	// paths matching one of these globs; empty means every write.
	ProtectedGlobs []string
}

// RequiresApproval mirrors diff_policy.requires_approval("write", path).
func (d DiffApprovalPolicy) RequiresApproval(action, path string) bool {
	if action != "write" {
		return true
	}
	if len(d.ProtectedGlobs) == 0 {
		return true
	}
	for _, g := range d.ProtectedGlobs {
		if ok, _ := filepath.Match(g, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}

// AgentPolicy is the full resolved policy for one agent id.
type AgentPolicy struct {
	AgentID      string
	Description  string
	AllowedTools []string
	Filesystem   FilesystemPolicy
	Budget       config.BudgetPolicy
	DiffApproval DiffApprovalPolicy
}

// IsToolAllowed mirrors AgentPolicy.is_tool_allowed.
func (p AgentPolicy) IsToolAllowed(toolID string) bool {
	for _, t := range p.AllowedTools {
		if t == toolID {
			return true
		}
	}
	return false
}

// defaultRestrictivePolicy mirrors _DEFAULT_RESTRICTIVE_POLICY: read-only
// filesystem, no shell, no network, used for unknown agent ids and for the
// no-agent-specified path (original_source supplement #4).
func defaultRestrictivePolicy() AgentPolicy {
	return AgentPolicy{
		AgentID:      "__default__",
		Description:  "Default restrictive policy for unspecified agents",
		AllowedTools: []string{"filesystem"},
		Filesystem: FilesystemPolicy{
			ReadPaths:    []string{"*"},
			WriteAllowed: false,
		},
		Budget: config.DefaultBudgetPolicy(),
	}
}

// Registry maps agent ids to policies, matching the orchestrator's
// built-in agent roster (planner, coder/implementer, reviewer, tester,
// deployer, documenter).
type Registry struct {
	policies      map[string]AgentPolicy
	defaultPolicy AgentPolicy
}

// NewRegistry builds the standard registry for the six named agent roles
// (spec §1), each scoped to the tools its role plausibly needs.
func NewRegistry(workspace string, budget config.BudgetPolicy) *Registry {
	r := &Registry{policies: map[string]AgentPolicy{}, defaultPolicy: defaultRestrictivePolicy()}

	rw := FilesystemPolicy{
		ReadPaths:     []string{"*"},
		WritePaths:    []string{workspace},
		WriteAllowed:  true,
		WorkspaceOnly: true,
		WorkspacePath: workspace,
	}
	ro := FilesystemPolicy{ReadPaths: []string{"*"}, WriteAllowed: false}

	r.policies["planner"] = AgentPolicy{
		AgentID: "planner", AllowedTools: []string{"filesystem"}, Filesystem: ro, Budget: budget,
	}
	r.policies["coder"] = AgentPolicy{
		AgentID: "coder", AllowedTools: []string{"filesystem", "shell"}, Filesystem: rw, Budget: budget,
		DiffApproval: DiffApprovalPolicy{Enabled: true, RequireApprovalForWrites: true, RequireApprovalForDeletes: true, ApprovalTimeout: 2 * time.Minute},
	}
	r.policies["reviewer"] = AgentPolicy{
		AgentID: "reviewer", AllowedTools: []string{"filesystem"}, Filesystem: ro, Budget: budget,
	}
	r.policies["tester"] = AgentPolicy{
		AgentID: "tester", AllowedTools: []string{"filesystem", "shell"}, Filesystem: ro, Budget: budget,
	}
	r.policies["deployer"] = AgentPolicy{
		AgentID: "deployer", AllowedTools: []string{"filesystem", "shell"}, Filesystem: rw, Budget: budget,
		DiffApproval: DiffApprovalPolicy{Enabled: true, RequireApprovalForShell: true, ApprovalTimeout: 2 * time.Minute},
	}
	r.policies["documenter"] = AgentPolicy{
		AgentID: "documenter", AllowedTools: []string{"filesystem"}, Filesystem: rw, Budget: budget,
	}
	return r
}

// ForAgent resolves an agent id to its policy; unknown agents receive the
// default-deny policy, matching spec §4.3.
func (r *Registry) ForAgent(agentID string) AgentPolicy {
	if p, ok := r.policies[agentID]; ok {
		return p
	}
	return r.defaultPolicy
}

// ForSkill builds a restricted policy for a one-off skill invocation,
// preserved from original_source supplement #3: kiro/shell/filesystem
// only, a 10-loop tool-loop ceiling per message (other budget ceilings at
// their defaults), no diff approval.
func (r *Registry) ForSkill(skillID, workdir string) AgentPolicy {
	budget := config.DefaultBudgetPolicy()
	budget.MaxToolLoopsPerMessage = 10
	budget.MaxToolCallsPerMessage = 30
	budget.MaxShellSecondsSession = 300

	if workdir == "" {
		workdir = "~/orchestrator-workspace"
	}
	return AgentPolicy{
		AgentID:      "skill:" + skillID,
		Description:  "Skill execution policy for " + skillID,
		AllowedTools: []string{"kiro", "shell", "filesystem"},
		Filesystem: FilesystemPolicy{
			ReadPaths:     []string{"*"},
			WritePaths:    []string{workdir},
			WriteAllowed:  true,
			WorkspaceOnly: true,
			WorkspacePath: workdir,
		},
		Budget: budget,
	}
}

// Default returns the no-agent-specified restrictive policy (supplement #4).
func (r *Registry) Default() AgentPolicy { return r.defaultPolicy }
