package toolcall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/maratos-ai/orchestrator/pkg/approval"
	"github.com/maratos-ai/orchestrator/pkg/budget"
	"github.com/maratos-ai/orchestrator/pkg/pathsec"
	"github.com/maratos-ai/orchestrator/pkg/policy"
	"github.com/maratos-ai/orchestrator/pkg/tool"
)

// maxOutputBytes is the fixed upper bound output is truncated to before
// being handed back to the agent, per spec §4.2 step 4.
const maxOutputBytes = 8192

// InvocationResult is the per-invocation outcome fed back to the agent.
type InvocationResult struct {
	Tool           string
	Success        bool
	Output         string
	Error          string
	Truncated      bool
	OriginalHash   string
	ParseErr       string
	RequiresApproval bool
	ApprovalID     string
}

// BatchOutcome is the result of one interpreter iteration.
type BatchOutcome struct {
	Results      []InvocationResult
	NeedsRepair  bool
	RepairPrompt string
	MaxIterations bool
}

// Dependencies bundles the collaborators the interpreter enforces through,
// matching the check-then-execute pattern of spec §4.3.
type Dependencies struct {
	Policy   policy.AgentPolicy
	Budget   *budget.Tracker
	Tools    *tool.Registry
	Approval *approval.Manager
	Audit    *pathsec.AuditSink
	PathValidator *pathsec.Validator

	AgentID      string
	SessionID    string
	TaskID       string
	PerCallTimeout time.Duration

	attemptedRepair bool
}

// NewDependencies builds a fresh per-message Dependencies set.
func NewDependencies(pol policy.AgentPolicy, bt *budget.Tracker, tools *tool.Registry, am *approval.Manager, audit *pathsec.AuditSink, pv *pathsec.Validator, agentID, sessionID, taskID string, perCallTimeout time.Duration) *Dependencies {
	return &Dependencies{
		Policy: pol, Budget: bt, Tools: tools, Approval: am, Audit: audit, PathValidator: pv,
		AgentID: agentID, SessionID: sessionID, TaskID: taskID, PerCallTimeout: perCallTimeout,
	}
}

// RunIteration executes one assistant turn's worth of tool invocations,
// following spec §4.2's per-iteration procedure exactly.
func (d *Dependencies) RunIteration(ctx context.Context, responseText string) BatchOutcome {
	if err := d.Budget.CheckToolLoop(); err != nil {
		return BatchOutcome{MaxIterations: true}
	}

	invocations := ParseBlocks(responseText)

	hasParseError := false
	for _, inv := range invocations {
		if inv.ParseErr != "" {
			hasParseError = true
			break
		}
	}

	if hasParseError && !d.attemptedRepair {
		d.attemptedRepair = true
		var bad Invocation
		for _, inv := range invocations {
			if inv.ParseErr != "" {
				bad = inv
				break
			}
		}
		return BatchOutcome{NeedsRepair: true, RepairPrompt: CreateRepairPrompt(bad)}
	}

	var results []InvocationResult
	aborted := false

	for _, inv := range invocations {
		if aborted {
			break
		}

		if inv.ParseErr != "" {
			results = append(results, InvocationResult{Tool: inv.Tool, Success: false, ParseErr: inv.ParseErr, Error: "could not parse tool invocation: " + inv.ParseErr})
			continue
		}

		res, stop := d.executeOne(ctx, inv)
		results = append(results, res)
		if stop {
			aborted = true
		}
	}

	return BatchOutcome{Results: results}
}

// executeOne runs steps 3a-3f of spec §4.2 for a single invocation.
// Returns stop=true if the remaining batch must be aborted (budget exceeded).
func (d *Dependencies) executeOne(ctx context.Context, inv Invocation) (InvocationResult, bool) {
	// 3a. allowlist
	if !d.Policy.IsToolAllowed(inv.Tool) {
		d.auditBlocked(inv, "policy_blocked")
		return InvocationResult{Tool: inv.Tool, Success: false, Error: fmt.Sprintf("tool %q not allowed for agent %q", inv.Tool, d.AgentID)}, false
	}

	// 3b. budget
	if err := d.Budget.CheckToolCall(); err != nil {
		d.auditBlocked(inv, "budget_exceeded")
		return InvocationResult{Tool: inv.Tool, Success: false, Error: err.Error()}, true // abort remaining batch
	}
	if inv.Tool == "shell" {
		if err := d.Budget.CheckShellCall(); err != nil {
			d.auditBlocked(inv, "budget_exceeded")
			return InvocationResult{Tool: inv.Tool, Success: false, Error: err.Error()}, true
		}
	}

	// 3c. filesystem jail
	if inv.Tool == "filesystem" {
		if action, _ := inv.Args["action"].(string); action == "write" || action == "delete" || action == "copy" {
			targetPath, _ := inv.Args["path"].(string)
			if action == "copy" {
				if dest, ok := inv.Args["dest"].(string); ok {
					targetPath = dest
				}
			}
			if !d.Policy.Filesystem.CanWrite(targetPath) {
				d.auditBlocked(inv, "sandbox_violation")
				return InvocationResult{Tool: inv.Tool, Success: false, Error: "write operations only allowed in workspace: " + d.Policy.Filesystem.WorkspacePath}, false
			}
			if d.PathValidator != nil {
				_, viol := d.PathValidator.Validate(targetPath, pathsec.Operation(action), true, d.AgentID, d.SessionID)
				if viol != nil {
					d.auditBlocked(inv, "sandbox_violation")
					return InvocationResult{Tool: inv.Tool, Success: false, Error: viol.Message}, false
				}
			}
		}
	}

	// 3d. diff-first approval
	approvalID := ""
	if d.Policy.DiffApproval.Enabled {
		requires, approvalResult := d.checkApproval(ctx, inv)
		if requires {
			if approvalResult != nil {
				return *approvalResult, false
			}
		}
	}

	// 3e. execute with per-call timeout
	timeout := d.PerCallTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := d.Tools.Execute(callCtx, inv.Tool, inv.Args)
	elapsed := time.Since(start)

	var invResult InvocationResult
	if err != nil {
		if callCtx.Err() != nil {
			invResult = InvocationResult{Tool: inv.Tool, Success: false, Error: "tool call timed out", ApprovalID: approvalID}
		} else {
			invResult = InvocationResult{Tool: inv.Tool, Success: false, Error: err.Error(), ApprovalID: approvalID}
		}
	} else {
		invResult = d.formatResult(inv.Tool, result, approvalID)
	}

	// 3f. budget bookkeeping + audit
	d.Budget.RecordToolCall(len(invResult.Output))
	if inv.Tool == "shell" && invResult.Success {
		d.Budget.RecordShellTime(elapsed.Seconds())
	}
	d.auditResult(inv, invResult)

	return invResult, false
}

func (d *Dependencies) checkApproval(ctx context.Context, inv Invocation) (bool, *InvocationResult) {
	dp := d.Policy.DiffApproval
	action, _ := inv.Args["action"].(string)
	needsApproval := false

	switch inv.Tool {
	case "filesystem":
		switch action {
		case "write":
			needsApproval = dp.RequireApprovalForWrites
		case "delete":
			needsApproval = dp.RequireApprovalForDeletes
		}
	case "shell":
		needsApproval = dp.RequireApprovalForShell
	}
	if !needsApproval {
		return false, nil
	}

	var pending *approval.PendingApproval
	path, _ := inv.Args["path"].(string)
	content, _ := inv.Args["content"].(string)
	switch {
	case inv.Tool == "filesystem" && action == "write":
		pending = d.Approval.CreateWriteApproval(d.SessionID, d.AgentID, d.TaskID, path, content, dp.ApprovalTimeout)
	case inv.Tool == "filesystem" && action == "delete":
		pending = d.Approval.CreateDeleteApproval(d.SessionID, d.AgentID, d.TaskID, path, dp.ApprovalTimeout)
	case inv.Tool == "shell":
		cmd, _ := inv.Args["command"].(string)
		pending = d.Approval.CreateShellApproval(d.SessionID, d.AgentID, d.TaskID, cmd, dp.ApprovalTimeout)
	default:
		return true, &InvocationResult{Tool: inv.Tool, Success: false, Error: "cannot create approval for this action"}
	}

	status := d.Approval.WaitForApproval(ctx, pending.ID)
	switch status {
	case approval.StatusApproved:
		return true, nil
	case approval.StatusRejected:
		return true, &InvocationResult{Tool: inv.Tool, Success: false, Error: "action rejected: " + pending.ApproverNote, ApprovalID: pending.ID}
	default: // expired, or anything else — fail closed
		return true, &InvocationResult{Tool: inv.Tool, Success: false, Error: "approval request expired", ApprovalID: pending.ID}
	}
}

// formatResult truncates output to maxOutputBytes, preserving the original
// content hash for audit, per spec §4.2 step 4.
func (d *Dependencies) formatResult(toolID string, result tool.Result, approvalID string) InvocationResult {
	out := InvocationResult{Tool: toolID, Success: result.Success, Error: result.Error, ApprovalID: approvalID}

	if len(result.Output) > maxOutputBytes {
		sum := sha256.Sum256([]byte(result.Output))
		out.OriginalHash = hex.EncodeToString(sum[:])
		out.Output = result.Output[:maxOutputBytes] + "\n...[truncated, original length " + fmt.Sprint(len(result.Output)) + " bytes]"
		out.Truncated = true
	} else {
		out.Output = result.Output
	}
	return out
}

func (d *Dependencies) auditBlocked(inv Invocation, reason string) {
	if d.Audit == nil {
		return
	}
	d.Audit.LogOperation(pathsec.AuditEntry{
		Operation: pathsec.Operation(inv.Tool), Path: fmt.Sprint(inv.Args["path"]),
		Success: false, Allowed: false, AgentID: d.AgentID, SessionID: d.SessionID, Error: reason,
	})
}

func (d *Dependencies) auditResult(inv Invocation, res InvocationResult) {
	if d.Audit == nil {
		return
	}
	d.Audit.LogOperation(pathsec.AuditEntry{
		Operation: pathsec.Operation(inv.Tool), Path: fmt.Sprint(inv.Args["path"]),
		Success: res.Success, Allowed: true, AgentID: d.AgentID, SessionID: d.SessionID, Error: res.Error,
	})
}

// ResetForMessage resets the per-message repair flag and budget counters,
// called at the start of each new agent turn.
func (d *Dependencies) ResetForMessage() {
	d.attemptedRepair = false
	d.Budget.ResetMessageCounters()
}

// FormatResultsForAgent renders the batch outcome as a tagged structured
// block for the agent's next turn, matching
// format_tool_results_for_llm's per-invocation status/output/error shape.
func FormatResultsForAgent(results []InvocationResult) string {
	var b strings.Builder
	b.WriteString("<tool_results>\n")
	for _, r := range results {
		status := "success"
		if !r.Success {
			status = "error"
		}
		fmt.Fprintf(&b, "- tool=%s status=%s\n", r.Tool, status)
		if r.Output != "" {
			fmt.Fprintf(&b, "  output: %s\n", r.Output)
		}
		if r.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", r.Error)
		}
	}
	b.WriteString("</tool_results>")
	return b.String()
}
