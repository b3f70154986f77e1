package orchestrator

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/maratos-ai/orchestrator/pkg/taskgraph"
)

const (
	lintTimeout  = 60 * time.Second
	typeTimeout  = 120 * time.Second
	buildTimeout = 300 * time.Second
)

// checkQualityGate dispatches to the per-gate checker, mirroring
// _check_quality_gate's switch and its "unknown gate type, skip" default.
func (r *Run) checkQualityGate(ctx context.Context, node *taskgraph.Node, gate taskgraph.Gate, agentResponse string) (bool, string) {
	switch gate {
	case taskgraph.GateTestsPass:
		return r.runTestsGate(ctx, node)
	case taskgraph.GateReviewApproved:
		return r.runReviewGate(ctx, node, agentResponse)
	case taskgraph.GateLintClean:
		return r.runLintGate(ctx, node)
	case taskgraph.GateTypeCheck:
		return r.runTypeCheckGate(ctx, node)
	case taskgraph.GateBuildSuccess:
		return r.runBuildGate(ctx)
	default:
		return true, ""
	}
}

// runTestsGate delegates to the tester agent, matching _run_tests: absent
// a registered tester, the gate passes by default (spec §9 Open Question 1
// is about the ambiguous-response case below, not the no-tester case,
// which original_source also treats as an automatic pass).
func (r *Run) runTestsGate(ctx context.Context, node *taskgraph.Node) (bool, string) {
	tester, ok := r.deps.Agents.Get("tester")
	if !ok {
		return true, ""
	}

	files := "All relevant tests"
	if len(node.Spec.TargetFiles) > 0 {
		files = strings.Join(node.Spec.TargetFiles, ", ")
	}
	prompt := "Run tests for the following files/functionality:\n" + files +
		"\n\nWorkspace: " + r.Workspace + "\n\nReport any test failures with details."

	response, err := r.runAgentTurn(ctx, node.Spec.ID, tester, prompt)
	if err != nil {
		return false, err.Error()
	}
	return classifyTestResponse(response)
}

// classifyTestResponse mirrors _run_tests's keyword classification,
// preserving spec §9 Open Question 1's decision: an ambiguous response
// (neither success nor failure keywords present) is treated as a pass,
// exactly as original_source does, rather than erring toward caution.
func classifyTestResponse(response string) (bool, string) {
	lower := strings.ToLower(response)
	for _, kw := range []string{"all tests pass", "tests passed", "0 failed", "success"} {
		if strings.Contains(lower, kw) {
			return true, ""
		}
	}
	for _, kw := range []string{"failed", "error", "failure"} {
		if strings.Contains(lower, kw) {
			return false, truncate(response, 4000)
		}
	}
	return true, ""
}

// runReviewGate delegates to the reviewer agent, matching _run_review.
func (r *Run) runReviewGate(ctx context.Context, node *taskgraph.Node, agentResponse string) (bool, string) {
	reviewer, ok := r.deps.Agents.Get("reviewer")
	if !ok {
		return true, ""
	}

	files := "See implementation"
	if len(node.Spec.TargetFiles) > 0 {
		files = strings.Join(node.Spec.TargetFiles, ", ")
	}
	prompt := "Review this code implementation:\n\n## Task\n" + node.Spec.Title +
		"\n\n## Implementation\n" + truncate(agentResponse, 5000) +
		"\n\n## Files\n" + files +
		"\n\nProvide a verdict: APPROVED or CHANGES_REQUESTED with specific feedback."

	response, err := r.runAgentTurn(ctx, node.Spec.ID, reviewer, prompt)
	if err != nil {
		return false, err.Error()
	}
	lower := strings.ToLower(response)
	if strings.Contains(lower, "approved") && !strings.Contains(lower, "changes_requested") {
		return true, ""
	}
	return false, truncate(response, 1000)
}

func hasSuffixAny(name string, suffixes ...string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// runLintGate shells out to common per-language linters, matching
// _run_lint: a missing linter binary is not itself a failure.
func (r *Run) runLintGate(ctx context.Context, node *taskgraph.Node) (bool, string) {
	var pyFiles, jsFiles []string
	for _, f := range node.Spec.TargetFiles {
		switch {
		case strings.HasSuffix(f, ".py"):
			pyFiles = append(pyFiles, f)
		case hasSuffixAny(f, ".js", ".ts", ".tsx", ".jsx"):
			jsFiles = append(jsFiles, f)
		}
	}
	if len(pyFiles) == 0 && len(jsFiles) == 0 {
		return true, ""
	}

	var errs []string
	if len(pyFiles) > 0 {
		if out, ok := r.runToolCommand(ctx, lintTimeout, append([]string{"check"}, pyFiles...), "ruff"); !ok {
			errs = append(errs, out)
		}
	}
	if len(jsFiles) > 0 {
		if out, ok := r.runToolCommand(ctx, lintTimeout, jsFiles, "eslint"); !ok {
			errs = append(errs, out)
		}
	}
	if len(errs) > 0 {
		return false, truncate(strings.Join(errs, "\n"), 1000)
	}
	return true, ""
}

// runTypeCheckGate shells out to mypy/tsc, matching _run_type_check.
func (r *Run) runTypeCheckGate(ctx context.Context, node *taskgraph.Node) (bool, string) {
	var pyFiles, tsFiles []string
	for _, f := range node.Spec.TargetFiles {
		switch {
		case strings.HasSuffix(f, ".py"):
			pyFiles = append(pyFiles, f)
		case hasSuffixAny(f, ".ts", ".tsx"):
			tsFiles = append(tsFiles, f)
		}
	}

	var errs []string
	if len(pyFiles) > 0 {
		if out, ok := r.runToolCommand(ctx, typeTimeout, pyFiles, "mypy"); !ok {
			errs = append(errs, out)
		}
	}
	if len(tsFiles) > 0 {
		if out, ok := r.runToolCommand(ctx, typeTimeout, []string{"tsc", "--noEmit"}, "npx"); !ok {
			errs = append(errs, out)
		}
	}
	if len(errs) > 0 {
		return false, truncate(strings.Join(errs, "\n"), 4000)
	}
	return true, ""
}

// runBuildGate tries a fixed sequence of common build invocations, stopping
// at the first one that exists and reporting its result — matching
// _run_build: a missing command is skipped, not a failure.
func (r *Run) runBuildGate(ctx context.Context) (bool, string) {
	commands := [][]string{
		{"npm", "run", "build"},
		{"yarn", "build"},
		{"make"},
		{"python", "setup.py", "build"},
	}
	for _, cmd := range commands {
		out, ok, found := r.tryCommand(ctx, buildTimeout, cmd[0], cmd[1:]...)
		if !found {
			continue
		}
		if ok {
			return true, ""
		}
		return false, truncate(out, 4000)
	}
	return true, ""
}

// runToolCommand runs one external tool and reports (combinedOutput, passed).
// A missing binary is treated as a pass, matching the original's
// FileNotFoundError/TimeoutExpired swallow.
func (r *Run) runToolCommand(ctx context.Context, timeout time.Duration, args []string, name string) (string, bool) {
	out, ok, found := r.tryCommand(ctx, timeout, name, args...)
	if !found {
		return "", true
	}
	return out, ok
}

func (r *Run) tryCommand(ctx context.Context, timeout time.Duration, name string, args ...string) (output string, success bool, found bool) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, name, args...)
	cmd.Dir = r.Workspace
	out, err := cmd.CombinedOutput()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return string(out), false, true
		}
		if callCtx.Err() != nil {
			return string(out), false, true
		}
		// Binary not found or otherwise unable to run: treat as absent.
		return "", true, false
	}
	return string(out), true, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
