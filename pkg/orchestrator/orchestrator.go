package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maratos-ai/orchestrator/pkg/agent"
	"github.com/maratos-ai/orchestrator/pkg/budget"
	"github.com/maratos-ai/orchestrator/pkg/config"
	"github.com/maratos-ai/orchestrator/pkg/eventstream"
	"github.com/maratos-ai/orchestrator/pkg/recovery"
	"github.com/maratos-ai/orchestrator/pkg/store"
	"github.com/maratos-ai/orchestrator/pkg/taskgraph"
	"github.com/maratos-ai/orchestrator/pkg/toolcall"
)

// Run is one autonomous development run: a goal, a workspace, a task graph
// once planning completes, and the mutable execution state
// (pause/cancel/iteration count) the teacher's SubAgentRunner and the
// source's Orchestrator both keep on their top-level struct.
type Run struct {
	ID        uuid.UUID
	Goal      string
	Workspace string
	Cfg       config.RunDefaults

	Graph       *taskgraph.Graph
	BranchName  string
	PRURL       string

	deps   *Deps
	sink   eventstream.Sink
	budget *budget.Tracker

	mu              sync.Mutex
	paused          bool
	cancelled       bool
	startedAt       time.Time
	totalIterations int
}

// NewRun constructs a run ready for Start; planning happens inside Start,
// so Graph is nil until then.
func NewRun(deps *Deps, goal, workspace string, cfg config.RunDefaults, sink eventstream.Sink) *Run {
	return &Run{
		ID:        uuid.New(),
		Goal:      goal,
		Workspace: workspace,
		Cfg:       cfg,
		deps:      deps,
		sink:      sink,
		budget:    budget.New(deps.Config.Budget),
	}
}

func (r *Run) emit(kind eventstream.Kind, taskID string, data map[string]any) {
	e := eventstream.New(kind, r.ID.String(), data)
	if taskID != "" {
		e = e.WithTask(taskID)
	}
	r.sink.Emit(e)
}

// Pause/Resume/Cancel are cooperative: the execution loop polls these
// flags between task dispatches, matching the source's pause()/resume()/
// cancel() plus its _run_execution_loop poll.
func (r *Run) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

func (r *Run) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

func (r *Run) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

func (r *Run) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *Run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Start runs the full lifecycle: planning, execution, finalization —
// translated from Orchestrator.start's three-phase try block, persisting
// run/task state as it goes rather than only at the end.
func (r *Run) Start(ctx context.Context) error {
	r.startedAt = time.Now()
	r.emit(eventstream.KindProjectStarted, "", map[string]any{"goal": r.Goal})

	if r.deps.Runs != nil {
		if _, err := r.deps.Runs.Create(ctx, r.ID, r.Goal, r.Workspace, r.Cfg.ParallelTasks, r.Cfg.MaxAttempts); err != nil {
			r.deps.logger().Error("failed to persist run creation", "error", err, "run_id", r.ID)
		}
	}

	if err := r.runPlanning(ctx); err != nil {
		return r.fail(ctx, err)
	}
	if r.isCancelled() {
		return nil
	}

	if r.Cfg.AutoCommit {
		if isRepo, _ := r.deps.Git.IsRepo(ctx); !isRepo {
			_, _ = r.deps.Git.Init(ctx)
		}
		r.BranchName = fmt.Sprintf("auto/%s-%s", r.ID.String()[:8], sanitizeBranchName(r.Goal))
		if _, err := r.deps.Git.CreateBranch(ctx, r.BranchName); err != nil {
			r.deps.logger().Warn("failed to create feature branch", "error", err)
		}
	}

	if err := r.runExecutionLoop(ctx); err != nil {
		return r.fail(ctx, err)
	}
	if r.isCancelled() {
		if r.deps.Runs != nil {
			_ = r.deps.Runs.Finish(ctx, r.ID, store.RunCancelled)
		}
		return nil
	}

	r.runFinalization(ctx)

	r.emit(eventstream.KindProjectCompleted, "", map[string]any{"pr_url": r.PRURL})
	if r.deps.Runs != nil {
		if err := r.deps.Runs.Finish(ctx, r.ID, store.RunCompleted); err != nil {
			r.deps.logger().Error("failed to persist run completion", "error", err)
		}
	}
	return nil
}

func (r *Run) fail(ctx context.Context, cause error) error {
	r.emit(eventstream.KindProjectFailed, "", map[string]any{"error": cause.Error()})
	if r.deps.Runs != nil {
		_ = r.deps.Runs.Finish(ctx, r.ID, store.RunFailed)
	}
	return cause
}

// runPlanning invokes the planner agent, parses its task breakdown, and
// builds the task graph — translated from _run_planning.
func (r *Run) runPlanning(ctx context.Context) error {
	r.emit(eventstream.KindPlanningStarted, "", nil)

	planner, ok := r.deps.Agents.Get("planner")
	if !ok {
		return fmt.Errorf("orchestrator: planner agent not registered")
	}

	prompt := buildPlanningPrompt(r.Goal, r.Workspace)
	response, err := r.runAgentTurn(ctx, "", planner, prompt)
	if err != nil {
		return fmt.Errorf("orchestrator: planning failed: %w", err)
	}

	specs := ParseTaskList(response, r.Goal)

	graph, err := taskgraph.Build(specs)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	r.Graph = graph

	for _, s := range specs {
		r.emit(eventstream.KindTaskCreated, s.ID, map[string]any{"title": s.Title, "agent_id": s.AgentID})
	}

	if r.deps.Snapshots != nil {
		if err := r.deps.Snapshots.SaveSpecs(ctx, r.ID, specs); err != nil {
			r.deps.logger().Error("failed to persist task specs", "error", err)
		}
	}

	r.emit(eventstream.KindPlanningComplete, "", map[string]any{"task_count": len(specs)})
	return nil
}

func buildPlanningPrompt(goal, workspace string) string {
	return "Analyze this development request and create a detailed task breakdown.\n\n" +
		"## Request\n" + goal + "\n\n## Workspace\n" + workspace + "\n\n" +
		"## Instructions\n" +
		"1. Break down the work into discrete tasks\n" +
		"2. Identify dependencies between tasks\n" +
		"3. For each task, specify a title, a detailed description, the agent type " +
		"that should handle it (coder, tester, reviewer, documenter, deployer), any " +
		"quality gates needed (tests-pass, review-approved, lint-clean, type-check, " +
		"build-success), dependencies on other tasks by index, and files that will be " +
		"created or modified\n\n" +
		"## Output Format\n" +
		"Return your analysis as a JSON array of tasks:\n" +
		"```json\n[\n  {\n    \"title\": \"Task title\",\n    \"description\": \"Detailed description\",\n" +
		"    \"agent_type\": \"coder\",\n    \"quality_gates\": [\"tests-pass\"],\n    \"depends_on\": [],\n" +
		"    \"target_files\": [\"path/to/file\"]\n  }\n]\n```\n\n" +
		"Be thorough but practical. Include testing and documentation tasks. Number " +
		"dependencies by their position in the array (0-indexed)."
}

// runExecutionLoop drives the ready-set polling loop, matching
// _run_execution_loop. The max-runtime stop condition is checked here at
// the run level, alongside cancellation and pause; max-total-iterations is
// checked per task attempt in runTaskWithFeedback.
func (r *Run) runExecutionLoop(ctx context.Context) error {
	for !r.Graph.IsComplete() {
		if r.isCancelled() {
			return nil
		}
		if r.isTimedOut() {
			return nil
		}

		for r.isPaused() {
			r.emit(eventstream.KindPaused, "", nil)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			if r.isCancelled() {
				return nil
			}
		}

		ready := r.Graph.ReadyTasks()
		if len(ready) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}

		parallel := r.Cfg.ParallelTasks
		if parallel <= 0 {
			parallel = 1
		}
		if len(ready) > parallel {
			ready = ready[:parallel]
		}

		for _, id := range ready {
			_ = r.Graph.MarkRunning(id)
		}
		r.runTasksParallel(ctx, ready)
	}
	return nil
}

func (r *Run) isTimedOut() bool {
	if r.startedAt.IsZero() || r.Cfg.MaxRuntime <= 0 {
		return false
	}
	return time.Since(r.startedAt) >= r.Cfg.MaxRuntime
}

// runTasksParallel fans a batch of ready tasks out across goroutines, each
// writing into its own per-task eventstream.ChannelSink, and drains them
// into the run's unified sink via an eventstream.Broker (one drain
// goroutine per sink), matching _run_tasks_parallel's
// asyncio.Queue-per-task fan-out.
func (r *Run) runTasksParallel(ctx context.Context, ids []string) {
	if len(ids) == 1 {
		r.runTaskWithFeedback(ctx, ids[0], eventstream.SinkFunc(func(e eventstream.Event) { r.sink.Emit(e) }))
		return
	}

	sinks := make([]*eventstream.ChannelSink, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		sinks[i] = eventstream.NewChannelSink(32)
		wg.Add(1)
		go func(id string, sink *eventstream.ChannelSink) {
			defer wg.Done()
			defer sink.Close()
			r.runTaskWithFeedback(ctx, id, sink)
		}(id, sinks[i])
	}

	broker := eventstream.NewBroker(eventstream.SinkFunc(func(e eventstream.Event) { r.sink.Emit(e) }))
	drained := make(chan struct{})
	go func() {
		broker.Drain(sinks)
		close(drained)
	}()

	wg.Wait()
	<-drained
}

// runTaskWithFeedback runs one task's attempt loop, checking quality gates
// after each attempt and feeding failures back as the next attempt's
// prompt, translated from _run_task_with_feedback. Unlike the source, an
// agent error is handed to pkg/recovery's classify/decide machinery
// (backoff, fallback agent, diagnosis); a quality-gate failure is retried
// immediately with the gate feedback as the next prompt.
func (r *Run) runTaskWithFeedback(ctx context.Context, taskID string, sink eventstream.Sink) {
	node, ok := r.Graph.Node(taskID)
	if !ok {
		return
	}

	maxAttempts := node.Spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.Cfg.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	agentID := node.Spec.AgentID
	ag, ok := r.deps.Agents.Get(agentID)
	if !ok {
		r.completeFailure(ctx, sink, taskID, "agent not found: "+agentID)
		return
	}

	emitTo := func(kind eventstream.Kind, data map[string]any) {
		e := eventstream.New(kind, r.ID.String(), data).WithTask(taskID)
		sink.Emit(e)
	}

	emitTo(eventstream.KindTaskStarted, map[string]any{"title": node.Spec.Title, "agent_id": agentID})

	feedback := ""
	overridePrompt := ""
	var lastResponse string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r.mu.Lock()
		r.totalIterations++
		exceeded := r.totalIterations > r.Cfg.MaxTotalIterations && r.Cfg.MaxTotalIterations > 0
		r.mu.Unlock()
		if exceeded {
			r.Graph.MarkFailed(taskID, "max total iterations exceeded")
			emitTo(eventstream.KindTaskFailed, map[string]any{"reason": "max total iterations exceeded"})
			return
		}

		prompt := overridePrompt
		if prompt == "" {
			prompt = buildTaskPrompt(node, r.Workspace, feedback)
		}
		overridePrompt = ""
		emitTo(eventstream.KindTaskProgress, map[string]any{"stage": "running_agent", "attempt": attempt, "agent_id": agentID})

		var attemptID int64
		if r.deps.Attempts != nil {
			if id, err := r.deps.Attempts.Start(ctx, r.ID, taskID, agentID, attempt); err == nil {
				attemptID = id
			}
		}

		response, err := r.runAgentTurn(ctx, taskID, ag, prompt)
		if err != nil {
			if r.deps.Attempts != nil && attemptID != 0 {
				_ = r.deps.Attempts.Finish(ctx, attemptID, "failed", err.Error())
			}
			var cont bool
			agentID, ag, overridePrompt, feedback, cont = r.recoverFromAgentError(
				ctx, taskID, node, agentID, ag, attempt, maxAttempts, err.Error(), lastResponse, emitTo)
			if !cont {
				break
			}
			continue
		}
		lastResponse = response

		emitTo(eventstream.KindTaskAgentOutput, map[string]any{"output": truncate(response, 2000)})
		emitTo(eventstream.KindTaskProgress, map[string]any{"stage": "checking_quality_gates"})

		allPassed := true
		for _, gate := range node.Spec.Gates {
			emitTo(eventstream.KindQualityGateCheck, map[string]any{"gate": string(gate)})
			passed, gateErr := r.checkQualityGate(ctx, node, gate, response)
			node.VerificationResults[gate] = passed
			if passed {
				emitTo(eventstream.KindQualityGatePassed, map[string]any{"gate": string(gate)})
				continue
			}
			allPassed = false
			emitTo(eventstream.KindQualityGateFailed, map[string]any{"gate": string(gate), "error": gateErr})
			feedback = buildGateFeedback(gate, gateErr)
			break
		}

		if r.deps.Attempts != nil && attemptID != 0 {
			_ = r.deps.Attempts.Finish(ctx, attemptID, statusFor(allPassed), "")
		}

		if allPassed {
			var commitSHA string
			if r.Cfg.AutoCommit {
				if sha, err := r.commitTask(ctx, node); err == nil && sha != "" {
					commitSHA = sha
					emitTo(eventstream.KindGitCommit, map[string]any{"sha": sha, "message": "feat: " + node.Spec.Title})
				}
			}
			r.Graph.MarkCompleted(taskID, response, node.Spec.TargetFiles)
			if r.deps.Snapshots != nil {
				_ = r.deps.Snapshots.SaveNodeState(ctx, r.ID, r.graphNodeSnapshot(taskID))
			}
			emitTo(eventstream.KindTaskCompleted, map[string]any{"attempt": attempt, "commit_sha": commitSHA})
			return
		}

		emitTo(eventstream.KindTaskFixing, map[string]any{"attempt": attempt, "feedback": truncate(feedback, 500)})
	}

	r.Graph.MarkFailed(taskID, fmt.Sprintf("failed after %d attempts", maxAttempts))
	if r.deps.Snapshots != nil {
		_ = r.deps.Snapshots.SaveNodeState(ctx, r.ID, r.graphNodeSnapshot(taskID))
	}
	emitTo(eventstream.KindTaskFailed, map[string]any{"reason": "max attempts exceeded", "attempts": maxAttempts, "last_response": truncate(lastResponse, 500)})
}

func statusFor(passed bool) string {
	if passed {
		return "completed"
	}
	return "failed"
}

func (r *Run) graphNodeSnapshot(taskID string) taskgraph.NodeSnapshot {
	node, _ := r.Graph.Node(taskID)
	return taskgraph.NodeSnapshot{
		ID: taskID, Status: node.Status, Attempt: node.Attempt,
		Result: node.Result, Error: node.Error, Artifacts: node.Artifacts,
	}
}

// recoverFromAgentError consults the recovery policy after an agent-level
// error (not a quality-gate failure) and carries out whatever it decides:
// sleep out the backoff on retry, swap in the fallback agent and its
// rewritten prompt on fallback-agent, or run a diagnostic pass against the
// reviewer on diagnose. It returns the agent/prompt/feedback to use on the
// next attempt and whether the loop should continue at all.
func (r *Run) recoverFromAgentError(
	ctx context.Context, taskID string, node *taskgraph.Node, agentID string, ag agent.Agent,
	attempt, maxAttempts int, errMsg, responseSoFar string, emitTo func(eventstream.Kind, map[string]any),
) (nextAgentID string, nextAgent agent.Agent, overridePrompt, feedback string, shouldContinue bool) {
	action := recovery.Decide(recovery.FailureContext{
		TaskID: node.Spec.ID, AgentID: agentID, TaskDescription: node.Spec.Description,
		ErrorMessage: errMsg, Attempt: attempt, MaxAttempts: maxAttempts, ResponseSoFar: responseSoFar,
	}, r.deps.Recovery)

	feedback = "Agent error: " + errMsg

	switch action.Strategy {
	case recovery.StrategyRetry:
		if action.DelaySeconds > 0 {
			select {
			case <-ctx.Done():
				return agentID, ag, "", feedback, false
			case <-time.After(time.Duration(action.DelaySeconds * float64(time.Second))):
			}
		}
		return agentID, ag, "", feedback, true

	case recovery.StrategyFallbackAgent:
		fallbackAg, ok := r.deps.Agents.Get(action.FallbackAgentID)
		if !ok {
			return agentID, ag, "", feedback, false
		}
		emitTo(eventstream.KindTaskProgress, map[string]any{
			"stage": "fallback_agent", "agent_id": action.FallbackAgentID, "reason": action.Reason,
		})
		return action.FallbackAgentID, fallbackAg, action.ModifiedPrompt, "", true

	case recovery.StrategyDiagnose:
		emitTo(eventstream.KindTaskProgress, map[string]any{"stage": "diagnosis", "reason": action.Reason})
		if diagAg, ok := r.deps.Agents.Get(action.FallbackAgentID); ok {
			if diagResp, dErr := r.runAgentTurn(ctx, taskID, diagAg, action.DiagnosticPrompt); dErr == nil {
				emitTo(eventstream.KindTaskAgentOutput, map[string]any{"output": truncate(diagResp, 2000), "source": "diagnosis"})
				feedback = "Diagnostic analysis:\n" + truncate(diagResp, 1000)
			}
		}
		return agentID, ag, "", feedback, false

	default: // StrategyAbort
		return agentID, ag, "", feedback, false
	}
}

func buildTaskPrompt(node *taskgraph.Node, workspace, feedback string) string {
	files := "Determine appropriate files"
	if len(node.Spec.TargetFiles) > 0 {
		files = strings.Join(node.Spec.TargetFiles, ", ")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Task\n%s\n\n## Description\n%s\n\n## Workspace\n%s\n\n## Target Files\n%s\n",
		node.Spec.Title, node.Spec.Description, workspace, files)
	if feedback != "" {
		fmt.Fprintf(&b, "\n## Previous Attempt Feedback\nThe previous attempt failed quality checks. Here's what needs to be fixed:\n%s\n\nPlease address these issues in your implementation.\n", feedback)
	}
	b.WriteString("\n## Instructions\n1. Implement the task according to the description\n2. Ensure code is clean and follows best practices\n3. Include appropriate error handling\n4. Add comments where helpful\n\nProceed with the implementation.\n")
	return b.String()
}

func buildGateFeedback(gate taskgraph.Gate, errMsg string) string {
	switch gate {
	case taskgraph.GateTestsPass:
		return "Tests failed. Please fix the following issues:\n\n" + errMsg +
			"\n\nMake sure to fix any failing tests, update tests if behavior changed intentionally, and add missing test cases."
	case taskgraph.GateReviewApproved:
		return "Code review requested changes:\n\n" + errMsg + "\n\nPlease address the reviewer's feedback and update your implementation."
	case taskgraph.GateLintClean:
		return "Linter errors found:\n\n" + errMsg + "\n\nPlease fix the linting issues and ensure code style compliance."
	case taskgraph.GateTypeCheck:
		return "Type checking errors:\n\n" + errMsg + "\n\nPlease fix the type errors and ensure proper type annotations."
	case taskgraph.GateBuildSuccess:
		return "Build failed:\n\n" + errMsg + "\n\nPlease fix the build errors."
	default:
		return "Quality check failed: " + errMsg
	}
}

func (r *Run) completeFailure(ctx context.Context, sink eventstream.Sink, taskID, reason string) {
	r.Graph.MarkFailed(taskID, reason)
	e := eventstream.New(eventstream.KindTaskFailed, r.ID.String(), map[string]any{"reason": reason}).WithTask(taskID)
	sink.Emit(e)
}

// commitTask stages and commits a completed task's changes, matching
// _commit_task: a clean tree (no changes) commits nothing and returns "".
func (r *Run) commitTask(ctx context.Context, node *taskgraph.Node) (string, error) {
	status, err := r.deps.Git.Status(ctx)
	if err != nil {
		return "", err
	}
	if !status.HasChanges {
		return "", nil
	}
	if _, err := r.deps.Git.Add(ctx); err != nil {
		return "", err
	}
	message := fmt.Sprintf("feat: %s\n\nTask ID: %s\nAgent: %s", node.Spec.Title, node.Spec.ID, node.Spec.AgentID)
	result, err := r.deps.Git.Commit(ctx, message)
	if err != nil || !result.Success {
		return "", nil
	}
	return r.deps.Git.LastCommitRef(ctx)
}

// runFinalization pushes the feature branch and opens a pull request when
// configured, matching _run_finalization; both steps are best-effort and
// never fail the run.
func (r *Run) runFinalization(ctx context.Context) {
	if r.Cfg.PushToRemote {
		if hasRemote, _ := r.deps.Git.HasRemote(ctx); hasRemote {
			if result, err := r.deps.Git.Push(ctx, r.BranchName, true); err == nil && result.Success {
				r.emit(eventstream.KindGitPush, "", map[string]any{"branch": r.BranchName})
			}
		}
	}

	if r.Cfg.CreatePR && r.BranchName != "" && r.deps.Forge != nil {
		result, err := r.deps.Forge.CreatePullRequest(ctx, "[Auto] "+r.Goal, r.generatePRBody(), r.Cfg.PRBaseBranch, r.BranchName)
		if err == nil && result.Success {
			r.PRURL = result.URL
			r.emit(eventstream.KindGitPRCreated, "", map[string]any{"url": result.URL, "number": result.Number})
		}
	}
}

// generatePRBody mirrors _generate_pr_body's completed/failed task summary.
func (r *Run) generatePRBody() string {
	var completed, failed []string
	for _, id := range r.Graph.AllIDs() {
		node, _ := r.Graph.Node(id)
		switch node.Status {
		case taskgraph.StatusCompleted:
			completed = append(completed, node.Spec.Title)
		case taskgraph.StatusFailed:
			failed = append(failed, node.Spec.Title+": "+node.Error)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Summary\nAuto-generated PR for: %s\n\n### Original Request\n%s\n\n### Tasks Completed (%d)\n",
		r.Goal, truncate(r.Goal, 500), len(completed))
	for _, t := range completed {
		fmt.Fprintf(&b, "- [x] %s\n", t)
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "\n### Tasks Failed (%d)\n", len(failed))
		for _, t := range failed {
			fmt.Fprintf(&b, "- [ ] %s\n", t)
		}
	}
	completedCount, total := r.Graph.Progress()
	fmt.Fprintf(&b, "\n### Statistics\n- Total iterations: %d\n- Tasks completed: %d/%d\n\n---\nGenerated by the orchestrator's autonomous development run.\n",
		r.totalIterations, completedCount, total)
	return b.String()
}

var branchSanitizer = regexp.MustCompile(`[^a-z0-9-]`)
var branchDashes = regexp.MustCompile(`-+`)

func sanitizeBranchName(name string) string {
	s := branchSanitizer.ReplaceAllString(strings.ToLower(name), "-")
	s = branchDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 30 {
		s = s[:30]
	}
	return s
}

// runAgentTurn drives one agent conversation to completion: it calls the
// agent, hands any tool invocations in its response to the toolcall
// interpreter, feeds results back, and repeats until the agent responds
// with no further tool calls or the per-message tool-loop ceiling is
// reached — the engine's use of pkg/toolcall in place of
// original_source's bare agent.chat() call, since Anthropic tool-use
// blocks are not used here (see pkg/llmclient's doc comment).
func (r *Run) runAgentTurn(ctx context.Context, taskID string, ag agent.Agent, prompt string) (string, error) {
	policyReg := r.deps.Policies.ForAgent(ag.ID())
	interp := toolcall.NewDependencies(policyReg, r.budget, r.deps.Tools, r.deps.Approval, r.deps.Audit, r.deps.Paths,
		ag.ID(), r.ID.String(), taskID, r.deps.Config.PerCallTimeout)
	interp.ResetForMessage()

	messages := []agent.Message{{Role: agent.RoleUser, Content: prompt}}
	agentCtx := agent.Context{Workspace: r.Workspace, TaskID: taskID}

	var finalText string
	for {
		text, err := chatOnce(ctx, ag, messages, agentCtx)
		if err != nil {
			return "", err
		}

		outcome := interp.RunIteration(ctx, text)
		if outcome.MaxIterations {
			return text, nil
		}
		if outcome.NeedsRepair {
			messages = append(messages,
				agent.Message{Role: agent.RoleAssistant, Content: text},
				agent.Message{Role: agent.RoleUser, Content: outcome.RepairPrompt})
			continue
		}
		if len(outcome.Results) == 0 {
			finalText = text
			break
		}

		messages = append(messages,
			agent.Message{Role: agent.RoleAssistant, Content: text},
			agent.Message{Role: agent.RoleUser, Content: toolcall.FormatResultsForAgent(outcome.Results)})
	}

	return finalText, nil
}

// chatOnce drains one agent.Chat call into a single string, filtering out
// thinking chunks, matching the "skip __THINKING-prefixed chunks" rule
// preserved from original_source's _run_agent.
func chatOnce(ctx context.Context, ag agent.Agent, messages []agent.Message, agentCtx agent.Context) (string, error) {
	chunks, errs := ag.Chat(ctx, messages, agentCtx, agent.Overrides{})
	var b strings.Builder
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if !c.IsThinking && !strings.HasPrefix(c.Text, agent.ThinkingMarker) {
				b.WriteString(c.Text)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return b.String(), err
			}
		case <-ctx.Done():
			return b.String(), ctx.Err()
		}
	}
	return b.String(), nil
}
