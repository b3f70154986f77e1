package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maratos-ai/orchestrator/pkg/agent"
	"github.com/maratos-ai/orchestrator/pkg/approval"
	"github.com/maratos-ai/orchestrator/pkg/config"
	"github.com/maratos-ai/orchestrator/pkg/eventstream"
	"github.com/maratos-ai/orchestrator/pkg/gitsubsystem"
	"github.com/maratos-ai/orchestrator/pkg/pathsec"
	"github.com/maratos-ai/orchestrator/pkg/policy"
	"github.com/maratos-ai/orchestrator/pkg/recovery"
	"github.com/maratos-ai/orchestrator/pkg/taskgraph"
	"github.com/maratos-ai/orchestrator/pkg/tool"
)

// scriptedAgent replays a fixed queue of responses per call, regardless of
// the prompt; it exists purely to drive the engine deterministically.
type scriptedAgent struct {
	id        string
	responses []string
	calls     int
}

func (a *scriptedAgent) ID() string { return a.id }

func (a *scriptedAgent) Chat(ctx context.Context, messages []agent.Message, agentCtx agent.Context, overrides agent.Overrides) (<-chan agent.Chunk, <-chan error) {
	chunks := make(chan agent.Chunk, 1)
	errs := make(chan error, 1)

	resp := ""
	if a.calls < len(a.responses) {
		resp = a.responses[a.calls]
	} else if len(a.responses) > 0 {
		resp = a.responses[len(a.responses)-1]
	}
	a.calls++

	chunks <- agent.Chunk{Text: resp}
	close(chunks)
	close(errs)
	return chunks, errs
}

// erroringThenOKAgent fails with a fixed error message on its first
// failCount calls, then succeeds; it exists to drive recovery.Decide down
// the fallback-agent/diagnose branches rather than the plain-retry one.
type erroringThenOKAgent struct {
	id        string
	failCount int
	errMsg    string
	okResp    string
	calls     int
}

func (a *erroringThenOKAgent) ID() string { return a.id }

func (a *erroringThenOKAgent) Chat(ctx context.Context, messages []agent.Message, agentCtx agent.Context, overrides agent.Overrides) (<-chan agent.Chunk, <-chan error) {
	chunks := make(chan agent.Chunk, 1)
	errs := make(chan error, 1)
	a.calls++
	if a.calls <= a.failCount {
		errs <- errors.New(a.errMsg)
		close(chunks)
		close(errs)
		return chunks, errs
	}
	chunks <- agent.Chunk{Text: a.okResp}
	close(chunks)
	close(errs)
	return chunks, errs
}

// fakeGit is an in-memory stand-in for gitsubsystem.Git so tests never shell
// out to the real git binary.
type fakeGit struct {
	isRepo     bool
	hasChanges bool
	hasRemote  bool
	commits    int
}

func (g *fakeGit) Init(ctx context.Context) (gitsubsystem.Result, error) {
	g.isRepo = true
	return gitsubsystem.Result{Success: true}, nil
}
func (g *fakeGit) IsRepo(ctx context.Context) (bool, error) { return g.isRepo, nil }
func (g *fakeGit) CreateBranch(ctx context.Context, name string) (gitsubsystem.Result, error) {
	return gitsubsystem.Result{Success: true}, nil
}
func (g *fakeGit) Status(ctx context.Context) (gitsubsystem.Status, error) {
	if !g.hasChanges {
		return gitsubsystem.Status{}, nil
	}
	return gitsubsystem.Status{HasChanges: true, Unstaged: []string{"main.go"}}, nil
}
func (g *fakeGit) Add(ctx context.Context, paths ...string) (gitsubsystem.Result, error) {
	return gitsubsystem.Result{Success: true}, nil
}
func (g *fakeGit) Commit(ctx context.Context, message string) (gitsubsystem.Result, error) {
	g.commits++
	return gitsubsystem.Result{Success: true}, nil
}
func (g *fakeGit) LastCommitRef(ctx context.Context) (string, error) { return "deadbeef", nil }
func (g *fakeGit) HasRemote(ctx context.Context) (bool, error)       { return g.hasRemote, nil }
func (g *fakeGit) Push(ctx context.Context, branch string, setUpstream bool) (gitsubsystem.Result, error) {
	return gitsubsystem.Result{Success: true}, nil
}

func testDeps(t *testing.T, workspace string, agents AgentRegistry, git gitsubsystem.Git) *Deps {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	return &Deps{
		Config:   cfg,
		Agents:   agents,
		Tools:    tool.NewRegistry(),
		Policies: policy.NewRegistry(workspace, cfg.Budget),
		Approval: approval.NewManager(),
		Audit:    pathsec.NewAuditSink(nil),
		Paths:    pathsec.NewValidator([]string{workspace}, workspace, cfg.MaxSymlinkDepth, pathsec.NewAuditSink(nil)),
		Git:      git,
		Forge:    gitsubsystem.NoopForgeClient{},
		Recovery: recovery.DefaultPolicy(),
	}
}

const planOneTask = "```json\n[{\"title\": \"Implement feature\", \"description\": \"do the thing\", \"agent_type\": \"coder\", \"quality_gates\": []}]\n```"

func TestRun_CompletesSingleTaskWithNoGates(t *testing.T) {
	agents := AgentRegistry{
		"planner": &scriptedAgent{id: "planner", responses: []string{planOneTask}},
		"coder":   &scriptedAgent{id: "coder", responses: []string{"implemented the feature"}},
	}
	git := &fakeGit{hasChanges: true}
	workspace := t.TempDir()
	deps := testDeps(t, workspace, agents, git)

	var events []eventstream.Event
	sink := eventstream.SinkFunc(func(e eventstream.Event) { events = append(events, e) })

	run := NewRun(deps, "build a feature", workspace, deps.Config.Run, sink)

	err := run.Start(context.Background())
	require.NoError(t, err)

	require.NotNil(t, run.Graph)
	completed, total := run.Graph.Progress()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, git.commits)

	var sawCompleted bool
	for _, e := range events {
		if e.Kind == eventstream.KindProjectCompleted {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted)
}

func TestRun_RetriesFailingGateThenSucceeds(t *testing.T) {
	planWithGate := "```json\n[{\"title\": \"t\", \"description\": \"d\", \"agent_type\": \"coder\", \"quality_gates\": [\"tests_pass\"]}]\n```"
	agents := AgentRegistry{
		"planner": &scriptedAgent{id: "planner", responses: []string{planWithGate}},
		"coder":   &scriptedAgent{id: "coder", responses: []string{"first attempt"}},
		"tester":  &scriptedAgent{id: "tester", responses: []string{"tests failed: assertion error", "all tests pass"}},
	}
	git := &fakeGit{hasChanges: true}
	workspace := t.TempDir()
	deps := testDeps(t, workspace, agents, git)
	deps.Config.Run.MaxAttempts = 3

	sink := eventstream.SinkFunc(func(e eventstream.Event) {})
	run := NewRun(deps, "build a feature", workspace, deps.Config.Run, sink)

	err := run.Start(context.Background())
	require.NoError(t, err)

	completed, total := run.Graph.Progress()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, completed)
}

func TestRun_FailsTaskAfterMaxAttemptsExhausted(t *testing.T) {
	planWithGate := "```json\n[{\"title\": \"t\", \"description\": \"d\", \"agent_type\": \"coder\", \"quality_gates\": [\"tests_pass\"]}]\n```"
	agents := AgentRegistry{
		"planner": &scriptedAgent{id: "planner", responses: []string{planWithGate}},
		"coder":   &scriptedAgent{id: "coder", responses: []string{"broken attempt"}},
		"tester":  &scriptedAgent{id: "tester", responses: []string{"tests failed: nope"}},
	}
	git := &fakeGit{hasChanges: true}
	workspace := t.TempDir()
	deps := testDeps(t, workspace, agents, git)
	deps.Config.Run.MaxAttempts = 2

	sink := eventstream.SinkFunc(func(e eventstream.Event) {})
	run := NewRun(deps, "build a feature", workspace, deps.Config.Run, sink)

	err := run.Start(context.Background())
	require.NoError(t, err)

	require.True(t, run.Graph.HasFailures())
	var node *taskgraph.Node
	for _, id := range run.Graph.AllIDs() {
		node, _ = run.Graph.Node(id)
	}
	assert.Equal(t, taskgraph.StatusFailed, node.Status)
}

func TestRun_CancelBeforeStartStopsExecutionLoop(t *testing.T) {
	agents := AgentRegistry{
		"planner": &scriptedAgent{id: "planner", responses: []string{planOneTask}},
		"coder":   &scriptedAgent{id: "coder", responses: []string{"noop"}},
	}
	git := &fakeGit{}
	workspace := t.TempDir()
	deps := testDeps(t, workspace, agents, git)

	sink := eventstream.SinkFunc(func(e eventstream.Event) {})
	run := NewRun(deps, "build a feature", workspace, deps.Config.Run, sink)
	run.Cancel()

	err := run.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, run.isCancelled())
}

func TestRun_FallsBackToAnotherAgentAfterMaxRetries(t *testing.T) {
	planNoGates := "```json\n[{\"title\": \"t\", \"description\": \"d\", \"agent_type\": \"coder\", \"quality_gates\": []}]\n```"
	agents := AgentRegistry{
		"planner":  &scriptedAgent{id: "planner", responses: []string{planNoGates}},
		"coder":    &erroringThenOKAgent{id: "coder", failCount: 3, errMsg: "request timed out"},
		"reviewer": &scriptedAgent{id: "reviewer", responses: []string{"fixed via fallback"}},
	}
	git := &fakeGit{hasChanges: true}
	workspace := t.TempDir()
	deps := testDeps(t, workspace, agents, git)
	deps.Config.Run.MaxAttempts = 5

	var events []eventstream.Event
	sink := eventstream.SinkFunc(func(e eventstream.Event) { events = append(events, e) })
	run := NewRun(deps, "build a feature", workspace, deps.Config.Run, sink)

	err := run.Start(context.Background())
	require.NoError(t, err)

	completed, total := run.Graph.Progress()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, completed)

	var sawFallback bool
	for _, e := range events {
		if e.Kind == eventstream.KindTaskProgress && e.Data["stage"] == "fallback_agent" {
			sawFallback = true
			assert.Equal(t, "reviewer", e.Data["agent_id"])
		}
	}
	assert.True(t, sawFallback, "expected a fallback_agent progress event")
}

func TestRun_RunsDiagnosticPassWhenNoFallbackConfigured(t *testing.T) {
	planNoGates := "```json\n[{\"title\": \"t\", \"description\": \"d\", \"agent_type\": \"documenter-variant-with-no-mapping\", \"quality_gates\": []}]\n```"
	const unmappedAgentID = "documenter-variant-with-no-mapping"
	agents := AgentRegistry{
		"planner":          &scriptedAgent{id: "planner", responses: []string{planNoGates}},
		unmappedAgentID:    &erroringThenOKAgent{id: unmappedAgentID, failCount: 99, errMsg: "connection reset"},
		"reviewer":         &scriptedAgent{id: "reviewer", responses: []string{"root cause: flaky network"}},
	}
	git := &fakeGit{hasChanges: true}
	workspace := t.TempDir()
	deps := testDeps(t, workspace, agents, git)
	deps.Config.Run.MaxAttempts = 3

	var events []eventstream.Event
	sink := eventstream.SinkFunc(func(e eventstream.Event) { events = append(events, e) })
	run := NewRun(deps, "build a feature", workspace, deps.Config.Run, sink)

	err := run.Start(context.Background())
	require.NoError(t, err)

	require.True(t, run.Graph.HasFailures())

	var sawDiagnosis, sawDiagnosisOutput bool
	for _, e := range events {
		if e.Kind == eventstream.KindTaskProgress && e.Data["stage"] == "diagnosis" {
			sawDiagnosis = true
		}
		if e.Kind == eventstream.KindTaskAgentOutput && e.Data["source"] == "diagnosis" {
			sawDiagnosisOutput = true
			assert.Equal(t, "root cause: flaky network", e.Data["output"])
		}
	}
	assert.True(t, sawDiagnosis, "expected a diagnosis progress event")
	assert.True(t, sawDiagnosisOutput, "expected the diagnostic agent's output to be emitted")
}

func TestSanitizeBranchName(t *testing.T) {
	assert.Equal(t, "add-login-page", sanitizeBranchName("Add Login Page!!!"))
	assert.Equal(t, "x", sanitizeBranchName("x"))
}
