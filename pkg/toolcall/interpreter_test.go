package toolcall

import (
	"context"
	"testing"
	"time"

	"github.com/maratos-ai/orchestrator/pkg/approval"
	"github.com/maratos-ai/orchestrator/pkg/budget"
	"github.com/maratos-ai/orchestrator/pkg/config"
	"github.com/maratos-ai/orchestrator/pkg/pathsec"
	"github.com/maratos-ai/orchestrator/pkg/policy"
	"github.com/maratos-ai/orchestrator/pkg/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFilesystemTool struct{ writes map[string]string }

func (f *fakeFilesystemTool) ID() string { return "filesystem" }
func (f *fakeFilesystemTool) Execute(ctx context.Context, args map[string]any) (tool.Result, error) {
	action, _ := args["action"].(string)
	path, _ := args["path"].(string)
	if action == "write" {
		content, _ := args["content"].(string)
		f.writes[path] = content
		return tool.Result{Success: true, Output: "wrote " + path}, nil
	}
	return tool.Result{Success: true, Output: "ok"}, nil
}

func TestParseBlocks_PrimarySyntax(t *testing.T) {
	text := `I will write the file now.
<tool_call>{"tool":"filesystem","args":{"action":"write","path":"a.go","content":"x"}}</tool_call>
done.`
	invs := ParseBlocks(text)
	require.Len(t, invs, 1)
	assert.Equal(t, "filesystem", invs[0].Tool)
	assert.Empty(t, invs[0].ParseErr)
}

func TestParseBlocks_FencedFallback(t *testing.T) {
	text := "```tool\n{\"tool\":\"shell\",\"args\":{\"command\":\"ls\"}}\n```"
	invs := ParseBlocks(text)
	require.Len(t, invs, 1)
	assert.Equal(t, "shell", invs[0].Tool)
}

func TestParseBlocks_MalformedJSONRecordsParseError(t *testing.T) {
	text := `<tool_call>{"tool":"filesystem", "args": {bad json}</tool_call>`
	invs := ParseBlocks(text)
	require.Len(t, invs, 1)
	assert.NotEmpty(t, invs[0].ParseErr)
}

func TestScenario_PathTraversalBlocked(t *testing.T) {
	ws := t.TempDir()
	reg := policy.NewRegistry(ws, config.DefaultBudgetPolicy())
	pol := reg.ForAgent("coder")
	pol.DiffApproval.Enabled = false // isolate the jail behaviour

	tools := tool.NewRegistry()
	fsTool := &fakeFilesystemTool{writes: map[string]string{}}
	tools.Register(fsTool)

	audit := pathsec.NewAuditSink(nil)
	validator := pathsec.NewValidator([]string{ws}, ws, 10, audit)
	deps := NewDependencies(pol, budget.New(config.DefaultBudgetPolicy()), tools, approval.NewManager(), audit, validator, "coder", "sess-1", "task-1", 5*time.Second)

	text := `<tool_call>{"tool":"filesystem","args":{"action":"write","path":"../../etc/passwd","content":"x"}}</tool_call>`
	outcome := deps.RunIteration(context.Background(), text)

	require.Len(t, outcome.Results, 1)
	assert.False(t, outcome.Results[0].Success)
	assert.Contains(t, outcome.Results[0].Error, "workspace")
	assert.Empty(t, fsTool.writes)
}

func TestScenario_BudgetExceededMidBatch(t *testing.T) {
	ws := t.TempDir()
	reg := policy.NewRegistry(ws, config.DefaultBudgetPolicy())
	pol := reg.ForAgent("coder")
	pol.DiffApproval.Enabled = false

	tools := tool.NewRegistry()
	tools.Register(&fakeFilesystemTool{writes: map[string]string{}})

	budgetPolicy := config.DefaultBudgetPolicy()
	budgetPolicy.MaxToolCallsPerMessage = 2
	deps := NewDependencies(pol, budget.New(budgetPolicy), tools, approval.NewManager(), nil, nil, "coder", "sess-1", "task-1", 5*time.Second)

	text := `<tool_call>{"tool":"filesystem","args":{"action":"write","path":"a.go","content":"1"}}</tool_call>
<tool_call>{"tool":"filesystem","args":{"action":"write","path":"b.go","content":"2"}}</tool_call>
<tool_call>{"tool":"filesystem","args":{"action":"write","path":"c.go","content":"3"}}</tool_call>
<tool_call>{"tool":"filesystem","args":{"action":"write","path":"d.go","content":"4"}}</tool_call>`

	outcome := deps.RunIteration(context.Background(), text)
	require.Len(t, outcome.Results, 3, "third result is budget-exceeded, fourth is not executed")
	assert.True(t, outcome.Results[0].Success)
	assert.True(t, outcome.Results[1].Success)
	assert.False(t, outcome.Results[2].Success)
	assert.Contains(t, outcome.Results[2].Error, "ceiling exceeded")
}

func TestRepairPromptOnParseFailure(t *testing.T) {
	ws := t.TempDir()
	reg := policy.NewRegistry(ws, config.DefaultBudgetPolicy())
	pol := reg.ForAgent("coder")
	tools := tool.NewRegistry()
	deps := NewDependencies(pol, budget.New(config.DefaultBudgetPolicy()), tools, approval.NewManager(), nil, nil, "coder", "sess-1", "task-1", 5*time.Second)

	outcome := deps.RunIteration(context.Background(), `<tool_call>{"tool":"filesystem", bad}</tool_call>`)
	require.True(t, outcome.NeedsRepair)
	assert.Contains(t, outcome.RepairPrompt, "Decoder error")

	// second attempt in the same message must not re-trigger repair.
	outcome2 := deps.RunIteration(context.Background(), `<tool_call>{"tool":"filesystem", bad}</tool_call>`)
	assert.False(t, outcome2.NeedsRepair)
}
