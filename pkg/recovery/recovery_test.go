package recovery

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_KnownPatterns(t *testing.T) {
	cases := []struct {
		text     string
		wantKind Kind
		wantStrategy Strategy
	}{
		{"Request timed out after 30s", KindTimeout, StrategyRetry},
		{"HTTP 429 Too Many Requests", KindAPIRateLimit, StrategyRetry},
		{"connection reset by peer", KindAPINetwork, StrategyRetry},
		{"out of memory", KindMemory, StrategyRetry},
		{"File Not Found: foo.go", KindToolMissingFile, StrategyDiagnose},
		{"Permission denied writing to /etc", KindToolPermission, StrategyDiagnose},
		{"Syntax error on line 4", KindAgentSyntax, StrategyFallbackAgent},
		{"3 tests failed in suite", KindAgentTestFail, StrategyFallbackAgent},
		{"something bizarre happened", KindUnknown, StrategyRetry},
	}
	for _, c := range cases {
		kind, strategy := Classify(c.text)
		assert.Equal(t, c.wantKind, kind, c.text)
		assert.Equal(t, c.wantStrategy, strategy, c.text)
	}
}

func TestBackoff_ExponentialWithCap(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 2.0, p.Backoff(1))
	assert.Equal(t, 4.0, p.Backoff(2))
	assert.Equal(t, 8.0, p.Backoff(3))
	assert.Equal(t, math.Min(16.0, 30.0), p.Backoff(4))
	// far beyond max_retries, still capped rather than unbounded
	assert.Equal(t, 30.0, p.Backoff(10))
}

func TestDecide_RetriesBeforeExhaustion(t *testing.T) {
	p := DefaultPolicy()
	f := FailureContext{AgentID: "coder", ErrorMessage: "connection reset", Attempt: 1, MaxAttempts: p.MaxRetries}
	action := Decide(f, p)
	assert.Equal(t, StrategyRetry, action.Strategy)
	assert.Equal(t, 2.0, action.DelaySeconds)
}

func TestDecide_FallsBackToAgentAfterMaxRetries(t *testing.T) {
	p := DefaultPolicy()
	f := FailureContext{AgentID: "coder", ErrorMessage: "connection reset", Attempt: p.MaxRetries, MaxAttempts: p.MaxRetries}
	action := Decide(f, p)
	require.Equal(t, StrategyFallbackAgent, action.Strategy)
	assert.Equal(t, "reviewer", action.FallbackAgentID)
	assert.Contains(t, action.ModifiedPrompt, "A task failed and needs your analysis")
	assert.Contains(t, action.ModifiedPrompt, f.ErrorMessage)
}

func TestDecide_DiagnosesWhenNoFallbackConfigured(t *testing.T) {
	p := DefaultPolicy()
	f := FailureContext{AgentID: "documenter-variant-with-no-mapping", ErrorMessage: "connection reset", Attempt: p.MaxRetries, MaxAttempts: p.MaxRetries}
	action := Decide(f, p)
	require.Equal(t, StrategyDiagnose, action.Strategy)
	assert.Equal(t, "reviewer", action.FallbackAgentID)
	assert.Contains(t, action.DiagnosticPrompt, "DIAGNOSTIC REQUEST")
}

func TestDecide_AbortsWhenFallbackAndDiagnosisDisabled(t *testing.T) {
	p := DefaultPolicy()
	p.EnableFallback = false
	p.EnableDiagnosis = false
	f := FailureContext{AgentID: "coder", ErrorMessage: "connection reset", Attempt: p.MaxRetries, MaxAttempts: p.MaxRetries}
	action := Decide(f, p)
	assert.Equal(t, StrategyAbort, action.Strategy)
}

func TestFallbackPromptInjectionIsSafe(t *testing.T) {
	f := FailureContext{
		AgentID:         "coder",
		TaskDescription: "{{.Kind}} attempt to break the template {{end}}",
		ErrorMessage:    "test failed: {{range .}}boom{{end}}",
		Attempt:         3,
		MaxAttempts:     3,
	}
	prompt := buildFallbackPrompt(f, "reviewer")
	// text/template treats failure-supplied text as data, not template
	// source, so the literal braces must survive unexecuted.
	assert.Contains(t, prompt, "{{.Kind}} attempt to break the template {{end}}")
	assert.Contains(t, prompt, "test failed: {{range .}}boom{{end}}")
}

func TestDiagnosticPromptTruncatesResponseSoFar(t *testing.T) {
	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}
	f := FailureContext{AgentID: "coder", TaskDescription: "t", ErrorMessage: "timeout", ResponseSoFar: string(long)}
	prompt := buildDiagnosticPrompt(f)
	assert.Contains(t, prompt, string(long[:2000]))
	assert.NotContains(t, prompt, string(long[:2001]))
}

func TestFallbackChain(t *testing.T) {
	assert.Equal(t, []string{"reviewer", "architect"}, FallbackChain("coder"))
	assert.Empty(t, FallbackChain("unknown-agent"))
}

func TestLog_RecentAndStats(t *testing.T) {
	l := NewLog(nil)
	l.Record(FailureContext{AgentID: "coder", ErrorMessage: "timeout", Attempt: 1})
	l.Record(FailureContext{AgentID: "coder", ErrorMessage: "test failed", Attempt: 2})
	l.Record(FailureContext{AgentID: "tester", ErrorMessage: "timeout", Attempt: 1})

	recent := l.Recent("coder", "", 10)
	assert.Len(t, recent, 2)

	stats := l.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByAgent["coder"])
	assert.Equal(t, 1, stats.TotalRetries)
}
