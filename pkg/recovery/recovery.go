// Package recovery implements the recovery policy: classifying a failed
// task's error text into a failure kind, and deciding whether to retry
// (with exponential backoff), fall back to another agent, escalate to a
// diagnostic reviewer pass, or abort. Grounded on
// original_source/backend/app/subagents/recovery.py (classify_error,
// determine_recovery_action, FALLBACK_AGENTS, ERROR_PATTERNS,
// _create_fallback_prompt/_create_diagnostic_prompt) and spec §4.6.
package recovery

import (
	"math"
	"strconv"
	"strings"
	"text/template"
)

// Kind is the classified failure kind, spec §4.6's closed set.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindAPIRateLimit    Kind = "api-rate-limit"
	KindAPINetwork      Kind = "api-network"
	KindToolPermission  Kind = "tool-permission"
	KindToolMissingFile Kind = "tool-missing-file"
	KindAgentSyntax     Kind = "agent-syntax"
	KindAgentTestFail   Kind = "agent-test-fail"
	KindMemory          Kind = "memory"
	KindUnknown         Kind = "unknown"
)

// Strategy is the suggested recovery action for a failure kind.
type Strategy string

const (
	StrategyRetry        Strategy = "retry"
	StrategyFallbackAgent Strategy = "fallback-agent"
	StrategyDiagnose     Strategy = "diagnose"
	StrategyAbort        Strategy = "abort"
)

// classificationRule is one (substring, kind, strategy) entry, checked in
// order — the first substring match wins, mirroring ERROR_PATTERNS.
type classificationRule struct {
	substr   string
	kind     Kind
	strategy Strategy
}

var errorPatterns = []classificationRule{
	{"timeout", KindTimeout, StrategyRetry},
	{"timed out", KindTimeout, StrategyRetry},
	{"rate limit", KindAPIRateLimit, StrategyRetry},
	{"rate_limit", KindAPIRateLimit, StrategyRetry},
	{"429", KindAPIRateLimit, StrategyRetry},
	{"connection", KindAPINetwork, StrategyRetry},
	{"network", KindAPINetwork, StrategyRetry},
	{"memory", KindMemory, StrategyRetry},
	{"file not found", KindToolMissingFile, StrategyDiagnose},
	{"permission denied", KindToolPermission, StrategyDiagnose},
	{"syntax error", KindAgentSyntax, StrategyFallbackAgent},
	{"compilation error", KindAgentSyntax, StrategyFallbackAgent},
	{"test failed", KindAgentTestFail, StrategyFallbackAgent},
	{"tests failed", KindAgentTestFail, StrategyFallbackAgent},
}

// Classify inspects error text (case-insensitively) against errorPatterns
// in order and returns the first match, or (unknown, retry) if none match.
func Classify(errorText string) (Kind, Strategy) {
	lower := strings.ToLower(errorText)
	for _, rule := range errorPatterns {
		if strings.Contains(lower, rule.substr) {
			return rule.kind, rule.strategy
		}
	}
	return KindUnknown, StrategyRetry
}

// fallbackAgents is the static primary-agent -> ordered fallback list,
// translated verbatim from FALLBACK_AGENTS.
var fallbackAgents = map[string][]string{
	"coder":      {"reviewer", "architect"},
	"tester":     {"coder", "reviewer"},
	"reviewer":   {"architect"},
	"architect":  {"reviewer"},
	"documenter": {"coder", "reviewer"},
	"deployer":   {"coder", "architect"},
}

// Policy bundles the tunables spec §4.6 and the source's RecoveryConfig
// both expose.
type Policy struct {
	MaxRetries       int
	BaseDelaySeconds float64
	MaxDelaySeconds  float64
	EnableFallback   bool
	EnableDiagnosis  bool
}

// DefaultPolicy mirrors RecoveryConfig's defaults, with the backoff
// constants pinned to spec §4.6's literal values.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:       3,
		BaseDelaySeconds: 2.0,
		MaxDelaySeconds:  30.0,
		EnableFallback:   true,
		EnableDiagnosis:  true,
	}
}

// Backoff computes the exponential backoff delay for the given prior
// attempt count (1-indexed, matching the source's "2 ** (attempt - 1)"),
// capped at MaxDelaySeconds.
func (p Policy) Backoff(attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelaySeconds * math.Pow(2, float64(attempt-1))
	if delay > p.MaxDelaySeconds {
		return p.MaxDelaySeconds
	}
	return delay
}

// FailureContext is the snapshot handed to the recovery policy after a
// task attempt fails, matching spec §3's FailureContext / the source's
// dataclass of the same name.
type FailureContext struct {
	TaskID           string
	AgentID          string
	TaskDescription  string
	ErrorMessage     string
	Attempt          int
	MaxAttempts      int
	DurationSeconds  float64
	LastCheckpoint   string
	GoalsCompleted   int
	GoalsTotal       int
	ResponseSoFar    string
}

// Action is what the recovery policy decided to do.
type Action struct {
	Strategy        Strategy
	Kind            Kind
	FallbackAgentID string // set only for fallback-agent
	ModifiedPrompt  string // set for fallback-agent
	DelaySeconds    float64
	DiagnosticPrompt string // set only for diagnose
	Reason          string
}

// Decide mirrors determine_recovery_action's exact decision order: retry
// while Attempt < MaxRetries and the classified strategy is retry; once
// Attempt reaches MaxRetries, fallback-agent if enabled and one exists,
// otherwise diagnose if enabled; in every other case (including a
// non-retry strategy before MaxRetries is reached) abort.
func Decide(f FailureContext, p Policy) Action {
	kind, suggested := Classify(f.ErrorMessage)

	if f.Attempt < p.MaxRetries && suggested == StrategyRetry {
		delay := p.Backoff(f.Attempt)
		return Action{
			Strategy:     StrategyRetry,
			Kind:         kind,
			DelaySeconds: delay,
			Reason:       "retriable error (" + string(kind) + "), attempt " + strconv.Itoa(f.Attempt+1) + "/" + strconv.Itoa(p.MaxRetries),
		}
	}

	if p.EnableFallback && f.Attempt >= p.MaxRetries {
		if chain := fallbackAgents[f.AgentID]; len(chain) > 0 {
			fallback := chain[0]
			return Action{
				Strategy:        StrategyFallbackAgent,
				Kind:            kind,
				FallbackAgentID: fallback,
				ModifiedPrompt:  buildFallbackPrompt(f, fallback),
				Reason:          "max retries exceeded, falling back to " + fallback,
			}
		}
	}

	if p.EnableDiagnosis && f.Attempt >= p.MaxRetries {
		return Action{
			Strategy:         StrategyDiagnose,
			Kind:             kind,
			FallbackAgentID:  "reviewer",
			DiagnosticPrompt: buildDiagnosticPrompt(f),
			Reason:           "max retries exceeded, requesting diagnosis",
		}
	}

	return Action{Strategy: StrategyAbort, Kind: kind, Reason: "no recovery possible after " + strconv.Itoa(f.Attempt) + " attempts"}
}

// FallbackChain returns the ordered fallback agents configured for a
// primary agent id, or nil if none are configured.
func FallbackChain(agentID string) []string {
	chain := fallbackAgents[agentID]
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}

// fallbackPromptTemplates and diagnosticPromptTemplate use text/template
// (never raw string interpolation) so failure fields — which may contain
// agent-authored or tool-echoed text — are injected as data rather than
// spliced into template syntax, per spec §9 Open Question 4.
var (
	reviewerFallbackTemplate = template.Must(template.New("reviewer-fallback").Parse(
		`A task failed and needs your analysis to diagnose the issue.

**Original Task:**
{{.TaskDescription}}

**Error:**
{{.ErrorMessage}}

**Progress Before Failure:**
- Goals completed: {{.GoalsCompleted}}/{{.GoalsTotal}}
- Last checkpoint: {{.LastCheckpointOrNone}}

**Partial Response (if any):**
{{.ResponseSnippet}}

Please analyze:
1. What likely caused this failure?
2. What needs to be fixed before retrying?
3. Provide specific recommendations.`))

	architectFallbackTemplate = template.Must(template.New("architect-fallback").Parse(
		`A task failed and may need architectural changes.

**Original Task:**
{{.TaskDescription}}

**Error:**
{{.ErrorMessage}}

**Failure Type:** {{.Kind}}

Please provide:
1. Analysis of why this approach failed
2. Alternative approach or architecture
3. Specific steps to implement the alternative`))

	genericFallbackTemplate = template.Must(template.New("generic-fallback").Parse(
		`A previous attempt at this task failed. Please try a different approach.

**Task:**
{{.TaskDescription}}

**Previous Error:**
{{.ErrorMessage}}

**What to avoid:**
The previous approach resulted in: {{.Kind}}

Please attempt this task with a different strategy.`))

	diagnosticTemplate = template.Must(template.New("diagnostic").Parse(
		`**DIAGNOSTIC REQUEST**

A subagent task has failed repeatedly and needs analysis.

**Task:** {{.TaskDescription}}

**Agent:** {{.AgentID}}
**Attempts:** {{.Attempt}}
**Failure Type:** {{.Kind}}
**Error:** {{.ErrorMessage}}

**Progress:**
- Goals completed: {{.GoalsCompleted}}/{{.GoalsTotal}}
- Last checkpoint: {{.LastCheckpointOrNone}}
- Duration: {{.DurationSeconds}}s

**Partial Output:**
{{.ResponseSnippetLong}}

**Please analyze:**
1. Root cause of the failure
2. Whether this is a transient or permanent issue
3. Recommended fix or workaround
4. Whether the task should be retried, modified, or abandoned`))
)

// promptData adapts FailureContext into template-friendly fields,
// preserving the source's truncation behaviour (1000/2000 char partial
// response snippets, "none"/"no response" fallbacks).
type promptData struct {
	FailureContext
	Kind Kind
}

func (p promptData) LastCheckpointOrNone() string {
	if p.LastCheckpoint == "" {
		return "none"
	}
	return p.LastCheckpoint
}

func (p promptData) ResponseSnippet() string {
	return truncate(p.ResponseSoFar, 1000, "No response collected")
}

func (p promptData) ResponseSnippetLong() string {
	return truncate(p.ResponseSoFar, 2000, "No output captured")
}

func truncate(s string, n int, emptyFallback string) string {
	if s == "" {
		return emptyFallback
	}
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func buildFallbackPrompt(f FailureContext, fallbackAgent string) string {
	kind, _ := Classify(f.ErrorMessage)
	data := promptData{FailureContext: f, Kind: kind}

	var tmpl *template.Template
	switch fallbackAgent {
	case "reviewer":
		tmpl = reviewerFallbackTemplate
	case "architect":
		tmpl = architectFallbackTemplate
	default:
		tmpl = genericFallbackTemplate
	}

	var b strings.Builder
	_ = tmpl.Execute(&b, data)
	return b.String()
}

func buildDiagnosticPrompt(f FailureContext) string {
	kind, _ := Classify(f.ErrorMessage)
	data := promptData{FailureContext: f, Kind: kind}
	var b strings.Builder
	_ = diagnosticTemplate.Execute(&b, data)
	return b.String()
}
