// Package agent defines the Agent contract consumed by the orchestration
// engine (spec §6): chat(messages, context, overrides...) returning an
// asynchronous stream of text chunks, plus the special inline markers
// agents may emit. Grounded on the teacher's pkg/agent/agent.go narrow
// Agent interface, generalised from TARSy's single-method "Execute" shape
// into the streaming chat contract spec §6 actually specifies.
package agent

import "context"

// Role mirrors spec §3 Message role values relevant to chat turns.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one turn in the conversation handed to chat().
type Message struct {
	Role    Role
	Content string
}

// Context carries whatever the agent needs beyond the message list:
// workspace path, task metadata, and the previous stage's output.
type Context struct {
	Workspace        string
	TaskID           string
	TargetFiles      []string
	PrevStageContext string
}

// Overrides lets a caller override model/temperature/max-tokens for one
// chat call, matching spec §6's optional parameters.
type Overrides struct {
	Model       string
	Temperature *float64
	MaxTokens   *int64
}

// Chunk is one piece of an asynchronous text stream. IsThinking marks a
// thinking chunk; the engine suppresses chunks with IsThinking set and
// chunks whose Text begins with ThinkingMarker.
type Chunk struct {
	Text      string
	IsThinking bool
}

// Agent is the contract every agent role (planner, coder, reviewer,
// tester, deployer, documenter) satisfies.
type Agent interface {
	ID() string
	Chat(ctx context.Context, messages []Message, agentCtx Context, overrides Overrides) (<-chan Chunk, <-chan error)
}

// ThinkingMarker is the reserved prefix identifying suppressed chunks.
const ThinkingMarker = "[THINKING]"
