// Package llmclient adapts the Anthropic Messages API
// (github.com/anthropics/anthropic-sdk-go) to the pkg/agent.Agent contract.
// Grounded on goa-ai's features/model/anthropic/client.go and stream.go:
// same MessagesClient seam (so a mock can stand in for tests), the same
// streaming-event-to-chunk translation shape, simplified because this
// domain's tool calls travel as structured text blocks parsed by
// pkg/toolcall rather than Anthropic's native tool-use blocks — agents are
// given the tool-call syntax in their system prompt, not a tool schema.
package llmclient

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/maratos-ai/orchestrator/pkg/agent"
)

// MessagesClient captures the subset of the SDK used here, so tests can
// substitute a fake without a live API key.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures default model selection and generation parameters,
// overridable per call via agent.Overrides.
type Options struct {
	DefaultModel   string
	MaxTokens      int64
	Temperature    float64
	SystemPrompt   string // per-agent-role system prompt, set by the caller
}

// Client implements agent.Agent on top of Anthropic Claude Messages.
type Client struct {
	id     string
	msg    MessagesClient
	opts   Options
}

// New builds an Anthropic-backed agent for the given agent role id
// ("coder", "reviewer", ...), reusing one underlying SDK client across
// roles the way goa-ai's New does.
func New(id string, msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("llmclient: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("llmclient: default model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8192
	}
	return &Client{id: id, msg: msg, opts: opts}, nil
}

// NewFromAPIKey constructs a client reading ANTHROPIC_API_KEY-style
// configuration via the SDK's own option helpers.
func NewFromAPIKey(id, apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("llmclient: api key is required")
	}
	sdkClient := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(id, &sdkClient.Messages, Options{DefaultModel: defaultModel})
}

func (c *Client) ID() string { return c.id }

// Chat issues a streaming Messages request and adapts the event stream into
// agent.Chunks on the returned channel; the error channel carries at most
// one terminal error and is closed alongside the chunk channel.
func (c *Client) Chat(ctx context.Context, messages []agent.Message, agentCtx agent.Context, overrides agent.Overrides) (<-chan agent.Chunk, <-chan error) {
	chunks := make(chan agent.Chunk, 32)
	errs := make(chan error, 1)

	params, err := c.prepareRequest(messages, agentCtx, overrides)
	if err != nil {
		close(chunks)
		errs <- err
		close(errs)
		return chunks, errs
	}

	stream := c.msg.NewStreaming(ctx, *params)

	go func() {
		defer close(chunks)
		defer close(errs)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			if chunk, ok := translateEvent(event); ok {
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("llmclient: anthropic stream: %w", err)
		}
	}()

	return chunks, errs
}

func (c *Client) prepareRequest(messages []agent.Message, agentCtx agent.Context, overrides agent.Overrides) (*sdk.MessageNewParams, error) {
	if len(messages) == 0 {
		return nil, errors.New("llmclient: at least one message is required")
	}

	var conversation []sdk.MessageParam
	var system []sdk.TextBlockParam

	if c.opts.SystemPrompt != "" {
		system = append(system, sdk.TextBlockParam{Text: c.opts.SystemPrompt})
	}
	if agentCtx.PrevStageContext != "" {
		system = append(system, sdk.TextBlockParam{Text: "Previous stage context:\n" + agentCtx.PrevStageContext})
	}

	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case agent.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case agent.RoleUser, agent.RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case agent.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("llmclient: at least one user/assistant message is required")
	}

	model := c.opts.DefaultModel
	if overrides.Model != "" {
		model = overrides.Model
	}
	maxTokens := c.opts.MaxTokens
	if overrides.MaxTokens != nil && *overrides.MaxTokens > 0 {
		maxTokens = *overrides.MaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	temp := c.opts.Temperature
	if overrides.Temperature != nil {
		temp = *overrides.Temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, nil
}

// translateEvent maps one SDK streaming event into at most one agent.Chunk.
// Only text and thinking deltas surface here — tool calls are never
// expressed through Anthropic's native tool-use blocks in this system, so
// content-block events of that kind are not expected and are ignored if
// ever sent.
func translateEvent(event sdk.MessageStreamEventUnion) (agent.Chunk, bool) {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return agent.Chunk{}, false
			}
			return agent.Chunk{Text: delta.Text}, true
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return agent.Chunk{}, false
			}
			return agent.Chunk{Text: delta.Thinking, IsThinking: true}, true
		}
	}
	return agent.Chunk{}, false
}
