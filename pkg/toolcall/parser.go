// Package toolcall implements the tool-call interpreter: parsing
// structured tool-invocation blocks from agent output (primary + two
// fallback syntaxes), one-shot JSON repair, and per-invocation
// policy/budget/jail/approval enforcement, execution, and result
// formatting. Grounded on
// original_source/backend/app/tools/interpreter.py (TOOL_CALL_PATTERN,
// ALT_PATTERNS, parse_tool_blocks, execute_invocations,
// format_tool_results_for_llm, create_repair_prompt) and tarsy's
// pkg/agent/controller/tool_execution.go per-invocation lifecycle.
package toolcall

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// primaryPattern matches the canonical <tool_call>{...}</tool_call> block.
// altPatterns match a fenced ```tool block and an alternative [[TOOL]]...[[/TOOL]]
// marker pair, mirroring the source's ALT_PATTERNS fallback list.
var (
	primaryPattern = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)
	altPatterns = []*regexp.Regexp{
		regexp.MustCompile("(?s)```tool\\s*(\\{.*?\\})\\s*```"),
		regexp.MustCompile(`(?s)\[\[TOOL\]\]\s*(\{.*?\})\s*\[\[/TOOL\]\]`),
	}
)

// Invocation is one parsed (or parse-failed) tool call.
type Invocation struct {
	Tool      string
	Args      map[string]any
	RawSource string
	ParseErr  string
}

// ParseBlocks extracts every tool-invocation block from an agent response
// in source order, accepting the primary syntax and each fallback,
// matching parse_tool_blocks's multi-syntax tolerance.
func ParseBlocks(text string) []Invocation {
	var locs [][]int
	locs = append(locs, primaryPattern.FindAllStringIndex(text, -1)...)
	for _, alt := range altPatterns {
		locs = append(locs, alt.FindAllStringIndex(text, -1)...)
	}
	sort.SliceStable(locs, func(i, j int) bool { return locs[i][0] < locs[j][0] })

	var out []Invocation
	for _, loc := range locs {
		out = append(out, parseSingle(text[loc[0]:loc[1]]))
	}
	return out
}

func parseSingle(raw string) Invocation {
	jsonText := extractJSON(raw)

	var obj map[string]any
	if err := json.Unmarshal([]byte(jsonText), &obj); err != nil {
		return Invocation{RawSource: raw, ParseErr: err.Error()}
	}

	toolName, _ := obj["tool"].(string)
	if toolName == "" {
		toolName, _ = obj["name"].(string)
	}
	if toolName == "" {
		return Invocation{RawSource: raw, ParseErr: "missing required field 'tool' (or 'name')"}
	}

	args, _ := obj["args"].(map[string]any)
	if args == nil {
		args, _ = obj["arguments"].(map[string]any)
	}
	if args == nil {
		args = map[string]any{}
	}

	return Invocation{Tool: toolName, Args: args, RawSource: raw}
}

// extractJSON pulls the {...} body out of any of the three wrapper syntaxes.
func extractJSON(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < 0 || end < start {
		return raw
	}
	return raw[start : end+1]
}

// HasToolCalls reports whether text contains at least one recognised block.
func HasToolCalls(text string) bool {
	if primaryPattern.MatchString(text) {
		return true
	}
	for _, alt := range altPatterns {
		if alt.MatchString(text) {
			return true
		}
	}
	return false
}

// StripToolBlocks removes every recognised tool-call block from text,
// leaving only the agent's prose — used when presenting the response to a
// human observer.
func StripToolBlocks(text string) string {
	out := primaryPattern.ReplaceAllString(text, "")
	for _, alt := range altPatterns {
		out = alt.ReplaceAllString(out, "")
	}
	return out
}

// CreateRepairPrompt builds the one-shot repair turn quoting the bad JSON
// and the decoder error, matching create_repair_prompt's literal template.
func CreateRepairPrompt(invocation Invocation) string {
	var b strings.Builder
	b.WriteString("Your previous tool call could not be parsed as valid JSON.\n\n")
	b.WriteString("Original content:\n")
	b.WriteString(invocation.RawSource)
	b.WriteString("\n\nDecoder error: ")
	b.WriteString(invocation.ParseErr)
	b.WriteString("\n\nPlease resend the tool call using this exact schema:\n")
	b.WriteString(`<tool_call>{"tool": "<tool_id>", "args": {...}}</tool_call>`)
	b.WriteString("\nEnsure the JSON object is syntactically valid and self-contained.")
	return b.String()
}
