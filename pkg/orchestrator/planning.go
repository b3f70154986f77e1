package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/maratos-ai/orchestrator/pkg/taskgraph"
)

var (
	jsonFencePattern   = regexp.MustCompile("(?s)```json\\s*([\\s\\S]*?)\\s*```")
	jsonArrayPattern   = regexp.MustCompile(`(?s)\[\s*\{[\s\S]*\}\s*\]`)
)

// plannedTask is the wire shape the planner agent is instructed to emit,
// mirroring _parse_task_list's expected per-element fields exactly.
type plannedTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	AgentType   string   `json:"agent_type"`
	QualityGates []string `json:"quality_gates"`
	DependsOn   []any    `json:"depends_on"`
	TargetFiles []string `json:"target_files"`
}

// ParseTaskList extracts a task breakdown from the planner agent's raw
// response text, per spec §9 Open Question 2: prefer a fenced ```json
// block, fall back to the first bracketed array literal, and if neither
// parses fall back to a single task covering the whole original prompt —
// translated directly from _parse_task_list's three-tier fallback.
func ParseTaskList(response, originalPrompt string) []taskgraph.TaskSpec {
	raw := extractTaskJSON(response)
	if raw == "" {
		return []taskgraph.TaskSpec{singleFallbackTask(originalPrompt)}
	}

	var planned []plannedTask
	if err := json.Unmarshal([]byte(raw), &planned); err != nil {
		return []taskgraph.TaskSpec{singleFallbackTask(originalPrompt)}
	}

	specs := make([]taskgraph.TaskSpec, 0, len(planned))
	ids := make([]string, 0, len(planned))

	for i, p := range planned {
		id := shortID()
		ids = append(ids, id)

		var gates []taskgraph.Gate
		for _, g := range p.QualityGates {
			gate := taskgraph.Gate(strings.ReplaceAll(g, "_", "-"))
			if taskgraph.ValidGates[gate] {
				gates = append(gates, gate)
			}
		}

		var deps []string
		for _, d := range p.DependsOn {
			switch v := d.(type) {
			case float64:
				idx := int(v)
				if idx >= 0 && idx < len(ids)-1 {
					deps = append(deps, ids[idx])
				}
			case string:
				if idx, err := strconv.Atoi(v); err == nil {
					if idx >= 0 && idx < len(ids)-1 {
						deps = append(deps, ids[idx])
					}
				} else {
					deps = append(deps, v)
				}
			}
		}

		agentType := p.AgentType
		if agentType == "" {
			agentType = "coder"
		}
		title := p.Title
		if title == "" {
			title = fmt.Sprintf("Task %d", i+1)
		}

		specs = append(specs, taskgraph.TaskSpec{
			ID:          id,
			Title:       title,
			Description: p.Description,
			AgentID:     agentType,
			DependsOn:   deps,
			Gates:       gates,
			TargetFiles: p.TargetFiles,
			Priority:    len(planned) - i, // earlier tasks rank higher, matching the source
		})
	}

	if len(specs) == 0 {
		return []taskgraph.TaskSpec{singleFallbackTask(originalPrompt)}
	}
	return specs
}

// extractTaskJSON tries the fenced block first, then a bare array literal.
func extractTaskJSON(response string) string {
	if m := jsonFencePattern.FindStringSubmatch(response); m != nil {
		return m[1]
	}
	if m := jsonArrayPattern.FindString(response); m != "" {
		return m
	}
	return ""
}

func singleFallbackTask(originalPrompt string) taskgraph.TaskSpec {
	return taskgraph.TaskSpec{
		ID:          shortID(),
		Title:       "Implement request",
		Description: originalPrompt,
		AgentID:     "coder",
		MaxAttempts: 3,
	}
}

func shortID() string {
	return uuid.NewString()[:8]
}
