package agent

import "regexp"

// Marker kinds an agent may emit inline in its response text, spec §6.
type MarkerKind string

const (
	MarkerGoal         MarkerKind = "goal"
	MarkerGoalDone     MarkerKind = "goal_done"
	MarkerGoalFailed   MarkerKind = "goal_failed"
	MarkerCheckpoint   MarkerKind = "checkpoint"
	MarkerRequest      MarkerKind = "request"
	MarkerReviewRequest MarkerKind = "review_request"
	MarkerSpawn        MarkerKind = "spawn"
	MarkerWorkflow     MarkerKind = "workflow"
)

// Marker is one parsed inline marker.
type Marker struct {
	Kind    MarkerKind
	Target  string // sub-goal number, agent name, checkpoint name, or workflow name
	Text    string
}

var markerPatterns = []struct {
	kind MarkerKind
	re   *regexp.Regexp
}{
	{MarkerGoal, regexp.MustCompile(`\[GOAL:(\d+)\]\s*(.*)`)},
	{MarkerGoalDone, regexp.MustCompile(`\[GOAL_DONE:(\d+)\]`)},
	{MarkerGoalFailed, regexp.MustCompile(`\[GOAL_FAILED:(\d+)\]\s*(.*)`)},
	{MarkerCheckpoint, regexp.MustCompile(`\[CHECKPOINT:([^\]]+)\]\s*(.*)`)},
	{MarkerRequest, regexp.MustCompile(`\[REQUEST:([^\]]+)\]\s*(.*)`)},
	{MarkerReviewRequest, regexp.MustCompile(`\[REVIEW_REQUEST\]\s*(.*)`)},
	{MarkerSpawn, regexp.MustCompile(`\[SPAWN:([^\]]+)\]\s*(.*)`)},
	{MarkerWorkflow, regexp.MustCompile(`\[WORKFLOW:([^\]]+)\]\s*(.*)`)},
}

// ExtractMarkers scans accumulated text for inline markers. Per spec §9
// "Streaming", marker detection happens on accumulated text at safe
// boundaries (line boundaries here), not mid-chunk, so this takes the full
// buffered text rather than a single chunk.
func ExtractMarkers(text string) []Marker {
	var out []Marker
	for _, p := range markerPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			marker := Marker{Kind: p.kind}
			switch len(m) {
			case 3:
				marker.Target = m[1]
				marker.Text = m[2]
			case 2:
				if p.kind == MarkerGoalDone {
					marker.Target = m[1]
				} else {
					marker.Text = m[1]
				}
			}
			out = append(out, marker)
		}
	}
	return out
}
