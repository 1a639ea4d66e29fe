// Package orchestration coordinates a team of agents toward one task.
package orchestration

import (
	"sort"

	"github.com/mpataki/shopfloor/internal/models"
)

type Verdict string

const (
	VerdictContinue Verdict = "continue"
	VerdictStop     Verdict = "stop"
)

type Contribution struct {
	Agent   string `json:"agent"`
	Turn    int    `json:"turn"`
	Content string `json:"content"`
}

// State is the strategy's working memory for one orchestration. It lives
// only in the replay log and is dropped at finalize.
type State struct {
	Task          string         `json:"task"`
	Turn          int            `json:"turn"`
	MaxIterations int            `json:"max_iterations"`
	Contributions []Contribution `json:"contributions"`
	LastAgent     string         `json:"last_agent"`
	Verdict       Verdict        `json:"verdict"`
	Reason        string         `json:"reason,omitempty"`
	// Scratch holds whatever a script strategy wants to carry between turns.
	Scratch map[string]any `json:"scratch,omitempty"`
}

type AgentInfo struct {
	Name        string `json:"name"`
	AppID       string `json:"app_id,omitempty"`
	Description string `json:"description"`
}

func agentsOf(t *models.Team) []AgentInfo {
	out := make([]AgentInfo, 0, len(t.Agents))
	for name, def := range t.Agents {
		out = append(out, AgentInfo{Name: name, AppID: def.AppID, Description: def.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func findAgent(agents []AgentInfo, name string) (AgentInfo, bool) {
	for _, a := range agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentInfo{}, false
}
