package models

type StrategyKind string

const (
	StrategyRoundRobin StrategyKind = "round_robin"
	StrategyRandom     StrategyKind = "random"
	StrategyLua        StrategyKind = "lua"
)

// Team describes a set of agents orchestrated toward one task.
type Team struct {
	Name           string               `yaml:"name"`
	Description    string               `yaml:"description"`
	Strategy       StrategyKind         `yaml:"strategy"`
	StrategyScript string               `yaml:"strategy_script,omitempty"`
	MaxIterations  int                  `yaml:"max_iterations"`
	Agents         map[string]*AgentDef `yaml:"agents"`
}

type AgentDef struct {
	// AppID addresses an agent hosted by another process. Empty means
	// the agent runs in this process.
	AppID        string `yaml:"app_id,omitempty"`
	Description  string `yaml:"description"`
	SystemPrompt string `yaml:"system_prompt"`
}
