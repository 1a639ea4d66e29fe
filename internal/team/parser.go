// Package team loads orchestration team definitions from YAML.
package team

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/shopfloor/internal/models"
)

const DefaultMaxIterations = 10

func Parse(path string) (*models.Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read team file: %w", err)
	}

	t, err := ParseBytes(data)
	if err != nil {
		return nil, err
	}

	// A script ending in .lua names a file next to the team definition.
	if strings.HasSuffix(t.StrategyScript, ".lua") && !strings.Contains(t.StrategyScript, "\n") {
		scriptPath := t.StrategyScript
		if !filepath.IsAbs(scriptPath) {
			scriptPath = filepath.Join(filepath.Dir(path), scriptPath)
		}
		script, err := os.ReadFile(scriptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read strategy script: %w", err)
		}
		t.StrategyScript = string(script)
	}

	if t.Name == "" {
		base := filepath.Base(path)
		t.Name = strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
	}

	return t, nil
}

func ParseBytes(data []byte) (*models.Team, error) {
	var t models.Team
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse team YAML: %w", err)
	}

	if t.Strategy == "" {
		t.Strategy = models.StrategyRoundRobin
	}
	if t.MaxIterations == 0 {
		t.MaxIterations = DefaultMaxIterations
	}

	return &t, nil
}

func LoadAll(dirs []string) (map[string]*models.Team, error) {
	teams := make(map[string]*models.Team)

	for _, dir := range dirs {
		if err := loadFromDir(dir, teams); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return teams, nil
}

func loadFromDir(dir string, teams map[string]*models.Team) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		t, err := Parse(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if err := Validate(t); err != nil {
			return fmt.Errorf("invalid team %s: %w", path, err)
		}

		teams[t.Name] = t
	}

	return nil
}

// Load resolves ref as a file path first, then as a team name in dirs.
func Load(ref string, dirs []string) (*models.Team, error) {
	if _, err := os.Stat(ref); err == nil {
		t, err := Parse(ref)
		if err != nil {
			return nil, err
		}
		return t, Validate(t)
	}

	teams, err := LoadAll(dirs)
	if err != nil {
		return nil, err
	}
	t, ok := teams[ref]
	if !ok {
		return nil, fmt.Errorf("team %q not found in %s", ref, strings.Join(dirs, ", "))
	}
	return t, nil
}

func Validate(t *models.Team) error {
	if t.Name == "" {
		return fmt.Errorf("team must have a name")
	}

	if len(t.Agents) == 0 {
		return fmt.Errorf("team must define at least one agent")
	}

	if t.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be positive")
	}

	switch t.Strategy {
	case models.StrategyRoundRobin, models.StrategyRandom:
	case models.StrategyLua:
		if strings.TrimSpace(t.StrategyScript) == "" {
			return fmt.Errorf("lua strategy requires strategy_script")
		}
	default:
		return fmt.Errorf("unknown strategy %q", t.Strategy)
	}

	for name, a := range t.Agents {
		if a == nil {
			return fmt.Errorf("agent %q has no definition", name)
		}
		if strings.ContainsAny(a.AppID, " .*>") {
			return fmt.Errorf("agent %q has invalid app_id %q", name, a.AppID)
		}
	}

	return nil
}

// AgentNames returns the team's agent names in a stable order.
func AgentNames(t *models.Team) []string {
	names := make([]string, 0, len(t.Agents))
	for name := range t.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
