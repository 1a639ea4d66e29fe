package orchestration

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/models"
)

// Strategy decides who speaks next and when the team is done. Strategies
// run inside activities, so they may be nondeterministic.
type Strategy interface {
	Select(state State, agents []AgentInfo) (string, error)
	Process(state State, c Contribution) (State, error)
	ShouldContinue(state State) (State, error)
}

var ErrNoAgents = errors.New("no agents available")

// NewStrategy builds the strategy a team asks for.
func NewStrategy(t *models.Team, log *zap.Logger) (Strategy, error) {
	switch t.Strategy {
	case models.StrategyRoundRobin, "":
		return RoundRobin{}, nil
	case models.StrategyRandom:
		return Random{}, nil
	case models.StrategyLua:
		return NewLua(t, log)
	}
	return nil, fmt.Errorf("unknown strategy %q", t.Strategy)
}

// base supplies the bookkeeping shared by the built-in strategies.
type base struct{}

func (base) Process(state State, c Contribution) (State, error) {
	state.Contributions = append(state.Contributions, c)
	state.LastAgent = c.Agent
	state.Turn++
	return state, nil
}

func (base) ShouldContinue(state State) (State, error) {
	if state.MaxIterations > 0 && state.Turn >= state.MaxIterations {
		state.Verdict = VerdictStop
		state.Reason = fmt.Sprintf("reached max iterations (%d)", state.MaxIterations)
		return state, nil
	}
	state.Verdict = VerdictContinue
	return state, nil
}

// RoundRobin cycles through the agents in name order.
type RoundRobin struct{ base }

func (RoundRobin) Select(state State, agents []AgentInfo) (string, error) {
	if len(agents) == 0 {
		return "", ErrNoAgents
	}
	for i, a := range agents {
		if a.Name == state.LastAgent {
			return agents[(i+1)%len(agents)].Name, nil
		}
	}
	return agents[0].Name, nil
}

// Random picks any agent other than the last one when it can.
type Random struct {
	base
	// IntN defaults to math/rand/v2.
	IntN func(n int) int
}

func (r Random) Select(state State, agents []AgentInfo) (string, error) {
	if len(agents) == 0 {
		return "", ErrNoAgents
	}
	intN := r.IntN
	if intN == nil {
		intN = rand.IntN
	}
	candidates := agents
	if len(agents) > 1 && state.LastAgent != "" {
		candidates = make([]AgentInfo, 0, len(agents)-1)
		for _, a := range agents {
			if a.Name != state.LastAgent {
				candidates = append(candidates, a)
			}
		}
	}
	return candidates[intN(len(candidates))].Name, nil
}
