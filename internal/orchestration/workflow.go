package orchestration

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/durable"
	"github.com/mpataki/shopfloor/internal/models"
)

// Workflow is the durable orchestration loop. Agents whose app id is
// empty or equal to LocalAppID run in this process.
type Workflow struct {
	LocalAppID string
}

func (w Workflow) Run(wctx *durable.Context) (any, error) {
	inst := wctx.Instance()

	st, err := w.loop(wctx, inst)
	if err != nil && wctx.Err() != nil {
		return nil, err
	}

	fin := FinalizeInput{
		Team:          inst.Team,
		Task:          inst.Task,
		Contributions: st.Contributions,
		StopReason:    st.Reason,
	}
	if err != nil {
		wctx.Logger().Error("orchestration loop failed", zap.Error(err))
		fin.Error = err.Error()
	}

	var res Result
	if err := wctx.Call(ActivityFinalize, fin, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (w Workflow) loop(wctx *durable.Context, inst models.Instance) (State, error) {
	var agents []AgentInfo
	if err := wctx.Call(ActivityGetAvailableAgents, TeamInput{Team: inst.Team}, &agents); err != nil {
		return State{}, err
	}
	if len(agents) == 0 {
		return State{}, ErrNoAgents
	}

	var st State
	if err := wctx.Call(ActivityInitializeState, InitializeInput{Team: inst.Team, Task: inst.Task}, &st); err != nil {
		return State{}, err
	}

	// The cap is fixed here so a script rewriting state cannot extend it.
	limit := st.MaxIterations
	for i := 0; i < limit; i++ {
		wctx.SetTurn(i + 1)

		var sel Selection
		if err := wctx.Call(ActivitySelectNextAction, SelectInput{Team: inst.Team, State: st, Agents: agents}, &sel); err != nil {
			return st, err
		}
		info, ok := findAgent(agents, sel.Agent)
		if !ok {
			return st, fmt.Errorf("strategy selected unknown agent %q", sel.Agent)
		}
		wctx.Logger().Info("agent selected", zap.Int("turn", i+1), zap.String("agent", info.Name))

		var reply AgentReply
		if info.AppID == "" || info.AppID == w.LocalAppID {
			in := InvokeInput{Team: inst.Team, Agent: info.Name, Task: st.Task, Contributions: st.Contributions}
			if err := wctx.Call(ActivityInvokeAgent, in, &reply); err != nil {
				return st, err
			}
		} else {
			in := RemoteInput{
				AppID:     info.AppID,
				Agent:     info.Name,
				RequestID: fmt.Sprintf("%s/%d", inst.ID, i+1),
				Task:      composeTask(st.Task, st.Contributions, info.Name),
			}
			if err := wctx.Call(ActivityInvokeRemoteAgent, in, &reply); err != nil {
				return st, err
			}
		}

		contribution := Contribution{Agent: info.Name, Turn: i + 1, Content: reply.Content}
		if err := wctx.Call(ActivityProcessResponse, ProcessInput{Team: inst.Team, State: st, Contribution: contribution}, &st); err != nil {
			return st, err
		}
		if err := wctx.Call(ActivityShouldContinue, ContinueInput{Team: inst.Team, State: st}, &st); err != nil {
			return st, err
		}
		if st.Verdict == VerdictStop {
			break
		}
	}
	if st.Reason == "" && st.Verdict != VerdictStop {
		st.Reason = fmt.Sprintf("reached max iterations (%d)", limit)
	}
	return st, nil
}
