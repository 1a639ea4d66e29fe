package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/durable"
	"github.com/mpataki/shopfloor/internal/model"
	"github.com/mpataki/shopfloor/internal/models"
)

const (
	ActivityGetAvailableAgents = "orchestration.GetAvailableAgents"
	ActivityInitializeState    = "orchestration.InitializeState"
	ActivitySelectNextAction   = "orchestration.SelectNextAction"
	ActivityInvokeAgent        = "orchestration.InvokeAgent"
	ActivityInvokeRemoteAgent  = "orchestration.InvokeRemoteAgent"
	ActivityProcessResponse    = "orchestration.ProcessResponse"
	ActivityShouldContinue     = "orchestration.ShouldContinue"
	ActivityFinalize           = "orchestration.Finalize"
)

type TeamInput struct {
	Team string `json:"team"`
}

type InitializeInput struct {
	Team string `json:"team"`
	Task string `json:"task"`
}

type SelectInput struct {
	Team   string      `json:"team"`
	State  State       `json:"state"`
	Agents []AgentInfo `json:"agents"`
}

type Selection struct {
	Agent string `json:"agent"`
}

type InvokeInput struct {
	Team          string         `json:"team"`
	Agent         string         `json:"agent"`
	Task          string         `json:"task"`
	Contributions []Contribution `json:"contributions"`
}

type RemoteInput struct {
	AppID     string `json:"app_id"`
	Agent     string `json:"agent"`
	RequestID string `json:"request_id"`
	Task      string `json:"task"`
}

type AgentReply struct {
	Agent      string `json:"agent"`
	Content    string `json:"content"`
	InstanceID string `json:"instance_id,omitempty"`
}

type ProcessInput struct {
	Team         string       `json:"team"`
	State        State        `json:"state"`
	Contribution Contribution `json:"contribution"`
}

type ContinueInput struct {
	Team  string `json:"team"`
	State State  `json:"state"`
}

type FinalizeInput struct {
	Team          string         `json:"team"`
	Task          string         `json:"task"`
	Contributions []Contribution `json:"contributions"`
	StopReason    string         `json:"stop_reason,omitempty"`
	Error         string         `json:"error,omitempty"`
}

type Result struct {
	Role          models.Role    `json:"role"`
	Content       string         `json:"content"`
	FinalAnswer   string         `json:"final_answer"`
	Contributions []Contribution `json:"contributions"`
	Turns         int            `json:"turns"`
	StopReason    string         `json:"stop_reason,omitempty"`
}

// TeamSource looks a team up by name.
type TeamSource func(name string) (*models.Team, error)

type Activities struct {
	Teams   TeamSource
	Model   model.Client
	Invoker RemoteInvoker
	Log     *zap.Logger
}

func (a *Activities) Register(e *durable.Engine) {
	durable.RegisterFunc(e, ActivityGetAvailableAgents, a.GetAvailableAgents)
	durable.RegisterFunc(e, ActivityInitializeState, a.InitializeState)
	durable.RegisterFunc(e, ActivitySelectNextAction, a.SelectNextAction)
	durable.RegisterFunc(e, ActivityInvokeAgent, a.InvokeAgent)
	durable.RegisterFunc(e, ActivityInvokeRemoteAgent, a.InvokeRemoteAgent)
	durable.RegisterFunc(e, ActivityProcessResponse, a.ProcessResponse)
	durable.RegisterFunc(e, ActivityShouldContinue, a.ShouldContinue)
	durable.RegisterFunc(e, ActivityFinalize, a.Finalize)
}

func (a *Activities) logger() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}

func (a *Activities) team(name string) (*models.Team, error) {
	t, err := a.Teams(name)
	if err != nil {
		return nil, durable.NonRetryable(fmt.Errorf("load team %q: %w", name, err))
	}
	return t, nil
}

func (a *Activities) strategy(name string) (Strategy, error) {
	t, err := a.team(name)
	if err != nil {
		return nil, err
	}
	s, err := NewStrategy(t, a.logger())
	if err != nil {
		return nil, durable.NonRetryable(err)
	}
	return s, nil
}

func (a *Activities) GetAvailableAgents(ctx context.Context, in TeamInput) ([]AgentInfo, error) {
	t, err := a.team(in.Team)
	if err != nil {
		return nil, err
	}
	return agentsOf(t), nil
}

func (a *Activities) InitializeState(ctx context.Context, in InitializeInput) (State, error) {
	t, err := a.team(in.Team)
	if err != nil {
		return State{}, err
	}
	return State{
		Task:          in.Task,
		MaxIterations: t.MaxIterations,
		Contributions: []Contribution{},
		Verdict:       VerdictContinue,
	}, nil
}

func (a *Activities) SelectNextAction(ctx context.Context, in SelectInput) (Selection, error) {
	s, err := a.strategy(in.Team)
	if err != nil {
		return Selection{}, err
	}
	name, err := s.Select(in.State, in.Agents)
	if err != nil {
		return Selection{}, durable.NonRetryable(err)
	}
	return Selection{Agent: name}, nil
}

// InvokeAgent runs one in-process turn for the agent's persona.
func (a *Activities) InvokeAgent(ctx context.Context, in InvokeInput) (AgentReply, error) {
	t, err := a.team(in.Team)
	if err != nil {
		return AgentReply{}, err
	}
	def, ok := t.Agents[in.Agent]
	if !ok {
		return AgentReply{}, durable.NonRetryable(fmt.Errorf("agent %q not in team %q", in.Agent, in.Team))
	}

	system := fmt.Sprintf("You are the %q agent in the %q team.", in.Agent, t.Name)
	if def.SystemPrompt != "" {
		system = def.SystemPrompt + "\n\n" + system
	}
	msg, err := a.Model.Chat(ctx, model.Request{
		System:   system,
		Messages: []models.Message{{Role: models.RoleUser, Content: composeTask(in.Task, in.Contributions, in.Agent)}},
	})
	if err != nil {
		if !model.Retryable(err) {
			return AgentReply{}, durable.NonRetryable(err)
		}
		return AgentReply{}, err
	}
	return AgentReply{Agent: in.Agent, Content: msg.Content}, nil
}

// InvokeRemoteAgent asks the service registered under the app id. The
// request id lets the far side pick up a retried request where it left off.
func (a *Activities) InvokeRemoteAgent(ctx context.Context, in RemoteInput) (AgentReply, error) {
	if a.Invoker == nil {
		return AgentReply{}, durable.NonRetryable(fmt.Errorf("remote invocation of %q is not configured", in.AppID))
	}
	resp, err := a.Invoker.Invoke(ctx, in.AppID, InvokeRequest{
		RequestID: in.RequestID,
		Agent:     in.Agent,
		Task:      in.Task,
	})
	if err != nil {
		return AgentReply{}, err
	}
	a.logger().Info("remote agent replied",
		zap.String("app_id", in.AppID),
		zap.String("remote_instance", resp.InstanceID))
	return AgentReply{Agent: in.Agent, Content: resp.Content, InstanceID: resp.InstanceID}, nil
}

func (a *Activities) ProcessResponse(ctx context.Context, in ProcessInput) (State, error) {
	s, err := a.strategy(in.Team)
	if err != nil {
		return State{}, err
	}
	st, err := s.Process(in.State, in.Contribution)
	if err != nil {
		return State{}, durable.NonRetryable(err)
	}
	return st, nil
}

func (a *Activities) ShouldContinue(ctx context.Context, in ContinueInput) (State, error) {
	s, err := a.strategy(in.Team)
	if err != nil {
		return State{}, err
	}
	st, err := s.ShouldContinue(in.State)
	if err != nil {
		return State{}, durable.NonRetryable(err)
	}
	return st, nil
}

// Finalize produces the closing message. A summary from the model is
// preferred; without one the last contribution stands.
func (a *Activities) Finalize(ctx context.Context, in FinalizeInput) (Result, error) {
	res := Result{
		Role:          models.RoleAssistant,
		Contributions: in.Contributions,
		Turns:         len(in.Contributions),
		StopReason:    in.StopReason,
	}
	if res.Contributions == nil {
		res.Contributions = []Contribution{}
	}

	switch {
	case in.Error != "":
		res.Content = internalErrorMessage(in.Error)
	case len(in.Contributions) == 0:
		res.Content = "No agent contributed to the task."
	default:
		res.Content = a.summarize(ctx, in)
	}
	res.FinalAnswer = res.Content
	return res, nil
}

func (a *Activities) summarize(ctx context.Context, in FinalizeInput) string {
	last := in.Contributions[len(in.Contributions)-1].Content
	if a.Model == nil {
		return last
	}
	msg, err := a.Model.Chat(ctx, model.Request{
		System:   "Summarize the team's work below into one final answer for the task. Answer the task directly.",
		Messages: []models.Message{{Role: models.RoleUser, Content: composeTask(in.Task, in.Contributions, "")}},
	})
	if err != nil || strings.TrimSpace(msg.Content) == "" {
		if err == nil {
			err = errors.New("empty summary")
		}
		a.logger().Warn("summary failed, using last contribution", zap.Error(err))
		return last
	}
	return msg.Content
}

func internalErrorMessage(detail string) string {
	return "Agent stopped due to an internal error: " + detail
}

// composeTask renders the task and the discussion so far for one agent.
func composeTask(task string, contributions []Contribution, agent string) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(task)
	if len(contributions) > 0 {
		b.WriteString("\n\nContributions so far:\n")
		for _, c := range contributions {
			fmt.Fprintf(&b, "\n[turn %d] %s:\n%s\n", c.Turn, c.Agent, c.Content)
		}
	}
	if agent != "" {
		fmt.Fprintf(&b, "\nRespond as %s.", agent)
	}
	return b.String()
}
