package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/durable"
	"github.com/mpataki/shopfloor/internal/model"
	"github.com/mpataki/shopfloor/internal/models"
	"github.com/mpataki/shopfloor/internal/storage"
)

type fakeInvoker struct {
	mu       sync.Mutex
	requests []InvokeRequest
	// failFirst makes the first n invocations fail.
	failFirst int
	always    error
}

func (f *fakeInvoker) Invoke(ctx context.Context, appID string, req InvokeRequest) (InvokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.always != nil {
		return InvokeResponse{}, f.always
	}
	if len(f.requests) <= f.failFirst {
		return InvokeResponse{}, errors.New("connection reset")
	}
	return InvokeResponse{
		InstanceID: "remote-" + req.RequestID,
		Content:    fmt.Sprintf("%s@%s reviewed", req.Agent, appID),
	}, nil
}

func (f *fakeInvoker) seen() []InvokeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InvokeRequest(nil), f.requests...)
}

type orchHarness struct {
	engine     *durable.Engine
	invoker    *fakeInvoker
	teams      map[string]*models.Team
	modelCalls atomic.Int32
	summarize  func() (models.Message, error)
}

func newOrchHarness(t *testing.T, teams ...*models.Team) *orchHarness {
	t.Helper()
	st, err := storage.New(filepath.Join(t.TempDir(), "orch.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	h := &orchHarness{
		invoker: &fakeInvoker{},
		teams:   map[string]*models.Team{},
		engine: durable.New(st, zap.NewNop(), durable.WithRetryPolicy(durable.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		})),
	}
	for _, tm := range teams {
		h.teams[tm.Name] = tm
	}

	client := model.Func(func(ctx context.Context, req model.Request) (models.Message, error) {
		h.modelCalls.Add(1)
		if strings.HasPrefix(req.System, "Summarize") {
			if h.summarize != nil {
				return h.summarize()
			}
			return models.Message{Role: models.RoleAssistant, Content: "summary"}, nil
		}
		n := strings.Count(req.Messages[0].Content, "[turn ")
		return models.Message{Role: models.RoleAssistant, Content: fmt.Sprintf("draft %d", n+1)}, nil
	})

	acts := &Activities{
		Teams: func(name string) (*models.Team, error) {
			tm, ok := h.teams[name]
			if !ok {
				return nil, fmt.Errorf("no team %q", name)
			}
			return tm, nil
		},
		Model:   client,
		Invoker: h.invoker,
		Log:     zap.NewNop(),
	}
	acts.Register(h.engine)
	return h
}

func (h *orchHarness) run(t *testing.T, team, task string) (*models.Instance, Result) {
	t.Helper()
	inst, err := h.engine.Create(models.KindOrchestration, task, team)
	if err != nil {
		t.Fatal(err)
	}
	out, err := h.engine.Run(context.Background(), inst.ID, Workflow{LocalAppID: "local"}.Run)
	if err != nil {
		t.Fatal(err)
	}
	var res Result
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatal(err)
	}
	return inst, res
}

func mixedTeam(max int) *models.Team {
	return &models.Team{
		Name:          "mixed",
		Strategy:      models.StrategyRoundRobin,
		MaxIterations: max,
		Agents: map[string]*models.AgentDef{
			"author":   {Description: "writes", SystemPrompt: "You write."},
			"reviewer": {Description: "reviews", AppID: "review-svc"},
		},
	}
}

func TestOrchestrationLocalAndRemote(t *testing.T) {
	h := newOrchHarness(t, mixedTeam(4))
	inst, res := h.run(t, "mixed", "write a haiku")

	if res.Turns != 4 || len(res.Contributions) != 4 {
		t.Fatalf("result %+v", res)
	}
	wantAgents := []string{"author", "reviewer", "author", "reviewer"}
	for i, c := range res.Contributions {
		if c.Agent != wantAgents[i] || c.Turn != i+1 {
			t.Fatalf("contribution %d: %+v", i, c)
		}
	}
	if res.Contributions[2].Content != "draft 3" {
		t.Fatalf("local agent did not see the discussion: %q", res.Contributions[2].Content)
	}
	if res.Content != "summary" || res.FinalAnswer != "summary" || res.Role != models.RoleAssistant {
		t.Fatalf("final message %+v", res)
	}
	if !strings.Contains(res.StopReason, "max iterations") {
		t.Fatalf("stop reason %q", res.StopReason)
	}

	reqs := h.invoker.seen()
	if len(reqs) != 2 {
		t.Fatalf("remote invoked %d times", len(reqs))
	}
	if reqs[0].RequestID != inst.ID+"/2" || reqs[1].RequestID != inst.ID+"/4" {
		t.Fatalf("request ids %q %q", reqs[0].RequestID, reqs[1].RequestID)
	}
	if !strings.Contains(reqs[1].Task, "write a haiku") || !strings.Contains(reqs[1].Task, "[turn 3] author") {
		t.Fatalf("remote task %q", reqs[1].Task)
	}

	got, _ := h.engine.Store().GetInstance(inst.ID)
	if got.Status != models.InstanceStatusComplete {
		t.Fatalf("status %s", got.Status)
	}
}

func TestOrchestrationReplayInvokesNothing(t *testing.T) {
	h := newOrchHarness(t, mixedTeam(2))
	inst, res := h.run(t, "mixed", "task")
	calls := h.modelCalls.Load()
	remote := len(h.invoker.seen())

	out, stats, err := h.engine.Replay(context.Background(), inst.ID, Workflow{LocalAppID: "local"}.Run)
	if err != nil {
		t.Fatal(err)
	}
	var replayed Result
	if err := json.Unmarshal(out, &replayed); err != nil {
		t.Fatal(err)
	}
	if stats.Executed != 0 || replayed.Content != res.Content || replayed.Turns != res.Turns {
		t.Fatalf("replay stats %+v result %+v", stats, replayed)
	}
	if h.modelCalls.Load() != calls || len(h.invoker.seen()) != remote {
		t.Fatal("replay performed real work")
	}
}

func TestRemoteRetryKeepsRequestID(t *testing.T) {
	h := newOrchHarness(t, mixedTeam(2))
	h.invoker.failFirst = 1
	inst, res := h.run(t, "mixed", "task")

	reqs := h.invoker.seen()
	if len(reqs) != 2 || reqs[0].RequestID != reqs[1].RequestID || reqs[0].RequestID != inst.ID+"/2" {
		t.Fatalf("requests %+v", reqs)
	}
	if res.Contributions[1].Content != "reviewer@review-svc reviewed" {
		t.Fatalf("contributions %+v", res.Contributions)
	}
}

func TestOrchestrationErrorBecomesFinalMessage(t *testing.T) {
	h := newOrchHarness(t, mixedTeam(4))
	h.invoker.always = errors.New("no responders")
	inst, res := h.run(t, "mixed", "task")

	if !strings.HasPrefix(res.Content, "Agent stopped due to an internal error") {
		t.Fatalf("final message %q", res.Content)
	}
	if len(res.Contributions) != 1 {
		t.Fatalf("contributions %+v", res.Contributions)
	}
	got, _ := h.engine.Store().GetInstance(inst.ID)
	if got.Status != models.InstanceStatusComplete {
		t.Fatalf("status %s", got.Status)
	}
}

func TestLuaStopVerdictEndsOrchestration(t *testing.T) {
	team := &models.Team{
		Name:          "scripted",
		Strategy:      models.StrategyLua,
		MaxIterations: 10,
		StrategyScript: `
function select_next(state, agents) return "solo" end
function should_continue(state)
  if state.turn >= 2 then return false, "enough" end
  return true
end
`,
		Agents: map[string]*models.AgentDef{"solo": {Description: "does it all"}},
	}
	h := newOrchHarness(t, team)
	_, res := h.run(t, "scripted", "task")

	if res.Turns != 2 || res.StopReason != "enough" {
		t.Fatalf("result %+v", res)
	}
}

func TestSummaryFallsBackToLastContribution(t *testing.T) {
	h := newOrchHarness(t, mixedTeam(1))
	h.summarize = func() (models.Message, error) {
		return models.Message{}, fmt.Errorf("%w: bad request", model.ErrFatal)
	}
	_, res := h.run(t, "mixed", "task")
	if res.Content != "draft 1" {
		t.Fatalf("final message %q", res.Content)
	}
}

func TestUnknownTeamFailsCleanly(t *testing.T) {
	h := newOrchHarness(t)
	_, res := h.run(t, "ghost", "task")
	if !strings.Contains(res.Content, "ghost") || len(res.Contributions) != 0 {
		t.Fatalf("result %+v", res)
	}
}
