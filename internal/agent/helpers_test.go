package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/durable"
	"github.com/mpataki/shopfloor/internal/model"
	"github.com/mpataki/shopfloor/internal/models"
	"github.com/mpataki/shopfloor/internal/remotefs"
	"github.com/mpataki/shopfloor/internal/storage"
	"github.com/mpataki/shopfloor/internal/tools"
)

type harness struct {
	engine     *durable.Engine
	store      *storage.Storage
	registry   *tools.Registry
	workspaces *tools.LocalWorkspaces
	wsDir      string

	modelCalls atomic.Int32
	toolCalls  atomic.Int32

	mu       sync.Mutex
	requests []model.Request
}

// newHarness wires the real engine, store, registry and local workspaces
// around a scripted model. The reply function sees the turn number.
func newHarness(t *testing.T, reply func(ctx context.Context, turn int, req model.Request) (models.Message, error)) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.New(filepath.Join(dir, "agent.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:      st,
		registry:   tools.NewRegistry(nil),
		wsDir:      filepath.Join(dir, "workspaces"),
		engine: durable.New(st, zap.NewNop(), durable.WithRetryPolicy(durable.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		})),
	}
	h.workspaces = tools.NewLocalWorkspaces(h.wsDir, "", 5*time.Second)
	h.registry.Register(tools.Capability{
		Declaration: mcp.NewTool("echo",
			mcp.WithString("text", mcp.Required()),
			mcp.WithNumber("delay_ms"),
		),
		Execute: func(ctx context.Context, fsys remotefs.FileSystem, args tools.Args) (any, error) {
			h.toolCalls.Add(1)
			if ms, ok := args["delay_ms"].(float64); ok {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
			return args.String("text")
		},
	})

	client := model.Func(func(ctx context.Context, req model.Request) (models.Message, error) {
		h.modelCalls.Add(1)
		h.mu.Lock()
		h.requests = append(h.requests, req)
		h.mu.Unlock()
		return reply(ctx, turnOf(req), req)
	})

	acts := &Activities{
		Store:      st,
		Model:      client,
		Tools:      h.registry,
		Workspaces: h.workspaces,
	}
	acts.Register(h.engine)
	return h
}

// turnOf derives the turn from the number of assistant replies so far.
func turnOf(req model.Request) int {
	n := 1
	for _, m := range req.Messages {
		if m.Role == models.RoleAssistant {
			n++
		}
	}
	return n
}

func (h *harness) start(t *testing.T, task string) string {
	t.Helper()
	inst, err := h.engine.Create(models.KindAgent, task, "")
	if err != nil {
		t.Fatal(err)
	}
	return inst.ID
}

func (h *harness) run(ctx context.Context, id string, maxIter int) (Result, error) {
	out, err := h.engine.Run(ctx, id, Workflow{MaxIterations: maxIter}.Run)
	if err != nil {
		return Result{}, err
	}
	var res Result
	return res, json.Unmarshal(out, &res)
}

func (h *harness) lastRequest() model.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[len(h.requests)-1]
}

func (h *harness) stepsOfKind(t *testing.T, id, kind string) []*models.Step {
	t.Helper()
	steps, err := h.store.ListSteps(id)
	if err != nil {
		t.Fatal(err)
	}
	var out []*models.Step
	for _, s := range steps {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func toolCall(id, name string, args any) models.ToolCall {
	data, _ := json.Marshal(args)
	return models.ToolCall{ID: id, Name: name, Arguments: data}
}

func echoCall(id, text string, delayMS int) models.ToolCall {
	return toolCall(id, "echo", map[string]any{"text": text, "delay_ms": delayMS})
}

func toolMessages(req model.Request) map[string][]string {
	out := make(map[string][]string)
	for _, m := range req.Messages {
		if m.Role == models.RoleTool {
			out[m.ToolCallID] = append(out[m.ToolCallID], m.Content)
		}
	}
	return out
}

func final(content string) models.Message {
	return models.Message{Role: models.RoleAssistant, Content: content}
}

func withTools(calls ...models.ToolCall) models.Message {
	return models.Message{Role: models.RoleAssistant, ToolCalls: calls}
}
