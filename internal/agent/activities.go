package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/durable"
	"github.com/mpataki/shopfloor/internal/model"
	"github.com/mpataki/shopfloor/internal/models"
	"github.com/mpataki/shopfloor/internal/remotefs"
	"github.com/mpataki/shopfloor/internal/sandbox"
	"github.com/mpataki/shopfloor/internal/storage"
	"github.com/mpataki/shopfloor/internal/telemetry"
	"github.com/mpataki/shopfloor/internal/tools"
)

type BootstrapInput struct {
	InstanceID string `json:"instance_id"`
	Task       string `json:"task"`
}

type BootstrapOutput struct {
	InstanceID string    `json:"instance_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Workspace  string    `json:"workspace"`
	StartedAt  time.Time `json:"started_at"`
}

type CallModelInput struct {
	InstanceID          string              `json:"instance_id"`
	Turn                int                 `json:"turn"`
	Task                string              `json:"task,omitempty"`
	PreviousToolResults []models.ToolResult `json:"previous_tool_results,omitempty"`
}

type RunToolInput struct {
	InstanceID string          `json:"instance_id"`
	ToolCall   models.ToolCall `json:"tool_call"`
	Order      int             `json:"order"`
}

type SaveToolResultsInput struct {
	InstanceID string              `json:"instance_id"`
	Turn       int                 `json:"turn"`
	Results    []models.ToolResult `json:"results"`
}

type SaveToolResultsOutput struct {
	Added int `json:"added"`
}

type FinalizeInput struct {
	InstanceID string `json:"instance_id"`
	Result     Result `json:"result"`
}

// Activities performs the agent's I/O. Every method may run more than
// once for the same step.
type Activities struct {
	Store        *storage.Storage
	Model        model.Client
	Tools        *tools.Registry
	Workspaces   tools.Workspaces
	SystemPrompt string
	Log          *zap.Logger
}

func (a *Activities) Register(e *durable.Engine) {
	durable.RegisterFunc(e, ActivityBootstrap, a.Bootstrap)
	durable.RegisterFunc(e, ActivityCallModel, a.CallModel)
	durable.RegisterFunc(e, ActivityRunTool, a.RunTool)
	durable.RegisterFunc(e, ActivitySaveToolResults, a.SaveToolResults)
	durable.RegisterFunc(e, ActivityFinalize, a.Finalize)
}

func (a *Activities) logger() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}

// Bootstrap prepares the instance's workspace and records where the run
// started.
func (a *Activities) Bootstrap(ctx context.Context, in BootstrapInput) (BootstrapOutput, error) {
	out := BootstrapOutput{
		InstanceID: in.InstanceID,
		TraceID:    telemetry.TraceID(ctx),
		StartedAt:  time.Now().UTC(),
	}
	err := a.Workspaces.With(ctx, in.InstanceID, func(fsys remotefs.FileSystem) error {
		out.Workspace = fsys.Base()
		return nil
	})
	if err != nil {
		var perr *sandbox.ProvisioningError
		if errors.As(err, &perr) {
			return out, durable.NonRetryable(err)
		}
		return out, fmt.Errorf("prepare workspace: %w", err)
	}
	a.logger().Info("agent bootstrapped",
		zap.String("instance", in.InstanceID),
		zap.String("workspace", out.Workspace))
	return out, nil
}

// CallModel returns the assistant message for in.Turn, calling the model
// only if that turn has no recorded reply yet.
func (a *Activities) CallModel(ctx context.Context, in CallModelInput) (models.Message, error) {
	if existing, err := a.Store.AssistantMessage(in.InstanceID, in.Turn); err != nil {
		return models.Message{}, err
	} else if existing != nil {
		return *existing, nil
	}

	var pending []models.Message
	if in.Task != "" {
		pending = append(pending, models.Message{Role: models.RoleUser, Content: in.Task})
	}
	for _, r := range in.PreviousToolResults {
		pending = append(pending, toolMessage(r))
	}
	if len(pending) > 0 {
		added, err := a.Store.AppendMessages(in.InstanceID, in.Turn, pending)
		if err != nil {
			return models.Message{}, fmt.Errorf("append conversation: %w", err)
		}
		if skipped := len(pending) - added; skipped > 0 {
			a.logger().Debug("skipped recorded messages",
				zap.String("instance", in.InstanceID),
				zap.Int("turn", in.Turn),
				zap.Int("skipped", skipped))
		}
	}

	history, err := a.Store.ListMessages(in.InstanceID)
	if err != nil {
		return models.Message{}, err
	}

	msg, err := a.Model.Chat(ctx, model.Request{
		System:   a.SystemPrompt,
		Messages: history,
		Tools:    a.Tools.Declarations(),
	})
	if err != nil {
		if !model.Retryable(err) {
			return models.Message{}, durable.NonRetryable(err)
		}
		return models.Message{}, err
	}
	msg.Role = models.RoleAssistant
	answered, err := a.Store.RecordedToolResults(in.InstanceID)
	if err != nil {
		return models.Message{}, err
	}
	normalizeToolCallIDs(&msg, in.Turn, answered)

	added, err := a.Store.AppendMessages(in.InstanceID, in.Turn, []models.Message{msg})
	if err != nil {
		return models.Message{}, fmt.Errorf("append reply: %w", err)
	}
	if added == 0 {
		// Another attempt recorded this turn first; its reply wins.
		if existing, err := a.Store.AssistantMessage(in.InstanceID, in.Turn); err == nil && existing != nil {
			return *existing, nil
		}
	}
	return msg, nil
}

// normalizeToolCallIDs gives every call an id unique across the whole
// conversation so results can be matched to calls. used holds the ids
// already answered in earlier turns and is extended in place.
func normalizeToolCallIDs(msg *models.Message, turn int, used map[string]bool) {
	if used == nil {
		used = make(map[string]bool, len(msg.ToolCalls))
	}
	for i := range msg.ToolCalls {
		tc := &msg.ToolCalls[i]
		if tc.ID == "" || used[tc.ID] {
			id := fmt.Sprintf("call_t%d_%d", turn, i)
			for n := 1; used[id]; n++ {
				id = fmt.Sprintf("call_t%d_%d_%d", turn, i, n)
			}
			tc.ID = id
		}
		if len(tc.Arguments) == 0 {
			tc.Arguments = json.RawMessage("{}")
		}
		used[tc.ID] = true
	}
}

// RunTool executes one tool call. Tool failures come back as content.
func (a *Activities) RunTool(ctx context.Context, in RunToolInput) (models.ToolResult, error) {
	start := time.Now()
	res := tools.Run(ctx, a.Tools, a.Workspaces, in.InstanceID, in.ToolCall)
	a.logger().Debug("tool finished",
		zap.String("instance", in.InstanceID),
		zap.String("tool", in.ToolCall.Name),
		zap.String("call_id", in.ToolCall.ID),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

func (a *Activities) SaveToolResults(ctx context.Context, in SaveToolResultsInput) (SaveToolResultsOutput, error) {
	msgs := make([]models.Message, 0, len(in.Results))
	for _, r := range in.Results {
		msgs = append(msgs, toolMessage(r))
	}
	added, err := a.Store.AppendMessages(in.InstanceID, in.Turn, msgs)
	if err != nil {
		return SaveToolResultsOutput{}, fmt.Errorf("save tool results: %w", err)
	}
	return SaveToolResultsOutput{Added: added}, nil
}

// Finalize stores the final answer on the instance and releases its
// workspace.
func (a *Activities) Finalize(ctx context.Context, in FinalizeInput) (struct{}, error) {
	inst, err := a.Store.GetInstance(in.InstanceID)
	if err != nil {
		return struct{}{}, err
	}
	data, err := json.Marshal(in.Result)
	if err != nil {
		return struct{}{}, durable.NonRetryable(err)
	}
	now := time.Now().UTC()
	inst.Result = data
	inst.Status = models.InstanceStatusComplete
	if inst.CompletedAt == nil {
		inst.CompletedAt = &now
	}
	if err := a.Store.UpdateInstance(inst); err != nil {
		return struct{}{}, err
	}

	if err := a.Workspaces.Release(ctx, in.InstanceID); err != nil {
		a.logger().Warn("failed to release workspace", zap.String("instance", in.InstanceID), zap.Error(err))
	}
	a.logger().Info("agent finished",
		zap.String("instance", in.InstanceID),
		zap.Int("tool_calls", len(in.Result.AllToolCalls)))
	return struct{}{}, nil
}

func toolMessage(r models.ToolResult) models.Message {
	return models.Message{
		Role:       models.RoleTool,
		Content:    r.Content,
		ToolCallID: r.ToolCallID,
		Name:       r.Name,
	}
}
