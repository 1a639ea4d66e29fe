// Package agent implements the durable tool-using agent loop.
package agent

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/durable"
	"github.com/mpataki/shopfloor/internal/models"
)

const DefaultMaxIterations = 10

const (
	ActivityBootstrap       = "agent.Bootstrap"
	ActivityCallModel       = "agent.CallModel"
	ActivityRunTool         = "agent.RunTool"
	ActivitySaveToolResults = "agent.SaveToolResults"
	ActivityFinalize        = "agent.Finalize"
)

// Result is the value a completed agent instance produces.
type Result struct {
	Role         models.Role             `json:"role"`
	Content      string                  `json:"content"`
	ToolCalls    []models.ToolCall       `json:"tool_calls,omitempty"`
	AllToolCalls []models.ToolCallRecord `json:"all_tool_calls"`
	FinalAnswer  string                  `json:"final_answer"`
}

func MaxStepsMessage(n int) string {
	return fmt.Sprintf("Reached max reasoning steps (%d) without a final answer.", n)
}

func InternalErrorMessage(err error) string {
	return fmt.Sprintf("Agent stopped due to an internal error: %v", err)
}

type Workflow struct {
	MaxIterations int
}

// Run is a durable.WorkflowFunc. Everything it branches on comes back
// through wctx, so a resumed run takes the same path as the original.
func (w Workflow) Run(wctx *durable.Context) (any, error) {
	inst := wctx.Instance()
	maxIter := w.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	result, err := w.loop(wctx, inst, maxIter)
	if err != nil {
		if wctx.Err() != nil {
			return nil, err
		}
		wctx.Logger().Error("agent loop failed", zap.Error(err))
		result.Role = models.RoleAssistant
		result.Content = InternalErrorMessage(err)
		result.ToolCalls = nil
		result.FinalAnswer = result.Content
	}

	if err := wctx.Call(ActivityFinalize, FinalizeInput{InstanceID: inst.ID, Result: result}, nil); err != nil {
		return nil, err
	}
	return result, nil
}

func (w Workflow) loop(wctx *durable.Context, inst models.Instance, maxIter int) (Result, error) {
	result := Result{Role: models.RoleAssistant, AllToolCalls: []models.ToolCallRecord{}}

	var boot BootstrapOutput
	if err := wctx.Call(ActivityBootstrap, BootstrapInput{InstanceID: inst.ID, Task: inst.Task}, &boot); err != nil {
		return result, err
	}

	var previous []models.ToolResult
	for turn := 1; turn <= maxIter; turn++ {
		wctx.SetTurn(turn)

		in := CallModelInput{InstanceID: inst.ID, Turn: turn, PreviousToolResults: previous}
		if turn == 1 {
			in.Task = inst.Task
		}
		var msg models.Message
		if err := wctx.Call(ActivityCallModel, in, &msg); err != nil {
			return result, err
		}
		previous = nil

		if len(msg.ToolCalls) == 0 {
			result.Content = msg.Content
			result.FinalAnswer = msg.Content
			return result, nil
		}
		wctx.Logger().Info("running tools", zap.Int("turn", turn), zap.Int("count", len(msg.ToolCalls)))

		outs := make([]models.ToolResult, len(msg.ToolCalls))
		calls := make([]durable.Call, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			calls[i] = durable.Call{
				Kind:  ActivityRunTool,
				Input: RunToolInput{InstanceID: inst.ID, ToolCall: tc, Order: i},
				Out:   &outs[i],
			}
		}
		if err := errors.Join(wctx.CallAll(calls)...); err != nil {
			return result, err
		}

		results, err := matchResults(msg.ToolCalls, outs)
		if err != nil {
			return result, err
		}
		for i, tc := range msg.ToolCalls {
			result.AllToolCalls = append(result.AllToolCalls, models.ToolCallRecord{
				Tool:      tc.Name,
				Arguments: tc.Arguments,
				Result:    results[i].Content,
			})
		}

		save := SaveToolResultsInput{InstanceID: inst.ID, Turn: turn, Results: results}
		if err := wctx.Call(ActivitySaveToolResults, save, nil); err != nil {
			return result, err
		}
		previous = results
	}

	result.Content = MaxStepsMessage(maxIter)
	result.FinalAnswer = result.Content
	return result, nil
}

// matchResults orders results like calls, pairing them by tool call id.
func matchResults(calls []models.ToolCall, outs []models.ToolResult) ([]models.ToolResult, error) {
	byID := make(map[string]models.ToolResult, len(outs))
	for _, r := range outs {
		byID[r.ToolCallID] = r
	}
	results := make([]models.ToolResult, len(calls))
	for i, tc := range calls {
		r, ok := byID[tc.ID]
		if !ok {
			return nil, fmt.Errorf("no result for tool call %s (%s)", tc.ID, tc.Name)
		}
		results[i] = r
	}
	return results, nil
}
