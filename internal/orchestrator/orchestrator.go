// Package orchestrator starts, resumes and cleans up durable instances of
// both kinds over one engine.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/agent"
	"github.com/mpataki/shopfloor/internal/durable"
	"github.com/mpataki/shopfloor/internal/model"
	"github.com/mpataki/shopfloor/internal/models"
	"github.com/mpataki/shopfloor/internal/orchestration"
	"github.com/mpataki/shopfloor/internal/storage"
	"github.com/mpataki/shopfloor/internal/tools"
	"github.com/mpataki/shopfloor/internal/workspace"
)

type Options struct {
	Model      model.Client
	Tools      *tools.Registry
	Workspaces tools.Workspaces
	// WorkspaceDir holds local instance directories; empty when tools run
	// in sandboxes.
	WorkspaceDir  string
	Teams         orchestration.TeamSource
	Invoker       orchestration.RemoteInvoker
	LocalAppID    string
	SystemPrompt  string
	MaxIterations int
}

type Orchestrator struct {
	engine       *durable.Engine
	storage      *storage.Storage
	workspaces   tools.Workspaces
	workspaceDir string
	teams        orchestration.TeamSource
	agentWF      agent.Workflow
	orchWF       orchestration.Workflow
	log          *zap.Logger
}

// New registers every activity on engine and returns an orchestrator
// driving it.
func New(engine *durable.Engine, opts Options, log *zap.Logger) *Orchestrator {
	log = log.With(zap.String("component", "orchestrator"))

	agentActs := &agent.Activities{
		Store:        engine.Store(),
		Model:        opts.Model,
		Tools:        opts.Tools,
		Workspaces:   opts.Workspaces,
		SystemPrompt: opts.SystemPrompt,
		Log:          log.With(zap.String("workflow", "agent")),
	}
	agentActs.Register(engine)

	orchActs := &orchestration.Activities{
		Teams:   opts.Teams,
		Model:   opts.Model,
		Invoker: opts.Invoker,
		Log:     log.With(zap.String("workflow", "orchestration")),
	}
	orchActs.Register(engine)

	return &Orchestrator{
		engine:       engine,
		storage:      engine.Store(),
		workspaces:   opts.Workspaces,
		workspaceDir: opts.WorkspaceDir,
		teams:        opts.Teams,
		agentWF:      agent.Workflow{MaxIterations: opts.MaxIterations},
		orchWF:       orchestration.Workflow{LocalAppID: opts.LocalAppID},
		log:          log,
	}
}

func (o *Orchestrator) StartAgent(task string) (*models.Instance, error) {
	return o.engine.Create(models.KindAgent, task, "")
}

// StartOrchestration checks the team resolves before recording anything.
// The reference is stored as given so a resume resolves it the same way.
func (o *Orchestrator) StartOrchestration(teamRef, task string) (*models.Instance, error) {
	if o.teams == nil {
		return nil, errors.New("no team source configured")
	}
	if _, err := o.teams(teamRef); err != nil {
		return nil, err
	}
	return o.engine.Create(models.KindOrchestration, task, teamRef)
}

// Workflow returns the body that drives instances of kind.
func (o *Orchestrator) Workflow(kind models.InstanceKind) (durable.WorkflowFunc, error) {
	switch kind {
	case models.KindAgent:
		return o.agentWF.Run, nil
	case models.KindOrchestration:
		return o.orchWF.Run, nil
	}
	return nil, fmt.Errorf("unknown instance kind %q", kind)
}

func (o *Orchestrator) Execute(ctx context.Context, id string) (json.RawMessage, error) {
	wf, err := o.workflowFor(id)
	if err != nil {
		return nil, err
	}
	return o.engine.Run(ctx, id, wf)
}

func (o *Orchestrator) Resume(ctx context.Context, id string) (json.RawMessage, error) {
	wf, err := o.workflowFor(id)
	if err != nil {
		return nil, err
	}
	return o.engine.Resume(ctx, id, wf)
}

// Verify replays the instance from its log alone and reports how many
// steps were served.
func (o *Orchestrator) Verify(ctx context.Context, id string) (json.RawMessage, durable.Stats, error) {
	wf, err := o.workflowFor(id)
	if err != nil {
		return nil, durable.Stats{}, err
	}
	return o.engine.Replay(ctx, id, wf)
}

func (o *Orchestrator) workflowFor(id string) (durable.WorkflowFunc, error) {
	inst, err := o.storage.GetInstance(id)
	if err != nil {
		return nil, err
	}
	return o.Workflow(inst.Kind)
}

// AgentRunner serves remote invocations with this orchestrator's agent
// workflow.
func (o *Orchestrator) AgentRunner(appID string) orchestration.AgentRunner {
	return orchestration.NewAgentRunner(o.engine, appID, o.agentWF.Run)
}

func (o *Orchestrator) ListInstances(limit int) ([]*models.Instance, error) {
	return o.storage.ListInstances(limit)
}

func (o *Orchestrator) GetInstance(id string) (*models.Instance, error) {
	return o.storage.GetInstance(id)
}

func (o *Orchestrator) Steps(id string) ([]*models.Step, error) {
	return o.storage.ListSteps(id)
}

func (o *Orchestrator) Messages(id string) ([]models.Message, error) {
	return o.storage.ListMessages(id)
}

// Kill marks a non-terminal instance failed so it is never resumed. It
// does not reach into another process that may still be running it.
func (o *Orchestrator) Kill(ctx context.Context, id string) error {
	inst, err := o.storage.GetInstance(id)
	if err != nil {
		return fmt.Errorf("failed to get instance: %w", err)
	}
	if inst.Terminal() {
		return fmt.Errorf("instance %s is already %s", id, inst.Status)
	}

	now := time.Now().UTC()
	inst.Status = models.InstanceStatusFailed
	inst.Error = "killed"
	inst.CompletedAt = &now
	if err := o.storage.UpdateInstance(inst); err != nil {
		return err
	}
	o.release(ctx, id)
	return nil
}

// Delete removes the instance's workspace and every record of it.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	if _, err := o.storage.GetInstance(id); err != nil {
		return fmt.Errorf("failed to get instance: %w", err)
	}
	o.release(ctx, id)

	if o.workspaceDir != "" {
		ws, err := workspace.Open(o.workspaceDir, id)
		switch {
		case err == nil:
			if err := ws.Remove(); err != nil {
				return err
			}
		case !errors.Is(err, workspace.ErrNotExist):
			return err
		}
	}
	return o.storage.DeleteInstance(id)
}

func (o *Orchestrator) release(ctx context.Context, id string) {
	if o.workspaces == nil {
		return
	}
	if err := o.workspaces.Release(ctx, id); err != nil {
		o.log.Warn("failed to release workspace", zap.String("instance", id), zap.Error(err))
	}
}
