package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/models"
	"github.com/mpataki/shopfloor/internal/remotefs"
	"github.com/mpataki/shopfloor/internal/sandbox"
	"github.com/mpataki/shopfloor/internal/workspace"
)

// Workspaces hands out the filesystem an instance's tools run against.
type Workspaces interface {
	With(ctx context.Context, instanceID string, fn func(remotefs.FileSystem) error) error
	Release(ctx context.Context, instanceID string) error
}

// LocalWorkspaces gives every instance its own directory on this machine.
type LocalWorkspaces struct {
	BaseDir        string
	SourceRepo     string
	CommandTimeout time.Duration

	mu  sync.Mutex
	fss map[string]*remotefs.LocalFS
}

func NewLocalWorkspaces(baseDir, sourceRepo string, timeout time.Duration) *LocalWorkspaces {
	return &LocalWorkspaces{
		BaseDir:        baseDir,
		SourceRepo:     sourceRepo,
		CommandTimeout: timeout,
		fss:            make(map[string]*remotefs.LocalFS),
	}
}

func (l *LocalWorkspaces) With(ctx context.Context, instanceID string, fn func(remotefs.FileSystem) error) error {
	fsys, err := l.open(instanceID)
	if err != nil {
		return err
	}
	return fn(fsys)
}

func (l *LocalWorkspaces) open(instanceID string) (*remotefs.LocalFS, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fsys, ok := l.fss[instanceID]; ok {
		return fsys, nil
	}
	ws, err := workspace.OpenOrCreate(l.BaseDir, instanceID, l.SourceRepo)
	if err != nil {
		return nil, err
	}
	fsys, err := remotefs.NewLocalFS(ws.RepoPath, l.CommandTimeout)
	if err != nil {
		return nil, err
	}
	l.fss[instanceID] = fsys
	return fsys, nil
}

// Release forgets the cached filesystem. The directory stays so the
// result can be inspected; delete removes it.
func (l *LocalWorkspaces) Release(ctx context.Context, instanceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.fss, instanceID)
	return nil
}

// SandboxWorkspaces maps each instance onto a pooled sandbox whose claim
// is named after the instance.
type SandboxWorkspaces struct {
	pool *sandbox.Pool[*sandbox.Sandbox]
	mgr  *sandbox.Manager
}

func NewSandboxWorkspaces(mgr *sandbox.Manager, opts sandbox.PoolOptions, log *zap.Logger) *SandboxWorkspaces {
	return &SandboxWorkspaces{
		pool: sandbox.NewPool(mgr.Acquire, opts, log),
		mgr:  mgr,
	}
}

// Pool exposes the pool so the caller can run its sweeper and close it.
func (s *SandboxWorkspaces) Pool() *sandbox.Pool[*sandbox.Sandbox] {
	return s.pool
}

func (s *SandboxWorkspaces) With(ctx context.Context, instanceID string, fn func(remotefs.FileSystem) error) error {
	return s.pool.Do(ctx, instanceID, func(sb *sandbox.Sandbox) error {
		return fn(sb.FileSystem())
	})
}

// Release destroys the instance's sandbox. A sandbox this process never
// attached to is destroyed by its claim name.
func (s *SandboxWorkspaces) Release(ctx context.Context, instanceID string) error {
	if s.pool.Evict(ctx, instanceID) {
		return nil
	}
	return s.mgr.Handle(s.mgr.ClaimNameFor(instanceID)).Destroy(ctx)
}

// Run executes call in the instance's workspace. Losing the workspace
// after the pool's retry is reported to the model like any tool failure.
func Run(ctx context.Context, reg *Registry, ws Workspaces, instanceID string, call models.ToolCall) models.ToolResult {
	var result models.ToolResult
	err := ws.With(ctx, instanceID, func(fsys remotefs.FileSystem) error {
		var err error
		result, err = reg.Execute(ctx, fsys, call)
		return err
	})
	if err != nil {
		result.ToolCallID = call.ID
		result.Name = call.Name
		result.Role = models.RoleTool
		result.Content = errorContent(fmt.Errorf("workspace unavailable: %w", err))
	}
	return result
}
