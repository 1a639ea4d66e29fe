// Package tools holds the capability table the agent hands to the model
// and dispatches tool calls through.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mpataki/shopfloor/internal/models"
	"github.com/mpataki/shopfloor/internal/remotefs"
)

// Executor runs one tool call against a workspace filesystem and returns
// the content reported back to the model.
type Executor func(ctx context.Context, fsys remotefs.FileSystem, args Args) (any, error)

type Capability struct {
	Declaration      mcp.Tool
	Execute          Executor
	RequiresApproval bool
	// DeclarationOnly tools are shown to the model but executed by
	// something other than this process.
	DeclarationOnly bool
}

func (c *Capability) Name() string { return c.Declaration.Name }

type Registry struct {
	caps        map[string]*Capability
	autoApprove map[string]bool
}

// NewRegistry returns a registry holding the built-in tools. Tools that
// require approval run only when listed in autoApprove.
func NewRegistry(autoApprove []string) *Registry {
	r := &Registry{
		caps:        make(map[string]*Capability),
		autoApprove: make(map[string]bool),
	}
	for _, name := range autoApprove {
		r.autoApprove[name] = true
	}
	for _, c := range builtins() {
		r.Register(c)
	}
	return r
}

func (r *Registry) Register(c Capability) {
	r.caps[c.Name()] = &c
}

// Declare adds a declaration-only tool.
func (r *Registry) Declare(tool mcp.Tool) {
	r.Register(Capability{Declaration: tool, DeclarationOnly: true})
}

func (r *Registry) Lookup(name string) (*Capability, bool) {
	c, ok := r.caps[name]
	return c, ok
}

// Declarations returns every tool sorted by name.
func (r *Registry) Declarations() []mcp.Tool {
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]mcp.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.caps[name].Declaration)
	}
	return out
}

// Approved reports whether the capability may run without a human.
func (r *Registry) Approved(c *Capability) bool {
	return !c.RequiresApproval || r.autoApprove[c.Name()]
}

// Execute runs call and packages the outcome as a tool result. Tool
// failures become result content; the returned error is reserved for a
// workspace that could not be reached, so the caller can retry elsewhere.
func (r *Registry) Execute(ctx context.Context, fsys remotefs.FileSystem, call models.ToolCall) (models.ToolResult, error) {
	result := models.ToolResult{Role: models.RoleTool, ToolCallID: call.ID, Name: call.Name}

	c, ok := r.caps[call.Name]
	switch {
	case !ok:
		result.Content = errorContent(fmt.Errorf("unknown tool %q", call.Name))
		return result, nil
	case c.DeclarationOnly:
		result.Content = errorContent(fmt.Errorf("tool %q cannot be executed by this agent", call.Name))
		return result, nil
	case !r.Approved(c):
		result.Content = errorContent(fmt.Errorf("tool %q requires approval", call.Name))
		return result, nil
	}

	args, err := ParseArgs(call.Arguments)
	if err != nil {
		result.Content = errorContent(err)
		return result, nil
	}

	out, err := c.Execute(ctx, fsys, args)
	if err != nil {
		if errors.Is(err, remotefs.ErrUnreachable) {
			return result, err
		}
		result.Content = errorContent(err)
		return result, nil
	}

	result.Content, err = encodeContent(out)
	if err != nil {
		result.Content = errorContent(err)
	}
	return result, nil
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func errorContent(err error) string {
	body := errorBody{Error: err.Error()}
	if code := remotefs.CodeOf(err); code != "" {
		body.Code = string(code)
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func encodeContent(out any) (string, error) {
	if s, ok := out.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
