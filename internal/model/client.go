// Package model talks to chat-completion providers.
package model

import (
	"context"
	"errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mpataki/shopfloor/internal/models"
)

type Request struct {
	System   string
	Messages []models.Message
	Tools    []mcp.Tool
}

// Client performs one inference call and returns the assistant message.
type Client interface {
	Chat(ctx context.Context, req Request) (models.Message, error)
}

// Func adapts a function to Client.
type Func func(ctx context.Context, req Request) (models.Message, error)

func (f Func) Chat(ctx context.Context, req Request) (models.Message, error) { return f(ctx, req) }

// ErrFatal marks provider errors that will not go away on retry.
var ErrFatal = errors.New("fatal provider error")

// Retryable reports whether a failed Chat call is worth repeating.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrFatal) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}

var fatalPatterns = []string{
	"billing",
	"payment",
	"quota exceeded",
	"insufficient",
	"invalid api key",
}
