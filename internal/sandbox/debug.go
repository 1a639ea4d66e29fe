package sandbox

import (
	"regexp"
	"time"
)

// DebugInfo is a snapshot of a sandbox that is safe to log or print.
type DebugInfo struct {
	Claim       string    `json:"claim"`
	Namespace   string    `json:"namespace"`
	Template    string    `json:"template"`
	WorkDir     string    `json:"work_dir"`
	State       State     `json:"state"`
	Endpoint    *Endpoint `json:"endpoint,omitempty"`
	Strategy    string    `json:"strategy,omitempty"`
	Image       string    `json:"image,omitempty"`
	ImagePinned bool      `json:"image_pinned"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ReadyAt     time.Time `json:"ready_at,omitempty"`
	DestroyedAt time.Time `json:"destroyed_at,omitempty"`
}

var secretPattern = regexp.MustCompile(`(?i)(token|secret|password|passwd|api[_-]?key|authorization|bearer)(["'=:\s]+)([^\s"'&,]+)`)

// Redact masks credential-looking values in s.
func Redact(s string) string {
	return secretPattern.ReplaceAllString(s, "${1}${2}[REDACTED]")
}

func (s *Sandbox) DebugInfo() DebugInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := DebugInfo{
		Claim:       s.claimName,
		Namespace:   s.m.opts.Namespace,
		Template:    s.m.opts.Template,
		WorkDir:     s.m.opts.WorkDir,
		State:       s.state,
		Strategy:    s.strategy,
		Image:       Redact(s.image),
		ImagePinned: imagePinned(s.image),
		LastError:   Redact(s.lastErr),
		CreatedAt:   s.createdAt,
		ReadyAt:     s.readyAt,
		DestroyedAt: s.destroyedAt,
	}
	if s.endpoint != nil {
		ep := *s.endpoint
		info.Endpoint = &ep
	}
	return info
}

var digestPattern = regexp.MustCompile(`@sha256:[a-f0-9]{64}$`)

func imagePinned(image string) bool {
	return digestPattern.MatchString(image)
}
