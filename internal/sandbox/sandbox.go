package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/remotefs"
)

type Options struct {
	Namespace           string
	Template            string
	WorkDir             string
	ClaimPrefix         string
	ProvisioningTimeout time.Duration
	PollInterval        time.Duration
	CommandTimeout      time.Duration
}

func (o *Options) withDefaults() {
	if o.Namespace == "" {
		o.Namespace = "default"
	}
	if o.WorkDir == "" {
		o.WorkDir = "/workspace"
	}
	if o.ClaimPrefix == "" {
		o.ClaimPrefix = "shopfloor"
	}
	if o.ProvisioningTimeout <= 0 {
		o.ProvisioningTimeout = 180 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = remotefs.DefaultCommandTimeout
	}
}

// Manager creates sandboxes against one control plane.
type Manager struct {
	cp          ControlPlane
	opts        Options
	log         *zap.Logger
	endpointURL func(address string) string
	channelOpts []remotefs.ChannelOption
}

type ManagerOption func(*Manager)

// WithEndpointURL overrides how a pod address becomes the unit's base URL.
func WithEndpointURL(fn func(address string) string) ManagerOption {
	return func(m *Manager) { m.endpointURL = fn }
}

func WithChannelOptions(opts ...remotefs.ChannelOption) ManagerOption {
	return func(m *Manager) { m.channelOpts = append(m.channelOpts, opts...) }
}

func NewManager(cp ControlPlane, opts Options, log *zap.Logger, mopts ...ManagerOption) *Manager {
	opts.withDefaults()
	m := &Manager{
		cp:          cp,
		opts:        opts,
		log:         log.With(zap.String("component", "sandbox")),
		endpointURL: remotefs.EndpointURL,
	}
	for _, o := range mopts {
		o(m)
	}
	return m
}

func (m *Manager) Options() Options { return m.opts }

// New returns an unstarted sandbox with a fresh claim name.
func (m *Manager) New() *Sandbox {
	return &Sandbox{
		m:         m,
		claimName: fmt.Sprintf("%s-%s", m.opts.ClaimPrefix, uuid.NewString()[:8]),
		state:     StatePending,
	}
}

// Start creates and starts a sandbox in one call.
func (m *Manager) Start(ctx context.Context) (*Sandbox, error) {
	sb := m.New()
	if err := sb.Start(ctx); err != nil {
		return nil, err
	}
	return sb, nil
}

// ClaimNameFor derives a stable claim name from key, so the same instance
// finds its sandbox again after a restart.
func (m *Manager) ClaimNameFor(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	name := strings.Trim(m.opts.ClaimPrefix+"-"+b.String(), "-")
	if len(name) > maxClaimName {
		name = strings.TrimRight(name[:maxClaimName], "-")
	}
	return name
}

// Acquire attaches to the claim for key, creating it first when it does
// not exist.
func (m *Manager) Acquire(ctx context.Context, key string) (*Sandbox, error) {
	name := m.ClaimNameFor(key)
	_, err := m.cp.GetClaim(ctx, m.opts.Namespace, name)
	switch {
	case err == nil:
		m.log.Info("attaching to existing sandbox claim", zap.String("claim", name))
		return m.Attach(ctx, name)
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("failed to look up claim %s: %w", name, err)
	}

	sb := &Sandbox{m: m, claimName: name, state: StatePending}
	if err := sb.Start(ctx); err != nil {
		return nil, err
	}
	return sb, nil
}

// Handle returns an unresolved sandbox for an existing claim. It can be
// destroyed but not used until Attach resolves it.
func (m *Manager) Handle(claimName string) *Sandbox {
	return &Sandbox{m: m, claimName: claimName, state: StatePending, claimCreated: true}
}

// Attach rebinds to an existing claim, resolving its pod again.
func (m *Manager) Attach(ctx context.Context, claimName string) (*Sandbox, error) {
	sb := m.Handle(claimName)
	if err := sb.resolve(ctx); err != nil {
		return nil, err
	}
	return sb, nil
}

// maxClaimName is the DNS label limit object names must fit.
const maxClaimName = 63

type State string

const (
	StatePending   State = "pending"
	StateReady     State = "ready"
	StateFailed    State = "failed"
	StateDestroyed State = "destroyed"
)

// Sandbox is one claimed execution unit.
type Sandbox struct {
	m *Manager

	mu           sync.Mutex
	claimName    string
	claimCreated bool
	state        State
	endpoint     *Endpoint
	image        string
	strategy     string
	channel      *remotefs.HTTPChannel
	lastErr      string
	createdAt    time.Time
	readyAt      time.Time
	destroyedAt  time.Time
}

func (s *Sandbox) ClaimName() string { return s.claimName }

func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sandbox) Endpoint() *Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint == nil {
		return nil
	}
	ep := *s.endpoint
	return &ep
}

// Start submits the claim and waits until it resolves to a running pod.
func (s *Sandbox) Start(ctx context.Context) error {
	m := s.m
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.createdAt = time.Now()
	s.mu.Unlock()

	log := m.log.With(zap.String("claim", s.claimName), zap.String("namespace", m.opts.Namespace))
	log.Info("creating sandbox claim", zap.String("template", m.opts.Template))

	labels := map[string]string{"app.kubernetes.io/managed-by": "shopfloor"}
	if _, err := m.cp.CreateClaim(ctx, m.opts.Namespace, s.claimName, m.opts.Template, labels); err != nil {
		s.fail(err)
		return &ProvisioningError{Claim: s.claimName, Err: err}
	}
	s.mu.Lock()
	s.claimCreated = true
	s.mu.Unlock()

	return s.resolve(ctx)
}

func (s *Sandbox) resolve(ctx context.Context) error {
	m := s.m
	log := m.log.With(zap.String("claim", s.claimName))

	res, err := resolveClaim(ctx, m.cp, m.opts.Namespace, s.claimName, m.opts.PollInterval, m.opts.ProvisioningTimeout)
	if err != nil {
		s.fail(err)
		log.Error("sandbox provisioning failed", zap.Error(err))
		return &ProvisioningError{Claim: s.claimName, Err: err}
	}

	if !imagePinned(res.pod.Image) {
		log.Warn("sandbox image is not pinned by digest",
			zap.String("image", res.pod.Image),
			zap.String("image_id", res.pod.ImageID))
	}

	ep := &Endpoint{PodID: res.pod.Name, Address: res.pod.IP}
	opts := append([]remotefs.ChannelOption{
		remotefs.WithDefaultTimeout(m.opts.CommandTimeout),
		remotefs.WithChannelLogger(log),
	}, m.channelOpts...)

	s.mu.Lock()
	s.endpoint = ep
	s.image = res.pod.Image
	s.strategy = res.strategy
	s.channel = remotefs.NewHTTPChannel(m.endpointURL(ep.Address), opts...)
	s.state = StateReady
	s.readyAt = time.Now()
	s.mu.Unlock()

	log.Info("sandbox ready",
		zap.String("pod", ep.PodID),
		zap.String("strategy", res.strategy))
	return nil
}

func (s *Sandbox) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFailed
	s.lastErr = err.Error()
}

func (s *Sandbox) readyChannel() (*remotefs.HTTPChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		return s.channel, nil
	case StateDestroyed:
		return nil, ErrDestroyed
	}
	return nil, ErrNotStarted
}

// ExecuteCommand runs command with quoted args inside opts.Cwd, defaulting
// to the configured working directory. A failing command is data; an error
// means the unit could not be reached.
func (s *Sandbox) ExecuteCommand(ctx context.Context, command string, args []string, opts remotefs.CommandOptions) (remotefs.CommandResult, error) {
	ch, err := s.readyChannel()
	if err != nil {
		return remotefs.CommandResult{}, err
	}
	if opts.Cwd == "" {
		opts.Cwd = s.m.opts.WorkDir
	}
	if opts.Timeout <= 0 {
		opts.Timeout = s.m.opts.CommandTimeout
	}
	res, err := ch.ExecuteCommand(ctx, command, args, opts)
	if errors.Is(err, remotefs.ErrUnreachable) {
		return res, fmt.Errorf("%w: %w", ErrSessionGone, err)
	}
	return res, err
}

// Upload writes a file through the unit's upload endpoint.
func (s *Sandbox) Upload(ctx context.Context, path string, data []byte) error {
	ch, err := s.readyChannel()
	if err != nil {
		return err
	}
	if err := ch.Upload(ctx, path, data); err != nil {
		if errors.Is(err, remotefs.ErrUnreachable) {
			return fmt.Errorf("%w: %w", ErrSessionGone, err)
		}
		return err
	}
	return nil
}

// Download reads a file through the unit's download endpoint.
func (s *Sandbox) Download(ctx context.Context, path string) ([]byte, error) {
	ch, err := s.readyChannel()
	if err != nil {
		return nil, err
	}
	data, err := ch.Download(ctx, path)
	if errors.Is(err, remotefs.ErrUnreachable) {
		return nil, fmt.Errorf("%w: %w", ErrSessionGone, err)
	}
	return data, err
}

// FileSystem returns the unit's filesystem rooted at the working directory.
func (s *Sandbox) FileSystem() remotefs.FileSystem {
	return remotefs.NewSandboxFS(s, s, s, s.m.opts.WorkDir, s.m.opts.CommandTimeout)
}

// Stop leaves the unit running for reuse.
func (s *Sandbox) Stop(ctx context.Context) error {
	return nil
}

// Destroy deletes the claim. Calling it again, or on a claim that is
// already gone, succeeds.
func (s *Sandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return nil
	}
	created := s.claimCreated
	s.mu.Unlock()

	if created {
		err := s.m.cp.DeleteClaim(ctx, s.m.opts.Namespace, s.claimName)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to delete claim %s: %w", s.claimName, err)
		}
	}

	s.mu.Lock()
	s.state = StateDestroyed
	s.destroyedAt = time.Now()
	s.channel = nil
	s.mu.Unlock()

	s.m.log.Info("sandbox destroyed", zap.String("claim", s.claimName))
	return nil
}
