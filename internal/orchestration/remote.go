package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mpataki/shopfloor/internal/durable"
	"github.com/mpataki/shopfloor/internal/models"
)

const subjectPrefix = "shopfloor.agents."

// Subject is where the agent hosted under appID takes requests.
func Subject(appID string) string {
	return subjectPrefix + appID + ".invoke"
}

type InvokeRequest struct {
	// RequestID is stable across retries of the same step so the host can
	// resume instead of starting over.
	RequestID string `json:"request_id"`
	Agent     string `json:"agent"`
	Task      string `json:"task"`
}

type InvokeResponse struct {
	InstanceID string `json:"instance_id,omitempty"`
	Content    string `json:"content"`
	Error      string `json:"error,omitempty"`
}

// RemoteInvoker reaches an agent by its logical app id.
type RemoteInvoker interface {
	Invoke(ctx context.Context, appID string, req InvokeRequest) (InvokeResponse, error)
}

var ErrRemoteAgent = errors.New("remote agent failed")

type NATSInvoker struct {
	nc      *nats.Conn
	timeout time.Duration
}

func NewNATSInvoker(nc *nats.Conn, timeout time.Duration) *NATSInvoker {
	return &NATSInvoker{nc: nc, timeout: timeout}
}

func (n *NATSInvoker) Invoke(ctx context.Context, appID string, req InvokeRequest) (InvokeResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return InvokeResponse{}, err
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	msg, err := n.nc.RequestWithContext(ctx, Subject(appID), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return InvokeResponse{}, fmt.Errorf("no agent serving %q: %w", appID, err)
		}
		return InvokeResponse{}, fmt.Errorf("invoke %s: %w", appID, err)
	}

	var resp InvokeResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return InvokeResponse{}, fmt.Errorf("invalid response from %s: %w", appID, err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("%w: %s: %s", ErrRemoteAgent, appID, resp.Error)
	}
	return resp, nil
}

// AgentRunner runs one agent instance for a remote request.
type AgentRunner func(ctx context.Context, req InvokeRequest) (InvokeResponse, error)

// NewAgentRunner runs each request as a durable agent instance. The
// instance id is derived from the request id, so a repeated request
// resumes or returns the earlier run instead of starting again. A repeat
// that arrives while the first is still running waits for it.
func NewAgentRunner(e *durable.Engine, appID string, wf durable.WorkflowFunc) AgentRunner {
	var inflight singleflight.Group
	return func(ctx context.Context, req InvokeRequest) (InvokeResponse, error) {
		id := uuid.NewString()
		if req.RequestID != "" {
			id = uuid.NewSHA1(uuid.NameSpaceURL, []byte("shopfloor:"+appID+":"+req.RequestID)).String()
		}
		v, err, _ := inflight.Do(id, func() (any, error) {
			return runAgent(ctx, e, id, req.Task, wf)
		})
		resp, _ := v.(InvokeResponse)
		return resp, err
	}
}

func runAgent(ctx context.Context, e *durable.Engine, id, task string, wf durable.WorkflowFunc) (InvokeResponse, error) {
	inst, _, err := e.CreateWithID(id, models.KindAgent, task, "")
	if err != nil {
		return InvokeResponse{}, err
	}

	out, err := e.Run(ctx, inst.ID, wf)
	if err != nil {
		return InvokeResponse{InstanceID: inst.ID}, err
	}
	var res struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return InvokeResponse{InstanceID: inst.ID}, fmt.Errorf("decode agent result: %w", err)
	}
	return InvokeResponse{InstanceID: inst.ID, Content: res.Content}, nil
}

// AgentHost answers invocations addressed to one app id.
type AgentHost struct {
	nc    *nats.Conn
	appID string
	run   AgentRunner
	log   *zap.Logger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

const drainTimeout = 30 * time.Second

func NewAgentHost(nc *nats.Conn, appID string, run AgentRunner, log *zap.Logger) *AgentHost {
	return &AgentHost{
		nc:    nc,
		appID: appID,
		run:   run,
		log:   log.With(zap.String("component", "agent-host"), zap.String("app_id", appID)),
	}
}

// Serve takes requests until ctx ends. It then drains the subscription so
// queued requests are still answered, and waits for running ones.
func (h *AgentHost) Serve(ctx context.Context) error {
	sub, err := h.nc.QueueSubscribe(Subject(h.appID), "shopfloor-"+h.appID, func(m *nats.Msg) {
		if !h.begin() {
			return
		}
		go func() {
			defer h.wg.Done()
			if err := m.Respond(h.Handle(ctx, m.Data)); err != nil {
				h.log.Warn("failed to respond", zap.Error(err))
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	h.log.Info("serving agent", zap.String("subject", Subject(h.appID)))

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		h.log.Warn("failed to drain subscription", zap.Error(err))
	}
	deadline := time.Now().Add(drainTimeout)
	for sub.IsValid() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	h.shutdown()
	return nil
}

// begin registers one running request. It fails once shutdown started.
func (h *AgentHost) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(1)
	return true
}

// shutdown refuses new requests and waits for the running ones.
func (h *AgentHost) shutdown() {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.wg.Wait()
}

// Handle decodes one request, runs it and encodes the reply.
func (h *AgentHost) Handle(ctx context.Context, data []byte) []byte {
	var req InvokeRequest
	var resp InvokeResponse
	if err := json.Unmarshal(data, &req); err != nil {
		resp.Error = fmt.Sprintf("invalid request: %v", err)
	} else {
		h.log.Info("invocation received", zap.String("request_id", req.RequestID), zap.String("agent", req.Agent))
		out, err := h.run(ctx, req)
		if err != nil {
			h.log.Error("invocation failed", zap.String("request_id", req.RequestID), zap.Error(err))
			out.Error = err.Error()
		}
		resp = out
	}
	reply, _ := json.Marshal(resp)
	return reply
}
