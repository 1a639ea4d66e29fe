// Package durable runs workflow functions over an explicit replay log.
//
// A workflow function is re-run from the start on every execution. Each
// activity call it makes is assigned the next step index; when the log
// already holds a completed step with the same kind and input hash, the
// recorded output is returned instead of running the activity again. Only
// unrecorded steps perform real work, and their outputs are written to the
// log before the call returns.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/models"
	"github.com/mpataki/shopfloor/internal/storage"
)

// Activity performs real I/O. It may run more than once for the same step
// and must tolerate that.
type Activity func(ctx context.Context, input json.RawMessage) (any, error)

// WorkflowFunc is a workflow body. It must branch only on values returned
// by wctx.Call and wctx.CallAll.
type WorkflowFunc func(wctx *Context) (any, error)

type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Timeout bounds a single attempt. Zero means no per-attempt limit.
	Timeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Timeout:         5 * time.Minute,
	}
}

type Engine struct {
	store       *storage.Storage
	log         *zap.Logger
	tracer      trace.Tracer
	retry       RetryPolicy
	timeouts    map[string]time.Duration
	maxParallel int

	mu         sync.RWMutex
	activities map[string]Activity
}

type Option func(*Engine)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithActivityTimeout bounds each attempt of kind by d instead of the retry
// policy's timeout.
func WithActivityTimeout(kind string, d time.Duration) Option {
	return func(e *Engine) {
		if e.timeouts == nil {
			e.timeouts = make(map[string]time.Duration)
		}
		e.timeouts[kind] = d
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMaxParallel caps how many activities of one fan-out run at once.
func WithMaxParallel(n int) Option {
	return func(e *Engine) { e.maxParallel = n }
}

func New(store *storage.Storage, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		log:        log.With(zap.String("component", "durable")),
		tracer:     noop.NewTracerProvider().Tracer(""),
		retry:      DefaultRetryPolicy(),
		activities: make(map[string]Activity),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds an activity under kind, replacing any previous one.
func (e *Engine) Register(kind string, fn Activity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[kind] = fn
}

// RegisterFunc registers a typed activity; its input is decoded from JSON.
func RegisterFunc[I, O any](e *Engine, kind string, fn func(ctx context.Context, in I) (O, error)) {
	e.Register(kind, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, NonRetryable(fmt.Errorf("decode %s input: %w", kind, err))
			}
		}
		return fn(ctx, in)
	})
}

func (e *Engine) activity(kind string) (Activity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.activities[kind]
	return fn, ok
}

func (e *Engine) Store() *storage.Storage { return e.store }

// Create records a new pending instance.
func (e *Engine) Create(kind models.InstanceKind, task, team string) (*models.Instance, error) {
	inst := &models.Instance{
		ID:     uuid.NewString(),
		Kind:   kind,
		Task:   task,
		Team:   team,
		Status: models.InstanceStatusPending,
	}
	if err := e.store.CreateInstance(inst); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	return inst, nil
}

// CreateWithID records a pending instance under id unless one exists, in
// which case the existing instance is returned with created false.
func (e *Engine) CreateWithID(id string, kind models.InstanceKind, task, team string) (*models.Instance, bool, error) {
	inst, err := e.store.GetInstance(id)
	if err == nil {
		return inst, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}
	inst = &models.Instance{
		ID:     id,
		Kind:   kind,
		Task:   task,
		Team:   team,
		Status: models.InstanceStatusPending,
	}
	if err := e.store.CreateInstance(inst); err != nil {
		return nil, false, fmt.Errorf("failed to create instance: %w", err)
	}
	return inst, true, nil
}

// Run executes wf for the instance, replaying whatever the log already
// holds. A terminal instance returns its stored result without running.
// If ctx ends mid-run the instance stays running and can be resumed.
func (e *Engine) Run(ctx context.Context, instanceID string, wf WorkflowFunc) (json.RawMessage, error) {
	inst, err := e.store.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() {
		if inst.Status == models.InstanceStatusFailed {
			return inst.Result, fmt.Errorf("instance %s failed: %s", inst.ID, inst.Error)
		}
		return inst.Result, nil
	}

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("instance.id", inst.ID),
		attribute.String("instance.kind", string(inst.Kind)),
	))
	defer span.End()

	now := time.Now().UTC()
	inst.Status = models.InstanceStatusRunning
	if inst.StartedAt == nil {
		inst.StartedAt = &now
	}
	if sc := span.SpanContext(); sc.HasTraceID() && inst.TraceID == "" {
		inst.TraceID = sc.TraceID().String()
	}
	if err := e.store.UpdateInstance(inst); err != nil {
		return nil, err
	}

	log := e.log.With(zap.String("instance", inst.ID))
	wctx := &Context{ctx: ctx, e: e, inst: inst, log: log}
	log.Info("workflow started", zap.String("kind", string(inst.Kind)))

	out, err := runWorkflow(wf, wctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			log.Warn("workflow interrupted", zap.Error(err))
			return nil, err
		}
		completed := time.Now().UTC()
		inst.Status = models.InstanceStatusFailed
		inst.Error = err.Error()
		inst.CompletedAt = &completed
		if uerr := e.store.UpdateInstance(inst); uerr != nil {
			log.Error("failed to record workflow failure", zap.Error(uerr))
		}
		log.Error("workflow failed", zap.Error(err))
		return nil, err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow result: %w", err)
	}
	completed := time.Now().UTC()
	inst.Status = models.InstanceStatusComplete
	inst.Result = data
	inst.CompletedAt = &completed
	if err := e.store.UpdateInstance(inst); err != nil {
		return nil, err
	}

	stats := wctx.Stats()
	log.Info("workflow complete",
		zap.Int("steps_executed", stats.Executed),
		zap.Int("steps_replayed", stats.Replayed))
	return data, nil
}

// Resume continues a non-terminal instance. Completed steps are served
// from the log; a step left running by a crash executes again.
func (e *Engine) Resume(ctx context.Context, instanceID string, wf WorkflowFunc) (json.RawMessage, error) {
	inst, err := e.store.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() {
		return nil, fmt.Errorf("instance %s is already %s", inst.ID, inst.Status)
	}
	return e.Run(ctx, instanceID, wf)
}

// Replay re-runs wf purely from the log without executing any activity or
// touching the instance record. It fails on the first step the log cannot
// serve.
func (e *Engine) Replay(ctx context.Context, instanceID string, wf WorkflowFunc) (json.RawMessage, Stats, error) {
	inst, err := e.store.GetInstance(instanceID)
	if err != nil {
		return nil, Stats{}, err
	}
	wctx := &Context{ctx: ctx, e: e, inst: inst, log: zap.NewNop(), verifyOnly: true}
	out, err := runWorkflow(wf, wctx)
	if err != nil {
		return nil, wctx.Stats(), err
	}
	data, err := json.Marshal(out)
	return data, wctx.Stats(), err
}

func runWorkflow(wf WorkflowFunc, wctx *Context) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return wf(wctx)
}

// invoke runs one activity with the engine's retry policy.
func (e *Engine) invoke(ctx context.Context, kind string, act Activity, input json.RawMessage, log *zap.Logger) (any, error) {
	b := backoff.NewExponentialBackOff()
	if e.retry.InitialInterval > 0 {
		b.InitialInterval = e.retry.InitialInterval
	}
	if e.retry.MaxInterval > 0 {
		b.MaxInterval = e.retry.MaxInterval
	}
	tries := e.retry.MaxAttempts
	if tries == 0 {
		tries = 1
	}

	timeout := e.retry.Timeout
	if d, ok := e.timeouts[kind]; ok {
		timeout = d
	}

	attempt := 0
	return backoff.Retry(ctx, func() (any, error) {
		attempt++
		actx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		out, err := callActivity(actx, act, input)
		if err == nil {
			return out, nil
		}
		var nr *nonRetryable
		if errors.As(err, &nr) {
			return nil, backoff.Permanent(nr.err)
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		log.Warn("activity attempt failed",
			zap.String("activity", kind),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
}

func callActivity(ctx context.Context, act Activity, input json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return act(ctx, input)
}
