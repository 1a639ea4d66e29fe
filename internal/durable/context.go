package durable

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/shopfloor/internal/models"
)

// Context is the workflow body's only handle on the outside world.
type Context struct {
	ctx        context.Context
	e          *Engine
	inst       *models.Instance
	log        *zap.Logger
	verifyOnly bool

	next      int
	replaying bool

	mu    sync.Mutex
	stats Stats
}

type Stats struct {
	Executed int
	Replayed int
}

// Call is one request in a CallAll batch.
type Call struct {
	Kind  string
	Input any
	Out   any
}

func (c *Context) Context() context.Context { return c.ctx }
func (c *Context) Err() error               { return c.ctx.Err() }
func (c *Context) InstanceID() string       { return c.inst.ID }

// Instance returns a copy of the instance as it was when the run started.
func (c *Context) Instance() models.Instance { return *c.inst }

// Replaying is true while the most recent step came from the log.
func (c *Context) Replaying() bool { return c.replaying }

// Logger discards output while replaying so recovered runs do not repeat
// log lines.
func (c *Context) Logger() *zap.Logger {
	if c.replaying {
		return zap.NewNop()
	}
	return c.log
}

func (c *Context) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// SetTurn records workflow progress on the instance.
func (c *Context) SetTurn(turn int) {
	if c.verifyOnly || c.inst.Turn == turn {
		return
	}
	c.inst.Turn = turn
	if err := c.e.store.UpdateInstance(c.inst); err != nil {
		c.log.Warn("failed to record turn", zap.Int("turn", turn), zap.Error(err))
	}
}

// Call runs the activity registered under kind with input and decodes its
// output into out, or returns the recorded output if this step already
// completed.
func (c *Context) Call(kind string, input any, out any) error {
	idx := c.next
	c.next++

	p, err := c.prepare(idx, kind, input)
	if err != nil {
		return err
	}
	if p.recorded != nil {
		c.replaying = true
		c.count(false)
		return decode(p.recorded.Output, out)
	}

	c.replaying = false
	data, err := c.execute(p)
	if err != nil {
		return err
	}
	return decode(data, out)
}

// CallAll reserves consecutive step indices for calls in order, runs every
// unrecorded one concurrently and waits for all of them. The returned slice
// holds one error per call.
func (c *Context) CallAll(calls []Call) []error {
	errs := make([]error, len(calls))
	pend := make([]*pending, len(calls))
	for i, call := range calls {
		idx := c.next
		c.next++
		p, err := c.prepare(idx, call.Kind, call.Input)
		if err != nil {
			errs[i] = err
			continue
		}
		pend[i] = p
	}

	outputs := make([]json.RawMessage, len(calls))
	var g errgroup.Group
	if c.e.maxParallel > 0 {
		g.SetLimit(c.e.maxParallel)
	}

	replayed := true
	for i, p := range pend {
		if p == nil {
			continue
		}
		if p.recorded != nil {
			outputs[i] = p.recorded.Output
			c.count(false)
			continue
		}
		replayed = false
		g.Go(func() error {
			outputs[i], errs[i] = c.execute(p)
			return nil
		})
	}
	g.Wait()
	c.replaying = replayed

	for i, call := range calls {
		if errs[i] == nil && pend[i] != nil {
			errs[i] = decode(outputs[i], call.Out)
		}
	}
	return errs
}

type pending struct {
	index    int
	kind     string
	input    json.RawMessage
	hash     string
	recorded *models.Step
}

func (c *Context) prepare(idx int, kind string, input any) (*pending, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode %s input: %w", kind, err)
	}
	p := &pending{index: idx, kind: kind, input: raw, hash: hashInput(kind, raw)}

	st, err := c.e.store.GetStep(c.inst.ID, idx)
	if err != nil {
		return nil, fmt.Errorf("load step %d: %w", idx, err)
	}
	if st == nil {
		if c.verifyOnly {
			return nil, fmt.Errorf("%w: step %d (%s)", ErrReplayMiss, idx, kind)
		}
		return p, nil
	}

	if st.Kind != kind || st.InputHash != p.hash {
		verr := &NondeterminismError{Index: idx, Recorded: st.Kind, Requested: kind}
		if c.verifyOnly {
			return nil, verr
		}
		n, err := c.e.store.InvalidateStepsFrom(c.inst.ID, idx)
		if err != nil {
			return nil, fmt.Errorf("invalidate steps: %w", err)
		}
		c.log.Warn(verr.Error(), zap.Int64("invalidated", n))
		return p, nil
	}

	if st.Status == models.StepStatusComplete {
		p.recorded = st
		return p, nil
	}
	if c.verifyOnly {
		return nil, fmt.Errorf("%w: step %d (%s) is %s", ErrReplayMiss, idx, kind, st.Status)
	}
	c.log.Info("re-running unfinished step",
		zap.Int("step", idx),
		zap.String("activity", kind),
		zap.String("status", string(st.Status)))
	return p, nil
}

func (c *Context) execute(p *pending) (json.RawMessage, error) {
	act, ok := c.e.activity(p.kind)
	if !ok {
		return nil, &ActivityError{Kind: p.kind, Index: p.index, Err: ErrUnknownActivity}
	}

	attempt, err := c.e.store.StartStep(&models.Step{
		InstanceID: c.inst.ID,
		Index:      p.index,
		Kind:       p.kind,
		InputHash:  p.hash,
		Input:      p.input,
	})
	if err != nil {
		return nil, fmt.Errorf("record step %d: %w", p.index, err)
	}

	ctx, span := c.e.tracer.Start(c.ctx, "activity."+p.kind, trace.WithAttributes(
		attribute.String("instance.id", c.inst.ID),
		attribute.Int("step.index", p.index),
		attribute.Int("step.attempt", attempt),
	))
	defer span.End()

	c.count(true)
	out, err := c.e.invoke(ctx, p.kind, act, p.input, c.log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ferr := c.e.store.FailStep(c.inst.ID, p.index, err.Error()); ferr != nil {
			c.log.Error("failed to record step failure", zap.Int("step", p.index), zap.Error(ferr))
		}
		return nil, &ActivityError{Kind: p.kind, Index: p.index, Err: err}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s output: %w", p.kind, err)
	}
	if err := c.e.store.CompleteStep(c.inst.ID, p.index, data); err != nil {
		return nil, fmt.Errorf("record step %d output: %w", p.index, err)
	}
	return data, nil
}

func (c *Context) count(executed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if executed {
		c.stats.Executed++
	} else {
		c.stats.Replayed++
	}
}

func hashInput(kind string, raw []byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

func decode(data json.RawMessage, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
