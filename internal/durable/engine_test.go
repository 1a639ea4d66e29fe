package durable

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/models"
	"github.com/mpataki/shopfloor/internal/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "durable.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, zap.NewNop(), WithRetryPolicy(RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}))
}

type counter struct{ n atomic.Int32 }

func (c *counter) activity(ctx context.Context, in int) (int, error) {
	c.n.Add(1)
	return in * 2, nil
}

func TestRunReplaysCompletedSteps(t *testing.T) {
	e := newTestEngine(t)
	var c counter
	RegisterFunc(e, "double", c.activity)

	wf := func(wctx *Context) (any, error) {
		var a, b int
		if err := wctx.Call("double", 1, &a); err != nil {
			return nil, err
		}
		if err := wctx.Call("double", a, &b); err != nil {
			return nil, err
		}
		return b, nil
	}

	inst, err := e.Create(models.KindAgent, "task", "")
	if err != nil {
		t.Fatal(err)
	}
	out, err := e.Run(context.Background(), inst.ID, wf)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "4" || c.n.Load() != 2 {
		t.Fatalf("out=%s calls=%d", out, c.n.Load())
	}

	replayed, stats, err := e.Replay(context.Background(), inst.ID, wf)
	if err != nil {
		t.Fatal(err)
	}
	if string(replayed) != "4" || stats.Replayed != 2 || stats.Executed != 0 || c.n.Load() != 2 {
		t.Fatalf("replay out=%s stats=%+v calls=%d", replayed, stats, c.n.Load())
	}

	// A terminal instance is not run again.
	if _, err := e.Run(context.Background(), inst.ID, wf); err != nil || c.n.Load() != 2 {
		t.Fatalf("rerun: %v calls=%d", err, c.n.Load())
	}
}

func TestResumeAfterInterruption(t *testing.T) {
	e := newTestEngine(t)
	var first counter
	RegisterFunc(e, "first", first.activity)

	ctx, cancel := context.WithCancel(context.Background())
	var secondCalls atomic.Int32
	RegisterFunc(e, "second", func(actx context.Context, in int) (int, error) {
		if secondCalls.Add(1) == 1 {
			cancel()
			<-actx.Done()
			return 0, actx.Err()
		}
		return in + 1, nil
	})

	wf := func(wctx *Context) (any, error) {
		var a, b int
		if err := wctx.Call("first", 5, &a); err != nil {
			return nil, err
		}
		if err := wctx.Call("second", a, &b); err != nil {
			return nil, err
		}
		return b, nil
	}

	inst, _ := e.Create(models.KindAgent, "task", "")
	if _, err := e.Run(ctx, inst.ID, wf); err == nil {
		t.Fatal("expected interruption error")
	}
	got, _ := e.Store().GetInstance(inst.ID)
	if got.Status != models.InstanceStatusRunning {
		t.Fatalf("interrupted instance status %s", got.Status)
	}

	out, err := e.Run(context.Background(), inst.ID, wf)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "11" {
		t.Fatalf("out=%s", out)
	}
	if first.n.Load() != 1 {
		t.Fatalf("completed step re-executed %d times", first.n.Load())
	}
}

func TestCallAllRunsConcurrentlyAndJoins(t *testing.T) {
	e := newTestEngine(t)
	var inflight, peak atomic.Int32
	RegisterFunc(e, "slow", func(ctx context.Context, in int) (int, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		if in == 2 {
			return 0, NonRetryable(errors.New("bad input"))
		}
		return in * 10, nil
	})

	var results [3]int
	var errs []error
	wf := func(wctx *Context) (any, error) {
		calls := make([]Call, 3)
		for i := range calls {
			calls[i] = Call{Kind: "slow", Input: i + 1, Out: &results[i]}
		}
		errs = wctx.CallAll(calls)
		return nil, nil
	}

	inst, _ := e.Create(models.KindAgent, "task", "")
	if _, err := e.Run(context.Background(), inst.ID, wf); err != nil {
		t.Fatal(err)
	}
	if peak.Load() < 2 {
		t.Fatalf("calls did not overlap, peak %d", peak.Load())
	}
	if errs[0] != nil || errs[2] != nil || results[0] != 10 || results[2] != 30 {
		t.Fatalf("results %v errs %v", results, errs)
	}
	var aerr *ActivityError
	if !errors.As(errs[1], &aerr) || aerr.Index != 1 {
		t.Fatalf("expected activity error at index 1, got %v", errs[1])
	}

	steps, _ := e.Store().ListSteps(inst.ID)
	if len(steps) != 3 || steps[1].Status != models.StepStatusFailed || steps[1].Attempts != 1 {
		t.Fatalf("unexpected steps %+v", steps)
	}
}

func TestRetriesTransientErrors(t *testing.T) {
	e := newTestEngine(t)
	var calls atomic.Int32
	RegisterFunc(e, "flaky", func(ctx context.Context, in string) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("transient")
		}
		return in + "!", nil
	})

	inst, _ := e.Create(models.KindAgent, "task", "")
	out, err := e.Run(context.Background(), inst.ID, func(wctx *Context) (any, error) {
		var s string
		err := wctx.Call("flaky", "hi", &s)
		return s, err
	})
	if err != nil || string(out) != `"hi!"` || calls.Load() != 3 {
		t.Fatalf("out=%s err=%v calls=%d", out, err, calls.Load())
	}
}

func TestActivityTimeoutOverride(t *testing.T) {
	s, err := storage.New(filepath.Join(t.TempDir(), "durable.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	e := New(s, zap.NewNop(),
		WithRetryPolicy(RetryPolicy{
			MaxAttempts:     1,
			InitialInterval: time.Millisecond,
			Timeout:         20 * time.Millisecond,
		}),
		WithActivityTimeout("long", time.Second),
	)

	wait := func(ctx context.Context, in string) (string, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return in, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	RegisterFunc(e, "long", wait)
	RegisterFunc(e, "short", wait)

	inst, _ := e.Create(models.KindAgent, "task", "")
	out, err := e.Run(context.Background(), inst.ID, func(wctx *Context) (any, error) {
		var s string
		err := wctx.Call("long", "ok", &s)
		return s, err
	})
	if err != nil || string(out) != `"ok"` {
		t.Fatalf("out=%s err=%v", out, err)
	}

	inst, _ = e.Create(models.KindAgent, "task", "")
	_, err = e.Run(context.Background(), inst.ID, func(wctx *Context) (any, error) {
		return nil, wctx.Call("short", "x", nil)
	})
	if err == nil {
		t.Fatal("expected the default timeout to apply")
	}
}

func TestExhaustedRetriesFailInstance(t *testing.T) {
	e := newTestEngine(t)
	var calls atomic.Int32
	RegisterFunc(e, "broken", func(ctx context.Context, in string) (string, error) {
		calls.Add(1)
		return "", errors.New("down")
	})

	inst, _ := e.Create(models.KindAgent, "task", "")
	_, err := e.Run(context.Background(), inst.ID, func(wctx *Context) (any, error) {
		return nil, wctx.Call("broken", "x", nil)
	})
	if err == nil || calls.Load() != 3 {
		t.Fatalf("err=%v calls=%d", err, calls.Load())
	}
	got, _ := e.Store().GetInstance(inst.ID)
	if got.Status != models.InstanceStatusFailed || got.Error == "" {
		t.Fatalf("instance %+v", got)
	}
}

func TestDeterminismViolationInvalidatesLog(t *testing.T) {
	e := newTestEngine(t)
	var a, b counter
	RegisterFunc(e, "a", a.activity)
	RegisterFunc(e, "b", b.activity)

	inst, _ := e.Create(models.KindAgent, "task", "")
	st := e.Store()
	// Simulate a log written by an older workflow shape.
	if _, err := st.StartStep(&models.Step{InstanceID: inst.ID, Index: 0, Kind: "b", InputHash: "stale"}); err != nil {
		t.Fatal(err)
	}
	if err := st.CompleteStep(inst.ID, 0, []byte("99")); err != nil {
		t.Fatal(err)
	}

	wf := func(wctx *Context) (any, error) {
		var v int
		err := wctx.Call("a", 3, &v)
		return v, err
	}

	_, _, err := e.Replay(context.Background(), inst.ID, wf)
	var nd *NondeterminismError
	if !errors.As(err, &nd) || nd.Recorded != "b" || nd.Requested != "a" {
		t.Fatalf("expected nondeterminism error, got %v", err)
	}

	out, err := e.Run(context.Background(), inst.ID, wf)
	if err != nil || string(out) != "6" || a.n.Load() != 1 || b.n.Load() != 0 {
		t.Fatalf("out=%s err=%v a=%d b=%d", out, err, a.n.Load(), b.n.Load())
	}
}

func TestUnknownActivity(t *testing.T) {
	e := newTestEngine(t)
	inst, _ := e.Create(models.KindAgent, "task", "")
	_, err := e.Run(context.Background(), inst.ID, func(wctx *Context) (any, error) {
		return nil, wctx.Call("missing", nil, nil)
	})
	if !errors.Is(err, ErrUnknownActivity) {
		t.Fatalf("expected ErrUnknownActivity, got %v", err)
	}
}

func TestWorkflowPanicFailsInstance(t *testing.T) {
	e := newTestEngine(t)
	inst, _ := e.Create(models.KindAgent, "task", "")
	_, err := e.Run(context.Background(), inst.ID, func(wctx *Context) (any, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	got, _ := e.Store().GetInstance(inst.ID)
	if got.Status != models.InstanceStatusFailed {
		t.Fatalf("status %s", got.Status)
	}
}
