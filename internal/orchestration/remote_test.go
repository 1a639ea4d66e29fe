package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/durable"
	"github.com/mpataki/shopfloor/internal/storage"
)

func decodeResponse(t *testing.T, data []byte) InvokeResponse {
	t.Helper()
	var resp InvokeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("reply is not JSON: %s", data)
	}
	return resp
}

func TestSubject(t *testing.T) {
	if got := Subject("review-svc"); got != "shopfloor.agents.review-svc.invoke" {
		t.Fatalf("subject %q", got)
	}
}

func TestAgentHostHandle(t *testing.T) {
	var got InvokeRequest
	h := NewAgentHost(nil, "review-svc", func(ctx context.Context, req InvokeRequest) (InvokeResponse, error) {
		got = req
		if req.Task == "explode" {
			return InvokeResponse{InstanceID: "i-2"}, errors.New("model unavailable")
		}
		return InvokeResponse{InstanceID: "i-1", Content: "looks good"}, nil
	}, zap.NewNop())
	ctx := context.Background()

	resp := decodeResponse(t, h.Handle(ctx, []byte(`{"request_id":"o/2","agent":"reviewer","task":"check"}`)))
	if resp.Content != "looks good" || resp.InstanceID != "i-1" || resp.Error != "" {
		t.Fatalf("response %+v", resp)
	}
	if got.RequestID != "o/2" || got.Agent != "reviewer" {
		t.Fatalf("request %+v", got)
	}

	resp = decodeResponse(t, h.Handle(ctx, []byte(`{"task":"explode"}`)))
	if resp.Error != "model unavailable" || resp.InstanceID != "i-2" {
		t.Fatalf("response %+v", resp)
	}

	resp = decodeResponse(t, h.Handle(ctx, []byte(`not json`)))
	if resp.Error == "" {
		t.Fatal("expected error for malformed request")
	}
}

func TestAgentHostShutdownWaitsThenRefuses(t *testing.T) {
	h := NewAgentHost(nil, "review-svc", nil, zap.NewNop())
	if !h.begin() {
		t.Fatal("refused before shutdown")
	}

	var finished atomic.Bool
	go func() {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		h.wg.Done()
	}()
	h.shutdown()
	if !finished.Load() {
		t.Fatal("shutdown returned before the running request finished")
	}
	if h.begin() {
		t.Fatal("accepted a request after shutdown")
	}
}

func TestAgentRunnerJoinsConcurrentRepeats(t *testing.T) {
	st, err := storage.New(filepath.Join(t.TempDir(), "host.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	e := durable.New(st, zap.NewNop())

	var runs atomic.Int32
	started := make(chan struct{})
	unblock := make(chan struct{})
	durable.RegisterFunc(e, "answer", func(ctx context.Context, task string) (string, error) {
		if runs.Add(1) == 1 {
			close(started)
		}
		<-unblock
		return "done: " + task, nil
	})
	wf := func(wctx *durable.Context) (any, error) {
		var content string
		if err := wctx.Call("answer", wctx.Instance().Task, &content); err != nil {
			return nil, err
		}
		return map[string]string{"content": content}, nil
	}

	run := NewAgentRunner(e, "review-svc", wf)
	ctx := context.Background()
	req := InvokeRequest{RequestID: "orch-1/3", Task: "check"}

	type reply struct {
		resp InvokeResponse
		err  error
	}
	replies := make(chan reply, 2)
	go func() {
		resp, err := run(ctx, req)
		replies <- reply{resp, err}
	}()
	<-started
	go func() {
		resp, err := run(ctx, req)
		replies <- reply{resp, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(unblock)

	for i := 0; i < 2; i++ {
		r := <-replies
		if r.err != nil || r.resp.Content != "done: check" {
			t.Fatalf("reply %+v err %v", r.resp, r.err)
		}
	}
	if runs.Load() != 1 {
		t.Fatalf("activity ran %d times, want 1", runs.Load())
	}
}

func TestAgentRunnerIsIdempotentPerRequest(t *testing.T) {
	st, err := storage.New(filepath.Join(t.TempDir(), "host.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	e := durable.New(st, zap.NewNop())

	var runs atomic.Int32
	durable.RegisterFunc(e, "answer", func(ctx context.Context, task string) (string, error) {
		runs.Add(1)
		return "done: " + task, nil
	})
	wf := func(wctx *durable.Context) (any, error) {
		var content string
		if err := wctx.Call("answer", wctx.Instance().Task, &content); err != nil {
			return nil, err
		}
		return map[string]string{"content": content}, nil
	}

	run := NewAgentRunner(e, "review-svc", wf)
	ctx := context.Background()
	req := InvokeRequest{RequestID: "orch-1/2", Agent: "reviewer", Task: "check"}

	first, err := run(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := run(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.InstanceID != second.InstanceID || second.Content != "done: check" || runs.Load() != 1 {
		t.Fatalf("first %+v second %+v runs %d", first, second, runs.Load())
	}

	other, _ := run(ctx, InvokeRequest{RequestID: "orch-1/4", Task: "check"})
	if other.InstanceID == first.InstanceID || runs.Load() != 2 {
		t.Fatalf("distinct request reused instance %s", other.InstanceID)
	}
}
