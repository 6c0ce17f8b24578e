// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/bench"
	"github.com/AleutianAI/benchgate/services/gate/cancel"
	"github.com/AleutianAI/benchgate/services/gate/compare"
	"github.com/AleutianAI/benchgate/services/gate/pipeline"
	"github.com/AleutianAI/benchgate/services/gate/process"
	"github.com/AleutianAI/benchgate/services/gate/provision"
	"github.com/AleutianAI/benchgate/services/gate/snapshot"
)

type stubTree struct{ rev gate.Revision }

func (t stubTree) Dir() string                  { return "/work" }
func (t stubTree) Revision() gate.Revision      { return t.rev }
func (t stubTree) Verify(context.Context) error { return nil }
func (t stubTree) Release()                     {}

type stubWorkspace struct{}

func (stubWorkspace) Resolve(_ context.Context, ref string) (gate.Revision, error) {
	return gate.Revision{Ref: ref, Commit: strings.Repeat("a", 40)}, nil
}

func (stubWorkspace) Checkout(_ context.Context, rev gate.Revision) (pipeline.Tree, error) {
	return stubTree{rev: rev}, nil
}

func (stubWorkspace) Close(context.Context) error { return nil }

// blockingHarness writes fixed results. While hold is set, every invocation
// waits for release or ctx.
type blockingHarness struct {
	mu      sync.Mutex
	hold    bool
	release chan struct{}
	started chan struct{}
}

func newBlockingHarness(hold bool) *blockingHarness {
	return &blockingHarness{hold: hold, release: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (h *blockingHarness) run(ctx context.Context, cmd process.Command) (*process.Output, error) {
	h.mu.Lock()
	hold := h.hold
	h.mu.Unlock()
	if hold {
		h.started <- struct{}{}
		select {
		case <-h.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, kv := range cmd.Env {
		if path, ok := strings.CutPrefix(kv, bench.EnvResults+"="); ok {
			body := `{"metric":"instructions","benchmarks":[{"id":"a","value":100}]}`
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				return nil, err
			}
		}
	}
	return &process.Output{}, nil
}

func (h *blockingHarness) unblock() {
	h.mu.Lock()
	h.hold = false
	h.mu.Unlock()
	close(h.release)
}

type collectSink struct {
	mu      sync.Mutex
	results []*pipeline.Result
}

func (s *collectSink) Publish(_ context.Context, res *pipeline.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return nil
}

type testEnv struct {
	srv     *Server
	harness *blockingHarness
	sink    *collectSink
	reg     *prometheus.Registry
}

func newTestEnv(t *testing.T, cfg Config, hold bool) *testEnv {
	t.Helper()
	store := snapshot.NewMemoryStore()
	h := newBlockingHarness(hold)
	reg := prometheus.NewRegistry()

	runner, err := bench.NewRunner(bench.Config{Command: []string{"./bench"}, Metric: "instructions"},
		&process.MockRunner{RunFunc: h.run}, store)
	require.NoError(t, err)
	cmp, err := compare.NewComparator(store, compare.Thresholds{Default: 0.05})
	require.NoError(t, err)
	p, err := pipeline.New(pipeline.Config{DefaultBranch: "main", Toolchain: "stable"}, pipeline.Deps{
		Controller:  cancel.NewController(cancel.WithMetrics(cancel.NewMetrics(reg))),
		Provisioner: provision.Noop{},
		Workspaces: func(context.Context, string) (pipeline.Workspace, error) {
			return stubWorkspace{}, nil
		},
		Bench:    runner,
		Comparer: cmp,
		Store:    store,
	})
	require.NoError(t, err)

	sink := &collectSink{}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv, err := New(cfg, p,
		WithSink(sink),
		WithMetrics(NewMetrics(reg)),
		WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Close(ctx)
	})
	return &testEnv{srv: srv, harness: h, sink: sink, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) trigger(t *testing.T, body string) TriggerResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/triggers", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp TriggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) wait(t *testing.T, id string) *pipeline.Result {
	t.Helper()
	entry, ok := e.srv.runs.get(id)
	require.True(t, ok)
	select {
	case <-entry.run.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
	return entry.run.Result()
}

const pushBody = `{"workflow_name":"bench","head_ref":"feature"}`

func TestServer_TriggerToResult(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	resp := env.trigger(t, pushBody)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, gate.TriggerKey{Workflow: "bench", Ref: "feature"}, resp.Key)
	assert.Equal(t, "/v1/runs/"+resp.RunID+"/events", resp.EventsURL)

	res := env.wait(t, resp.RunID)
	assert.Equal(t, pipeline.StateDone, res.State)

	rec := env.do(t, http.MethodGet, resp.StatusURL, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st struct {
		State    string `json:"state"`
		ExitCode *int   `json:"exit_code"`
		Result   struct {
			Report struct {
				Verdict string `json:"verdict"`
			} `json:"report"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "done", st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, pipeline.ExitPass, *st.ExitCode)
	assert.Equal(t, "pass", st.Result.Report.Verdict)

	list := env.do(t, http.MethodGet, "/v1/runs", "")
	assert.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), resp.RunID)

	// The sink is published after Wait; Close waits for it.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Close(ctx))
	require.Len(t, env.sink.results, 1)
	assert.Equal(t, resp.RunID, env.sink.results[0].RunID)
}

func TestServer_TriggerValidation(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	rec := env.do(t, http.MethodPost, "/v1/triggers", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/triggers", `{"workflow_name":"bench"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/triggers", `{"workflow_name":"bench","head_ref":"main","scheduled_or_manual":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "scheduled trigger needs a run id")

	assert.Equal(t, 3.0, counterValue(t, env.reg, "benchgate_server_triggers_total", "invalid"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestServer_RateLimit(t *testing.T) {
	env := newTestEnv(t, Config{TriggerRate: 0.001, TriggerBurst: 1}, false)

	env.trigger(t, pushBody)
	rec := env.do(t, http.MethodPost, "/v1/triggers", `{"workflow_name":"bench","head_ref":"other"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1.0, counterValue(t, env.reg, "benchgate_server_triggers_total", "rate_limited"))
}

func TestServer_UnknownRun(t *testing.T) {
	env := newTestEnv(t, Config{}, false)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/runs/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/runs/nope/events", "").Code)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	rec := env.do(t, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","active_runs":0}`, rec.Body.String())

	res := env.wait(t, env.trigger(t, pushBody).RunID)
	require.Equal(t, pipeline.StateDone, res.State)

	rec = env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `benchgate_server_triggers_total{outcome="accepted"} 1`)
	assert.Contains(t, rec.Body.String(), "benchgate_controller_admitted_total")
}

func TestServer_SameKeyPreempts(t *testing.T) {
	env := newTestEnv(t, Config{}, true)

	first := env.trigger(t, pushBody)
	<-env.harness.started

	second := env.trigger(t, pushBody)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.NotEqual(t, first.Scope, second.Scope)

	// The preempted harness is allowed to finish; its result is discarded.
	env.harness.unblock()
	firstRes := env.wait(t, first.RunID)
	assert.Equal(t, pipeline.StateCancelled, firstRes.State)
	assert.True(t, firstRes.Preempted())
	assert.Equal(t, pipeline.ExitPreempted, firstRes.ExitCode())
	assert.Nil(t, firstRes.Report)

	assert.Equal(t, pipeline.StateDone, env.wait(t, second.RunID).State)
}

func TestServer_EventStream(t *testing.T) {
	env := newTestEnv(t, Config{}, true)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	resp := env.trigger(t, pushBody)
	<-env.harness.started

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + resp.EventsURL
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	env.harness.unblock()

	var states []pipeline.State
	var final *pipeline.Result
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var ev struct {
			Type       string               `json:"type"`
			Transition *pipeline.Transition `json:"transition"`
			Result     *json.RawMessage     `json:"result"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		switch ev.Type {
		case "transition":
			states = append(states, ev.Transition.To)
		case "result":
			require.NotNil(t, ev.Result)
			final = &pipeline.Result{}
			require.NoError(t, json.Unmarshal(*ev.Result, final))
		}
	}

	assert.Equal(t, []pipeline.State{
		pipeline.StateProvisioned, pipeline.StateBaseCheckedOut, pipeline.StateBaselineSaved,
		pipeline.StateHeadCheckedOut, pipeline.StateHeadSaved, pipeline.StateDone,
	}, states)
	require.NotNil(t, final)
	assert.Equal(t, pipeline.StateDone, final.State)
	assert.Equal(t, resp.RunID, final.RunID)
}

func TestServer_ServeListenerShutsDown(t *testing.T) {
	env := newTestEnv(t, Config{ShutdownTimeout: 2 * time.Second}, true)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- env.srv.ServeListener(ctx, ln) }()

	resp, err := http.Post("http://"+ln.Addr().String()+"/v1/triggers", "application/json", strings.NewReader(pushBody))
	require.NoError(t, err)
	var tr TriggerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	_ = resp.Body.Close()
	<-env.harness.started

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	res := env.wait(t, tr.RunID)
	assert.Equal(t, pipeline.StateCancelled, res.State, "shutdown cancels active runs")
	assert.False(t, res.Preempted())

	rec := env.do(t, http.MethodPost, "/v1/triggers", pushBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// Triggers racing Close either start and are waited for, or are refused.
func TestServer_StartRacingClose(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started []*runEntry
		refused int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := env.srv.start(gate.Trigger{WorkflowName: "bench", HeadRef: fmt.Sprintf("ref-%d", i)})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrShuttingDown)
				refused++
				return
			}
			started = append(started, e)
		}(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Close(ctx))
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, n, len(started)+refused)
	for _, e := range started {
		select {
		case <-e.run.Done():
		default:
			t.Fatalf("run %s still active after Close", e.run.ID())
		}
	}

	_, err := env.srv.start(gate.Trigger{WorkflowName: "bench", HeadRef: "late"})
	assert.ErrorIs(t, err, ErrShuttingDown)
	rec := env.do(t, http.MethodPost, "/v1/triggers", pushBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Retention(t *testing.T) {
	env := newTestEnv(t, Config{Retention: 1}, false)

	a := env.trigger(t, pushBody)
	env.wait(t, a.RunID)
	b := env.trigger(t, `{"workflow_name":"bench","head_ref":"other"}`)
	env.wait(t, b.RunID)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, a.StatusURL, "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, b.StatusURL, "").Code)
	assert.Len(t, env.srv.runs.list(), 1)
}

func TestHub(t *testing.T) {
	h := newHub()
	h.OnTransition(pipeline.Transition{From: pipeline.StateInit, To: pipeline.StateProvisioned})

	past, live, unsubscribe := h.subscribe()
	require.Len(t, past, 1)
	require.NotNil(t, live)

	h.OnTransition(pipeline.Transition{From: pipeline.StateProvisioned, To: pipeline.StateFailed})
	got, ok := <-live
	require.True(t, ok)
	assert.Equal(t, pipeline.StateFailed, got.To)
	_, ok = <-live
	assert.False(t, ok, "closed after terminal transition")
	unsubscribe()

	past, live, _ = h.subscribe()
	assert.Len(t, past, 2)
	assert.Nil(t, live)
}
