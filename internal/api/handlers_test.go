package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doravidan/vibing2-sub003/internal/builder"
	"github.com/doravidan/vibing2-sub003/internal/config"
	"github.com/doravidan/vibing2-sub003/internal/invoker"
	"github.com/doravidan/vibing2-sub003/internal/registry"
	"github.com/doravidan/vibing2-sub003/internal/runstore"
	"github.com/doravidan/vibing2-sub003/internal/scheduler"
	"github.com/doravidan/vibing2-sub003/internal/templates"
	"github.com/doravidan/vibing2-sub003/internal/workflow"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

var blocking = invoker.Func(func(ctx context.Context, req invoker.Request) (*invoker.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
})

type testEnv struct {
	server  *httptest.Server
	service *workflow.Service
	store   *runstore.MemoryStore
}

func newTestEnv(t *testing.T, inv invoker.Invoker, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Load()
	cfg.RateLimitRPS = 0
	cfg.CORSOrigins = []string{"http://localhost:5173"}
	if mutate != nil {
		mutate(cfg)
	}

	store := runstore.NewMemoryStore(nil)
	reg := registry.NewMemoryRegistryWithDefaults()

	tmpl := templates.NewMemoryStore()
	builtins, err := templates.Builtins()
	require.NoError(t, err)
	require.NoError(t, templates.Sync(context.Background(), tmpl, builtins))

	b := builder.New(tmpl)
	svc := workflow.NewService(store, b, scheduler.New(inv), workflow.Config{})
	h := NewHandlers(Deps{
		Service:   svc,
		Store:     store,
		Registry:  reg,
		Templates: tmpl,
		Builder:   b,
		Config:    cfg,
	})
	h.heartbeat = 50 * time.Millisecond

	srv := httptest.NewServer(NewServer(h).Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &testEnv{server: srv, service: svc, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) submit(t *testing.T, body map[string]any) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/workflows", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[CreateWorkflowResponse](t, resp).WorkflowID
}

func (e *testEnv) waitDone(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.service.Wait(ctx, id)
	require.NoError(t, err)
}

var twoTasks = []map[string]any{
	{"id": "design", "agent": "backend-architect", "prompt": "design the api"},
	{"id": "build", "agent": "backend-architect", "prompt": "build it", "depends_on": []string{"design"}},
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, invoker.EchoInvoker{}, nil)

	resp := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ready", body["status"])
}

func TestWorkflowLifecycle(t *testing.T) {
	env := newTestEnv(t, invoker.EchoInvoker{}, nil)

	id := env.submit(t, map[string]any{"name": "api", "tasks": twoTasks})

	resp := env.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/results", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.waitDone(t, id)

	resp = env.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/results", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[types.WorkflowResult](t, resp)
	assert.Equal(t, types.WorkflowStatusCompleted, res.Status)
	assert.Len(t, res.Results, 2)

	resp = env.do(t, http.MethodGet, "/api/v1/workflows?status=completed", nil)
	list := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, list["count"])

	resp = env.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/v1/workflows/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateWorkflowFromTemplate(t *testing.T) {
	env := newTestEnv(t, invoker.EchoInvoker{}, nil)

	id := env.submit(t, map[string]any{
		"template":  "code-review",
		"params":    map[string]any{"change": "add retries to the billing client"},
		"autostart": true,
	})
	env.waitDone(t, id)

	resp := env.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil)
	wf := decode[types.Workflow](t, resp)
	assert.Equal(t, "code-review", wf.TemplateID)
	assert.Equal(t, types.WorkflowStatusCompleted, wf.Status)
}

func TestCreateWorkflowErrors(t *testing.T) {
	env := newTestEnv(t, invoker.EchoInvoker{}, nil)

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"empty", map[string]any{}, http.StatusUnprocessableEntity, ErrCodeValidation},
		{"both", map[string]any{"template": "code-review", "tasks": twoTasks}, http.StatusUnprocessableEntity, ErrCodeValidation},
		{"unknown template", map[string]any{"template": "nope"}, http.StatusNotFound, ErrCodeNotFound},
		{"cycle", map[string]any{"tasks": []map[string]any{
			{"id": "a", "agent": "x", "prompt": "a", "depends_on": []string{"b"}},
			{"id": "b", "agent": "x", "prompt": "b", "depends_on": []string{"a"}},
		}}, http.StatusUnprocessableEntity, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/v1/workflows", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.NotEmpty(t, body.Error.RequestID)
		})
	}
}

func TestCancelAndMessages(t *testing.T) {
	env := newTestEnv(t, blocking, nil)

	id := env.submit(t, map[string]any{"tasks": twoTasks, "autostart": true})

	resp := env.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/messages", map[string]any{
		"target": "backend-architect", "payload": "prefer postgres",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/messages", map[string]any{"target": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.waitDone(t, id)

	resp = env.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/messages", map[string]any{
		"target": "backend-architect", "payload": "too late",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// readSSE collects events until the server closes the stream.
func readSSE(t *testing.T, resp *http.Response) []*types.Event {
	t.Helper()
	var evts []*types.Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e types.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		evts = append(evts, &e)
	}
	return evts
}

func TestStreamEventsReplay(t *testing.T) {
	env := newTestEnv(t, invoker.EchoInvoker{}, nil)
	id := env.submit(t, map[string]any{"tasks": twoTasks, "autostart": true})
	env.waitDone(t, id)

	resp := env.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	evts := readSSE(t, resp)
	require.NotEmpty(t, evts)
	assert.Equal(t, types.EventWorkflowStart, evts[0].Type)
	assert.Equal(t, eventStreamEnd, evts[len(evts)-1].Type)
	for i := 1; i < len(evts)-1; i++ {
		assert.Greater(t, evts[i].Seq, evts[i-1].Seq)
	}

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/workflows/"+id+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "3")
	resumed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resumed.Body.Close()

	rest := readSSE(t, resumed)
	require.NotEmpty(t, rest)
	assert.EqualValues(t, 4, rest[0].Seq)
	assert.Len(t, rest, len(evts)-3)
}

func TestStreamEventsLive(t *testing.T) {
	env := newTestEnv(t, invoker.EchoInvoker{Delay: 20 * time.Millisecond}, nil)
	id := env.submit(t, map[string]any{"tasks": twoTasks})

	resp := env.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	start := env.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, start.StatusCode)

	evts := readSSE(t, resp)
	var kinds []types.EventType
	for _, e := range evts {
		kinds = append(kinds, e.Type)
	}
	require.NotEmpty(t, kinds)
	assert.Contains(t, kinds, types.EventTaskComplete)
	assert.Contains(t, kinds, types.EventWorkflowComplete)
	assert.Equal(t, eventStreamEnd, kinds[len(kinds)-1])
}

func wsURL(env *testEnv, id string) string {
	return "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/workflows/" + id + "/ws"
}

func TestWebSocketStreamsEvents(t *testing.T) {
	env := newTestEnv(t, invoker.EchoInvoker{}, nil)
	id := env.submit(t, map[string]any{"tasks": twoTasks, "autostart": true})
	env.waitDone(t, id)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(env, id), nil)
	require.NoError(t, err)
	defer ws.Close()

	var last wsFrame
	count := 0
	for {
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var f wsFrame
		if err := ws.ReadJSON(&f); err != nil {
			break
		}
		require.Equal(t, "event", f.Type)
		last = f
		count++
	}
	assert.Greater(t, count, 2)
	require.NotNil(t, last.Event)
	assert.Equal(t, eventStreamEnd, last.Event.Type)
}

func TestWebSocketPublish(t *testing.T) {
	env := newTestEnv(t, blocking, nil)
	id := env.submit(t, map[string]any{"tasks": twoTasks, "autostart": true})

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(env, id), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping"}))
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "message", "target": "backend-architect", "payload": "cache reads",
	}))

	var replies []wsFrame
	for len(replies) < 2 {
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var f wsFrame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Type != "event" {
			replies = append(replies, f)
		}
	}
	assert.Equal(t, "error", replies[0].Type)
	assert.Contains(t, replies[0].Error, "unsupported frame type")
	assert.Equal(t, "ack", replies[1].Type)
	require.NotNil(t, replies[1].Delivered)
}

func TestAgentsCRUD(t *testing.T) {
	env := newTestEnv(t, invoker.EchoInvoker{}, nil)

	resp := env.do(t, http.MethodGet, "/api/v1/agents", nil)
	list := decode[map[string]any](t, resp)
	assert.EqualValues(t, len(registry.DefaultAgents()), list["count"])

	agent := map[string]any{"id": "security-auditor", "name": "Security Auditor", "capabilities": []string{"audit"}}
	resp = env.do(t, http.MethodPost, "/api/v1/agents", agent)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/agents", agent)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"id": "Bad Id"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/v1/agents/security-auditor", map[string]any{"description": "finds holes"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[types.Agent](t, resp)
	assert.Equal(t, "finds holes", updated.Description)
	assert.Equal(t, "Security Auditor", updated.Name)

	resp = env.do(t, http.MethodGet, "/api/v1/agents?capabilities=audit", nil)
	list = decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, list["count"])

	resp = env.do(t, http.MethodDelete, "/api/v1/agents/security-auditor", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/v1/agents/security-auditor", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTemplatesCRUD(t *testing.T) {
	env := newTestEnv(t, invoker.EchoInvoker{}, nil)

	resp := env.do(t, http.MethodGet, "/api/v1/templates", nil)
	list := decode[map[string]any](t, resp)
	assert.EqualValues(t, 3, list["count"])

	tmpl := map[string]any{
		"id":   "docs",
		"name": "Docs",
		"tasks": []map[string]any{
			{"id": "outline", "agent": "ui-designer", "prompt": "outline {{ .topic }}"},
		},
	}
	resp = env.do(t, http.MethodPost, "/api/v1/templates", tmpl)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[types.Template](t, resp)
	assert.Equal(t, "1.0.0", created.Version)

	resp = env.do(t, http.MethodPut, "/api/v1/templates/docs", tmpl)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[types.Template](t, resp)
	assert.NotEqual(t, created.Version, updated.Version)

	broken := map[string]any{
		"name": "Broken",
		"tasks": []map[string]any{
			{"id": "a", "agent": "x", "prompt": "{{ .oops", "when": "params.("},
		},
	}
	resp = env.do(t, http.MethodPost, "/api/v1/templates/validate", broken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[map[string]any](t, resp)
	assert.Equal(t, false, result["valid"])

	resp = env.do(t, http.MethodPost, "/api/v1/templates", broken)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/v1/templates/docs", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, invoker.EchoInvoker{}, func(c *config.Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 1
	})

	resp := env.do(t, http.MethodGet, "/api/v1/agents", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/v1/agents", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, ErrCodeRateLimited, decode[ErrorResponse](t, resp).Error.Code)

	resp = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, invoker.EchoInvoker{}, nil)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/v1/workflows", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/agents", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()

	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	r.RemoteAddr = "192.0.2.7:51234"
	assert.Equal(t, "192.0.2.7", clientKey(r))
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientKey(r))
}
