package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doravidan/vibing2-sub003/internal/builder"
	"github.com/doravidan/vibing2-sub003/internal/invoker"
	"github.com/doravidan/vibing2-sub003/internal/runstore"
	"github.com/doravidan/vibing2-sub003/internal/scheduler"
	"github.com/doravidan/vibing2-sub003/internal/templates"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// blocking waits for its context before answering.
var blocking = invoker.Func(func(ctx context.Context, req invoker.Request) (*invoker.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
})

type fixture struct {
	svc       *Service
	store     *runstore.MemoryStore
	templates *templates.MemoryStore
}

func newFixture(t *testing.T, inv invoker.Invoker, cfg Config) *fixture {
	t.Helper()
	store := runstore.NewMemoryStore(nil)
	tmpl := templates.NewMemoryStore()
	svc := NewService(store, builder.New(tmpl), scheduler.New(inv), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &fixture{svc: svc, store: store, templates: tmpl}
}

func pipeline() []types.Task {
	return []types.Task{
		{ID: "design", AgentName: "backend-architect", Prompt: "design the api"},
		{ID: "build", AgentName: "backend-architect", Prompt: "build it", Dependencies: []string{"design"}},
	}
}

func wait(t *testing.T, svc *Service, id string) *types.WorkflowResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	return res
}

func TestSubmitAndStart(t *testing.T) {
	f := newFixture(t, invoker.EchoInvoker{}, Config{})
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Name: "api", Tasks: pipeline()})
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStatusNotStarted, wf.Status)
	assert.Equal(t, types.DefaultExecuteConfig(), wf.Config)

	require.NoError(t, f.svc.Start(ctx, wf.ID))
	res := wait(t, f.svc, wf.ID)
	assert.Equal(t, types.WorkflowStatusCompleted, res.Status)
	assert.Len(t, res.Results, 2)

	stored, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStatusCompleted, stored.Status)

	evts, err := f.store.GetEventsSince(ctx, wf.ID, "")
	require.NoError(t, err)
	assert.NotEmpty(t, evts)

	err = f.svc.Start(ctx, wf.ID)
	assert.ErrorIs(t, err, ErrNotStartable)
}

func TestSubmitAutostart(t *testing.T) {
	f := newFixture(t, invoker.EchoInvoker{}, Config{})

	req := &SubmitRequest{Tasks: pipeline(), Autostart: true}
	req.Config.MaxParallelAgents = 1
	wf, err := f.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, wf.Config.MaxParallelAgents)

	res := wait(t, f.svc, wf.ID)
	assert.Equal(t, types.WorkflowStatusCompleted, res.Status)
	assert.Positive(t, res.TotalTokens)
}

func TestSubmitInvalid(t *testing.T) {
	f := newFixture(t, invoker.EchoInvoker{}, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  *SubmitRequest
	}{
		{"empty", &SubmitRequest{}},
		{"template and tasks", &SubmitRequest{Template: "x", Tasks: pipeline()}},
		{"cycle", &SubmitRequest{Tasks: []types.Task{
			{ID: "a", AgentName: "x", Prompt: "a", Dependencies: []string{"b"}},
			{ID: "b", AgentName: "x", Prompt: "b", Dependencies: []string{"a"}},
		}}},
		{"bad config", &SubmitRequest{Tasks: pipeline(), Config: types.ExecuteConfig{FailurePolicy: "never"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	_, err := f.svc.Submit(ctx, &SubmitRequest{Template: "missing"})
	assert.ErrorIs(t, err, templates.ErrTemplateNotFound)
}

func TestSubmitFromTemplate(t *testing.T) {
	f := newFixture(t, invoker.EchoInvoker{}, Config{})
	ctx := context.Background()

	tmpl, err := f.templates.Create(ctx, &types.Template{
		ID:       "service",
		Name:     "Service",
		Defaults: map[string]any{"with_db": false},
		Config:   &types.ExecuteConfig{FailurePolicy: types.FailFast},
		Tasks: []types.TemplateTask{
			{ID: "design", Agent: "backend-architect", Prompt: "design {{ .name }}"},
			{ID: "schema", Agent: "database-architect", Prompt: "schema", DependsOn: []string{"design"}, When: "with_db"},
			{ID: "build", Agent: "backend-architect", Prompt: "build", DependsOn: []string{"design", "schema"}},
		},
	})
	require.NoError(t, err)

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Template: tmpl.ID, Params: map[string]any{"name": "billing"}, Autostart: true})
	require.NoError(t, err)
	assert.Equal(t, "service", wf.TemplateID)
	assert.Equal(t, "Service", wf.Name)
	assert.Equal(t, types.FailFast, wf.Config.FailurePolicy)
	assert.Equal(t, "schema", wf.Metadata["omitted_tasks"])
	require.Len(t, wf.Tasks, 2)
	assert.Equal(t, "design billing", wf.Tasks[0].Prompt)

	res := wait(t, f.svc, wf.ID)
	assert.Equal(t, types.WorkflowStatusCompleted, res.Status)
}

func TestCancelRunning(t *testing.T) {
	f := newFixture(t, blocking, Config{})
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Tasks: pipeline(), Autostart: true})
	require.NoError(t, err)
	assert.Equal(t, []string{wf.ID}, f.svc.Running())

	require.NoError(t, f.svc.Cancel(ctx, wf.ID))
	res := wait(t, f.svc, wf.ID)
	assert.Equal(t, types.WorkflowStatusFailed, res.Status)
	assert.Empty(t, f.svc.Running())

	err = f.svc.Cancel(ctx, wf.ID)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestCancelNotStarted(t *testing.T) {
	f := newFixture(t, invoker.EchoInvoker{}, Config{})
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Tasks: pipeline()})
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, wf.ID))

	stored, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStatusFailed, stored.Status)
	assert.Equal(t, "workflow cancelled", stored.Error)

	res := wait(t, f.svc, wf.ID)
	require.Len(t, res.Results, len(wf.Tasks))
	assert.Len(t, res.Order, len(wf.Tasks))
	for _, task := range wf.Tasks {
		r := res.Results[task.ID]
		assert.Equal(t, types.TaskStatusSkipped, r.Status, task.ID)
		assert.Equal(t, task.AgentName, r.AgentName)
		assert.Equal(t, "workflow cancelled", r.Reason)
	}
}

func TestCancelFromStore(t *testing.T) {
	f := newFixture(t, blocking, Config{CancelPollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Tasks: pipeline(), Autostart: true})
	require.NoError(t, err)

	// Another instance marks the run cancelled through the shared store.
	require.NoError(t, f.store.Cancel(ctx, wf.ID))
	res := wait(t, f.svc, wf.ID)
	assert.Equal(t, types.WorkflowStatusFailed, res.Status)
}

func TestPublish(t *testing.T) {
	f := newFixture(t, blocking, Config{})
	ctx := context.Background()

	_, err := f.svc.Publish(ctx, "nope", types.Message{Sender: "user", Target: "backend-architect", Payload: "hi"})
	assert.ErrorIs(t, err, ErrNotRunning)

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Tasks: pipeline(), Autostart: true})
	require.NoError(t, err)
	_, err = f.svc.Publish(ctx, wf.ID, types.Message{Sender: "user", Target: "backend-architect", Payload: "use postgres"})
	assert.NoError(t, err)
}

func TestDeleteRunning(t *testing.T) {
	f := newFixture(t, blocking, Config{})
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Tasks: pipeline(), Autostart: true})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, wf.ID))
	_, err = f.store.GetWorkflow(ctx, wf.ID)
	assert.True(t, errors.Is(err, runstore.ErrWorkflowNotFound))
	assert.Empty(t, f.svc.Running())
}

func TestWaitFinishedFromStore(t *testing.T) {
	f := newFixture(t, invoker.EchoInvoker{}, Config{})
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Tasks: pipeline(), Autostart: true})
	require.NoError(t, err)
	first := wait(t, f.svc, wf.ID)

	again := wait(t, f.svc, wf.ID)
	assert.Equal(t, first.Status, again.Status)
	assert.Equal(t, []string{"design", "build"}, again.Order)
	assert.Equal(t, first.TotalTokens, again.TotalTokens)

	pending, err := f.svc.Submit(ctx, &SubmitRequest{Tasks: pipeline()})
	require.NoError(t, err)
	_, err = f.svc.Wait(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestShutdownStopsRuns(t *testing.T) {
	f := newFixture(t, blocking, Config{})
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Tasks: pipeline(), Autostart: true})
	require.NoError(t, err)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(sctx))

	stored, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, stored.Status.IsTerminal())
}
