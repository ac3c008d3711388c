// Package workflow manages the lifecycle of workflow runs: submission,
// asynchronous execution, cancellation and message injection.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/doravidan/vibing2-sub003/internal/builder"
	"github.com/doravidan/vibing2-sub003/internal/bus"
	"github.com/doravidan/vibing2-sub003/internal/events"
	"github.com/doravidan/vibing2-sub003/internal/graph"
	"github.com/doravidan/vibing2-sub003/internal/runstore"
	"github.com/doravidan/vibing2-sub003/internal/scheduler"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

var (
	// ErrInvalidRequest is returned for submissions that cannot become a run.
	ErrInvalidRequest = errors.New("invalid workflow request")
	// ErrNotStartable is returned when starting a workflow that already ran.
	ErrNotStartable = errors.New("workflow already started")
	// ErrNotRunning is returned when addressing a workflow with no live run
	// on this instance.
	ErrNotRunning = errors.New("workflow is not running")
)

// SubmitRequest describes a workflow either by template or by explicit tasks.
type SubmitRequest struct {
	Name      string              `json:"name,omitempty"`
	Template  string              `json:"template,omitempty"`
	Params    map[string]any      `json:"params,omitempty"`
	Tasks     []types.Task        `json:"tasks,omitempty"`
	Config    types.ExecuteConfig `json:"config,omitempty"`
	Autostart bool                `json:"autostart,omitempty"`
}

// Config configures a Service.
type Config struct {
	// Defaults fill execution settings a request leaves unset.
	Defaults types.ExecuteConfig
	// Sinks receive every event in addition to the run store and the log.
	Sinks []events.Sink
	// CancelPollInterval controls how often running workflows check the
	// store for a cancellation made elsewhere. Zero disables polling.
	CancelPollInterval time.Duration
	Logger             *slog.Logger
}

// activeRun is a workflow executing on this instance.
type activeRun struct {
	cancel context.CancelFunc
	bus    *bus.Bus
	done   chan struct{}
	result *types.WorkflowResult
}

// Service runs workflows against a run store.
type Service struct {
	store    runstore.Store
	builder  *builder.Builder
	sched    *scheduler.Scheduler
	defaults types.ExecuteConfig
	sinks    []events.Sink
	poll     time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

// NewService creates a run service.
func NewService(store runstore.Store, b *builder.Builder, sched *scheduler.Scheduler, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	defaults := cfg.Defaults
	if defaults == (types.ExecuteConfig{}) {
		defaults = types.DefaultExecuteConfig()
	}
	return &Service{
		store:    store,
		builder:  b,
		sched:    sched,
		defaults: defaults,
		sinks:    cfg.Sinks,
		poll:     cfg.CancelPollInterval,
		logger:   cfg.Logger,
		active:   make(map[string]*activeRun),
	}
}

// Defaults returns the execution defaults requests are merged over.
func (s *Service) Defaults() types.ExecuteConfig {
	return s.defaults
}

// Submit validates req, stores a NotStarted workflow and starts it when
// Autostart is set.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*types.Workflow, error) {
	wf, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	id, err := s.store.CreateWorkflow(ctx, wf)
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	s.logger.Info("workflow submitted",
		slog.String("workflow_id", id),
		slog.String("template", req.Template),
		slog.Int("tasks", len(wf.Tasks)),
	)

	if req.Autostart {
		if err := s.Start(ctx, id); err != nil {
			return nil, err
		}
	}
	return s.store.GetWorkflow(ctx, id)
}

func (s *Service) prepare(ctx context.Context, req *SubmitRequest) (*types.Workflow, error) {
	switch {
	case req.Template != "" && len(req.Tasks) > 0:
		return nil, fmt.Errorf("%w: template and tasks are mutually exclusive", ErrInvalidRequest)
	case req.Template == "" && len(req.Tasks) == 0:
		return nil, fmt.Errorf("%w: template or tasks is required", ErrInvalidRequest)
	}

	wf := &types.Workflow{
		Name:   req.Name,
		Params: req.Params,
	}
	defaults := s.defaults
	var g *graph.Graph

	if req.Template != "" {
		if s.builder == nil {
			return nil, fmt.Errorf("%w: templates are not available", ErrInvalidRequest)
		}
		plan, err := s.builder.Build(ctx, req.Template, req.Params)
		if err != nil {
			return nil, err
		}
		g = plan.Graph
		defaults = plan.Config(defaults)
		wf.TemplateID = plan.Template.ID
		wf.Params = plan.Params
		if wf.Name == "" {
			wf.Name = plan.Template.Name
		}
		if len(plan.Omitted) > 0 {
			wf.Metadata = map[string]string{"omitted_tasks": strings.Join(plan.Omitted, ",")}
		}
	} else {
		var err error
		if g, err = graph.Build(req.Tasks); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	cfg := req.Config.WithDefaults(defaults)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	wf.Config = cfg
	wf.Tasks = g.Tasks()
	return wf, nil
}

// Start launches a stored NotStarted workflow in the background.
func (s *Service) Start(ctx context.Context, id string) error {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != types.WorkflowStatusNotStarted {
		return fmt.Errorf("%w: %s is %s", ErrNotStartable, id, wf.Status)
	}

	tasks := make([]types.Task, len(wf.Tasks))
	for i, t := range wf.Tasks {
		tasks[i] = types.Task{
			ID:           t.ID,
			Description:  t.Description,
			AgentName:    t.AgentName,
			Prompt:       t.Prompt,
			Dependencies: t.Dependencies,
			Inputs:       t.Inputs,
			Priority:     t.Priority,
		}
	}
	g, err := graph.Build(tasks)
	if err != nil {
		return fmt.Errorf("rebuild graph: %w", err)
	}

	s.mu.Lock()
	if _, running := s.active[id]; running {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is running", ErrNotStartable, id)
	}
	// The run outlives the request that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	logger := s.logger.With(slog.String("workflow_id", id))
	em := events.NewEmitter(id, s.sink(logger), events.WithLogger(logger))
	run := &activeRun{
		cancel: cancel,
		bus:    scheduler.NewBus(em, logger),
		done:   make(chan struct{}),
	}
	s.active[id] = run
	s.mu.Unlock()

	if err := s.store.UpdateWorkflowStatus(ctx, id, types.WorkflowStatusRunning, ""); err != nil {
		s.forget(id)
		cancel()
		return fmt.Errorf("mark running: %w", err)
	}

	s.wg.Add(1)
	go s.execute(runCtx, wf, g, em, run, logger)
	return nil
}

func (s *Service) sink(logger *slog.Logger) events.Sink {
	sinks := []events.Sink{
		events.Named("runstore", events.StoreSink{Store: s.store}),
		events.LogSink{Logger: logger},
	}
	return events.Fanout(append(sinks, s.sinks...)...)
}

func (s *Service) execute(ctx context.Context, wf *types.Workflow, g *graph.Graph, em *events.Emitter, run *activeRun, logger *slog.Logger) {
	defer s.wg.Done()
	defer close(run.done)
	defer s.forget(wf.ID)
	defer run.cancel()

	if s.poll > 0 {
		go s.watchCancel(ctx, wf.ID, run.cancel)
	}

	result, err := s.sched.Execute(ctx, g, wf.Config, scheduler.Run{
		WorkflowID: wf.ID,
		Emitter:    em,
		Bus:        run.bus,
		Seeds:      scheduler.ParamSeeds(wf.Params),
		Tracker:    s.store,
	})
	if err != nil {
		logger.Error("workflow could not execute", slog.Any("error", err))
		now := time.Now().UTC()
		result = &types.WorkflowResult{
			WorkflowID: wf.ID,
			Status:     types.WorkflowStatusFailed,
			Results:    g.Results(),
			Order:      g.IDs(),
			StartedAt:  now,
			FinishedAt: now,
			Error:      err.Error(),
		}
	}
	run.result = result

	storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.CompleteWorkflow(storeCtx, wf.ID, result); err != nil {
		logger.Error("failed to store workflow result", slog.Any("error", err))
	}
}

// watchCancel cancels the run when the store reports a cancellation, which
// may have been requested through another instance.
func (s *Service) watchCancel(ctx context.Context, id string, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := s.store.IsCancelled(ctx, id)
			if err != nil {
				continue
			}
			if cancelled {
				s.logger.Info("workflow cancelled from store", slog.String("workflow_id", id))
				cancel()
				return
			}
		}
	}
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *Service) lookup(id string) (*activeRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.active[id]
	return run, ok
}

// Cancel records the cancellation and stops the run if it executes here.
func (s *Service) Cancel(ctx context.Context, id string) error {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, wf.Status)
	}
	if err := s.store.Cancel(ctx, id); err != nil {
		return err
	}
	if run, ok := s.lookup(id); ok {
		run.cancel()
		return nil
	}
	if wf.Status == types.WorkflowStatusNotStarted {
		now := time.Now().UTC()
		return s.store.CompleteWorkflow(ctx, id, cancelledResult(wf, now))
	}
	return nil
}

// cancelledResult reports every task of a run that never started as skipped.
func cancelledResult(wf *types.Workflow, now time.Time) *types.WorkflowResult {
	res := &types.WorkflowResult{
		WorkflowID: wf.ID,
		Status:     types.WorkflowStatusFailed,
		Results:    make(map[string]types.TaskResult, len(wf.Tasks)),
		Order:      make([]string, 0, len(wf.Tasks)),
		StartedAt:  now,
		FinishedAt: now,
		Error:      "workflow cancelled",
	}
	for _, t := range wf.Tasks {
		res.Results[t.ID] = types.TaskResult{
			TaskID:    t.ID,
			AgentName: t.AgentName,
			Status:    types.TaskStatusSkipped,
			Reason:    "workflow cancelled",
		}
		res.Order = append(res.Order, t.ID)
	}
	return res
}

// Delete cancels a live run, waits for it to stop and removes the record.
func (s *Service) Delete(ctx context.Context, id string) error {
	if run, ok := s.lookup(id); ok {
		run.cancel()
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.store.Delete(ctx, id)
}

// Publish injects msg into the bus of a running workflow and returns the
// number of handlers it reached.
func (s *Service) Publish(_ context.Context, id string, msg types.Message) (int, error) {
	run, ok := s.lookup(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	return run.bus.Publish(msg)
}

// Wait blocks until the workflow finishes and returns its result.
func (s *Service) Wait(ctx context.Context, id string) (*types.WorkflowResult, error) {
	if run, ok := s.lookup(id); ok {
		select {
		case <-run.done:
			return run.result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !wf.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, wf.Status)
	}
	return ResultOf(wf), nil
}

// ResultOf rebuilds the result of a finished workflow from its record.
func ResultOf(wf *types.Workflow) *types.WorkflowResult {
	res := &types.WorkflowResult{
		WorkflowID: wf.ID,
		Status:     wf.Status,
		Results:    wf.Results,
		Error:      wf.Error,
	}
	for _, t := range wf.Tasks {
		res.Order = append(res.Order, t.ID)
	}
	for _, r := range wf.Results {
		res.TotalTokens += r.TokensUsed
	}
	if wf.StartedAt != nil {
		res.StartedAt = *wf.StartedAt
	}
	if wf.FinishedAt != nil {
		res.FinishedAt = *wf.FinishedAt
	}
	return res
}

// Running lists the workflows executing on this instance.
func (s *Service) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every live run and waits for them to record their
// results, or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, run := range s.active {
		run.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
