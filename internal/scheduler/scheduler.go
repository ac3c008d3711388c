// Package scheduler drives a task graph to completion: it dispatches ready
// tasks to agents with bounded parallelism, feeds results back into the
// graph and the context manager, and mirrors every transition as an event.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/doravidan/vibing2-sub003/internal/bus"
	"github.com/doravidan/vibing2-sub003/internal/contextmgr"
	"github.com/doravidan/vibing2-sub003/internal/events"
	"github.com/doravidan/vibing2-sub003/internal/graph"
	"github.com/doravidan/vibing2-sub003/internal/invoker"
	"github.com/doravidan/vibing2-sub003/internal/metrics"
	"github.com/doravidan/vibing2-sub003/internal/tracing"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

const tracerName = "github.com/doravidan/vibing2-sub003/internal/scheduler"

// TaskTracker persists task transitions as they happen. runstore.Store
// implements it.
type TaskTracker interface {
	UpdateTaskState(ctx context.Context, workflowID string, task types.Task) error
}

// Seed is a caller-supplied global context entry, such as a workflow
// parameter, made visible to every task.
type Seed struct {
	Key      string
	Content  string
	Priority int
}

// Run carries the per-execution collaborators. Every field is optional.
type Run struct {
	WorkflowID string
	// Emitter receives the run's events. Its workflow id wins over WorkflowID.
	Emitter *events.Emitter
	// Bus is the run's message bus. Use NewBus so deliveries become events.
	Bus     *bus.Bus
	Seeds   []Seed
	Tracker TaskTracker
}

// Scheduler executes task graphs. It holds no per-run state and may run
// several workflows concurrently.
type Scheduler struct {
	invoker   invoker.Invoker
	estimator contextmgr.Estimator
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithEstimator replaces the token estimator used for pruning.
func WithEstimator(e contextmgr.Estimator) Option {
	return func(s *Scheduler) { s.estimator = e }
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// New creates a scheduler. Invokers that are not already guarded are
// wrapped in an invoker.Guard so per-call timeouts and error
// classification always apply.
func New(inv invoker.Invoker, opts ...Option) *Scheduler {
	s := &Scheduler{
		estimator: contextmgr.DefaultEstimator,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, ok := inv.(*invoker.Guard); !ok {
		inv = invoker.NewGuard(inv, invoker.GuardConfig{Logger: s.logger})
	}
	s.invoker = inv
	return s
}

// NewBus creates a message bus whose deliveries are emitted as
// message:delivered events on em.
func NewBus(em *events.Emitter, logger *slog.Logger) *bus.Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return bus.New(em.WorkflowID(),
		bus.WithLogger(logger),
		bus.WithObserver(func(msg types.Message, delivered int) {
			em.Emit(context.Background(), types.EventMessageDelivered, "", types.MessageDeliveredEvent{
				Message:   msg,
				Delivered: delivered,
			})
		}),
	)
}

// completion is handed from an invocation goroutine back to the coordinator.
type completion struct {
	taskID string
	resp   *invoker.Response
	err    error
}

// execution is the coordinator state of one run. Only the goroutine running
// Execute touches it, apart from the inbox.
type execution struct {
	s       *Scheduler
	cfg     types.ExecuteConfig
	graph   *graph.Graph
	ctxMgr  *contextmgr.Manager
	emitter *events.Emitter
	bus     *bus.Bus
	inbox   *inbox
	tracker TaskTracker
	logger  *slog.Logger

	// emitCtx outlives cancellation of the caller's context so the final
	// events still reach the sink.
	emitCtx context.Context
	spans   map[string]trace.Span
	started time.Time

	failed   string // first failed task under fail-fast
	failErr  string
	halted   bool
	timedOut bool
	aborted  bool
}

// Execute runs g to completion under cfg and returns one result per task.
// It only returns an error for problems detected before dispatch, such as
// an invalid configuration. Invocation failures are reported per task.
func (s *Scheduler) Execute(ctx context.Context, g *graph.Graph, cfg types.ExecuteConfig, run Run) (*types.WorkflowResult, error) {
	if g == nil {
		return nil, fmt.Errorf("execute: nil task graph")
	}
	cfg = cfg.WithDefaults(types.DefaultExecuteConfig())
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	em := run.Emitter
	if em == nil {
		id := run.WorkflowID
		if id == "" {
			id = uuid.NewString()
		}
		em = events.NewEmitter(id, nil, events.WithLogger(s.logger))
	}
	workflowID := em.WorkflowID()
	logger := s.logger.With(slog.String("workflow_id", workflowID))

	cm, err := contextmgr.New(g, contextmgr.Config{
		Strategy:         cfg.ContextStrategy,
		PruningThreshold: max(cfg.PruningThreshold, 0),
		Estimator:        s.estimator,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	b := run.Bus
	if b == nil {
		b = NewBus(em, logger)
	}

	x := &execution{
		s:       s,
		cfg:     cfg,
		graph:   g,
		ctxMgr:  cm,
		emitter: em,
		bus:     b,
		inbox:   newInbox(),
		tracker: run.Tracker,
		logger:  logger,
		emitCtx: context.WithoutCancel(ctx),
		spans:   make(map[string]trace.Span),
	}
	for _, seed := range run.Seeds {
		if _, report := cm.Seed(seed.Key, seed.Content, seed.Priority); report != nil {
			x.emitPruned("", report)
		}
	}

	unsubscribe := x.inbox.subscribe(b, g)
	defer unsubscribe()

	return x.run(ctx), nil
}

func (x *execution) run(parent context.Context) *types.WorkflowResult {
	ctx, span := tracing.StartWorkflow(parent, x.s.tracer, x.emitter.WorkflowID(), x.graph.Len(), x.cfg)

	// Cancelling dispatchCtx abandons in-flight invocations.
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()

	x.started = time.Now().UTC()
	metrics.WorkflowsActive.Inc()
	defer metrics.WorkflowsActive.Dec()

	x.emitter.Emit(x.emitCtx, types.EventWorkflowStart, "", types.WorkflowStartEvent{
		TaskCount: x.graph.Len(),
		Config:    x.cfg,
	})
	x.logger.Info("workflow started",
		slog.Int("tasks", x.graph.Len()),
		slog.Int("max_parallel", x.cfg.MaxParallelAgents),
		slog.String("strategy", string(x.cfg.ContextStrategy)),
	)

	var timeout <-chan time.Time
	if d := x.cfg.GlobalTimeout.Std(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	// Buffered to the task count so abandoned invocations never block.
	completions := make(chan completion, x.graph.Len())
	inflight := 0

	for {
		if !x.halted && parent.Err() != nil {
			x.aborted = true
			x.halt(types.ErrorKindCancelled, "workflow cancelled")
			cancelDispatch()
			inflight = 0
		}
		if !x.halted {
			x.skipBlocked()
			inflight += x.dispatch(dispatchCtx, completions, inflight)
		}
		if inflight == 0 {
			break
		}

		select {
		case c := <-completions:
			inflight--
			x.complete(c)
		case <-timeout:
			x.timedOut = true
			x.halt(types.ErrorKindTimeout, fmt.Sprintf("workflow timed out after %s", x.cfg.GlobalTimeout.Std()))
			cancelDispatch()
			inflight = 0
		case <-parent.Done():
			x.aborted = true
			x.halt(types.ErrorKindCancelled, "workflow cancelled")
			cancelDispatch()
			inflight = 0
		}
	}

	result := x.finish()
	tracing.EndWorkflow(span, result)
	return result
}

// skipBlocked skips waiting tasks that can no longer run because a
// dependency failed or was skipped.
func (x *execution) skipBlocked() {
	for _, b := range x.graph.Blocked() {
		reason := fmt.Sprintf("dependency %s did not succeed", b.CausedBy)
		if err := x.graph.Skip(b.TaskID, b.CausedBy, reason); err != nil {
			x.logger.Error("failed to skip blocked task", slog.String("task_id", b.TaskID), slog.Any("error", err))
			continue
		}
		x.emitSkipped(b.TaskID)
	}
}

// dispatch starts ready tasks until the concurrency limit is reached and
// returns how many it started.
func (x *execution) dispatch(ctx context.Context, completions chan<- completion, inflight int) int {
	ready := x.graph.ReadyTasks()
	slots := x.cfg.MaxParallelAgents - inflight
	started := 0
	for _, t := range ready {
		if started >= slots || x.halted {
			break
		}
		if x.graph.Status(t.ID) != types.TaskStatusReady {
			continue
		}
		ok, err := x.start(ctx, t, completions)
		if err != nil {
			x.logger.Error("failed to start task", slog.String("task_id", t.ID), slog.Any("error", err))
			continue
		}
		if ok {
			started++
		}
	}
	metrics.SchedulerQueueDepth.Set(float64(len(ready) - started))
	return started
}

// start dispatches t and reports whether an invocation is now in flight.
func (x *execution) start(ctx context.Context, t types.Task, completions chan<- completion) (bool, error) {
	if err := x.graph.MarkStatus(t.ID, types.TaskStatusRunning, nil, nil); err != nil {
		return false, err
	}
	x.track(t.ID)
	metrics.TasksRunning.Inc()

	x.emitter.Emit(x.emitCtx, types.EventTaskStart, t.ID, types.TaskStartEvent{
		Agent:    t.AgentName,
		Priority: t.Priority,
	})

	asm, err := x.ctxMgr.AssemblePrompt(t.ID, x.inbox.drain(t.AgentName))
	if err != nil {
		metrics.TasksRunning.Dec()
		x.fail(t, &types.TaskError{Kind: types.ErrorKindUpstream, Message: "assemble prompt: " + err.Error()}, 0, nil)
		return false, nil
	}

	x.emitter.Emit(x.emitCtx, types.EventAgentInvoke, t.ID, types.AgentInvokeEvent{
		Agent:         t.AgentName,
		ContextKeys:   asm.Keys(),
		ContextTokens: asm.ContextTokens,
		PromptTokens:  asm.PromptTokens,
	})

	taskCtx, span := tracing.StartTask(ctx, x.s.tracer, t, asm.PromptTokens)
	x.spans[t.ID] = span

	req := invoker.Request{
		WorkflowID:       x.emitter.WorkflowID(),
		TaskID:           t.ID,
		Agent:            t.AgentName,
		Prompt:           asm.Prompt,
		Timeout:          x.cfg.PerCallTimeout.Std(),
		RateLimitRetries: &x.cfg.RateLimitRetries,
	}
	go x.invoke(taskCtx, req, completions)
	return true, nil
}

// invoke runs on its own goroutine and only talks to the coordinator
// through completions.
func (x *execution) invoke(ctx context.Context, req invoker.Request, completions chan<- completion) {
	c := completion{taskID: req.TaskID}
	defer func() {
		if r := recover(); r != nil {
			c.resp = nil
			c.err = invoker.NewError(types.ErrorKindUpstream, req.Agent, fmt.Sprintf("invoker panic: %v", r), nil)
		}
		completions <- c
	}()
	c.resp, c.err = x.s.invoker.Invoke(ctx, req)
}

// complete applies one invocation outcome to the graph and context.
func (x *execution) complete(c completion) {
	t, ok := x.graph.Task(c.taskID)
	if !ok || t.Status != types.TaskStatusRunning {
		// Already settled by a timeout or cancellation.
		return
	}
	metrics.TasksRunning.Dec()
	span := x.spans[c.taskID]
	delete(x.spans, c.taskID)

	if c.err == nil && c.resp != nil {
		x.succeed(t, c.resp, span)
		return
	}
	err := c.err
	if err == nil {
		err = invoker.NewError(types.ErrorKindUpstream, t.AgentName, "empty response", nil)
	}
	x.fail(t, invoker.TaskError(t.AgentName, err), durationOf(c.resp), span)
}

func durationOf(resp *invoker.Response) time.Duration {
	if resp == nil {
		return 0
	}
	return resp.Duration
}

func (x *execution) succeed(t types.Task, resp *invoker.Response, span trace.Span) {
	text, directives := bus.SplitDirectives(resp.Output)
	out := &types.TaskOutput{
		Output:       text,
		TokensUsed:   resp.TokensUsed(),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		DurationMs:   resp.Duration.Milliseconds(),
	}

	_, report, err := x.ctxMgr.Ingest(t.ID, out)
	if err != nil {
		x.logger.Error("failed to ingest task output", slog.String("task_id", t.ID), slog.Any("error", err))
	}
	if err := x.graph.MarkStatus(t.ID, types.TaskStatusSucceeded, out, nil); err != nil {
		x.logger.Error("failed to mark task succeeded", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	x.track(t.ID)
	x.observeTask(types.TaskStatusSucceeded, resp.Duration)

	x.emitter.Emit(x.emitCtx, types.EventTaskComplete, t.ID, types.TaskCompleteEvent{
		Agent:        t.AgentName,
		TokensUsed:   out.TokensUsed,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		DurationMs:   out.DurationMs,
		Output:       out.Output,
	})
	if report != nil {
		x.emitPruned(t.ID, report)
	}

	if span != nil {
		tracing.TaskSucceeded(span, out.TokensUsed, resp.Attempts)
	}

	x.logger.Info("task completed",
		slog.String("task_id", t.ID),
		slog.String("agent", t.AgentName),
		slog.Int("tokens", out.TokensUsed),
		slog.Duration("duration", resp.Duration),
	)

	x.publishDirectives(t, directives)
}

// publishDirectives relays the @broadcast and @notify lines of an agent's
// output over the bus. Those lines are kept out of the task's output, so a
// notification only reaches its target.
func (x *execution) publishDirectives(t types.Task, directives []bus.Directive) {
	for _, d := range directives {
		_, err := x.bus.Publish(types.Message{
			Sender:   t.AgentName,
			Target:   d.Target,
			Payload:  d.Payload,
			Metadata: map[string]any{"task_id": t.ID},
		})
		if err != nil {
			x.logger.Warn("failed to publish directive", slog.String("task_id", t.ID), slog.Any("error", err))
		}
	}
}

func (x *execution) fail(t types.Task, te *types.TaskError, d time.Duration, span trace.Span) {
	if err := x.graph.MarkStatus(t.ID, types.TaskStatusFailed, nil, te); err != nil {
		x.logger.Error("failed to mark task failed", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	x.track(t.ID)
	x.observeTask(types.TaskStatusFailed, d)

	x.emitter.Emit(x.emitCtx, types.EventTaskError, t.ID, types.TaskErrorEvent{
		Agent:      t.AgentName,
		Kind:       te.Kind,
		Error:      te.Message,
		DurationMs: d.Milliseconds(),
	})
	if span != nil {
		tracing.TaskFailed(span, te)
	}

	x.logger.Warn("task failed",
		slog.String("task_id", t.ID),
		slog.String("agent", t.AgentName),
		slog.String("kind", string(te.Kind)),
		slog.String("error", te.Message),
	)

	if x.halted {
		return
	}
	switch x.cfg.FailurePolicy {
	case types.FailFast:
		x.failed = t.ID
		x.failErr = fmt.Sprintf("task %s failed: %s", t.ID, te.Message)
		x.halted = true
		for _, id := range x.graph.SkipWaiting(t.ID, fmt.Sprintf("aborted after task %s failed", t.ID)) {
			x.emitSkipped(id)
		}
	default:
		for _, id := range x.graph.SkipDescendants(t.ID, fmt.Sprintf("dependency %s failed", t.ID)) {
			x.emitSkipped(id)
		}
	}
}

// halt stops dispatch, fails every running task with kind and skips every
// waiting one.
func (x *execution) halt(kind types.ErrorKind, reason string) {
	x.halted = true
	for _, id := range x.graph.Running() {
		t, _ := x.graph.Task(id)
		metrics.TasksRunning.Dec()
		span := x.spans[id]
		delete(x.spans, id)
		d := time.Duration(0)
		if t.StartedAt != nil {
			d = time.Since(*t.StartedAt)
		}
		x.fail(t, &types.TaskError{Kind: kind, Message: reason}, d, span)
	}
	for _, id := range x.graph.SkipWaiting("", reason) {
		x.emitSkipped(id)
	}
	x.logger.Warn("workflow halted", slog.String("reason", reason))
}

func (x *execution) finish() *types.WorkflowResult {
	finished := time.Now().UTC()
	status := types.WorkflowStatusCompleted
	errMsg := ""
	switch {
	case x.timedOut:
		status = types.WorkflowStatusTimedOut
		errMsg = fmt.Sprintf("workflow timed out after %s", x.cfg.GlobalTimeout.Std())
	case x.aborted:
		status = types.WorkflowStatusFailed
		errMsg = "workflow cancelled"
	case x.failed != "":
		status = types.WorkflowStatusFailed
		errMsg = x.failErr
	}

	results := x.graph.Results()
	total := 0
	for _, r := range results {
		total += r.TokensUsed
	}
	counts := x.graph.Counts()
	elapsed := finished.Sub(x.started)

	metrics.WorkflowsTotal.WithLabelValues(string(status)).Inc()
	metrics.WorkflowDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())

	x.emitter.Emit(x.emitCtx, types.EventWorkflowComplete, "", types.WorkflowCompleteEvent{
		Status:      status,
		Counts:      counts,
		TotalTokens: total,
		DurationMs:  elapsed.Milliseconds(),
		Error:       errMsg,
	})
	x.emitter.Emit(x.emitCtx, types.EventWorkflowResults, "", types.WorkflowResultsEvent{
		Status:  status,
		Results: results,
	})

	x.logger.Info("workflow finished",
		slog.String("status", string(status)),
		slog.Int("succeeded", counts[types.TaskStatusSucceeded]),
		slog.Int("failed", counts[types.TaskStatusFailed]),
		slog.Int("skipped", counts[types.TaskStatusSkipped]),
		slog.Int("tokens", total),
		slog.Duration("duration", elapsed),
	)

	return &types.WorkflowResult{
		WorkflowID:  x.emitter.WorkflowID(),
		Status:      status,
		Results:     results,
		Order:       x.graph.IDs(),
		TotalTokens: total,
		StartedAt:   x.started,
		FinishedAt:  finished,
		Error:       errMsg,
	}
}

func (x *execution) emitSkipped(id string) {
	t, _ := x.graph.Task(id)
	x.track(id)
	metrics.TasksTotal.WithLabelValues(string(types.TaskStatusSkipped)).Inc()
	x.emitter.Emit(x.emitCtx, types.EventTaskSkipped, id, types.TaskSkippedEvent{
		CausedBy: t.SkippedBy,
		Reason:   t.SkipReason,
	})
}

func (x *execution) emitPruned(taskID string, r *contextmgr.PruneReport) {
	metrics.ContextEvictions.WithLabelValues(string(r.Scope)).Add(float64(len(r.EvictedKeys)))
	x.emitter.Emit(x.emitCtx, types.EventContextPruned, taskID, types.ContextPrunedEvent{
		Scope:       r.Scope,
		EvictedKeys: r.EvictedKeys,
		TokensFreed: r.TokensFreed,
		TokensAfter: r.TokensAfter,
	})
}

func (x *execution) observeTask(status types.TaskStatus, d time.Duration) {
	metrics.TasksTotal.WithLabelValues(string(status)).Inc()
	metrics.TaskDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// track hands the task's current state to the tracker, if any.
func (x *execution) track(id string) {
	if x.tracker == nil {
		return
	}
	t, ok := x.graph.Task(id)
	if !ok {
		return
	}
	if err := x.tracker.UpdateTaskState(x.emitCtx, x.emitter.WorkflowID(), t); err != nil {
		x.logger.Warn("failed to persist task state", slog.String("task_id", id), slog.Any("error", err))
	}
}
