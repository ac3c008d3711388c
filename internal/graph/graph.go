// Package graph holds the task dependency graph of a workflow.
//
// A Graph is validated once by Build and afterwards mutated only through
// MarkStatus and the Skip helpers. It performs no locking: a single
// coordinator owns it for the lifetime of a run.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// Errors returned while building or mutating a Graph.
var (
	ErrCycleDetected     = errors.New("circular dependency detected")
	ErrDuplicateTaskID   = errors.New("duplicate task id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTaskNotFound      = errors.New("task not found")
	ErrEmptyTaskID       = errors.New("task id is required")
)

// CycleError reports the dependency cycle that made a task set invalid.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected
}

// TransitionError reports an illegal task status change.
type TransitionError struct {
	TaskID string
	From   types.TaskStatus
	To     types.TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: task %s cannot move from %s to %s", ErrInvalidTransition, e.TaskID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// transitions lists the legal next states for every state.
var transitions = map[types.TaskStatus][]types.TaskStatus{
	types.TaskStatusPending: {types.TaskStatusReady, types.TaskStatusSkipped},
	types.TaskStatusReady:   {types.TaskStatusRunning, types.TaskStatusSkipped},
	types.TaskStatusRunning: {types.TaskStatusSucceeded, types.TaskStatusFailed},
}

func canTransition(from, to types.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Blocked describes a task that can never run because a dependency did not succeed.
type Blocked struct {
	TaskID   string
	CausedBy string
}

// Graph is a validated, acyclic set of tasks.
type Graph struct {
	tasks      map[string]*types.Task
	order      []string // submission order
	topo       []string
	dependents map[string][]string
	now        func() time.Time
}

// Build validates tasks and returns the graph. Every task starts Pending.
// Ids must be unique, dependencies must name tasks in the set and the
// dependency relation must be acyclic.
func Build(tasks []types.Task) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]*types.Task, len(tasks)),
		order:      make([]string, 0, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
		now:        func() time.Time { return time.Now().UTC() },
	}

	for i := range tasks {
		t := tasks[i]
		if t.ID == "" {
			return nil, fmt.Errorf("task at index %d: %w", i, ErrEmptyTaskID)
		}
		if _, exists := g.tasks[t.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTaskID, t.ID)
		}
		t.Dependencies = dedupe(t.Dependencies)
		t.Inputs = append([]string(nil), t.Inputs...)
		t.Status = types.TaskStatusPending
		t.Result = nil
		t.Error = nil
		t.SkippedBy = ""
		t.SkipReason = ""
		t.StartedAt = nil
		t.FinishedAt = nil
		g.tasks[t.ID] = &t
		g.order = append(g.order, t.ID)
	}

	edges := make(map[string][]string, len(g.tasks))
	for _, id := range g.order {
		t := g.tasks[id]
		for _, dep := range t.Dependencies {
			if dep == id {
				return nil, &CycleError{Path: []string{id, id}}
			}
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, id, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
		edges[id] = t.Dependencies
	}

	topo, err := topoSort(g.order, edges, g.dependents)
	if err != nil {
		return nil, err
	}
	g.topo = topo
	return g, nil
}

// topoSort runs Kahn's algorithm. When nodes remain with a non-zero
// in-degree the cycle among them is located and reported.
func topoSort(nodes []string, edges, forward map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		inDegree[n] = len(edges[n])
	}

	var queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	sorted := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(nodes) {
		return sorted, nil
	}
	return nil, &CycleError{Path: findCyclePath(nodes, edges, inDegree)}
}

// findCyclePath walks the nodes left over by Kahn's algorithm and returns
// the first cycle found, e.g. [a b c a] for a -> b -> c -> a.
func findCyclePath(nodes []string, edges map[string][]string, inDegree map[string]int) []string {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(nodes))
	parent := make(map[string]string)
	var path []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			switch color[dep] {
			case gray:
				path = []string{dep}
				for cur := node; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return true
			case white:
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, n := range nodes {
		if inDegree[n] > 0 && color[n] == white && dfs(n) {
			return path
		}
	}
	return []string{"(unresolved)"}
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.order) }

// IDs returns task ids in submission order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

// TopologicalOrder returns task ids with every dependency before its dependents.
func (g *Graph) TopologicalOrder() []string {
	return append([]string(nil), g.topo...)
}

// Task returns a copy of the task with the given id.
func (g *Graph) Task(id string) (types.Task, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return types.Task{}, false
	}
	return *t, true
}

// Status returns the current status of a task, or "" when it does not exist.
func (g *Graph) Status(id string) types.TaskStatus {
	if t, ok := g.tasks[id]; ok {
		return t.Status
	}
	return ""
}

// Tasks returns copies of all tasks in submission order.
func (g *Graph) Tasks() []types.Task {
	out := make([]types.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.tasks[id])
	}
	return out
}

// Dependencies returns the direct dependencies of a task.
func (g *Graph) Dependencies(id string) []string {
	if t, ok := g.tasks[id]; ok {
		return append([]string(nil), t.Dependencies...)
	}
	return nil
}

// Dependents returns the tasks that directly depend on id, in submission order.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Ancestors returns the transitive dependencies of id in topological order.
func (g *Graph) Ancestors(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		t, ok := g.tasks[n]
		if !ok {
			return
		}
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)
	return g.inTopoOrder(seen)
}

// Descendants returns every task that transitively depends on id, in topological order.
func (g *Graph) Descendants(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, dep := range g.dependents[n] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)
	return g.inTopoOrder(seen)
}

func (g *Graph) inTopoOrder(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for _, id := range g.topo {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}

// ReadyTasks returns every Pending or Ready task whose dependencies have all
// Succeeded, ordered by descending priority then ascending id. Eligible
// Pending tasks are moved to Ready.
func (g *Graph) ReadyTasks() []types.Task {
	var ready []*types.Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != types.TaskStatusPending && t.Status != types.TaskStatusReady {
			continue
		}
		if !g.depsSucceeded(t) {
			continue
		}
		if t.Status == types.TaskStatusPending {
			t.Status = types.TaskStatusReady
		}
		ready = append(ready, t)
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})

	out := make([]types.Task, len(ready))
	for i, t := range ready {
		out[i] = *t
	}
	return out
}

func (g *Graph) depsSucceeded(t *types.Task) bool {
	for _, dep := range t.Dependencies {
		if g.tasks[dep].Status != types.TaskStatusSucceeded {
			return false
		}
	}
	return true
}

// MarkStatus transitions a task. Succeeded records output, Failed records
// taskErr. Moving to Running stamps StartedAt, terminal states stamp FinishedAt.
// Skips should go through Skip so the cause is recorded.
func (g *Graph) MarkStatus(id string, status types.TaskStatus, output *types.TaskOutput, taskErr *types.TaskError) error {
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !canTransition(t.Status, status) {
		return &TransitionError{TaskID: id, From: t.Status, To: status}
	}

	now := g.now()
	t.Status = status
	switch status {
	case types.TaskStatusRunning:
		t.StartedAt = &now
	case types.TaskStatusSucceeded:
		t.Result = output
		t.FinishedAt = &now
	case types.TaskStatusFailed:
		t.Error = taskErr
		t.FinishedAt = &now
	case types.TaskStatusSkipped:
		t.FinishedAt = &now
	}
	return nil
}

// Skip marks a Pending or Ready task Skipped. causedBy names the task whose
// failure caused the skip and may be empty.
func (g *Graph) Skip(id, causedBy, reason string) error {
	if err := g.MarkStatus(id, types.TaskStatusSkipped, nil, nil); err != nil {
		return err
	}
	t := g.tasks[id]
	t.SkippedBy = causedBy
	t.SkipReason = reason
	return nil
}

// SkipDescendants skips every not-yet-started task that transitively depends
// on id and returns the skipped ids in topological order.
func (g *Graph) SkipDescendants(id, reason string) []string {
	var skipped []string
	for _, d := range g.Descendants(id) {
		if g.isWaiting(d) {
			if err := g.Skip(d, id, reason); err == nil {
				skipped = append(skipped, d)
			}
		}
	}
	return skipped
}

// SkipWaiting skips every Pending or Ready task and returns their ids in
// topological order.
func (g *Graph) SkipWaiting(causedBy, reason string) []string {
	var skipped []string
	for _, id := range g.topo {
		if g.isWaiting(id) {
			if err := g.Skip(id, causedBy, reason); err == nil {
				skipped = append(skipped, id)
			}
		}
	}
	return skipped
}

// Blocked returns the waiting tasks that can never run because some
// dependency Failed or was Skipped. CausedBy is the root failed task.
func (g *Graph) Blocked() []Blocked {
	var out []Blocked
	for _, id := range g.topo {
		if !g.isWaiting(id) {
			continue
		}
		for _, dep := range g.tasks[id].Dependencies {
			dt := g.tasks[dep]
			if dt.Status == types.TaskStatusFailed {
				out = append(out, Blocked{TaskID: id, CausedBy: dep})
				break
			}
			if dt.Status == types.TaskStatusSkipped {
				cause := dt.SkippedBy
				if cause == "" {
					cause = dep
				}
				out = append(out, Blocked{TaskID: id, CausedBy: cause})
				break
			}
		}
	}
	return out
}

func (g *Graph) isWaiting(id string) bool {
	s := g.tasks[id].Status
	return s == types.TaskStatusPending || s == types.TaskStatusReady
}

// Running returns the ids of Running tasks in submission order.
func (g *Graph) Running() []string {
	var out []string
	for _, id := range g.order {
		if g.tasks[id].Status == types.TaskStatusRunning {
			out = append(out, id)
		}
	}
	return out
}

// IsComplete reports whether no task is Pending, Ready or Running.
func (g *Graph) IsComplete() bool {
	for _, t := range g.tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Counts returns the number of tasks in each status.
func (g *Graph) Counts() map[types.TaskStatus]int {
	counts := make(map[types.TaskStatus]int)
	for _, t := range g.tasks {
		counts[t.Status]++
	}
	return counts
}

// Results projects every task into a result entry keyed by id.
func (g *Graph) Results() map[string]types.TaskResult {
	out := make(map[string]types.TaskResult, len(g.tasks))
	for id, t := range g.tasks {
		out[id] = types.ResultOf(t)
	}
	return out
}
