// Package contextmgr owns the content state that agent invocations consume
// and produce. It decides which entries a task may see under the active
// strategy and prunes entries to keep each scope under a token budget.
//
// A Manager is not safe for concurrent use. The scheduler's coordinator is
// its only caller and mutates it strictly between scheduling decisions.
package contextmgr

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// Graph is the read-only view of the task graph the manager needs.
type Graph interface {
	Task(id string) (types.Task, bool)
	Status(id string) types.TaskStatus
	Dependencies(id string) []string
	Dependents(id string) []string
	Ancestors(id string) []string
}

// Config configures a Manager.
type Config struct {
	Strategy types.ContextStrategy
	// PruningThreshold is the token budget per scope. 0 disables pruning.
	PruningThreshold int
	Estimator        Estimator
	Logger           *slog.Logger
}

// Assembly is the prompt-assembly view of one task.
type Assembly struct {
	TaskID        string
	Entries       []types.ContextEntry
	Messages      []types.Message
	Prompt        string
	ContextTokens int
	PromptTokens  int
}

// Keys returns the keys of the visible entries in order.
func (a *Assembly) Keys() []string {
	keys := make([]string, len(a.Entries))
	for i, e := range a.Entries {
		keys[i] = e.Key
	}
	return keys
}

// PruneReport describes the entries evicted after an ingest.
type PruneReport struct {
	Scope       types.Scope
	EvictedKeys []string
	TokensFreed int
	TokensAfter int
}

// ScopeStats summarizes one scope.
type ScopeStats struct {
	Entries         int `json:"entries"`
	EstimatedTokens int `json:"estimated_tokens"`
	ActualTokens    int `json:"actual_tokens"`
}

// Manager holds the context entries of one workflow run.
type Manager struct {
	cfg     Config
	graph   Graph
	entries []*types.ContextEntry // ingestion order
	byKey   map[string]*types.ContextEntry
	totals  map[types.Scope]int
	seq     int64
	logger  *slog.Logger
}

// New creates a Manager over g.
func New(g Graph, cfg Config) (*Manager, error) {
	switch cfg.Strategy {
	case types.ContextShared, types.ContextIsolated, types.ContextHierarchical:
	case "":
		cfg.Strategy = types.ContextHierarchical
	default:
		return nil, fmt.Errorf("unknown context strategy %q", cfg.Strategy)
	}
	if cfg.PruningThreshold < 0 {
		return nil, fmt.Errorf("pruning threshold must not be negative")
	}
	if cfg.Estimator == nil {
		cfg.Estimator = DefaultEstimator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		graph:  g,
		byKey:  make(map[string]*types.ContextEntry),
		totals: make(map[types.Scope]int),
		logger: logger,
	}, nil
}

// Strategy returns the active strategy.
func (m *Manager) Strategy() types.ContextStrategy { return m.cfg.Strategy }

// OutputKey is the key under which a task's output is stored.
func OutputKey(taskID string) string { return "task/" + taskID }

// Seed adds a global entry supplied by the caller, such as a workflow
// parameter. Seeding an existing key replaces its content.
func (m *Manager) Seed(key, content string, priority int) (*types.ContextEntry, *PruneReport) {
	return m.add(&types.ContextEntry{
		Key:      key,
		Content:  content,
		Scope:    types.ScopeGlobal,
		Priority: priority,
	})
}

// Ingest records the output of a succeeded task as a new entry tagged with
// the task id, then prunes the entry's scope if it is over budget.
func (m *Manager) Ingest(taskID string, out *types.TaskOutput) (*types.ContextEntry, *PruneReport, error) {
	t, ok := m.graph.Task(taskID)
	if !ok {
		return nil, nil, fmt.Errorf("ingest: unknown task %s", taskID)
	}
	if out == nil {
		return nil, nil, fmt.Errorf("ingest: task %s has no output", taskID)
	}

	entry, report := m.add(&types.ContextEntry{
		Key:          OutputKey(taskID),
		Content:      out.Output,
		ActualTokens: out.OutputTokens,
		ProducedBy:   taskID,
		Scope:        m.outputScope(),
		Priority:     t.Priority,
	})
	return entry, report, nil
}

func (m *Manager) outputScope() types.Scope {
	switch m.cfg.Strategy {
	case types.ContextShared:
		return types.ScopeGlobal
	case types.ContextIsolated:
		return types.ScopeTaskLocal
	default:
		return types.ScopeBranch
	}
}

func (m *Manager) add(e *types.ContextEntry) (*types.ContextEntry, *PruneReport) {
	if old, ok := m.byKey[e.Key]; ok {
		m.remove(old)
	}
	m.seq++
	e.Seq = m.seq
	e.TokenEstimate = m.cfg.Estimator.Estimate(e.Content)

	m.entries = append(m.entries, e)
	m.byKey[e.Key] = e
	m.totals[e.Scope] += e.TokenEstimate

	report := m.prune(e.Scope, e)
	cp := *e
	return &cp, report
}

func (m *Manager) remove(e *types.ContextEntry) {
	for i, cur := range m.entries {
		if cur == e {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
	delete(m.byKey, e.Key)
	m.totals[e.Scope] -= e.TokenEstimate
}

// prune evicts entries of scope until its total is within the threshold.
// Candidates are taken lowest priority first, oldest first within a
// priority. The newest entry and protected entries are never evicted, so a
// scope may stay over budget when only those remain.
func (m *Manager) prune(scope types.Scope, newest *types.ContextEntry) *PruneReport {
	limit := m.cfg.PruningThreshold
	if limit <= 0 || m.totals[scope] <= limit {
		return nil
	}

	var candidates []*types.ContextEntry
	for _, e := range m.entries {
		if e.Scope != scope || e == newest || m.protected(e) {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].Seq < candidates[j].Seq
	})

	report := &PruneReport{Scope: scope}
	for _, e := range candidates {
		if m.totals[scope] <= limit {
			break
		}
		m.remove(e)
		report.EvictedKeys = append(report.EvictedKeys, e.Key)
		report.TokensFreed += e.TokenEstimate
	}
	report.TokensAfter = m.totals[scope]

	if m.totals[scope] > limit {
		m.logger.Debug("context scope over budget after pruning",
			slog.String("scope", string(scope)),
			slog.Int("tokens", m.totals[scope]),
			slog.Int("threshold", limit),
		)
	}
	if len(report.EvictedKeys) == 0 {
		return nil
	}
	return report
}

// protected reports whether e is the output of a task that some dependent
// has not consumed yet, that is a dependent still Pending or Ready.
func (m *Manager) protected(e *types.ContextEntry) bool {
	if e.ProducedBy == "" {
		return false
	}
	for _, dep := range m.graph.Dependents(e.ProducedBy) {
		switch m.graph.Status(dep) {
		case types.TaskStatusPending, types.TaskStatusReady:
			return true
		}
	}
	return false
}

// Visible returns the entries visible to a task under the active strategy,
// in ingestion order.
//
//   - shared: every entry.
//   - isolated: entries whose key or producing task the task lists in
//     Inputs, plus the outputs of its direct dependencies.
//   - hierarchical: global entries, declared inputs and the outputs of all
//     transitive dependencies. Siblings are not visible.
func (m *Manager) Visible(taskID string) ([]types.ContextEntry, error) {
	t, ok := m.graph.Task(taskID)
	if !ok {
		return nil, fmt.Errorf("unknown task %s", taskID)
	}

	var include func(e *types.ContextEntry) bool
	switch m.cfg.Strategy {
	case types.ContextShared:
		include = func(*types.ContextEntry) bool { return true }
	case types.ContextIsolated:
		allowed := m.declaredInputs(t)
		for _, dep := range t.Dependencies {
			allowed[OutputKey(dep)] = true
		}
		include = func(e *types.ContextEntry) bool { return allowed[e.Key] }
	default:
		allowed := m.declaredInputs(t)
		for _, anc := range m.graph.Ancestors(taskID) {
			allowed[OutputKey(anc)] = true
		}
		include = func(e *types.ContextEntry) bool {
			return e.Scope == types.ScopeGlobal || allowed[e.Key]
		}
	}

	var out []types.ContextEntry
	for _, e := range m.entries {
		if e.ProducedBy == taskID {
			continue
		}
		if include(e) {
			out = append(out, *e)
		}
	}
	return out, nil
}

// declaredInputs resolves Inputs that name either a context key or a task id.
func (m *Manager) declaredInputs(t types.Task) map[string]bool {
	allowed := make(map[string]bool, len(t.Inputs))
	for _, in := range t.Inputs {
		allowed[in] = true
		if _, isTask := m.graph.Task(in); isTask {
			allowed[OutputKey(in)] = true
		}
	}
	return allowed
}

// AssemblePrompt returns the visible entries for a task concatenated with
// the task's own prompt. inbox holds bus messages addressed to the task's
// agent and is rendered after the context.
func (m *Manager) AssemblePrompt(taskID string, inbox []types.Message) (*Assembly, error) {
	entries, err := m.Visible(taskID)
	if err != nil {
		return nil, err
	}
	t, _ := m.graph.Task(taskID)

	var b strings.Builder
	ctxTokens := 0
	if len(entries) > 0 {
		b.WriteString("## Context\n\n")
		for _, e := range entries {
			if e.ProducedBy != "" {
				fmt.Fprintf(&b, "### %s (from %s)\n", e.Key, e.ProducedBy)
			} else {
				fmt.Fprintf(&b, "### %s\n", e.Key)
			}
			b.WriteString(e.Content)
			b.WriteString("\n\n")
			ctxTokens += e.TokenEstimate
		}
	}
	if len(inbox) > 0 {
		b.WriteString("## Messages\n\n")
		for _, msg := range inbox {
			fmt.Fprintf(&b, "- from %s: %s\n", msg.Sender, msg.Payload)
		}
		b.WriteString("\n")
	}
	if b.Len() > 0 {
		b.WriteString("## Task\n\n")
	}
	b.WriteString(t.Prompt)

	prompt := b.String()
	return &Assembly{
		TaskID:        taskID,
		Entries:       entries,
		Messages:      inbox,
		Prompt:        prompt,
		ContextTokens: ctxTokens,
		PromptTokens:  m.cfg.Estimator.Estimate(prompt),
	}, nil
}

// Entry returns a copy of the entry with the given key.
func (m *Manager) Entry(key string) (types.ContextEntry, bool) {
	e, ok := m.byKey[key]
	if !ok {
		return types.ContextEntry{}, false
	}
	return *e, true
}

// Entries returns copies of all entries in ingestion order.
func (m *Manager) Entries() []types.ContextEntry {
	out := make([]types.ContextEntry, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out
}

// Tokens returns the tracked token estimate of a scope.
func (m *Manager) Tokens(scope types.Scope) int { return m.totals[scope] }

// Stats summarizes every non-empty scope.
func (m *Manager) Stats() map[types.Scope]ScopeStats {
	stats := make(map[types.Scope]ScopeStats)
	for _, e := range m.entries {
		s := stats[e.Scope]
		s.Entries++
		s.EstimatedTokens += e.TokenEstimate
		s.ActualTokens += e.ActualTokens
		stats[e.Scope] = s
	}
	return stats
}
