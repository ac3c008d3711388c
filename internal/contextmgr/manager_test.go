package contextmgr

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doravidan/vibing2-sub003/internal/graph"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// lenEstimator counts one token per byte to keep arithmetic obvious.
var lenEstimator = EstimatorFunc(func(s string) int { return len(s) })

func buildGraph(t *testing.T, tasks ...types.Task) *graph.Graph {
	t.Helper()
	g, err := graph.Build(tasks)
	require.NoError(t, err)
	return g
}

func tk(id string, deps ...string) types.Task {
	return types.Task{ID: id, AgentName: "backend-architect", Prompt: "prompt " + id, Dependencies: deps}
}

// finish drives a task to Succeeded so it no longer protects its inputs.
func finish(t *testing.T, g *graph.Graph, id string) {
	t.Helper()
	g.ReadyTasks()
	require.NoError(t, g.MarkStatus(id, types.TaskStatusRunning, nil, nil))
	require.NoError(t, g.MarkStatus(id, types.TaskStatusSucceeded, &types.TaskOutput{Output: id}, nil))
}

func keys(entries []types.ContextEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

func TestRuneEstimator(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"héllo wörld", 3},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultEstimator.Estimate(tt.in))
		})
	}
}

func TestVisibleByStrategy(t *testing.T) {
	// A -> B, A -> C, B+C -> D; S is unrelated.
	tasks := []types.Task{tk("A"), tk("B", "A"), tk("C", "A"), tk("D", "B", "C"), tk("S")}
	withInput := tasks
	withInput[3].Inputs = []string{"brief"}

	tests := []struct {
		strategy types.ContextStrategy
		task     string
		want     []string
	}{
		{types.ContextShared, "D", []string{"brief", "task/A", "task/B", "task/C", "task/S"}},
		{types.ContextShared, "C", []string{"brief", "task/A", "task/B", "task/S"}},
		{types.ContextIsolated, "D", []string{"brief", "task/B", "task/C"}},
		{types.ContextIsolated, "C", []string{"task/A"}},
		{types.ContextIsolated, "S", nil},
		{types.ContextHierarchical, "D", []string{"brief", "task/A", "task/B", "task/C"}},
		{types.ContextHierarchical, "C", []string{"brief", "task/A"}},
		{types.ContextHierarchical, "S", []string{"brief"}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.strategy, tt.task), func(t *testing.T) {
			g := buildGraph(t, withInput...)
			m, err := New(g, Config{Strategy: tt.strategy})
			require.NoError(t, err)

			m.Seed("brief", "build a todo app", 10)
			for _, id := range []string{"A", "B", "C", "S"} {
				_, _, err := m.Ingest(id, &types.TaskOutput{Output: "out " + id})
				require.NoError(t, err)
			}

			got, err := m.Visible(tt.task)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, keys(got))
		})
	}
}

func TestIsolatedInputsByTaskID(t *testing.T) {
	x := tk("X")
	y := tk("Y")
	y.Inputs = []string{"X"}
	g := buildGraph(t, x, y)

	m, err := New(g, Config{Strategy: types.ContextIsolated})
	require.NoError(t, err)
	_, _, err = m.Ingest("X", &types.TaskOutput{Output: "schema"})
	require.NoError(t, err)

	got, err := m.Visible("Y")
	require.NoError(t, err)
	assert.Equal(t, []string{"task/X"}, keys(got))
}

func TestIngestTagsProducer(t *testing.T) {
	g := buildGraph(t, tk("A"))
	m, err := New(g, Config{Strategy: types.ContextShared})
	require.NoError(t, err)

	entry, report, err := m.Ingest("A", &types.TaskOutput{Output: "hello world", OutputTokens: 3})
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Equal(t, "A", entry.ProducedBy)
	assert.Equal(t, types.ScopeGlobal, entry.Scope)
	assert.Equal(t, 3, entry.TokenEstimate)
	assert.Equal(t, 3, entry.ActualTokens)

	stats := m.Stats()[types.ScopeGlobal]
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 3, stats.ActualTokens)

	_, _, err = m.Ingest("missing", &types.TaskOutput{})
	assert.Error(t, err)
	_, _, err = m.Ingest("A", nil)
	assert.Error(t, err)
}

func TestNewRejectsBadConfig(t *testing.T) {
	g := buildGraph(t, tk("A"))
	_, err := New(g, Config{Strategy: "mystery"})
	assert.Error(t, err)
	_, err = New(g, Config{PruningThreshold: -1})
	assert.Error(t, err)

	m, err := New(g, Config{})
	require.NoError(t, err)
	assert.Equal(t, types.ContextHierarchical, m.Strategy())
}

func TestPruneLowestPriorityOldestFirst(t *testing.T) {
	g := buildGraph(t, tk("A"))
	m, err := New(g, Config{Strategy: types.ContextShared, PruningThreshold: 10, Estimator: lenEstimator})
	require.NoError(t, err)

	m.Seed("keep-high", "aaaa", 5)
	m.Seed("low-old", "bbbb", 0)
	_, report := m.Seed("low-new", "cccc", 0)
	require.NotNil(t, report)
	assert.Equal(t, []string{"low-old"}, report.EvictedKeys)
	assert.Equal(t, 4, report.TokensFreed)
	assert.Equal(t, 8, report.TokensAfter)

	_, ok := m.Entry("low-new")
	assert.True(t, ok, "newest entry is never evicted")
	_, ok = m.Entry("keep-high")
	assert.True(t, ok)
}

func TestPruneNeverEvictsPendingDependencyOutput(t *testing.T) {
	// B waits on A, so A's output must survive.
	g := buildGraph(t, tk("A"), tk("B", "A"), tk("C"))
	m, err := New(g, Config{Strategy: types.ContextShared, PruningThreshold: 5, Estimator: lenEstimator})
	require.NoError(t, err)

	finish(t, g, "A")
	_, _, err = m.Ingest("A", &types.TaskOutput{Output: "aaaaaa"})
	require.NoError(t, err)

	finish(t, g, "C")
	_, report, err := m.Ingest("C", &types.TaskOutput{Output: "cccccc"})
	require.NoError(t, err)
	assert.Nil(t, report)
	_, ok := m.Entry(OutputKey("A"))
	assert.True(t, ok)

	// Once B has started, A's output is consumed and may go.
	finish(t, g, "B")
	_, report, err = m.Ingest("B", &types.TaskOutput{Output: "bb"})
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, []string{"task/A", "task/C"}, report.EvictedKeys)
}

func TestPruneScopesAreIndependent(t *testing.T) {
	g := buildGraph(t, tk("A"), tk("B"))
	m, err := New(g, Config{Strategy: types.ContextHierarchical, PruningThreshold: 6, Estimator: lenEstimator})
	require.NoError(t, err)

	m.Seed("global", "gggggg", 0)
	finish(t, g, "A")
	_, report, err := m.Ingest("A", &types.TaskOutput{Output: "aaaaaa"})
	require.NoError(t, err)
	assert.Nil(t, report, "branch scope is tracked separately from global")
	assert.Equal(t, 6, m.Tokens(types.ScopeGlobal))
	assert.Equal(t, 6, m.Tokens(types.ScopeBranch))
}

func TestPruningBoundProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const threshold = 50

	for round := 0; round < 20; round++ {
		var tasks []types.Task
		for i := 0; i < 30; i++ {
			task := tk(fmt.Sprintf("t%02d", i))
			task.Priority = rng.Intn(3)
			tasks = append(tasks, task)
		}
		g := buildGraph(t, tasks...)
		m, err := New(g, Config{Strategy: types.ContextShared, PruningThreshold: threshold, Estimator: lenEstimator})
		require.NoError(t, err)

		for _, task := range tasks {
			size := 1 + rng.Intn(40)
			finish(t, g, task.ID)
			entry, _, err := m.Ingest(task.ID, &types.TaskOutput{Output: strings.Repeat("x", size)})
			require.NoError(t, err)
			assert.LessOrEqual(t, m.Tokens(types.ScopeGlobal), threshold+entry.TokenEstimate)
		}
	}
}

func TestAssemblePrompt(t *testing.T) {
	g := buildGraph(t, tk("A"), tk("B", "A"))
	m, err := New(g, Config{Strategy: types.ContextHierarchical})
	require.NoError(t, err)

	_, _, err = m.Ingest("A", &types.TaskOutput{Output: "API uses REST"})
	require.NoError(t, err)

	inbox := []types.Message{{Sender: "database-architect", Target: "*", Payload: "use postgres"}}
	asm, err := m.AssemblePrompt("B", inbox)
	require.NoError(t, err)

	assert.Equal(t, []string{"task/A"}, asm.Keys())
	assert.Contains(t, asm.Prompt, "API uses REST")
	assert.Contains(t, asm.Prompt, "from database-architect: use postgres")
	assert.True(t, strings.HasSuffix(asm.Prompt, "prompt B"))
	assert.Less(t, strings.Index(asm.Prompt, "## Context"), strings.Index(asm.Prompt, "## Task"))
	assert.Greater(t, asm.PromptTokens, asm.ContextTokens)

	bare, err := m.AssemblePrompt("A", nil)
	require.NoError(t, err)
	assert.Equal(t, "prompt A", bare.Prompt)

	_, err = m.AssemblePrompt("missing", nil)
	assert.Error(t, err)
}
