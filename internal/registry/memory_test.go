package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doravidan/vibing2-sub003/internal/invoker"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

func strPtr(s string) *string { return &s }

// registryContract exercises behavior every AgentRegistry must share.
func registryContract(t *testing.T, reg AgentRegistry) {
	ctx := context.Background()

	t.Run("creates new agent", func(t *testing.T) {
		agent, err := reg.Create(ctx, &types.Agent{
			ID:           "test.agent",
			Name:         "Test Agent",
			Category:     "Test",
			Capabilities: []string{"test", "demo"},
		})
		require.NoError(t, err)
		assert.Equal(t, "test.agent", agent.ID)
		assert.False(t, agent.CreatedAt.IsZero())
		assert.False(t, agent.UpdatedAt.IsZero())

		got, err := reg.Get(ctx, "test.agent")
		require.NoError(t, err)
		assert.Equal(t, "Test Agent", got.Name)
		assert.Equal(t, []string{"test", "demo"}, got.Capabilities)
	})

	t.Run("returns error for duplicate ID", func(t *testing.T) {
		_, err := reg.Create(ctx, &types.Agent{ID: "dup.agent", Name: "Dup"})
		require.NoError(t, err)
		_, err = reg.Create(ctx, &types.Agent{ID: "dup.agent", Name: "Dup"})
		assert.ErrorIs(t, err, ErrAgentExists)
	})

	t.Run("validates required fields", func(t *testing.T) {
		_, err := reg.Create(ctx, &types.Agent{ID: "nameless"})
		assert.ErrorIs(t, err, ErrInvalidAgent)
		_, err = reg.Create(ctx, &types.Agent{Name: "No ID"})
		assert.ErrorIs(t, err, ErrInvalidAgent)
	})

	t.Run("updates only provided fields", func(t *testing.T) {
		_, err := reg.Create(ctx, &types.Agent{ID: "upd.agent", Name: "Before", Category: "Keep"})
		require.NoError(t, err)

		agent, err := reg.Update(ctx, "upd.agent", &UpdateAgentRequest{
			Name:         strPtr("After"),
			SystemPrompt: strPtr("be brief"),
		})
		require.NoError(t, err)
		assert.Equal(t, "After", agent.Name)
		assert.Equal(t, "Keep", agent.Category)
		assert.Equal(t, "be brief", agent.SystemPrompt)

		_, err = reg.Update(ctx, "missing", &UpdateAgentRequest{Name: strPtr("x")})
		assert.ErrorIs(t, err, ErrAgentNotFound)

		_, err = reg.Update(ctx, "upd.agent", &UpdateAgentRequest{Name: strPtr("")})
		assert.ErrorIs(t, err, ErrInvalidAgent)
		kept, err := reg.Get(ctx, "upd.agent")
		require.NoError(t, err)
		assert.Equal(t, "After", kept.Name)
	})

	t.Run("deletes agent", func(t *testing.T) {
		_, err := reg.Create(ctx, &types.Agent{ID: "del.agent", Name: "Del"})
		require.NoError(t, err)
		require.NoError(t, reg.Delete(ctx, "del.agent"))

		ok, err := reg.Exists(ctx, "del.agent")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.ErrorIs(t, reg.Delete(ctx, "del.agent"), ErrAgentNotFound)
		_, err = reg.Get(ctx, "del.agent")
		assert.ErrorIs(t, err, ErrAgentNotFound)
	})

	t.Run("lists with filters", func(t *testing.T) {
		for _, a := range []*types.Agent{
			{ID: "list.a", Name: "A", Category: "Listing", Capabilities: []string{"x", "y"}},
			{ID: "list.b", Name: "B", Category: "Listing", Capabilities: []string{"x"}},
			{ID: "list.c", Name: "C", Category: "Other", Capabilities: []string{"x", "y"}},
		} {
			_, err := reg.Create(ctx, a)
			require.NoError(t, err)
		}

		agents, err := reg.List(ctx, &ListOptions{Category: "Listing"})
		require.NoError(t, err)
		require.Len(t, agents, 2)
		assert.Equal(t, "list.a", agents[0].ID)
		assert.Equal(t, "list.b", agents[1].ID)

		agents, err = reg.List(ctx, &ListOptions{Capabilities: []string{"x", "y"}})
		require.NoError(t, err)
		ids := make([]string, 0, len(agents))
		for _, a := range agents {
			ids = append(ids, a.ID)
		}
		assert.Contains(t, ids, "list.a")
		assert.Contains(t, ids, "list.c")
		assert.NotContains(t, ids, "list.b")

		agents, err = reg.List(ctx, &ListOptions{Category: "Listing", Offset: 1, Limit: 5})
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, "list.b", agents[0].ID)

		agents, err = reg.List(ctx, &ListOptions{Category: "Listing", Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, agents)
	})
}

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	defer reg.Close()
	registryContract(t, reg)
}

func TestMemoryRegistry_ReturnsCopies(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	_, err := reg.Create(ctx, &types.Agent{ID: "copy", Name: "Copy", Capabilities: []string{"a"}})
	require.NoError(t, err)

	got, err := reg.Get(ctx, "copy")
	require.NoError(t, err)
	got.Name = "mutated"
	got.Capabilities[0] = "mutated"

	again, err := reg.Get(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, "Copy", again.Name)
	assert.Equal(t, []string{"a"}, again.Capabilities)
}

func TestSeed(t *testing.T) {
	reg := NewMemoryRegistryWithDefaults()
	ctx := context.Background()

	agents, err := reg.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, agents, len(DefaultAgents()))
	assert.Equal(t, "backend-architect", agents[0].ID)

	// Seeding again keeps existing entries.
	require.NoError(t, Seed(ctx, reg))
	agents, err = reg.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, agents, len(DefaultAgents()))
}

func TestDirectory(t *testing.T) {
	reg := NewMemoryRegistryWithDefaults()
	ctx := context.Background()
	_, err := reg.Update(ctx, "ui-designer", &UpdateAgentRequest{Model: strPtr("claude-sonnet-4-5")})
	require.NoError(t, err)

	dir := Directory{Registry: reg}

	p, err := dir.Resolve(ctx, "ui-designer")
	require.NoError(t, err)
	assert.Equal(t, "ui-designer", p.Name)
	assert.Equal(t, "claude-sonnet-4-5", p.Model)
	assert.NotEmpty(t, p.SystemPrompt)

	_, err = dir.Resolve(ctx, "nobody")
	require.Error(t, err)
	assert.True(t, errors.Is(err, invoker.ErrInvalidAgent))
}

func TestDirectory_GuardRejectsUnknownAgent(t *testing.T) {
	called := false
	next := invoker.Func(func(ctx context.Context, req invoker.Request) (*invoker.Response, error) {
		called = true
		return &invoker.Response{Output: "ok"}, nil
	})
	g := invoker.NewGuard(next, invoker.GuardConfig{Directory: Directory{Registry: NewMemoryRegistryWithDefaults()}})

	_, err := g.Invoke(context.Background(), invoker.Request{Agent: "nobody", Prompt: "hi"})
	require.Error(t, err)
	var ie *invoker.Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, types.ErrorKindInvalidAgent, ie.Kind)
	assert.False(t, called)
}
