package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

func TestPublishDeliversToTargetInSubscriptionOrder(t *testing.T) {
	b := New("wf-1")
	var order []string

	b.Subscribe("frontend-architect", func(types.Message) { order = append(order, "first") })
	b.Subscribe("backend-architect", func(types.Message) { order = append(order, "other agent") })
	b.Subscribe("frontend-architect", func(types.Message) { order = append(order, "second") })

	n, err := b.Publish(types.Message{Sender: "ui-designer", Target: "frontend-architect", Payload: "new palette"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPublishFillsDefaults(t *testing.T) {
	b := New("wf-1")
	var got types.Message
	b.Subscribe("a", func(m types.Message) { got = m })

	_, err := b.Publish(types.Message{Sender: "b", Target: "a", Payload: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, "wf-1", got.WorkflowID)

	_, err = b.Publish(types.Message{Sender: "b", Payload: "nowhere"})
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestBroadcast(t *testing.T) {
	b := New("wf-1")
	var got []string
	for _, agent := range []string{"a", "b", "c"} {
		agent := agent
		b.Subscribe(agent, func(types.Message) { got = append(got, agent) })
	}

	n, err := b.Broadcast("b", "critical issue found")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "sender does not receive its own broadcast")
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestWildcardSubscriberSeesEverything(t *testing.T) {
	b := New("wf-1")
	var seen int
	b.Subscribe(types.BroadcastTarget, func(types.Message) { seen++ })

	_, _ = b.Publish(types.Message{Sender: "a", Target: "b", Payload: "x"})
	_, _ = b.Broadcast("a", "y")
	assert.Equal(t, 2, seen)
}

func TestNotQueuedForLateSubscribers(t *testing.T) {
	b := New("wf-1")
	n, err := b.Publish(types.Message{Sender: "a", Target: "b", Payload: "early"})
	require.NoError(t, err)
	assert.Zero(t, n)

	var got int
	b.Subscribe("b", func(types.Message) { got++ })
	assert.Zero(t, got)
}

func TestUnsubscribe(t *testing.T) {
	b := New("wf-1")
	var got int
	unsub := b.Subscribe("a", func(types.Message) { got++ })
	assert.Equal(t, 1, b.Subscribers())

	unsub()
	unsub()
	assert.Equal(t, 0, b.Subscribers())

	_, _ = b.Publish(types.Message{Sender: "x", Target: "a", Payload: "p"})
	assert.Zero(t, got)
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := New("wf-1")
	var after bool
	b.Subscribe("a", func(types.Message) { panic("boom") })
	b.Subscribe("a", func(types.Message) { after = true })

	n, err := b.Publish(types.Message{Sender: "x", Target: "a", Payload: "p"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, after)
}

func TestObserverAndStats(t *testing.T) {
	var observed []int
	b := New("wf-1", WithObserver(func(_ types.Message, delivered int) {
		observed = append(observed, delivered)
	}))
	b.Subscribe("a", func(types.Message) {})

	_, _ = b.Publish(types.Message{Sender: "x", Target: "a", Payload: "1"})
	_, _ = b.Publish(types.Message{Sender: "x", Target: "nobody", Payload: "2"})
	assert.Equal(t, []int{1, 0}, observed)

	published, delivered := b.Stats()
	assert.Equal(t, int64(2), published)
	assert.Equal(t, int64(1), delivered)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := New("wf-1")
	var received atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := b.Subscribe("a", func(types.Message) { received.Add(1) })
			defer unsub()
			for j := 0; j < 50; j++ {
				_, _ = b.Publish(types.Message{Sender: "x", Target: "a", Payload: "p"})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = b.Broadcast("x", "b")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, b.Subscribers())
	assert.Positive(t, received.Load())
}

func TestParseDirectives(t *testing.T) {
	output := `Here is the schema.
@broadcast schema uses UUID primary keys
  @notify frontend-architect   expose /api/todos
@notify backend-architect
@broadcast
not a @broadcast line`

	got := ParseDirectives(output)
	assert.Equal(t, []Directive{
		{Target: types.BroadcastTarget, Payload: "schema uses UUID primary keys"},
		{Target: "frontend-architect", Payload: "expose /api/todos"},
	}, got)
	assert.Empty(t, ParseDirectives("plain output"))
}

func TestSplitDirectives(t *testing.T) {
	output := "Schema done.\n@notify backend-architect use uuid keys\n@broadcast\nTables: users, todos"
	clean, got := SplitDirectives(output)
	assert.Equal(t, "Schema done.\n@broadcast\nTables: users, todos", clean)
	assert.Equal(t, []Directive{{Target: "backend-architect", Payload: "use uuid keys"}}, got)

	clean, got = SplitDirectives("no directives here\n")
	assert.Equal(t, "no directives here\n", clean)
	assert.Empty(t, got)
}

func TestParseDirectivesAfterLongLine(t *testing.T) {
	output := strings.Repeat("x", 2<<20) + "\n@broadcast still seen"
	assert.Equal(t, []Directive{{Target: types.BroadcastTarget, Payload: "still seen"}}, ParseDirectives(output))
}
