package scheduler

import (
	"sync"

	"github.com/doravidan/vibing2-sub003/internal/bus"
	"github.com/doravidan/vibing2-sub003/internal/graph"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// inbox collects bus messages per agent until the agent's next task is
// dispatched. Handlers run on the publisher's goroutine, so it locks.
type inbox struct {
	mu       sync.Mutex
	messages map[string][]types.Message
}

func newInbox() *inbox {
	return &inbox{messages: make(map[string][]types.Message)}
}

// subscribe registers one handler per distinct agent in g and returns a
// function removing them all.
func (in *inbox) subscribe(b *bus.Bus, g *graph.Graph) func() {
	seen := make(map[string]bool)
	var unsubs []func()
	for _, t := range g.Tasks() {
		agent := t.AgentName
		if agent == "" || seen[agent] {
			continue
		}
		seen[agent] = true
		unsubs = append(unsubs, b.Subscribe(agent, func(msg types.Message) {
			in.mu.Lock()
			in.messages[agent] = append(in.messages[agent], msg)
			in.mu.Unlock()
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// drain returns and forgets the messages queued for agent.
func (in *inbox) drain(agent string) []types.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	msgs := in.messages[agent]
	delete(in.messages, agent)
	return msgs
}
