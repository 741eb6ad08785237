package workflow

import (
	"sync"
)

// StreamEventType defines the type of a workflow stream event.
type StreamEventType string

const (
	// EventRunStart is emitted once a run passes validation.
	EventRunStart StreamEventType = "run_start"
	// EventRunComplete is emitted when a run finishes, whatever its status.
	EventRunComplete StreamEventType = "run_complete"
	// EventNodeState is emitted after every node state transition.
	EventNodeState StreamEventType = "node_state"
	// EventLog is emitted for every execution log entry.
	EventLog StreamEventType = "log"
)

// StreamEvent carries one change for presentation layers.
type StreamEvent struct {
	Type   StreamEventType `json:"type"`
	RunID  string          `json:"runId,omitempty"`
	NodeID string          `json:"nodeId,omitempty"`
	State  *NodeState      `json:"state,omitempty"`
	Log    *LogEntry       `json:"log,omitempty"`
	Status RunStatus       `json:"status,omitempty"`
}

// StreamEmitter is a callback that receives stream events.
type StreamEmitter func(StreamEvent)

// Broadcaster fans stream events out to subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan StreamEvent
	nextID int
	buffer int
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold buffer events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{subs: make(map[int]chan StreamEvent), buffer: buffer}
}

// Subscribe registers a subscriber. The returned cancel func closes the channel.
func (b *Broadcaster) Subscribe() (<-chan StreamEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan StreamEvent, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Broadcaster) Publish(ev StreamEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
