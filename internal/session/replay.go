package session

import (
	"sync"
	"time"

	"github.com/dere/dere/internal/agent/runtime"
)

// replayBuffer holds the most recent events of one session so late
// subscribers can catch up. When the buffer overflows, the oldest
// events are dropped and the snapshot starts with a synthetic gap
// marker carrying the drop count.
type replayBuffer struct {
	mu      sync.Mutex
	limit   int
	events  []runtime.StreamEvent
	dropped int
}

func newReplayBuffer(limit int) *replayBuffer {
	if limit <= 0 {
		limit = 1
	}
	return &replayBuffer{limit: limit}
}

func (b *replayBuffer) Append(ev runtime.StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	if len(b.events) > b.limit {
		over := len(b.events) - b.limit
		b.events = append(b.events[:0:0], b.events[over:]...)
		b.dropped += over
	}
}

// Snapshot returns a copy of the buffered events, prefixed with a gap
// marker when earlier events have been dropped.
func (b *replayBuffer) Snapshot() []runtime.StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]runtime.StreamEvent, 0, len(b.events)+1)
	if b.dropped > 0 {
		out = append(out, runtime.StreamEvent{
			Kind:      runtime.EventGap,
			Timestamp: time.Now().UTC(),
			Gap:       &runtime.GapPayload{Dropped: b.dropped},
		})
	}
	out = append(out, b.events...)
	return out
}
