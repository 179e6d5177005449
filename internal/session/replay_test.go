package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dere/dere/internal/agent/runtime"
)

func textEvent(seq uint64, text string) runtime.StreamEvent {
	return runtime.StreamEvent{
		Seq:  seq,
		Kind: runtime.EventText,
		Text: &runtime.TextPayload{Text: text},
	}
}

func TestReplayBufferSnapshot(t *testing.T) {
	b := newReplayBuffer(4)
	assert.Empty(t, b.Snapshot())

	b.Append(textEvent(1, "a"))
	b.Append(textEvent(2, "b"))

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uint64(1), snap[0].Seq)
	assert.Equal(t, uint64(2), snap[1].Seq)

	// The snapshot is detached from later appends.
	b.Append(textEvent(3, "c"))
	assert.Len(t, snap, 2)
}

func TestReplayBufferOverflowAddsGapMarker(t *testing.T) {
	b := newReplayBuffer(3)
	for i := uint64(1); i <= 5; i++ {
		b.Append(textEvent(i, "x"))
	}

	snap := b.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, runtime.EventGap, snap[0].Kind)
	require.NotNil(t, snap[0].Gap)
	assert.Equal(t, 2, snap[0].Gap.Dropped)

	assert.Equal(t, uint64(3), snap[1].Seq)
	assert.Equal(t, uint64(5), snap[3].Seq)
}

func TestReplayBufferMinimumLimit(t *testing.T) {
	b := newReplayBuffer(0)
	b.Append(textEvent(1, "a"))
	b.Append(textEvent(2, "b"))

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, runtime.EventGap, snap[0].Kind)
	assert.Equal(t, uint64(2), snap[1].Seq)
}
