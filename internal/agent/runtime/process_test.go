package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dere/dere/internal/common/logger"
)

func startShellAdapter(t *testing.T, script string) *ProcessAdapter {
	t.Helper()
	a := NewProcessAdapter(Config{
		Binary:     "/bin/sh",
		Args:       []string{"-c", script},
		WorkingDir: t.TempDir(),
	}, logger.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, a.Start(ctx))
	return a
}

func TestProcessAdapterDrainsTrailingOutputOnExit(t *testing.T) {
	// The child bursts output and exits immediately; every line must
	// still be delivered before the terminal error/done pair.
	script := `echo '{"type":"ready","session_id":"ext-sh"}'
i=0
while [ $i -lt 2000 ]; do
  echo '{"type":"text","text":"burst"}'
  i=$((i+1))
done`
	a := startShellAdapter(t, script)
	assert.Equal(t, "ext-sh", a.ExternalSessionID())

	var texts int
	var tail []StreamEvent
	for ev := range a.Events() {
		if ev.Kind == EventText {
			texts++
		}
		tail = append(tail, ev)
		if len(tail) > 2 {
			tail = tail[1:]
		}
	}

	assert.Equal(t, 2000, texts)
	require.Len(t, tail, 2)
	assert.Equal(t, EventError, tail[0].Kind)
	require.NotNil(t, tail[0].Error)
	assert.False(t, tail[0].Error.Recoverable)
	assert.Equal(t, EventDone, tail[1].Kind)
}

func TestProcessAdapterDeliberateClose(t *testing.T) {
	// The child exits as soon as it reads the close command; a
	// deliberate close produces no synthetic error/done.
	script := `echo '{"type":"ready","session_id":"ext-close"}'
read line`
	a := startShellAdapter(t, script)

	closed := make(chan error, 1)
	go func() { closed <- a.Close(context.Background()) }()

	var kinds []EventKind
	for ev := range a.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventSessionReady}, kinds)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("close did not return")
	}
}

func TestProcessAdapterExitBeforeReady(t *testing.T) {
	a := NewProcessAdapter(Config{
		Binary:     "/bin/sh",
		Args:       []string{"-c", "exit 0"},
		WorkingDir: t.TempDir(),
	}, logger.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before reporting ready")
}
