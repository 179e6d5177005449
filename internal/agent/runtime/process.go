package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dere/dere/internal/common/logger"
)

const closeGracePeriod = 5 * time.Second

// ProcessAdapter runs the agent as a child process and translates its
// stdout lines into StreamEvents.
type ProcessAdapter struct {
	cfg    Config
	logger *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan StreamEvent

	mu        sync.Mutex
	extID     string
	closing   bool
	exited    chan struct{}
	readDone  chan struct{}
	readyCh   chan string
	startOnce sync.Once
}

// NewProcessAdapter creates an adapter for the given config. Start must
// be called before any other method.
func NewProcessAdapter(cfg Config, log *logger.Logger) *ProcessAdapter {
	return &ProcessAdapter{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "agent-adapter")),
		events:   make(chan StreamEvent, 256),
		exited:   make(chan struct{}),
		readDone: make(chan struct{}),
		readyCh:  make(chan string, 1),
	}
}

func (a *ProcessAdapter) argv() []string {
	argv := append([]string{}, a.cfg.SandboxPrefix...)
	argv = append(argv, a.cfg.Binary)
	argv = append(argv, a.cfg.Args...)
	if a.cfg.Model != "" {
		argv = append(argv, "--model", a.cfg.Model)
	}
	if a.cfg.ResumeID != "" {
		argv = append(argv, "--resume", a.cfg.ResumeID)
	}
	if len(a.cfg.AllowedTools) > 0 {
		argv = append(argv, "--allowed-tools", strings.Join(a.cfg.AllowedTools, ","))
	}
	return argv
}

// Start spawns the child process and waits for its ready event.
func (a *ProcessAdapter) Start(ctx context.Context) error {
	var startErr error
	a.startOnce.Do(func() {
		argv := a.argv()
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = a.cfg.WorkingDir
		cmd.Env = append(os.Environ(), a.cfg.Env...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			startErr = fmt.Errorf("stdin pipe: %w", err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			startErr = fmt.Errorf("stdout pipe: %w", err)
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			startErr = fmt.Errorf("stderr pipe: %w", err)
			return
		}

		if err := cmd.Start(); err != nil {
			startErr = fmt.Errorf("failed to start agent process: %w", err)
			return
		}

		a.cmd = cmd
		a.stdin = stdin

		go a.readLoop(stdout)
		go a.logStderr(stderr)
		go a.wait()
	})
	if startErr != nil {
		return startErr
	}

	select {
	case extID := <-a.readyCh:
		a.mu.Lock()
		a.extID = extID
		a.mu.Unlock()
		a.logger.Info("agent process ready",
			zap.String("external_session_id", extID),
			zap.String("working_dir", a.cfg.WorkingDir))
		return nil
	case <-a.exited:
		return fmt.Errorf("agent process exited before reporting ready")
	case <-ctx.Done():
		_ = a.kill()
		return ctx.Err()
	}
}

// Query writes a query command carrying the prompt.
func (a *ProcessAdapter) Query(prompt string) error {
	return a.send(map[string]any{"type": "query", "prompt": prompt})
}

// CancelQuery asks the child to abandon the in-flight query.
func (a *ProcessAdapter) CancelQuery() error {
	return a.send(map[string]any{"type": "close"})
}

// Close asks the child to exit, waits for the grace period, then kills it.
func (a *ProcessAdapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		<-a.exited
		return nil
	}
	a.closing = true
	a.mu.Unlock()

	// Best effort; the child may already be gone.
	_ = a.send(map[string]any{"type": "close"})

	select {
	case <-a.exited:
		return nil
	case <-time.After(closeGracePeriod):
	case <-ctx.Done():
	}
	return a.kill()
}

// Events returns the event stream. Closed on child exit.
func (a *ProcessAdapter) Events() <-chan StreamEvent {
	return a.events
}

// ExternalSessionID returns the runtime's reported session id.
func (a *ProcessAdapter) ExternalSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.extID
}

func (a *ProcessAdapter) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stdin == nil {
		return fmt.Errorf("agent process not started")
	}
	if _, err := a.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

func (a *ProcessAdapter) readLoop(stdout io.Reader) {
	defer close(a.readDone)

	scanner := bufio.NewScanner(stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		ev, err := DecodeEvent(line)
		if err != nil {
			a.logger.Warn("dropping undecodable agent event", zap.Error(err))
			continue
		}

		if ev.Kind == EventSessionReady {
			select {
			case a.readyCh <- ev.Ready.ExternalSessionID:
			default:
			}
		}

		a.events <- ev
	}

	if err := scanner.Err(); err != nil {
		a.logger.Error("agent stdout read error", zap.Error(err))
	}
}

func (a *ProcessAdapter) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		a.logger.Debug("agent stderr", zap.String("line", scanner.Text()))
	}
}

// wait reaps the child. An unexpected exit synthesizes a non-recoverable
// error followed by done so consumers observe a terminal sequence.
// Reaping happens only after readLoop hits EOF: cmd.Wait closes the
// stdout pipe, which would otherwise race the scanner over lines still
// buffered at exit and then send on a closed events channel.
func (a *ProcessAdapter) wait() {
	<-a.readDone
	err := a.cmd.Wait()

	a.mu.Lock()
	deliberate := a.closing
	a.mu.Unlock()

	if !deliberate {
		msg := "agent process exited unexpectedly"
		if err != nil {
			msg = fmt.Sprintf("agent process exited unexpectedly: %v", err)
		}
		a.logger.Error("agent process died", zap.Error(err))
		now := time.Now().UTC()
		a.events <- StreamEvent{Kind: EventError, Timestamp: now,
			Error: &ErrorPayload{Message: msg, Recoverable: false}}
		a.events <- StreamEvent{Kind: EventDone, Timestamp: now, Done: &DonePayload{}}
	}

	close(a.events)
	close(a.exited)
}

func (a *ProcessAdapter) kill() error {
	if a.cmd != nil && a.cmd.Process != nil {
		return a.cmd.Process.Kill()
	}
	return nil
}
