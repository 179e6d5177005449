// Package sandbox wraps the Docker SDK to confine agent subprocesses to
// a container. The session service asks the manager for an argv prefix
// and prepends it to the agent command line.
package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/dere/dere/internal/common/config"
	"github.com/dere/dere/internal/common/logger"
)

// Manager validates the sandbox image and builds docker run prefixes.
type Manager struct {
	cli    *client.Client
	logger *logger.Logger
	config config.SandboxConfig
}

// NewManager creates a sandbox manager. Returns nil (no error) when the
// sandbox is disabled so callers can hold a nil manager safely.
func NewManager(cfg config.SandboxConfig, log *logger.Logger) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker sandbox enabled",
		zap.String("host", cfg.Host),
		zap.String("image", cfg.Image),
	)

	return &Manager{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// EnsureImage checks that the configured image exists locally, pulling
// it if missing. Called once at daemon startup.
func (m *Manager) EnsureImage(ctx context.Context) error {
	if m == nil {
		return nil
	}

	_, _, err := m.cli.ImageInspectWithRaw(ctx, m.config.Image)
	if err == nil {
		m.logger.Debug("Sandbox image present", zap.String("image", m.config.Image))
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", m.config.Image, err)
	}

	m.logger.Info("Pulling sandbox image", zap.String("image", m.config.Image))
	reader, err := m.cli.ImagePull(ctx, m.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", m.config.Image, err)
	}
	defer reader.Close()

	// Drain the output so the pull completes before we return.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}

	m.logger.Info("Sandbox image pulled", zap.String("image", m.config.Image))
	return nil
}

// Prefix returns the docker run argv to prepend to an agent command.
// The working directory is bind-mounted read-write at the same path so
// the agent sees its files where the caller expects them. Returns nil
// when the sandbox is disabled.
func (m *Manager) Prefix(workingDir string) []string {
	if m == nil {
		return nil
	}

	prefix := []string{
		"docker", "run", "-i", "--rm",
		"--network", m.config.Network,
	}
	if workingDir != "" {
		prefix = append(prefix,
			"-v", fmt.Sprintf("%s:%s", workingDir, workingDir),
			"-w", workingDir,
		)
	}
	prefix = append(prefix, m.config.Image)
	return prefix
}

// Close closes the underlying Docker client.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	return m.cli.Close()
}
