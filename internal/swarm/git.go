package swarm

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitRunner performs the branch operations used for agent isolation.
type GitRunner interface {
	// CreateBranch checks out a fresh branch from base in dir.
	CreateBranch(ctx context.Context, dir, branch, base string) error

	// Checkout switches dir to an existing branch.
	Checkout(ctx context.Context, dir, branch string) error

	// Merge merges branch into the currently checked-out branch in dir.
	Merge(ctx context.Context, dir, branch string) error
}

// ExecGitRunner runs the git binary.
type ExecGitRunner struct{}

// NewExecGitRunner creates a GitRunner backed by the git binary.
func NewExecGitRunner() *ExecGitRunner {
	return &ExecGitRunner{}
}

func (g *ExecGitRunner) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (g *ExecGitRunner) CreateBranch(ctx context.Context, dir, branch, base string) error {
	if base != "" {
		return g.run(ctx, dir, "checkout", "-b", branch, base)
	}
	return g.run(ctx, dir, "checkout", "-b", branch)
}

func (g *ExecGitRunner) Checkout(ctx context.Context, dir, branch string) error {
	return g.run(ctx, dir, "checkout", branch)
}

func (g *ExecGitRunner) Merge(ctx context.Context, dir, branch string) error {
	return g.run(ctx, dir, "merge", "--no-edit", branch)
}
