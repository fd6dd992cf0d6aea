package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNotRepository is returned when the working tree is not inside a git repository
var ErrNotRepository = errors.New("not a git working tree")

// Client records the state of a working tree durably
type Client interface {
	// GitDir returns the absolute path of the repository metadata directory
	GitDir(ctx context.Context) (string, error)
	// AnnexEnabled reports whether git-annex has been initialized in the repository
	AnnexEnabled(ctx context.Context) (bool, error)
	// StageAll mirrors the full working tree into the index
	StageAll(ctx context.Context, annex bool) error
	// CommitIfChanged commits the index when it differs from HEAD and reports
	// whether a commit was created
	CommitIfChanged(ctx context.Context, message string) (bool, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	binary   string
	workTree string
}

// NewShellClient creates a git client bound to one working tree
func NewShellClient(binary, workTree string) *ShellClient {
	if binary == "" {
		binary = "git"
	}
	return &ShellClient{
		binary:   binary,
		workTree: workTree,
	}
}

// GitDir resolves the repository's git directory
func (c *ShellClient) GitDir(ctx context.Context) (string, error) {
	cmd := c.command(ctx, "rev-parse", "--absolute-git-dir")
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: %s: %s", ErrNotRepository, c.workTree, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// AnnexEnabled checks for annex.version, which git annex init always sets
func (c *ShellClient) AnnexEnabled(ctx context.Context) (bool, error) {
	cmd := c.command(ctx, "config", "--get", "annex.version")
	output, err := cmd.Output()
	if err != nil {
		// git config --get exits 1 when the key is unset
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("git config failed: %w", err)
	}
	return strings.TrimSpace(string(output)) != "", nil
}

// StageAll adds, modifies and removes index entries to match the working tree.
// In annex mode content is first ingested so it is staged as annex symlinks.
func (c *ShellClient) StageAll(ctx context.Context, annex bool) error {
	if annex {
		if err := c.runCommand(c.command(ctx, "annex", "add", "--quiet", ".")); err != nil {
			return fmt.Errorf("git annex add failed: %w", err)
		}
	}
	if err := c.runCommand(c.command(ctx, "add", "--all", ".")); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// CommitIfChanged compares the index against HEAD and commits any difference.
// On an unborn branch the comparison is against the empty tree.
func (c *ShellClient) CommitIfChanged(ctx context.Context, message string) (bool, error) {
	changed, err := c.hasStagedChanges(ctx)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	if err := c.runCommand(c.command(ctx, "commit", "--quiet", "--no-edit", "-m", message)); err != nil {
		return false, fmt.Errorf("git commit failed: %w", err)
	}
	return true, nil
}

// hasStagedChanges uses the exit status of diff --cached --quiet: 0 means the
// index matches HEAD, 1 means it differs, anything else is a failure.
func (c *ShellClient) hasStagedChanges(ctx context.Context) (bool, error) {
	cmd := c.command(ctx, "diff", "--cached", "--quiet", "--exit-code")
	output, err := cmd.CombinedOutput()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("git diff --cached failed: %w: %s", err, string(output))
}

// command builds a git invocation rooted at the working tree
func (c *ShellClient) command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, c.binary, append([]string{"-C", c.workTree}, args...)...)
}

// runCommand executes a command and returns an error with its output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
