//go:build integration

package hook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rbasak/syncthing-git-versioning/internal/config"
	"github.com/rbasak/syncthing-git-versioning/internal/testutil"
)

const (
	binaryName     = "syncthing-git-versioning"
	mainPackage    = "./cmd/syncthing-git-versioning"
	defaultTimeout = 5 * time.Minute
)

// Harness builds the hook binary once and runs it against a fresh
// repository and synchronized folder, the way Syncthing invokes it.
type Harness struct {
	t      *testing.T
	binary string

	Repo string
	Sync string
}

// NewHarness builds the binary and prepares an empty repository
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()
	testutil.RequireGit(t)

	base := t.TempDir()
	h := &Harness{
		t:      t,
		binary: filepath.Join(base, binaryName),
		Repo:   filepath.Join(base, "repo"),
		Sync:   filepath.Join(base, "sync"),
	}

	if err := h.build(ctx); err != nil {
		t.Fatalf("build hook: %v", err)
	}
	testutil.InitRepo(t, h.Repo)
	if err := os.MkdirAll(h.Sync, 0o755); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(base, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvConfigPath, cfgPath)

	return h
}

func (h *Harness) build(ctx context.Context) error {
	h.t.Helper()
	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.t.Logf("Building %s", mainPackage)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, mainPackage)
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Run invokes the hook for rel and returns its stderr and exit code
func (h *Harness) Run(ctx context.Context, rel string) (string, int, error) {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, h.binary, h.Repo, h.Sync, rel)

	var stderr bytes.Buffer
	cmd.Stderr = io.MultiWriter(&stderr, &testWriter{t: h.t, prefix: "[hook] "})

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stderr.String(), exitCode, nil
}

// MustRun invokes the hook and fails the test if it exits non-zero
func (h *Harness) MustRun(ctx context.Context, rel string) {
	h.t.Helper()
	stderr, exitCode, err := h.Run(ctx, rel)
	if err != nil {
		h.t.Fatalf("run hook: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("hook failed with exit code %d for %s\nstderr: %s", exitCode, rel, stderr)
	}
}

// Log returns the subjects of every commit on HEAD, newest first
func (h *Harness) Log() []string {
	h.t.Helper()
	if testutil.CommitCount(h.t, h.Repo) == 0 {
		return nil
	}
	out := strings.TrimSpace(testutil.Git(h.t, h.Repo, "log", "--format=%s"))
	return strings.Split(out, "\n")
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
