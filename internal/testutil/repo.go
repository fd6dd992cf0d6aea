// Package testutil holds helpers shared by tests that drive a real git repository.
package testutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// RequireGit skips the test when no git binary is available
func RequireGit(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not found in PATH")
	}
	return path
}

// InitRepo creates a repository at dir with a local test identity, so commits
// never depend on the ambient global configuration.
func InitRepo(t *testing.T, dir string) {
	t.Helper()
	RequireGit(t)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "init", "--quiet")
	Git(t, dir, "config", "user.email", "test@example.com")
	Git(t, dir, "config", "user.name", "test")
	Git(t, dir, "config", "commit.gpgsign", "false")
}

// Git runs a git subcommand in dir and fails the test on error
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

// WriteFile writes content at root/rel, creating parent directories
func WriteFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// CommitAll stages and commits everything in dir
func CommitAll(t *testing.T, dir, msg string) {
	t.Helper()
	Git(t, dir, "add", "--all")
	Git(t, dir, "commit", "--quiet", "-m", msg)
}

// ResetHard discards anything not committed, leaving only HEAD's tree on disk
func ResetHard(t *testing.T, dir string) {
	t.Helper()
	Git(t, dir, "reset", "--quiet", "--hard")
	Git(t, dir, "clean", "-ffxdq")
}

// CommittedEntry describes a path in HEAD's tree
type CommittedEntry struct {
	Content string
	Symlink bool
}

// Committed reads rel from the HEAD commit of the repository at dir
func Committed(t *testing.T, dir, rel string) CommittedEntry {
	t.Helper()
	tree := headTree(t, dir)
	f, err := tree.File(filepath.ToSlash(rel))
	if err != nil {
		t.Fatalf("%s not found in HEAD: %v", rel, err)
	}
	content, err := f.Contents()
	if err != nil {
		t.Fatalf("read %s from HEAD: %v", rel, err)
	}
	return CommittedEntry{Content: content, Symlink: f.Mode == filemode.Symlink}
}

// CommitCount returns the number of commits reachable from HEAD, zero on an unborn branch
func CommitCount(t *testing.T, dir string) int {
	t.Helper()
	repo := openRepo(t, dir)
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return 0
	}
	if err != nil {
		t.Fatalf("resolve HEAD: %v", err)
	}
	iter, err := repo.Log(&gogit.LogOptions{From: head.Hash()})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	count := 0
	if err := iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("walk log: %v", err)
	}
	return count
}

func openRepo(t *testing.T, dir string) *gogit.Repository {
	t.Helper()
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		t.Fatalf("open repository %s: %v", dir, err)
	}
	return repo
}

func headTree(t *testing.T, dir string) *object.Tree {
	t.Helper()
	repo := openRepo(t, dir)
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("resolve HEAD: %v", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		t.Fatalf("load HEAD commit: %v", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		t.Fatalf("load HEAD tree: %v", err)
	}
	return tree
}
