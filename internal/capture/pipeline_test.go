package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rbasak/syncthing-git-versioning/internal/config"
	"github.com/rbasak/syncthing-git-versioning/internal/git"
	"github.com/rbasak/syncthing-git-versioning/internal/testutil"
)

// fakeGit implements git.Client for testing.
type fakeGit struct {
	gitDir    string
	gitDirErr error
	annex     bool
	annexErr  error
	stageErr  error
	commitErr error
	changed   bool

	calls       []string
	stagedAnnex bool
	onStage     func()
	commitMsg   string
}

func (f *fakeGit) GitDir(context.Context) (string, error) {
	f.calls = append(f.calls, "gitdir")
	return f.gitDir, f.gitDirErr
}

func (f *fakeGit) AnnexEnabled(context.Context) (bool, error) {
	f.calls = append(f.calls, "annex")
	return f.annex, f.annexErr
}

func (f *fakeGit) StageAll(_ context.Context, annex bool) error {
	f.calls = append(f.calls, "stage")
	f.stagedAnnex = annex
	if f.onStage != nil {
		f.onStage()
	}
	return f.stageErr
}

func (f *fakeGit) CommitIfChanged(_ context.Context, message string) (bool, error) {
	f.calls = append(f.calls, "commit")
	f.commitMsg = message
	if f.commitErr != nil {
		return false, f.commitErr
	}
	return f.changed, nil
}

type fixture struct {
	workTree   string
	syncFolder string
	gitDir     string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	workTree, syncFolder := testRoots(t)
	gitDir := filepath.Join(workTree, ".git")
	require.NoError(t, os.MkdirAll(gitDir, 0o755))
	return fixture{workTree: workTree, syncFolder: syncFolder, gitDir: gitDir}
}

func (f fixture) args(rel string) Args {
	return Args{WorkTree: f.workTree, SyncFolder: f.syncFolder, FilePath: rel}
}

func TestRun_Success(t *testing.T) {
	fx := newFixture(t)
	src := testutil.WriteFile(t, fx.syncFolder, "foo/target", "content")
	dst := filepath.Join(fx.workTree, "foo", "target")

	fg := &fakeGit{gitDir: fx.gitDir, changed: true}
	fg.onStage = func() {
		// transfer has completed and the lock is held while staging
		assert.Equal(t, "content", readFile(t, dst))
		assert.FileExists(t, filepath.Join(fx.gitDir, LockFileName))
	}

	result, err := NewPipeline(config.Default(), fg, testLogger()).Run(context.Background(), fx.args("foo/target"))
	require.NoError(t, err)

	assert.Equal(t, []string{"gitdir", "annex", "stage", "commit"}, fg.calls)
	assert.Equal(t, config.DefaultCommitMessage, fg.commitMsg)
	assert.False(t, fg.stagedAnnex)
	assert.Equal(t, &Result{Source: src, Destination: dst, State: StateDone, Committed: true}, result)
	assert.Equal(t, ExitOK, ExitCode(err))
}

func TestRun_UnchangedIsSuccess(t *testing.T) {
	fx := newFixture(t)
	testutil.WriteFile(t, fx.syncFolder, "target", "content")

	fg := &fakeGit{gitDir: fx.gitDir, changed: false}
	result, err := NewPipeline(config.Default(), fg, testLogger()).Run(context.Background(), fx.args("target"))
	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)
	assert.False(t, result.Committed)
}

func TestRun_Failures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		rel       string
		fake      func(fx fixture) *fakeGit
		failedAt  State
		exitCode  int
		wantCalls []string
		wantDest  bool
	}{
		{
			name:      "not a repository",
			rel:       "target",
			fake:      func(fx fixture) *fakeGit { return &fakeGit{gitDirErr: boom} },
			failedAt:  StateResolving,
			exitCode:  ExitCommit,
			wantCalls: []string{"gitdir"},
		},
		{
			name:      "annex detection",
			rel:       "target",
			fake:      func(fx fixture) *fakeGit { return &fakeGit{gitDir: fx.gitDir, annexErr: boom} },
			failedAt:  StateResolving,
			exitCode:  ExitCommit,
			wantCalls: []string{"gitdir", "annex"},
		},
		{
			name:      "path escape",
			rel:       "../escape",
			fake:      func(fx fixture) *fakeGit { return &fakeGit{gitDir: fx.gitDir} },
			failedAt:  StateResolving,
			exitCode:  ExitPath,
		},
		{
			name: "lock unavailable",
			rel:  "target",
			fake: func(fx fixture) *fakeGit {
				return &fakeGit{gitDir: filepath.Join(fx.workTree, "missing-git-dir")}
			},
			failedAt:  StateResolving,
			exitCode:  ExitCommit,
			wantCalls: []string{"gitdir", "annex"},
		},
		{
			name:      "stage",
			rel:       "target",
			fake:      func(fx fixture) *fakeGit { return &fakeGit{gitDir: fx.gitDir, stageErr: boom} },
			failedAt:  StateStaging,
			exitCode:  ExitCommit,
			wantCalls: []string{"gitdir", "annex", "stage"},
			wantDest:  true,
		},
		{
			name:      "commit",
			rel:       "target",
			fake:      func(fx fixture) *fakeGit { return &fakeGit{gitDir: fx.gitDir, commitErr: boom} },
			failedAt:  StateCommitting,
			exitCode:  ExitCommit,
			wantCalls: []string{"gitdir", "annex", "stage", "commit"},
			wantDest:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			src := testutil.WriteFile(t, fx.syncFolder, "target", "content")
			fg := tt.fake(fx)

			result, err := NewPipeline(config.Default(), fg, testLogger()).Run(context.Background(), fx.args(tt.rel))
			require.Error(t, err)

			assert.Equal(t, StateFailed, result.State)
			assert.Equal(t, tt.failedAt, result.FailedAt)
			assert.Equal(t, tt.exitCode, ExitCode(err))
			assert.Equal(t, tt.wantCalls, fg.calls)

			// completed side effects stay; the source is never touched
			if tt.wantDest {
				assert.Equal(t, "content", readFile(t, filepath.Join(fx.workTree, "target")))
			} else {
				assert.NoFileExists(t, filepath.Join(fx.workTree, "target"))
			}
			assert.Equal(t, "content", readFile(t, src))
		})
	}
}

func TestRun_MissingWorkTree(t *testing.T) {
	fx := newFixture(t)
	testutil.WriteFile(t, fx.syncFolder, "target", "content")
	missing := filepath.Join(filepath.Dir(fx.workTree), "missing")

	fg := &fakeGit{gitDir: fx.gitDir}
	result, err := NewPipeline(config.Default(), fg, testLogger()).Run(context.Background(), Args{
		WorkTree:   missing,
		SyncFolder: fx.syncFolder,
		FilePath:   "target",
	})
	require.Error(t, err)
	assert.Equal(t, ExitPath, ExitCode(err))
	assert.Equal(t, StateResolving, result.FailedAt)
	assert.Empty(t, fg.calls)
	assert.NoDirExists(t, missing)
}

func TestRun_PreparesUnderLock(t *testing.T) {
	fx := newFixture(t)
	testutil.WriteFile(t, fx.syncFolder, "foo/target", "content")
	require.NoError(t, os.WriteFile(filepath.Join(fx.workTree, "foo"), []byte("stale"), 0o644))

	// hold the lock so the capture must wait before touching the tree
	holder := &fakeGit{gitDir: fx.gitDir}
	unlock, err := NewPipeline(config.Default(), holder, testLogger()).lock(context.Background(), fx.gitDir)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fg := &fakeGit{gitDir: fx.gitDir}
	_, err = NewPipeline(config.Default(), fg, testLogger()).Run(ctx, fx.args("foo/target"))
	require.Error(t, err)
	assert.Equal(t, ExitCommit, ExitCode(err))
	assert.Equal(t, "stale", readFile(t, filepath.Join(fx.workTree, "foo")))
}

func TestRun_TransferFailure(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(fx.syncFolder, "target"), 0o755))

	fg := &fakeGit{gitDir: fx.gitDir}
	result, err := NewPipeline(config.Default(), fg, testLogger()).Run(context.Background(), fx.args("target"))
	require.Error(t, err)
	assert.Equal(t, StateTransferring, result.FailedAt)
	assert.Equal(t, ExitTransfer, ExitCode(err))
	assert.True(t, errors.Is(err, ErrUnsupportedKind))
	assert.Equal(t, []string{"gitdir", "annex"}, fg.calls)
	assert.DirExists(t, filepath.Join(fx.syncFolder, "target"))
}

func TestRun_AnnexForcesCopy(t *testing.T) {
	for _, tc := range []struct {
		name      string
		mode      config.AnnexMode
		detected  bool
		wantAnnex bool
		wantCalls []string
	}{
		{name: "auto detected", mode: config.AnnexAuto, detected: true, wantAnnex: true, wantCalls: []string{"gitdir", "annex", "stage", "commit"}},
		{name: "auto absent", mode: config.AnnexAuto, detected: false, wantAnnex: false, wantCalls: []string{"gitdir", "annex", "stage", "commit"}},
		{name: "always", mode: config.AnnexAlways, wantAnnex: true, wantCalls: []string{"gitdir", "stage", "commit"}},
		{name: "never", mode: config.AnnexNever, detected: true, wantAnnex: false, wantCalls: []string{"gitdir", "stage", "commit"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			src := testutil.WriteFile(t, fx.syncFolder, "target", "content")

			cfg := config.Default()
			cfg.Git.Annex = tc.mode
			fg := &fakeGit{gitDir: fx.gitDir, annex: tc.detected, changed: true}

			_, err := NewPipeline(cfg, fg, testLogger()).Run(context.Background(), fx.args("target"))
			require.NoError(t, err)
			assert.Equal(t, tc.wantAnnex, fg.stagedAnnex)
			assert.Equal(t, tc.wantCalls, fg.calls)

			srcInfo, err := os.Stat(src)
			require.NoError(t, err)
			dstInfo, err := os.Stat(filepath.Join(fx.workTree, "target"))
			require.NoError(t, err)
			assert.Equal(t, !tc.wantAnnex, os.SameFile(srcInfo, dstInfo))
		})
	}
}

func TestRun_LockDisabled(t *testing.T) {
	fx := newFixture(t)
	testutil.WriteFile(t, fx.syncFolder, "target", "content")

	cfg := config.Default()
	disabled := false
	cfg.Lock.Enabled = &disabled
	fg := &fakeGit{gitDir: filepath.Join(fx.workTree, "missing-git-dir"), changed: true}

	_, err := NewPipeline(cfg, fg, testLogger()).Run(context.Background(), fx.args("target"))
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(fx.gitDir, LockFileName))
}

func TestRun_LockRespectsContext(t *testing.T) {
	fx := newFixture(t)
	testutil.WriteFile(t, fx.syncFolder, "target", "content")

	// hold the lock from another capture's point of view
	holder := &fakeGit{gitDir: fx.gitDir}
	unlock, err := NewPipeline(config.Default(), holder, testLogger()).lock(context.Background(), fx.gitDir)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fg := &fakeGit{gitDir: fx.gitDir, changed: true}
	result, err := NewPipeline(config.Default(), fg, testLogger()).Run(ctx, fx.args("target"))
	require.Error(t, err)
	assert.Equal(t, ExitCommit, ExitCode(err))
	assert.Equal(t, StateResolving, result.FailedAt)
	assert.NoFileExists(t, filepath.Join(fx.workTree, "target"))
}

// Tests below drive a real git repository.

type repoFixture struct {
	workTree   string
	syncFolder string
}

func newRepoFixture(t *testing.T) repoFixture {
	t.Helper()
	workTree, syncFolder := testRoots(t)
	testutil.InitRepo(t, workTree)
	return repoFixture{workTree: workTree, syncFolder: syncFolder}
}

func newShellClient(cfg *config.Config, workTree string) git.Client {
	return git.NewShellClient(cfg.Git.Binary, workTree)
}

func (r repoFixture) capture(t *testing.T, cfg *config.Config, rel string) (*Result, error) {
	t.Helper()
	client := newShellClient(cfg, r.workTree)
	return NewPipeline(cfg, client, testLogger()).Run(context.Background(), Args{
		WorkTree:   r.workTree,
		SyncFolder: r.syncFolder,
		FilePath:   rel,
	})
}

func TestCapture_SingleFile(t *testing.T) {
	r := newRepoFixture(t)
	testutil.WriteFile(t, r.syncFolder, "target", "content")

	result, err := r.capture(t, config.Default(), "target")
	require.NoError(t, err)
	assert.True(t, result.Committed)

	testutil.ResetHard(t, r.workTree)
	assert.Equal(t, "content", readFile(t, filepath.Join(r.workTree, "target")))
	assert.Equal(t, testutil.CommittedEntry{Content: "content"}, testutil.Committed(t, r.workTree, "target"))
	assert.Equal(t, config.DefaultCommitMessage, strings.TrimSpace(testutil.Git(t, r.workTree, "log", "-1", "--format=%B")))
}

func TestCapture_NoChange(t *testing.T) {
	r := newRepoFixture(t)
	testutil.WriteFile(t, r.syncFolder, "target", "content")

	first, err := r.capture(t, config.Default(), "target")
	require.NoError(t, err)
	assert.True(t, first.Committed)

	// the daemon replaces the file with identical bytes
	testutil.WriteFile(t, r.syncFolder, "target", "content")
	second, err := r.capture(t, config.Default(), "target")
	require.NoError(t, err)
	assert.False(t, second.Committed)

	assert.Equal(t, 1, testutil.CommitCount(t, r.workTree))
	testutil.ResetHard(t, r.workTree)
	assert.Equal(t, "content", readFile(t, filepath.Join(r.workTree, "target")))
}

func TestCapture_Permutations(t *testing.T) {
	type variation struct {
		dir  string
		file string // empty means no file
	}
	dirs := []string{".", "foo", "foo/foo"}

	var initial, final []variation
	for _, d := range dirs {
		initial = append(initial, variation{dir: d}, variation{dir: d, file: "foo"})
		// the hook is only ever called for an existing file
		final = append(final, variation{dir: d, file: "foo"})
	}

	for _, in := range initial {
		for _, out := range final {
			name := fmt.Sprintf("initial=%s/%q final=%s/%s", in.dir, in.file, out.dir, out.file)
			t.Run(name, func(t *testing.T) {
				r := newRepoFixture(t)

				require.NoError(t, os.MkdirAll(filepath.Join(r.workTree, in.dir), 0o755))
				if in.file != "" {
					testutil.WriteFile(t, r.workTree, filepath.Join(in.dir, in.file), "content1")
					testutil.CommitAll(t, r.workTree, "test")
				}
				rel := filepath.Join(out.dir, out.file)
				testutil.WriteFile(t, r.syncFolder, rel, "content2")

				_, err := r.capture(t, config.Default(), rel)
				require.NoError(t, err)

				testutil.ResetHard(t, r.workTree)
				assert.Equal(t, "content2", readFile(t, filepath.Join(r.workTree, rel)))
				assert.Equal(t, "content2", readFile(t, filepath.Join(r.syncFolder, rel)))
			})
		}
	}
}

func TestCapture_Symlink(t *testing.T) {
	r := newRepoFixture(t)
	const target = "../.git/annex/objects/pX/ZJ/SHA256E-s7--ed7002b4/SHA256E-s7--ed7002b4"
	require.NoError(t, os.MkdirAll(filepath.Join(r.syncFolder, "dir"), 0o755))
	require.NoError(t, os.Symlink(target, filepath.Join(r.syncFolder, "dir", "target")))

	_, err := r.capture(t, config.Default(), "dir/target")
	require.NoError(t, err)

	assert.Equal(t, testutil.CommittedEntry{Content: target, Symlink: true}, testutil.Committed(t, r.workTree, "dir/target"))
	testutil.ResetHard(t, r.workTree)
	assert.Equal(t, FileState{Kind: Symlink, Target: target}, inspect(t, filepath.Join(r.workTree, "dir", "target")))
}

func TestCapture_CommitFailureKeepsSource(t *testing.T) {
	r := newRepoFixture(t)
	src := testutil.WriteFile(t, r.syncFolder, "target", "content")

	realGit := testutil.RequireGit(t)
	wrapper := filepath.Join(t.TempDir(), "git")
	require.NoError(t, os.WriteFile(wrapper, []byte(`#!/bin/sh
for arg in "$@"; do
	if [ "$arg" = commit ]; then
		echo "wrapper: failing commit deliberately" >&2
		exit 1
	fi
done
exec "`+realGit+`" "$@"
`), 0o755))

	cfg := config.Default()
	cfg.Git.Binary = wrapper

	result, err := r.capture(t, cfg, "target")
	require.Error(t, err)
	assert.Equal(t, ExitCommit, ExitCode(err))
	assert.Equal(t, StateCommitting, result.FailedAt)

	var commitErr *CommitError
	require.True(t, errors.As(err, &commitErr))
	assert.Contains(t, err.Error(), "failing commit deliberately")

	assert.Equal(t, "content", readFile(t, src))
	assert.Equal(t, 0, testutil.CommitCount(t, r.workTree))
}

func TestCapture_RejectedEscapeLeavesWorkTreeClean(t *testing.T) {
	r := newRepoFixture(t)
	testutil.WriteFile(t, r.workTree, "link", "tracked")
	testutil.CommitAll(t, r.workTree, "test")

	outside := t.TempDir()
	testutil.WriteFile(t, outside, "passwd", "secret")
	require.NoError(t, os.Symlink(outside, filepath.Join(r.syncFolder, "link")))

	_, err := r.capture(t, config.Default(), "link/passwd")
	require.Error(t, err)
	assert.Equal(t, ExitPath, ExitCode(err))
	assert.True(t, errors.Is(err, ErrEscapesRoot))

	assert.Empty(t, testutil.Git(t, r.workTree, "status", "--porcelain"))
	assert.Equal(t, 1, testutil.CommitCount(t, r.workTree))
}

func TestCapture_NotRepository(t *testing.T) {
	testutil.RequireGit(t)
	t.Setenv("GIT_CEILING_DIRECTORIES", os.TempDir())
	workTree, syncFolder := testRoots(t)
	testutil.WriteFile(t, syncFolder, "nested/target", "content")

	cfg := config.Default()
	_, err := NewPipeline(cfg, newShellClient(cfg, workTree), testLogger()).Run(context.Background(), Args{
		WorkTree:   workTree,
		SyncFolder: syncFolder,
		FilePath:   "nested/target",
	})
	require.Error(t, err)
	assert.Equal(t, ExitCommit, ExitCode(err))
	assert.NoDirExists(t, filepath.Join(workTree, "nested"))
}

func TestCapture_Concurrent(t *testing.T) {
	r := newRepoFixture(t)
	const n = 8
	for i := 0; i < n; i++ {
		testutil.WriteFile(t, r.syncFolder, fmt.Sprintf("dir%d/file", i), fmt.Sprintf("content %d", i))
	}

	var g errgroup.Group
	for i := 0; i < n; i++ {
		rel := fmt.Sprintf("dir%d/file", i)
		g.Go(func() error {
			_, err := r.capture(t, config.Default(), rel)
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < n; i++ {
		entry := testutil.Committed(t, r.workTree, fmt.Sprintf("dir%d/file", i))
		assert.Equal(t, fmt.Sprintf("content %d", i), entry.Content)
	}
	assert.Empty(t, testutil.Git(t, r.workTree, "status", "--porcelain"))
}

func TestCapture_Annex(t *testing.T) {
	if _, err := exec.LookPath("git-annex"); err != nil {
		t.Skip("git-annex not found in PATH")
	}
	r := newRepoFixture(t)
	testutil.Git(t, r.workTree, "annex", "init", "--quiet")
	src := testutil.WriteFile(t, r.syncFolder, "target", "content")

	_, err := r.capture(t, config.Default(), "target")
	require.NoError(t, err)

	testutil.ResetHard(t, r.workTree)
	dst := filepath.Join(r.workTree, "target")
	assert.Equal(t, "content", readFile(t, dst))
	assert.Equal(t, Symlink, inspect(t, dst).Kind)

	// ingestion must not have reached the source
	assert.Equal(t, "content", readFile(t, src))
	assert.Equal(t, FileState{Kind: Regular, Mode: 0o644}, inspect(t, src))
}
