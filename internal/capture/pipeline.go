package capture

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/rbasak/syncthing-git-versioning/internal/config"
	"github.com/rbasak/syncthing-git-versioning/internal/git"
)

// LockFileName is created inside the repository's git directory
const LockFileName = "syncthing-git-versioning.lock"

// lockRetryDelay is how often a contended lock is polled
const lockRetryDelay = 50 * time.Millisecond

// State is a step of one capture
type State string

const (
	StateStart        State = "start"
	StateResolving    State = "resolving"
	StateTransferring State = "transferring"
	StateStaging      State = "staging"
	StateCommitting   State = "committing"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Result describes how far a capture got
type Result struct {
	Source      string
	Destination string
	State       State // StateDone or StateFailed once Run returns
	FailedAt    State // the step that failed, set only when State is StateFailed
	Committed   bool  // false for an unchanged capture
}

// Pipeline runs Resolving, Transferring, Staging and Committing in order and
// stops at the first failure. No step writes to the synchronized folder, so
// a failure never needs cleanup to keep the source intact.
type Pipeline struct {
	cfg      *config.Config
	git      git.Client
	transfer *Transferer
	logger   *slog.Logger
}

// NewPipeline creates a capture pipeline
func NewPipeline(cfg *config.Config, gitClient git.Client, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		git:      gitClient,
		transfer: NewTransferer(cfg.Transfer.Mode == config.TransferCopy, logger),
		logger:   logger,
	}
}

// Run captures args.FilePath into the working tree and commits it if changed
func (p *Pipeline) Run(ctx context.Context, args Args) (*Result, error) {
	result := &Result{State: StateStart}
	fail := func(err error) (*Result, error) {
		result.FailedAt = result.State
		result.State = StateFailed
		return result, err
	}

	p.advance(result, StateResolving)
	target, err := Resolve(args)
	if err != nil {
		return fail(err)
	}
	result.Source = target.Source
	result.Destination = target.Destination

	gitDir, err := p.git.GitDir(ctx)
	if err != nil {
		return fail(&CommitError{Op: "locate repository", Err: err})
	}
	annex, err := p.annexEnabled(ctx)
	if err != nil {
		return fail(&CommitError{Op: "detect git-annex", Err: err})
	}

	// Every working-tree change, from parent directories to transfer temp
	// names, happens inside the critical section so a concurrent stage-all
	// never records a half-prepared tree.
	unlock, err := p.lock(ctx, gitDir)
	if err != nil {
		return fail(&CommitError{Op: "lock repository", Err: err})
	}
	defer unlock()

	err = target.Prepare()
	for _, path := range target.Replaced {
		p.logger.Warn("replaced non-directory in working tree", "path", path)
	}
	if err != nil {
		return fail(err)
	}

	p.advance(result, StateTransferring)
	state, err := Inspect(target.Source)
	if err != nil {
		return fail(&TransferError{Source: target.Source, Destination: target.Destination, Err: err})
	}
	transfer := p.transfer
	if annex && !transfer.copyOnly {
		// git annex ingests by moving and chmodding, which would reach the
		// source through a shared inode
		transfer = NewTransferer(true, p.logger)
	}
	if err := transfer.Reproduce(target.Source, state, target.Destination); err != nil {
		return fail(err)
	}

	p.advance(result, StateStaging)
	if err := p.git.StageAll(ctx, annex); err != nil {
		return fail(&CommitError{Op: "stage working tree", Err: err})
	}

	p.advance(result, StateCommitting)
	committed, err := p.git.CommitIfChanged(ctx, p.cfg.Git.CommitMessage)
	if err != nil {
		return fail(&CommitError{Op: "commit", Err: err})
	}
	result.Committed = committed

	p.advance(result, StateDone)
	if committed {
		p.logger.Info("captured file", "path", target.Rel, "kind", state.Kind, "committed", true)
	} else {
		p.logger.Info("captured file unchanged", "path", target.Rel, "kind", state.Kind, "committed", false)
	}
	return result, nil
}

func (p *Pipeline) advance(result *Result, next State) {
	p.logger.Debug("capture state", "from", result.State, "to", next)
	result.State = next
}

// annexEnabled resolves the configured annex mode against the repository
func (p *Pipeline) annexEnabled(ctx context.Context) (bool, error) {
	switch p.cfg.Git.Annex {
	case config.AnnexAlways:
		return true, nil
	case config.AnnexNever:
		return false, nil
	default:
		return p.git.AnnexEnabled(ctx)
	}
}

// lock takes the per-repository capture lock, waiting until it is free or ctx ends
func (p *Pipeline) lock(ctx context.Context, gitDir string) (func(), error) {
	if !p.cfg.LockEnabled() {
		return func() {}, nil
	}

	fl := flock.New(filepath.Join(gitDir, LockFileName))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("lock %s not acquired", fl.Path())
	}
	p.logger.Debug("acquired repository lock", "path", fl.Path())

	return func() {
		if err := fl.Unlock(); err != nil {
			p.logger.Warn("failed to release repository lock", "path", fl.Path(), "error", err)
		}
	}, nil
}
