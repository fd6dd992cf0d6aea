package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrEscapesRoot is returned when a file path does not stay inside its root
	ErrEscapesRoot = errors.New("path escapes its root")

	// ErrRepositoryMetadata is returned when a file path points into the
	// repository's own .git directory
	ErrRepositoryMetadata = errors.New("path points into repository metadata")

	// ErrUnsupportedKind is returned for sources that are neither regular
	// files nor symlinks
	ErrUnsupportedKind = errors.New("unsupported file kind")
)

// Process exit codes. Any non-zero code tells the daemon the capture failed.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitPath     = 2
	ExitTransfer = 3
	ExitCommit   = 4
)

// PathError reports that the destination could not be prepared
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("prepare path %s: %v", e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// TransferError reports that the source state could not be reproduced at the destination
type TransferError struct {
	Source      string
	Destination string
	Err         error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s to %s: %v", e.Source, e.Destination, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// CommitError reports that the repository could not record the captured state
type CommitError struct {
	Op  string
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// ExitCode maps a capture outcome to a process exit status
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var pathErr *PathError
	var transferErr *TransferError
	var commitErr *CommitError
	switch {
	case errors.As(err, &pathErr):
		return ExitPath
	case errors.As(err, &transferErr):
		return ExitTransfer
	case errors.As(err, &commitErr):
		return ExitCommit
	default:
		return ExitFailure
	}
}
