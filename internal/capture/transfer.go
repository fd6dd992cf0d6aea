package capture

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// tempPrefix marks the transient names created beside a destination
const tempPrefix = ".syncthing-git-versioning-"

// Transferer reproduces a source file's state at a destination path. Every
// change to the destination lands through a rename, so a partially written
// destination is never observable.
type Transferer struct {
	copyOnly bool
	link     func(oldname, newname string) error
	logger   *slog.Logger
}

// NewTransferer creates a Transferer. With copyOnly set, regular files are
// always streamed instead of hard-linked.
func NewTransferer(copyOnly bool, logger *slog.Logger) *Transferer {
	return &Transferer{
		copyOnly: copyOnly,
		link:     os.Link,
		logger:   logger,
	}
}

// Reproduce makes dst match the state src was observed in
func (t *Transferer) Reproduce(src string, state FileState, dst string) error {
	var err error
	switch state.Kind {
	case Absent:
		err = t.remove(dst)
	case Symlink:
		err = t.symlink(state.Target, dst)
	case Regular:
		err = t.regular(src, state.Mode, dst)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedKind, state.Kind)
	}
	if err != nil {
		return &TransferError{Source: src, Destination: dst, Err: err}
	}
	return nil
}

// remove mirrors an absent source
func (t *Transferer) remove(dst string) error {
	info, err := os.Lstat(dst)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: destination %s is a directory", ErrUnsupportedKind, dst)
	}
	t.logger.Debug("source absent, removing destination", "dest", dst)
	return os.Remove(dst)
}

// symlink creates a link with the exact target string and renames it into place
func (t *Transferer) symlink(target, dst string) error {
	tmp := tempName(dst)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	return replace(tmp, dst)
}

// regular tries a hard link first and falls back to a copy only when the two
// paths are on different filesystems.
func (t *Transferer) regular(src string, mode fs.FileMode, dst string) error {
	if t.copyOnly {
		return copyFile(src, dst, mode)
	}

	if same, err := sameFile(src, dst); err != nil {
		return err
	} else if same {
		return nil
	}

	tmp := tempName(dst)
	err := t.link(src, tmp)
	if err == nil {
		return replace(tmp, dst)
	}
	if !isCrossDevice(err) {
		return err
	}

	t.logger.Debug("hard link crosses filesystems, copying", "source", src, "dest", dst)
	return copyFile(src, dst, mode)
}

// copyFile copies a file from src to dst with atomic write
func copyFile(src, dst string, mode fs.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	// Create temp file in destination directory
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	// CreateTemp uses 0600; restore the source permissions
	if err := tmpFile.Chmod(mode.Perm()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return replace(tmpPath, dst)
}

// replace renames tmp over dst. When both already name the same inode rename
// succeeds without removing tmp, so tmp is always cleaned up afterwards.
// A directory at dst is stale mirror state and is removed first; that case
// alone is not atomic.
func replace(tmp, dst string) error {
	if info, err := os.Lstat(dst); err == nil && info.IsDir() {
		if err := os.RemoveAll(dst); err != nil {
			_ = os.Remove(tmp)
			return err
		}
	}

	err := os.Rename(tmp, dst)
	if rmErr := os.Remove(tmp); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

// sameFile reports whether dst is already a link to src's inode
func sameFile(src, dst string) (bool, error) {
	dstInfo, err := os.Lstat(dst)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	srcInfo, err := os.Lstat(src)
	if err != nil {
		return false, err
	}
	return os.SameFile(srcInfo, dstInfo), nil
}

func tempName(dst string) string {
	return filepath.Join(filepath.Dir(dst), tempPrefix+uuid.NewString())
}
