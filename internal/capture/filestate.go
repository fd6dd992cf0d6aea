package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Kind tags the variant held by a FileState
type Kind int

const (
	Absent Kind = iota
	Regular
	Symlink
)

func (k Kind) String() string {
	switch k {
	case Absent:
		return "absent"
	case Regular:
		return "regular"
	case Symlink:
		return "symlink"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// FileState is the observable state of one path. Content is never loaded:
// a Regular state is reproduced from its path, a Symlink state carries its
// target string verbatim.
type FileState struct {
	Kind   Kind
	Mode   fs.FileMode // permission bits, Regular only
	Target string      // link target, Symlink only
}

// Inspect reads the state of path without following a final symlink
func Inspect(path string) (FileState, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return FileState{Kind: Absent}, nil
	}
	if err != nil {
		return FileState{}, err
	}

	switch mode := info.Mode(); {
	case mode.IsRegular():
		return FileState{Kind: Regular, Mode: mode.Perm()}, nil
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return FileState{}, err
		}
		return FileState{Kind: Symlink, Target: target}, nil
	default:
		return FileState{}, fmt.Errorf("%w: %s is %s", ErrUnsupportedKind, path, mode.Type())
	}
}
