package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// gitMetadataDir is the first path segment no capture may write under
const gitMetadataDir = ".git"

// Args are the three positional inputs of one hook invocation
type Args struct {
	WorkTree   string
	SyncFolder string
	FilePath   string
}

// Target is a file path mapped onto both trees
type Target struct {
	WorkTree    string   // absolute working tree root
	Rel         string   // cleaned path relative to both roots
	Source      string   // absolute path in the synchronized folder
	Destination string   // absolute path in the working tree
	Replaced    []string // working-tree entries that stood where a directory belongs
}

// Resolve validates args.FilePath and maps it onto both roots. It only
// reads the filesystem; Prepare makes the working-tree changes.
func Resolve(args Args) (*Target, error) {
	workTree, err := filepath.Abs(args.WorkTree)
	if err != nil {
		return nil, &PathError{Path: args.WorkTree, Err: err}
	}
	syncRoot, err := filepath.Abs(args.SyncFolder)
	if err != nil {
		return nil, &PathError{Path: args.SyncFolder, Err: err}
	}

	if overlaps(workTree, syncRoot) {
		return nil, &PathError{Path: args.SyncFolder, Err: fmt.Errorf("%w: synchronized folder and working tree overlap", ErrEscapesRoot)}
	}

	rel, err := relativize(syncRoot, args.FilePath)
	if err != nil {
		return nil, &PathError{Path: args.FilePath, Err: err}
	}

	target := &Target{
		WorkTree:    workTree,
		Rel:         rel,
		Source:      filepath.Join(syncRoot, rel),
		Destination: filepath.Join(workTree, rel),
	}

	if info, err := os.Stat(workTree); err != nil {
		return nil, &PathError{Path: workTree, Err: err}
	} else if !info.IsDir() {
		return nil, &PathError{Path: workTree, Err: fmt.Errorf("working tree is not a directory")}
	}

	// The source is only read, so its directories are checked rather than
	// rebuilt: a symlinked directory must not lead outside the folder.
	if err := within(syncRoot, filepath.Dir(target.Source)); err != nil {
		return nil, &PathError{Path: target.Source, Err: err}
	}

	return target, nil
}

// Prepare creates any missing parent directories of the destination. The
// daemon only reports files whose parents are directories in the
// synchronized folder, so a non-directory at a parent position in the
// working tree is stale and is replaced by a directory.
func (t *Target) Prepare() error {
	replaced, err := ensureDirs(t.WorkTree, filepath.Dir(t.Rel))
	t.Replaced = replaced
	return err
}

// ensureDirs creates every directory of rel below root, one segment at a
// time, replacing any non-directory entry in the way.
func ensureDirs(root, rel string) ([]string, error) {
	if rel == "." {
		return nil, nil
	}

	var replaced []string
	cur := root
	for _, segment := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, segment)

		info, err := os.Lstat(cur)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// created below
		case err != nil:
			return replaced, &PathError{Path: cur, Err: err}
		case info.IsDir():
			continue
		default:
			if err := os.Remove(cur); err != nil {
				return replaced, &PathError{Path: cur, Err: err}
			}
			replaced = append(replaced, cur)
		}

		if err := os.Mkdir(cur, 0o755); err != nil {
			return replaced, &PathError{Path: cur, Err: err}
		}
	}
	return replaced, nil
}

// relativize turns a file path, absolute or relative to syncRoot, into a
// clean path that stays inside both roots.
func relativize(syncRoot, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty file path", ErrEscapesRoot)
	}

	rel := filepath.Clean(path)
	if filepath.IsAbs(rel) {
		r, err := filepath.Rel(syncRoot, rel)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrEscapesRoot, err)
		}
		rel = r
	}

	if rel == "." || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", ErrEscapesRoot, path)
	}

	first, _, _ := strings.Cut(rel, string(filepath.Separator))
	if first == gitMetadataDir {
		return "", fmt.Errorf("%w: %s", ErrRepositoryMetadata, path)
	}

	return rel, nil
}

// overlaps reports whether either root contains the other
func overlaps(a, b string) bool {
	contains := func(parent, child string) bool {
		rel, err := filepath.Rel(parent, child)
		return err == nil && (rel == "." || filepath.IsLocal(rel))
	}
	return contains(a, b) || contains(b, a)
}

// within checks that dir, with symlinks evaluated, is root or below it.
// A dir that does not exist cannot lead anywhere and passes.
func within(root, dir string) error {
	realDir, err := filepath.EvalSymlinks(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return err
	}

	rel, err := filepath.Rel(realRoot, realDir)
	if err != nil || !(rel == "." || filepath.IsLocal(rel)) {
		return fmt.Errorf("%w: %s resolves to %s", ErrEscapesRoot, dir, realDir)
	}
	return nil
}
