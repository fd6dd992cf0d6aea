//go:build unix

package capture

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isCrossDevice reports whether a link failed because source and destination
// are on different filesystems.
func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
