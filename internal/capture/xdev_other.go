//go:build !unix

package capture

import (
	"errors"
	"os"
)

// isCrossDevice treats every link failure as a reason to copy, since link
// errors are not classified on this platform.
func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	return errors.As(err, &linkErr)
}
