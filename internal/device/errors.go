package device

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that the target credential or queue does not exist on
// the device. Benign for remove/disable callers: already-removed and
// already-disabled are acceptable terminal states.
var ErrNotFound = errors.New("device: target not found")

// Error classifies every other device fault: connection, auth and protocol
// errors all land here. The coordinator decides whether to retry or flag.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("device %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is the benign missing-target signal.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
