package verbs

import (
	"errors"
	"os"
	"syscall"
)

// NewErrorOrNil turns a raw ibverbs errno return value into a Go error,
// treating 0 as success and a negative value (seen from calls that don't
// set errno on failure) as a generic failure.
func NewErrorOrNil(name string, errno int32) error {
	if errno > 0 {
		return os.NewSyscallError(name, syscall.Errno(errno))
	}
	if errno < 0 {
		return errors.New(name + ": failure")
	}
	return nil
}
