// Package apprun contains definitions shared by the packaging tool and the
// runtime stub of single-file, self-mounting executables.
//
// A packaged executable is a runtime stub (an ELF binary) immediately followed
// by a SquashFS image. When run, the stub mounts the image it carries, enters
// a private mount (and, when unprivileged, user) namespace rooted in the image
// and executes the image's entry point.
package apprun

import (
	"errors"
	"fmt"
)

// Exit codes of a packaged executable. On the success path the entry point's
// own exit code is propagated unchanged; a signal death of the entry point
// results in 128+signal.
const (
	ExitUsage           = 2
	ExitMountFailed     = 121
	ExitIsolationFailed = 122
	ExitInternal        = 125
	ExitExecFailed      = 126
	ExitNotFound        = 127
)

// Stage identifies the part of the launch sequence which failed.
type Stage string

const (
	StageBuild     Stage = "build"
	StageRuntime   Stage = "runtime"
	StageMount     Stage = "mount"
	StageIsolation Stage = "isolation"
	StageExec      Stage = "exec"
	StageCleanup   Stage = "cleanup"
)

// ExitCode returns the exit code which a packaged executable uses when it
// fails in stage s.
func (s Stage) ExitCode() int {
	switch s {
	case StageMount:
		return ExitMountFailed
	case StageIsolation:
		return ExitIsolationFailed
	case StageExec:
		return ExitExecFailed
	}
	return ExitInternal
}

// StageError is a fatal error attributed to one stage of the launch sequence.
type StageError struct {
	Stage Stage
	// Code overrides Stage.ExitCode() when non-zero (e.g. ExitNotFound for an
	// ExecError caused by a missing entry point).
	Code int
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ExitCode returns the process exit code for e.
func (e *StageError) ExitCode() int {
	if e.Code != 0 {
		return e.Code
	}
	return e.Stage.ExitCode()
}

// Errorf wraps err as a StageError of stage s.
func Errorf(s Stage, format string, args ...interface{}) error {
	return &StageError{Stage: s, Err: fmt.Errorf(format, args...)}
}

// ExitCodeOf returns the exit code for err: the StageError's code if err
// wraps one, ExitInternal otherwise, and 0 for a nil error.
func ExitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.ExitCode()
	}
	return ExitInternal
}
