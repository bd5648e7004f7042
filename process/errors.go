package process

import (
	"errors"
	"fmt"

	"github.com/whitepa/forte-procmanager/future"
	"github.com/whitepa/forte-procmanager/procmonproto"
)

// Most typed failure kinds share one shape: a Cause/Message pair with
// Unwrap, so they satisfy errors.Is/errors.As against their wrapped cause.
// UnknownResultError and TerminatedWithNonZeroStatusError carry their own
// fields and wrap nothing; the remaining kinds are sentinel values.

// StartedError is raised by a Set* accessor, or by Run, once a
// ProcessFuture has left StateReady.
type StartedError struct {
	Cause   error
	Message string
}

func (e *StartedError) Error() string {
	if e.Message == "" {
		return "process: already started"
	}
	return e.Message
}
func (e *StartedError) Unwrap() error { return e.Cause }

// NotRunningError is raised by Signal when the process is not strictly
// running (StateRunning or StateStopped).
type NotRunningError struct {
	Cause   error
	Message string
}

func (e *NotRunningError) Error() string {
	if e.Message == "" {
		return "process: not running"
	}
	return e.Message
}
func (e *NotRunningError) Unwrap() error { return e.Cause }

// NotFinishedError is raised by GetStatusCode, GetProcessTerminationType,
// GetOutputString and GetErrorString when queried before a terminal state.
type NotFinishedError struct {
	Cause   error
	Message string
}

func (e *NotFinishedError) Error() string {
	if e.Message == "" {
		return "process: not finished"
	}
	return e.Message
}
func (e *NotFinishedError) Unwrap() error { return e.Cause }

// UnableToOpenInputFileError mirrors procmonproto.UnableToOpenInputFile.
type UnableToOpenInputFileError struct {
	Cause   error
	Message string
}

func (e *UnableToOpenInputFileError) Error() string {
	if e.Message == "" {
		return "process: unable to open input file"
	}
	return e.Message
}
func (e *UnableToOpenInputFileError) Unwrap() error { return e.Cause }

// UnableToOpenOutputFileError mirrors procmonproto.UnableToOpenOutputFile.
type UnableToOpenOutputFileError struct {
	Cause   error
	Message string
}

func (e *UnableToOpenOutputFileError) Error() string {
	if e.Message == "" {
		return "process: unable to open output file"
	}
	return e.Message
}
func (e *UnableToOpenOutputFileError) Unwrap() error { return e.Cause }

// UnableToOpenErrorFileError mirrors procmonproto.UnableToOpenErrorFile.
type UnableToOpenErrorFileError struct {
	Cause   error
	Message string
}

func (e *UnableToOpenErrorFileError) Error() string {
	if e.Message == "" {
		return "process: unable to open error file"
	}
	return e.Message
}
func (e *UnableToOpenErrorFileError) Unwrap() error { return e.Cause }

// UnableToCWDError mirrors procmonproto.UnableToCWD.
type UnableToCWDError struct {
	Cause   error
	Message string
}

func (e *UnableToCWDError) Error() string {
	if e.Message == "" {
		return "process: unable to change working directory"
	}
	return e.Message
}
func (e *UnableToCWDError) Unwrap() error { return e.Cause }

// UnableToForkError mirrors procmonproto.UnableToFork.
type UnableToForkError struct {
	Cause   error
	Message string
}

func (e *UnableToForkError) Error() string {
	if e.Message == "" {
		return "process: unable to fork"
	}
	return e.Message
}
func (e *UnableToForkError) Unwrap() error { return e.Cause }

// UnableToExecError mirrors procmonproto.UnableToExec.
type UnableToExecError struct {
	Cause   error
	Message string
}

func (e *UnableToExecError) Error() string {
	if e.Message == "" {
		return "process: unable to exec"
	}
	return e.Message
}
func (e *UnableToExecError) Unwrap() error { return e.Cause }

// UnableToCreateSocketError is raised when Manager cannot allocate the
// socket pair used for a new monitor's control channel.
type UnableToCreateSocketError struct {
	Cause   error
	Message string
}

func (e *UnableToCreateSocketError) Error() string {
	if e.Message == "" {
		return "process: unable to create socket"
	}
	return e.Message
}
func (e *UnableToCreateSocketError) Unwrap() error { return e.Cause }

// UnableToCreateProcmonError is raised when Manager cannot start the
// monitor helper binary itself (exec.Cmd.Start failure, or failure to
// register the resulting peer).
type UnableToCreateProcmonError struct {
	Cause   error
	Message string
}

func (e *UnableToCreateProcmonError) Error() string {
	if e.Message == "" {
		return "process: unable to create procmon"
	}
	return e.Message
}
func (e *UnableToCreateProcmonError) Unwrap() error { return e.Cause }

// ManagementProcFailedError mirrors procmonproto.ProcmonFailure (the
// monitor process itself misbehaved) and also covers management-channel
// failures reported through ProcessFuture.handleError.
type ManagementProcFailedError struct {
	Cause   error
	Message string
}

func (e *ManagementProcFailedError) Error() string {
	if e.Message == "" {
		return "process: management process failed"
	}
	return e.Message
}
func (e *ManagementProcFailedError) Unwrap() error { return e.Cause }

// UnknownResultError covers any ControlRes.result this module does not
// otherwise classify, carrying the monitor's raw error string.
type UnknownResultError struct {
	Result  procmonproto.ResultCode
	Message string
}

func (e *UnknownResultError) Error() string {
	return fmt.Sprintf("process: %s: %s", e.Result, e.Message)
}

// ErrAbandoned is returned by GetResult[Timed] once a ProcessFuture has
// been abandoned.
var ErrAbandoned = errors.New("process: abandoned")

// ErrKilled is returned by GetResult[Timed] when the child terminated due
// to a signal (including Cancel's SIGTERM).
var ErrKilled = errors.New("process: killed by signal")

// ErrTerminatedDueToUnknownReason is returned when the monitor reports a
// waitpid status this module cannot classify as exited, signaled or
// stopped/continued.
var ErrTerminatedDueToUnknownReason = errors.New("process: terminated for an unknown reason")

// ErrTimeoutWaitingForResult is returned by GetResultTimed once its
// deadline elapses; it is future.ErrTimeout under another name so callers
// working only against this package's API don't need to import future.
var ErrTimeoutWaitingForResult = future.ErrTimeout

// TerminatedWithNonZeroStatusError is returned by GetResult[Timed] when
// the child exited with a non-zero status.
type TerminatedWithNonZeroStatusError struct {
	Code int
}

func (e *TerminatedWithNonZeroStatusError) Error() string {
	return fmt.Sprintf("process: terminated with non-zero status %d", e.Code)
}

// mapResultError translates a monitor ControlRes/Status result code and
// its accompanying message into the corresponding typed failure.
func mapResultError(result procmonproto.ResultCode, msg string) error {
	switch result {
	case procmonproto.UnableToOpenInputFile:
		return &UnableToOpenInputFileError{Message: msg}
	case procmonproto.UnableToOpenOutputFile:
		return &UnableToOpenOutputFileError{Message: msg}
	case procmonproto.UnableToOpenErrorFile:
		return &UnableToOpenErrorFileError{Message: msg}
	case procmonproto.UnableToCWD:
		return &UnableToCWDError{Message: msg}
	case procmonproto.UnableToFork:
		return &UnableToForkError{Message: msg}
	case procmonproto.UnableToExec:
		return &UnableToExecError{Message: msg}
	case procmonproto.ProcmonFailure:
		return &ManagementProcFailedError{Message: msg}
	default:
		return &UnknownResultError{Result: result, Message: msg}
	}
}
