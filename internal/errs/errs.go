// Package errs defines the tagged error/severity model shared by the
// serial framer, the meter pipeline, and the register engine. It replaces
// exception-based control flow: every fallible
// operation in the core returns an *Error (or wraps one), and callers
// switch on Severity to decide the next state-machine action.
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// Severity classifies how a caller should react to an Error.
type Severity int

const (
	// Transient errors should be logged, the current resource dropped,
	// and the operation retried after backoff.
	Transient Severity = iota
	// Fatal errors should trigger a full shutdown.
	Fatal
	// ShutdownInProgress errors mean the blocking call was interrupted by
	// a shutdown already underway; the caller should exit cleanly and
	// quietly.
	ShutdownInProgress
)

func (s Severity) String() string {
	switch s {
	case Fatal:
		return "fatal"
	case ShutdownInProgress:
		return "shutdown_in_progress"
	default:
		return "transient"
	}
}

// Code identifies the kind of failure independent of its severity. The
// values mirror the protocol/framing failures this gateway can hit, plus
// the errno-derived ones used for the severity classification tables below.
type Code int

const (
	CodeUnknown Code = iota
	CodeNotATty
	CodeLockBusy
	CodeTimeout
	CodeClosed
	CodeOutOfSync
	CodeProtocol
	CodeShutdown
	CodeErrno
	CodeModbusException
)

// Error is a tagged record: a code, a human message, and a deduced
// severity.
type Error struct {
	Code     Code
	Message  string
	Severity Severity
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with an explicit code/severity.
func New(code Code, severity Severity, message string) *Error {
	return &Error{Code: code, Message: message, Severity: severity}
}

// Wrap builds an *Error with an explicit code/severity, carrying an
// underlying cause.
func Wrap(code Code, severity Severity, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Severity: severity, Err: cause}
}

// meterFatalErrno is the "Fatal (meter)" errno table.
var meterFatalErrno = map[syscall.Errno]bool{
	syscall.EINVAL:       true,
	syscall.ENOMEM:       true,
	syscall.ENOENT:       true,
	syscall.ENODEV:       true,
	syscall.ENXIO:        true,
	syscall.EACCES:       true,
	syscall.EPERM:        true,
	syscall.ENOTDIR:      true,
	syscall.EISDIR:       true,
	syscall.ENAMETOOLONG: true,
	syscall.ELOOP:        true,
	syscall.EMFILE:       true,
	syscall.ENFILE:       true,
	syscall.ENOTTY:       true,
	syscall.EBADF:        true,
	syscall.EAGAIN:       true,
	syscall.EIO:          true,
	syscall.EBUSY:        true,
}

// modbusFatalErrno is the "Fatal (modbus)" errno table; EMBMDATA etc are
// Modbus-specific exception codes rather than OS errnos and are handled by
// FromModbusException instead.
var modbusFatalErrno = map[syscall.Errno]bool{
	syscall.EINVAL: true,
	syscall.ENOMEM: true,
	syscall.ENOENT: true,
}

// FromMeterErrno classifies an OS-level error for the meter pipeline per
// the meter pipeline's Fatal / ShutdownInProgress / Transient table.
func FromMeterErrno(message string, err error) *Error {
	return fromErrno(meterFatalErrno, message, err)
}

// FromModbusErrno classifies an OS-level error for the register engine per
// the register engine's Fatal table.
func FromModbusErrno(message string, err error) *Error {
	return fromErrno(modbusFatalErrno, message, err)
}

func fromErrno(fatalTable map[syscall.Errno]bool, message string, err error) *Error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch {
		case errno == syscall.EINTR:
			return Wrap(CodeShutdown, ShutdownInProgress, message, err)
		case fatalTable[errno]:
			return Wrap(CodeErrno, Fatal, message, err)
		default:
			return Wrap(CodeErrno, Transient, message, err)
		}
	}
	return Wrap(CodeErrno, Transient, message, err)
}

// Modbus exception codes: these arrive from
// the wire protocol, not errno, so they're classified by name rather than
// syscall.Errno.
const (
	EMBXILFUN = 0x01 // illegal function
	EMBXILADD = 0x02 // illegal data address
	EMBXILVAL = 0x03 // illegal data value
	EMBXSFAIL = 0x04 // slave device failure
	EMBXGTAR  = 0x0B // gateway target device failed to respond
)

// FromModbusException classifies a Modbus protocol exception code. All of
// every exception code the register engine can return is fatal;
// this exists mainly so the mapping lives in one place next to the errno
// tables.
func FromModbusException(message string, code byte) *Error {
	return Wrap(CodeModbusException, Fatal, message, fmt.Errorf("modbus exception 0x%02X", code))
}

// Action is the severity-to-state-machine-action mapping the pipeline and
// register engine both use.
type Action int

const (
	ActionNone Action = iota
	ActionReconnect
	ActionShutdown
)

// ActionFor maps a Severity onto the state machine action its policy
// table prescribes.
func ActionFor(s Severity) Action {
	switch s {
	case Fatal:
		return ActionShutdown
	case Transient:
		return ActionReconnect
	default:
		return ActionNone
	}
}
