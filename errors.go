package splax

import (
	"errors"
	"fmt"

	"github.com/splax-s/splax/internal/capability"
	"github.com/splax-s/splax/internal/ipc"
	"github.com/splax-s/splax/internal/memory"
	"github.com/splax-s/splax/internal/sched"
	"github.com/splax-s/splax/internal/service"
)

// Error represents a structured kernel error with subsystem context.
type Error struct {
	Op    string // Operation that failed (e.g., "Grant", "Send", "Schedule")
	PID   uint64 // Owning process ID (0 if not applicable)
	CPU   int    // CPU index (-1 if not applicable)
	Code  Code   // High-level error category
	Msg   string // Human-readable message
	Inner error  // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.PID != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}
	if e.CPU >= 0 {
		parts = append(parts, fmt.Sprintf("cpu=%d", e.CPU))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("splax: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("splax: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for Error comparison
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// Code represents a high-level error category, one per subsystem.
type Code string

const (
	CodeCapability Code = "capability error"
	CodeIPC        Code = "ipc error"
	CodeMemory     Code = "memory error"
	CodeScheduler  Code = "scheduler error"
	CodeService    Code = "service error"
	CodeBoot       Code = "boot error"
	CodeInternal   Code = "internal error"
)

// Error constructors

// NewError creates a new structured error.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, CPU: -1}
}

// NewProcessError creates a new structured error attributed to pid.
func NewProcessError(op string, pid uint64, code Code, msg string) *Error {
	return &Error{Op: op, PID: pid, Code: code, Msg: msg, CPU: -1}
}

// NewCPUError creates a new structured error attributed to a scheduler CPU.
func NewCPUError(op string, cpu int, code Code, msg string) *Error {
	return &Error{Op: op, CPU: cpu, Code: code, Msg: msg}
}

// WrapError wraps an existing subsystem error with kernel context,
// classifying it by matching against the sentinel errors exported by
// internal/capability, internal/ipc, internal/memory, internal/sched, and
// internal/service.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if se, ok := inner.(*Error); ok {
		return &Error{Op: op, PID: se.PID, CPU: se.CPU, Code: se.Code, Msg: se.Msg, Inner: se.Inner}
	}

	return &Error{
		Op:    op,
		CPU:   -1,
		Code:  classify(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// classify maps a subsystem sentinel error to its kernel-wide Code.
func classify(err error) Code {
	switch {
	case errors.Is(err, capability.ErrInvalidToken),
		errors.Is(err, capability.ErrRevoked),
		errors.Is(err, capability.ErrInsufficientPermission),
		errors.Is(err, capability.ErrDelegationDepthExceeded):
		return CodeCapability
	case errors.Is(err, ipc.ErrBufferFull),
		errors.Is(err, ipc.ErrChannelClosed),
		errors.Is(err, ipc.ErrNotAuthorized),
		errors.Is(err, ipc.ErrRateLimited),
		errors.Is(err, ipc.ErrChannelNotFound),
		errors.Is(err, ipc.ErrTooManyChannels),
		errors.Is(err, ipc.ErrMessageTooLarge):
		return CodeIPC
	case errors.Is(err, memory.ErrZeroFrames),
		errors.Is(err, memory.ErrOutOfMemory),
		errors.Is(err, memory.ErrFragmentedMemory),
		errors.Is(err, memory.ErrInvalidAddress),
		errors.Is(err, memory.ErrAlreadyAllocated),
		errors.Is(err, memory.ErrInvalidAlignment),
		errors.Is(err, memory.ErrHeapOutOfMemory):
		return CodeMemory
	case errors.Is(err, sched.ErrProcessNotFound),
		errors.Is(err, sched.ErrTooManyProcesses),
		errors.Is(err, sched.ErrInvalidClass):
		return CodeScheduler
	case errors.Is(err, service.ErrTimeout),
		errors.Is(err, service.ErrUnknownReply),
		errors.Is(err, service.ErrProtocol),
		errors.Is(err, service.ErrCancelled),
		errors.Is(err, service.ErrServiceUnavailable):
		return CodeService
	default:
		return CodeInternal
	}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
