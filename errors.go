package asfw

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured transaction error with context, mirroring
// the taxonomy in spec.md §7.
type Error struct {
	Op     string        // Operation that failed (e.g., "Submit", "Lookup")
	Handle AsyncHandle   // Transaction handle (0 if not applicable)
	Node   NodeID        // Destination node (0 if not applicable)
	Code   TxErrorCode   // Terminal status category
	Errno  syscall.Errno // Underlying OHCI/syscall errno, if any
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Handle != 0 {
		parts = append(parts, fmt.Sprintf("handle=%d", e.Handle))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("asfw: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("asfw: %s", msg)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// MetricsClass satisfies internal/metrics.ErrClassifier, mapping this
// error's terminal code to the counter internal/metrics tracks for it.
// Codes with no dedicated counter (Success, RingFull, DMAAllocFailed) fall
// back to the hardware-error counter.
func (e *Error) MetricsClass() string {
	switch e.Code {
	case ErrCodeTimeout:
		return "timeout"
	case ErrCodeShortRead:
		return "short_read"
	case ErrCodeBusyRetryExhausted:
		return "busy_exhausted"
	case ErrCodeAborted:
		return "aborted"
	case ErrCodeLockCompareFail:
		return "lock_compare_fail"
	case ErrCodeStaleGeneration:
		return "stale_generation"
	default:
		return "hardware_error"
	}
}

// Is supports errors.Is comparison by terminal code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// TxErrorCode is the terminal status taxonomy surfaced to callbacks
// (spec.md §7), plus two synchronous bus-level codes that never reach a
// callback (RingFull, DMAAllocFailed surface as AsyncHandle(0) instead).
type TxErrorCode string

const (
	ErrCodeSuccess            TxErrorCode = "success"
	ErrCodeTimeout            TxErrorCode = "timeout"
	ErrCodeShortRead          TxErrorCode = "short read"
	ErrCodeBusyRetryExhausted TxErrorCode = "busy, retries exhausted"
	ErrCodeAborted            TxErrorCode = "aborted"
	ErrCodeHardwareError      TxErrorCode = "hardware error"
	ErrCodeLockCompareFail    TxErrorCode = "lock compare failed"
	ErrCodeStaleGeneration    TxErrorCode = "stale generation"

	// Synchronous, bus-level (the submit returns AsyncHandle(0) and no
	// transaction is left outstanding).
	ErrCodeRingFull       TxErrorCode = "descriptor ring full"
	ErrCodeDMAAllocFailed TxErrorCode = "dma allocation failed"
)

// NewError creates a new structured error.
func NewError(op string, code TxErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a new structured error carrying an errno.
func NewErrorWithErrno(op string, code TxErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewTxError creates a transaction-scoped error.
func NewTxError(op string, handle AsyncHandle, node NodeID, code TxErrorCode, msg string) *Error {
	return &Error{Op: op, Handle: handle, Node: node, Code: code, Msg: msg}
}

// WrapError wraps an existing error with engine context, mapping syscall
// errnos to a TxErrorCode the same way the teacher maps ublk errnos.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ae, ok := inner.(*Error); ok {
		return &Error{Op: op, Handle: ae.Handle, Node: ae.Node, Code: ae.Code, Errno: ae.Errno, Msg: ae.Msg, Inner: ae.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: ErrCodeHardwareError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) TxErrorCode {
	switch errno {
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeDMAAllocFailed
	case syscall.EBUSY:
		return ErrCodeBusyRetryExhausted
	default:
		return ErrCodeHardwareError
	}
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code TxErrorCode) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// IsErrno reports whether err (or anything it wraps) carries the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Errno == errno
	}
	return false
}
