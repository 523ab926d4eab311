package instance

import (
	"fmt"
	"strings"
)

// Kind categorizes ordinary, recoverable errors.
type Kind string

const (
	KindInvalidArgument    Kind = "invalid_argument"
	KindLimitsExceeded     Kind = "limits_exceeded"
	KindNoLinearMemory     Kind = "no_linear_memory"
	KindSymbolNotFound     Kind = "symbol_not_found"
	KindFuncNotFound       Kind = "func_not_found"
	KindInstanceNotReady   Kind = "instance_not_ready"
	KindInstanceNotYielded Kind = "instance_not_yielded"
	KindRuntimeFault       Kind = "runtime_fault"
	KindBoundaryFault      Kind = "boundary_fault"
	KindRuntimeTerminated  Kind = "runtime_terminated"
)

// Error is an ordinary error returned by instance and handle operations.
// Two errors match under errors.Is when their kinds are equal.
type Error struct {
	Cause  error
	Kind   Kind
	Op     string
	Detail string
}

// Sentinels for errors.Is.
var (
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrLimitsExceeded     = &Error{Kind: KindLimitsExceeded}
	ErrNoLinearMemory     = &Error{Kind: KindNoLinearMemory}
	ErrSymbolNotFound     = &Error{Kind: KindSymbolNotFound}
	ErrFuncNotFound       = &Error{Kind: KindFuncNotFound}
	ErrInstanceNotReady   = &Error{Kind: KindInstanceNotReady}
	ErrInstanceNotYielded = &Error{Kind: KindInstanceNotYielded}
	ErrRuntimeFault       = &Error{Kind: KindRuntimeFault}
	ErrBoundaryFault      = &Error{Kind: KindBoundaryFault}
	ErrRuntimeTerminated  = &Error{Kind: KindRuntimeTerminated}
)

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
