package instance

import "fmt"

// TerminationKind identifies why an instance stopped for good.
type TerminationKind int

const (
	// TerminationProvided carries a value from a hostcall's Terminate.
	TerminationProvided TerminationKind = iota + 1
	// TerminationBorrowError is a runtime aliasing violation in a hostcall.
	TerminationBorrowError
	// TerminationCtxNotFound is a lookup of an embed context type that was
	// never inserted.
	TerminationCtxNotFound
	// TerminationYieldTypeMismatch is a resume with a value of the wrong type.
	TerminationYieldTypeMismatch
	// TerminationRemote is a stop requested from outside the guest: context
	// cancellation or Close on a yielded instance.
	TerminationRemote
)

func (k TerminationKind) String() string {
	switch k {
	case TerminationProvided:
		return "provided"
	case TerminationBorrowError:
		return "borrow error"
	case TerminationCtxNotFound:
		return "embed ctx not found"
	case TerminationYieldTypeMismatch:
		return "yield type mismatch"
	case TerminationRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// TerminationDetails is the structured reason an instance terminated. It is
// raised as a panic from hostcalls and reaches the host only as a Terminated
// RunResult; it never becomes a value guest code can observe.
type TerminationDetails struct {
	Kind TerminationKind
	// Borrow names the accessor that hit a conflict, e.g. "heap_mut".
	Borrow string
	// Type names the Go type involved in CtxNotFound and YieldTypeMismatch.
	Type string
	// Provided is the value given to Terminate.
	Provided any
}

func (d *TerminationDetails) Error() string {
	switch d.Kind {
	case TerminationBorrowError:
		return fmt.Sprintf("instance terminated: borrow error in %s", d.Borrow)
	case TerminationCtxNotFound, TerminationYieldTypeMismatch:
		return fmt.Sprintf("instance terminated: %s: %s", d.Kind, d.Type)
	case TerminationProvided:
		return fmt.Sprintf("instance terminated: %v", d.Provided)
	default:
		return "instance terminated: " + d.Kind.String()
	}
}

// AsProvided returns the value passed to Terminate.
func (d *TerminationDetails) AsProvided() (any, bool) {
	if d.Kind != TerminationProvided {
		return nil, false
	}
	return d.Provided, true
}

func borrowError(accessor string) *TerminationDetails {
	return &TerminationDetails{Kind: TerminationBorrowError, Borrow: accessor}
}
