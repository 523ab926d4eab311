package instance

import "reflect"

// StateKind is the lifecycle position of an instance.
type StateKind int

const (
	// StateReady: idle, an export may be run.
	StateReady StateKind = iota
	// StateRunning: guest code is executing.
	StateRunning
	// StateYielding: suspended inside a hostcall, waiting for Resume.
	StateYielding
	// StateTerminating: stopped for good; only Close remains.
	StateTerminating
	// StateFaulted: trapped or presented a corrupt boundary pointer;
	// only Close remains.
	StateFaulted
)

func (k StateKind) String() string {
	switch k {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateYielding:
		return "yielding"
	case StateTerminating:
		return "terminating"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no guest code can run in this state again.
func (k StateKind) Terminal() bool {
	return k == StateTerminating || k == StateFaulted
}

type state struct {
	kind StateKind

	// StateYielding
	yielded   any
	expecting reflect.Type

	// StateTerminating
	details *TerminationDetails

	// StateFaulted
	fault error
}

// ResultKind distinguishes the three ways control comes back to the host.
type ResultKind int

const (
	Returned ResultKind = iota + 1
	Yielded
	Terminated
)

func (k ResultKind) String() string {
	switch k {
	case Returned:
		return "returned"
	case Yielded:
		return "yielded"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// YieldedVal is what a guest handed to the host when it yielded.
type YieldedVal struct {
	Value any
	// Expecting is the type Resume must supply. It is the empty struct type
	// for Yield and YieldVal.
	Expecting reflect.Type
}

// RunResult is the outcome of Run or Resume. Exactly one of Values, Yield or
// Termination is meaningful, selected by Kind.
type RunResult struct {
	Kind        ResultKind
	Values      []uint64
	Yield       *YieldedVal
	Termination *TerminationDetails
}

// Returned reports whether the export ran to completion.
func (r RunResult) Returned() bool { return r.Kind == Returned }

// Yielded reports whether the guest is suspended waiting for Resume.
func (r RunResult) Yielded() bool { return r.Kind == Yielded }

// Terminated reports whether the instance stopped for good.
func (r RunResult) Terminated() bool { return r.Kind == Terminated }
