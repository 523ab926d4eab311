package instance

import (
	"context"
	"errors"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

type eventKind int

const (
	// eventExit: the guest goroutine left without returning, either through
	// TerminateNoUnwind or a kill while yielded.
	eventExit eventKind = iota
	eventReturn
	eventYield
)

type event struct {
	kind   eventKind
	values []uint64
	err    error
}

type resumeMsg struct {
	kill bool
}

// Run calls the exported function name with args on a fresh guest
// goroutine and blocks until it returns, yields or terminates.
//
// Guest traps leave the instance faulted and are returned as
// ErrRuntimeFault. A corrupt boundary pointer leaves it faulted and is
// returned as ErrBoundaryFault. Cancelling ctx terminates the instance with
// TerminationRemote.
func (i *Instance) Run(ctx context.Context, name string, args ...uint64) (RunResult, error) {
	i.mu.Lock()
	if err := i.runnable("run"); err != nil {
		i.mu.Unlock()
		return RunResult{}, err
	}
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		i.mu.Unlock()
		return RunResult{}, newError(KindSymbolNotFound, "run", "export %q", name)
	}
	if want := len(fn.Definition().ParamTypes()); want != len(args) {
		i.mu.Unlock()
		return RunResult{}, newError(KindInvalidArgument, "run", "export %q takes %d arguments, got %d", name, want, len(args))
	}
	i.st = state{kind: StateRunning}
	i.runCtx = ctx
	i.mu.Unlock()

	i.log.Debug("run", zap.String("export", name), zap.Int("args", len(args)))
	go i.dispatch(ctx, fn, args)
	return i.await()
}

// Resume continues a yielded instance with no value.
func (i *Instance) Resume(ctx context.Context) (RunResult, error) {
	return i.ResumeWithVal(ctx, struct{}{})
}

// ResumeWithVal continues a yielded instance, making val available to the
// guest's TakeResumedVal. The value is not checked here; a guest expecting
// another type terminates when it takes it.
func (i *Instance) ResumeWithVal(ctx context.Context, val any) (RunResult, error) {
	if err := ctx.Err(); err != nil {
		return RunResult{}, err
	}
	i.mu.Lock()
	if i.st.kind != StateYielding {
		err := i.runnable("resume")
		if err == nil {
			err = newError(KindInstanceNotYielded, "resume", "instance is %s", i.st.kind)
		}
		i.mu.Unlock()
		return RunResult{}, err
	}
	i.st = state{kind: StateRunning}
	i.resumed, i.hasResumed = val, true
	i.mu.Unlock()

	i.log.Debug("resume")
	i.resume <- resumeMsg{}
	return i.await()
}

// runnable must be called with i.mu held.
func (i *Instance) runnable(op string) error {
	switch {
	case i.closed:
		return newError(KindRuntimeTerminated, op, "instance is closed")
	case i.st.kind.Terminal():
		return newError(KindRuntimeTerminated, op, "instance is %s", i.st.kind)
	case i.st.kind != StateReady:
		return newError(KindInstanceNotReady, op, "instance is %s", i.st.kind)
	}
	return nil
}

// dispatch runs guest code. Exactly one event is delivered per dispatch
// segment: on return, on yield (from inside the hostcall) or on exit.
func (i *Instance) dispatch(ctx context.Context, fn api.Function, args []uint64) {
	ev := event{kind: eventExit}
	defer func() { i.events <- ev }()

	sched := &Scheduler{}
	sched.enter(i)
	defer sched.exit()

	ctx = withVmctx(withScheduler(ctx, sched), i.vmctx())
	values, err := fn.Call(ctx, args...)
	ev = event{kind: eventReturn, values: values, err: err}
}

func (i *Instance) await() (RunResult, error) {
	ev := <-i.events

	i.mu.Lock()
	defer i.mu.Unlock()

	switch {
	case ev.kind == eventYield:
		return RunResult{
			Kind:  Yielded,
			Yield: &YieldedVal{Value: i.st.yielded, Expecting: i.st.expecting},
		}, nil
	case i.st.kind == StateTerminating:
		return i.terminated(), nil
	case ev.kind == eventExit:
		i.st = state{kind: StateFaulted, fault: errors.New("guest goroutine exited")}
		return RunResult{}, &Error{Kind: KindRuntimeFault, Op: "run", Cause: i.st.fault}
	case ev.err != nil:
		return i.classify(ev.err)
	}

	i.st = state{kind: StateReady}
	return RunResult{Kind: Returned, Values: ev.values}, nil
}

// classify must be called with i.mu held.
func (i *Instance) classify(err error) (RunResult, error) {
	var (
		td *TerminationDetails
		bf *BoundaryFault
	)
	switch {
	case errors.As(err, &td):
		i.st = state{kind: StateTerminating, details: td}
		return i.terminated(), nil
	case errors.As(err, &bf):
		i.st = state{kind: StateFaulted, fault: bf}
		i.log.Error("boundary fault", zap.Error(bf))
		return RunResult{}, &Error{Kind: KindBoundaryFault, Op: "run", Cause: err}
	case i.runCtx != nil && i.runCtx.Err() != nil:
		i.st = state{kind: StateTerminating, details: &TerminationDetails{Kind: TerminationRemote}}
		return i.terminated(), nil
	}
	i.st = state{kind: StateFaulted, fault: err}
	i.log.Warn("guest fault", zap.Error(err))
	return RunResult{}, &Error{Kind: KindRuntimeFault, Op: "run", Cause: err}
}

func (i *Instance) terminated() RunResult {
	i.log.Debug("instance terminated", zap.Stringer("kind", i.st.details.Kind))
	return RunResult{Kind: Terminated, Termination: i.st.details}
}
