package instance

import (
	"reflect"
	"runtime"
)

var unitType = reflect.TypeOf((*struct{})(nil)).Elem()

// Yield suspends the guest and hands control back to the host with no value.
// It returns once the host calls Resume; resuming with a value terminates
// the instance with TerminationYieldTypeMismatch.
func (h *Handle) Yield() {
	h.YieldVal(nil)
}

// YieldVal suspends the guest, handing val to the host. Like Yield, it
// expects to be resumed without a value.
func (h *Handle) YieldVal(val any) {
	h.yield(val, unitType)
	TakeResumedVal[struct{}](h)
}

// YieldExpectingVal suspends the guest and returns the value of type R the
// host resumes it with.
func YieldExpectingVal[R any](h *Handle) R {
	return YieldValExpectingVal[R](h, nil)
}

// YieldValExpectingVal suspends the guest handing val to the host, and
// returns the value of type R the host resumes it with. A resume value of any
// other type terminates the instance with TerminationYieldTypeMismatch.
func YieldValExpectingVal[R any](h *Handle, val any) R {
	h.yield(val, reflect.TypeOf((*R)(nil)).Elem())
	return TakeResumedVal[R](h)
}

// TryTakeResumedVal removes the pending resume value if it has type R. A
// value of another type stays pending.
func TryTakeResumedVal[R any](h *Handle) (R, bool) {
	i := h.inst
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.hasResumed {
		var zero R
		return zero, false
	}
	v, ok := i.resumed.(R)
	if !ok {
		var zero R
		return zero, false
	}
	i.resumed, i.hasResumed = nil, false
	return v, true
}

// TakeResumedVal removes the pending resume value. If there is none, or it
// is not of type R, the instance terminates with TerminationYieldTypeMismatch.
func TakeResumedVal[R any](h *Handle) R {
	v, ok := TryTakeResumedVal[R](h)
	if !ok {
		panic(h.inst.terminating(&TerminationDetails{
			Kind: TerminationYieldTypeMismatch,
			Type: reflect.TypeOf((*R)(nil)).Elem().String(),
		}))
	}
	return v
}

// yield parks the guest goroutine until the host resumes or closes the
// instance.
func (h *Handle) yield(val any, expecting reflect.Type) {
	i := h.inst
	i.checkLive()

	i.mu.Lock()
	i.st = state{kind: StateYielding, yielded: val, expecting: expecting}
	i.resumed, i.hasResumed = nil, false
	i.mu.Unlock()
	i.log.Debug("instance yielded")

	i.events <- event{kind: eventYield}
	msg := <-i.resume
	if msg.kill {
		i.terminating(&TerminationDetails{Kind: TerminationRemote})
		runtime.Goexit()
	}
	// Memory may have been grown by the host while suspended.
	h.reconcileHeap()
}
