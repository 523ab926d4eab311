package instance

import "reflect"

// YieldPending yields like YieldValExpectingVal but leaves the resume value
// pending for the caller to take.
func YieldPending(h *Handle, val any, expecting reflect.Type) {
	h.yield(val, expecting)
}
