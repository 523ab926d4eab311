package instance

import (
	"context"
	"fmt"
	"unsafe"
)

// Vmctx is the opaque boundary pointer every hostcall is entered with. It is
// the address of an instance's anchor field; the instance itself lives
// vmctxOffset bytes below it.
type Vmctx uintptr

// instanceMagic tags live instances so a boundary pointer computed from
// garbage is caught before the instance is trusted.
const instanceMagic uint64 = 0x7761736d67617465

const vmctxOffset = unsafe.Offsetof(Instance{}.anchor)

// anchor gives the boundary pointer a distinct address inside Instance.
type anchor struct {
	_ [8]byte
}

func (i *Instance) vmctx() Vmctx {
	return Vmctx(uintptr(unsafe.Pointer(&i.anchor)))
}

// BoundaryFault is raised (as a panic) when a boundary pointer does not
// resolve to the instance currently executing on the scheduler. It indicates
// a runtime or embedding defect, never a condition guest code can cause
// legitimately.
type BoundaryFault struct {
	Vmctx  Vmctx
	Reason string
}

func (f *BoundaryFault) Error() string {
	return fmt.Sprintf("boundary fault at vmctx %#x: %s", uintptr(f.Vmctx), f.Reason)
}

// Scheduler is the "currently executing instance" slot of one dispatch
// goroutine. The dispatch loop enters it before calling into guest code and
// exits it when the call returns; hostcalls find it in their context.
type Scheduler struct {
	current *Instance
}

func (s *Scheduler) enter(i *Instance) {
	s.current = i
}

func (s *Scheduler) exit() {
	s.current = nil
}

// Current returns the instance executing on this scheduler, or nil.
func (s *Scheduler) Current() *Instance {
	return s.current
}

type schedulerKey struct{}

type vmctxKey struct{}

func withScheduler(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, schedulerKey{}, s)
}

// SchedulerFrom returns the scheduler a dispatch loop attached to ctx.
func SchedulerFrom(ctx context.Context) *Scheduler {
	s, _ := ctx.Value(schedulerKey{}).(*Scheduler)
	return s
}

func withVmctx(ctx context.Context, v Vmctx) context.Context {
	return context.WithValue(ctx, vmctxKey{}, v)
}

func vmctxFrom(ctx context.Context) Vmctx {
	v, _ := ctx.Value(vmctxKey{}).(Vmctx)
	return v
}

// resolve maps a boundary pointer back to its instance. The address is
// compared with the scheduler slot before anything is dereferenced, so a
// corrupted pointer is never followed.
func (s *Scheduler) resolve(v Vmctx) *Instance {
	if s == nil || s.current == nil {
		panic(&BoundaryFault{Vmctx: v, Reason: "no instance is executing on this scheduler"})
	}
	want := uintptr(unsafe.Pointer(s.current))
	if uintptr(v)-vmctxOffset != want {
		panic(&BoundaryFault{
			Vmctx:  v,
			Reason: fmt.Sprintf("resolves to %#x, executing instance is %#x", uintptr(v)-vmctxOffset, want),
		})
	}
	if s.current.magic != instanceMagic {
		panic(&BoundaryFault{Vmctx: v, Reason: "instance magic mismatch"})
	}
	return s.current
}
