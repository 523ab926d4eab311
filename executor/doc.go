// Package executor compiles guest modules, instantiates them behind a
// boundary handle and drives them through run, yield and resume.
//
// # Overview
//
// An [Executor] owns one wazero runtime. The host functions of a
// [hostfunc.Registry] are bound into it once, as the import module guests
// link against. Compiled modules are cached by program name, and an optional
// on-disk compilation cache speeds up CLI startup.
//
// # Basic Usage
//
//	exec, err := executor.New(nil) // built-in hostcalls
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	prog, _ := executor.LoadProgram("guest.wasm")
//	result := exec.Run(ctx, prog, "main", nil,
//	    executor.WithKV(hostfunc.NewKV(hostfunc.DefaultKVConfig())),
//	    executor.WithResumer(func(y instance.YieldedVal) (any, bool) {
//	        return y.Value.(int64) * 2, true
//	    }))
//
// # Sessions
//
// A [Session] keeps one instance across calls, so a guest that yields in
// one request can be resumed by the next:
//
//	s, _ := exec.NewSession(ctx, prog)
//	defer s.Close()
//
//	r := s.Run(ctx, "main")
//	if r.Run.Yielded() {
//	    r = s.Resume(ctx, int64(7))
//	}
//
// Only one call runs on a session at a time; a concurrent call fails with
// [ErrSessionBusy]. A call that exceeds the session timeout terminates the
// instance.
//
// # Metrics
//
// [WithMetrics] registers Prometheus collectors for compiles, instances,
// open sessions and run outcomes.
package executor
