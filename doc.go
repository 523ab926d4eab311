// Package wasmgate runs WebAssembly guests behind a checked host boundary.
//
// # Overview
//
// Host functions never touch a guest's linear memory, globals or
// per-instance state directly. Each hostcall receives an
// [instance.Handle], resolved from the raw context pointer of the calling
// instance, and borrows what it needs through it. Conflicting borrows,
// missing context types and mistyped resumes terminate the offending
// instance; the host and every other instance carry on.
//
// # Basic Usage
//
//	exec, _ := executor.New(nil) // built-in hostcalls
//	defer exec.Close()
//
//	prog, _ := executor.LoadProgram("guest.wasm")
//	result := exec.Run(ctx, prog, "main", nil)
//	fmt.Println(result.Run.Values)
//
// # Yield and Resume
//
// A hostcall can suspend its guest and hand a value to the host, which
// resumes it later with a value of the type the guest expects:
//
//	s, _ := exec.NewSession(ctx, prog)
//	r := s.Run(ctx, "main")
//	for r.Error == nil && r.Run.Yielded() {
//	    r = s.Resume(ctx, int64(1))
//	}
//
// See the [instance], [borrow], [hostfunc] and [executor] packages for the
// detailed API, and cmd/wasmgate for the CLI and HTTP server.
package wasmgate
