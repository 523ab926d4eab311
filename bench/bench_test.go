// Package bench measures the cost of crossing the host/guest boundary.
//
// Run with: go test -v -run=Test ./bench/
// Benchmarks: go test -bench=. ./bench/
package bench

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/caffeineduck/wasmgate/borrow"
	"github.com/caffeineduck/wasmgate/executor"
	"github.com/caffeineduck/wasmgate/instance"
	"github.com/caffeineduck/wasmgate/internal/testguest"
)

var (
	hostcallProg = executor.NewProgram("hostcall", testguest.HostcallModule())
	yieldProg    = executor.NewProgram("yield", testguest.YieldModule())
)

// --- Instance lifecycle ---

func BenchmarkColdStart(b *testing.B) {
	for i := 0; i < b.N; i++ {
		exec, _ := executor.New(executor.TestRegistry(nil))
		exec.Run(context.Background(), hostcallProg, "double", []uint64{1})
		exec.Close()
	}
}

func BenchmarkWarmStart(b *testing.B) {
	exec, _ := executor.New(executor.TestRegistry(nil))
	defer exec.Close()

	// First run to compile
	exec.Run(context.Background(), hostcallProg, "double", []uint64{1})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		exec.Run(context.Background(), hostcallProg, "double", []uint64{1})
	}
}

// --- Boundary crossings on a live instance ---

func newInstance(b *testing.B, fn instance.HostFunc, prog executor.Program) *instance.Instance {
	b.Helper()
	exec, err := executor.New(executor.TestRegistry(fn))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { exec.Close() })
	inst, err := exec.NewInstance(context.Background(), prog)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { inst.Close(context.Background()) })
	return inst
}

func BenchmarkRunNoHostcall(b *testing.B) {
	inst := newInstance(b, nil, hostcallProg)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		inst.Run(ctx, "double", 1)
	}
}

func BenchmarkRunHostcall(b *testing.B) {
	inst := newInstance(b, nil, hostcallProg)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		inst.Run(ctx, "run", 1)
	}
}

func BenchmarkRunHostcallHeap(b *testing.B) {
	inst := newInstance(b, func(h *instance.Handle, stack []uint64) {
		heap := h.HeapMut()
		heap.Get()[0]++
		heap.Release()
	}, hostcallProg)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		inst.Run(ctx, "run", 1)
	}
}

func BenchmarkYieldResume(b *testing.B) {
	inst := newInstance(b, nil, yieldProg)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		inst.Run(ctx, "run", 1)
		inst.ResumeWithVal(ctx, int64(2))
	}
}

// --- Borrow tracking alone ---

func BenchmarkBorrowShared(b *testing.B) {
	var c borrow.Cell
	for i := 0; i < b.N; i++ {
		g, _ := borrow.TryBorrow(&c, i)
		g.Release()
	}
}

func BenchmarkBorrowExclusive(b *testing.B) {
	var c borrow.Cell
	for i := 0; i < b.N; i++ {
		g, _ := borrow.TryBorrowMut(&c, i)
		g.Release()
	}
}

// =============================================================================
// COMPARISON TEST - Human readable output
// =============================================================================

func TestBoundaryCosts(t *testing.T) {
	fmt.Println()
	fmt.Printf("Platform: %s/%s, CPUs: %d\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	fmt.Println()

	measure := func(runs int, fn func()) time.Duration {
		var total time.Duration
		for i := 0; i < runs; i++ {
			start := time.Now()
			fn()
			total += time.Since(start)
		}
		return total / time.Duration(runs)
	}

	exec, err := executor.New(executor.TestRegistry(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer exec.Close()

	ctx := context.Background()
	inst, err := exec.NewInstance(ctx, yieldProg)
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close(ctx)

	const runs = 200
	rows := []struct {
		name string
		d    time.Duration
	}{
		{"instantiate + run + close", measure(runs, func() {
			exec.Run(ctx, hostcallProg, "double", []uint64{1})
		})},
		{"run to yield + resume", measure(runs, func() {
			inst.Run(ctx, "run", 1)
			inst.ResumeWithVal(ctx, int64(1))
		})},
	}

	fmt.Println("=== Boundary costs ===")
	for _, r := range rows {
		fmt.Printf("%-28s %v\n", r.name, r.d)
	}
	fmt.Println()
}

// =============================================================================
// DISK CACHE BENCHMARK (simulates CLI usage)
// =============================================================================

func TestDiskCacheBenefit(t *testing.T) {
	cacheDir, _ := os.MkdirTemp("", "wasmgate-bench-cache")
	defer os.RemoveAll(cacheDir)

	var times []time.Duration

	// Simulate 5 separate CLI invocations (each creates new executor)
	for i := 0; i < 5; i++ {
		start := time.Now()

		exec, _ := executor.New(executor.TestRegistry(nil), executor.WithDiskCache(cacheDir))
		exec.Run(context.Background(), hostcallProg, "double", []uint64{1})
		exec.Close()

		times = append(times, time.Since(start))
	}

	fmt.Println()
	fmt.Println("=== Disk Cache Benefit (simulated CLI calls) ===")
	for i, d := range times {
		label := "cached"
		if i == 0 {
			label = "compile"
		}
		fmt.Printf("Call %d (%s): %v\n", i+1, label, d)
	}
	fmt.Println()
}
