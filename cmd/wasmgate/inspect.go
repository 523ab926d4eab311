package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero/api"

	"github.com/caffeineduck/wasmgate/internal/wasmbin"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <module.wasm>",
		Short: "List a module's exports, globals and function tables",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	bin, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	info, err := wasmbin.Scan(bin)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "exports:")
	for _, e := range info.Exports {
		fmt.Fprintf(out, "  %-8s %s (index %d)\n", api.ExternTypeName(e.Kind), e.Name, e.Index)
	}

	fmt.Fprintln(out, "globals:")
	for i, g := range info.Globals() {
		fmt.Fprintf(out, "  %d: %s\n", i, g.Name)
	}

	funcs := info.Functions()
	for _, t := range info.Tables {
		fmt.Fprintf(out, "table %d (size %d):\n", t.Index, t.Size)
		slots := make([]uint32, 0, len(t.Slots))
		for slot := range t.Slots {
			slots = append(slots, slot)
		}
		sort.Slice(slots, func(a, b int) bool { return slots[a] < slots[b] })
		for _, slot := range slots {
			fn := t.Slots[slot]
			name := funcs[fn]
			if name == "" {
				name = "<not exported>"
			}
			fmt.Fprintf(out, "  [%d] func %d %s\n", slot, fn, name)
		}
	}
	return nil
}
