package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tetratelabs/cellvm/api"
	"github.com/tetratelabs/cellvm/internal/cellir"
	"github.com/tetratelabs/cellvm/internal/wasm"
	"github.com/tetratelabs/cellvm/internal/wasm/binary"
)

func newInspectCommand(global *globalOptions) *cobra.Command {
	opts := &runtimeOptions{}
	var listing bool
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Print the imports, exports, memory and compiled functions of a WebAssembly binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.load(cmd.Flags()); err != nil {
				return err
			}
			source, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			features := wasm.FeaturesDefault.Set(wasm.FeatureThreads, opts.threads)
			limit := opts.memoryLimitPages
			if limit == 0 {
				limit = wasm.MemoryLimitPages
			}

			m, err := binary.DecodeModule(source, features)
			if err == nil {
				err = m.Validate(features, limit)
			}
			if err != nil {
				return err
			}
			funcs, err := cellir.CompileFunctions(features, m)
			if err != nil {
				return err
			}
			global.logger.Debug("inspected", zap.String("path", args[0]), zap.Int("functions", len(funcs)))

			printModule(cmd.OutOrStdout(), m, funcs, listing)
			return nil
		},
	}
	opts.addFlags(cmd.Flags(), false)
	cmd.Flags().BoolVar(&listing, "ir", false, "print the instructions of each compiled function")
	return cmd
}

func printModule(out io.Writer, m *wasm.Module, funcs []*cellir.CompiledFunction, listing bool) {
	if name := m.ModuleName(); name != "" {
		fmt.Fprintf(out, "name: %s\n", name)
	}
	fmt.Fprintf(out, "id: %x\n", m.ID[:8])

	if len(m.ImportSection) > 0 {
		fmt.Fprintln(out, "imports:")
		for _, im := range m.ImportSection {
			fmt.Fprintf(out, "  %s %s.%s%s\n", api.ExternTypeName(im.Type), im.Module, im.Name, importDesc(m, im))
		}
	}
	if len(m.ExportSection) > 0 {
		fmt.Fprintln(out, "exports:")
		for _, e := range m.ExportSection {
			fmt.Fprintf(out, "  %s %s[%d]\n", api.ExternTypeName(e.Type), e.Name, e.Index)
		}
	}
	if mem := m.MemoryType(); mem != nil {
		fmt.Fprintf(out, "memory: %s\n", memoryDesc(mem))
	}
	if t := m.TableType(); t != nil {
		if t.Max != nil {
			fmt.Fprintf(out, "table: min=%d max=%d\n", t.Min, *t.Max)
		} else {
			fmt.Fprintf(out, "table: min=%d\n", t.Min)
		}
	}
	if m.StartSection != nil {
		fmt.Fprintf(out, "start: %s\n", m.FuncDesc(*m.StartSection))
	}

	if len(funcs) > 0 {
		fmt.Fprintln(out, "functions:")
	}
	for _, f := range funcs {
		if listing {
			fmt.Fprint(out, cellir.Format(f))
			continue
		}
		fmt.Fprintf(out, "  %s %s max_stack_cell_num=%d max_block_num=%d\n",
			m.FuncDesc(f.Index), f.Type, f.MaxStackCellNum, f.MaxBlockNum)
	}
}

func importDesc(m *wasm.Module, im *wasm.Import) string {
	switch im.Type {
	case wasm.ExternTypeFunc:
		return " " + m.TypeSection[im.DescFunc].String()
	case wasm.ExternTypeMemory:
		return " " + memoryDesc(im.DescMem)
	case wasm.ExternTypeGlobal:
		if im.DescGlobal.Mutable {
			return " mut " + api.ValueTypeName(im.DescGlobal.ValType)
		}
		return " " + api.ValueTypeName(im.DescGlobal.ValType)
	}
	return ""
}

// memoryDesc formats the limits of a memory, ex. "min=1 (64KiB) max=2 (128KiB) shared".
func memoryDesc(mem *wasm.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "min=%d (%s)", mem.Min, pagesSize(mem.Min))
	if mem.IsMaxEncoded {
		fmt.Fprintf(&b, " max=%d (%s)", mem.Max, pagesSize(mem.Max))
	}
	if mem.IsShared {
		b.WriteString(" shared")
	}
	return b.String()
}

func pagesSize(pages uint32) string {
	return units.BytesSize(float64(uint64(pages) * uint64(wasm.MemoryPageSize)))
}
