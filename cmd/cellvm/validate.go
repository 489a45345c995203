package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/tetratelabs/cellvm"
)

func newValidateCommand(global *globalOptions) *cobra.Command {
	opts := &runtimeOptions{}
	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Load and validate WebAssembly binaries",
		Long:  "Decodes, validates and compiles each binary. Exits with status 1 when any binary fails.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, paths []string) error {
			if err := opts.load(cmd.Flags()); err != nil {
				return err
			}
			ctx := cmd.Context()
			r := cellvm.NewRuntimeWithConfig(ctx, opts.runtimeConfig().
				WithLogger(global.logger).
				WithCompilationCacheSize(len(paths)))
			defer r.Close(ctx)

			errs := validateFiles(ctx, r, paths)
			out := cmd.OutOrStdout()
			for i, path := range paths {
				if errs[i] != nil {
					fmt.Fprintf(out, "%s: %v\n", path, errs[i])
				} else {
					fmt.Fprintf(out, "%s: ok\n", path)
				}
			}
			if multierr.Combine(errs...) != nil {
				return errSilent
			}
			return nil
		},
	}
	opts.addFlags(cmd.Flags(), false)
	return cmd
}

// validateFiles returns the error of each path, index-correlated.
func validateFiles(ctx context.Context, r cellvm.Runtime, paths []string) []error {
	errs := make([]error, len(paths))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			source, err := os.ReadFile(path)
			if err == nil {
				_, err = r.CompileModule(ctx, source)
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
