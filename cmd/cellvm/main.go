package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tetratelabs/cellvm/internal/logging"
	"github.com/tetratelabs/cellvm/internal/version"
)

// errSilent fails a command whose error was already printed.
var errSilent = errors.New("")

func main() {
	os.Exit(doMain(os.Stdout, os.Stderr, os.Args[1:]))
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut, stdErr io.Writer, args []string) int {
	cmd := newRootCommand(stdOut, stdErr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		if err != errSilent {
			fmt.Fprintln(stdErr, err)
		}
		return 1
	}
	return 0
}

type globalOptions struct {
	logLevel string
	verbose  bool
	logger   *zap.Logger
}

func newRootCommand(stdOut, stdErr io.Writer) *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "cellvm",
		Short:         "cellvm CLI",
		Long:          "cellvm validates, inspects and runs WebAssembly 1.0 (20191205) binaries.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.logLevel == "" && !opts.verbose {
				opts.logger = logging.Logger()
				return nil
			}
			logger, err := logging.New(opts.logLevel, opts.verbose)
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			opts.logger = logger
			return nil
		},
	}
	cmd.SetOut(stdOut)
	cmd.SetErr(stdErr)

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error; logs nothing when unset")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log in development format, at debug level unless --log-level is set")

	cmd.AddCommand(
		newValidateCommand(opts),
		newInspectCommand(opts),
		newRunCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cellvm version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.GetVersion())
			return nil
		},
	}
}
