package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tetratelabs/cellvm"
	"github.com/tetratelabs/cellvm/api"
)

func newRunCommand(global *globalOptions) *cobra.Command {
	opts := &runtimeOptions{}
	var invoke string
	cmd := &cobra.Command{
		Use:   "run FILE --invoke NAME [ARGS...]",
		Short: "Instantiate a WebAssembly binary and call one of its exported functions",
		Long: `Instantiates the binary, which runs its start function, then calls the function exported as NAME with ARGS.
Each argument is parsed as the corresponding parameter type and each result is printed on its own line.
When the call traps, the exception is printed and the exit status is 1.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.load(cmd.Flags()); err != nil {
				return err
			}
			if invoke == "" {
				return errors.New("missing --invoke")
			}
			return runFile(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), global.logger, opts, args[0], invoke, args[1:])
		},
	}
	opts.addFlags(cmd.Flags(), true)
	cmd.Flags().StringVar(&invoke, "invoke", "", "name of the exported function to call")
	return cmd
}

func runFile(ctx context.Context, stdOut, stdErr io.Writer, logger *zap.Logger, opts *runtimeOptions,
	path, invoke string, args []string,
) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	mConfig, err := opts.moduleConfig()
	if err != nil {
		return err
	}

	rConfig := opts.runtimeConfig().WithLogger(logger)
	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		rConfig = rConfig.WithMetricsRegisterer(reg)
		stop, err := serveMetrics(opts.metricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	r := cellvm.NewRuntimeWithConfig(ctx, rConfig)
	defer r.Close(ctx)

	compiled, err := r.CompileModule(ctx, source)
	if err != nil {
		return err
	}
	mod, err := r.InstantiateModule(ctx, compiled, mConfig)
	if err != nil {
		return err
	}

	fn := mod.ExportedFunction(invoke)
	if fn == nil {
		return fmt.Errorf("function %q is not exported", invoke)
	}
	params, err := parseParams(fn.Definition().ParamTypes(), args)
	if err != nil {
		return err
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		if exception := mod.Exception(); exception != "" {
			fmt.Fprintln(stdErr, exception)
		} else {
			fmt.Fprintln(stdErr, err)
		}
		return errSilent
	}
	for i, t := range fn.Definition().ResultTypes() {
		fmt.Fprintln(stdOut, formatResult(t, results[i]))
	}
	return nil
}

// serveMetrics serves the registry on addr until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid metrics-addr: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return func() { _ = srv.Close() }, nil
}

func parseParams(types []api.ValueType, args []string) ([]uint64, error) {
	if len(types) != len(args) {
		return nil, fmt.Errorf("expected %d params, but passed %d", len(types), len(args))
	}
	params := make([]uint64, len(args))
	for i, arg := range args {
		v, err := parseParam(types[i], arg)
		if err != nil {
			return nil, fmt.Errorf("invalid param[%d] %q: %w", i, arg, err)
		}
		params[i] = v
	}
	return params, nil
}

// parseParam accepts signed or unsigned integers for i32 and i64.
func parseParam(t api.ValueType, arg string) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		if v, err := strconv.ParseInt(arg, 0, 32); err == nil {
			return api.EncodeI32(int32(v)), nil
		}
		v, err := strconv.ParseUint(arg, 0, 32)
		return v, err
	case api.ValueTypeI64:
		if v, err := strconv.ParseInt(arg, 0, 64); err == nil {
			return api.EncodeI64(v), nil
		}
		return strconv.ParseUint(arg, 0, 64)
	case api.ValueTypeF32:
		v, err := strconv.ParseFloat(arg, 32)
		return api.EncodeF32(float32(v)), err
	case api.ValueTypeF64:
		v, err := strconv.ParseFloat(arg, 64)
		return api.EncodeF64(v), err
	}
	return 0, fmt.Errorf("unsupported type %s", api.ValueTypeName(t))
}

func formatResult(t api.ValueType, v uint64) string {
	switch t {
	case api.ValueTypeI32:
		return strconv.FormatInt(int64(int32(v)), 10)
	case api.ValueTypeI64:
		return strconv.FormatInt(int64(v), 10)
	case api.ValueTypeF32:
		return strconv.FormatFloat(float64(api.DecodeF32(v)), 'g', -1, 32)
	case api.ValueTypeF64:
		return strconv.FormatFloat(api.DecodeF64(v), 'g', -1, 64)
	}
	return strconv.FormatUint(v, 16)
}
