package main

import (
	"fmt"
	"math"
	"os"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml"
	"github.com/spf13/pflag"

	"github.com/tetratelabs/cellvm"
)

// fileConfig is the TOML file passed with --config. Flags set on the command line take precedence.
//
//	stack_size = "64KiB"
//	heap_size = "1MiB"
//	memory_limit_pages = 256
//	call_stack_ceiling = 1000
//	threads = true
//	metrics_addr = "127.0.0.1:9090"
type fileConfig struct {
	StackSize        string `toml:"stack_size"`
	HeapSize         string `toml:"heap_size"`
	MemoryLimitPages uint32 `toml:"memory_limit_pages"`
	CallStackCeiling int    `toml:"call_stack_ceiling"`
	Threads          bool   `toml:"threads"`
	MetricsAddr      string `toml:"metrics_addr"`
}

// runtimeOptions are the settings shared by commands that compile or run modules.
type runtimeOptions struct {
	configPath       string
	stackSize        string
	heapSize         string
	memoryLimitPages uint32
	callStackCeiling int
	threads          bool
	metricsAddr      string
}

func (o *runtimeOptions) addFlags(flags *pflag.FlagSet, withInstance bool) {
	flags.StringVar(&o.configPath, "config", "", "path to a TOML config file")
	flags.Uint32Var(&o.memoryLimitPages, "memory-limit-pages", 0, "maximum pages of a memory (default 65536)")
	flags.BoolVar(&o.threads, "threads", false, "enable shared memories and atomic instructions")
	if !withInstance {
		return
	}
	flags.StringVar(&o.stackSize, "stack-size", "", "operand stack size of a call, ex. 64KiB (default 16KiB)")
	flags.StringVar(&o.heapSize, "heap-size", "", "embedded heap appended to linear memory, ex. 1MiB (default none)")
	flags.IntVar(&o.callStackCeiling, "call-stack-ceiling", 0, "maximum call depth (default 2000)")
	flags.StringVar(&o.metricsAddr, "metrics-addr", "", "serve prometheus metrics at this address while running")
}

// load fills the options not set on the command line from the config file, if any.
func (o *runtimeOptions) load(flags *pflag.FlagSet) error {
	if o.configPath == "" {
		return nil
	}
	data, err := os.ReadFile(o.configPath)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err = toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("invalid config %s: %w", o.configPath, err)
	}

	unset := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && !f.Changed
	}
	if unset("stack-size") && fc.StackSize != "" {
		o.stackSize = fc.StackSize
	}
	if unset("heap-size") && fc.HeapSize != "" {
		o.heapSize = fc.HeapSize
	}
	if unset("memory-limit-pages") && fc.MemoryLimitPages != 0 {
		o.memoryLimitPages = fc.MemoryLimitPages
	}
	if unset("call-stack-ceiling") && fc.CallStackCeiling != 0 {
		o.callStackCeiling = fc.CallStackCeiling
	}
	if unset("threads") {
		o.threads = o.threads || fc.Threads
	}
	if unset("metrics-addr") && fc.MetricsAddr != "" {
		o.metricsAddr = fc.MetricsAddr
	}
	return nil
}

func (o *runtimeOptions) runtimeConfig() cellvm.RuntimeConfig {
	c := cellvm.NewRuntimeConfig().WithFeatureThreads(o.threads)
	if o.memoryLimitPages != 0 {
		c = c.WithMemoryLimitPages(o.memoryLimitPages)
	}
	if o.callStackCeiling != 0 {
		c = c.WithCallStackCeiling(o.callStackCeiling)
	}
	return c
}

func (o *runtimeOptions) moduleConfig() (cellvm.ModuleConfig, error) {
	c := cellvm.NewModuleConfig()
	if o.stackSize != "" {
		size, err := parseSize("stack-size", o.stackSize)
		if err != nil {
			return nil, err
		}
		c = c.WithStackSize(size)
	}
	if o.heapSize != "" {
		size, err := parseSize("heap-size", o.heapSize)
		if err != nil {
			return nil, err
		}
		c = c.WithHeapSize(size)
	}
	return c, nil
}

// parseSize parses a human size, ex. "64KiB" or "1MB", into bytes.
func parseSize(name, s string) (uint32, error) {
	size, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if size < 0 || size > math.MaxUint32 {
		return 0, fmt.Errorf("invalid %s: %s is outside [0, 4GiB)", name, s)
	}
	return uint32(size), nil
}
