// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3"
)

const (
	defaultArgSamplingPeriodMs = 1
	defaultArgGPUCacheCapacity = 4096
)

var (
	pidHelp            = "PID of the target process to trace."
	contextSwitchHelp  = "Trace scheduler context-switch events for the target's threads."
	callstacksHelp     = "Sample and unwind user-space call stacks on a timer."
	instrumentHelp     = "Comma-separated list of binary:offset pairs to attach uprobe/uretprobe pairs to, " +
		"e.g. /usr/bin/myapp:0x4010a0,/usr/lib/libfoo.so:0x2200."
	gpuHelp            = "Correlate amdgpu submit/schedule/signal tracepoints into job spans."
	samplingPeriodHelp = "Call-stack sampling period, in milliseconds."
	gpuCacheHelp       = "Maximum number of in-flight gpu jobs tracked for correlation at once."
	verboseModeHelp    = "Enable verbose logging."
)

// arguments holds the parsed command-line configuration for tracedemo.
type arguments struct {
	pid          int
	traceSwitch  bool
	traceStacks  bool
	traceGPU     bool
	instrument   string
	samplingMs   uint
	gpuCacheSize uint
	verboseMode  bool

	fs *flag.FlagSet
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("tracedemo", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.BoolVar(&args.traceGPU, "gpu", false, gpuHelp)
	fs.UintVar(&args.gpuCacheSize, "gpu-cache-capacity", defaultArgGPUCacheCapacity, gpuCacheHelp)
	fs.StringVar(&args.instrument, "instrument", "", instrumentHelp)
	fs.IntVar(&args.pid, "pid", 0, pidHelp)
	fs.UintVar(&args.samplingMs, "sampling-period-ms", defaultArgSamplingPeriodMs, samplingPeriodHelp)
	fs.BoolVar(&args.traceStacks, "stacks", false, callstacksHelp)
	fs.BoolVar(&args.traceSwitch, "switches", false, contextSwitchHelp)
	fs.BoolVar(&args.verboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verboseMode, "verbose", false, verboseModeHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.fs = fs

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("TRACEDEMO"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
