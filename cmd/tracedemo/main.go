// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// tracedemo is a minimal command-line front end for the tracer package: it
// attaches to a single target pid and logs the engine's stats window until
// interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/linuxtracer/proctracer/listener"
	"github.com/linuxtracer/proctracer/tracer"
	"github.com/linuxtracer/proctracer/util"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go's flag package calls os.Exit(2) on a parse error when ExitOnError is set.
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		return parseError("failed to parse arguments: %v", err)
	}

	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
	}

	if code := sanityCheck(args); code != exitSuccess {
		return code
	}

	fns, err := parseInstrumentedFunctions(args.instrument)
	if err != nil {
		return parseError("failed to parse -instrument: %v", err)
	}

	cfg := tracer.Config{
		TargetPID:              util.PID(args.pid),
		SamplingPeriodNs:       uint64(args.samplingMs) * 1_000_000,
		TraceContextSwitches:   args.traceSwitch,
		TraceCallstacks:        args.traceStacks,
		TraceInstrumentedFuncs: len(fns) > 0,
		TraceGPUDriverEvents:   args.traceGPU,
		InstrumentedFunctions:  fns,
		GPUCacheCapacity:       uint32(args.gpuCacheSize),
		Listener:               logListener{},
	}
	if cfg.TraceCallstacks || cfg.TraceInstrumentedFuncs {
		cfg.Unwinder = frameUnwinder{}
	}

	trc, err := tracer.New(cfg)
	if err != nil {
		return failure("failed to construct tracer: %v", err)
	}
	log.Infof("tracedemo: attached to pid %d", args.pid)

	var exit atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("tracedemo: signal received, stopping")
		exit.Store(true)
	}()

	if err := trc.Run(&exit); err != nil {
		return failure("tracer run failed: %v", err)
	}

	log.Info("tracedemo: exiting")
	return exitSuccess
}

func sanityCheck(args *arguments) exitCode {
	if args.pid <= 0 {
		return parseError("a target -pid greater than zero is required")
	}
	return exitSuccess
}

// parseInstrumentedFunctions parses a comma-separated binary:offset list, as
// produced by -instrument. The virtual address is left zero: a real caller
// would resolve it from the target's own memory map once attached, which
// tracedemo does not attempt.
func parseInstrumentedFunctions(spec string) ([]tracer.InstrumentedFunction, error) {
	if spec == "" {
		return nil, nil
	}
	var fns []tracer.InstrumentedFunction
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed entry %q, want binary:offset", entry)
		}
		offset, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed offset in %q: %w", entry, err)
		}
		fns = append(fns, tracer.InstrumentedFunction{BinaryPath: parts[0], FileOffset: offset})
	}
	return fns, nil
}

func parseError(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}

// logListener is a listener.Listener that logs every callback at debug
// level, enough to see the engine producing events without wiring a real
// downstream consumer.
type logListener struct{}

func (logListener) OnTID(tid util.TID) {
	log.Debugf("tid live: %d", tid)
}

func (logListener) OnThreadName(tid util.TID, name string) {
	log.Debugf("tid %d named %q", tid, name)
}

func (logListener) OnContextSwitchIn(tid util.TID, cpu int, time uint64) {
	log.Debugf("switch-in tid=%d cpu=%d time=%d", tid, cpu, time)
}

func (logListener) OnContextSwitchOut(tid util.TID, cpu int, time uint64) {
	log.Debugf("switch-out tid=%d cpu=%d time=%d", tid, cpu, time)
}

func (logListener) OnCallstack(tid util.TID, time uint64, frames []listener.Frame) {
	log.Debugf("callstack tid=%d time=%d depth=%d", tid, time, len(frames))
}

func (logListener) OnFunctionCall(tid util.TID, fn listener.FunctionID, entry, exit uint64) {
	log.Debugf("function-call tid=%d fn=%d entry=%d exit=%d", tid, fn, entry, exit)
}

func (logListener) OnGPUJob(submit, schedule, signal, context, seqno uint64, tid util.TID) {
	log.Debugf("gpu-job ctx=%d seqno=%d tid=%d submit=%d schedule=%d signal=%d",
		context, seqno, tid, submit, schedule, signal)
}

func (logListener) OnLost(ringBufferName string, count uint64) {
	log.Warnf("lost %d records on %s", count, ringBufferName)
}
