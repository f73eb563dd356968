// Command transform reads the extracted catalog files, derives the cleaned
// and analytical relations, and writes them under an output directory.
//
//	transform [-config path] [-strict] [-format jsonl|csv] [-compression none|zstd]
//	          [-load] [-metrics-backend none|datadog] [-v] <input_dir> <output_dir>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"catalogetl/internal/config"
	"catalogetl/internal/etlerr"
	"catalogetl/internal/metrics"
	"catalogetl/internal/metrics/datadog"
	"catalogetl/internal/pipeline"

	// register every relational backend; the job picks one by kind.
	_ "catalogetl/internal/storage/all"
)

const usage = "usage: transform [flags] <input_dir> <output_dir>"

// runner is the part of *pipeline.Runner the CLI needs.
type runner interface {
	Run(ctx context.Context, job config.Job) (pipeline.Result, error)
}

// metricsBackend is what initMetrics owns after wiring a backend.
type metricsBackend interface {
	Close() error
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	readFile    func(path string) ([]byte, error)
	decode      func(path string, raw []byte, j *config.Job) error
	applyEnv    func(j *config.Job) error
	newRunner   func(logger pipeline.Logger) runner
	initMetrics func(ctx context.Context, jobName, backendName string) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		readFile: os.ReadFile,
		decode:   config.Decode,
		applyEnv: config.ApplyEnv,
		newRunner: func(logger pipeline.Logger) runner {
			return pipeline.NewDefaultRunner(logger)
		},
		initMetrics: initMetrics,
	}
}

// Package-level seams for initMetrics.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		b, err := datadog.NewBackend(ctx, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = log.Printf
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runMain returns the process exit code: 0 on success, 1 on failure, 2 on
// usage errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("transform", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath     string
		strict      bool
		format      string
		compression string
		load        bool
		backendName string
		verbose     bool
	)
	fs.StringVar(&cfgPath, "config", "", "optional job config (.json, .yaml or .yml)")
	fs.BoolVar(&strict, "strict", false, "fail on the first field that cannot be coerced")
	fs.StringVar(&format, "format", "", "output format: jsonl|csv (default from config, else jsonl)")
	fs.StringVar(&compression, "compression", "", "output compression: none|zstd")
	fs.BoolVar(&load, "load", false, "also load the outputs into the configured database")
	fs.StringVar(&backendName, "metrics-backend", "", "metrics backend: none|datadog (default $METRICS_BACKEND, else none)")
	fs.BoolVar(&verbose, "v", false, "verbose progress logs on stderr")
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 2 || strings.TrimSpace(fs.Arg(0)) == "" || strings.TrimSpace(fs.Arg(1)) == "" {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	inputDir, outputDir := fs.Arg(0), fs.Arg(1)

	job := config.Default(inputDir, outputDir)
	if cfgPath != "" {
		raw, err := deps.readFile(cfgPath)
		if err != nil {
			fmt.Fprintf(stderr, "read config: %v\n", err)
			return 1
		}
		if err := deps.decode(cfgPath, raw, &job); err != nil {
			fmt.Fprintf(stderr, "parse config: %v\n", err)
			return 1
		}
	}
	if err := deps.applyEnv(&job); err != nil {
		fmt.Fprintf(stderr, "parse config: %v\n", err)
		return 1
	}

	// The positional output dir always wins over the config file.
	job.Output.Dir = outputDir
	if strict {
		job.Runtime.Strict = true
	}
	if format != "" {
		job.Output.Format = format
	}
	if compression != "" {
		job.Output.Compression = compression
	}
	if load {
		job.Load.Enabled = true
	}
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}

	cleanup, err := deps.initMetrics(ctx, job.Job, backendName)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	var logger pipeline.Logger
	if verbose {
		logger = log.New(stderr, "transform: ", log.LstdFlags)
	}

	start := time.Now()
	res, err := deps.newRunner(logger).Run(ctx, job)
	if err != nil {
		fmt.Fprintf(stderr, "run: %s\n", describe(err))
		return 1
	}
	if verbose {
		fmt.Fprintf(stderr, "transform: run_id=%s outputs=%d completed in %s\n",
			res.RunID, len(res.Outputs), time.Since(start).Truncate(time.Millisecond))
	}

	fmt.Fprintln(stdout, "ok")
	return 0
}

// describe renders a stage error as "<stage> failed: <kind>: <cause>".
func describe(err error) string {
	var se *etlerr.Error
	if errors.As(err, &se) {
		if se.Err == nil {
			return fmt.Sprintf("%s failed: %s", se.Stage, se.Kind)
		}
		return fmt.Sprintf("%s failed: %s: %v", se.Stage, se.Kind, se.Err)
	}
	return err.Error()
}

// initMetrics wires the named backend into internal/metrics and returns its
// cleanup. cleanup is never nil, even on error.
func initMetrics(ctx context.Context, jobName, backendName string) (func(), error) {
	noop := func() {}

	switch strings.ToLower(strings.TrimSpace(backendName)) {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		tags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return noop, fmt.Errorf("datadog: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none|datadog)", backendName)
	}
}
