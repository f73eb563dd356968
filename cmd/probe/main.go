// Command probe samples the start of each catalog input and prints a
// per-column report: null counts, distinct counts, and duplicate ids.
//
//	probe [-config path] [-bytes n] <input_dir>
//
// Inputs resolve the same way as for transform: the default file names under
// input_dir, overridden by the config file's inputs when -config is given.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"catalogetl/internal/config"
	"catalogetl/internal/pipeline"
	"catalogetl/internal/probe"
)

const usage = "usage: probe [flags] <input_dir>"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath string
		n       int
	)
	fs.StringVar(&cfgPath, "config", "", "optional job config (.json, .yaml or .yml)")
	fs.IntVar(&n, "bytes", probe.DefaultSampleBytes, "number of bytes to sample from the start of each input")
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
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	if n <= 0 {
		fmt.Fprintln(stderr, "-bytes must be > 0")
		return 2
	}

	// The output dir is unused; probing writes nothing.
	job := config.Default(fs.Arg(0), "")
	if cfgPath != "" {
		raw, err := os.ReadFile(cfgPath)
		if err != nil {
			fmt.Fprintf(stderr, "read config: %v\n", err)
			return 1
		}
		if err := config.Decode(cfgPath, raw, &job); err != nil {
			fmt.Fprintf(stderr, "parse config: %v\n", err)
			return 1
		}
	}

	// Probing should be quick; a hung input is a failure, not a wait.
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	reports, err := probe.Probe(ctx, pipeline.Sources(job), probe.Options{SampleBytes: n})
	if err != nil {
		fmt.Fprintf(stderr, "probe: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, probe.Format(reports))
	return 0
}
