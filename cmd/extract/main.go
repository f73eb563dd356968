// Command extract unpacks the dataset archive into a directory and reshapes
// its data.json into fixed_da.json for the transform step.
//
//	extract [-keep-archive] [-v] <archive_path> <extract_dir>
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

	"catalogetl/internal/etlerr"
	"catalogetl/internal/extract"
)

const usage = "usage: extract [flags] <archive_path> <extract_dir>"

type appDeps struct {
	extract func(ctx context.Context, archivePath, dir string, opt extract.Options) (extract.Result, error)
}

func defaultDeps() appDeps {
	return appDeps{extract: extract.Run}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	fs.SetOutput(stderr)

	keep := fs.Bool("keep-archive", false, "keep the archive after a successful extraction")
	verbose := fs.Bool("v", false, "verbose progress logs on stderr")
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

	opt := extract.Options{KeepArchive: *keep}
	if *verbose {
		opt.Logger = log.New(stderr, "extract: ", log.LstdFlags)
	}

	start := time.Now()
	res, err := deps.extract(ctx, fs.Arg(0), fs.Arg(1), opt)
	if err != nil {
		var se *etlerr.Error
		if errors.As(err, &se) {
			fmt.Fprintf(stderr, "run: %s failed: %s: %v\n", se.Stage, se.Kind, se.Err)
		} else {
			fmt.Fprintf(stderr, "run: %v\n", err)
		}
		return 1
	}
	if *verbose {
		fmt.Fprintf(stderr, "extract: files=%d keys=%d completed in %s\n",
			len(res.Files), res.Keys, time.Since(start).Truncate(time.Millisecond))
	}

	fmt.Fprintln(stdout, "ok")
	return 0
}
