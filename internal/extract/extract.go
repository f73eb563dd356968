// Package extract unpacks the raw dataset archive and reshapes its
// recommendations document into newline-delimited JSON.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"catalogetl/internal/config"
	"catalogetl/internal/etlerr"
)

// DataFile is the nested recommendations document inside the archive.
const DataFile = "data.json"

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// Options control Run.
type Options struct {
	// KeepArchive leaves the archive in place after a successful extraction.
	KeepArchive bool
	Logger      Logger
}

// Result describes a completed extraction.
type Result struct {
	Files    []string // extracted paths relative to the target dir, archive order
	Keys     int      // lines written to the reshaped recommendations file
	Duration time.Duration
}

var (
	zipLocalHeader = []byte("PK\x03\x04")
	zipEmptyEOCD   = []byte("PK\x05\x06")
)

// Run extracts archivePath into dir, removes the archive unless
// opt.KeepArchive is set, and reshapes dir/data.json into
// dir/fixed_da.json. Every failure is an etlerr.Ingestion error.
func Run(ctx context.Context, archivePath, dir string, opt Options) (Result, error) {
	start := time.Now()
	logf := logger(opt.Logger)

	if err := checkSignature(archivePath); err != nil {
		return Result{}, etlerr.New(etlerr.Ingestion, "extract", err)
	}

	files, err := Unzip(ctx, archivePath, dir)
	if err != nil {
		return Result{}, etlerr.New(etlerr.Ingestion, "extract", err)
	}
	logf("stage=extract archive=%s dir=%s files=%d", archivePath, dir, len(files))

	if !opt.KeepArchive {
		if err := os.Remove(archivePath); err != nil {
			return Result{}, etlerr.New(etlerr.Ingestion, "extract", fmt.Errorf("remove archive: %w", err))
		}
	}

	src := filepath.Join(dir, DataFile)
	dst := filepath.Join(dir, config.RecommendationsFile)
	n, err := Reshape(ctx, src, dst)
	if err != nil {
		return Result{}, etlerr.New(etlerr.Ingestion, "reshape "+DataFile, err)
	}
	if err := os.Remove(src); err != nil {
		return Result{}, etlerr.New(etlerr.Ingestion, "reshape "+DataFile, fmt.Errorf("remove source: %w", err))
	}
	logf("stage=reshape src=%s dst=%s keys=%d", src, dst, n)

	return Result{Files: files, Keys: n, Duration: time.Since(start)}, nil
}

// checkSignature rejects anything that does not start like a ZIP file.
func checkSignature(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		return fmt.Errorf("file is not a valid ZIP: %s", path)
	}
	if !bytes.Equal(head, zipLocalHeader) && !bytes.Equal(head, zipEmptyEOCD) {
		return fmt.Errorf("file is not a valid ZIP: %s", path)
	}
	return nil
}

// Unzip extracts every entry of archivePath below dir and returns the
// extracted file names. Entries that would land outside dir are rejected
// before anything is written for them.
func Unzip(ctx context.Context, archivePath, dir string) ([]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}

	var files []string
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return files, err
		}

		target, err := safeJoin(dir, f.Name)
		if err != nil {
			return files, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, fmt.Errorf("create %s: %w", f.Name, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return files, err
		}
		files = append(files, filepath.ToSlash(f.Name))
	}
	return files, nil
}

func extractFile(f *zip.File, target string) (err error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", f.Name, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", f.Name, cerr)
		}
	}()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}

// safeJoin resolves name below dir, refusing absolute paths and any path
// that climbs out of dir.
func safeJoin(dir, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return "", fmt.Errorf("illegal path in archive: %q", name)
	}
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("illegal path in archive: %q", name)
	}
	return target, nil
}

var errMissingData = errors.New("missing " + DataFile)

func logger(l Logger) func(format string, v ...any) {
	if l == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return l.Printf
}
