package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"catalogetl/internal/etlerr"
	"catalogetl/internal/records"
)

// Compression codecs.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// ManifestFile marks a complete relation directory.
const ManifestFile = "_SUCCESS"

// Manifest is written next to every data file. It depends only on the
// relation and the output settings, so identical inputs give identical bytes.
type Manifest struct {
	Relation    string   `json:"relation"`
	Format      string   `json:"format"`
	Compression string   `json:"compression"`
	File        string   `json:"file"`
	Rows        int      `json:"rows"`
	Columns     []string `json:"columns"`
	Fingerprint string   `json:"fingerprint"`
}

// FileOptions configure a FileSink.
type FileOptions struct {
	Format      string // jsonl (default) or csv
	Compression string // none (default) or zstd
}

// FileSink writes relations to <Dir>/<name>/part-00000.<ext> plus a manifest.
type FileSink struct {
	dir         string
	format      string
	compression string
	enc         encoder
}

// NewFileSink validates opt and returns a sink rooted at dir. The directory is
// created on first write.
func NewFileSink(dir string, opt FileOptions) (*FileSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("sink: output dir is empty")
	}
	enc, format, err := encoderFor(strings.ToLower(opt.Format))
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	comp := strings.ToLower(opt.Compression)
	switch comp {
	case "":
		comp = CompressionNone
	case CompressionNone, CompressionZstd:
	default:
		return nil, fmt.Errorf("sink: unknown compression %q (want none|zstd)", opt.Compression)
	}
	return &FileSink{dir: dir, format: format, compression: comp, enc: enc}, nil
}

// DataFile is the data file name used for every relation.
func (s *FileSink) DataFile() string {
	name := "part-00000." + s.format
	if s.compression == CompressionZstd {
		name += ".zst"
	}
	return name
}

// Path returns the directory a relation is written to.
func (s *FileSink) Path(name string) string { return filepath.Join(s.dir, name) }

// Write replaces <dir>/<rel.Name> with the encoded relation.
//
// The new contents are written into a sibling temp directory which is then
// renamed into place, so a reader sees either the previous or the new
// complete directory. Only Overwrite is accepted.
func (s *FileSink) Write(ctx context.Context, rel records.Relation, mode Mode) error {
	stage := "write " + rel.Name
	if mode != Overwrite {
		return etlerr.Newf(etlerr.Sink, stage, "file sink supports only %s (got %q)", Overwrite, mode)
	}
	if err := validName(rel.Name); err != nil {
		return etlerr.New(etlerr.Sink, stage, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return etlerr.New(etlerr.Sink, stage, fmt.Errorf("create output dir: %w", err))
	}

	tmp, err := os.MkdirTemp(s.dir, "."+rel.Name+".tmp-")
	if err != nil {
		return etlerr.New(etlerr.Sink, stage, fmt.Errorf("create temp dir: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	if err := s.writeData(filepath.Join(tmp, s.DataFile()), rel); err != nil {
		return etlerr.New(etlerr.Sink, stage, err)
	}

	m := Manifest{
		Relation:    rel.Name,
		Format:      s.format,
		Compression: s.compression,
		File:        s.DataFile(),
		Rows:        rel.Len(),
		Columns:     rel.Schema.Names(),
		Fingerprint: records.Fingerprint(rel),
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return etlerr.New(etlerr.Sink, stage, err)
	}
	if err := os.WriteFile(filepath.Join(tmp, ManifestFile), append(raw, '\n'), 0o644); err != nil {
		return etlerr.New(etlerr.Sink, stage, fmt.Errorf("write manifest: %w", err))
	}

	if err := swapDir(tmp, s.Path(rel.Name)); err != nil {
		return etlerr.New(etlerr.Sink, stage, err)
	}
	committed = true
	return nil
}

func (s *FileSink) writeData(path string, rel records.Relation) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create data file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close data file: %w", cerr)
		}
	}()

	var w io.Writer = f
	var zw *zstd.Encoder
	if s.compression == CompressionZstd {
		zw, err = zstd.NewWriter(f, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		w = zw
	}

	if err := s.enc(w, rel); err != nil {
		if zw != nil {
			_ = zw.Close()
		}
		return fmt.Errorf("encode %s: %w", s.format, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("zstd close: %w", err)
		}
	}
	return f.Sync()
}

// swapDir moves tmp to final, replacing any existing final directory.
func swapDir(tmp, final string) error {
	old := ""
	if _, err := os.Stat(final); err == nil {
		old = final + ".old-" + filepath.Base(tmp)
		if err := os.Rename(final, old); err != nil {
			return fmt.Errorf("move previous output aside: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", final, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		if old != "" {
			_ = os.Rename(old, final)
		}
		return fmt.Errorf("move new output into place: %w", err)
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("remove previous output: %w", err)
		}
	}
	return nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid relation name %q", name)
	}
	return nil
}

// ReadManifest reads the manifest of a written relation directory.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}
