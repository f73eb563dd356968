package extract

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Reshape streams the single top-level JSON object in src into dst as one
// {"<key>": <value>} object per line, in document order, and returns the
// number of lines written.
//
// The document is walked token by token; only one member value is held in
// memory at a time. dst is written through a temp file and renamed into
// place, so a failed reshape never leaves a partial file behind.
func Reshape(ctx context.Context, src, dst string) (n int, err error) {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %w", errMissingData, err)
		}
		return 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriterSize(tmp, 1<<16)
	n, err = reshape(ctx, bufio.NewReaderSize(in, 1<<16), w)
	if err != nil {
		return 0, err
	}
	if err = w.Flush(); err != nil {
		return 0, fmt.Errorf("flush: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp: %w", err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return 0, fmt.Errorf("rename: %w", err)
	}
	return n, nil
}

func reshape(ctx context.Context, r io.Reader, w io.Writer) (int, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", DataFile, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return 0, fmt.Errorf("%s: top-level value must be an object", DataFile)
	}

	var (
		n    int
		line bytes.Buffer
		val  bytes.Buffer
	)
	for dec.More() {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
		}

		kt, err := dec.Token()
		if err != nil {
			return n, fmt.Errorf("read key: %w", err)
		}
		key, _ := kt.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return n, fmt.Errorf("decode value of %q: %w", key, err)
		}
		val.Reset()
		if err := json.Compact(&val, raw); err != nil {
			return n, fmt.Errorf("compact value of %q: %w", key, err)
		}

		k, err := json.Marshal(key)
		if err != nil {
			return n, err
		}
		line.Reset()
		line.WriteByte('{')
		line.Write(k)
		line.WriteString(": ")
		line.Write(val.Bytes())
		line.WriteString("}\n")
		if _, err := w.Write(line.Bytes()); err != nil {
			return n, fmt.Errorf("write: %w", err)
		}
		n++
	}

	if _, err := dec.Token(); err != nil {
		return n, fmt.Errorf("read %s: %w", DataFile, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return n, fmt.Errorf("%s: trailing data after top-level object", DataFile)
	}
	return n, nil
}
