package csv

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"golang.org/x/text/encoding/charmap"

	"catalogetl/internal/config"
	"catalogetl/internal/transformer"
)

func collect(t *testing.T, input io.Reader, columns []string, opt config.Options) ([]*transformer.Row, []int, error) {
	t.Helper()

	out := make(chan *transformer.Row, 64)
	var errLines []int
	err := StreamCSVRows(context.Background(), io.NopCloser(input), columns, opt, out, func(line int, _ error) {
		errLines = append(errLines, line)
	})
	close(out)

	var rows []*transformer.Row
	for r := range out {
		rows = append(rows, r)
	}
	return rows, errLines, err
}

func TestStreamCSVRows_HeaderNormalizationAndNulls(t *testing.T) {
	t.Parallel()

	input := "\ufeffID, Name ,Genres,Followers\n" +
		"a1,Alpha,\"['rock', 'pop']\",10\n" +
		"a2,,[],\n"

	rows, errLines, err := collect(t, strings.NewReader(input), []string{"id", "name", "genres"}, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(errLines) != 0 {
		t.Fatalf("onErr lines=%v", errLines)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(rows))
	}
	if rows[0].V[0] != "a1" || rows[0].V[1] != "Alpha" || rows[0].V[2] != "['rock', 'pop']" {
		t.Fatalf("row1=%#v", rows[0].V)
	}
	if rows[1].V[1] != nil {
		t.Fatalf("empty name=%#v, want nil", rows[1].V[1])
	}
	if rows[0].Line != 2 || rows[1].Line != 3 {
		t.Fatalf("lines=%d,%d want 2,3", rows[0].Line, rows[1].Line)
	}
}

func TestStreamCSVRows_MissingColumnIsNil(t *testing.T) {
	t.Parallel()

	rows, _, err := collect(t, strings.NewReader("id\nt1\n"), []string{"id", "popularity"}, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 1 || rows[0].V[0] != "t1" || rows[0].V[1] != nil {
		t.Fatalf("rows=%#v", rows)
	}
}

func TestStreamCSVRows_HeaderMapAndDelimiter(t *testing.T) {
	t.Parallel()

	opt := config.Options{
		"comma":      "\\t",
		"header_map": map[string]any{"artist id": "id"},
	}
	rows, _, err := collect(t, strings.NewReader("artist id\tname\na9\tNine\n"), []string{"id", "name"}, opt)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 1 || rows[0].V[0] != "a9" || rows[0].V[1] != "Nine" {
		t.Fatalf("rows=%#v", rows)
	}
}

func TestStreamCSVRows_Encoding(t *testing.T) {
	t.Parallel()

	raw, err := charmap.Windows1252.NewEncoder().String("id,name\na1,Beyoncé\n")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	rows, _, err := collect(t, bytes.NewReader([]byte(raw)), []string{"id", "name"}, config.Options{"encoding": "windows-1252"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 1 || rows[0].V[1] != "Beyoncé" {
		t.Fatalf("rows=%#v", rows)
	}
}

func TestStreamCSVRows_UnknownEncoding(t *testing.T) {
	t.Parallel()

	_, errLines, err := collect(t, strings.NewReader("id\n"), []string{"id"}, config.Options{"encoding": "klingon"})
	if err == nil || !strings.Contains(err.Error(), "unknown encoding") {
		t.Fatalf("err=%v, want unknown encoding", err)
	}
	if len(errLines) != 1 {
		t.Fatalf("onErr calls=%d, want 1", len(errLines))
	}
}

func TestStreamCSVRows_MalformedRecordReported(t *testing.T) {
	t.Parallel()

	input := "id,name\nt1,ok\nt2,\"broken\nt3,fine\n"
	_, errLines, err := collect(t, strings.NewReader(input), []string{"id", "name"}, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(errLines) == 0 {
		t.Fatalf("expected onErr for unterminated quote")
	}
}

func TestStreamCSVRows_EmptyInput(t *testing.T) {
	t.Parallel()

	_, _, err := collect(t, strings.NewReader(""), []string{"id"}, nil)
	if err == nil || !strings.Contains(err.Error(), "missing header") {
		t.Fatalf("err=%v, want missing header", err)
	}
}

func TestStreamCSVRows_NoHeaderPositional(t *testing.T) {
	t.Parallel()

	rows, _, err := collect(t, strings.NewReader("t1,x\n"), []string{"id", "name"}, config.Options{"has_header": false})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 1 || rows[0].V[0] != "t1" || rows[0].V[1] != "x" || rows[0].Line != 1 {
		t.Fatalf("rows=%#v", rows)
	}
}

func TestStreamCSVRows_PhysicalLineNumbers(t *testing.T) {
	t.Parallel()

	input := "id,name\nt1,\"two\nlines\"\nt2,x\n"
	rows, _, err := collect(t, strings.NewReader(input), []string{"id", "name"}, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(rows))
	}
	if rows[0].Line != 2 || rows[1].Line != 4 {
		t.Fatalf("lines=%d,%d want 2,4", rows[0].Line, rows[1].Line)
	}
	if rows[0].V[1] != "two\nlines" {
		t.Fatalf("name=%q", rows[0].V[1])
	}
}

func TestResolveColumns(t *testing.T) {
	t.Parallel()

	got := resolveColumns(
		[]string{"\ufeffID", " Artist Name ", "extra", "id"},
		[]string{"id", "artist_name", "genres", "label"},
		map[string]string{"extra": "label"},
	)
	want := []int{0, 1, -1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("colIx=%v, want %v", got, want)
		}
	}
}
