package pipeline

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"catalogetl/internal/catalog"
	"catalogetl/internal/config"
	"catalogetl/internal/etlerr"
	"catalogetl/internal/reader"
	"catalogetl/internal/records"
	"catalogetl/internal/sink"
	"catalogetl/internal/storage"
	_ "catalogetl/internal/storage/sqlite"
)

type fakeLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *fakeLogger) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, fmt.Sprintf(format, v...))
}

func (l *fakeLogger) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

type fakeLoader struct {
	mu     sync.Mutex
	tables []string
	modes  []storage.Mode
	failOn string
	closed atomic.Int64
}

func (l *fakeLoader) Close() { l.closed.Add(1) }

func (l *fakeLoader) LoadTable(ctx context.Context, spec storage.TableSpec, rows [][]any, mode storage.Mode) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if spec.Name == l.failOn {
		return 0, errors.New("disk full")
	}
	l.tables = append(l.tables, spec.Name)
	l.modes = append(l.modes, mode)
	return int64(len(rows)), nil
}

type inputFiles struct {
	artists, tracks, recs string
}

var scenario = inputFiles{
	artists: "id,followers,genres,name,popularity\n" +
		"a1,10,\"['rock']\",Alpha,50\n",
	tracks: "id,name,popularity,duration_ms,explicit,artists,id_artists\n" +
		"t1,Song,40,1000,0,\"['Alpha']\",\"['a1']\"\n",
	recs: "{\"t1\": [\"t2\", \"t3\"]}\n",
}

func writeInputs(t *testing.T, in inputFiles) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{
		config.ArtistsFile:         in.artists,
		config.TracksFile:          in.tracks,
		config.RecommendationsFile: in.recs,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func newTestRunner(logger Logger) *Runner {
	r := NewDefaultRunner(logger)
	r.NewRunID = func() string { return "run-1" }
	return r
}

func readJSONL(t *testing.T, outDir, relation string) []map[string]any {
	t.Helper()
	f, err := os.Open(filepath.Join(outDir, relation, "part-00000.jsonl"))
	if err != nil {
		t.Fatalf("open %s: %v", relation, err)
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("decode %s line %q: %v", relation, sc.Text(), err)
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan %s: %v", relation, err)
	}
	return out
}

func TestRun_SingleRecordScenario(t *testing.T) {
	t.Parallel()

	in := writeInputs(t, scenario)
	out := filepath.Join(t.TempDir(), "out")
	logger := &fakeLogger{}

	res, err := newTestRunner(logger).Run(context.Background(), config.Default(in, out))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RunID != "run-1" {
		t.Fatalf("RunID=%q", res.RunID)
	}

	var names []string
	for _, o := range res.Outputs {
		names = append(names, o.Name)
	}
	if !reflect.DeepEqual(names, catalog.OutputNames()) {
		t.Fatalf("outputs=%v, want %v", names, catalog.OutputNames())
	}

	master := readJSONL(t, out, catalog.MasterTable)
	if len(master) != 1 {
		t.Fatalf("master rows=%d, want 1", len(master))
	}
	m := master[0]
	// name is the track's, artist_name the joined artist's.
	if m["id"] != "t1" || m["name"] != "Song" || m["artist_id"] != "a1" || m["artist_name"] != "Alpha" {
		t.Fatalf("master=%v", m)
	}
	if !reflect.DeepEqual(m["genres"], []any{"rock"}) || !reflect.DeepEqual(m["recommendations"], []any{"t2", "t3"}) {
		t.Fatalf("master sequences=%v / %v", m["genres"], m["recommendations"])
	}

	exploded := readJSONL(t, out, catalog.RecommendationExploded)
	want := []map[string]any{
		{"id": "t1", "recommended_track_id": "t2"},
		{"id": "t1", "recommended_track_id": "t3"},
	}
	if !reflect.DeepEqual(exploded, want) {
		t.Fatalf("recommendation_exploded=%v, want %v", exploded, want)
	}

	man, err := sink.ReadManifest(filepath.Join(out, catalog.MasterTable))
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if man.Relation != catalog.MasterTable || man.Rows != 1 {
		t.Fatalf("manifest=%+v", man)
	}

	if !logger.contains("stage=read relation=artists rows=1") || !logger.contains("stage=done") {
		t.Fatalf("missing stage log lines: %v", logger.msgs)
	}
}

func TestRun_IdempotentOutputs(t *testing.T) {
	t.Parallel()

	in := writeInputs(t, inputFiles{
		artists: scenario.artists + "a2,1,[],Beta,3\na1,99,\"['dup']\",Alpha2,1\n",
		tracks: scenario.tracks +
			"t2,Other,10,1,0,\"['Beta']\",\"['a2', 'a9']\"\n" +
			"t3,Third,5,1,0,[],[]\n",
		recs: scenario.recs + "{\"t2\": []}\n",
	})

	job := func(out string) config.Job {
		j := config.Default(in, out)
		j.Runtime.JoinPartitions = 3
		j.Runtime.ReadWorkers = 4
		j.Output.Compression = sink.CompressionZstd
		return j
	}

	outA := filepath.Join(t.TempDir(), "a")
	outB := filepath.Join(t.TempDir(), "b")
	r := NewDefaultRunner(nil)
	if _, err := r.Run(context.Background(), job(outA)); err != nil {
		t.Fatalf("run A: %v", err)
	}
	first := snapshotTree(t, outA)

	// A re-run over existing outputs must leave the tree byte-identical.
	if _, err := r.Run(context.Background(), job(outA)); err != nil {
		t.Fatalf("re-run A: %v", err)
	}
	if again := snapshotTree(t, outA); !reflect.DeepEqual(first, again) {
		t.Fatalf("re-run changed the output tree:\nfirst=%v\nagain=%v", keys(first), keys(again))
	}

	if _, err := r.Run(context.Background(), job(outB)); err != nil {
		t.Fatalf("run B: %v", err)
	}
	if other := snapshotTree(t, outB); !reflect.DeepEqual(first, other) {
		t.Fatalf("output trees differ between directories:\nA=%v\nB=%v", keys(first), keys(other))
	}

	// Every output carries data and a manifest.
	if len(first) != 2*len(catalog.OutputNames()) {
		t.Fatalf("files=%v, want data + manifest per output", keys(first))
	}
	for _, name := range catalog.OutputNames() {
		m, err := sink.ReadManifest(filepath.Join(outA, name))
		if err != nil {
			t.Fatalf("manifest %s: %v", name, err)
		}
		if len(first[filepath.Join(name, m.File)]) == 0 {
			t.Fatalf("%s data file empty", name)
		}
	}
}

// snapshotTree maps every file below dir (relative path) to its bytes.
func snapshotTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out[rel] = string(b)
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	return out
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestRun_DuplicateTracksKeepFirst(t *testing.T) {
	t.Parallel()

	in := writeInputs(t, inputFiles{
		artists: scenario.artists + "a2,1,[],Beta,3\n",
		tracks: scenario.tracks +
			"t1,Song again,40,1000,0,\"['Beta']\",\"['a2']\"\n",
		recs: scenario.recs,
	})
	out := filepath.Join(t.TempDir(), "out")

	res, err := NewDefaultRunner(nil).Run(context.Background(), config.Default(in, out))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outputs[1].Name != catalog.TracksCleaned || res.Outputs[1].Rows != 1 {
		t.Fatalf("tracks_cleaned=%+v, want 1 row", res.Outputs[1])
	}

	ta := readJSONL(t, out, catalog.TrackArtist)
	want := []map[string]any{{"id": "t1", "artist_id": "a1"}}
	if !reflect.DeepEqual(ta, want) {
		t.Fatalf("track_artist=%v, want %v", ta, want)
	}
}

func TestRun_DanglingArtistReference(t *testing.T) {
	t.Parallel()

	in := writeInputs(t, inputFiles{
		artists: scenario.artists,
		tracks:  "id,name,popularity,id_artists\nt1,Song,40,\"['zz']\"\n",
		recs:    scenario.recs,
	})
	out := filepath.Join(t.TempDir(), "out")

	if _, err := NewDefaultRunner(nil).Run(context.Background(), config.Default(in, out)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	master := readJSONL(t, out, catalog.MasterTable)
	if len(master) != 1 {
		t.Fatalf("master rows=%d", len(master))
	}
	if master[0]["artist_name"] != nil || master[0]["genres"] != nil || master[0]["artist_id"] != "zz" {
		t.Fatalf("master=%v", master[0])
	}
}

func TestRun_FailuresWriteNothing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       inputFiles
		strict   bool
		wantKind *etlerr.Kind
	}{
		{
			name:     "strict_schema_error",
			in:       inputFiles{artists: "id,name,genres\na1,Alpha,rock\n", tracks: scenario.tracks, recs: scenario.recs},
			strict:   true,
			wantKind: etlerr.Schema,
		},
		{
			name:     "unterminated_quote_default_mode",
			in:       inputFiles{artists: "id,name,genres\na1,Alpha,[]\na2,\"Beta,[]\n", tracks: scenario.tracks, recs: scenario.recs},
			wantKind: etlerr.Ingestion,
		},
		{
			name:     "invalid_recommendations_json",
			in:       inputFiles{artists: scenario.artists, tracks: scenario.tracks, recs: "{not json"},
			wantKind: etlerr.Ingestion,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			out := filepath.Join(t.TempDir(), "out")
			job := config.Default(writeInputs(t, tc.in), out)
			job.Runtime.Strict = tc.strict

			_, err := NewDefaultRunner(nil).Run(context.Background(), job)
			if !errors.Is(err, tc.wantKind) {
				t.Fatalf("err=%v, want %v", err, tc.wantKind)
			}
			if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
				t.Fatalf("output dir exists after failed run (stat err=%v)", statErr)
			}
		})
	}
}

func TestRun_MissingInputIsIngestionError(t *testing.T) {
	t.Parallel()

	in := writeInputs(t, scenario)
	if err := os.Remove(filepath.Join(in, config.TracksFile)); err != nil {
		t.Fatal(err)
	}
	_, err := NewDefaultRunner(nil).Run(context.Background(), config.Default(in, t.TempDir()))
	if !errors.Is(err, etlerr.Ingestion) || etlerr.StageOf(err) != "read tracks" {
		t.Fatalf("err=%v stage=%q", err, etlerr.StageOf(err))
	}
}

func TestRun_InvalidConfigStopsBeforeRead(t *testing.T) {
	t.Parallel()

	r := NewDefaultRunner(nil)
	r.Read = func(context.Context, reader.Source, reader.Options) (records.Relation, reader.Stats, error) {
		t.Fatalf("Read must not be called for an invalid config")
		return records.Relation{}, reader.Stats{}, nil
	}

	job := config.Default("in", "out")
	job.Output.Format = "parquet"
	_, err := r.Run(context.Background(), job)
	if !errors.Is(err, ErrInvalidConfig) || !strings.Contains(err.Error(), "output.format") {
		t.Fatalf("err=%v", err)
	}
}

func TestRun_LoadSelectedRelations(t *testing.T) {
	t.Parallel()

	fl := &fakeLoader{}
	r := newTestRunner(nil)
	var gotCfg storage.Config
	r.NewLoader = func(_ context.Context, cfg storage.Config) (storage.Loader, error) {
		gotCfg = cfg
		return fl, nil
	}

	job := config.Default(writeInputs(t, scenario), filepath.Join(t.TempDir(), "out"))
	job.Load = config.Load{
		Enabled:     true,
		Kind:        "postgres",
		DSN:         "postgres://example",
		TablePrefix: "catalog.",
		Mode:        "append",
		Relations:   []string{catalog.TrackMetadata, catalog.MasterTable},
		BatchSize:   100,
	}

	res, err := r.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"catalog.master_table", "catalog.track_metadata"}
	if !reflect.DeepEqual(res.Loaded, want) || !reflect.DeepEqual(fl.tables, want) {
		t.Fatalf("loaded=%v tables=%v, want %v", res.Loaded, fl.tables, want)
	}
	if fl.modes[0] != storage.Append {
		t.Fatalf("mode=%v, want append", fl.modes[0])
	}
	if gotCfg.Kind != "postgres" || gotCfg.BatchRows != 100 {
		t.Fatalf("loader cfg=%+v", gotCfg)
	}
	if fl.closed.Load() != 1 {
		t.Fatalf("loader closed=%d, want 1", fl.closed.Load())
	}
}

func TestRun_LoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		relations []string
		failOn    string
		newErr    error
		wantSub   string
	}{
		{name: "unknown_relation", relations: []string{"nope"}, wantSub: "unknown relations [nope]"},
		{name: "backend_unavailable", newErr: errors.New("connection refused"), wantSub: "connection refused"},
		{name: "table_failure", failOn: "artists_cleaned", wantSub: "disk full"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fl := &fakeLoader{failOn: tc.failOn}
			r := NewDefaultRunner(nil)
			r.NewLoader = func(context.Context, storage.Config) (storage.Loader, error) {
				if tc.newErr != nil {
					return nil, tc.newErr
				}
				return fl, nil
			}

			job := config.Default(writeInputs(t, scenario), filepath.Join(t.TempDir(), "out"))
			job.Load.Enabled = true
			job.Load.DSN = "x"
			job.Load.Relations = tc.relations

			_, err := r.Run(context.Background(), job)
			if !errors.Is(err, etlerr.Sink) || !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("err=%v, want sink error containing %q", err, tc.wantSub)
			}
		})
	}
}

func TestRun_LoadIntoSQLite(t *testing.T) {
	t.Parallel()

	dsn := filepath.Join(t.TempDir(), "catalog.db")
	job := config.Default(writeInputs(t, scenario), filepath.Join(t.TempDir(), "out"))
	job.Load = config.Load{Enabled: true, Kind: "sqlite", DSN: dsn, Mode: "overwrite"}

	r := NewDefaultRunner(nil)
	for i := 0; i < 2; i++ {
		if _, err := r.Run(context.Background(), job); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var n int
	var recs string
	if err := db.QueryRow(`SELECT COUNT(*), MAX(recommendations) FROM "master_table"`).Scan(&n, &recs); err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 1 || recs != `["t2","t3"]` {
		t.Fatalf("master_table rows=%d recommendations=%q", n, recs)
	}
}

func TestSelectRelations(t *testing.T) {
	t.Parallel()

	rels := []records.Relation{{Name: "a"}, {Name: "b"}, {Name: "c"}}

	got, err := selectRelations(rels, nil)
	if err != nil || len(got) != 3 {
		t.Fatalf("all: len=%d err=%v", len(got), err)
	}

	got, err = selectRelations(rels, []string{" c ", "a", ""})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "c" {
		t.Fatalf("got=%v", got)
	}

	if _, err := selectRelations(rels, []string{"z", "y"}); err == nil || !strings.Contains(err.Error(), "[y z]") {
		t.Fatalf("err=%v", err)
	}
}
