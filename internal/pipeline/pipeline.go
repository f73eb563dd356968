// Package pipeline runs one catalog transform: read the three sources, clean
// them, derive the master table and the analytics projections, then persist
// every output.
//
// Stage order is fixed:
//
//	read (concurrent) -> clean -> derive (concurrent) -> write (bounded) -> load
//
// Nothing is written before the last fallible transform has succeeded, so a
// failed run leaves the previous outputs untouched.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"catalogetl/internal/analytics"
	"catalogetl/internal/catalog"
	"catalogetl/internal/cleaner"
	"catalogetl/internal/composer"
	"catalogetl/internal/config"
	"catalogetl/internal/etlerr"
	"catalogetl/internal/metrics"
	"catalogetl/internal/reader"
	"catalogetl/internal/records"
	"catalogetl/internal/sink"
	"catalogetl/internal/storage"
)

// Logger is the minimal logging interface used by the runner.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// ReadFn reads one source. It is a seam over reader.Read.
type ReadFn func(ctx context.Context, src reader.Source, opt reader.Options) (records.Relation, reader.Stats, error)

// Runner executes jobs. The zero value is not usable; use NewDefaultRunner.
type Runner struct {
	Logger Logger

	Read      ReadFn
	NewLoader func(ctx context.Context, cfg storage.Config) (storage.Loader, error)
	NewRunID  func() string
}

// NewDefaultRunner wires the production reader, storage registry and uuid
// run ids. logger may be nil.
func NewDefaultRunner(logger Logger) *Runner {
	return &Runner{
		Logger:    logger,
		Read:      reader.Read,
		NewLoader: storage.New,
		NewRunID:  uuid.NewString,
	}
}

// Output describes one persisted relation.
type Output struct {
	Name string
	Rows int
}

// Result summarises a successful run.
type Result struct {
	RunID    string
	Outputs  []Output // in catalog.OutputNames order
	Loaded   []string // table names, in load order
	Duration time.Duration
}

// Run executes job. Stage failures are returned as *etlerr.Error values.
func (r *Runner) Run(ctx context.Context, job config.Job) (Result, error) {
	start := time.Now()
	logf := r.logger()

	issues := config.ValidateJob(job)
	for _, iss := range issues {
		if iss.Severity == config.SeverityWarning {
			logf("config %s", iss)
		}
	}
	if config.HasErrors(issues) {
		return Result{}, invalidConfig(issues)
	}

	runID := r.newRunID()
	logf("run_id=%s job=%s stage=start", runID, job.Job)

	inputs, err := r.readAndClean(ctx, runID, job)
	if err != nil {
		return Result{}, err
	}

	outputs, err := r.derive(ctx, runID, job, inputs)
	if err != nil {
		return Result{}, err
	}

	if err := r.write(ctx, runID, job, outputs); err != nil {
		return Result{}, err
	}

	loaded, err := r.load(ctx, runID, job, outputs)
	if err != nil {
		return Result{}, err
	}

	res := Result{RunID: runID, Loaded: loaded, Duration: time.Since(start)}
	for _, rel := range outputs {
		res.Outputs = append(res.Outputs, Output{Name: rel.Name, Rows: rel.Len()})
	}
	logf("run_id=%s stage=done outputs=%d loaded=%d duration=%s", runID, len(res.Outputs), len(loaded), durMS(start))
	return res, nil
}

// Sources maps a job's inputs onto reader sources, in artists, tracks,
// recommendations order.
func Sources(job config.Job) []reader.Source {
	return []reader.Source{
		source(catalog.Artists, job.Inputs.Artists, catalog.ArtistSchema()),
		source(catalog.Tracks, job.Inputs.Tracks, catalog.TrackSchema()),
		source(catalog.Recommendations, job.Inputs.Recommendations, catalog.RecommendationSchema()),
	}
}

func source(name string, in config.Input, schema records.Schema) reader.Source {
	return reader.Source{Name: name, Path: in.Path, Format: in.Format, Options: in.Options, Schema: schema}
}

// readAndClean reads all sources concurrently and returns them cleaned and
// renamed to their *_cleaned output names.
func (r *Runner) readAndClean(ctx context.Context, runID string, job config.Job) (analytics.Inputs, error) {
	logf := r.logger()
	sources := Sources(job)
	cleaned := make([]records.Relation, len(sources))

	workers := job.Runtime.ReadWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	opt := reader.Options{Strict: job.Runtime.Strict, Workers: workers}

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			rel, st, err := r.Read(gctx, src, opt)
			metrics.RecordStep("read", err, st.Duration)
			if err != nil {
				return err
			}
			metrics.RecordRows(metrics.KindRead, src.Name, st.Rows)
			metrics.RecordCoercionNulls(src.Name, st.CoercionNulls)
			logf("run_id=%s stage=read relation=%s rows=%d coercion_nulls=%d duration=%s",
				runID, src.Name, st.Rows, st.CoercionNulls, st.Duration.Truncate(time.Millisecond))

			cleanStart := time.Now()
			out, cst, err := cleaner.Clean(rel, catalog.FieldID)
			metrics.RecordStep("clean", err, time.Since(cleanStart))
			if err != nil {
				return etlerr.New(etlerr.Schema, "clean "+src.Name, err)
			}
			metrics.RecordRows(metrics.KindNullID, src.Name, cst.NullIDs)
			metrics.RecordRows(metrics.KindDuplicate, src.Name, cst.Duplicates)
			logf("run_id=%s stage=clean relation=%s in=%d out=%d null_ids=%d duplicates=%d",
				runID, src.Name, cst.In, cst.Out, cst.NullIDs, cst.Duplicates)

			cleaned[i] = out.Renamed(catalog.CleanedName(src.Name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return analytics.Inputs{}, err
	}
	return analytics.Inputs{Artists: cleaned[0], Tracks: cleaned[1], Recommendations: cleaned[2]}, nil
}

// derive builds the master table and the projections concurrently and
// returns every output relation in catalog.OutputNames order.
func (r *Runner) derive(ctx context.Context, runID string, job config.Job, in analytics.Inputs) ([]records.Relation, error) {
	logf := r.logger()
	start := time.Now()

	var (
		master    records.Relation
		projected []records.Relation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		master, err = composer.BuildMaster(gctx, in.Tracks, in.Artists, in.Recommendations, job.Runtime.JoinPartitions)
		return err
	})
	g.Go(func() error {
		var err error
		projected, err = analytics.Derive(gctx, in)
		return err
	})
	err := g.Wait()
	metrics.RecordStep("derive", err, time.Since(start))
	if err != nil {
		if etlerr.KindOf(err) == nil && ctx.Err() == nil {
			err = etlerr.New(etlerr.Schema, "derive", err)
		}
		return nil, err
	}
	metrics.RecordRows(metrics.KindJoinedRows, master.Name, master.Len())

	out := make([]records.Relation, 0, 4+len(projected))
	out = append(out, in.Artists, in.Tracks, in.Recommendations, master)
	out = append(out, projected...)

	logf("run_id=%s stage=derive master_rows=%d projections=%d duration=%s", runID, master.Len(), len(projected), durMS(start))
	return out, nil
}

// write persists every output through the file sink with at most
// runtime.sink_workers writes in flight.
func (r *Runner) write(ctx context.Context, runID string, job config.Job, outputs []records.Relation) error {
	logf := r.logger()
	fs, err := sink.NewFileSink(job.Output.Dir, sink.FileOptions{
		Format:      job.Output.Format,
		Compression: job.Output.Compression,
	})
	if err != nil {
		return etlerr.New(etlerr.Sink, "write", err)
	}

	workers := job.Runtime.SinkWorkers
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, rel := range outputs {
		rel := rel
		g.Go(func() error {
			st := time.Now()
			err := fs.Write(gctx, rel, sink.Overwrite)
			metrics.RecordStep("write", err, time.Since(st))
			if err != nil {
				return err
			}
			metrics.RecordBatch()
			metrics.RecordRows(metrics.KindWritten, rel.Name, rel.Len())
			logf("run_id=%s stage=write relation=%s rows=%d path=%s duration=%s", runID, rel.Name, rel.Len(), fs.Path(rel.Name), durMS(st))
			return nil
		})
	}
	return g.Wait()
}

// load writes the selected outputs into the configured relational backend,
// one table at a time. It returns the loaded table names.
func (r *Runner) load(ctx context.Context, runID string, job config.Job, outputs []records.Relation) ([]string, error) {
	if !job.Load.Enabled {
		return nil, nil
	}
	logf := r.logger()

	mode, err := sink.ParseMode(job.Load.Mode)
	if err != nil {
		return nil, etlerr.New(etlerr.Sink, "load", err)
	}
	selected, err := selectRelations(outputs, job.Load.Relations)
	if err != nil {
		return nil, etlerr.New(etlerr.Sink, "load", err)
	}

	loader, err := r.NewLoader(ctx, storage.Config{
		Kind:      job.Load.Kind,
		DSN:       job.Load.DSN,
		BatchRows: job.Load.BatchSize,
	})
	if err != nil {
		return nil, etlerr.New(etlerr.Sink, "load", err)
	}
	defer loader.Close()

	w := &storage.RelationWriter{Loader: loader, Prefix: job.Load.TablePrefix}
	loaded := make([]string, 0, len(selected))
	for _, rel := range selected {
		st := time.Now()
		err := w.Write(ctx, rel, mode)
		metrics.RecordStep("load", err, time.Since(st))
		if err != nil {
			return loaded, err
		}
		table := job.Load.TablePrefix + rel.Name
		metrics.RecordBatch()
		metrics.RecordRows(metrics.KindLoaded, rel.Name, rel.Len())
		logf("run_id=%s stage=load backend=%s table=%s mode=%s rows=%d duration=%s", runID, job.Load.Kind, table, mode, rel.Len(), durMS(st))
		loaded = append(loaded, table)
	}
	return loaded, nil
}

// selectRelations keeps the outputs named in names, preserving output order.
// An empty names selects everything; an unknown name is an error.
func selectRelations(outputs []records.Relation, names []string) ([]records.Relation, error) {
	if len(names) == 0 {
		return outputs, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			want[n] = true
		}
	}
	out := make([]records.Relation, 0, len(want))
	for _, rel := range outputs {
		if want[rel.Name] {
			out = append(out, rel)
			delete(want, rel.Name)
		}
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for n := range want {
			unknown = append(unknown, n)
		}
		return nil, fmt.Errorf("unknown relations %v (known: %v)", sortedCopy(unknown), catalog.OutputNames())
	}
	return out, nil
}

func (r *Runner) logger() func(format string, v ...any) {
	if r.Logger == nil {
		l := log.New(discardWriter{}, "", 0)
		return l.Printf
	}
	return r.Logger.Printf
}

func (r *Runner) newRunID() string {
	if r.NewRunID == nil {
		return uuid.NewString()
	}
	return r.NewRunID()
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (n int, err error) { return len(p), nil }
