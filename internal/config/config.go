package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Default file names produced by the extract step.
const (
	ArtistsFile         = "artists.csv"
	TracksFile          = "tracks.csv"
	RecommendationsFile = "fixed_da.json"
)

// Job is the full configuration of one transform run.
//
// A Job is usually built by Default from the positional input/output
// directories, optionally overlaid with a config file (JSON or YAML) and
// finally with environment overrides.
type Job struct {
	Job     string  `json:"job" yaml:"job"`
	Inputs  Inputs  `json:"inputs" yaml:"inputs"`
	Output  Output  `json:"output" yaml:"output"`
	Load    Load    `json:"load" yaml:"load"`
	Runtime Runtime `json:"runtime" yaml:"runtime"`
}

type Inputs struct {
	Artists         Input `json:"artists" yaml:"artists"`
	Tracks          Input `json:"tracks" yaml:"tracks"`
	Recommendations Input `json:"recommendations" yaml:"recommendations"`
}

// Input describes one record source.
type Input struct {
	Path string `json:"path" yaml:"path"`
	// Format is "csv" or "ndjson".
	Format  string  `json:"format" yaml:"format"`
	Options Options `json:"options,omitempty" yaml:"options,omitempty"`
}

type Output struct {
	Dir string `json:"dir" yaml:"dir"`
	// Format is "jsonl" or "csv".
	Format string `json:"format" yaml:"format" env:"CATALOG_ETL_OUTPUT_FORMAT"`
	// Compression is "none" or "zstd".
	Compression string `json:"compression" yaml:"compression" env:"CATALOG_ETL_OUTPUT_COMPRESSION"`
}

// Load configures the optional relational load of the produced relations.
type Load struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" env:"CATALOG_ETL_LOAD_ENABLED"`
	Kind        string `json:"kind" yaml:"kind" env:"CATALOG_ETL_LOAD_KIND"`
	DSN         string `json:"dsn" yaml:"dsn" env:"CATALOG_ETL_LOAD_DSN"`
	TablePrefix string `json:"table_prefix" yaml:"table_prefix" env:"CATALOG_ETL_LOAD_TABLE_PREFIX"`
	// Mode is "overwrite" or "append".
	Mode string `json:"mode" yaml:"mode" env:"CATALOG_ETL_LOAD_MODE"`
	// Relations limits which outputs are loaded. Empty means all.
	Relations []string `json:"relations,omitempty" yaml:"relations,omitempty" env:"CATALOG_ETL_LOAD_RELATIONS" envSeparator:","`
	BatchSize int      `json:"batch_size" yaml:"batch_size"`
}

type Runtime struct {
	// Strict turns per-field coercion failures into schema errors instead of nulls.
	Strict         bool `json:"strict" yaml:"strict" env:"CATALOG_ETL_STRICT"`
	JoinPartitions int  `json:"join_partitions" yaml:"join_partitions"`
	SinkWorkers    int  `json:"sink_workers" yaml:"sink_workers"`

	// ReadWorkers is the coerce worker count per source; 0 means GOMAXPROCS.
	ReadWorkers int `json:"read_workers" yaml:"read_workers"`
}

// Default returns the job used when no config file is given: the three files
// written by the extract step, read from inputDir, with outputs under outputDir.
func Default(inputDir, outputDir string) Job {
	return Job{
		Job: "catalog_transform",
		Inputs: Inputs{
			Artists:         Input{Path: filepath.Join(inputDir, ArtistsFile), Format: "csv"},
			Tracks:          Input{Path: filepath.Join(inputDir, TracksFile), Format: "csv"},
			Recommendations: Input{Path: filepath.Join(inputDir, RecommendationsFile), Format: "ndjson", Options: Options{"layout": "keyed"}},
		},
		Output: Output{Dir: outputDir, Format: "jsonl", Compression: "none"},
		Load:   Load{Kind: "postgres", Mode: "overwrite", BatchSize: 500},
		Runtime: Runtime{
			JoinPartitions: 1,
			SinkWorkers:    4,
		},
	}
}

// Decode overlays raw onto j. The format is picked from the file extension:
// .yaml/.yml are YAML, everything else is JSON.
func Decode(path string, raw []byte, j *Job) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(j); err != nil {
			return fmt.Errorf("decode yaml %s: %w", path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(j); err != nil {
			return fmt.Errorf("decode json %s: %w", path, err)
		}
	}
	return nil
}

// LoadFile reads path and overlays it onto j.
func LoadFile(path string, j *Job) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return Decode(path, raw, j)
}

// ApplyEnv overlays CATALOG_ETL_* environment variables onto j and expands
// ${VAR} references in the load DSN.
func ApplyEnv(j *Job) error {
	if err := env.Parse(j); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	j.Load.DSN = os.ExpandEnv(j.Load.DSN)
	return nil
}
