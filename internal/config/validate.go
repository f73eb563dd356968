package config

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding, addressed by a dotted config path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// ValidateJob checks j for missing or unsupported settings. It never stops at
// the first problem so a user sees everything wrong with a config at once.
func ValidateJob(j Job) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	checkInput := func(path string, in Input) {
		if strings.TrimSpace(in.Path) == "" {
			add(SeverityError, path+".path", "must be set")
		}
		switch in.Format {
		case "csv", "ndjson":
		default:
			add(SeverityError, path+".format", "unsupported format %q (want csv|ndjson)", in.Format)
		}
		if in.Format == "ndjson" {
			switch l := in.Options.String("layout", "records"); l {
			case "records", "keyed":
			default:
				add(SeverityError, path+".options.layout", "unsupported layout %q (want records|keyed)", l)
			}
		}
	}
	checkInput("inputs.artists", j.Inputs.Artists)
	checkInput("inputs.tracks", j.Inputs.Tracks)
	checkInput("inputs.recommendations", j.Inputs.Recommendations)

	if strings.TrimSpace(j.Output.Dir) == "" {
		add(SeverityError, "output.dir", "must be set")
	}
	switch j.Output.Format {
	case "jsonl", "csv":
	default:
		add(SeverityError, "output.format", "unsupported format %q (want jsonl|csv)", j.Output.Format)
	}
	switch j.Output.Compression {
	case "", "none", "zstd":
	default:
		add(SeverityError, "output.compression", "unsupported compression %q (want none|zstd)", j.Output.Compression)
	}

	if j.Load.Enabled {
		if strings.TrimSpace(j.Load.Kind) == "" {
			add(SeverityError, "load.kind", "must be set when load is enabled")
		}
		if strings.TrimSpace(j.Load.DSN) == "" {
			add(SeverityError, "load.dsn", "must be set when load is enabled")
		}
		switch j.Load.Mode {
		case "overwrite", "append":
		default:
			add(SeverityError, "load.mode", "unsupported mode %q (want overwrite|append)", j.Load.Mode)
		}
		if j.Load.Mode == "append" {
			add(SeverityWarning, "load.mode", "append keeps rows from earlier runs; outputs are no longer a pure function of the input")
		}
	}

	if j.Runtime.JoinPartitions < 0 {
		add(SeverityError, "runtime.join_partitions", "must be >= 0")
	}
	if j.Runtime.ReadWorkers < 0 {
		add(SeverityError, "runtime.read_workers", "must be >= 0")
	}
	if j.Runtime.SinkWorkers < 0 {
		add(SeverityError, "runtime.sink_workers", "must be >= 0")
	}
	return issues
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
