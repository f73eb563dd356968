package pipeline

import (
	"errors"
	"sort"
	"strings"

	"catalogetl/internal/config"
)

// ErrInvalidConfig is matched by errors.Is for configuration rejected before
// any stage runs.
var ErrInvalidConfig = errors.New("invalid config")

type configError struct {
	issues []config.Issue
}

func invalidConfig(issues []config.Issue) error {
	return &configError{issues: issues}
}

func (e *configError) Error() string {
	var msgs []string
	for _, iss := range e.issues {
		if iss.Severity == config.SeverityError {
			msgs = append(msgs, iss.Path+": "+iss.Message)
		}
	}
	return "pipeline: invalid config: " + strings.Join(msgs, "; ")
}

func (e *configError) Is(target error) bool { return target == ErrInvalidConfig }

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
