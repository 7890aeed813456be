package observability

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached. Output
// goes to stderr so CLI JSON on stdout stays parseable.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	if logger == nil || runID == "" {
		return logger
	}
	return logger.With("run_id", runID)
}

func WithAssignment(logger *slog.Logger, assignmentID string) *slog.Logger {
	if logger == nil || assignmentID == "" {
		return logger
	}
	return logger.With("assignment_id", assignmentID)
}

func WithProject(logger *slog.Logger, projectID string) *slog.Logger {
	if logger == nil || projectID == "" {
		return logger
	}
	return logger.With("project_id", projectID)
}
