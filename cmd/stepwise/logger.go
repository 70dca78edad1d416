package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rendis/stepwise/internal/logging"
)

func parseLevel(s string) (log.Level, error) {
	lvl, err := log.ParseLevel(s)
	if err != nil {
		return log.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// newLogger builds the process logger: a charmbracelet handler writing to w,
// wrapped so correlation IDs from the context land on every record.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "stepwise",
	}
	if format == "json" {
		opts.Formatter = log.JSONFormatter
	}

	handler := log.NewWithOptions(w, opts)
	return slog.New(logging.NewCorrelationHandler(handler)), nil
}
