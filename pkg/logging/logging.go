// Package logging configures the process logger and adapts it for broker event logging.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a level name (DEBUG, INFO, WARNING/WARN, ERROR) to a slog level
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR", "CRITICAL":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// New creates a text logger writing to w at the named level
func New(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// EventSink receives free-form event records
type EventSink interface {
	Record(level slog.Level, message string)
}

type slogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns an EventSink that writes records to logger
func NewSlogSink(logger *slog.Logger) EventSink {
	return &slogSink{logger: logger}
}

func (s *slogSink) Record(level slog.Level, message string) {
	s.logger.Log(context.Background(), level, message)
}
