// Package logging wires slog for the CLI: a colorized terminal handler
// for interactive runs and a rotating debug file when asked for one.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Setup installs the default slog logger. With debugPath set, all levels
// go to a rotating file there and the returned closer owns the file;
// otherwise level-filtered colorized output goes to stderr and the
// closer is a no-op.
func Setup(level string, debugPath string) (io.Closer, error) {
	if debugPath != "" {
		file, err := NewRotatingFile(debugPath)
		if err != nil {
			return nil, fmt.Errorf("opening debug log: %w", err)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(file, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
		return file, nil
	}

	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:   lvl,
		NoColor: !isTerminal(os.Stderr.Fd()),
	})))
	return nopCloser{}, nil
}

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// ParseLevel maps a config level name to its slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", level)
}

// Silence discards all logging. Used by commands whose stdout is data.
func Silence() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
