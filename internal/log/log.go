// log builds the slog handlers behind the devbox binaries: a pretty console
// handler for the CLI, JSON for the Lambda runtime, and an optional JSON
// file tee for capturing a session.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog"
	charmlog "github.com/charmbracelet/log"
	slogmulti "github.com/samber/slog-multi"
)

var ErrLogFile = fmt.Errorf("failed to open log file")

// Console returns a human-readable stderr handler at the given level
// ("debug", "info", "warn", "error").
func Console(level string) (slog.Handler, error) {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           lvl,
	}), nil
}

// JSON returns a machine-readable handler writing to w.
func JSON(w io.Writer) slog.Handler {
	return slog.NewJSONHandler(w, nil)
}

// TeeFile fans the handler out to a JSON log file, appending when the file
// already exists. The returned closer releases the file.
func TeeFile(handler slog.Handler, path string) (slog.Handler, func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrLogFile, err)
	}
	// The file captures everything; the console handler keeps its own level.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	closer := func() { _ = f.Close() }
	return slogmulti.Fanout(handler, fileHandler), closer, nil
}

// Context installs the handler as the context logger and the process-wide
// slog default.
func Context(ctx context.Context, handler slog.Handler) context.Context {
	logger := clog.New(handler)
	slog.SetDefault(&logger.Logger)
	return clog.WithLogger(ctx, logger)
}
