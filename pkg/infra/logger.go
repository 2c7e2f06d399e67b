package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupLogger builds the process logger from config values.
// Output goes to stdout and a local file so operators can tail either
func SetupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if logFile, err := os.OpenFile("cw-mirror.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		out = io.MultiWriter(os.Stdout, logFile)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.ToUpper(format) == "JSON" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}
