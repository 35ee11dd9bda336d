package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/term"

	"rmagent/internal/config"
)

const (
	ansiReset   = "\x1b[0m"
	ansiGray    = "\x1b[90m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

var (
	levelPattern = regexp.MustCompile(`level=(DEBUG|INFO|WARN|ERROR)`)
	tokenPattern = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|\b\d{1,3}(?:\.\d{1,3}){3}\b|\b\d+(?:\.\d+)?\b`)
)

// New builds the agent logger from console/file sink settings.
// Params: cfg log sinks.
// Returns: logger, close func for file sinks, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)

	if cfg.Console.Enabled {
		var out io.Writer = os.Stdout
		if cfg.Console.Format == "line" && term.IsTerminal(int(os.Stdout.Fd())) {
			out = &colorLineWriter{dst: os.Stdout}
		}
		handler, err := newHandler(out, cfg.Console)
		if err != nil {
			return nil, nil, fmt.Errorf("log.console: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		file, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", cfg.File.Path, err)
		}
		handler, err := newHandler(file, cfg.File)
		if err != nil {
			_ = file.Close()
			return nil, nil, fmt.Errorf("log.file: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, file)
	}

	closeFn := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, nil)), closeFn, nil
	case 1:
		return slog.New(handlers[0]), closeFn, nil
	default:
		return slog.New(&fanoutHandler{handlers: handlers}), closeFn, nil
	}
}

// newHandler builds one sink handler.
// Params: out sink writer; sink level/format settings.
// Returns: slog handler or unsupported-setting error.
func newHandler(out io.Writer, sink config.LogSinkConfig) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(sink.Format) {
	case "", "line":
		return slog.NewTextHandler(out, opts), nil
	case "json":
		return slog.NewJSONHandler(out, opts), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", sink.Format)
	}
}

// parseLevel maps config level names to slog levels.
// Params: level lower-case name.
// Returns: slog level or error.
func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", level)
	}
}

// colorLineWriter colors text-handler lines by level and highlights value tokens.
type colorLineWriter struct {
	dst io.Writer
}

// Write renders one log line with ANSI colors.
// Params: p one formatted log line.
// Returns: len(p) on success and destination write error.
func (w *colorLineWriter) Write(p []byte) (int, error) {
	match := levelPattern.FindSubmatch(p)
	if match == nil {
		return w.dst.Write(p)
	}

	base := levelColor(string(match[1]))
	body, newline := bytes.CutSuffix(p, []byte("\n"))

	var out bytes.Buffer
	out.Grow(len(p) + 64)
	out.WriteString(base)
	out.WriteString(tokenPattern.ReplaceAllStringFunc(string(body), func(token string) string {
		color := ansiYellow
		switch {
		case strings.HasPrefix(token, `"`):
			color = ansiGreen
		case strings.Count(token, ".") == 3:
			color = ansiCyan
		}
		return color + token + ansiReset + base
	}))
	out.WriteString(ansiReset)
	if newline {
		out.WriteByte('\n')
	}

	if _, err := w.dst.Write(out.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// levelColor returns the base line color of one level.
func levelColor(level string) string {
	switch level {
	case "DEBUG":
		return ansiGray
	case "WARN":
		return ansiMagenta
	case "ERROR":
		return ansiRed
	default:
		return ansiBlue
	}
}

// fanoutHandler sends each record to every sink that accepts its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var err error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		err = multierr.Append(err, handler.Handle(ctx, record.Clone()))
	}
	return err
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}
