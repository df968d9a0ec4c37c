// Package logging sets up the process wide slog logger. Output can be
// held back while a terminal UI owns the screen and is handed to the
// UI's log pane once it is up.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"lautenbacher.net/gosle/config"
)

// teeWriter writes either to a live target or into a pending buffer,
// and additionally to the log file if one is configured.
type teeWriter struct {
	mu      sync.Mutex
	pending bytes.Buffer
	live    io.Writer
	file    *os.File
	holding bool
}

func (w *teeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	switch {
	case w.holding:
		w.pending.Write(p)
	case w.live != nil:
		if _, err := w.live.Write(p); err != nil {
			firstErr = err
		}
	}
	if w.file != nil {
		if _, err := w.file.Write(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(p), firstErr
}

var writer = &teeWriter{live: os.Stderr}

// ParseLevel maps DEBUG, INFO, WARN and ERROR to a slog level, case
// insensitive. Anything else is INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the default logger described by conf. With hold set,
// nothing reaches stderr until SetOutput is called.
func Init(conf config.LoggingConfig, hold bool) error {
	w := &teeWriter{live: os.Stderr, holding: hold}
	if conf.File != "" {
		file, err := os.OpenFile(conf.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("can't open log file %s: %w", conf.File, err)
		}
		w.file = file
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(conf.Level)}
	var handler slog.Handler
	if strings.ToLower(conf.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	writer = w
	slog.SetDefault(slog.New(handler))
	return nil
}

// SetOutput flushes held lines to target and writes live to it from
// now on.
func SetOutput(target io.Writer) error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	if writer.pending.Len() > 0 {
		if _, err := target.Write(writer.pending.Bytes()); err != nil {
			return err
		}
		writer.pending.Reset()
	}
	writer.live = target
	writer.holding = false
	return nil
}

// HoldOutput stops live logging, e.g. while the UI shuts down. Lines
// are kept until SetOutput or Close.
func HoldOutput() {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	writer.live = nil
	writer.holding = true
}

// Close writes held lines to stderr and closes the log file.
func Close() error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	var firstErr error
	if writer.pending.Len() > 0 {
		// the file already has these lines
		if _, err := os.Stderr.Write(writer.pending.Bytes()); err != nil {
			firstErr = err
		}
		writer.pending.Reset()
	}
	if writer.file != nil {
		if err := writer.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		writer.file = nil
	}
	writer.holding = false
	writer.live = os.Stderr
	return firstErr
}
