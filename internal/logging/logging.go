// Package logging builds the process logger: human readable lines on stderr
// and JSON lines appended to the diagnostic log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Setup returns a logger at level writing text to stderr and, when logFile
// is set, JSON to logFile. The returned func closes the file.
func Setup(level, logFile string) (*logrus.Logger, func(), error) {
	return setup(os.Stderr, level, logFile)
}

func setup(out io.Writer, level, logFile string) (*logrus.Logger, func(), error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("logrus.ParseLevel failed: %w", err)
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if logFile == "" {
		return log, func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("os.MkdirAll failed: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	log.AddHook(&fileHook{w: f, formatter: &logrus.JSONFormatter{}})

	return log, func() {
		if err := f.Close(); err != nil {
			fmt.Fprintln(out, fmt.Errorf("f.Close failed: %w", err))
		}
	}, nil
}

type fileHook struct {
	mu        sync.Mutex
	w         io.Writer
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fileHook) Fire(e *logrus.Entry) error {
	line, err := h.formatter.Format(e)
	if err != nil {
		return fmt.Errorf("formatter.Format failed: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.w.Write(line); err != nil {
		return fmt.Errorf("w.Write failed: %w", err)
	}
	return nil
}
