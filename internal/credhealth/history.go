package credhealth

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Markers written to the diagnostic log.
const (
	EventAlertSent = "fatal_auth_alert_sent"
	EventRestored  = "credentials_restored"

	eventField = "event"
)

// History finds and writes credential alert markers in a JSON-lines log
// file. The most recent marker decides whether an alert is outstanding.
type History struct {
	path string
}

// NewHistory returns a History over the log file at path.
func NewHistory(path string) *History {
	return &History{path: path}
}

// AlertSent reports whether the last marker in the log is EventAlertSent.
func (h *History) AlertSent() (bool, error) {
	f, err := os.Open(h.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("os.Open failed: %w", err)
	}
	defer func() { _ = f.Close() }()

	last := ""
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if ev := markerOf(sc.Text()); ev != "" {
			last = ev
		}
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("scan %s failed: %w", h.path, err)
	}

	return last == EventAlertSent, nil
}

func markerOf(line string) string {
	if !strings.Contains(line, EventAlertSent) && !strings.Contains(line, EventRestored) {
		return ""
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err == nil {
		ev, _ := entry[eventField].(string)
		if ev == EventAlertSent || ev == EventRestored {
			return ev
		}
		return ""
	}

	// Text formatter output: event=<marker>
	switch {
	case strings.Contains(line, eventField+"="+EventAlertSent):
		return EventAlertSent
	case strings.Contains(line, eventField+"="+EventRestored):
		return EventRestored
	}

	return ""
}

// Record appends a marker line to the log.
func (h *History) Record(event, msg string) error {
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return fmt.Errorf("os.MkdirAll failed: %w", err)
	}

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("os.OpenFile failed: %w", err)
	}
	defer func() { _ = f.Close() }()

	l := logrus.New()
	l.SetOutput(f)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.WithField(eventField, event).Warn(msg)

	if err := f.Sync(); err != nil {
		return fmt.Errorf("f.Sync failed: %w", err)
	}

	return nil
}
