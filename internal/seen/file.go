package seen

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hal9000y/gmail-notifier/internal/model"
)

// FileStore keeps the seen-set as a UTF-8 text file with one id per line,
// in commit order. The file only ever grows.
type FileStore struct {
	set
	path string
}

// NewFileStore returns an empty store backed by path. Call Load to read
// previously committed ids.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load replaces the in-memory set with the contents of the file. A missing
// file is an empty set. On read failure the set is left empty and an error
// wrapping model.ErrStore is returned.
func (s *FileStore) Load(_ context.Context) error {
	s.reset()

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: os.Open failed: %w", model.ErrStore, err)
	}
	defer func() { _ = f.Close() }()

	var ids []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)
	for sc.Scan() {
		id := strings.TrimSpace(sc.Text())
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: scan %s failed: %w", model.ErrStore, s.path, err)
	}

	s.add(ids...)

	return nil
}

// Commit appends ids that are not yet present and syncs the file. A crash
// during the write leaves a prefix of the new lines on disk.
func (s *FileStore) Commit(_ context.Context, ids []string) error {
	ids = s.fresh(ids)
	if len(ids) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: os.MkdirAll failed: %w", model.ErrStore, err)
	}

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("%w: os.OpenFile failed: %w", model.ErrStore, err)
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	terminated, err := endsWithNewline(f)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrStore, err)
	}
	if !terminated {
		b.WriteByte('\n')
	}
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('\n')
	}

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("%w: write %s failed: %w", model.ErrStore, s.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: f.Sync failed: %w", model.ErrStore, err)
	}

	s.add(ids...)

	return nil
}

// endsWithNewline reports whether f is empty or its last byte is '\n', so an
// interrupted earlier write never gets glued to the next id.
func endsWithNewline(f *os.File) (bool, error) {
	st, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("f.Stat failed: %w", err)
	}
	if st.Size() == 0 {
		return true, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil {
		return false, fmt.Errorf("f.ReadAt failed: %w", err)
	}

	return last[0] == '\n', nil
}
