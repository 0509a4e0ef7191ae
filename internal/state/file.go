package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fileFormatVersion is bumped whenever the on-disk layout changes.
const fileFormatVersion = 1

// fileDocument is the JSON layout of a state file.
type fileDocument struct {
	Version     int       `json:"version"`
	Initialized bool      `json:"initialized"`
	Folder      string    `json:"folder"`
	UIDValidity uint32    `json:"uid_validity"`
	Seen        []uint32  `json:"seen"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FileStore persists state as a JSON file. Saves go to a temporary file
// in the same directory which is fsynced and then renamed over the
// target, so readers only ever observe a complete document.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore returns a store for the file at path. Nothing is touched
// on disk until the first Load or Save.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}
}

// Path returns the state file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields an uninitialized
// state; an unreadable or unparseable one yields [ErrCorrupt].
//
// A file holding nothing but a timestamp is a last-check marker left by
// the old checker script at LAST_CHECK_FILE. It carries no UIDs, so it
// loads as uninitialized and the next cycle takes a fresh baseline and
// overwrites it.
func (s *FileStore) Load(ctx context.Context) (*KnownState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", s.path, err)
	}

	if ts, ok := parseLegacyMarker(data); ok {
		s.logger.Warn("state file holds a legacy last-check timestamp, starting from a fresh baseline",
			"path", s.path,
			"last_check", ts,
		)
		return New(), nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrCorrupt, s.path, err)
	}
	if doc.Version != fileFormatVersion {
		return nil, fmt.Errorf("%w: %s has unsupported version %d", ErrCorrupt, s.path, doc.Version)
	}

	st := New()
	st.Initialized = doc.Initialized
	st.Folder = doc.Folder
	st.UIDValidity = doc.UIDValidity
	st.UpdatedAt = doc.UpdatedAt
	st.Add(doc.Seen...)
	return st, nil
}

// legacyMarkerLayouts are the shapes datetime.isoformat produces, with
// and without a UTC offset. Fractional seconds are accepted by Parse
// without appearing in the layout.
var legacyMarkerLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
}

// parseLegacyMarker reports whether data is a single ISO 8601 timestamp.
func parseLegacyMarker(data []byte) (time.Time, bool) {
	line := strings.TrimSpace(string(data))
	if line == "" || strings.ContainsAny(line, "{\n") {
		return time.Time{}, false
	}
	for _, layout := range legacyMarkerLayouts {
		if ts, err := time.Parse(layout, line); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Save atomically replaces the state file with st and sets st.UpdatedAt.
func (s *FileStore) Save(ctx context.Context, st *KnownState) error {
	now := time.Now().UTC().Truncate(time.Second)
	doc := fileDocument{
		Version:     fileFormatVersion,
		Initialized: st.Initialized,
		Folder:      st.Folder,
		UIDValidity: st.UIDValidity,
		Seen:        st.UIDs(),
		UpdatedAt:   now,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err := writeFileAtomic(s.path, append(data, '\n')); err != nil {
		return fmt.Errorf("save state %s: %w", s.path, err)
	}
	st.UpdatedAt = now
	return nil
}

// Close is a no-op; FileStore holds no open handles.
func (s *FileStore) Close() error {
	return nil
}

// writeFileAtomic writes data to a temp file next to path, fsyncs it,
// renames it into place and fsyncs the directory so the rename itself
// survives a crash.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	// Directory fsync is best-effort: some filesystems refuse it.
	if d, derr := os.Open(dir); derr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
