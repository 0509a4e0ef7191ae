package mqtt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const instanceFile = "instance_id"

// LoadOrCreateInstanceID returns the UUID stored in <dataDir>/instance_id,
// creating the file with a fresh UUIDv7 on first use. It names this
// mailgate to the broker (client ID) and to Home Assistant (device
// identifier).
//
// A file that holds something other than a UUID is an error rather than
// being replaced: a new ID would orphan the existing Home Assistant
// device and its history.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	id, err := readInstanceID(path)
	switch {
	case err == nil && id != "":
		return id, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return "", err
	}

	fresh, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(fresh.String()+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write instance ID %s: %w", path, err)
	}
	return fresh.String(), nil
}

// readInstanceID returns the canonical form of the stored ID, or "" for
// a blank file.
func readInstanceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("read instance ID %s: %w", path, err)
	}

	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("instance ID %s holds %q, not a UUID: %w", path, raw, err)
	}
	return id.String(), nil
}
