// Package manifest reads the local countries manifest that names the current map data version.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// FileName is the manifest file name inside the checkout's data directory
const FileName = "countries.txt"

var (
	// ErrNoVersion is returned when the manifest has no usable "v" field.
	ErrNoVersion = errors.New("manifest has no version field")
	// ErrRootNotFound is returned when no ancestor directory contains data/countries.txt.
	ErrRootNotFound = errors.New("checkout root not found")
)

// Manifest holds the fields of countries.txt this tool relies on
type Manifest struct {
	Version string
}

// Read parses the manifest at path. The version may be encoded as a JSON
// number or string; both yield the literal token.
func Read(fs afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var doc struct {
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	version, err := parseVersion(doc.V)
	if err != nil {
		return nil, err
	}

	return &Manifest{Version: version}, nil
}

func parseVersion(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ErrNoVersion
	}

	var version string
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &version); err != nil {
			return "", fmt.Errorf("failed to decode version: %w", err)
		}
	case '{', '[', 't', 'f':
		return "", fmt.Errorf("%w: unsupported value %s", ErrNoVersion, raw)
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("failed to decode version: %w", err)
		}
		version = n.String()
	}

	version = strings.TrimSpace(version)
	if version == "" {
		return "", ErrNoVersion
	}
	return version, nil
}

// FindRoot walks up from start until it finds a directory containing data/countries.txt
func FindRoot(fs afero.Fs, start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to resolve start directory: %w", err)
	}

	for {
		candidate := filepath.Join(dir, "data", FileName)
		if _, err := fs.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: no data/%s above %s", ErrRootNotFound, FileName, start)
		}
		dir = parent
	}
}
