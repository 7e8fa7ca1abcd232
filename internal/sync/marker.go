package sync

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// MarkerFileName is the file inside the data directory recording the last synced URL
const MarkerFileName = "last_downloaded.url"

// FilesystemError reports a failed operation on the data directory
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// readMarker returns the first line of the marker file in dir, line terminator
// included, so a hand-edited marker never compares equal to a URL
func readMarker(fs afero.Fs, dir string) (string, error) {
	data, err := afero.ReadFile(fs, filepath.Join(dir, MarkerFileName))
	if err != nil {
		return "", err
	}
	if i := strings.IndexByte(string(data), '\n'); i >= 0 {
		return string(data[:i+1]), nil
	}
	return string(data), nil
}

// writeMarker atomically replaces the marker file in dir with url
func writeMarker(fs afero.Fs, dir, url string) error {
	path := filepath.Join(dir, MarkerFileName)

	tmp, err := afero.TempFile(fs, dir, ".mwmsync-marker-*")
	if err != nil {
		return &FilesystemError{Op: "create marker in", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.WriteString(url); err != nil {
		_ = tmp.Close()
		return &FilesystemError{Op: "write marker", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &FilesystemError{Op: "write marker", Path: tmpPath, Err: err}
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		return &FilesystemError{Op: "commit marker", Path: path, Err: err}
	}
	return nil
}
