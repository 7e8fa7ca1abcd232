//go:build integration

package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the mwmsync binary and provides a scratch checkout and mirror server
type Harness struct {
	t       *testing.T
	binary  string
	Root    string // checkout root holding data/countries.txt
	DataDir string
	Server  *Mirror
}

// NewHarness builds the binary and lays out a fresh checkout
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()

	tmp := t.TempDir()
	h := &Harness{
		t:       t,
		binary:  filepath.Join(tmp, "mwmsync"),
		Root:    filepath.Join(tmp, "omim"),
		DataDir: filepath.Join(tmp, "data"),
		Server:  NewMirror(t),
	}

	projectRoot, err := findProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/mwmsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	if err := os.MkdirAll(filepath.Join(h.Root, "data"), 0755); err != nil {
		t.Fatal(err)
	}
	return h
}

// SetVersion writes the manifest version
func (h *Harness) SetVersion(v string) {
	h.t.Helper()
	content := fmt.Sprintf(`{"id": "Countries", "v": %s, "g": []}`, v)
	if err := os.WriteFile(filepath.Join(h.Root, "data", "countries.txt"), []byte(content), 0644); err != nil {
		h.t.Fatal(err)
	}
}

// Run executes mwmsync with the mirror's URL template and returns combined output
func (h *Harness) Run(ctx context.Context, args ...string) (string, error) {
	h.t.Helper()

	cfgPath := filepath.Join(h.Root, "mwmsync.yaml")
	cfg := fmt.Sprintf("source:\n  url_template: %q\n", h.Server.URL()+"/direct/{version}/")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		return "", err
	}

	full := append([]string{"--config", cfgPath, "--root", h.Root, "--log-level", "debug"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, full...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	h.t.Logf("mwmsync %s\n%s", strings.Join(args, " "), out.String())
	return out.String(), err
}

// Marker returns the content of the marker file
func (h *Harness) Marker() string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.DataDir, "last_downloaded.url"))
	if err != nil {
		h.t.Fatalf("read marker: %v", err)
	}
	return string(data)
}

// FileExists reports whether name exists in the data directory
func (h *Harness) FileExists(name string) bool {
	_, err := os.Stat(filepath.Join(h.DataDir, name))
	return err == nil
}

// Mirror is an autoindex-style distribution server with per-version file sets
type Mirror struct {
	srv   *httptest.Server
	mu    sync.Mutex
	files map[string]map[string]string // version -> name -> content
	hits  int
}

// NewMirror starts a mirror server that is closed with the test
func NewMirror(t *testing.T) *Mirror {
	t.Helper()
	m := &Mirror{files: make(map[string]map[string]string)}
	m.srv = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.srv.Close)
	return m
}

// URL returns the server base URL
func (m *Mirror) URL() string {
	return m.srv.URL
}

// Publish makes files available under /direct/<version>/
func (m *Mirror) Publish(version string, files map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[version] = files
}

// Hits returns how many file downloads were served
func (m *Mirror) Hits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits
}

func (m *Mirror) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rest, ok := strings.CutPrefix(r.URL.Path, "/direct/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	version, name, _ := strings.Cut(rest, "/")
	files, ok := m.files[version]
	if !ok {
		http.NotFound(w, r)
		return
	}

	if name == "" {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><body><a href="../">Parent Directory</a>`)
		for n := range files {
			_, _ = fmt.Fprintf(w, `<a href="%s">%s</a>`, n, n)
		}
		_, _ = io.WriteString(w, `</body></html>`)
		return
	}

	content, ok := files[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	m.hits++
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.WriteString(w, content)
}

type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	// Get the directory of this source file
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)

	// Walk up the directory tree looking for go.mod
	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached the root without finding go.mod
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
