package fetch

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWget writes an executable shell script standing in for wget
func fakeWget(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), "wget")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func TestWgetFetcher_Args(t *testing.T) {
	f := NewWgetFetcher(WgetOptions{
		Timeout:   90 * time.Second,
		UserAgent: "mwmsync",
		MaxDepth:  3,
		Reject:    []string{"*.tmp", "index.html*"},
	})

	assert.Equal(t, []string{
		"-nv",
		"--recursive",
		"--no-parent",
		"--no-directories",
		"--directory-prefix=/data",
		"--level=3",
		"--timeout=90",
		"--user-agent=mwmsync",
		"--reject=*.tmp,index.html*",
		"http://host/direct/1/",
	}, f.Args("http://host/direct/1/", "/data"))
}

func TestWgetFetcher_ArgsDepth(t *testing.T) {
	args := NewWgetFetcher(WgetOptions{}).Args("http://host/", "/data")
	for _, arg := range args {
		assert.NotContains(t, arg, "--level")
	}

	args = NewWgetFetcher(WgetOptions{MaxDepth: -1}).Args("http://host/", "/data")
	assert.Contains(t, args, "--level=inf")
}

func TestWgetFetcher_DefaultBinary(t *testing.T) {
	assert.Equal(t, "wget", NewWgetFetcher(WgetOptions{}).opts.Binary)
}

func TestParseWgetLine(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		kind  EventKind
		url   string
		path  string
		bytes int64
	}{
		{
			name:  "download",
			line:  `2019-12-10 12:00:00 URL:http://host/direct/1/World.mwm [5024/5024] -> "/data/World.mwm" [1]`,
			kind:  EventFetched,
			url:   "http://host/direct/1/World.mwm",
			path:  "/data/World.mwm",
			bytes: 5024,
		},
		{
			name:  "download without total",
			line:  `2019-12-10 12:00:00 URL:http://host/direct/1/ [811] -> "/data/index.html" [1]`,
			kind:  EventFetched,
			url:   "http://host/direct/1/",
			path:  "/data/index.html",
			bytes: 811,
		},
		{
			name: "error",
			line: "2019-12-10 12:00:01 ERROR 404: Not Found.",
			kind: EventFailed,
		},
		{
			name: "bare url",
			line: "http://host/direct/1/missing.mwm:",
			kind: EventProgress,
		},
		{
			name:  "file named like an error",
			line:  `2019-12-10 12:00:00 URL:http://host/direct/1/ERROR.mwm [3/3] -> "/data/ERROR.mwm" [1]`,
			kind:  EventFetched,
			url:   "http://host/direct/1/ERROR.mwm",
			path:  "/data/ERROR.mwm",
			bytes: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := parseWgetLine(tt.line)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.url, ev.URL)
			assert.Equal(t, tt.path, ev.Path)
			assert.Equal(t, tt.bytes, ev.Bytes)
		})
	}
}

func TestWgetFetcher_Fetch(t *testing.T) {
	bin := fakeWget(t, `
echo '2019-12-10 12:00:00 URL:http://host/d/World.mwm [5/5] -> "/data/World.mwm" [1]' >&2
echo 'http://host/d/missing.mwm:' >&2
echo '2019-12-10 12:00:01 ERROR 404: Not Found.' >&2
exit 8
`)

	events := collect(NewWgetFetcher(WgetOptions{Binary: bin}).Fetch(context.Background(), "http://host/d/", t.TempDir()))

	fetched := byKind(events, EventFetched)
	require.Len(t, fetched, 1)
	assert.Equal(t, "http://host/d/World.mwm", fetched[0].URL)

	failures := byKind(events, EventFailed)
	require.Len(t, failures, 1, "exit status must not be reported on top of the per-file failure")
	assert.Equal(t, "http://host/d/missing.mwm", failures[0].URL)

	var terr *TransferError
	require.ErrorAs(t, failures[0].Err, &terr)
	assert.Equal(t, "http://host/d/missing.mwm", terr.URL)
}

func TestWgetFetcher_ExitWithoutFileErrors(t *testing.T) {
	bin := fakeWget(t, "echo 'resolving host... failed' >&2\nexit 4\n")

	events := collect(NewWgetFetcher(WgetOptions{Binary: bin}).Fetch(context.Background(), "http://host/d/", t.TempDir()))

	failures := byKind(events, EventFailed)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Err.Error(), "wget exited with error")
	assert.Len(t, byKind(events, EventProgress), 1)
}

func TestWgetFetcher_MissingBinary(t *testing.T) {
	f := NewWgetFetcher(WgetOptions{Binary: filepath.Join(t.TempDir(), "no-such-wget")})

	events := collect(f.Fetch(context.Background(), "http://host/d/", t.TempDir()))

	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Kind)
	assert.Contains(t, events[0].Err.Error(), "failed to start wget")
}
