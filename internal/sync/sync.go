package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/mwmsync/internal/fetch"
	"github.com/spf13/afero"
)

// ErrIncompleteTransfer is returned in strict mode when files failed to transfer
var ErrIncompleteTransfer = errors.New("transfer incomplete")

// Options tunes how a resync is carried out
type Options struct {
	// Strict withholds the marker when any file failed to transfer.
	Strict bool
	// Staged fetches into a sibling directory and swaps it in afterwards.
	Staged bool
	// DryRun only reports whether a resync would happen.
	DryRun bool
}

// Result summarizes one Sync or Resync call
type Result struct {
	Resynced        bool
	Fetched         int
	Failed          int
	Skipped         int
	MarkerCommitted bool
}

// Engine keeps the data directory in step with a remote URL
type Engine struct {
	fs      afero.Fs
	dataDir string
	fetcher fetch.Fetcher
	logger  *slog.Logger
	opts    Options
}

// NewEngine creates a new sync engine for dataDir
func NewEngine(fs afero.Fs, dataDir string, fetcher fetch.Fetcher, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		fs:      fs,
		dataDir: dataDir,
		fetcher: fetcher,
		logger:  logger,
		opts:    opts,
	}
}

// MarkerPath returns the location of the marker file
func (e *Engine) MarkerPath() string {
	return filepath.Join(e.dataDir, MarkerFileName)
}

// ShouldResync reports whether the data directory is missing, has no marker,
// or has a marker naming a different URL. Only local state is consulted.
func (e *Engine) ShouldResync(url string) (bool, error) {
	exists, err := afero.DirExists(e.fs, e.dataDir)
	if err != nil {
		return false, &FilesystemError{Op: "stat", Path: e.dataDir, Err: err}
	}
	if !exists {
		e.logger.Debug("data directory missing", "path", e.dataDir)
		return true, nil
	}

	last, err := readMarker(e.fs, e.dataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.logger.Debug("marker missing", "path", e.MarkerPath())
			return true, nil
		}
		return false, &FilesystemError{Op: "read marker", Path: e.MarkerPath(), Err: err}
	}

	if last != url {
		e.logger.Debug("marker names a different url", "last_url", last, "url", url)
		return true, nil
	}
	return false, nil
}

// Sync resyncs the data directory when ShouldResync says so and does nothing otherwise
func (e *Engine) Sync(ctx context.Context, url string) (*Result, error) {
	e.logger.Info("checking data directory",
		"url", url,
		"data_dir", e.dataDir,
		"dry_run", e.opts.DryRun)

	should, err := e.ShouldResync(url)
	if err != nil {
		return nil, err
	}
	if !should {
		e.logger.Info("data directory is current, nothing to do", "url", url)
		return &Result{}, nil
	}

	if e.opts.DryRun {
		e.logger.Info("[dry-run] would wipe and refetch data directory", "url", url, "data_dir", e.dataDir)
		return &Result{}, nil
	}

	return e.Resync(ctx, url)
}

// Resync replaces the data directory with a fresh copy of url. The marker is the
// last thing written, so an interrupted resync is retried on the next run.
func (e *Engine) Resync(ctx context.Context, url string) (*Result, error) {
	if e.opts.Staged {
		return e.resyncStaged(ctx, url)
	}

	if err := e.wipe(e.dataDir); err != nil {
		return nil, err
	}

	res := e.transfer(ctx, url, e.dataDir)
	if err := e.checkCommit(ctx, res); err != nil {
		return res, err
	}

	if err := writeMarker(e.fs, e.dataDir, url); err != nil {
		return res, err
	}
	res.MarkerCommitted = true
	e.logSummary(res, url)

	return res, nil
}

// resyncStaged fetches into a hidden sibling directory and swaps it into place.
// The live directory is left untouched unless the marker is going to be committed.
func (e *Engine) resyncStaged(ctx context.Context, url string) (*Result, error) {
	parent := filepath.Dir(e.dataDir)
	if err := e.fs.MkdirAll(parent, 0755); err != nil {
		return nil, &FilesystemError{Op: "create", Path: parent, Err: err}
	}

	staging, err := afero.TempDir(e.fs, parent, "."+filepath.Base(e.dataDir)+"-staging-")
	if err != nil {
		return nil, &FilesystemError{Op: "create staging directory in", Path: parent, Err: err}
	}
	defer func() {
		_ = e.fs.RemoveAll(staging)
	}() // no-op after a successful swap

	e.logger.Info("fetching into staging directory", "path", staging)
	res := e.transfer(ctx, url, staging)
	if err := e.checkCommit(ctx, res); err != nil {
		return res, err
	}

	if err := writeMarker(e.fs, staging, url); err != nil {
		return res, err
	}

	// TempDir creates 0700; match the mode wipe gives the live directory
	if err := e.fs.Chmod(staging, 0755); err != nil {
		return res, &FilesystemError{Op: "chmod", Path: staging, Err: err}
	}

	e.logger.Info("swapping staging directory into place", "path", e.dataDir)
	if err := e.fs.RemoveAll(e.dataDir); err != nil {
		return res, &FilesystemError{Op: "remove", Path: e.dataDir, Err: err}
	}
	if err := e.fs.Rename(staging, e.dataDir); err != nil {
		return res, &FilesystemError{Op: "rename staging directory to", Path: e.dataDir, Err: err}
	}
	res.MarkerCommitted = true
	e.logSummary(res, url)

	return res, nil
}

// wipe deletes dir with everything in it and recreates it empty
func (e *Engine) wipe(dir string) error {
	e.logger.Info("wiping data directory", "path", dir)
	if err := e.fs.RemoveAll(dir); err != nil {
		return &FilesystemError{Op: "remove", Path: dir, Err: err}
	}
	if err := e.fs.MkdirAll(dir, 0755); err != nil {
		return &FilesystemError{Op: "create", Path: dir, Err: err}
	}
	return nil
}

// transfer drains the fetcher's event stream to completion, logging every event with a running counter
func (e *Engine) transfer(ctx context.Context, url, dir string) *Result {
	e.logger.Info("fetching data", "url", url, "dest", dir)

	res := &Result{Resynced: true}
	n := 0
	for ev := range e.fetcher.Fetch(ctx, url, dir) {
		n++
		switch ev.Kind {
		case fetch.EventFetched:
			res.Fetched++
			e.logger.Info("fetched", "n", n, "url", ev.URL, "path", ev.Path, "bytes", ev.Bytes)
		case fetch.EventFailed:
			res.Failed++
			e.logger.Warn("fetch failed", "n", n, "url", ev.URL, "error", ev.Err)
		case fetch.EventSkipped:
			res.Skipped++
			e.logger.Debug("skipped", "n", n, "url", ev.URL, "reason", ev.Message)
		default:
			e.logger.Debug("fetch progress", "n", n, "url", ev.URL, "message", ev.Message)
		}
	}
	return res
}

// checkCommit decides whether the marker may be written after a transfer
func (e *Engine) checkCommit(ctx context.Context, res *Result) error {
	if err := ctx.Err(); err != nil {
		e.logger.Warn("transfer interrupted, marker not written", "error", err)
		return fmt.Errorf("transfer interrupted: %w", err)
	}

	if res.Failed == 0 {
		return nil
	}
	if e.opts.Strict {
		e.logger.Warn("strict mode: marker not written", "fetched", res.Fetched, "failed", res.Failed)
		return fmt.Errorf("%w: %d of %d files failed", ErrIncompleteTransfer, res.Failed, res.Fetched+res.Failed)
	}
	e.logger.Warn("some files failed to transfer, committing marker anyway", "failed", res.Failed)
	return nil
}

func (e *Engine) logSummary(res *Result, url string) {
	e.logger.Info("resync complete",
		"url", url,
		"fetched", res.Fetched,
		"failed", res.Failed,
		"skipped", res.Skipped)
}
