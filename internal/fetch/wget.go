package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// WgetOptions configures WgetFetcher
type WgetOptions struct {
	// Binary is the wget executable; defaults to "wget" on PATH.
	Binary string
	// Timeout maps to --timeout, which wget applies per read.
	Timeout   time.Duration
	UserAgent string
	// MaxDepth maps to --level; zero keeps wget's default and negative means inf.
	MaxDepth int
	Reject   []string
}

// WgetFetcher implements Fetcher by running wget as a subprocess. Arguments are
// passed directly, never through a shell. It writes to the OS filesystem only.
type WgetFetcher struct {
	opts WgetOptions
}

// NewWgetFetcher creates a new fetcher that uses the wget command
func NewWgetFetcher(opts WgetOptions) *WgetFetcher {
	if opts.Binary == "" {
		opts.Binary = "wget"
	}
	return &WgetFetcher{opts: opts}
}

// Fetch runs wget and turns each line of its diagnostic output into an Event
func (f *WgetFetcher) Fetch(ctx context.Context, url, destDir string) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		f.run(ctx, url, destDir, events)
	}()
	return events
}

// Args returns the wget command line for url and destDir
func (f *WgetFetcher) Args(url, destDir string) []string {
	args := []string{
		"-nv",
		"--recursive",
		"--no-parent",
		"--no-directories",
		"--directory-prefix=" + destDir,
	}
	switch {
	case f.opts.MaxDepth > 0:
		args = append(args, "--level="+strconv.Itoa(f.opts.MaxDepth))
	case f.opts.MaxDepth < 0:
		args = append(args, "--level=inf")
	}
	if f.opts.Timeout > 0 {
		args = append(args, "--timeout="+strconv.Itoa(int(f.opts.Timeout.Seconds())))
	}
	if f.opts.UserAgent != "" {
		args = append(args, "--user-agent="+f.opts.UserAgent)
	}
	if len(f.opts.Reject) > 0 {
		args = append(args, "--reject="+strings.Join(f.opts.Reject, ","))
	}
	return append(args, url)
}

func (f *WgetFetcher) run(ctx context.Context, url, destDir string, events chan<- Event) {
	cmd := exec.CommandContext(ctx, f.opts.Binary, f.Args(url, destDir)...)
	cmd.Stdout = io.Discard

	stderr, err := cmd.StderrPipe()
	if err != nil {
		emit(ctx, events, failed(url, "failed to attach to wget output", err))
		return
	}

	if err := cmd.Start(); err != nil {
		emit(ctx, events, failed(url, "failed to start wget", err))
		return
	}

	failures := 0
	lastURL := ""
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev := parseWgetLine(line)
		switch ev.Kind {
		case EventFailed:
			failures++
			// -nv prints the failing URL on the line before the error
			if ev.URL == "" {
				ev.URL = lastURL
				ev.Err.(*TransferError).URL = lastURL
			}
		case EventProgress:
			if u := wgetURL(line); u != "" {
				lastURL = u
			}
		}
		emit(ctx, events, ev)
	}
	if err := scanner.Err(); err != nil {
		emit(ctx, events, Event{Kind: EventProgress, URL: url, Message: fmt.Sprintf("reading wget output: %v", err)})
	}

	// wget exits non-zero whenever a single file failed; only report the exit
	// status as a failure when no per-file failure explains it.
	if err := cmd.Wait(); err != nil && failures == 0 {
		emit(ctx, events, failed(url, "wget exited with error", err))
	}
}

// parseWgetLine classifies one line of `wget -nv` output. Successful downloads look like
//
//	2019-12-10 12:00:00 URL:http://host/dir/World.mwm [123/123] -> "/data/World.mwm" [1]
func parseWgetLine(line string) Event {
	if i := strings.Index(" "+line, " ERROR "); i >= 0 {
		err := &TransferError{URL: wgetURL(line), Message: line[i:]}
		return Event{Kind: EventFailed, URL: err.URL, Message: line, Err: err}
	}

	if strings.Contains(line, "URL:") && strings.Contains(line, " -> ") {
		ev := Event{Kind: EventFetched, URL: wgetURL(line), Message: line}
		if _, rest, ok := strings.Cut(line, ` -> "`); ok {
			if p, _, ok := strings.Cut(rest, `"`); ok {
				ev.Path = p
			}
		}
		if _, rest, ok := strings.Cut(line, " ["); ok {
			if sizes, _, ok := strings.Cut(rest, "]"); ok {
				size, _, _ := strings.Cut(sizes, "/")
				ev.Bytes, _ = strconv.ParseInt(size, 10, 64)
			}
		}
		return ev
	}

	return Event{Kind: EventProgress, Message: line}
}

// wgetURL extracts the URL following "URL:" or a leading bare URL
func wgetURL(line string) string {
	if _, rest, ok := strings.Cut(line, "URL:"); ok {
		u, _, _ := strings.Cut(rest, " ")
		return u
	}
	for _, field := range strings.Fields(line) {
		field = strings.TrimSuffix(field, ":")
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			return field
		}
	}
	return ""
}
