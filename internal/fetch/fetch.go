// Package fetch mirrors a remote directory of map files into a flat local directory.
//
// A Fetcher reports its progress as a stream of Events. Per-file failures are
// delivered as EventFailed and never end the stream early; the channel is
// closed once the transfer has run to completion or the context is cancelled.
package fetch

import (
	"context"
	"fmt"
)

// Fetcher downloads every resource reachable from a URL into destDir
type Fetcher interface {
	Fetch(ctx context.Context, url, destDir string) <-chan Event
}

// EventKind classifies a fetch event
type EventKind int

const (
	// EventFetched reports a file that landed in the destination directory.
	EventFetched EventKind = iota
	// EventFailed reports a resource that could not be transferred.
	EventFailed
	// EventSkipped reports a resource excluded by a reject pattern.
	EventSkipped
	// EventProgress carries a diagnostic line without a file outcome.
	EventProgress
)

func (k EventKind) String() string {
	switch k {
	case EventFetched:
		return "fetched"
	case EventFailed:
		return "failed"
	case EventSkipped:
		return "skipped"
	case EventProgress:
		return "progress"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one entry of a fetch progress stream
type Event struct {
	Kind    EventKind
	URL     string
	Path    string // local file path, set for EventFetched
	Bytes   int64
	Message string
	Err     error // set for EventFailed
}

// TransferError describes a single failed transfer
type TransferError struct {
	URL     string
	Message string
	Cause   error
}

func (e *TransferError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transfer error for %s: %s: %v", e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("transfer error for %s: %s", e.URL, e.Message)
}

func (e *TransferError) Unwrap() error {
	return e.Cause
}

func failed(url, message string, cause error) Event {
	err := &TransferError{URL: url, Message: message, Cause: cause}
	return Event{Kind: EventFailed, URL: url, Message: err.Error(), Err: err}
}

// emit delivers ev unless ctx is done first
func emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
