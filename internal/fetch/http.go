package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/afero"
)

// HTTPOptions configures HTTPFetcher
type HTTPOptions struct {
	// Timeout is an idle timeout: a request fails when no response headers or
	// body bytes arrive for this long. Zero disables it.
	Timeout   time.Duration
	UserAgent string
	// MaxDepth limits how many listing levels below the root are followed; zero or negative means unlimited.
	MaxDepth int
	// Reject holds filepath.Match patterns; matching file names are not downloaded.
	Reject []string
}

// HTTPFetcher walks HTML directory listings and downloads every file below the root URL.
// Listing pages are followed but not saved, links outside the root path are ignored
// and all files land directly in destDir.
type HTTPFetcher struct {
	fs     afero.Fs
	client *http.Client
	opts   HTTPOptions
}

// errIdleTimeout cancels a request that stopped receiving data
var errIdleTimeout = errors.New("idle timeout: no data received")

// NewHTTPFetcher creates a fetcher writing through fs
func NewHTTPFetcher(fs afero.Fs, opts HTTPOptions) *HTTPFetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = opts.Timeout
	return &HTTPFetcher{
		fs:     fs,
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// idleReader pushes the idle deadline back whenever bytes arrive
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

type queued struct {
	u     *url.URL
	depth int
}

// Fetch starts the walk in the background and returns its event stream
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, destDir string) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		f.walk(ctx, rawURL, destDir, events)
	}()
	return events
}

func (f *HTTPFetcher) walk(ctx context.Context, rawURL, destDir string, events chan<- Event) {
	root, err := url.Parse(rawURL)
	if err != nil || root.Scheme == "" || root.Host == "" {
		emit(ctx, events, failed(rawURL, "invalid URL", err))
		return
	}
	root.Fragment = ""
	scope := scopePath(root.Path)

	visited := make(map[string]bool)
	queue := []queued{{u: root}}

	for len(queue) > 0 {
		if ctx.Err() != nil {
			return
		}

		item := queue[0]
		queue = queue[1:]

		key := item.u.String()
		if visited[key] {
			continue
		}
		visited[key] = true

		links := f.visit(ctx, item, destDir, events)
		for _, link := range links {
			if !inScope(root, scope, link) || visited[link.String()] {
				continue
			}
			queue = append(queue, queued{u: link, depth: item.depth + 1})
		}
	}
}

// visit downloads a file or, for listing pages, returns the links to follow
func (f *HTTPFetcher) visit(ctx context.Context, item queued, destDir string, events chan<- Event) []*url.URL {
	target := item.u.String()

	name := path.Base(item.u.Path)
	if !strings.HasSuffix(item.u.Path, "/") && f.rejected(name) {
		emit(ctx, events, Event{Kind: EventSkipped, URL: target, Message: "rejected by pattern"})
		return nil
	}

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var timer *time.Timer
	if f.opts.Timeout > 0 {
		timer = time.AfterFunc(f.opts.Timeout, func() { cancel(errIdleTimeout) })
		defer timer.Stop()
	}
	body := func(r io.Reader) io.Reader {
		if timer == nil {
			return r
		}
		timer.Reset(f.opts.Timeout)
		return &idleReader{r: r, timer: timer, timeout: f.opts.Timeout}
	}
	// idle reports the idle timeout instead of the bare cancellation it caused
	idle := func(err error) error {
		if cause := context.Cause(reqCtx); errors.Is(cause, errIdleTimeout) {
			return cause
		}
		return err
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		emit(ctx, events, failed(target, "failed to create request", err))
		return nil
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		emit(ctx, events, failed(target, "HTTP request failed", idle(err)))
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		emit(ctx, events, failed(target, fmt.Sprintf("HTTP status %d", resp.StatusCode), nil))
		return nil
	}

	if isListing(resp) {
		if f.opts.MaxDepth > 0 && item.depth >= f.opts.MaxDepth {
			emit(ctx, events, Event{Kind: EventProgress, URL: target, Message: "maximum depth reached"})
			return nil
		}
		links, err := extractLinks(body(resp.Body), resp.Request.URL)
		if err != nil {
			emit(ctx, events, failed(target, "failed to parse listing", idle(err)))
			return nil
		}
		emit(ctx, events, Event{Kind: EventProgress, URL: target, Message: fmt.Sprintf("listing with %d links", len(links))})
		return links
	}

	if name == "" || name == "/" || name == "." {
		name = "index"
	}
	dest, n, err := f.save(body(resp.Body), destDir, name)
	if err != nil {
		emit(ctx, events, failed(target, "failed to write file", idle(err)))
		return nil
	}
	emit(ctx, events, Event{Kind: EventFetched, URL: target, Path: dest, Bytes: n})
	return nil
}

func (f *HTTPFetcher) rejected(name string) bool {
	for _, pattern := range f.opts.Reject {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// save writes body to a collision-free name inside destDir using a temp file and rename
func (f *HTTPFetcher) save(body io.Reader, destDir, name string) (string, int64, error) {
	if err := f.fs.MkdirAll(destDir, 0755); err != nil {
		return "", 0, err
	}

	tmp, err := afero.TempFile(f.fs, destDir, ".mwmsync-tmp-*")
	if err != nil {
		return "", 0, err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = f.fs.Remove(tmpPath)
	}() // cleanup on error

	n, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}

	dest, err := f.freeName(destDir, name)
	if err != nil {
		return "", 0, err
	}
	if err := f.fs.Rename(tmpPath, dest); err != nil {
		return "", 0, err
	}
	return dest, n, nil
}

// freeName returns destDir/name, or name.1, name.2, ... when taken
func (f *HTTPFetcher) freeName(destDir, name string) (string, error) {
	candidate := filepath.Join(destDir, name)
	for i := 1; ; i++ {
		exists, err := afero.Exists(f.fs, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = filepath.Join(destDir, fmt.Sprintf("%s.%d", name, i))
	}
}

func isListing(resp *http.Response) bool {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// extractLinks returns the absolute targets of all anchors in an HTML listing.
// Links carrying a query string (listing sort controls) are dropped.
func extractLinks(body io.Reader, base *url.URL) ([]*url.URL, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	var links []*url.URL
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") {
			return
		}

		ref, err := url.Parse(href)
		if err != nil {
			return
		}

		abs := base.ResolveReference(ref)
		if abs.RawQuery != "" {
			return
		}
		abs.Fragment = ""
		links = append(links, abs)
	})
	return links, nil
}

// scopePath is the directory part of p; nothing above it is fetched
func scopePath(p string) string {
	if p == "" {
		return "/"
	}
	if strings.HasSuffix(p, "/") {
		return p
	}
	dir := path.Dir(p)
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return dir
}

func inScope(root *url.URL, scope string, u *url.URL) bool {
	if u.Scheme != root.Scheme || u.Host != root.Host {
		return false
	}
	return strings.HasPrefix(u.Path, scope)
}
