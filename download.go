package zerobrew

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/s7manth/zerobrew/tracing"
)

var downloadTracer = tracing.Init("download")

// progressReportBytes and progressReportPeriod bound how often
// DownloadProgress events fire per in-flight download, per spec.md §5's
// "at most once per 64KiB or 50ms" throttle.
const progressReportBytes = 64 * 1024

const progressReportPeriod = 50 * time.Millisecond

// Per-request timeouts, per spec.md §5: 30s connect, 60s per read chunk,
// 30 min total per bottle (spanning every retry attempt). Exceeding
// connect/read produces a retry; exceeding the total deadline surfaces
// OperationTimeoutError.
const (
	connectTimeout     = 30 * time.Second
	readChunkTimeout   = 60 * time.Second
	totalBottleTimeout = 30 * time.Minute
)

// ParallelDownloader fetches bottle archives into a BlobCache with bounded
// concurrency, matching the teacher's InstallParallel semaphore-over-channel
// shape but generalized to retrying, checksum-verified, progress-reporting
// downloads.
type ParallelDownloader struct {
	httpClient   *http.Client
	cache        *BlobCache
	concurrency  int
	maxRetries   int
	sink         ProgressSink
	readTimeout  time.Duration
	totalTimeout time.Duration
}

// DownloaderOption configures a ParallelDownloader.
type DownloaderOption func(*ParallelDownloader)

func WithDownloadConcurrency(n int) DownloaderOption {
	return func(d *ParallelDownloader) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func WithDownloadHTTPClient(c *http.Client) DownloaderOption {
	return func(d *ParallelDownloader) { d.httpClient = c }
}

func WithDownloadRetries(n int) DownloaderOption {
	return func(d *ParallelDownloader) {
		if n >= 0 {
			d.maxRetries = n
		}
	}
}

func WithDownloadProgressSink(sink ProgressSink) DownloaderOption {
	return func(d *ParallelDownloader) {
		if sink != nil {
			d.sink = sink
		}
	}
}

// WithDownloadReadTimeout overrides the 60s-per-read-chunk default, mainly
// for tests exercising the timeout path without waiting the real duration.
func WithDownloadReadTimeout(d time.Duration) DownloaderOption {
	return func(p *ParallelDownloader) {
		if d > 0 {
			p.readTimeout = d
		}
	}
}

// WithDownloadTotalTimeout overrides the 30-minute-per-bottle default, mainly
// for tests exercising the OperationTimeoutError path.
func WithDownloadTotalTimeout(d time.Duration) DownloaderOption {
	return func(p *ParallelDownloader) {
		if d > 0 {
			p.totalTimeout = d
		}
	}
}

// NewParallelDownloader returns a downloader backed by cache, defaulting to
// 8 concurrent transfers and 3 retries with exponential backoff.
func NewParallelDownloader(cache *BlobCache, opts ...DownloaderOption) *ParallelDownloader {
	d := &ParallelDownloader{
		httpClient:   defaultDownloadHTTPClient(),
		cache:        cache,
		concurrency:  8,
		maxRetries:   3,
		sink:         noopSink,
		readTimeout:  readChunkTimeout,
		totalTimeout: totalBottleTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// defaultDownloadHTTPClient enforces spec.md §5's 30s connect timeout via
// the dialer and response-header wait; the per-read-chunk and total
// deadlines are enforced separately (readTimeoutReader, per-bottle context).
func defaultDownloadHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
			ResponseHeaderTimeout: connectTimeout,
		},
	}
}

// DownloadRequest names one bottle to fetch.
type DownloadRequest struct {
	Name   string
	URL    string
	Sha256 string
}

// DownloadAll fetches every request concurrently (bounded by the
// downloader's concurrency setting) and returns the cache path for each
// request's blob, in input order. The first hard failure cancels the
// remaining in-flight transfers and is returned; transfers already cached
// (matching sha256) are skipped without hitting the network.
func (d *ParallelDownloader) DownloadAll(ctx context.Context, reqs []DownloadRequest) ([]string, error) {
	ctx, span := downloadTracer.Start(ctx, "DownloadAll")
	defer span.End()

	paths := make([]string, len(reqs))
	sem := make(chan struct{}, d.concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			path, err := d.downloadOne(gctx, req)
			if err != nil {
				return fmt.Errorf("downloading %s: %w", req.Name, err)
			}
			paths[i] = path
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (d *ParallelDownloader) downloadOne(ctx context.Context, req DownloadRequest) (string, error) {
	if d.cache.Has(req.Sha256) {
		d.sink(InstallProgress{Kind: Skipped, Name: req.Name, Reason: "already cached"})
		return d.cache.Path(req.Sha256), nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.totalTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return "", classifyTimeout(ctx, req.Name, err)
			}
		}

		path, err := d.fetchOnce(ctx, req)
		if err == nil {
			return path, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return "", err
		}
	}
	return "", classifyTimeout(ctx, req.Name, fmt.Errorf("exhausted retries: %w", lastErr))
}

// classifyTimeout surfaces OperationTimeoutError when ctx's total-per-bottle
// deadline (not the caller's own cancellation) is what ended the download;
// any other error passes through unchanged.
func classifyTimeout(ctx context.Context, name string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &OperationTimeoutError{Name: name}
	}
	return err
}

func (d *ParallelDownloader) fetchOnce(ctx context.Context, req DownloadRequest) (string, error) {
	d.sink(InstallProgress{Kind: DownloadStarted, Name: req.Name, TotalBytes: -1})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &ApiError{Status: resp.StatusCode, Body: req.URL}
	}

	total := resp.ContentLength
	reporter := &progressReader{
		r:        &readTimeoutReader{r: resp.Body, timeout: d.readTimeout},
		name:     req.Name,
		total:    total,
		sink:     d.sink,
		lastTime: time.Now(),
	}

	path, err := d.cache.Put(req.Sha256, reporter)
	if err != nil {
		return "", err
	}

	d.sink(InstallProgress{Kind: DownloadCompleted, Name: req.Name, TotalBytes: reporter.downloaded})
	return path, nil
}

// readTimeoutReader fails a Read that stalls for longer than timeout,
// enforcing spec.md §5's per-read-chunk deadline independently of the
// per-bottle total deadline. The underlying Read keeps running in its
// goroutine after a timeout; closing the response body (the caller's
// defer) unblocks it.
type readTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *readTimeoutReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, fmt.Errorf("read stalled for more than %s", t.timeout)
	}
}

// progressReader wraps an in-flight response body, throttling
// DownloadProgress emission to at most once per progressReportBytes or
// progressReportPeriod, whichever comes first.
type progressReader struct {
	r          io.Reader
	name       string
	total      int64
	downloaded int64
	sinceEmit  int64
	lastTime   time.Time
	sink       ProgressSink
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.downloaded += int64(n)
		p.sinceEmit += int64(n)
		if p.sinceEmit >= progressReportBytes || time.Since(p.lastTime) >= progressReportPeriod {
			p.sink(InstallProgress{
				Kind:       DownloadProgress,
				Name:       p.name,
				Downloaded: p.downloaded,
				TotalBytes: p.total,
			})
			p.sinceEmit = 0
			p.lastTime = time.Now()
		}
	}
	return n, err
}

// isRetryable reports whether a transfer failure is transient (network
// error or 5xx) rather than a permanent rejection like a checksum mismatch
// or a 4xx response.
func isRetryable(err error) bool {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	var mismatch *ChecksumMismatchError
	if errors.As(err, &mismatch) {
		return false
	}
	return true
}

// sleepBackoff waits an exponentially increasing, jittered interval before
// retry attempt n, honoring context cancellation.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	select {
	case <-time.After(base + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
