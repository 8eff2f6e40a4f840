// Package fetch downloads index documents and artifacts with retries,
// per-host circuit breaking and a caching DNS dialer.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/dnscache"

	"github.com/oshokin/pybundle/internal/logger"
	"github.com/oshokin/pybundle/internal/version"
)

var (
	// ErrNotFound is returned for 404 responses; it is never retried.
	ErrNotFound = errors.New("artifact not found")
	// ErrRateLimited is returned for 429 responses.
	ErrRateLimited = errors.New("rate limited by upstream")
	// ErrUpstreamDown is returned for 5xx responses, network failures and open breakers.
	ErrUpstreamDown = errors.New("upstream index unavailable")

	errNoAddress = errors.New("failed to dial any resolved IP")
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultBaseDelay  = 500 * time.Millisecond
	dialTimeout       = 10 * time.Second
	keepAlive         = 30 * time.Second
	maxErrorBody      = 1024
	jitterFraction    = 0.1
)

// Artifact contains the response of a successful fetch.
type Artifact struct {
	Body        io.ReadCloser
	Size        int64 // -1 if unknown
	ContentType string
}

// Interface is implemented by Fetcher and Breaker.
type Interface interface {
	Fetch(ctx context.Context, url string) (*Artifact, error)
}

// Fetcher downloads from the package index.
type Fetcher struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithTimeout bounds the wait for response headers and every stall while
// reading the body. A download that keeps making progress never times out.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithMaxRetries sets the maximum retry attempts after the first one.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		if n >= 0 {
			f.maxRetries = n
		}
	}
}

// WithBaseDelay sets the base delay for exponential backoff.
func WithBaseDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		f.baseDelay = d
	}
}

// NewFetcher creates a Fetcher whose dialer caches DNS answers for the lifetime of the process.
func NewFetcher(opts ...Option) *Fetcher {
	resolver := &dnscache.Resolver{}

	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: keepAlive,
	}

	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // Standard library default.
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}

		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
		}

		return nil, fmt.Errorf("%w: %s", errNoAddress, host)
	}

	f := &Fetcher{
		client:     &http.Client{Transport: transport},
		userAgent:  "pybundle/" + version.Short(),
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		timeout:    defaultTimeout,
	}

	for _, opt := range opts {
		opt(f)
	}

	transport.ResponseHeaderTimeout = f.timeout

	return f
}

// Fetch downloads the URL. The caller must close the returned Artifact.Body.
// Rate limits, server errors and network failures are retried with exponential
// backoff and 10% jitter; a 404 is returned at once.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Artifact, error) {
	var lastErr error

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			delay := f.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			delay += time.Duration(float64(delay) * (rand.Float64() * jitterFraction)) //nolint:gosec // Jitter only.

			logger.DebugKV(ctx, "retrying fetch", "url", url, "attempt", attempt, "delay", delay, "error", lastErr)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		artifact, err := f.doFetch(ctx, url)
		if err == nil {
			return artifact, nil
		}

		lastErr = err

		if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamDown) {
			continue
		}

		return nil, err
	}

	return nil, lastErr
}

func (f *Fetcher) doFetch(ctx context.Context, url string) (*Artifact, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()

		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("%w: %w", ErrUpstreamDown, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		size := int64(-1)
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				size = n
			}
		}

		return &Artifact{
			Body:        newIdleBody(resp.Body, f.timeout, cancel),
			Size:        size,
			ContentType: resp.Header.Get("Content-Type"),
		}, nil

	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()

		cancel()

		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)

	case resp.StatusCode == http.StatusTooManyRequests:
		_ = resp.Body.Close()

		cancel()

		return nil, ErrRateLimited

	case resp.StatusCode >= http.StatusInternalServerError:
		_ = resp.Body.Close()

		cancel()

		return nil, fmt.Errorf("%w: status %d", ErrUpstreamDown, resp.StatusCode)

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()

		cancel()

		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

// idleBody cancels its request when no read completes within the timeout.
type idleBody struct {
	io.ReadCloser

	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
}

func newIdleBody(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleBody {
	return &idleBody{
		ReadCloser: body,
		timeout:    timeout,
		timer:      time.AfterFunc(timeout, cancel),
		cancel:     cancel,
	}
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.timer.Reset(b.timeout)

	return n, err //nolint:wrapcheck // io.EOF must reach the caller unwrapped.
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	defer b.cancel()

	return b.ReadCloser.Close()
}
