// Package fetcher executes batches of HTTP GET requests under a process-wide
// concurrency bound, returning one outcome per request.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/valeevte/pricearchive/internal/logger"
)

const defaultMaxBodyBytes = 32 << 20

// ErrBodyTooLarge is returned when a response exceeds Options.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

// Request describes one GET. Key is an opaque caller label carried into the Result.
type Request struct {
	Key    string
	URL    string
	Header http.Header
}

// Result is the outcome of one Request: Body on success, Err otherwise.
type Result struct {
	Request  Request
	Status   int
	Body     []byte
	Err      error
	Attempts int
	Latency  time.Duration
}

func (r Result) OK() bool { return r.Err == nil }

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d for %s", e.Code, e.URL)
}

func (e *StatusError) transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type Options struct {
	Concurrency int
	// RequestsPerSecond limits each target host; 0 disables the limit.
	RequestsPerSecond float64
	Timeout           time.Duration
	Retries           int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	UserAgent         string
	// MaxBodyBytes caps a response body; larger bodies fail with ErrBodyTooLarge.
	MaxBodyBytes int64
	Client       *http.Client
}

type Fetcher struct {
	client    *http.Client
	sem       *semaphore.Weighted
	rps       float64
	retries   int
	baseDelay time.Duration
	maxDelay  time.Duration
	userAgent string
	maxBody   int64
	log       *logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Fetcher. Share one instance across all sources so Concurrency
// caps aggregate in-flight requests.
func New(opts Options, log *logger.Logger) *Fetcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BaseRetryDelay <= 0 {
		opts.BaseRetryDelay = 500 * time.Millisecond
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pricearchive/1.0"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Fetcher{
		client:    client,
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		rps:       opts.RequestsPerSecond,
		retries:   opts.Retries,
		baseDelay: opts.BaseRetryDelay,
		maxDelay:  opts.MaxRetryDelay,
		userAgent: opts.UserAgent,
		maxBody:   opts.MaxBodyBytes,
		log:       log.With("component", "Fetcher"),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// FetchAll runs every request and returns results in input order. A failed
// request never cancels its siblings.
func (f *Fetcher) FetchAll(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.Fetch(ctx, reqs[i])
		}(i)
	}
	wg.Wait()
	return results
}

// Fetch runs one request, retrying transient failures with exponential backoff.
func (f *Fetcher) Fetch(ctx context.Context, req Request) Result {
	start := time.Now()
	res := Result{Request: req}

	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		res.Status, res.Body, res.Err = f.once(ctx, req)
		if res.Err == nil || attempt >= f.retries || !isTransient(res.Err) || ctx.Err() != nil {
			break
		}
		delay := f.backoff(attempt)
		f.log.Debug("retrying request", "url", req.URL, "attempt", res.Attempts, "delay", delay, "error", res.Err)
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			res.Latency = time.Since(start)
			return res
		case <-time.After(delay):
		}
	}
	res.Latency = time.Since(start)
	if res.Err != nil {
		res.Body = nil
	}
	return res
}

func (f *Fetcher) once(ctx context.Context, req Request) (int, []byte, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return 0, nil, err
	}
	defer f.sem.Release(1)

	if lim := f.limiter(req.URL); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return 0, nil, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", f.userAgent)
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, f.maxBody))
		return resp.StatusCode, nil, &StatusError{Code: resp.StatusCode, URL: req.URL}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBody {
		return resp.StatusCode, nil, fmt.Errorf("%s: %w (limit %d bytes)", req.URL, ErrBodyTooLarge, f.maxBody)
	}
	return resp.StatusCode, body, nil
}

func (f *Fetcher) limiter(rawURL string) *rate.Limiter {
	if f.rps <= 0 {
		return nil
	}
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		// burst 1: one request per interval per host
		lim = rate.NewLimiter(rate.Limit(f.rps), 1)
		f.limiters[host] = lim
	}
	return lim
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	d := time.Duration(float64(f.baseDelay) * math.Pow(2, float64(attempt)))
	if d > f.maxDelay {
		d = f.maxDelay
	}
	return d
}

// isTransient reports whether a failed attempt is worth retrying: 429 and 5xx
// responses, timeouts, and connections that were refused, reset or cut short.
// Malformed URLs, unsupported schemes and oversized bodies are permanent.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrBodyTooLarge) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.transient()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var op *net.OpError
	if errors.As(err, &op) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}
