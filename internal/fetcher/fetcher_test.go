package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valeevte/pricearchive/internal/logger"
)

func newFetcher(concurrency, retries int) *Fetcher {
	return New(Options{
		Concurrency:    concurrency,
		Retries:        retries,
		BaseRetryDelay: time.Millisecond,
		MaxRetryDelay:  5 * time.Millisecond,
		Timeout:        2 * time.Second,
	}, logger.Nop())
}

func TestFetchAllRespectsConcurrencyBound(t *testing.T) {
	var inflight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		fmt.Fprint(w, r.URL.Query().Get("i"))
	}))
	defer srv.Close()

	reqs := make([]Request, 12)
	for i := range reqs {
		reqs[i] = Request{Key: fmt.Sprint(i), URL: fmt.Sprintf("%s/?i=%d", srv.URL, i)}
	}

	results := newFetcher(3, 0).FetchAll(context.Background(), reqs)

	require.Len(t, results, len(reqs))
	for i, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, reqs[i].Key, res.Request.Key)
		assert.Equal(t, fmt.Sprint(i), string(res.Body))
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestFetchAllIsolatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	results := newFetcher(4, 2).FetchAll(context.Background(), []Request{
		{URL: srv.URL + "/a"},
		{URL: srv.URL + "/bad"},
		{URL: srv.URL + "/c"},
	})

	require.Len(t, results, 3)
	assert.True(t, results[0].OK())
	assert.True(t, results[2].OK())

	var se *StatusError
	require.True(t, errors.As(results[1].Err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, 1, results[1].Attempts, "4xx is not retried")
	assert.Nil(t, results[1].Body)
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "done")
	}))
	defer srv.Close()

	res := newFetcher(1, 2).Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "done", string(res.Body))
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res := newFetcher(1, 1).Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, http.StatusBadGateway, res.Status)
}

func TestFetchSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.Header.Get("calltreeid"), "|", r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	res := newFetcher(1, 0).Fetch(context.Background(), Request{
		URL:    srv.URL,
		Header: http.Header{"Calltreeid": []string{"a"}},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, "a|pricearchive/1.0", string(res.Body))
}

func TestFetchAllCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results := newFetcher(1, 3).FetchAll(ctx, []Request{{URL: srv.URL}, {URL: srv.URL}})
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Error(t, res.Err)
	}
}

func TestFetchSpacesRequestsPerHost(t *testing.T) {
	var (
		mu       sync.Mutex
		arrivals []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
	}))
	defer srv.Close()

	f := New(Options{Concurrency: 5, RequestsPerSecond: 20, Timeout: 2 * time.Second}, logger.Nop())
	reqs := make([]Request, 5)
	for i := range reqs {
		reqs[i] = Request{URL: fmt.Sprintf("%s/?i=%d", srv.URL, i)}
	}
	for _, res := range f.FetchAll(context.Background(), reqs) {
		require.NoError(t, res.Err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, arrivals, 5)
	sort.Slice(arrivals, func(i, j int) bool { return arrivals[i].Before(arrivals[j]) })
	// 20 rps means one request every 50ms: four gaps after the first
	assert.GreaterOrEqual(t, arrivals[4].Sub(arrivals[0]), 180*time.Millisecond)
}

func TestFetchKeepsOneLimiterPerHost(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	a := httptest.NewServer(handler)
	defer a.Close()
	b := httptest.NewServer(handler)
	defer b.Close()

	f := New(Options{Concurrency: 6, RequestsPerSecond: 5, Timeout: 2 * time.Second}, logger.Nop())
	var reqs []Request
	for i := 0; i < 3; i++ {
		reqs = append(reqs, Request{URL: a.URL}, Request{URL: b.URL})
	}

	start := time.Now()
	for _, res := range f.FetchAll(context.Background(), reqs) {
		require.NoError(t, res.Err)
	}
	elapsed := time.Since(start)

	assert.Len(t, f.limiters, 2)
	assert.Same(t, f.limiter(a.URL+"/x"), f.limiter(a.URL))
	assert.NotSame(t, f.limiter(a.URL), f.limiter(b.URL))
	// each host waits two 200ms intervals; a shared limiter would need five
	assert.GreaterOrEqual(t, elapsed, 350*time.Millisecond)
	assert.Less(t, elapsed, 900*time.Millisecond)
}

func TestFetchWithoutRateLimitHasNoLimiter(t *testing.T) {
	f := newFetcher(1, 0)
	assert.Nil(t, f.limiter("http://example.test/a"))
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 64))
	}))
	defer srv.Close()

	f := New(Options{Concurrency: 1, Retries: 2, MaxBodyBytes: 16, Timeout: 2 * time.Second}, logger.Nop())
	res := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrBodyTooLarge)
	assert.Equal(t, 1, res.Attempts, "oversized body is not retried")
	assert.Nil(t, res.Body)

	exact := New(Options{Concurrency: 1, MaxBodyBytes: 64, Timeout: 2 * time.Second}, logger.Nop())
	res = exact.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, res.Err)
	assert.Len(t, res.Body, 64)
}

func TestFetchDoesNotRetryPermanentURLErrors(t *testing.T) {
	f := newFetcher(1, 3)

	res := f.Fetch(context.Background(), Request{URL: "ftp://example.test/file"})
	require.Error(t, res.Err)
	assert.Equal(t, 1, res.Attempts, "unsupported scheme")

	res = f.Fetch(context.Background(), Request{URL: "http://[::1"})
	require.Error(t, res.Err)
	assert.Equal(t, 1, res.Attempts, "unparsable URL")
}

func TestFetchRetriesRefusedConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	res := newFetcher(1, 2).Fetch(context.Background(), Request{URL: addr})
	require.Error(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
}
