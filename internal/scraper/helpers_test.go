package scraper

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/valeevte/pricearchive/internal/entities"
	"github.com/valeevte/pricearchive/internal/fetcher"
	"github.com/valeevte/pricearchive/internal/logger"
)

// fakeResolver hands out sequential ids per (kind, name).
type fakeResolver struct {
	mu    sync.Mutex
	ids   map[string]uint
	calls int
	err   error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{ids: make(map[string]uint)}
}

func (r *fakeResolver) GetOrCreate(_ context.Context, kind entities.Kind, name string) (entities.Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return entities.Ref{}, r.err
	}
	key := string(kind) + "/" + name
	id, ok := r.ids[key]
	if !ok {
		id = uint(len(r.ids) + 1)
		r.ids[key] = id
	}
	return entities.Ref{ID: id, Name: name}, nil
}

func testTarget(res Resolver) Target {
	return Target{
		Category: entities.Ref{ID: 10, Name: "Lactate/Oua"},
		Store:    entities.Ref{ID: 20, Name: "Metro"},
		Resolver: res,
	}
}

func testFetcher() *fetcher.Fetcher {
	return fetcher.New(fetcher.Options{Concurrency: 4, Timeout: 2 * time.Second}, logger.Nop())
}

func mustParseQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u.Query()
}
