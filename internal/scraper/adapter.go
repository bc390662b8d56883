// Package scraper contains the per-retailer source adapters and the canonical
// product record they produce.
package scraper

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/valeevte/pricearchive/internal/entities"
	"github.com/valeevte/pricearchive/internal/fetcher"
)

// CanonicalProduct is a normalized scraped item, not yet persisted.
type CanonicalProduct struct {
	Name         string
	Unit         string
	PricePerUnit decimal.Decimal
	ImageURI     *string
	Category     entities.Ref
	Manufacturer entities.Ref
	Store        entities.Ref
}

// Identity is the deduplication key of a product. Price and image are not part of it.
type Identity struct {
	Name         string
	Unit         string
	Category     string
	Manufacturer string
	Store        string
}

func (p CanonicalProduct) Identity() Identity {
	return Identity{
		Name:         p.Name,
		Unit:         p.Unit,
		Category:     p.Category.Name,
		Manufacturer: p.Manufacturer.Name,
		Store:        p.Store.Name,
	}
}

// Fetcher is the part of fetcher.Fetcher adapters use for discovery requests.
type Fetcher interface {
	FetchAll(ctx context.Context, reqs []fetcher.Request) []fetcher.Result
}

// Resolver resolves reference entity names; implemented by entities.Registry.
type Resolver interface {
	GetOrCreate(ctx context.Context, kind entities.Kind, name string) (entities.Ref, error)
}

// CategoryPlan holds the requests that produce one canonical category.
type CategoryPlan struct {
	Category string
	Requests []fetcher.Request
}

// Target is what Interpret needs besides the body.
type Target struct {
	Category entities.Ref
	Store    entities.Ref
	Resolver Resolver
}

// Adapter is one retail source.
type Adapter interface {
	// Source is the registry key, e.g. "metro".
	Source() string
	// StoreName is the name of the store reference entity.
	StoreName() string
	PlanRequests(ctx context.Context, f Fetcher) ([]CategoryPlan, error)
	// Interpret maps one response body to products. Items that cannot be
	// interpreted are skipped; an error means the body as a whole was unusable.
	Interpret(ctx context.Context, body []byte, t Target) ([]CanonicalProduct, error)
}

// Registry selects adapters by name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[strings.ToLower(a.Source())] = a
	}
	return r
}

// Select returns the named adapters, or every adapter sorted by name when names is empty.
func (r *Registry) Select(names []string) ([]Adapter, error) {
	if len(names) == 0 {
		keys := make([]string, 0, len(r.adapters))
		for k := range r.adapters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		names = keys
	}
	out := make([]Adapter, 0, len(names))
	for _, n := range names {
		a, ok := r.adapters[strings.ToLower(n)]
		if !ok {
			return nil, fmt.Errorf("unknown source %q", n)
		}
		out = append(out, a)
	}
	return out, nil
}
