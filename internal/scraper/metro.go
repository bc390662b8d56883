package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/valeevte/pricearchive/internal/categories"
	"github.com/valeevte/pricearchive/internal/entities"
	"github.com/valeevte/pricearchive/internal/fetcher"
	"github.com/valeevte/pricearchive/internal/logger"
)

const (
	metroSource           = "metro"
	metroStore            = "Metro"
	metroDefaultSearchURL = "https://produse.metro.ro/explore.articlesearch.v1/search"
	metroDefaultDetailURL = "https://produse.metro.ro/evaluate.article.v1/betty-variants"
	metroDefaultStoreID   = "00013"
	metroSearchRows       = 1000

	// MetroBatchSize is the number of article ids per detail request.
	MetroBatchSize = 40
)

type MetroOptions struct {
	SearchURL string
	DetailURL string
	StoreID   string
}

// Metro is a two-phase source: a category search returns article ids, then
// details are fetched in batches of MetroBatchSize ids.
type Metro struct {
	searchURL string
	detailURL string
	storeID   string
	cats      []categories.Category
	log       *logger.Logger
}

func NewMetro(cats *categories.Map, opts MetroOptions, log *logger.Logger) *Metro {
	m := &Metro{
		searchURL: strings.TrimSpace(opts.SearchURL),
		detailURL: strings.TrimSpace(opts.DetailURL),
		storeID:   strings.TrimSpace(opts.StoreID),
		cats:      cats.For(metroSource),
		log:       log.With("source", metroSource),
	}
	if m.searchURL == "" {
		m.searchURL = metroDefaultSearchURL
	}
	if m.detailURL == "" {
		m.detailURL = metroDefaultDetailURL
	}
	if m.storeID == "" {
		m.storeID = metroDefaultStoreID
	}
	return m
}

func (m *Metro) Source() string    { return metroSource }
func (m *Metro) StoreName() string { return metroStore }

func (m *Metro) searchRequest(category, code string) fetcher.Request {
	q := url.Values{}
	q.Set("storeId", m.storeID)
	q.Set("language", "ro-RO")
	q.Set("country", "RO")
	q.Set("query", "*")
	q.Set("rows", strconv.Itoa(metroSearchRows))
	q.Set("page", "1")
	q.Set("filter", "category:"+code)
	return fetcher.Request{
		Key: category + "|" + code + "|search",
		URL: m.searchURL + "?" + q.Encode(),
	}
}

// detailRequests partitions ids into batches; there is no empty trailing batch.
func (m *Metro) detailRequests(category string, ids []string) []fetcher.Request {
	var out []fetcher.Request
	for start := 0; start < len(ids); start += MetroBatchSize {
		end := start + MetroBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		q := url.Values{}
		q.Set("storeIds", m.storeID)
		q.Set("country", "RO")
		q.Set("locale", "ro-RO")
		for _, id := range ids[start:end] {
			q.Add("ids", id)
		}
		out = append(out, fetcher.Request{
			Key:    category + "|batch|" + strconv.Itoa(start/MetroBatchSize),
			URL:    m.detailURL + "?" + q.Encode(),
			Header: http.Header{"Calltreeid": []string{"a"}},
		})
	}
	return out
}

type metroSearch struct {
	ResultIDs []json.RawMessage `json:"resultIds"`
}

// PlanRequests runs phase 1 for all categories at once; each category's batch
// requests are built only after all of its searches have returned.
func (m *Metro) PlanRequests(ctx context.Context, f Fetcher) ([]CategoryPlan, error) {
	var (
		searches []fetcher.Request
		owners   []string
	)
	for _, c := range m.cats {
		for _, code := range c.Codes {
			searches = append(searches, m.searchRequest(c.Name, code))
			owners = append(owners, c.Name)
		}
	}

	results := f.FetchAll(ctx, searches)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make(map[string][]string)
	seen := make(map[string]map[string]struct{})
	for i, res := range results {
		cat := owners[i]
		if !res.OK() {
			m.log.Warn("article search failed", "category", cat, "key", res.Request.Key, "error", res.Err)
			continue
		}
		var doc metroSearch
		if err := json.Unmarshal(res.Body, &doc); err != nil {
			m.log.Warn("article search unreadable", "category", cat, "key", res.Request.Key, "error", err)
			continue
		}
		if seen[cat] == nil {
			seen[cat] = make(map[string]struct{})
		}
		for _, raw := range doc.ResultIDs {
			id, ok := jsonScalar(raw)
			if !ok {
				continue
			}
			if _, dup := seen[cat][id]; dup {
				continue
			}
			seen[cat][id] = struct{}{}
			ids[cat] = append(ids[cat], id)
		}
	}

	plans := make([]CategoryPlan, 0, len(ids))
	for _, c := range m.cats {
		if len(ids[c.Name]) == 0 {
			continue
		}
		plans = append(plans, CategoryPlan{Category: c.Name, Requests: m.detailRequests(c.Name, ids[c.Name])})
	}
	return plans, nil
}

type metroDetail struct {
	Result map[string]json.RawMessage `json:"result"`
}

type metroArticle struct {
	Variants map[string]struct {
		ImageURL    *string `json:"imageUrl"`
		Description *string `json:"description"`
		Bundles     map[string]struct {
			Description *string `json:"description"`
			BrandName   *string `json:"brandName"`
			Stores      map[string]struct {
				SellingPriceInfo *struct {
					FinalPrice *float64 `json:"finalPrice"`
				} `json:"sellingPriceInfo"`
			} `json:"stores"`
		} `json:"bundles"`
	} `json:"variants"`
}

func (m *Metro) Interpret(ctx context.Context, body []byte, t Target) ([]CanonicalProduct, error) {
	var doc metroDetail
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("metro: decode details: %w", err)
	}
	if doc.Result == nil {
		return nil, fmt.Errorf("metro: result missing")
	}

	keys := sortedKeys(doc.Result)
	out := make([]CanonicalProduct, 0, len(keys))
	for _, id := range keys {
		var art metroArticle
		if err := json.Unmarshal(doc.Result[id], &art); err != nil {
			m.log.Debug("skipping undecodable article", "id", id, "error", err)
			continue
		}
		p, brand, reason := m.product(art)
		if reason != "" {
			m.log.Debug("skipping article", "id", id, "reason", reason)
			continue
		}
		man, err := t.Resolver.GetOrCreate(ctx, entities.KindManufacturer, brand)
		if err != nil {
			return nil, err
		}
		p.Manufacturer = man
		p.Category = t.Category
		p.Store = t.Store
		out = append(out, p)
	}
	return out, nil
}

func (m *Metro) product(art metroArticle) (CanonicalProduct, string, string) {
	variant, ok := firstValue(art.Variants)
	if !ok {
		return CanonicalProduct{}, "", "no variants"
	}
	bundle, ok := firstValue(variant.Bundles)
	if !ok {
		return CanonicalProduct{}, "", "no bundles"
	}
	if bundle.Description == nil || strings.TrimSpace(*bundle.Description) == "" {
		return CanonicalProduct{}, "", "missing bundle description"
	}
	if bundle.BrandName == nil || strings.TrimSpace(*bundle.BrandName) == "" {
		return CanonicalProduct{}, "", "missing brandName"
	}
	store, ok := bundle.Stores[m.storeID]
	if !ok {
		store, ok = firstValue(bundle.Stores)
	}
	if !ok || store.SellingPriceInfo == nil || store.SellingPriceInfo.FinalPrice == nil || *store.SellingPriceInfo.FinalPrice < 0 {
		return CanonicalProduct{}, "", "missing sellingPriceInfo.finalPrice"
	}

	// the name comes from the bundle alone; the variant only refines the quantity
	name, quantity, unit, _ := ExtractQuantity(*bundle.Description)
	if name == "" {
		name = strings.TrimSpace(*bundle.Description)
	}
	if variant.Description != nil {
		if _, q, u, ok := ExtractQuantity(*variant.Description); ok {
			quantity, unit = q, u
		}
	}

	p := CanonicalProduct{
		Name:         Capitalize(name),
		Unit:         Capitalize(unit),
		PricePerUnit: UnitPrice(decimal.NewFromFloat(*store.SellingPriceInfo.FinalPrice), quantity),
	}
	if variant.ImageURL != nil && strings.TrimSpace(*variant.ImageURL) != "" {
		uri := strings.TrimSpace(*variant.ImageURL)
		p.ImageURI = &uri
	}
	return p, Capitalize(strings.TrimSpace(*bundle.BrandName)), ""
}

// firstValue picks the entry with the lowest key so results are deterministic.
func firstValue[T any](m map[string]T) (T, bool) {
	var zero T
	if len(m) == 0 {
		return zero, false
	}
	return m[sortedKeys(m)[0]], true
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// jsonScalar accepts ids encoded as JSON strings or numbers.
func jsonScalar(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}
