package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/valeevte/pricearchive/internal/categories"
	"github.com/valeevte/pricearchive/internal/entities"
	"github.com/valeevte/pricearchive/internal/fetcher"
	"github.com/valeevte/pricearchive/internal/logger"
)

const (
	megaImageSource       = "megaimage"
	megaImageStore        = "Mega Image"
	megaImageDefaultBase  = "https://api.mega-image.ro/"
	megaImageDefaultCDN   = "https://d1lqpgkqcok0l.cloudfront.net"
	megaImagePageSize     = 50
	megaImageOperation    = "GetCategoryProductSearch"
	megaImageQueryHash    = "10ddc63b94cf5c83b7474746ae22bab24e83d503834a72942577672af7df4cb2"
	megaImageMaxPageCount = 500
)

type MegaImageOptions struct {
	BaseURL string
	CDNBase string
}

// MegaImage pages through a GraphQL category search. A page-0 request per
// category code discovers the page count.
type MegaImage struct {
	base string
	cdn  string
	cats []categories.Category
	log  *logger.Logger
}

func NewMegaImage(cats *categories.Map, opts MegaImageOptions, log *logger.Logger) *MegaImage {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = megaImageDefaultBase
	}
	cdn := strings.TrimSpace(opts.CDNBase)
	if cdn == "" {
		cdn = megaImageDefaultCDN
	}
	return &MegaImage{
		base: base,
		cdn:  strings.TrimRight(cdn, "/"),
		cats: cats.For(megaImageSource),
		log:  log.With("source", megaImageSource),
	}
}

func (m *MegaImage) Source() string    { return megaImageSource }
func (m *MegaImage) StoreName() string { return megaImageStore }

func (m *MegaImage) pageURL(code string, page int) string {
	vars, _ := json.Marshal(map[string]interface{}{
		"lang":       "ro",
		"category":   code,
		"pageNumber": page,
		"pageSize":   megaImagePageSize,
	})
	ext, _ := json.Marshal(map[string]interface{}{
		"persistedQuery": map[string]interface{}{"version": 1, "sha256Hash": megaImageQueryHash},
	})
	q := url.Values{}
	q.Set("operationName", megaImageOperation)
	q.Set("variables", string(vars))
	q.Set("extensions", string(ext))
	return m.base + "?" + q.Encode()
}

type megaImageSearch struct {
	Data struct {
		CategoryProductSearch *struct {
			Products   []json.RawMessage `json:"products"`
			Pagination struct {
				TotalPages *int `json:"totalPages"`
			} `json:"pagination"`
		} `json:"categoryProductSearch"`
	} `json:"data"`
}

type megaImageProduct struct {
	Name             *string `json:"name"`
	ManufacturerName *string `json:"manufacturerName"`
	Price            *struct {
		UnitPrice *float64 `json:"unitPrice"`
		Unit      *string  `json:"unit"`
	} `json:"price"`
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

// PlanRequests fetches page 0 of every category code concurrently and emits
// one request per discovered page. Codes whose discovery fails are skipped.
func (m *MegaImage) PlanRequests(ctx context.Context, f Fetcher) ([]CategoryPlan, error) {
	type origin struct {
		category string
		code     string
	}
	var (
		discovery []fetcher.Request
		origins   []origin
	)
	for _, c := range m.cats {
		for _, code := range c.Codes {
			discovery = append(discovery, fetcher.Request{
				Key: c.Name + "|" + code + "|discovery",
				URL: m.pageURL(code, 0),
			})
			origins = append(origins, origin{category: c.Name, code: code})
		}
	}

	results := f.FetchAll(ctx, discovery)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byCategory := make(map[string][]fetcher.Request)
	for i, res := range results {
		o := origins[i]
		if !res.OK() {
			m.log.Warn("page discovery failed", "category", o.category, "code", o.code, "error", res.Err)
			continue
		}
		pages, err := m.totalPages(res.Body)
		if err != nil {
			m.log.Warn("page discovery unreadable", "category", o.category, "code", o.code, "error", err)
			continue
		}
		for p := 0; p < pages; p++ {
			byCategory[o.category] = append(byCategory[o.category], fetcher.Request{
				Key: o.category + "|" + o.code + "|" + strconv.Itoa(p),
				URL: m.pageURL(o.code, p),
			})
		}
	}

	plans := make([]CategoryPlan, 0, len(byCategory))
	for _, c := range m.cats {
		if reqs := byCategory[c.Name]; len(reqs) > 0 {
			plans = append(plans, CategoryPlan{Category: c.Name, Requests: reqs})
		}
	}
	return plans, nil
}

func (m *MegaImage) totalPages(body []byte) (int, error) {
	var doc megaImageSearch
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, err
	}
	search := doc.Data.CategoryProductSearch
	if search == nil || search.Pagination.TotalPages == nil {
		return 0, fmt.Errorf("pagination.totalPages missing")
	}
	n := *search.Pagination.TotalPages
	if n < 0 || n > megaImageMaxPageCount {
		return 0, fmt.Errorf("implausible page count %d", n)
	}
	return n, nil
}

func (m *MegaImage) Interpret(ctx context.Context, body []byte, t Target) ([]CanonicalProduct, error) {
	var doc megaImageSearch
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("megaimage: decode page: %w", err)
	}
	search := doc.Data.CategoryProductSearch
	if search == nil {
		return nil, fmt.Errorf("megaimage: data.categoryProductSearch missing")
	}

	out := make([]CanonicalProduct, 0, len(search.Products))
	for i, raw := range search.Products {
		var item megaImageProduct
		if err := json.Unmarshal(raw, &item); err != nil {
			m.log.Debug("skipping undecodable item", "index", i, "error", err)
			continue
		}
		p, reason := m.product(item)
		if reason != "" {
			m.log.Debug("skipping item", "index", i, "reason", reason)
			continue
		}
		man, err := t.Resolver.GetOrCreate(ctx, entities.KindManufacturer, Capitalize(strings.TrimSpace(*item.ManufacturerName)))
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

// product extracts the item's own fields; reason is non-empty when the item must be skipped.
func (m *MegaImage) product(item megaImageProduct) (CanonicalProduct, string) {
	if item.Name == nil || strings.TrimSpace(*item.Name) == "" {
		return CanonicalProduct{}, "missing name"
	}
	if item.ManufacturerName == nil || strings.TrimSpace(*item.ManufacturerName) == "" {
		return CanonicalProduct{}, "missing manufacturerName"
	}
	if item.Price == nil || item.Price.UnitPrice == nil || *item.Price.UnitPrice < 0 {
		return CanonicalProduct{}, "missing price.unitPrice"
	}
	if item.Price.Unit == nil || strings.TrimSpace(*item.Price.Unit) == "" {
		return CanonicalProduct{}, "missing price.unit"
	}

	p := CanonicalProduct{
		Name:         Capitalize(strings.TrimSpace(*item.Name)),
		Unit:         Capitalize(strings.TrimSpace(*item.Price.Unit)),
		PricePerUnit: decimal.NewFromFloat(*item.Price.UnitPrice).Round(2),
	}
	if n := len(item.Images); n > 0 && item.Images[n-1].URL != "" {
		uri := m.cdn + item.Images[n-1].URL
		p.ImageURI = &uri
	}
	return p, ""
}
