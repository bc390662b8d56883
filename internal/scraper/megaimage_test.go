package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valeevte/pricearchive/internal/categories"
	"github.com/valeevte/pricearchive/internal/logger"
)

func mustCategories(t *testing.T, doc string) *categories.Map {
	t.Helper()
	m, err := categories.Parse([]byte(doc))
	require.NoError(t, err)
	return m
}

// megaImageServer serves totalPages per category code; codes not in pages get a 500.
func megaImageServer(t *testing.T, pages map[string]int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var vars struct {
			Category   string `json:"category"`
			PageNumber int    `json:"pageNumber"`
		}
		if err := json.Unmarshal([]byte(r.URL.Query().Get("variables")), &vars); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n, ok := pages[vars.Category]
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"data":{"categoryProductSearch":{"products":[],"pagination":{"totalPages":%d}}}}`, n)
	}))
}

func TestMegaImagePlanRequestsDiscoversPages(t *testing.T) {
	srv := megaImageServer(t, map[string]int{"001": 3, "002": 1})
	defer srv.Close()

	cats := mustCategories(t, "megaimage:\n  Dairy: [\"001\", \"broken\"]\n  Meat: [\"002\"]\n")
	m := NewMegaImage(cats, MegaImageOptions{BaseURL: srv.URL + "/"}, logger.Nop())

	plans, err := m.PlanRequests(context.Background(), testFetcher())
	require.NoError(t, err)
	require.Len(t, plans, 2)

	assert.Equal(t, "Dairy", plans[0].Category)
	require.Len(t, plans[0].Requests, 3, "broken code is skipped, 001 yields 3 pages")
	assert.Equal(t, "Meat", plans[1].Category)
	require.Len(t, plans[1].Requests, 1)

	var pagesSeen []int
	for _, req := range plans[0].Requests {
		var vars struct {
			Category   string `json:"category"`
			PageNumber int    `json:"pageNumber"`
			PageSize   int    `json:"pageSize"`
		}
		u := mustParseQuery(t, req.URL)
		require.NoError(t, json.Unmarshal([]byte(u.Get("variables")), &vars))
		assert.Equal(t, "001", vars.Category)
		assert.Equal(t, 50, vars.PageSize)
		assert.Equal(t, "GetCategoryProductSearch", u.Get("operationName"))
		pagesSeen = append(pagesSeen, vars.PageNumber)
	}
	sort.Ints(pagesSeen)
	assert.Equal(t, []int{0, 1, 2}, pagesSeen)
}

const megaImagePage = `{"data":{"categoryProductSearch":{"pagination":{"totalPages":1},"products":[
 {"name":"lapte batut","manufacturerName":"napolact","price":{"unitPrice":7.456,"unit":"l"},"images":[{"url":"/small.jpg"},{"url":"/big.jpg"}]},
 {"name":"iaurt","manufacturerName":null,"price":{"unitPrice":3.1,"unit":"buc"}},
 {"name":"smantana","manufacturerName":"Napolact","price":{"unitPrice":"n/a","unit":"kg"}},
 {"name":"unt","manufacturerName":"President","price":{"unitPrice":40,"unit":"kg"},"images":[]}
]}}}`

func TestMegaImageInterpret(t *testing.T) {
	m := NewMegaImage(mustCategories(t, "megaimage: {}\n"), MegaImageOptions{}, logger.Nop())
	res := newFakeResolver()

	got, err := m.Interpret(context.Background(), []byte(megaImagePage), testTarget(res))
	require.NoError(t, err)
	require.Len(t, got, 2, "null manufacturer and bad price are skipped")

	first := got[0]
	assert.Equal(t, "Lapte batut", first.Name)
	assert.Equal(t, "L", first.Unit)
	assert.Equal(t, "7.46", first.PricePerUnit.StringFixed(2))
	require.NotNil(t, first.ImageURI)
	assert.Equal(t, "https://d1lqpgkqcok0l.cloudfront.net/big.jpg", *first.ImageURI)
	assert.Equal(t, "Napolact", first.Manufacturer.Name)
	assert.Equal(t, "Lactate/Oua", first.Category.Name)
	assert.Equal(t, "Metro", first.Store.Name)

	assert.Equal(t, "Unt", got[1].Name)
	assert.Nil(t, got[1].ImageURI)
	assert.Equal(t, "President", got[1].Manufacturer.Name)
}

func TestMegaImageInterpretRejectsForeignShape(t *testing.T) {
	m := NewMegaImage(mustCategories(t, "megaimage: {}\n"), MegaImageOptions{}, logger.Nop())

	_, err := m.Interpret(context.Background(), []byte(`{"data":{}}`), testTarget(newFakeResolver()))
	assert.Error(t, err)

	_, err = m.Interpret(context.Background(), []byte(`<html>`), testTarget(newFakeResolver()))
	assert.Error(t, err)
}
