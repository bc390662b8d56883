package products

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("product not found")

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	historyLimit    = 200
)

// Filter selects and orders products for the read API.
type Filter struct {
	Name     string
	Category string
	MinPrice *float64
	MaxPrice *float64
	SortBy   string // "price" or "name"
	Desc     bool
	Page     int // 1-based
	PageSize int
}

// ProductView is a product with its reference names resolved.
type ProductView struct {
	ID           uuid.UUID       `json:"id"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	ImageURI     *string         `json:"image_uri,omitempty"`
	Category     string          `json:"category"`
	Manufacturer string          `json:"manufacturer"`
	Store        string          `json:"store"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Page struct {
	Items    []ProductView `json:"items"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) List(ctx context.Context, f Filter) (Page, error) {
	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	filtered := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&Product{}).
			Joins("JOIN categories ON categories.id = products.category_id")
		if name := strings.TrimSpace(f.Name); name != "" {
			q = q.Where("LOWER(products.name) LIKE ?", "%"+strings.ToLower(name)+"%")
		}
		if cat := strings.TrimSpace(f.Category); cat != "" {
			q = q.Where("LOWER(categories.name) LIKE ?", "%"+strings.ToLower(cat)+"%")
		}
		if f.MinPrice != nil {
			q = q.Where("products.price_per_unit >= ?", *f.MinPrice)
		}
		if f.MaxPrice != nil {
			q = q.Where("products.price_per_unit <= ?", *f.MaxPrice)
		}
		return q
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return Page{}, err
	}

	order := "products.name"
	if f.SortBy == "price" {
		order = "products.price_per_unit"
	}
	if f.Desc {
		order += " DESC"
	}

	var rows []Product
	err := filtered().Select("products.*").
		Preload("Category").Preload("Manufacturer").Preload("Store").
		Order(order).Order("products.id").
		Offset((page - 1) * size).Limit(size).
		Find(&rows).Error
	if err != nil {
		return Page{}, err
	}

	items := make([]ProductView, 0, len(rows))
	for i := range rows {
		items = append(items, toView(&rows[i]))
	}
	return Page{Items: items, Total: total, Page: page, PageSize: size}, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*ProductView, error) {
	var p Product
	err := r.db.WithContext(ctx).
		Preload("Category").Preload("Manufacturer").Preload("Store").
		First(&p, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	v := toView(&p)
	return &v, nil
}

// GetPriceHistory returns the latest price points, newest first.
func (r *Repository) GetPriceHistory(ctx context.Context, productID uuid.UUID) ([]PricePoint, error) {
	out := []PricePoint{}
	err := r.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("recorded_at DESC").
		Limit(historyLimit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func toView(p *Product) ProductView {
	return ProductView{
		ID:           p.ID,
		Name:         p.Name,
		Unit:         p.Unit,
		PricePerUnit: p.PricePerUnit,
		ImageURI:     p.ImageURI,
		Category:     p.Category.Name,
		Manufacturer: p.Manufacturer.Name,
		Store:        p.Store.Name,
		UpdatedAt:    p.UpdatedAt,
	}
}
