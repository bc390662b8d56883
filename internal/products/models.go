package products

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Category struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"size:200;not null;uniqueIndex" json:"name"`
}

type Manufacturer struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"size:200;not null;uniqueIndex" json:"name"`
}

type Store struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"size:200;not null;uniqueIndex" json:"name"`
}

// Product is unique on (name, unit, category, manufacturer, store).
type Product struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Name           string          `gorm:"size:300;not null;index;uniqueIndex:idx_product_identity,priority:1" json:"name"`
	Unit           string          `gorm:"size:32;not null;uniqueIndex:idx_product_identity,priority:2" json:"unit"`
	PricePerUnit   decimal.Decimal `gorm:"type:numeric(12,2);not null;index" json:"price_per_unit"`
	ImageURI       *string         `gorm:"size:1000" json:"image_uri,omitempty"`
	CategoryID     uint            `gorm:"not null;index;uniqueIndex:idx_product_identity,priority:3" json:"category_id"`
	ManufacturerID uint            `gorm:"not null;uniqueIndex:idx_product_identity,priority:4" json:"manufacturer_id"`
	StoreID        uint            `gorm:"not null;uniqueIndex:idx_product_identity,priority:5" json:"store_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	Category     Category     `gorm:"foreignKey:CategoryID" json:"-"`
	Manufacturer Manufacturer `gorm:"foreignKey:ManufacturerID" json:"-"`
	Store        Store        `gorm:"foreignKey:StoreID" json:"-"`
	Prices       []PricePoint `gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE" json:"-"`
}

func (p *Product) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// PricePoint is one observation per product per hour bucket. Rows are never updated.
type PricePoint struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	ProductID  uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_price_bucket,priority:1" json:"product_id"`
	RecordedAt time.Time       `gorm:"not null;uniqueIndex:idx_price_bucket,priority:2" json:"recorded_at"`
	Price      decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"price"`
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Category{}, &Manufacturer{}, &Store{}, &Product{}, &PricePoint{})
}
