// Package upsert reconciles scraped products against the persisted catalogue
// and appends hourly price points.
package upsert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/valeevte/pricearchive/internal/logger"
	"github.com/valeevte/pricearchive/internal/products"
	"github.com/valeevte/pricearchive/internal/scraper"
)

var (
	identityColumns = []clause.Column{
		{Name: "name"}, {Name: "unit"}, {Name: "category_id"}, {Name: "manufacturer_id"}, {Name: "store_id"},
	}
	bucketColumns = []clause.Column{{Name: "product_id"}, {Name: "recorded_at"}}
)

// Result summarises one Reconcile call.
type Result struct {
	Candidates       int
	Inserted         int
	Updated          int
	PricePoints      int
	DuplicateBuckets int
	Failed           int
}

type Engine struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEngine(db *gorm.DB, log *logger.Logger) *Engine {
	return &Engine{db: db, log: log.With("component", "UpsertEngine")}
}

// Bucket is the hour a price observation is filed under.
func Bucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// Reconcile upserts every candidate and appends its price point for the hour
// of asOf. Each candidate commits in its own transaction; a failing candidate
// is reported in the returned error and does not stop the others.
func (e *Engine) Reconcile(ctx context.Context, candidates []scraper.CanonicalProduct, asOf time.Time) (Result, error) {
	bucket := Bucket(asOf)
	unique := dedupe(candidates)
	res := Result{Candidates: len(unique)}

	var errs error
	for _, c := range unique {
		if err := ctx.Err(); err != nil {
			return res, multierr.Append(errs, err)
		}
		inserted, appended, err := e.reconcileOne(ctx, c, bucket)
		if err != nil {
			res.Failed++
			errs = multierr.Append(errs, fmt.Errorf("reconcile %q (%s, %s): %w", c.Name, c.Manufacturer.Name, c.Store.Name, err))
			continue
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
		if appended {
			res.PricePoints++
		} else {
			res.DuplicateBuckets++
		}
	}

	e.log.Info("reconciled",
		"candidates", res.Candidates, "inserted", res.Inserted, "updated", res.Updated,
		"price_points", res.PricePoints, "duplicate_buckets", res.DuplicateBuckets,
		"failed", res.Failed, "bucket", bucket)
	return res, errs
}

func (e *Engine) reconcileOne(ctx context.Context, c scraper.CanonicalProduct, bucket time.Time) (inserted, appended bool, err error) {
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing products.Product
		if err := identityScope(tx, c).Limit(1).Find(&existing).Error; err != nil {
			return err
		}

		productID := existing.ID
		if existing.ID == uuid.Nil {
			p := products.Product{
				Name:           c.Name,
				Unit:           c.Unit,
				PricePerUnit:   c.PricePerUnit,
				ImageURI:       c.ImageURI,
				CategoryID:     c.Category.ID,
				ManufacturerID: c.Manufacturer.ID,
				StoreID:        c.Store.ID,
			}
			// a concurrent writer may insert the same identity first
			create := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
				Columns:   identityColumns,
				DoUpdates: clause.AssignmentColumns([]string{"price_per_unit", "image_uri", "updated_at"}),
			}).Create(&p)
			if create.Error != nil {
				return create.Error
			}
			var stored products.Product
			if err := identityScope(tx, c).Take(&stored).Error; err != nil {
				return err
			}
			productID = stored.ID
			inserted = stored.ID == p.ID
		} else {
			err := tx.Model(&existing).Updates(map[string]interface{}{
				"price_per_unit": c.PricePerUnit,
				"image_uri":      c.ImageURI,
			}).Error
			if err != nil {
				return err
			}
		}

		point := products.PricePoint{ProductID: productID, RecordedAt: bucket, Price: c.PricePerUnit}
		add := tx.Clauses(clause.OnConflict{Columns: bucketColumns, DoNothing: true}).Create(&point)
		if add.Error != nil {
			return add.Error
		}
		appended = add.RowsAffected > 0
		return nil
	})
	return inserted, appended, err
}

func identityScope(tx *gorm.DB, c scraper.CanonicalProduct) *gorm.DB {
	return tx.Model(&products.Product{}).Where(
		"name = ? AND unit = ? AND category_id = ? AND manufacturer_id = ? AND store_id = ?",
		c.Name, c.Unit, c.Category.ID, c.Manufacturer.ID, c.Store.ID,
	)
}

// dedupe keeps the last observation of each identity, in first-seen order.
func dedupe(in []scraper.CanonicalProduct) []scraper.CanonicalProduct {
	index := make(map[scraper.Identity]int, len(in))
	out := make([]scraper.CanonicalProduct, 0, len(in))
	for _, c := range in {
		id := c.Identity()
		if i, ok := index[id]; ok {
			out[i] = c
			continue
		}
		index[id] = len(out)
		out = append(out, c)
	}
	return out
}
