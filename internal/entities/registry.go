// Package entities resolves reference entity names (categories, manufacturers,
// stores) to stable database rows, creating each name exactly once.
package entities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/valeevte/pricearchive/internal/logger"
)

type Kind string

const (
	KindCategory     Kind = "category"
	KindManufacturer Kind = "manufacturer"
	KindStore        Kind = "store"
)

func (k Kind) table() (string, error) {
	switch k {
	case KindCategory:
		return "categories", nil
	case KindManufacturer:
		return "manufacturers", nil
	case KindStore:
		return "stores", nil
	}
	return "", fmt.Errorf("unknown entity kind %q", string(k))
}

var (
	ErrEmptyName = errors.New("entity name is empty")
	// ErrCreationConflict means the row could not be observed after losing an insert race.
	ErrCreationConflict = errors.New("entity creation conflict")
)

const conflictAttempts = 3

// Ref is a resolved reference entity.
type Ref struct {
	ID   uint
	Name string
}

type row struct {
	ID   uint
	Name string
}

type cacheKey struct {
	kind Kind
	name string
}

// Registry caches resolved names for its own lifetime; create one per run.
type Registry struct {
	db  *gorm.DB
	log *logger.Logger

	mu    sync.RWMutex
	cache map[cacheKey]Ref
	group singleflight.Group
}

func NewRegistry(db *gorm.DB, log *logger.Logger) *Registry {
	return &Registry{
		db:    db,
		log:   log.With("component", "EntityRegistry"),
		cache: make(map[cacheKey]Ref),
	}
}

// GetOrCreate returns the entity of kind named name, inserting it if it does
// not exist yet. Concurrent callers for the same name all get the same row.
func (r *Registry) GetOrCreate(ctx context.Context, kind Kind, name string) (Ref, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Ref{}, ErrEmptyName
	}
	key := cacheKey{kind: kind, name: name}

	r.mu.RLock()
	ref, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return ref, nil
	}

	v, err, _ := r.group.Do(string(kind)+"\x00"+name, func() (interface{}, error) {
		ref, err := r.resolve(ctx, kind, name)
		if err != nil {
			return Ref{}, err
		}
		r.mu.Lock()
		r.cache[key] = ref
		r.mu.Unlock()
		return ref, nil
	})
	if err != nil {
		return Ref{}, fmt.Errorf("get or create %s %q: %w", kind, name, err)
	}
	return v.(Ref), nil
}

// resolve inserts with ON CONFLICT DO NOTHING and then reads the row back, so
// a writer losing the race on the unique name observes the winner's row.
func (r *Registry) resolve(ctx context.Context, kind Kind, name string) (Ref, error) {
	table, err := kind.table()
	if err != nil {
		return Ref{}, err
	}
	db := r.db.WithContext(ctx)

	for attempt := 1; attempt <= conflictAttempts; attempt++ {
		var existing row
		if err := db.Table(table).Where("name = ?", name).Limit(1).Find(&existing).Error; err != nil {
			return Ref{}, err
		}
		if existing.ID != 0 {
			return Ref{ID: existing.ID, Name: existing.Name}, nil
		}

		res := db.Table(table).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
			Create(&row{Name: name})
		if res.Error != nil {
			return Ref{}, res.Error
		}
		if res.RowsAffected == 1 {
			r.log.Debug("created reference entity", "kind", kind, "name", name)
		}

		var created row
		if err := db.Table(table).Where("name = ?", name).Limit(1).Find(&created).Error; err != nil {
			return Ref{}, err
		}
		if created.ID != 0 {
			return Ref{ID: created.ID, Name: created.Name}, nil
		}

		// the conflicting writer has not committed yet
		select {
		case <-ctx.Done():
			return Ref{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
		}
	}
	return Ref{}, ErrCreationConflict
}

// Cached reports how many names the registry has resolved so far.
func (r *Registry) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
