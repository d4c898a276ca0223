package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDucar/api-keeper/internal/db"
	"github.com/BrandonDucar/api-keeper/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Registry is the catalog of known API providers.
type Registry struct {
	db *gorm.DB

	mu sync.Mutex
}

// New constructs a Registry backed by the application database.
func New(conn *gorm.DB) *Registry {
	return &Registry{db: conn}
}

// Upsert registers a provider or refreshes an existing one. Identity fields
// of an existing provider are left untouched; only the health timestamp is
// refreshed, so repeated upserts are idempotent.
func (r *Registry) Upsert(ctx context.Context, provider models.Provider, now time.Time) (models.Provider, error) {
	if r == nil || r.db == nil {
		return models.Provider{}, fmt.Errorf("registry: not initialized")
	}
	id := strings.TrimSpace(provider.ID)
	if id == "" {
		return models.Provider{}, fmt.Errorf("registry: missing provider id")
	}
	if !provider.Category.Valid() {
		provider.Category = models.CategoryOther
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var existing models.Provider
	errFind := r.db.WithContext(ctx).Where("id = ?", id).First(&existing).Error
	if errFind == nil {
		if errUpdate := r.db.WithContext(ctx).
			Model(&models.Provider{}).
			Where("id = ?", id).
			Update("last_checked_at", now.UTC()).Error; errUpdate != nil {
			return models.Provider{}, fmt.Errorf("registry: refresh: %w", errUpdate)
		}
		existing.LastCheckedAt = now.UTC()
		return existing, nil
	}

	provider.ID = id
	if strings.TrimSpace(provider.Name) == "" {
		provider.Name = id
	}
	provider.DiscoveredAt = now.UTC()
	provider.LastCheckedAt = now.UTC()
	if errCreate := r.db.WithContext(ctx).Create(&provider).Error; errCreate != nil {
		return models.Provider{}, fmt.Errorf("registry: create: %w", errCreate)
	}
	log.WithField("provider", id).Info("registry: provider registered")
	return provider, nil
}

// Get returns the provider by id. Unknown ids report found=false rather
// than an error.
func (r *Registry) Get(ctx context.Context, id string) (models.Provider, bool, error) {
	if r == nil || r.db == nil {
		return models.Provider{}, false, fmt.Errorf("registry: not initialized")
	}
	var row models.Provider
	errFind := r.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).First(&row).Error
	if errFind != nil {
		if errFind == gorm.ErrRecordNotFound {
			return models.Provider{}, false, nil
		}
		return models.Provider{}, false, fmt.Errorf("registry: get: %w", errFind)
	}
	return row, true, nil
}

// Search returns providers matching both filters. An empty category or
// feature matches everything.
func (r *Registry) Search(ctx context.Context, category models.ProviderCategory, feature string) ([]models.Provider, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("registry: not initialized")
	}
	q := r.db.WithContext(ctx).Model(&models.Provider{})
	if category != "" {
		q = q.Where("category = ?", category)
	}
	if feature = strings.TrimSpace(feature); feature != "" {
		q = q.Where(db.JSONArrayContainsExpr(r.db, "features"), feature)
	}
	var rows []models.Provider
	if errFind := q.Order("id ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("registry: search: %w", errFind)
	}
	return rows, nil
}

// FindByName returns providers whose id or name contains the fragment,
// case-insensitively. An empty fragment matches everything.
func (r *Registry) FindByName(ctx context.Context, fragment string) ([]models.Provider, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("registry: not initialized")
	}
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return r.List(ctx)
	}
	pattern := db.NormalizeLikePattern(r.db, "%"+fragment+"%")
	match := r.db.
		Where(db.CaseInsensitiveLikeExpr(r.db, "id"), pattern).
		Or(db.CaseInsensitiveLikeExpr(r.db, "name"), pattern)
	var rows []models.Provider
	if errFind := r.db.WithContext(ctx).
		Model(&models.Provider{}).
		Where(match).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("registry: find by name: %w", errFind)
	}
	return rows, nil
}

// List returns every provider ordered by id.
func (r *Registry) List(ctx context.Context) ([]models.Provider, error) {
	return r.Search(ctx, "", "")
}

// TouchAll refreshes every provider's health-check timestamp.
func (r *Registry) TouchAll(ctx context.Context, now time.Time) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("registry: not initialized")
	}
	if errUpdate := r.db.WithContext(ctx).
		Model(&models.Provider{}).
		Where("1 = 1").
		Update("last_checked_at", now.UTC()).Error; errUpdate != nil {
		return fmt.Errorf("registry: touch: %w", errUpdate)
	}
	return nil
}

// Count returns the number of registered providers.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("registry: not initialized")
	}
	var count int64
	if errCount := r.db.WithContext(ctx).Model(&models.Provider{}).Count(&count).Error; errCount != nil {
		return 0, fmt.Errorf("registry: count: %w", errCount)
	}
	return count, nil
}

// featuresJSON encodes a feature list for storage.
func featuresJSON(features ...string) datatypes.JSON {
	data, err := json.Marshal(features)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}
