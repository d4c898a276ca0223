// Package keystore owns credential lifecycle: registration, usage counters,
// the status state machine, and the period-boundary resets applied by the
// scheduler.
package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDucar/api-keeper/internal/models"
	"github.com/BrandonDucar/api-keeper/internal/registry"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Sentinel errors returned by the store.
var (
	// ErrUnknownProvider indicates registration targeted a provider id that
	// is not in the registry while require-known-provider is enabled.
	ErrUnknownProvider = errors.New("keystore: unknown provider")
	// ErrInvalidTransition indicates a status update the state machine forbids.
	ErrInvalidTransition = errors.New("keystore: invalid status transition")
	// ErrNotFound indicates the credential id does not exist.
	ErrNotFound = errors.New("keystore: credential not found")
)

// defaultCooldown applies when a credential is rate-limited without an
// explicit reset time.
const defaultCooldown = 5 * time.Minute

// RegisterOptions carries optional registration fields.
type RegisterOptions struct {
	Label      string
	Tags       []string
	QuotaLimit float64
}

// Store manages credentials. A single mutex serializes read-modify-write
// sections; it is never held across external calls.
type Store struct {
	db       *gorm.DB
	registry *registry.Registry

	// requireKnownProvider rejects unknown provider ids instead of
	// auto-creating a bucket for them.
	requireKnownProvider bool

	mu sync.Mutex
}

// New constructs a credential store.
func New(conn *gorm.DB, reg *registry.Registry, requireKnownProvider bool) *Store {
	return &Store{db: conn, registry: reg, requireKnownProvider: requireKnownProvider}
}

// Register creates a credential in active status. Identical secret material
// under the same provider is never duplicated: the existing credential is
// returned with created=false. Unknown providers are auto-created as an
// "other" bucket unless the store requires known providers.
func (s *Store) Register(ctx context.Context, providerID, primarySecret, secondarySecret string, opts RegisterOptions, now time.Time) (models.Credential, bool, error) {
	if s == nil || s.db == nil {
		return models.Credential{}, false, fmt.Errorf("keystore: not initialized")
	}
	providerID = strings.TrimSpace(providerID)
	primarySecret = strings.TrimSpace(primarySecret)
	if providerID == "" || primarySecret == "" {
		return models.Credential{}, false, fmt.Errorf("keystore: provider id and secret are required")
	}

	_, found, errGet := s.registry.Get(ctx, providerID)
	if errGet != nil {
		return models.Credential{}, false, errGet
	}
	if !found {
		if s.requireKnownProvider {
			return models.Credential{}, false, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
		}
		if _, errUpsert := s.registry.Upsert(ctx, models.Provider{
			ID:       providerID,
			Name:     providerID,
			Category: models.CategoryOther,
		}, now); errUpsert != nil {
			return models.Credential{}, false, errUpsert
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing models.Credential
	errFind := s.db.WithContext(ctx).
		Where("provider_id = ? AND secret = ?", providerID, primarySecret).
		First(&existing).Error
	if errFind == nil {
		return existing, false, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return models.Credential{}, false, fmt.Errorf("keystore: lookup: %w", errFind)
	}

	row := models.Credential{
		ID:              uuid.NewString(),
		ProviderID:      providerID,
		Secret:          primarySecret,
		SecondarySecret: strings.TrimSpace(secondarySecret),
		Label:           strings.TrimSpace(opts.Label),
		Tags:            tagsJSON(opts.Tags),
		QuotaLimit:      opts.QuotaLimit,
		Status:          models.StatusActive,
		StatusReason:    "registered",
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return models.Credential{}, false, fmt.Errorf("keystore: create: %w", errCreate)
	}
	log.WithField("provider", providerID).WithField("credential", row.ID).Info("keystore: credential registered")
	return row, true, nil
}

// RecordUsage increments the month counters for a credential. It never
// fails into the caller's request path: an unknown id is logged and ignored.
func (s *Store) RecordUsage(ctx context.Context, credentialID string, cost float64, now time.Time) {
	if s == nil || s.db == nil {
		return
	}
	if cost < 0 {
		cost = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("id = ?", credentialID).
		Updates(map[string]any{
			"usage_this_month": gorm.Expr("usage_this_month + 1"),
			"cost_this_month":  gorm.Expr("cost_this_month + ?", cost),
			"quota_used":       gorm.Expr("quota_used + ?", cost),
			"last_used_at":     now.UTC(),
			"updated_at":       now.UTC(),
		})
	if res.Error != nil {
		log.WithError(res.Error).WithField("credential", credentialID).Warn("keystore: record usage failed")
		return
	}
	if res.RowsAffected == 0 {
		log.WithField("credential", credentialID).Warn("keystore: usage recorded for unknown credential")
	}
}

// UpdateStatus moves a credential through the state machine, recording the
// reason for audit. Transitioning to rate-limited without an explicit reset
// time applies the default cool-down.
func (s *Store) UpdateStatus(ctx context.Context, credentialID string, status models.CredentialStatus, reason string, now time.Time) error {
	if status == models.StatusRateLimited {
		return s.RateLimit(ctx, credentialID, now.Add(defaultCooldown), reason, now)
	}
	return s.transition(ctx, credentialID, status, nil, reason, now)
}

// RateLimit moves a credential to rate-limited with an explicit reset time.
func (s *Store) RateLimit(ctx context.Context, credentialID string, resetAt time.Time, reason string, now time.Time) error {
	reset := resetAt.UTC()
	return s.transition(ctx, credentialID, models.StatusRateLimited, &reset, reason, now)
}

func (s *Store) transition(ctx context.Context, credentialID string, status models.CredentialStatus, resetAt *time.Time, reason string, now time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("keystore: not initialized")
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var row models.Credential
	errFind := s.db.WithContext(ctx).Where("id = ?", credentialID).First(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, credentialID)
		}
		return fmt.Errorf("keystore: lookup: %w", errFind)
	}
	if !row.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, row.Status, status)
	}

	updates := map[string]any{
		"status":        status,
		"status_reason": strings.TrimSpace(reason),
		"updated_at":    now.UTC(),
	}
	if status == models.StatusRateLimited {
		updates["rate_limit_reset_at"] = resetAt
	} else {
		updates["rate_limit_reset_at"] = nil
	}
	if errUpdate := s.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("id = ?", credentialID).
		Updates(updates).Error; errUpdate != nil {
		return fmt.Errorf("keystore: transition: %w", errUpdate)
	}
	log.WithField("credential", credentialID).
		WithField("from", string(row.Status)).
		WithField("to", string(status)).
		WithField("reason", reason).
		Info("keystore: status transition")
	return nil
}

// ApplyMonthlyReset zeroes the month counters of every credential whose
// last use predates the current calendar month. Safe to run on every tick:
// it only writes for credentials still carrying stale counters.
func (s *Store) ApplyMonthlyReset(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("keystore: not initialized")
	}
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("last_used_at IS NOT NULL AND last_used_at < ?", monthStart).
		Where("usage_this_month <> 0 OR cost_this_month <> 0 OR quota_used <> 0").
		Updates(map[string]any{
			"usage_this_month": 0,
			"cost_this_month":  0,
			"quota_used":       0,
			"updated_at":       now.UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("keystore: monthly reset: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.WithField("credentials", res.RowsAffected).Info("keystore: monthly counters reset")
	}
	return res.RowsAffected, nil
}

// ApplyCooldowns returns rate-limited credentials to active once their
// reset time has passed.
func (s *Store) ApplyCooldowns(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("keystore: not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("status = ? AND rate_limit_reset_at IS NOT NULL AND rate_limit_reset_at <= ?", models.StatusRateLimited, now.UTC()).
		Updates(map[string]any{
			"status":              models.StatusActive,
			"status_reason":       "cool-down elapsed",
			"rate_limit_reset_at": nil,
			"updated_at":          now.UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("keystore: cool-down: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.WithField("credentials", res.RowsAffected).Info("keystore: cool-downs released")
	}
	return res.RowsAffected, nil
}

// Get returns the credential by id.
func (s *Store) Get(ctx context.Context, credentialID string) (models.Credential, bool, error) {
	if s == nil || s.db == nil {
		return models.Credential{}, false, fmt.Errorf("keystore: not initialized")
	}
	var row models.Credential
	errFind := s.db.WithContext(ctx).Where("id = ?", credentialID).First(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return models.Credential{}, false, nil
		}
		return models.Credential{}, false, fmt.Errorf("keystore: get: %w", errFind)
	}
	return row, true, nil
}

// List returns every credential ordered by creation time.
func (s *Store) List(ctx context.Context) ([]models.Credential, error) {
	return s.list(ctx, "")
}

// ListForProvider returns the provider's credentials ordered by creation time.
func (s *Store) ListForProvider(ctx context.Context, providerID string) ([]models.Credential, error) {
	return s.list(ctx, strings.TrimSpace(providerID))
}

func (s *Store) list(ctx context.Context, providerID string) ([]models.Credential, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("keystore: not initialized")
	}
	q := s.db.WithContext(ctx).Model(&models.Credential{})
	if providerID != "" {
		q = q.Where("provider_id = ?", providerID)
	}
	var rows []models.Credential
	if errFind := q.Order("created_at ASC, id ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("keystore: list: %w", errFind)
	}
	return rows, nil
}

// Count returns the number of credentials.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("keystore: not initialized")
	}
	var count int64
	if errCount := s.db.WithContext(ctx).Model(&models.Credential{}).Count(&count).Error; errCount != nil {
		return 0, fmt.Errorf("keystore: count: %w", errCount)
	}
	return count, nil
}

// tagsJSON encodes a tag list for storage.
func tagsJSON(tags []string) datatypes.JSON {
	if len(tags) == 0 {
		return nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}
