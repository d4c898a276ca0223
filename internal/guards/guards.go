// Package guards implements the organization-wide rail guards: spend and
// rate circuit breakers evaluated before any dispatch. Evaluation always
// recomputes from the request ledger, so guard correctness never depends on
// any one credential's bookkeeping.
package guards

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDucar/api-keeper/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// rateWindow is the trailing window a rate-limit guard counts over.
const rateWindow = 60 * time.Second

// Violation describes one guard whose threshold was exceeded.
type Violation struct {
	GuardID uint64             `json:"guard_id"`
	Name    string             `json:"name"`
	Type    models.GuardType   `json:"type"`
	Action  models.GuardAction `json:"action"`
	Limit   float64            `json:"limit"`
	Actual  float64            `json:"actual"`
}

// Decision is the outcome of a guard evaluation. Warnings never block;
// Blocked is set when a block or throttle guard fired.
type Decision struct {
	Allowed  bool
	Blocked  *Violation
	Warnings []Violation
}

// Service manages rail guards and evaluates them against the ledger.
type Service struct {
	db *gorm.DB

	mu sync.Mutex
}

// New constructs a guard service.
func New(conn *gorm.DB) *Service {
	return &Service{db: conn}
}

// Create validates and stores a new guard.
func (s *Service) Create(ctx context.Context, guard models.Guard) (models.Guard, error) {
	if s == nil || s.db == nil {
		return models.Guard{}, fmt.Errorf("guards: not initialized")
	}
	if !guard.Type.Valid() {
		return models.Guard{}, fmt.Errorf("guards: unknown type %q", guard.Type)
	}
	if !guard.Action.Valid() {
		return models.Guard{}, fmt.Errorf("guards: unknown action %q", guard.Action)
	}
	if guard.LimitValue <= 0 {
		return models.Guard{}, fmt.Errorf("guards: limit must be positive")
	}
	if strings.TrimSpace(guard.Name) == "" {
		guard.Name = fmt.Sprintf("%s guard", guard.Type)
	}
	guard.ID = 0
	guard.CurrentValue = 0
	guard.IsEnabled = true
	if errCreate := s.db.WithContext(ctx).Create(&guard).Error; errCreate != nil {
		return models.Guard{}, fmt.Errorf("guards: create: %w", errCreate)
	}
	return guard, nil
}

// List returns every guard in creation order.
func (s *Service) List(ctx context.Context) ([]models.Guard, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("guards: not initialized")
	}
	var rows []models.Guard
	if errFind := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("guards: list: %w", errFind)
	}
	return rows, nil
}

// SetEnabled toggles a guard.
func (s *Service) SetEnabled(ctx context.Context, id uint64, enabled bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("guards: not initialized")
	}
	res := s.db.WithContext(ctx).Model(&models.Guard{}).Where("id = ?", id).Update("is_enabled", enabled)
	if res.Error != nil {
		return fmt.Errorf("guards: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("guards: guard %d not found", id)
	}
	return nil
}

// EnsureDefaults seeds the default guard set when no guard exists at all.
// Calling it repeatedly is a no-op.
func (s *Service) EnsureDefaults(ctx context.Context) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("guards: not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if errCount := s.db.WithContext(ctx).Model(&models.Guard{}).Count(&count).Error; errCount != nil {
		return false, fmt.Errorf("guards: count: %w", errCount)
	}
	if count > 0 {
		return false, nil
	}

	defaults := []models.Guard{
		{Name: "Daily spend cap", Type: models.GuardDailyCost, Action: models.ActionBlock, LimitValue: 50, IsEnabled: true},
		{Name: "Monthly spend cap", Type: models.GuardMonthlyCost, Action: models.ActionBlock, LimitValue: 500, IsEnabled: true},
		{Name: "Request rate cap", Type: models.GuardRateLimit, Action: models.ActionThrottle, LimitValue: 60, IsEnabled: true},
	}
	for i := range defaults {
		if errCreate := s.db.WithContext(ctx).Create(&defaults[i]).Error; errCreate != nil {
			return false, fmt.Errorf("guards: seed: %w", errCreate)
		}
	}
	log.Info("guards: default guard set seeded")
	return true, nil
}

// Check evaluates enabled guards in creation order against ledger-derived
// sums plus the request's estimated cost. The first violated block or
// throttle guard short-circuits evaluation; warn guards record a violation
// and let the request proceed.
func (s *Service) Check(ctx context.Context, estimatedCost float64, now time.Time) (Decision, error) {
	if s == nil || s.db == nil {
		return Decision{}, fmt.Errorf("guards: not initialized")
	}
	if estimatedCost < 0 {
		estimatedCost = 0
	}

	rows, errList := s.List(ctx)
	if errList != nil {
		return Decision{}, errList
	}

	decision := Decision{Allowed: true}
	for _, guard := range rows {
		if !guard.IsEnabled {
			continue
		}
		actual, errActual := s.measure(ctx, guard.Type, estimatedCost, now)
		if errActual != nil {
			return Decision{}, errActual
		}

		// Best-effort advisory accumulator; ground truth stays the ledger.
		_ = s.db.WithContext(ctx).Model(&models.Guard{}).
			Where("id = ?", guard.ID).
			Update("current_value", actual).Error

		if actual <= guard.LimitValue {
			continue
		}
		violation := Violation{
			GuardID: guard.ID,
			Name:    guard.Name,
			Type:    guard.Type,
			Action:  guard.Action,
			Limit:   guard.LimitValue,
			Actual:  actual,
		}
		if guard.Action.Blocks() {
			decision.Allowed = false
			decision.Blocked = &violation
			log.WithField("guard", guard.Name).
				WithField("limit", guard.LimitValue).
				WithField("actual", actual).
				Warn("guards: request blocked")
			return decision, nil
		}
		decision.Warnings = append(decision.Warnings, violation)
		log.WithField("guard", guard.Name).
			WithField("limit", guard.LimitValue).
			WithField("actual", actual).
			Warn("guards: limit exceeded (warn only)")
	}
	return decision, nil
}

// measure computes the guard's window measure including the pending
// request.
func (s *Service) measure(ctx context.Context, guardType models.GuardType, estimatedCost float64, now time.Time) (float64, error) {
	switch guardType {
	case models.GuardDailyCost:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		spent, err := s.ledgerCostSince(ctx, start)
		return spent + estimatedCost, err
	case models.GuardMonthlyCost:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		spent, err := s.ledgerCostSince(ctx, start)
		return spent + estimatedCost, err
	case models.GuardRateLimit:
		count, err := s.ledgerCountSince(ctx, now.Add(-rateWindow))
		return float64(count) + 1, err
	default:
		return 0, fmt.Errorf("guards: unknown type %q", guardType)
	}
}

// ledgerCostSince sums realized ledger cost from start onward.
func (s *Service) ledgerCostSince(ctx context.Context, start time.Time) (float64, error) {
	var costMicros int64
	if errSum := s.db.WithContext(ctx).
		Model(&models.Request{}).
		Where("requested_at >= ?", start.UTC()).
		Select("COALESCE(SUM(cost_micros), 0)").
		Scan(&costMicros).Error; errSum != nil {
		return 0, fmt.Errorf("guards: ledger sum: %w", errSum)
	}
	return models.MicrosToDollars(costMicros), nil
}

// ledgerCountSince counts ledger entries from start onward.
func (s *Service) ledgerCountSince(ctx context.Context, start time.Time) (int64, error) {
	var count int64
	if errCount := s.db.WithContext(ctx).
		Model(&models.Request{}).
		Where("requested_at >= ?", start.UTC()).
		Count(&count).Error; errCount != nil {
		return 0, fmt.Errorf("guards: ledger count: %w", errCount)
	}
	return count, nil
}
