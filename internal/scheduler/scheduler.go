// Package scheduler drives every time-based state transition in the
// keeper: discovery, provider health refresh, monthly counter resets, and
// rate-limit cool-down release. A tick is re-entrant and idempotent, so
// missed ticks followed by a late one converge to the same state.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/BrandonDucar/api-keeper/internal/discovery"
	"github.com/BrandonDucar/api-keeper/internal/guards"
	"github.com/BrandonDucar/api-keeper/internal/keystore"
	"github.com/BrandonDucar/api-keeper/internal/models"
	"github.com/BrandonDucar/api-keeper/internal/registry"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultInterval = time.Minute

// Status is the snapshot consumed by dashboards.
type Status struct {
	LastTickAt    *time.Time `json:"last_tick_at"`
	Providers     int64      `json:"providers"`
	Credentials   int64      `json:"credentials"`
	Requests      int64      `json:"requests"`
	CostToday     float64    `json:"cost_today"`
	CostThisMonth float64    `json:"cost_this_month"`
}

// Scheduler runs the periodic orchestration tick.
type Scheduler struct {
	db       *gorm.DB
	registry *registry.Registry
	engine   *discovery.Engine
	store    *keystore.Store
	guards   *guards.Service

	interval         time.Duration
	disableDiscovery bool
	nowFn            func() time.Time
}

// New constructs a Scheduler.
func New(conn *gorm.DB, reg *registry.Registry, engine *discovery.Engine, store *keystore.Store, guardSvc *guards.Service, interval time.Duration, disableDiscovery bool) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		db:               conn,
		registry:         reg,
		engine:           engine,
		store:            store,
		guards:           guardSvc,
		interval:         interval,
		disableDiscovery: disableDiscovery,
		nowFn:            time.Now,
	}
}

// Start runs the tick loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.run(ctx)
	log.Infof("scheduler started (interval=%s)", s.interval)
}

func (s *Scheduler) run(ctx context.Context) {
	if err := s.RunOnce(ctx, s.nowFn()); err != nil {
		log.WithError(err).Warn("scheduler: initial tick failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx, s.nowFn()); err != nil {
				log.WithError(err).Warn("scheduler: tick failed")
			}
		}
	}
}

// RunOnce performs one orchestration tick: catalog upsert, auto-discovery,
// default guard seeding, provider health refresh, monthly reset, and
// cool-down release. Safe to call at any frequency.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("scheduler: not initialized")
	}

	if errSeed := s.registry.SeedCatalog(ctx, now); errSeed != nil {
		return fmt.Errorf("scheduler: catalog: %w", errSeed)
	}

	if !s.disableDiscovery {
		if _, errDiscover := s.engine.Run(ctx, now); errDiscover != nil {
			log.WithError(errDiscover).Warn("scheduler: discovery pass failed")
		}
	}

	if _, errGuards := s.guards.EnsureDefaults(ctx); errGuards != nil {
		return fmt.Errorf("scheduler: guards: %w", errGuards)
	}

	if errTouch := s.registry.TouchAll(ctx, now); errTouch != nil {
		return fmt.Errorf("scheduler: health refresh: %w", errTouch)
	}

	if _, errReset := s.store.ApplyMonthlyReset(ctx, now); errReset != nil {
		return fmt.Errorf("scheduler: monthly reset: %w", errReset)
	}
	if _, errCooldown := s.store.ApplyCooldowns(ctx, now); errCooldown != nil {
		return fmt.Errorf("scheduler: cool-down: %w", errCooldown)
	}

	if errMark := s.markTick(ctx, now); errMark != nil {
		return fmt.Errorf("scheduler: bookkeeping: %w", errMark)
	}
	return nil
}

// RunDiscovery triggers an off-schedule discovery pass (used by the file
// watcher).
func (s *Scheduler) RunDiscovery(ctx context.Context) {
	if s == nil || s.engine == nil || s.disableDiscovery {
		return
	}
	if _, err := s.engine.Run(ctx, s.nowFn()); err != nil {
		log.WithError(err).Warn("scheduler: triggered discovery failed")
	}
}

// markTick records the tick completion time.
func (s *Scheduler) markTick(ctx context.Context, now time.Time) error {
	row := models.Setting{Key: models.SettingLastTickAt, Value: now.UTC().Format(time.RFC3339Nano)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

// Status assembles the dashboard snapshot.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	if s == nil || s.db == nil {
		return Status{}, fmt.Errorf("scheduler: not initialized")
	}
	out := Status{}

	var setting models.Setting
	if errFind := s.db.WithContext(ctx).Where("key = ?", models.SettingLastTickAt).First(&setting).Error; errFind == nil {
		if t, errParse := time.Parse(time.RFC3339Nano, setting.Value); errParse == nil {
			out.LastTickAt = &t
		}
	}

	var errCount error
	if out.Providers, errCount = s.registry.Count(ctx); errCount != nil {
		return Status{}, errCount
	}
	if out.Credentials, errCount = s.store.Count(ctx); errCount != nil {
		return Status{}, errCount
	}
	if errRequests := s.db.WithContext(ctx).Model(&models.Request{}).Count(&out.Requests).Error; errRequests != nil {
		return Status{}, fmt.Errorf("scheduler: request count: %w", errRequests)
	}

	now := s.nowFn()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	var errSum error
	if out.CostToday, errSum = s.ledgerCostSince(ctx, dayStart); errSum != nil {
		return Status{}, errSum
	}
	if out.CostThisMonth, errSum = s.ledgerCostSince(ctx, monthStart); errSum != nil {
		return Status{}, errSum
	}
	return out, nil
}

// ledgerCostSince sums realized ledger cost from start onward.
func (s *Scheduler) ledgerCostSince(ctx context.Context, start time.Time) (float64, error) {
	var costMicros int64
	if errSum := s.db.WithContext(ctx).
		Model(&models.Request{}).
		Where("requested_at >= ?", start.UTC()).
		Select("COALESCE(SUM(cost_micros), 0)").
		Scan(&costMicros).Error; errSum != nil {
		return 0, fmt.Errorf("scheduler: ledger sum: %w", errSum)
	}
	return models.MicrosToDollars(costMicros), nil
}
