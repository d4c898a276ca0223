package guards

import (
	"context"
	"testing"
	"time"

	"github.com/BrandonDucar/api-keeper/internal/db"
	"github.com/BrandonDucar/api-keeper/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	conn, err := db.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(conn), conn
}

// appendLedger writes one completed request row with the given cost.
func appendLedger(t *testing.T, conn *gorm.DB, at time.Time, cost float64) {
	t.Helper()
	row := models.Request{
		ID:          uuid.NewString(),
		RequestedAt: at.UTC(),
		CostMicros:  models.DollarsToMicros(cost),
		Succeeded:   true,
	}
	if err := conn.Create(&row).Error; err != nil {
		t.Fatalf("append ledger: %v", err)
	}
}

func TestCreateValidates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []models.Guard{
		{Type: "weekly-cost", Action: models.ActionBlock, LimitValue: 1},
		{Type: models.GuardDailyCost, Action: "explode", LimitValue: 1},
		{Type: models.GuardDailyCost, Action: models.ActionBlock, LimitValue: 0},
		{Type: models.GuardDailyCost, Action: models.ActionBlock, LimitValue: -5},
	}
	for _, g := range cases {
		if _, err := svc.Create(ctx, g); err == nil {
			t.Fatalf("Create(%+v) accepted invalid guard", g)
		}
	}

	guard, err := svc.Create(ctx, models.Guard{Type: models.GuardDailyCost, Action: models.ActionBlock, LimitValue: 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if guard.Name == "" {
		t.Fatal("default name not applied")
	}
	if !guard.IsEnabled {
		t.Fatal("new guard not enabled")
	}
}

func TestEnsureDefaultsSeedsOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	seeded, err := svc.EnsureDefaults(ctx)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if !seeded {
		t.Fatal("defaults not seeded on empty table")
	}
	rows, _ := svc.List(ctx)
	if len(rows) != 3 {
		t.Fatalf("default guards = %d, want 3", len(rows))
	}

	seeded, err = svc.EnsureDefaults(ctx)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if seeded {
		t.Fatal("defaults reseeded over existing guards")
	}
}

func TestDailyCostGuardBlocksAtLimit(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	if _, err := svc.Create(ctx, models.Guard{Type: models.GuardDailyCost, Action: models.ActionBlock, LimitValue: 10}); err != nil {
		t.Fatalf("create guard: %v", err)
	}

	// 333 calls at $0.03 put the day at $9.99.
	for i := 0; i < 333; i++ {
		appendLedger(t, conn, now.Add(-time.Duration(i)*time.Second), 0.03)
	}

	// The 334th would land at $10.02, over the cap.
	decision, err := svc.Check(ctx, 0.03, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatal("334th call allowed past the daily cap")
	}
	if decision.Blocked == nil || decision.Blocked.Type != models.GuardDailyCost {
		t.Fatalf("blocked violation = %+v", decision.Blocked)
	}

	// The next day the window is empty again.
	nextDay := now.Add(24 * time.Hour)
	decision, err = svc.Check(ctx, 0.03, nextDay)
	if err != nil {
		t.Fatalf("check next day: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("call blocked after the daily window rolled over")
	}
}

func TestDailyCostGuardAllowsAtExactLimit(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	if _, err := svc.Create(ctx, models.Guard{Type: models.GuardDailyCost, Action: models.ActionBlock, LimitValue: 10}); err != nil {
		t.Fatalf("create guard: %v", err)
	}
	for i := 0; i < 332; i++ {
		appendLedger(t, conn, now.Add(-time.Duration(i)*time.Second), 0.03)
	}

	// 332 x 0.03 + 0.03 = 9.99, exactly under the cap.
	decision, err := svc.Check(ctx, 0.03, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("call at %v blocked under a 10.00 cap", decision.Blocked)
	}
}

func TestWarnGuardNeverBlocks(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	if _, err := svc.Create(ctx, models.Guard{Type: models.GuardDailyCost, Action: models.ActionWarn, LimitValue: 1}); err != nil {
		t.Fatalf("create guard: %v", err)
	}
	appendLedger(t, conn, now.Add(-time.Minute), 5)

	decision, err := svc.Check(ctx, 1, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("warn guard blocked the request")
	}
	if len(decision.Warnings) != 1 {
		t.Fatalf("warnings = %d, want 1", len(decision.Warnings))
	}
}

func TestRateLimitGuardCountsTrailingWindow(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	if _, err := svc.Create(ctx, models.Guard{Type: models.GuardRateLimit, Action: models.ActionThrottle, LimitValue: 5}); err != nil {
		t.Fatalf("create guard: %v", err)
	}

	// Five requests inside the window fill the budget.
	for i := 0; i < 5; i++ {
		appendLedger(t, conn, now.Add(-time.Duration(i+1)*time.Second), 0)
	}
	decision, err := svc.Check(ctx, 0, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatal("sixth request in the window allowed past a 5/min throttle")
	}
	if decision.Blocked.Action != models.ActionThrottle {
		t.Fatalf("action = %q, want throttle", decision.Blocked.Action)
	}

	// Requests older than the window stop counting.
	decision, err = svc.Check(ctx, 0, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("check later: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("request blocked after the rate window drained")
	}
}

func TestBlockShortCircuitsRemainingGuards(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	if _, err := svc.Create(ctx, models.Guard{Name: "first", Type: models.GuardDailyCost, Action: models.ActionBlock, LimitValue: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, models.Guard{Name: "second", Type: models.GuardMonthlyCost, Action: models.ActionWarn, LimitValue: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	appendLedger(t, conn, now.Add(-time.Hour), 5)

	decision, err := svc.Check(ctx, 0, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatal("request allowed past a tripped block guard")
	}
	if decision.Blocked.Name != "first" {
		t.Fatalf("blocked by %q, want the first guard", decision.Blocked.Name)
	}
	// Evaluation stopped at the block, so the warn guard never fired.
	if len(decision.Warnings) != 0 {
		t.Fatalf("warnings recorded after short-circuit: %+v", decision.Warnings)
	}
}

func TestDisabledGuardIsSkipped(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	guard, err := svc.Create(ctx, models.Guard{Type: models.GuardDailyCost, Action: models.ActionBlock, LimitValue: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	appendLedger(t, conn, now.Add(-time.Hour), 5)

	if err := svc.SetEnabled(ctx, guard.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	decision, err := svc.Check(ctx, 0, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("disabled guard still blocked the request")
	}
}
