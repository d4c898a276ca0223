package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/BrandonDucar/api-keeper/internal/db"
	"github.com/BrandonDucar/api-keeper/internal/discovery"
	"github.com/BrandonDucar/api-keeper/internal/guards"
	"github.com/BrandonDucar/api-keeper/internal/keystore"
	"github.com/BrandonDucar/api-keeper/internal/models"
	"github.com/BrandonDucar/api-keeper/internal/registry"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func newTestScheduler(t *testing.T, env map[string]string) (*Scheduler, *keystore.Store, *registry.Registry, *gorm.DB) {
	t.Helper()
	conn, err := db.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := registry.New(conn)
	store := keystore.New(conn, reg, false)
	engine := discovery.New(reg, store,
		discovery.WithEnviron(func() map[string]string { return env }),
		discovery.WithWorkdir(t.TempDir()),
	)
	guardSvc := guards.New(conn)
	sched := New(conn, reg, engine, store, guardSvc, time.Minute, false)
	return sched, store, reg, conn
}

func TestRunOnceSeedsCatalogGuardsAndDiscovers(t *testing.T) {
	env := map[string]string{"OPENAI_API_KEY": "sk-test-1234567890"}
	sched, store, reg, conn := newTestScheduler(t, env)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := sched.RunOnce(ctx, now); err != nil {
		t.Fatalf("tick: %v", err)
	}

	providers, err := reg.Count(ctx)
	if err != nil {
		t.Fatalf("count providers: %v", err)
	}
	if providers == 0 {
		t.Fatal("catalog not seeded")
	}
	creds, err := store.ListForProvider(ctx, "openai")
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("discovered credentials = %d, want 1", len(creds))
	}

	var guardCount int64
	if err := conn.Model(&models.Guard{}).Count(&guardCount).Error; err != nil {
		t.Fatalf("count guards: %v", err)
	}
	if guardCount != 3 {
		t.Fatalf("default guards = %d, want 3", guardCount)
	}
}

func TestRunOnceIsIdempotent(t *testing.T) {
	env := map[string]string{"OPENAI_API_KEY": "sk-test-1234567890"}
	sched, store, reg, conn := newTestScheduler(t, env)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := sched.RunOnce(ctx, now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	credCount, _ := store.Count(ctx)
	if credCount != 1 {
		t.Fatalf("credential count = %d, want 1", credCount)
	}
	providers, err := reg.Count(ctx)
	if err != nil {
		t.Fatalf("count providers: %v", err)
	}
	if providers == 0 {
		t.Fatal("catalog missing after repeated ticks")
	}
	var guardCount int64
	if err := conn.Model(&models.Guard{}).Count(&guardCount).Error; err != nil {
		t.Fatalf("count guards: %v", err)
	}
	if guardCount != 3 {
		t.Fatalf("guard count = %d, want 3", guardCount)
	}
}

func TestRunOnceReleasesCooldowns(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t, map[string]string{})
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	cred, _, err := store.Register(ctx, "openai", "sk-cool", "", keystore.RegisterOptions{}, now)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	resetAt := now.Add(10 * time.Minute)
	if err := store.RateLimit(ctx, cred.ID, resetAt, "429", now); err != nil {
		t.Fatalf("rate limit: %v", err)
	}

	// Tick before the reset time leaves the credential rate-limited.
	if err := sched.RunOnce(ctx, now.Add(5*time.Minute)); err != nil {
		t.Fatalf("early tick: %v", err)
	}
	got, _, _ := store.Get(ctx, cred.ID)
	if got.Status != models.StatusRateLimited {
		t.Fatalf("status = %q before reset time", got.Status)
	}

	// The first tick at or after the reset time reactivates it.
	if err := sched.RunOnce(ctx, resetAt); err != nil {
		t.Fatalf("release tick: %v", err)
	}
	got, _, _ = store.Get(ctx, cred.ID)
	if got.Status != models.StatusActive {
		t.Fatalf("status = %q after reset time, want active", got.Status)
	}
}

func TestRunOnceResetsMonthlyCountersOnce(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t, map[string]string{})
	ctx := context.Background()
	lastMonth := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)

	cred, _, err := store.Register(ctx, "openai", "sk-month", "", keystore.RegisterOptions{}, lastMonth)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	store.RecordUsage(ctx, cred.ID, 7.5, lastMonth)

	// Many ticks across the month boundary reset exactly once.
	for i := 0; i < 5; i++ {
		at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour)
		if err := sched.RunOnce(ctx, at); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	got, _, _ := store.Get(ctx, cred.ID)
	if got.UsageThisMonth != 0 || got.CostThisMonth != 0 {
		t.Fatalf("counters not reset: usage=%d cost=%v", got.UsageThisMonth, got.CostThisMonth)
	}

	// Usage recorded after the boundary survives subsequent ticks.
	store.RecordUsage(ctx, cred.ID, 1.25, time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC))
	if err := sched.RunOnce(ctx, time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _, _ = store.Get(ctx, cred.ID)
	if got.CostThisMonth != 1.25 {
		t.Fatalf("fresh usage lost: cost=%v", got.CostThisMonth)
	}
}

func TestStatusSnapshot(t *testing.T) {
	sched, store, _, conn := newTestScheduler(t, map[string]string{})
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sched.nowFn = func() time.Time { return now }

	if err := sched.RunOnce(ctx, now); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, _, err := store.Register(ctx, "openai", "sk-status", "", keystore.RegisterOptions{}, now); err != nil {
		t.Fatalf("register: %v", err)
	}
	ledger := models.Request{
		ID:          uuid.NewString(),
		RequestedAt: now.Add(-time.Hour).UTC(),
		CostMicros:  models.DollarsToMicros(2.5),
		Succeeded:   true,
	}
	if err := conn.Create(&ledger).Error; err != nil {
		t.Fatalf("append ledger: %v", err)
	}

	status, err := sched.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.LastTickAt == nil || !status.LastTickAt.Equal(now) {
		t.Fatalf("last_tick_at = %v, want %v", status.LastTickAt, now)
	}
	if status.Credentials != 1 {
		t.Fatalf("credentials = %d, want 1", status.Credentials)
	}
	if status.Requests != 1 {
		t.Fatalf("requests = %d, want 1", status.Requests)
	}
	if status.CostToday != 2.5 {
		t.Fatalf("cost_today = %v, want 2.5", status.CostToday)
	}
	if status.CostThisMonth != 2.5 {
		t.Fatalf("cost_this_month = %v, want 2.5", status.CostThisMonth)
	}
}
