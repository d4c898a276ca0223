package keystore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BrandonDucar/api-keeper/internal/db"
	"github.com/BrandonDucar/api-keeper/internal/models"
	"github.com/BrandonDucar/api-keeper/internal/registry"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T, requireKnown bool) (*Store, *registry.Registry, *gorm.DB) {
	t.Helper()
	conn, err := db.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := registry.New(conn)
	return New(conn, reg, requireKnown), reg, conn
}

func TestRegisterDeduplicatesSecret(t *testing.T) {
	store, _, _ := newTestStore(t, false)
	ctx := context.Background()
	now := time.Now()

	first, created, err := store.Register(ctx, "openai", "sk-abc123", "", RegisterOptions{Label: "OpenAI API Key"}, now)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !created {
		t.Fatal("first register reported created=false")
	}
	if first.Status != models.StatusActive {
		t.Fatalf("new credential status = %q, want active", first.Status)
	}

	second, created, err := store.Register(ctx, "openai", "sk-abc123", "", RegisterOptions{}, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if created {
		t.Fatal("duplicate secret created a second credential")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned different credential: %s vs %s", second.ID, first.ID)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("credential count = %d, want 1", count)
	}
}

func TestRegisterUnknownProvider(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	// Default mode auto-creates an "other" bucket.
	store, reg, _ := newTestStore(t, false)
	if _, _, err := store.Register(ctx, "acme", "secret-value", "", RegisterOptions{}, now); err != nil {
		t.Fatalf("register against unknown provider: %v", err)
	}
	provider, found, err := reg.Get(ctx, "acme")
	if err != nil || !found {
		t.Fatalf("provider bucket not created: found=%v err=%v", found, err)
	}
	if provider.Category != models.CategoryOther {
		t.Fatalf("bucket category = %q, want other", provider.Category)
	}

	// Strict mode rejects instead.
	strict, _, _ := newTestStore(t, true)
	if _, _, err := strict.Register(ctx, "acme", "secret-value", "", RegisterOptions{}, now); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("strict register err = %v, want ErrUnknownProvider", err)
	}
}

func TestStatusStateMachine(t *testing.T) {
	store, _, _ := newTestStore(t, false)
	ctx := context.Background()
	now := time.Now()

	cred, _, err := store.Register(ctx, "openai", "sk-fsm", "", RegisterOptions{}, now)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// active -> error -> revoked is legal; revoked is terminal.
	if err := store.UpdateStatus(ctx, cred.ID, models.StatusError, "upstream 500", now); err != nil {
		t.Fatalf("active -> error: %v", err)
	}
	if err := store.UpdateStatus(ctx, cred.ID, models.StatusActive, "", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("error -> active err = %v, want ErrInvalidTransition", err)
	}
	if err := store.UpdateStatus(ctx, cred.ID, models.StatusRevoked, "rotated", now); err != nil {
		t.Fatalf("error -> revoked: %v", err)
	}
	for _, status := range []models.CredentialStatus{models.StatusActive, models.StatusRateLimited, models.StatusError} {
		if err := store.UpdateStatus(ctx, cred.ID, status, "", now); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("revoked -> %s err = %v, want ErrInvalidTransition", status, err)
		}
	}
}

func TestStatusUnknownCredential(t *testing.T) {
	store, _, _ := newTestStore(t, false)
	err := store.UpdateStatus(context.Background(), "no-such-id", models.StatusError, "", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRateLimitAndCooldown(t *testing.T) {
	store, _, _ := newTestStore(t, false)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	cred, _, err := store.Register(ctx, "twilio", "AC123:token", "", RegisterOptions{}, now)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	resetAt := now.Add(10 * time.Minute)
	if err := store.RateLimit(ctx, cred.ID, resetAt, "429 from provider", now); err != nil {
		t.Fatalf("rate limit: %v", err)
	}
	got, _, _ := store.Get(ctx, cred.ID)
	if got.Status != models.StatusRateLimited {
		t.Fatalf("status = %q, want rate-limited", got.Status)
	}
	if got.RateLimitResetAt == nil || !got.RateLimitResetAt.Equal(resetAt) {
		t.Fatalf("reset_at = %v, want %v", got.RateLimitResetAt, resetAt)
	}

	// Before the reset time nothing happens.
	released, err := store.ApplyCooldowns(ctx, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("cooldown: %v", err)
	}
	if released != 0 {
		t.Fatalf("released %d credentials before reset time", released)
	}

	// At the reset time the credential reactivates and the marker clears.
	released, err = store.ApplyCooldowns(ctx, resetAt)
	if err != nil {
		t.Fatalf("cooldown: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
	got, _, _ = store.Get(ctx, cred.ID)
	if got.Status != models.StatusActive {
		t.Fatalf("status after cooldown = %q, want active", got.Status)
	}
	if got.RateLimitResetAt != nil {
		t.Fatalf("reset_at not cleared: %v", got.RateLimitResetAt)
	}
}

func TestRecordUsageAccumulates(t *testing.T) {
	store, _, _ := newTestStore(t, false)
	ctx := context.Background()
	now := time.Now()

	cred, _, err := store.Register(ctx, "openai", "sk-usage", "", RegisterOptions{QuotaLimit: 10}, now)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	store.RecordUsage(ctx, cred.ID, 0.25, now)
	store.RecordUsage(ctx, cred.ID, 0.75, now.Add(time.Minute))

	got, _, _ := store.Get(ctx, cred.ID)
	if got.UsageThisMonth != 2 {
		t.Fatalf("usage_this_month = %d, want 2", got.UsageThisMonth)
	}
	if got.CostThisMonth != 1.0 {
		t.Fatalf("cost_this_month = %v, want 1.0", got.CostThisMonth)
	}
	if got.QuotaUsed != 1.0 {
		t.Fatalf("quota_used = %v, want 1.0", got.QuotaUsed)
	}
	if remaining := got.RemainingQuota(); remaining != 9.0 {
		t.Fatalf("remaining quota = %v, want 9.0", remaining)
	}
}

func TestMonthlyResetIsIdempotent(t *testing.T) {
	store, _, _ := newTestStore(t, false)
	ctx := context.Background()
	lastMonth := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)

	cred, _, err := store.Register(ctx, "openai", "sk-reset", "", RegisterOptions{}, lastMonth)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	store.RecordUsage(ctx, cred.ID, 3.5, lastMonth)

	now := time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)
	reset, err := store.ApplyMonthlyReset(ctx, now)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset != 1 {
		t.Fatalf("reset touched %d credentials, want 1", reset)
	}
	got, _, _ := store.Get(ctx, cred.ID)
	if got.UsageThisMonth != 0 || got.CostThisMonth != 0 || got.QuotaUsed != 0 {
		t.Fatalf("counters not zeroed: usage=%d cost=%v quota=%v", got.UsageThisMonth, got.CostThisMonth, got.QuotaUsed)
	}

	// Running the reset again in the same month is a no-op.
	reset, err = store.ApplyMonthlyReset(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if reset != 0 {
		t.Fatalf("second reset touched %d credentials, want 0", reset)
	}

	// Usage in the new month survives the next reset.
	store.RecordUsage(ctx, cred.ID, 0.5, now.Add(2*time.Hour))
	if reset, err = store.ApplyMonthlyReset(ctx, now.Add(3*time.Hour)); err != nil || reset != 0 {
		t.Fatalf("reset after fresh usage: touched=%d err=%v", reset, err)
	}
	got, _, _ = store.Get(ctx, cred.ID)
	if got.CostThisMonth != 0.5 {
		t.Fatalf("fresh usage lost: cost=%v", got.CostThisMonth)
	}
}
