// Package router arbitrates which (provider, credential) pair serves an
// outbound request, honoring rail guards, credential state, and quota, and
// keeps the append-only request ledger.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BrandonDucar/api-keeper/internal/guards"
	"github.com/BrandonDucar/api-keeper/internal/keystore"
	"github.com/BrandonDucar/api-keeper/internal/models"
	"github.com/BrandonDucar/api-keeper/internal/registry"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Stages at which routing can exhaust its candidates. Reported on
// rejection for diagnostics.
const (
	StageRailGuard          = "rail-guard"
	StageNoProvider         = "no-provider"
	StageNoActiveCredential = "no-active-credential"
	StageOverQuota          = "over-quota"
)

// Request describes what the caller needs routed.
type Request struct {
	// Category and Feature narrow the provider search; ProviderID pins an
	// explicit provider instead.
	Category   models.ProviderCategory `json:"category"`
	Feature    string                  `json:"feature"`
	ProviderID string                  `json:"provider_id"`
	// EstimatedCost is the caller's cost estimate in dollars.
	EstimatedCost float64 `json:"estimated_cost"`
}

// Decision is a successful dispatch decision.
type Decision struct {
	Provider   models.Provider    `json:"provider"`
	Credential models.Credential  `json:"credential"`
	Score      float64            `json:"score"`
	Warnings   []guards.Violation `json:"warnings,omitempty"`
}

// Rejection explains why no credential was dispatched.
type Rejection struct {
	Stage  string            `json:"stage"`
	Guard  *guards.Violation `json:"guard,omitempty"`
	Detail string            `json:"detail"`
}

// Result is the outcome of Execute: either a rejection, or a completed
// call with its realized cost.
type Result struct {
	RequestID   string     `json:"request_id"`
	Decision    *Decision  `json:"decision,omitempty"`
	Rejection   *Rejection `json:"rejection,omitempty"`
	Cost        float64    `json:"cost"`
	LatencyMS   int64      `json:"latency_ms"`
	Succeeded   bool       `json:"succeeded"`
	ErrorDetail string     `json:"error_detail,omitempty"`
}

// CallOutcome reports what the external call cost, regardless of success.
type CallOutcome struct {
	Cost float64
}

// Caller performs the external provider call. Implementations live outside
// the keeper core; the default simulates the call.
type Caller interface {
	Call(ctx context.Context, provider models.Provider, credential models.Credential, req Request) (CallOutcome, error)
}

// SimulatedCaller stands in for real provider integrations.
type SimulatedCaller struct {
	// Latency is the simulated call duration; zero means no delay.
	Latency time.Duration
}

// Call charges the provider's per-request rate, falling back to the
// caller's estimate for free-tier providers.
func (c SimulatedCaller) Call(_ context.Context, provider models.Provider, _ models.Credential, req Request) (CallOutcome, error) {
	if c.Latency > 0 {
		time.Sleep(c.Latency)
	}
	cost := provider.PricePerRequest
	if cost <= 0 {
		cost = req.EstimatedCost
	}
	return CallOutcome{Cost: cost}, nil
}

// Router scores and selects credentials and executes requests through them.
type Router struct {
	db       *gorm.DB
	registry *registry.Registry
	store    *keystore.Store
	guards   *guards.Service
	caller   Caller
	nowFn    func() time.Time
}

// New constructs a Router. A nil caller defaults to the simulator.
func New(conn *gorm.DB, reg *registry.Registry, store *keystore.Store, guardSvc *guards.Service, caller Caller) *Router {
	if caller == nil {
		caller = SimulatedCaller{}
	}
	return &Router{
		db:       conn,
		registry: reg,
		store:    store,
		guards:   guardSvc,
		caller:   caller,
		nowFn:    time.Now,
	}
}

// Route selects the best (provider, credential) pair for the request, or
// explains at which stage the candidates ran out. Guards are consulted
// first; on a guard block no credential is ever considered.
func (r *Router) Route(ctx context.Context, req Request, now time.Time) (*Decision, *Rejection, error) {
	if r == nil || r.db == nil {
		return nil, nil, fmt.Errorf("router: not initialized")
	}

	guardDecision, errCheck := r.guards.Check(ctx, req.EstimatedCost, now)
	if errCheck != nil {
		return nil, nil, errCheck
	}
	if !guardDecision.Allowed {
		return nil, &Rejection{
			Stage:  StageRailGuard,
			Guard:  guardDecision.Blocked,
			Detail: fmt.Sprintf("blocked by guard %q (%.4f > %.4f)", guardDecision.Blocked.Name, guardDecision.Blocked.Actual, guardDecision.Blocked.Limit),
		}, nil
	}

	providers, errProviders := r.candidateProviders(ctx, req)
	if errProviders != nil {
		return nil, nil, errProviders
	}
	if len(providers) == 0 {
		return nil, &Rejection{Stage: StageNoProvider, Detail: "no provider matches the request"}, nil
	}

	providerByID := make(map[string]models.Provider, len(providers))
	var eligible []models.Credential
	sawCredential := false
	for _, p := range providers {
		providerByID[p.ID] = p
		creds, errCreds := r.store.ListForProvider(ctx, p.ID)
		if errCreds != nil {
			return nil, nil, errCreds
		}
		for _, c := range creds {
			sawCredential = true
			if credentialEligible(c, now) {
				eligible = append(eligible, c)
			}
		}
	}
	if len(eligible) == 0 {
		detail := "no credential registered for matching providers"
		if sawCredential {
			detail = "no active credential"
		}
		return nil, &Rejection{Stage: StageNoActiveCredential, Detail: detail}, nil
	}

	var affordable []models.Credential
	for _, c := range eligible {
		if remaining := c.RemainingQuota(); remaining < 0 || remaining >= req.EstimatedCost {
			affordable = append(affordable, c)
		}
	}
	if len(affordable) == 0 {
		return nil, &Rejection{Stage: StageOverQuota, Detail: "all credentials over quota"}, nil
	}

	sort.SliceStable(affordable, func(i, j int) bool {
		si := compositeScore(providerByID[affordable[i].ProviderID])
		sj := compositeScore(providerByID[affordable[j].ProviderID])
		if si != sj {
			return si > sj
		}
		// Oldest credential wins ties for fairness.
		if !affordable[i].CreatedAt.Equal(affordable[j].CreatedAt) {
			return affordable[i].CreatedAt.Before(affordable[j].CreatedAt)
		}
		return affordable[i].ID < affordable[j].ID
	})

	chosen := affordable[0]
	return &Decision{
		Provider:   providerByID[chosen.ProviderID],
		Credential: chosen,
		Score:      compositeScore(providerByID[chosen.ProviderID]),
		Warnings:   guardDecision.Warnings,
	}, nil, nil
}

// Execute routes the request, performs the external call outside any lock,
// and records realized cost unconditionally once a credential was chosen,
// since cost may have been incurred even when the provider call fails.
func (r *Router) Execute(ctx context.Context, req Request) (Result, error) {
	if r == nil || r.db == nil {
		return Result{}, fmt.Errorf("router: not initialized")
	}
	now := r.nowFn()

	decision, rejection, errRoute := r.Route(ctx, req, now)
	if errRoute != nil {
		return Result{}, errRoute
	}

	row := models.Request{
		ID:                  uuid.NewString(),
		RequestedAt:         now.UTC(),
		EstimatedCostMicros: models.DollarsToMicros(req.EstimatedCost),
	}

	if rejection != nil {
		completed := now.UTC()
		row.CompletedAt = &completed
		row.ErrorDetail = rejection.Stage + ": " + rejection.Detail
		if errCreate := r.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
			return Result{}, fmt.Errorf("router: ledger append: %w", errCreate)
		}
		return Result{RequestID: row.ID, Rejection: rejection, ErrorDetail: row.ErrorDetail}, nil
	}

	providerID := decision.Provider.ID
	credentialID := decision.Credential.ID
	row.ProviderID = &providerID
	row.CredentialID = &credentialID
	if errCreate := r.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return Result{}, fmt.Errorf("router: ledger append: %w", errCreate)
	}

	started := time.Now()
	outcome, errCall := r.caller.Call(ctx, decision.Provider, decision.Credential, req)
	latency := time.Since(started).Milliseconds()
	completed := r.nowFn().UTC()

	r.store.RecordUsage(ctx, credentialID, outcome.Cost, completed)

	errDetail := ""
	succeeded := errCall == nil
	if errCall != nil {
		errDetail = errCall.Error()
		log.WithError(errCall).
			WithField("provider", providerID).
			WithField("credential", credentialID).
			Warn("router: provider call failed")
	}
	if errUpdate := r.db.WithContext(ctx).
		Model(&models.Request{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"cost_micros":  models.DollarsToMicros(outcome.Cost),
			"latency_ms":   latency,
			"succeeded":    succeeded,
			"completed_at": completed,
			"error_detail": errDetail,
		}).Error; errUpdate != nil {
		log.WithError(errUpdate).Warn("router: ledger completion failed")
	}

	return Result{
		RequestID:   row.ID,
		Decision:    decision,
		Cost:        outcome.Cost,
		LatencyMS:   latency,
		Succeeded:   succeeded,
		ErrorDetail: errDetail,
	}, nil
}

// ListRequests returns ledger entries, newest first. A non-positive limit
// returns everything.
func (r *Router) ListRequests(ctx context.Context, limit int) ([]models.Request, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("router: not initialized")
	}
	q := r.db.WithContext(ctx).Model(&models.Request{}).Order("requested_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.Request
	if errFind := q.Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("router: list requests: %w", errFind)
	}
	return rows, nil
}

// candidateProviders resolves the request's provider hint.
func (r *Router) candidateProviders(ctx context.Context, req Request) ([]models.Provider, error) {
	if id := strings.TrimSpace(req.ProviderID); id != "" {
		provider, found, errGet := r.registry.Get(ctx, id)
		if errGet != nil {
			return nil, errGet
		}
		if !found {
			return nil, nil
		}
		return []models.Provider{provider}, nil
	}
	return r.registry.Search(ctx, req.Category, req.Feature)
}

// credentialEligible reports whether a credential may serve traffic now.
// Only active credentials qualify; rate-limited ones return via the
// scheduler's cool-down release, never early.
func credentialEligible(c models.Credential, _ time.Time) bool {
	return c.Status == models.StatusActive
}

// Composite score weights. Higher reliability and quality dominate; latency
// and marginal cost pull the score down.
const (
	scoreQualityWeight = 100.0
	scoreLatencyWeight = 0.01
	scoreCostWeight    = 1000.0
)

// compositeScore ranks a provider for routing.
func compositeScore(p models.Provider) float64 {
	return p.Reliability*p.Quality*scoreQualityWeight -
		float64(p.LatencyMS)*scoreLatencyWeight -
		p.PricePerRequest*scoreCostWeight
}
