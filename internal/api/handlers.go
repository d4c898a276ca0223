package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/BrandonDucar/api-keeper/internal/keystore"
	"github.com/BrandonDucar/api-keeper/internal/models"
	"github.com/BrandonDucar/api-keeper/internal/router"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
)

// handleStatus reports the scheduler snapshot.
func (s *Server) handleStatus(c *gin.Context) {
	status, errStatus := s.scheduler.Status(c.Request.Context())
	if errStatus != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errStatus.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleDiscoveryRun triggers an immediate discovery pass and reports what
// it found.
func (s *Server) handleDiscoveryRun(c *gin.Context) {
	report, errRun := s.discovery.Run(c.Request.Context(), time.Now())
	if errRun != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errRun.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleListProviders(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		rows, errFind := s.registry.FindByName(c.Request.Context(), name)
		if errFind != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": errFind.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"providers": rows})
		return
	}
	category := models.ProviderCategory(c.Query("category"))
	feature := c.Query("feature")
	rows, errSearch := s.registry.Search(c.Request.Context(), category, feature)
	if errSearch != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errSearch.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": rows})
}

func (s *Server) handleGetProvider(c *gin.Context) {
	provider, found, errGet := s.registry.Get(c.Request.Context(), c.Param("id"))
	if errGet != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errGet.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return
	}
	c.JSON(http.StatusOK, provider)
}

type providerRequest struct {
	ID               string   `json:"id" binding:"required"`
	Name             string   `json:"name"`
	Category         string   `json:"category"`
	Features         []string `json:"features"`
	FreeTierRequests int64    `json:"free_tier_requests"`
	PricePerRequest  float64  `json:"price_per_request"`
	Reliability      float64  `json:"reliability"`
	Quality          float64  `json:"quality"`
	LatencyMS        int64    `json:"latency_ms"`
}

func (s *Server) handleUpsertProvider(c *gin.Context) {
	var req providerRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	var features datatypes.JSON
	if len(req.Features) > 0 {
		if data, errMarshal := json.Marshal(req.Features); errMarshal == nil {
			features = datatypes.JSON(data)
		}
	}
	provider, errUpsert := s.registry.Upsert(c.Request.Context(), models.Provider{
		ID:               req.ID,
		Name:             req.Name,
		Category:         models.ProviderCategory(req.Category),
		Features:         features,
		FreeTierRequests: req.FreeTierRequests,
		PricePerRequest:  req.PricePerRequest,
		Reliability:      req.Reliability,
		Quality:          req.Quality,
		LatencyMS:        req.LatencyMS,
	}, time.Now())
	if errUpsert != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errUpsert.Error()})
		return
	}
	c.JSON(http.StatusOK, provider)
}

func (s *Server) handleListCredentials(c *gin.Context) {
	var rows []models.Credential
	var errList error
	if providerID := c.Query("provider_id"); providerID != "" {
		rows, errList = s.store.ListForProvider(c.Request.Context(), providerID)
	} else {
		rows, errList = s.store.List(c.Request.Context())
	}
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errList.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": rows})
}

func (s *Server) handleGetCredential(c *gin.Context) {
	credential, found, errGet := s.store.Get(c.Request.Context(), c.Param("id"))
	if errGet != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errGet.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
		return
	}
	c.JSON(http.StatusOK, credential)
}

type credentialRequest struct {
	ProviderID      string   `json:"provider_id" binding:"required"`
	Secret          string   `json:"secret" binding:"required"`
	SecondarySecret string   `json:"secondary_secret"`
	Label           string   `json:"label"`
	Tags            []string `json:"tags"`
	QuotaLimit      float64  `json:"quota_limit"`
}

func (s *Server) handleRegisterCredential(c *gin.Context) {
	var req credentialRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	credential, created, errRegister := s.store.Register(c.Request.Context(), req.ProviderID, req.Secret, req.SecondarySecret, keystore.RegisterOptions{
		Label:      req.Label,
		Tags:       req.Tags,
		QuotaLimit: req.QuotaLimit,
	}, time.Now())
	if errRegister != nil {
		status := http.StatusBadRequest
		if errors.Is(errRegister, keystore.ErrUnknownProvider) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": errRegister.Error()})
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, credential)
}

type statusRequest struct {
	Status  string `json:"status" binding:"required"`
	Reason  string `json:"reason"`
	ResetAt string `json:"reset_at"`
}

func (s *Server) handleCredentialStatus(c *gin.Context) {
	var req statusRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	id := c.Param("id")
	now := time.Now()
	status := models.CredentialStatus(req.Status)

	var errUpdate error
	if status == models.StatusRateLimited && req.ResetAt != "" {
		resetAt, errParse := time.Parse(time.RFC3339, req.ResetAt)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reset_at must be RFC3339"})
			return
		}
		errUpdate = s.store.RateLimit(c.Request.Context(), id, resetAt, req.Reason, now)
	} else {
		errUpdate = s.store.UpdateStatus(c.Request.Context(), id, status, req.Reason, now)
	}
	if errUpdate != nil {
		code := http.StatusBadRequest
		switch {
		case errors.Is(errUpdate, keystore.ErrNotFound):
			code = http.StatusNotFound
		case errors.Is(errUpdate, keystore.ErrInvalidTransition):
			code = http.StatusConflict
		}
		c.JSON(code, gin.H{"error": errUpdate.Error()})
		return
	}
	credential, _, _ := s.store.Get(c.Request.Context(), id)
	c.JSON(http.StatusOK, credential)
}

func (s *Server) handleListGuards(c *gin.Context) {
	rows, errList := s.guards.List(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errList.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"guards": rows})
}

type guardRequest struct {
	Name       string  `json:"name"`
	Type       string  `json:"type" binding:"required"`
	Action     string  `json:"action" binding:"required"`
	LimitValue float64 `json:"limit_value" binding:"required"`
}

func (s *Server) handleCreateGuard(c *gin.Context) {
	var req guardRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	guard, errCreate := s.guards.Create(c.Request.Context(), models.Guard{
		Name:       req.Name,
		Type:       models.GuardType(req.Type),
		Action:     models.GuardAction(req.Action),
		LimitValue: req.LimitValue,
	})
	if errCreate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errCreate.Error()})
		return
	}
	c.JSON(http.StatusCreated, guard)
}

type guardEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleGuardEnabled(c *gin.Context) {
	id, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "guard id must be numeric"})
		return
	}
	var req guardEnabledRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	if errSet := s.guards.SetEnabled(c.Request.Context(), id, *req.Enabled); errSet != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errSet.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": *req.Enabled})
}

func (s *Server) handleListRequests(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, errParse := strconv.Atoi(raw); errParse == nil {
			limit = n
		}
	}
	rows, errList := s.router.ListRequests(c.Request.Context(), limit)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errList.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": rows})
}

// handleRoute answers which credential would serve the request without
// executing anything.
func (s *Server) handleRoute(c *gin.Context) {
	var req router.Request
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	decision, rejection, errRoute := s.router.Route(c.Request.Context(), req, time.Now())
	if errRoute != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errRoute.Error()})
		return
	}
	if rejection != nil {
		c.JSON(http.StatusConflict, gin.H{"rejection": rejection})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

// handleExecute routes and performs the request, appending to the ledger.
func (s *Server) handleExecute(c *gin.Context) {
	var req router.Request
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	result, errExecute := s.router.Execute(c.Request.Context(), req)
	if errExecute != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errExecute.Error()})
		return
	}
	if result.Rejection != nil {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}
