// Package api exposes the assessment engine over HTTP. The surface is thin
// orchestration: retrieve or accept a clinical bundle, run the engine,
// record the audit entry and shape the response.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/precise-hbr-cdss/internal/audit"
	"github.com/precise-hbr-cdss/internal/config"
	"github.com/precise-hbr-cdss/internal/domain"
	"github.com/precise-hbr-cdss/internal/fhir"
	"github.com/precise-hbr-cdss/internal/middleware"
	"github.com/precise-hbr-cdss/internal/ruleset"
	"github.com/precise-hbr-cdss/internal/service"
)

// Server represents the HTTP server
type Server struct {
	configManager *config.Manager
	assessor      *service.Assessor
	retriever     *fhir.Retriever
	loader        *ruleset.Loader
	auditStore    audit.Store
	logger        *logrus.Logger
	router        *gin.Engine
	server        *http.Server
}

// NewServer creates a new HTTP server instance. auditStore may be nil when
// the audit trail is disabled.
func NewServer(
	configManager *config.Manager,
	assessor *service.Assessor,
	retriever *fhir.Retriever,
	loader *ruleset.Loader,
	auditStore audit.Store,
	logger *logrus.Logger,
) *Server {
	cfg := configManager.GetConfig()

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(corsMiddleware())

	server := &Server{
		configManager: configManager,
		assessor:      assessor,
		retriever:     retriever,
		loader:        loader,
		auditStore:    auditStore,
		logger:        logger,
		router:        router,
	}

	server.setupRoutes()

	return server
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/assess", s.handleAssess)
		v1.POST("/tradeoff", s.handleTradeoff)
		v1.GET("/ruleset", s.handleRuleset)
	}
}

// assessRequest is the shared request body for assessment endpoints. Either
// an inline bundle or FHIR retrieval coordinates must be supplied.
type assessRequest struct {
	FHIRBaseURL string                 `json:"fhir_base_url,omitempty"`
	AccessToken string                 `json:"access_token,omitempty"`
	PatientID   string                 `json:"patient_id,omitempty"`
	Bundle      *domain.ClinicalBundle `json:"bundle,omitempty"`
}

type tradeoffRequest struct {
	assessRequest
	FactorOverrides map[string]bool `json:"factor_overrides,omitempty"`
}

func (r *assessRequest) validate() error {
	if r.Bundle != nil {
		return nil
	}
	if r.FHIRBaseURL == "" || r.PatientID == "" {
		return fmt.Errorf("either bundle or fhir_base_url and patient_id are required")
	}
	return nil
}

// patientRef is the reference recorded in the audit trail.
func (r *assessRequest) patientRef() string {
	if r.PatientID != "" {
		return "Patient/" + r.PatientID
	}
	return "inline"
}

// resolveBundle returns the inline bundle or retrieves one from the FHIR
// server named in the request.
func (s *Server) resolveBundle(ctx context.Context, req *assessRequest) (*domain.ClinicalBundle, error) {
	if req.Bundle != nil {
		return req.Bundle, nil
	}

	rules, err := s.loader.Get()
	if err != nil {
		return nil, err
	}

	target := fhir.Target{BaseURL: req.FHIRBaseURL, AccessToken: req.AccessToken}
	return s.retriever.Retrieve(ctx, target, req.PatientID, rules)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	response := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	if version, _, err := s.assessor.RulesetInfo(); err == nil {
		response["ruleset_version"] = version
	} else {
		response["status"] = "degraded"
		response["error"] = "clinical ruleset unavailable"
	}
	if s.retriever != nil && !s.retriever.CacheHealthy(c.Request.Context()) {
		response["cache"] = "unavailable"
	}
	c.JSON(http.StatusOK, response)
}

// handleAssess computes the PRECISE-HBR assessment for one patient.
func (s *Server) handleAssess(c *gin.Context) {
	var req assessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := req.validate(); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}

	bundle, err := s.resolveBundle(c.Request.Context(), &req)
	if err != nil {
		s.respondResolveError(c, err)
		return
	}

	result, err := s.assessor.Assess(*bundle)
	if err != nil {
		s.respondAssessError(c, err)
		return
	}

	s.recordAudit(c.Request.Context(), req.patientRef(), result)

	c.JSON(http.StatusOK, gin.H{
		"demographics":      bundle.Demographics,
		"assessment":        result,
		"failed_categories": bundle.FailedCategories,
	})
}

// handleTradeoff computes bleeding versus thrombotic event probabilities,
// optionally with explicit what-if factor overrides.
func (s *Server) handleTradeoff(c *gin.Context) {
	var req tradeoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := req.validate(); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}

	bundle, err := s.resolveBundle(c.Request.Context(), &req.assessRequest)
	if err != nil {
		s.respondResolveError(c, err)
		return
	}

	result, active, err := s.assessor.Tradeoff(*bundle, req.FactorOverrides)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownFactor) {
			s.respondError(c, http.StatusBadRequest, err)
			return
		}
		s.respondAssessError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"demographics":      bundle.Demographics,
		"tradeoff":          result,
		"active_factors":    active,
		"failed_categories": bundle.FailedCategories,
	})
}

// handleRuleset returns version and provenance metadata of the loaded
// ruleset, never its contents.
func (s *Server) handleRuleset(c *gin.Context) {
	version, source, err := s.assessor.RulesetInfo()
	if err != nil {
		s.respondAssessError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"version": version,
		"source":  source,
	})
}

func (s *Server) recordAudit(ctx context.Context, patientRef string, result *domain.ScoreResult) {
	if s.auditStore == nil {
		return
	}

	version, _, err := s.assessor.RulesetInfo()
	if err != nil {
		version = "unknown"
	}

	entry := &audit.Entry{
		PatientRef:          patientRef,
		FinalScore:          result.FinalScore,
		Category:            result.Category,
		BleedingRiskPercent: result.BleedingPct,
		RulesetVersion:      version,
	}
	if err := s.auditStore.Record(ctx, entry); err != nil {
		// An assessment that cannot be audited is still returned; the
		// trail is best effort, the score is the clinical deliverable.
		s.logger.WithError(err).Error("Failed to record audit entry")
	}
}

func (s *Server) respondResolveError(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrRulesetNotLoaded) {
		s.respondError(c, http.StatusServiceUnavailable, err)
		return
	}
	s.respondError(c, http.StatusBadGateway, fmt.Errorf("clinical data retrieval failed: %w", err))
}

func (s *Server) respondAssessError(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrRulesetNotLoaded) {
		s.respondError(c, http.StatusServiceUnavailable, err)
		return
	}
	s.respondError(c, http.StatusInternalServerError, err)
}

func (s *Server) respondError(c *gin.Context, status int, err error) {
	s.logger.WithFields(logrus.Fields{
		"correlation_id": c.GetString("correlation_id"),
		"status":         status,
		"error":          err.Error(),
	}).Warn("Request failed")

	c.JSON(status, gin.H{
		"error":          err.Error(),
		"correlation_id": c.GetString("correlation_id"),
	})
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Correlation-ID")
		c.Header("Access-Control-Expose-Headers", "Content-Length, X-Correlation-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
