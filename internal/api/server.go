// Package api exposes the case and alert query surface over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/finsentry/casework/internal/alerting"
	"github.com/finsentry/casework/internal/casework"
)

// APIResponse is the standard response envelope.
type APIResponse struct {
	Status    string      `json:"status"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Server wires the lifecycle service and alert dispatcher into HTTP routes.
type Server struct {
	logger     *zap.Logger
	cases      *casework.CaseService
	dispatcher *alerting.Dispatcher
	registry   *prometheus.Registry
	httpServer *http.Server
}

// NewServer builds the API server.
func NewServer(
	cases *casework.CaseService,
	dispatcher *alerting.Dispatcher,
	registry *prometheus.Registry,
	logger *zap.Logger,
) *Server {
	return &Server{
		logger:     logger,
		cases:      cases,
		dispatcher: dispatcher,
		registry:   registry,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))

	if s.registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	api.GET("/health", s.handleHealth)

	api.POST("/violations", s.handleSubmitViolation)

	cases := api.Group("/cases")
	{
		cases.GET("", s.handleSearchCases)
		cases.GET("/stats", s.handleCaseStatistics)
		cases.GET("/:id", s.handleGetCase)
		cases.PUT("/:id/status", s.handleUpdateCaseStatus)
		cases.POST("/:id/escalate", s.handleEscalateCase)
		cases.POST("/:id/assign", s.handleAssignCase)
		cases.POST("/:id/notes", s.handleAddNote)
		cases.POST("/:id/evidence", s.handleAddEvidence)
		cases.POST("/:id/sar", s.handleInitiateSAR)
		cases.GET("/:id/sar", s.handleGetFilings)
		cases.PUT("/:id/sar/status", s.handleUpdateFilingStatus)
	}

	alerts := api.Group("/alerts")
	{
		alerts.GET("", s.handleGetAlerts)
		alerts.GET("/stats", s.handleAlertStatistics)
		alerts.GET("/:id", s.handleGetAlert)
		alerts.PUT("/:id/status", s.handleUpdateAlertStatus)
		alerts.PUT("/:id/assign", s.handleAssignAlert)
	}

	api.PUT("/maintenance", s.handleMaintenance)

	return router
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Router()}
	s.logger.Info("API server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ok(c, "Casework engine healthy", gin.H{"status": "healthy"})
}

type violationRequest struct {
	Transaction casework.Transaction         `json:"transaction" binding:"required"`
	User        casework.User                `json:"user" binding:"required"`
	Violation   casework.ComplianceViolation `json:"violation" binding:"required"`
}

func (s *Server) handleSubmitViolation(c *gin.Context) {
	var req violationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := s.cases.HandleViolation(c.Request.Context(), req.Transaction, req.User, req.Violation)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Violation processed", result)
}

func (s *Server) handleSearchCases(c *gin.Context) {
	var criteria casework.SearchCriteria
	if err := c.ShouldBindQuery(&criteria); err != nil {
		badRequest(c, err)
		return
	}
	results := s.cases.SearchCases(criteria)
	ok(c, "Cases retrieved", gin.H{"cases": results, "total": len(results)})
}

func (s *Server) handleGetCase(c *gin.Context) {
	result, err := s.cases.GetCase(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Case retrieved", result)
}

func (s *Server) handleCaseStatistics(c *gin.Context) {
	ok(c, "Case statistics retrieved", s.cases.GetCaseStatistics())
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
	Actor  string `json:"actor" binding:"required"`
	Note   string `json:"note"`
}

func (s *Server) handleUpdateCaseStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := s.cases.UpdateCaseStatus(c.Request.Context(), c.Param("id"),
		casework.CaseStatus(req.Status), req.Actor, req.Note)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Case status updated", result)
}

type escalateRequest struct {
	Reason string `json:"reason" binding:"required"`
	Actor  string `json:"actor" binding:"required"`
}

func (s *Server) handleEscalateCase(c *gin.Context) {
	var req escalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := s.cases.EscalateCase(c.Request.Context(), c.Param("id"), req.Reason, req.Actor)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Case escalated", result)
}

type assignRequest struct {
	Investigator string `json:"investigator" binding:"required"`
	AssignedBy   string `json:"assigned_by" binding:"required"`
}

func (s *Server) handleAssignCase(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := s.cases.AssignCase(c.Request.Context(), c.Param("id"), req.Investigator, req.AssignedBy)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Case assigned", result)
}

type noteRequest struct {
	Author    string `json:"author" binding:"required"`
	Note      string `json:"note" binding:"required"`
	Sensitive bool   `json:"sensitive"`
}

func (s *Server) handleAddNote(c *gin.Context) {
	var req noteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := s.cases.AddNote(c.Request.Context(), c.Param("id"), req.Author, req.Note, req.Sensitive)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Note added", result)
}

type evidenceRequest struct {
	Type        string                 `json:"type" binding:"required"`
	Description string                 `json:"description" binding:"required"`
	Data        map[string]interface{} `json:"data"`
	CollectedBy string                 `json:"collected_by" binding:"required"`
}

func (s *Server) handleAddEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := s.cases.AddEvidence(c.Request.Context(), c.Param("id"), casework.EvidenceItem{
		Type:        req.Type,
		Description: req.Description,
		Data:        req.Data,
		CollectedBy: req.CollectedBy,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Evidence added", result)
}

type sarRequest struct {
	Actor string `json:"actor" binding:"required"`
}

func (s *Server) handleInitiateSAR(c *gin.Context) {
	var req sarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	filing, err := s.cases.InitiateSARFiling(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "SAR filing initiated", filing)
}

func (s *Server) handleGetFilings(c *gin.Context) {
	filings := s.cases.GetFilings(c.Param("id"))
	ok(c, "SAR filings retrieved", gin.H{"filings": filings, "total": len(filings)})
}

type filingStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Actor  string `json:"actor" binding:"required"`
}

func (s *Server) handleUpdateFilingStatus(c *gin.Context) {
	var req filingStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	filing, err := s.cases.UpdateFilingStatus(c.Request.Context(), c.Param("id"),
		casework.SARFilingStatus(req.Status), req.Actor)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "SAR filing status updated", filing)
}

func (s *Server) handleGetAlerts(c *gin.Context) {
	var criteria alerting.Criteria
	if err := c.ShouldBindQuery(&criteria); err != nil {
		badRequest(c, err)
		return
	}
	results := s.dispatcher.GetAlerts(criteria)
	ok(c, "Alerts retrieved", gin.H{"alerts": results, "total": len(results)})
}

func (s *Server) handleAlertStatistics(c *gin.Context) {
	ok(c, "Alert statistics retrieved", s.dispatcher.Statistics())
}

func (s *Server) handleGetAlert(c *gin.Context) {
	alertID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}

	result, err := s.dispatcher.GetAlert(alertID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Alert retrieved", result)
}

func (s *Server) handleUpdateAlertStatus(c *gin.Context) {
	alertID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := s.dispatcher.UpdateAlertStatus(c.Request.Context(), alertID,
		alerting.Status(req.Status), req.Actor)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Alert status updated", result)
}

func (s *Server) handleAssignAlert(c *gin.Context) {
	alertID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}

	var req struct {
		Assignee string `json:"assignee" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := s.dispatcher.AssignAlert(alertID, req.Assignee)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Alert assigned", result)
}

func (s *Server) handleMaintenance(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	s.dispatcher.SetMaintenanceMode(*req.Enabled)
	ok(c, "Maintenance mode updated", gin.H{"enabled": *req.Enabled})
}

func ok(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Status:    "success",
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Status:    "error",
		Message:   "Invalid request",
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, casework.ErrCaseNotFound),
		errors.Is(err, casework.ErrFilingNotFound),
		errors.Is(err, alerting.ErrAlertNotFound):
		status = http.StatusNotFound
	case errors.Is(err, casework.ErrInvalidTransition),
		errors.Is(err, casework.ErrFilingExists),
		errors.Is(err, casework.ErrDuplicateCase),
		errors.Is(err, alerting.ErrInvalidTransition):
		status = http.StatusConflict
	}

	c.JSON(status, APIResponse{
		Status:    "error",
		Message:   "Operation failed",
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
}
