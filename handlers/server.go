// Package handlers exposes the clearance engine over HTTP.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/clearance_backend/authority"
	"github.com/mmdatafocus/clearance_backend/identifier"
	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/mmdatafocus/clearance_backend/monitor"
	"github.com/mmdatafocus/clearance_backend/utils"
	"github.com/mmdatafocus/clearance_backend/workflow"
	"github.com/sirupsen/logrus"
)

const tenantHeader = "x-tenant-id"

// HealthChecker checks reachability of the authority for one environment.
type HealthChecker func(ctx context.Context, environment string) authority.Health

type Server struct {
	Store        models.DocumentStore
	Intake       *workflow.Intake
	Orchestrator *workflow.Orchestrator
	Scheduler    *workflow.Scheduler
	Sweeper      *workflow.Sweeper
	Identifiers  *identifier.Generator
	Monitor      *monitor.Monitor
	Health       HealthChecker
	Logger       *logrus.Logger
	// DefaultEnvironment is checked when the health request names none.
	DefaultEnvironment string
}

// Register mounts every clearance route on r.
func (s *Server) Register(r gin.IRouter) {
	api := r.Group("/api/clearance")

	tenant := api.Group("", s.requireTenant())
	tenant.POST("/documents", s.CreateDraftHandler())
	tenant.POST("/documents/:id/submit", s.SubmitHandler())
	tenant.GET("/documents/:id/status", s.StatusHandler())
	tenant.POST("/documents/:id/cancel", s.CancelHandler())
	tenant.POST("/documents/:id/poll", s.PollHandler())
	tenant.POST("/documents/:id/acknowledge", s.AcknowledgeHandler())
	tenant.GET("/statistics", s.StatisticsHandler())
	tenant.GET("/summary", s.SummaryHandler())
	tenant.GET("/identifiers/next", s.NextSequenceHandler())
	tenant.GET("/identifiers/statistics", s.SequenceStatisticsHandler())
	tenant.GET("/reports/documents.xlsx", s.DocumentReportHandler())

	api.GET("/identifiers/keys/:key", s.ParseKeyHandler())
	api.GET("/alerts", s.ActiveAlertsHandler())
	api.POST("/alerts/:id/resolve", s.ResolveAlertHandler())
	api.GET("/errors/rates", s.ErrorRatesHandler())
	api.GET("/errors/health", s.ErrorHealthHandler())
	api.GET("/authority/health", s.AuthorityHealthHandler())
}

// CorrelationMiddleware carries x-correlation-id (or a fresh uuid) on the request context.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
		documentId, _ := utils.GetDocumentIdFromContext(c.Request.Context())
		entry := logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
			"tenant_id":      tenantId,
			"document_id":    documentId,
		})
		if len(c.Errors) > 0 {
			entry.Error(c.Errors.String())
			return
		}
		entry.Info("request")
	}
}

func (s *Server) requireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := strings.TrimSpace(c.GetHeader(tenantHeader))
		if tenantId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": tenantHeader + " header is required"})
			return
		}
		c.Request = c.Request.WithContext(utils.SetTenantIdInContext(c.Request.Context(), tenantId))
		c.Next()
	}
}

func tenantOf(c *gin.Context) string {
	tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
	return tenantId
}

func (s *Server) logger() *logrus.Logger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}
