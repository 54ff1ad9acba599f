package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type ResolveAlertRequest struct {
	Resolution string `json:"resolution" binding:"max=500"`
}

func (s *Server) ActiveAlertsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Query("resolved") == "true" {
			c.JSON(http.StatusOK, gin.H{"alerts": s.Monitor.ListResolvedAlerts()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"alerts": s.Monitor.ListActiveAlerts()})
	}
}

func (s *Server) ResolveAlertHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ResolveAlertRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		alert, err := s.Monitor.ResolveAlert(c.Param("id"), req.Resolution)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, alert)
	}
}

func (s *Server) ErrorRatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rates, err := s.Monitor.GetErrorRates(c.DefaultQuery("window", "1h"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rates)
	}
}

func (s *Server) ErrorHealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Monitor.GetHealthMetrics())
	}
}

func (s *Server) AuthorityHealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Health == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "authority health check not configured"})
			return
		}
		env := c.DefaultQuery("environment", s.DefaultEnvironment)
		h := s.Health(c.Request.Context(), env)
		status := http.StatusOK
		if !h.Healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"environment": env,
			"healthy":     h.Healthy,
			"status_code": h.StatusCode,
			"latency_ms":  h.Latency.Milliseconds(),
			"error":       h.Error,
		})
	}
}
