package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/clearance_backend/config"
	"github.com/mmdatafocus/clearance_backend/faults"
	"github.com/mmdatafocus/clearance_backend/identifier"
	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/mmdatafocus/clearance_backend/models/reports"
	"github.com/mmdatafocus/clearance_backend/utils"
	"github.com/mmdatafocus/clearance_backend/workflow"
)

type DraftResponse struct {
	DocumentId     string               `json:"document_id"`
	DocumentKey    string               `json:"document_key"`
	SequenceNumber string               `json:"sequence_number"`
	State          models.DocumentState `json:"state"`
	IssuedAt       time.Time            `json:"issued_at"`
	QRCode         string               `json:"qr_code"`
}

type AcknowledgeRequest struct {
	AckType models.AckType `json:"ack_type" binding:"required"`
	Payload []byte         `json:"payload" binding:"required"`
}

func (s *Server) CreateDraftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.DraftInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		input.TenantId = tenantOf(c)

		doc, err := s.Intake.CreateDraft(c.Request.Context(), input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, DraftResponse{
			DocumentId:     doc.ID,
			DocumentKey:    doc.DocumentKey,
			SequenceNumber: doc.SequenceNumber,
			State:          doc.State,
			IssuedAt:       doc.IssuedAt,
			QRCode:         identifier.QRCodeData(doc.DocumentKey, doc.IssuedAt, doc.TotalAmount),
		})
	}
}

// ownDocument resolves :id and hides documents of other tenants behind a 404.
func (s *Server) ownDocument(c *gin.Context) (string, bool) {
	id := c.Param("id")
	doc, err := s.Store.LoadDocument(c.Request.Context(), id)
	if err == nil && doc.TenantId != tenantOf(c) {
		err = faults.NotFound("LoadDocument", "document %s", id)
	}
	if err != nil {
		writeError(c, err)
		return "", false
	}
	c.Request = c.Request.WithContext(utils.SetDocumentIdInContext(c.Request.Context(), id))
	return id, true
}

func forceParam(c *gin.Context) (bool, bool) {
	raw := c.DefaultQuery("force", "false")
	force, err := strconv.ParseBool(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "force must be a boolean"})
		return false, false
	}
	return force, true
}

func (s *Server) SubmitHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		force, ok := forceParam(c)
		if !ok {
			return
		}
		id, ok := s.ownDocument(c)
		if !ok {
			return
		}
		res, err := s.Orchestrator.Submit(c.Request.Context(), id, force)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, res)
	}
}

func (s *Server) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := s.ownDocument(c)
		if !ok {
			return
		}
		st, err := s.Orchestrator.GetStatus(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

func (s *Server) CancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := s.ownDocument(c)
		if !ok {
			return
		}
		res, err := s.Orchestrator.Cancel(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, res)
	}
}

func (s *Server) PollHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		force, ok := forceParam(c)
		if !ok {
			return
		}
		id, ok := s.ownDocument(c)
		if !ok {
			return
		}
		res, err := s.Scheduler.PollDocument(c.Request.Context(), id, force)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, res)
	}
}

func (s *Server) AcknowledgeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AcknowledgeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		id, ok := s.ownDocument(c)
		if !ok {
			return
		}
		res, err := s.Orchestrator.Acknowledge(c.Request.Context(), id, req.AckType, req.Payload)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, res)
	}
}

func (s *Server) StatisticsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
		if err != nil || days <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		stats, err := s.Scheduler.SubmissionStatistics(c.Request.Context(), tenantOf(c), days)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func (s *Server) SummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sum, err := s.Scheduler.StatusSummary(c.Request.Context(), tenantOf(c), s.Sweeper)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, sum)
	}
}

func (s *Server) DocumentReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := models.DocumentFilter{TenantId: tenantOf(c)}
		if raw := c.Query("state"); raw != "" {
			state := models.DocumentState(raw)
			if !state.IsValid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state " + raw})
				return
			}
			filter.States = []models.DocumentState{state}
		}
		docs, err := s.Store.ListDocuments(c.Request.Context(), filter)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=documents.xlsx")
		c.Status(http.StatusOK)
		if err := reports.WriteDocumentStatusReport(c.Writer, docs); err != nil {
			config.LogError(s.logger(), "handlers", "DocumentReportHandler", "write workbook", gin.H{"tenant_id": filter.TenantId, "documents": len(docs)}, err)
		}
	}
}
