package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/clearance_backend/identifier"
	"github.com/mmdatafocus/clearance_backend/models"
)

func (s *Server) NextSequenceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		category := models.DocumentCategory(c.Query("category"))
		seq, err := s.Identifiers.PreviewNextSequence(c.Request.Context(), tenantOf(c), category, c.Query("branch"), c.Query("terminal"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sequence_number": seq, "category": category, "name": category.Name()})
	}
}

func (s *Server) SequenceStatisticsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := s.Identifiers.SequenceStatistics(c.Request.Context(), tenantOf(c), c.Query("branch"), c.Query("terminal"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"branch": c.Query("branch"), "terminal": c.Query("terminal"), "categories": stats})
	}
}

func (s *Server) ParseKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		parts, err := identifier.ParseDocumentKey(c.Param("key"))
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "valid": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": true, "parts": parts})
	}
}
