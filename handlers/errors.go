package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/clearance_backend/faults"
	"github.com/mmdatafocus/clearance_backend/workflow"
)

func statusFor(err error) int {
	kind, ok := faults.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindConfiguration, faults.KindInvariant:
		return http.StatusUnprocessableEntity
	case faults.KindConflict, faults.KindStale:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	if kind, ok := faults.KindOf(err); ok {
		body["code"] = string(kind)
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, body)
}

// writeResult maps an operation outcome onto the response status. A failed
// attempt is the authority's doing, so it reports as a bad gateway.
func writeResult(c *gin.Context, res workflow.Result) {
	status := http.StatusOK
	switch res.Outcome {
	case workflow.OutcomeRefused:
		status = http.StatusConflict
	case workflow.OutcomeFailed:
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}
