package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/quorumledger/internal/integrity"
)

// HealthHandler returns the liveness handler. The latest integrity report is
// included when a monitor is configured; a broken chain reports "degraded"
// but the process stays live.
func HealthHandler(monitor *integrity.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{"status": "ok"}
		if monitor != nil {
			if rep := monitor.Last(); rep != nil {
				resp["integrity"] = rep
				if !rep.Valid || rep.Error != "" {
					resp["status"] = "degraded"
				}
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}
