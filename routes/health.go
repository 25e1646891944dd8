package routes

import (
	"context"
	"net/http"
	"time"

	"pii-redactor/utils"

	"github.com/gin-gonic/gin"
)

// ReadinessCheck probes one collaborator; a nil error means ready
type ReadinessCheck = func(ctx context.Context) error

func SetupHealthRoutes(router *gin.Engine, checks map[string]ReadinessCheck) {
	router.GET("/health", Health())
	router.GET("/health/ready", Ready(checks))
}

// Health is the liveness probe
func Health() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	}
}

// Ready runs every readiness check and answers 503 if any fails
func Ready(checks map[string]ReadinessCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		results := make(map[string]string, len(checks))
		ready := true

		for name, check := range checks {
			ctx, cancel := utils.WithShortTimeout(c.Request.Context())
			err := check(ctx)
			cancel()

			if err != nil {
				results[name] = err.Error()
				ready = false
				continue
			}
			results[name] = "ok"
		}

		if !ready {
			utils.RespondWithUnavailable(c, "Service not ready", results)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": results})
	}
}
