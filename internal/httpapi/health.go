package httpapi

import (
	"context"
	"net/http"
	"time"

	"didpool-service/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Dependency is one thing /healthz pings.
type Dependency struct {
	Name  string
	Check func(ctx context.Context) error
}

// Health reports ok only when every dependency answers within timeout.
// A failing dependency turns the response into 503 "degraded" and is named in the body.
func Health(timeout time.Duration, deps ...Dependency) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		status, code := "ok", http.StatusOK
		checks := make(gin.H, len(deps))
		for _, d := range deps {
			if err := d.Check(ctx); err != nil {
				logger.FromGin(c).Warn("health check failed", "dependency", d.Name, "err", err)
				checks[d.Name] = "down"
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			checks[d.Name] = "ok"
		}
		c.JSON(code, gin.H{"status": status, "checks": checks})
	}
}
