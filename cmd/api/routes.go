package main

import (
	"context"
	"database/sql"
	"time"

	"didpool-service/internal/httpapi"
	"didpool-service/internal/telephony"
	"didpool-service/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, db *sql.DB, registrar telephony.NumberRegistrar, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", httpapi.Health(3*time.Second,
		httpapi.Dependency{Name: "postgres", Check: func(ctx context.Context) error {
			return utils.HealthCheck(ctx, db, 2*time.Second)
		}},
		httpapi.Dependency{Name: "registrar:" + registrar.Name(), Check: registrar.HealthCheck},
	))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Token issuance for local runs only; h.Auth is nil elsewhere.
	if h.Auth != nil {
		r.POST("/v1/auth/dev-token", h.DevToken)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	h.Register(v1)
}
