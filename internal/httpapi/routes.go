package httpapi

import (
	"didpool-service/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register mounts the DID pool API on an authenticated /v1 group.
// Reads are gated here; mutations are authorized (and audited) by provisioning.Service.
func (h Handlers) Register(v1 *gin.RouterGroup) {
	view := rbac.RequirePermission(rbac.PermDIDPoolView)

	dids := v1.Group("/dids")
	{
		dids.GET("", view, h.ListDIDs)
		dids.GET("/:did_id", view, h.GetDID)
		dids.GET("/:did_id/history", view, h.DIDHistory)
		dids.GET("/:did_id/verify", rbac.RequireAnyRole(rbac.RolePoolAdmin), h.VerifyDID)

		dids.POST("/import", h.ImportDIDs)
		dids.POST("/reserve", h.ReserveDID)
		dids.POST("/:did_id/confirm", h.ConfirmDID)
		dids.POST("/:did_id/release", h.ReleaseDID)
		dids.POST("/:did_id/retire", h.RetireDID)
		dids.POST("/:did_id/deprovision", h.DeprovisionDID)
	}

	v1.POST("/tenants/:tenant_id/provision", h.ProvisionTenant)
}
