package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"didpool-service/internal/auth"

	"github.com/gin-gonic/gin"
)

func serveAs(role string, guard gin.HandlerFunc) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if role != "" {
			ctx := auth.WithIdentity(c.Request.Context(), "u", role)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}, guard, func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role, perm string
		want       bool
	}{
		{RoleSuperAdmin, PermDIDPoolManage, true},
		{RoleSuperAdmin, "anything", true},
		{RolePoolAdmin, PermDIDPoolManage, true},
		{RolePoolAdmin, PermDIDPoolView, true},
		{RoleSupport, PermDIDPoolManage, false},
		{RoleSupport, PermDIDPoolView, true},
		{RoleViewer, PermDIDPoolManage, false},
		{"tenant_owner", PermDIDPoolView, false},
		{"", PermDIDPoolView, false},
	}
	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%q, %q) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}

func TestRequirePermission(t *testing.T) {
	if code := serveAs(RolePoolAdmin, RequirePermission(PermDIDPoolManage)); code != 200 {
		t.Fatalf("pool_admin: expected 200, got %d", code)
	}
	if code := serveAs(RoleViewer, RequirePermission(PermDIDPoolManage)); code != 403 {
		t.Fatalf("viewer: expected 403, got %d", code)
	}
	if code := serveAs("", RequirePermission(PermDIDPoolView)); code != 401 {
		t.Fatalf("anonymous: expected 401, got %d", code)
	}
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serveAs(RoleSuperAdmin, RequireAnyRole(RolePoolAdmin)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := serveAs(RoleSupport, RequireAnyRole(RolePoolAdmin)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}
