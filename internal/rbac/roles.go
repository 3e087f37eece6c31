package rbac

// Operator role names. Keep these stable; they are part of the token contract.
const (
	RoleSuperAdmin = "super_admin"
	RolePoolAdmin  = "pool_admin"
	RoleSupport    = "support"
	RoleViewer     = "viewer"
)

// Permissions checked by the DID pool.
const (
	// PermDIDPoolManage covers every pool mutation: import, reserve, confirm,
	// release, retire, provision, deprovision.
	PermDIDPoolManage = "did_pool_manage"
	PermDIDPoolView   = "did_pool_view"
)

var rolePermissions = map[string][]string{
	RolePoolAdmin: {PermDIDPoolManage, PermDIDPoolView},
	RoleSupport:   {PermDIDPoolView},
	RoleViewer:    {PermDIDPoolView},
}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// HasPermission reports whether role grants perm. super_admin holds every permission;
// unknown roles hold none.
func HasPermission(role, perm string) bool {
	if IsSuperAdmin(role) {
		return true
	}
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
