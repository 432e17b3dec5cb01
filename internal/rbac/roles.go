package rbac

// Role names carried in access tokens.
const (
	RoleUser       = "user"
	RoleOwner      = "owner"
	RoleFinance    = "finance"
	RoleSuperAdmin = "super_admin"
	RoleOperator   = "pool_operator" // hidden role
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleOperator }

// BypassesBalance reports whether role may place calls without credits.
func BypassesBalance(role string) bool {
	return IsSuperAdmin(role) || role == RoleOperator
}
