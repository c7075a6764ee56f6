package shared

// Directory permissions. Holding a parent code covers its children, so
// "users" alone authorizes every users.* action.
const (
	PermUsers                = "users"
	PermUsersView            = "users.view"
	PermUsersCreate          = "users.create"
	PermUsersEdit            = "users.edit"
	PermUsersEditRole        = "users.edit.role"
	PermUsersEditPermissions = "users.edit.permissions"
	PermUsersEditStatus      = "users.edit.status"
	PermUsersDelete          = "users.delete"
	PermUsersBulk            = "users.bulk"

	PermRolesView   = "roles.view"
	PermRolesResync = "roles.resync"

	PermPermissionsView = "permissions.view"
)

// CoreScopes lists every permission the directory checks.
func CoreScopes() []string {
	return []string{
		PermUsersView,
		PermUsersCreate,
		PermUsersEdit,
		PermUsersEditRole,
		PermUsersEditPermissions,
		PermUsersEditStatus,
		PermUsersDelete,
		PermUsersBulk,
		PermRolesView,
		PermRolesResync,
		PermPermissionsView,
	}
}
