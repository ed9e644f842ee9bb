package users

import "github.com/odyssey-erp/odyssey-access/internal/rbac"

// Seed is the initial access state of a user loaded by provisioning scripts.
type Seed struct {
	UserID     int64
	BaseRoleID rbac.RoleID
	Geo        rbac.GeoAssignment
}
