package rbac

import "errors"

var (
	// ErrInvalidRole indicates a base role id missing from the catalog.
	ErrInvalidRole = errors.New("rbac: invalid role")
	// ErrUnknownPermission indicates add-on ids missing from the catalog.
	ErrUnknownPermission = errors.New("rbac: unknown permission")
	// ErrInvalidPermission is returned when administration targets an unknown add-on.
	ErrInvalidPermission = errors.New("rbac: invalid permission")
	// ErrIncompatiblePermission indicates the add-on is not allowed for the user's base role.
	ErrIncompatiblePermission = errors.New("rbac: permission incompatible with base role")
	// ErrUserNotFound indicates the user has no access record.
	ErrUserNotFound = errors.New("rbac: user not found")
	// ErrVersionConflict is returned by stores when the record changed since it was read.
	ErrVersionConflict = errors.New("rbac: record version conflict")
	// ErrPersistence wraps store failures surfaced by administration and migration.
	ErrPersistence = errors.New("rbac: persistence error")
	// ErrInvalidCatalog wraps catalog validation failures.
	ErrInvalidCatalog = errors.New("rbac: invalid catalog")
)
