package rbac

import (
	"fmt"
	"strings"
)

// Resolver derives effective permissions and access levels from access
// records. It holds no state besides the catalog and is safe for concurrent use.
type Resolver struct {
	catalog *Catalog
}

// NewResolver constructs a Resolver for the catalog.
func NewResolver(catalog *Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Catalog exposes the catalog the resolver evaluates against.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

// EffectivePermissions returns the union of the base role tokens and the
// tokens granted by every known add-on. Unknown add-ons are skipped. An unknown
// base role yields an empty set and ErrInvalidRole.
func (r *Resolver) EffectivePermissions(record UserAccessRecord) (PermissionSet, error) {
	role, ok := r.catalog.roles[record.BaseRoleID]
	if !ok {
		return PermissionSet{}, fmt.Errorf("%w: %q", ErrInvalidRole, record.BaseRoleID)
	}
	set := NewPermissionSet(role.BasePermissions...)
	if role.ID == r.catalog.wildcard {
		set.add(Wildcard)
	}
	for _, id := range record.AdditionalPermissionIDs {
		perm, ok := r.catalog.permissions[id]
		if !ok {
			continue
		}
		set.add(perm.GrantedTokens...)
	}
	return set, nil
}

// HasPermission reports whether the record satisfies token directly, through
// the wildcard, or through a legacy equivalent. Unresolvable records hold no
// permissions.
func (r *Resolver) HasPermission(record UserAccessRecord, token Token) bool {
	set, err := r.EffectivePermissions(record)
	if err != nil {
		return false
	}
	return r.satisfies(set, token)
}

func (r *Resolver) satisfies(set PermissionSet, token Token) bool {
	token = Token(strings.TrimSpace(string(token)))
	if token == "" {
		return false
	}
	if set.Contains(token) || set.Contains(Wildcard) {
		return true
	}
	for _, eq := range r.catalog.legacy[token] {
		if set.Contains(eq) {
			return true
		}
	}
	return false
}

// Validate reports ErrInvalidRole for an unknown base role, or
// ErrUnknownPermission naming the add-ons missing from the catalog.
func (r *Resolver) Validate(record UserAccessRecord) error {
	if _, ok := r.catalog.roles[record.BaseRoleID]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRole, record.BaseRoleID)
	}
	var unknown []string
	for _, id := range record.AdditionalPermissionIDs {
		if _, ok := r.catalog.permissions[id]; !ok {
			unknown = append(unknown, string(id))
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, strings.Join(unknown, ", "))
	}
	return nil
}
