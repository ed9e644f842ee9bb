package rbac

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// AccessContext answers permission questions for one caller. It is built per
// request and never changes afterwards.
type AccessContext struct {
	resolver    *Resolver
	record      UserAccessRecord
	geo         GeoAssignment
	guest       bool
	permissions PermissionSet
	level       AccessLevel
}

// NewAccessContext evaluates record once and keeps the derived values. A record
// with an unknown base role degrades to no permissions and LevelNone.
func NewAccessContext(resolver *Resolver, record UserAccessRecord, geo GeoAssignment) *AccessContext {
	perms, _ := resolver.EffectivePermissions(record)
	level, _ := resolver.EffectiveAccessLevel(record)
	return &AccessContext{
		resolver:    resolver,
		record:      record,
		geo:         geo,
		permissions: perms,
		level:       level,
	}
}

// GuestContext resolves against the catalog guest role without geography.
func GuestContext(resolver *Resolver) *AccessContext {
	ac := NewAccessContext(resolver, UserAccessRecord{BaseRoleID: resolver.catalog.guest}, GeoAssignment{})
	ac.guest = true
	return ac
}

// UserID returns the caller id, zero for guests.
func (c *AccessContext) UserID() int64 { return c.record.UserID }

// IsGuest reports whether the caller is anonymous or unknown.
func (c *AccessContext) IsGuest() bool { return c.guest }

// Role returns the caller's base role id.
func (c *AccessContext) Role() RoleID { return c.record.BaseRoleID }

// Record returns the access record the context was built from.
func (c *AccessContext) Record() UserAccessRecord { return c.record }

// AccessLevel returns the effective geographic access level.
func (c *AccessContext) AccessLevel() AccessLevel { return c.level }

// Permissions returns the effective permission tokens, sorted.
func (c *AccessContext) Permissions() []Token { return c.permissions.Tokens() }

// HasPermission applies the direct, wildcard and legacy checks.
func (c *AccessContext) HasPermission(token Token) bool {
	return c.resolver.satisfies(c.permissions, token)
}

// HasAnyPermission reports whether at least one token is satisfied.
func (c *AccessContext) HasAnyPermission(tokens ...Token) bool {
	for _, t := range tokens {
		if c.HasPermission(t) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether every token is satisfied.
func (c *AccessContext) HasAllPermissions(tokens ...Token) bool {
	for _, t := range tokens {
		if !c.HasPermission(t) {
			return false
		}
	}
	return true
}

// HasRole reports whether the caller's role is any of roles or sits above one
// of them in the role hierarchy.
func (c *AccessContext) HasRole(roles ...RoleID) bool {
	for _, want := range roles {
		want = RoleID(strings.TrimSpace(string(want)))
		if c.resolver.catalog.RoleIncludes(c.record.BaseRoleID, want) {
			return true
		}
	}
	return false
}

// HasProvinceAccess reports whether the province is assigned to the caller,
// either as home province or through the accessible province list. It ignores
// the access level, so a GLOBAL caller without assignments gets false here; use
// CanAccessProvince for level-aware checks.
func (c *AccessContext) HasProvinceAccess(provinceID string) bool {
	if provinceID == "" {
		return false
	}
	return provinceID == c.geo.HomeProvinceID || slices.Contains(c.geo.AccessibleProvinceIDs, provinceID)
}

// CanAccessProvince applies the effective access level to the province.
func (c *AccessContext) CanAccessProvince(provinceID string) bool {
	return provinceAllowed(c.level, c.geo, provinceID)
}

// CanAccessBranch applies the effective access level to the branch.
func (c *AccessContext) CanAccessBranch(branch Branch) bool {
	return branchAllowed(c.level, c.geo, branch)
}

// AccessibleProvinces lists the provinces the caller may see. all is true for
// GLOBAL access, in which case ids is nil.
func (c *AccessContext) AccessibleProvinces() (ids []string, all bool) {
	switch c.level {
	case LevelGlobal:
		return nil, true
	case LevelProvince:
		out := make([]string, 0, len(c.geo.AccessibleProvinceIDs)+1)
		if c.geo.HomeProvinceID != "" {
			out = append(out, c.geo.HomeProvinceID)
		}
		out = append(out, c.geo.AccessibleProvinceIDs...)
		slices.Sort(out)
		return slices.Compact(out), false
	case LevelBranch:
		if c.geo.HomeProvinceID == "" {
			return []string{}, false
		}
		return []string{c.geo.HomeProvinceID}, false
	}
	return []string{}, false
}

// ContextLoader builds AccessContexts from stored records and geography.
type ContextLoader struct {
	resolver *Resolver
	store    RecordStore
	geo      GeoSource
}

// NewContextLoader constructs a loader. geo may be nil, in which case callers
// have no geographic assignment.
func NewContextLoader(resolver *Resolver, store RecordStore, geo GeoSource) *ContextLoader {
	return &ContextLoader{resolver: resolver, store: store, geo: geo}
}

// Load returns the caller's context. userID zero and users without a record
// resolve to the guest context.
func (l *ContextLoader) Load(ctx context.Context, userID int64) (*AccessContext, error) {
	if userID == 0 {
		return GuestContext(l.resolver), nil
	}
	record, err := l.store.GetUserAccessRecord(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return GuestContext(l.resolver), nil
		}
		return nil, fmt.Errorf("rbac: load access record %d: %w", userID, err)
	}
	var geo GeoAssignment
	if l.geo != nil {
		geo, err = l.geo.GeoAssignment(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("rbac: load geo assignment %d: %w", userID, err)
		}
	}
	return NewAccessContext(l.resolver, record, geo), nil
}

type accessContextKey struct{}

// ContextWithAccess stores the access context in ctx.
func ContextWithAccess(ctx context.Context, ac *AccessContext) context.Context {
	return context.WithValue(ctx, accessContextKey{}, ac)
}

// AccessFromContext extracts the access context, or nil.
func AccessFromContext(ctx context.Context) *AccessContext {
	ac, _ := ctx.Value(accessContextKey{}).(*AccessContext)
	return ac
}
