package rbac

import (
	"fmt"
	"slices"
)

// GeoAssignment is the caller's geographic placement, owned by master data.
type GeoAssignment struct {
	HomeProvinceID        string
	HomeBranchID          string
	AccessibleProvinceIDs []string
	AccessibleBranchIDs   []string
}

// Branch identifies a branch together with its province.
type Branch struct {
	ID         string
	ProvinceID string
}

// EffectiveAccessLevel starts from the base role level and applies every
// add-on upgrade that is strictly higher. The wildcard role is always GLOBAL.
// An unknown base role yields LevelNone and ErrInvalidRole.
func (r *Resolver) EffectiveAccessLevel(record UserAccessRecord) (AccessLevel, error) {
	role, ok := r.catalog.roles[record.BaseRoleID]
	if !ok {
		return LevelNone, fmt.Errorf("%w: %q", ErrInvalidRole, record.BaseRoleID)
	}
	if role.ID == r.catalog.wildcard {
		return LevelGlobal, nil
	}
	level := role.AccessLevel
	for _, id := range record.AdditionalPermissionIDs {
		perm, ok := r.catalog.permissions[id]
		if !ok || !perm.HasUpgrade() {
			continue
		}
		if perm.AccessLevelUpgrade > level {
			level = perm.AccessLevelUpgrade
		}
	}
	return level, nil
}

// CanAccessProvince applies the access level of the record to a province.
func (r *Resolver) CanAccessProvince(record UserAccessRecord, geo GeoAssignment, provinceID string) bool {
	level, err := r.EffectiveAccessLevel(record)
	if err != nil {
		return false
	}
	return provinceAllowed(level, geo, provinceID)
}

// CanAccessBranch applies the access level of the record to a branch.
func (r *Resolver) CanAccessBranch(record UserAccessRecord, geo GeoAssignment, branch Branch) bool {
	level, err := r.EffectiveAccessLevel(record)
	if err != nil {
		return false
	}
	return branchAllowed(level, geo, branch)
}

func provinceAllowed(level AccessLevel, geo GeoAssignment, provinceID string) bool {
	if provinceID == "" {
		return level == LevelGlobal
	}
	switch level {
	case LevelGlobal:
		return true
	case LevelProvince:
		return provinceID == geo.HomeProvinceID || slices.Contains(geo.AccessibleProvinceIDs, provinceID)
	case LevelBranch:
		return geo.HomeProvinceID != "" && provinceID == geo.HomeProvinceID
	}
	return false
}

func branchAllowed(level AccessLevel, geo GeoAssignment, branch Branch) bool {
	switch level {
	case LevelGlobal:
		return true
	case LevelProvince:
		return provinceAllowed(level, geo, branch.ProvinceID)
	case LevelBranch:
		if !provinceAllowed(level, geo, branch.ProvinceID) {
			return false
		}
		if branch.ID == "" {
			return true
		}
		return branch.ID == geo.HomeBranchID || slices.Contains(geo.AccessibleBranchIDs, branch.ID)
	}
	return false
}
