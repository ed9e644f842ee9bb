package rbac

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// AccessLevel is the geographic scope of a user's data visibility.
type AccessLevel int

const (
	// LevelNone grants no geographic access. Used only as the fallback for
	// records that cannot be resolved.
	LevelNone AccessLevel = iota
	// LevelBranch limits visibility to the user's home branch.
	LevelBranch
	// LevelProvince extends visibility to the user's provinces.
	LevelProvince
	// LevelGlobal grants visibility everywhere.
	LevelGlobal
)

var accessLevelNames = map[AccessLevel]string{
	LevelNone:     "NONE",
	LevelBranch:   "BRANCH",
	LevelProvince: "PROVINCE",
	LevelGlobal:   "GLOBAL",
}

// String returns the catalog spelling of the level.
func (l AccessLevel) String() string {
	if name, ok := accessLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("AccessLevel(%d)", int(l))
}

// Valid reports whether the level may appear in a catalog.
func (l AccessLevel) Valid() bool {
	return l >= LevelBranch && l <= LevelGlobal
}

// ParseAccessLevel converts BRANCH, PROVINCE or GLOBAL into an AccessLevel.
func ParseAccessLevel(raw string) (AccessLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BRANCH":
		return LevelBranch, nil
	case "PROVINCE":
		return LevelProvince, nil
	case "GLOBAL":
		return LevelGlobal, nil
	}
	return LevelNone, fmt.Errorf("rbac: unknown access level %q", raw)
}

// Token is a permission string such as "accounting.view", or the wildcard.
type Token string

// Wildcard satisfies every permission check.
const Wildcard Token = "*"

// RoleID identifies a base role.
type RoleID string

// PermissionID identifies a granular add-on permission.
type PermissionID string

// Role is a base role definition from the catalog.
type Role struct {
	ID              RoleID
	DisplayName     string
	AccessLevel     AccessLevel
	BasePermissions []Token
	DepartmentScope []string
	// Includes lists roles directly below this one in authority.
	Includes []RoleID
}

// IsWildcard reports whether the role grants every permission.
func (r Role) IsWildcard() bool {
	return slices.Contains(r.BasePermissions, Wildcard)
}

// GranularPermission is an add-on that can be granted on top of a base role.
type GranularPermission struct {
	ID                 PermissionID
	DisplayName        string
	GrantedTokens      []Token
	CompatibleRoleIDs  []RoleID
	AccessLevelUpgrade AccessLevel
	Category           string
}

// CompatibleWith reports whether the add-on may be held by the role.
func (p GranularPermission) CompatibleWith(roleID RoleID) bool {
	return slices.Contains(p.CompatibleRoleIDs, roleID)
}

// HasUpgrade reports whether the add-on raises the access level.
func (p GranularPermission) HasUpgrade() bool {
	return p.AccessLevelUpgrade != LevelNone
}

// UserAccessRecord is the persisted per-user access delta.
type UserAccessRecord struct {
	UserID                  int64
	BaseRoleID              RoleID
	AdditionalPermissionIDs []PermissionID
	MigrationVersion        string
	LastUpdated             time.Time
	// Version is bumped by the store on every successful save.
	Version int64
}

// HasAdditional reports whether the add-on is held by the record.
func (r UserAccessRecord) HasAdditional(id PermissionID) bool {
	return slices.Contains(r.AdditionalPermissionIDs, id)
}

// WithAdditional returns a copy holding the add-on. The permission list stays
// sorted and free of duplicates.
func (r UserAccessRecord) WithAdditional(id PermissionID) UserAccessRecord {
	out := r.clone()
	if !out.HasAdditional(id) {
		out.AdditionalPermissionIDs = append(out.AdditionalPermissionIDs, id)
	}
	out.AdditionalPermissionIDs = normalizePermissionIDs(out.AdditionalPermissionIDs)
	return out
}

// WithoutAdditional returns a copy without the add-on.
func (r UserAccessRecord) WithoutAdditional(id PermissionID) UserAccessRecord {
	out := r.clone()
	out.AdditionalPermissionIDs = slices.DeleteFunc(out.AdditionalPermissionIDs, func(p PermissionID) bool {
		return p == id
	})
	return out
}

// Snapshot captures the mutable part of the record for audit entries.
func (r UserAccessRecord) Snapshot() AccessSnapshot {
	return AccessSnapshot{
		BaseRoleID:              r.BaseRoleID,
		AdditionalPermissionIDs: slices.Clone(r.AdditionalPermissionIDs),
		MigrationVersion:        r.MigrationVersion,
	}
}

func (r UserAccessRecord) clone() UserAccessRecord {
	out := r
	out.AdditionalPermissionIDs = slices.Clone(r.AdditionalPermissionIDs)
	return out
}

// NormalizePermissionIDs sorts and deduplicates ids.
func NormalizePermissionIDs(ids []PermissionID) []PermissionID {
	return normalizePermissionIDs(slices.Clone(ids))
}

func normalizePermissionIDs(ids []PermissionID) []PermissionID {
	out := ids[:0]
	for _, id := range ids {
		id = PermissionID(strings.TrimSpace(string(id)))
		if id == "" {
			continue
		}
		out = append(out, id)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// AccessSnapshot is the before/after state stored in audit entries.
type AccessSnapshot struct {
	BaseRoleID              RoleID         `json:"base_role_id"`
	AdditionalPermissionIDs []PermissionID `json:"additional_permission_ids"`
	MigrationVersion        string         `json:"migration_version,omitempty"`
}

// AuditType classifies audit entries.
type AuditType string

const (
	AuditRoleChange        AuditType = "ROLE_CHANGE"
	AuditPermissionAdded   AuditType = "PERMISSION_ADDED"
	AuditPermissionRemoved AuditType = "PERMISSION_REMOVED"
	AuditMigration         AuditType = "MIGRATION"
	AuditRollback          AuditType = "ROLLBACK"
)

// AuditEntry is an append-only record of one access mutation.
type AuditEntry struct {
	ID            string
	Type          AuditType
	SubjectUserID int64
	Before        AccessSnapshot
	After         AccessSnapshot
	ActingUserID  int64
	Reason        string
	Timestamp     time.Time
}

// PermissionSet is a derived, read-only set of tokens.
type PermissionSet map[Token]struct{}

// NewPermissionSet builds a set from tokens.
func NewPermissionSet(tokens ...Token) PermissionSet {
	set := make(PermissionSet, len(tokens))
	set.add(tokens...)
	return set
}

func (s PermissionSet) add(tokens ...Token) {
	for _, t := range tokens {
		if t == "" {
			continue
		}
		s[t] = struct{}{}
	}
}

// Contains reports whether the token is literally present.
func (s PermissionSet) Contains(token Token) bool {
	_, ok := s[token]
	return ok
}

// Tokens returns the tokens in sorted order.
func (s PermissionSet) Tokens() []Token {
	out := make([]Token, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
