package rbac

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

var tokenPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// CatalogSource is the file representation of a catalog.
type CatalogSource struct {
	GuestRole         string              `yaml:"guest_role"`
	Roles             []RoleSource        `yaml:"roles"`
	Permissions       []PermissionSource  `yaml:"permissions"`
	LegacyEquivalents map[string][]string `yaml:"legacy_equivalents"`
}

// RoleSource describes a base role in a catalog file.
type RoleSource struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	AccessLevel string   `yaml:"access_level"`
	Permissions []string `yaml:"permissions"`
	Departments []string `yaml:"departments"`
	Includes    []string `yaml:"includes"`
}

// PermissionSource describes an add-on in a catalog file.
type PermissionSource struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Category        string   `yaml:"category"`
	Grants          []string `yaml:"grants"`
	CompatibleRoles []string `yaml:"compatible_roles"`
	Upgrade         string   `yaml:"upgrade"`
}

// Catalog holds the validated roles, add-ons and legacy equivalences. It is
// immutable once built and safe for concurrent use.
type Catalog struct {
	roles       map[RoleID]Role
	roleOrder   []RoleID
	permissions map[PermissionID]GranularPermission
	permOrder   []PermissionID
	compatible  map[RoleID][]PermissionID
	legacy      map[Token][]Token
	below       map[RoleID]map[RoleID]struct{}
	wildcard    RoleID
	guest       RoleID
}

// DefaultCatalog returns the catalog shipped with the binary.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(bytes.NewReader(defaultCatalogYAML))
}

// MustDefaultCatalog is DefaultCatalog for process start; it panics on an
// invalid embedded catalog.
func MustDefaultCatalog() *Catalog {
	c, err := DefaultCatalog()
	if err != nil {
		panic(err)
	}
	return c
}

// LoadCatalogFile reads a catalog from path, falling back to the embedded
// catalog when path is empty.
func LoadCatalogFile(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rbac: open catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

// LoadCatalog decodes YAML and validates the result.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var src CatalogSource
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&src); err != nil {
		return nil, fmt.Errorf("rbac: decode catalog: %w", err)
	}
	return NewCatalog(src)
}

// NewCatalog validates src and builds a Catalog. Every problem found is
// reported, wrapped in ErrInvalidCatalog.
func NewCatalog(src CatalogSource) (*Catalog, error) {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	c := &Catalog{
		roles:       make(map[RoleID]Role, len(src.Roles)),
		permissions: make(map[PermissionID]GranularPermission, len(src.Permissions)),
		compatible:  make(map[RoleID][]PermissionID),
		legacy:      make(map[Token][]Token, len(src.LegacyEquivalents)),
		below:       make(map[RoleID]map[RoleID]struct{}),
	}

	for _, rs := range src.Roles {
		id := RoleID(strings.TrimSpace(rs.ID))
		if id == "" {
			fail("role with empty id")
			continue
		}
		if _, dup := c.roles[id]; dup {
			fail("duplicate role %s", id)
			continue
		}
		level, err := ParseAccessLevel(rs.AccessLevel)
		if err != nil {
			fail("role %s: %v", id, err)
		}
		role := Role{
			ID:              id,
			DisplayName:     strings.TrimSpace(rs.Name),
			AccessLevel:     level,
			DepartmentScope: slices.Clone(rs.Departments),
		}
		for _, raw := range rs.Permissions {
			tok := Token(strings.TrimSpace(raw))
			if tok != Wildcard && !validToken(tok) {
				fail("role %s: malformed token %q", id, raw)
				continue
			}
			role.BasePermissions = append(role.BasePermissions, tok)
		}
		for _, inc := range rs.Includes {
			role.Includes = append(role.Includes, RoleID(strings.TrimSpace(inc)))
		}
		if role.IsWildcard() {
			if len(role.BasePermissions) != 1 {
				fail("role %s: wildcard must be the only permission", id)
			}
			if level != LevelGlobal {
				fail("role %s: wildcard role must be GLOBAL", id)
			}
			if c.wildcard != "" {
				fail("role %s: second wildcard role (already %s)", id, c.wildcard)
			}
			c.wildcard = id
		}
		c.roles[id] = role
		c.roleOrder = append(c.roleOrder, id)
	}
	if c.wildcard == "" {
		fail("no wildcard role defined")
	}

	for _, role := range c.roles {
		for _, inc := range role.Includes {
			if _, ok := c.roles[inc]; !ok {
				fail("role %s: includes unknown role %s", role.ID, inc)
			}
		}
	}

	c.guest = RoleID(strings.TrimSpace(src.GuestRole))
	if guest, ok := c.roles[c.guest]; !ok {
		fail("guest role %q not defined", src.GuestRole)
	} else if guest.IsWildcard() {
		fail("guest role %s must not be the wildcard role", c.guest)
	}

	for _, ps := range src.Permissions {
		id := PermissionID(strings.TrimSpace(ps.ID))
		if id == "" {
			fail("permission with empty id")
			continue
		}
		if _, dup := c.permissions[id]; dup {
			fail("duplicate permission %s", id)
			continue
		}
		perm := GranularPermission{
			ID:          id,
			DisplayName: strings.TrimSpace(ps.Name),
			Category:    strings.TrimSpace(ps.Category),
		}
		for _, raw := range ps.Grants {
			tok := Token(strings.TrimSpace(raw))
			if !validToken(tok) {
				fail("permission %s: malformed or wildcard token %q", id, raw)
				continue
			}
			perm.GrantedTokens = append(perm.GrantedTokens, tok)
		}
		for _, raw := range ps.CompatibleRoles {
			roleID := RoleID(strings.TrimSpace(raw))
			if _, ok := c.roles[roleID]; !ok {
				fail("permission %s: compatible role %q not in catalog", id, raw)
				continue
			}
			perm.CompatibleRoleIDs = append(perm.CompatibleRoleIDs, roleID)
			c.compatible[roleID] = append(c.compatible[roleID], id)
		}
		if strings.TrimSpace(ps.Upgrade) != "" {
			level, err := ParseAccessLevel(ps.Upgrade)
			if err != nil {
				fail("permission %s: %v", id, err)
			}
			perm.AccessLevelUpgrade = level
		}
		c.permissions[id] = perm
		c.permOrder = append(c.permOrder, id)
	}

	for rawKey, rawValues := range src.LegacyEquivalents {
		key := Token(strings.TrimSpace(rawKey))
		if !validToken(key) {
			fail("legacy equivalence: malformed token %q", rawKey)
			continue
		}
		values := make([]Token, 0, len(rawValues))
		for _, raw := range rawValues {
			tok := Token(strings.TrimSpace(raw))
			if !validToken(tok) {
				fail("legacy equivalence %s: malformed token %q", key, raw)
				continue
			}
			if tok == key {
				continue
			}
			values = append(values, tok)
		}
		slices.Sort(values)
		c.legacy[key] = slices.Compact(values)
	}

	if len(problems) == 0 {
		if err := c.buildHierarchy(); err != nil {
			problems = append(problems, err)
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, errors.Join(problems...))
	}

	sort.Slice(c.roleOrder, func(i, j int) bool { return c.roleOrder[i] < c.roleOrder[j] })
	sort.Slice(c.permOrder, func(i, j int) bool { return c.permOrder[i] < c.permOrder[j] })
	for roleID := range c.compatible {
		slices.Sort(c.compatible[roleID])
	}
	return c, nil
}

// buildHierarchy computes, for every role, the set of roles below it and
// rejects cycles.
func (c *Catalog) buildHierarchy() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[RoleID]int, len(c.roles))
	var visit func(id RoleID, path []RoleID) error
	visit = func(id RoleID, path []RoleID) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("role hierarchy cycle: %s -> %s", joinRoleIDs(path), id)
		case done:
			return nil
		}
		state[id] = visiting
		reach := make(map[RoleID]struct{})
		for _, inc := range c.roles[id].Includes {
			if err := visit(inc, append(path, id)); err != nil {
				return err
			}
			reach[inc] = struct{}{}
			for below := range c.below[inc] {
				reach[below] = struct{}{}
			}
		}
		c.below[id] = reach
		state[id] = done
		return nil
	}
	for _, id := range c.roleOrder {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

func joinRoleIDs(ids []RoleID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, " -> ")
}

func validToken(t Token) bool {
	return tokenPattern.MatchString(string(t))
}

// Role returns a copy of the role definition.
func (c *Catalog) Role(id RoleID) (Role, bool) {
	role, ok := c.roles[id]
	if !ok {
		return Role{}, false
	}
	role.BasePermissions = slices.Clone(role.BasePermissions)
	role.DepartmentScope = slices.Clone(role.DepartmentScope)
	role.Includes = slices.Clone(role.Includes)
	return role, true
}

// Permission returns a copy of the add-on definition.
func (c *Catalog) Permission(id PermissionID) (GranularPermission, bool) {
	perm, ok := c.permissions[id]
	if !ok {
		return GranularPermission{}, false
	}
	perm.GrantedTokens = slices.Clone(perm.GrantedTokens)
	perm.CompatibleRoleIDs = slices.Clone(perm.CompatibleRoleIDs)
	return perm, true
}

// Roles returns all roles sorted by id.
func (c *Catalog) Roles() []Role {
	out := make([]Role, 0, len(c.roleOrder))
	for _, id := range c.roleOrder {
		role, _ := c.Role(id)
		out = append(out, role)
	}
	return out
}

// Permissions returns all add-ons sorted by id.
func (c *Catalog) Permissions() []GranularPermission {
	out := make([]GranularPermission, 0, len(c.permOrder))
	for _, id := range c.permOrder {
		perm, _ := c.Permission(id)
		out = append(out, perm)
	}
	return out
}

// CompatiblePermissionsFor lists the add-ons a role may hold, sorted by id.
func (c *Catalog) CompatiblePermissionsFor(roleID RoleID) []GranularPermission {
	ids := c.compatible[roleID]
	out := make([]GranularPermission, 0, len(ids))
	for _, id := range ids {
		perm, _ := c.Permission(id)
		out = append(out, perm)
	}
	return out
}

// LegacyEquivalentsOf returns tokens that also satisfy token.
func (c *Catalog) LegacyEquivalentsOf(token Token) []Token {
	return slices.Clone(c.legacy[token])
}

// LegacyTokens lists every token with legacy equivalents, sorted.
func (c *Catalog) LegacyTokens() []Token {
	out := make([]Token, 0, len(c.legacy))
	for tok := range c.legacy {
		out = append(out, tok)
	}
	slices.Sort(out)
	return out
}

// WildcardRole returns the id of the role that short-circuits every check.
func (c *Catalog) WildcardRole() RoleID {
	return c.wildcard
}

// GuestRole returns the role used for anonymous callers.
func (c *Catalog) GuestRole() RoleID {
	return c.guest
}

// RoleIncludes reports whether other is at or below role in the hierarchy.
func (c *Catalog) RoleIncludes(role, other RoleID) bool {
	if _, ok := c.roles[role]; !ok {
		return false
	}
	if role == other {
		return true
	}
	if role == c.wildcard {
		_, ok := c.roles[other]
		return ok
	}
	_, ok := c.below[role][other]
	return ok
}
