package migration

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

//go:embed decomposition.yaml
var defaultDecomposition []byte

// ErrInvalidTable reports a decomposition table that does not fit the catalog.
var ErrInvalidTable = errors.New("migration: invalid decomposition table")

// TableSource is the YAML form of the decomposition table.
type TableSource struct {
	LegacyRoles []LegacyRoleSource `yaml:"legacy_roles"`
}

// LegacyRoleSource describes one legacy enhanced role.
type LegacyRoleSource struct {
	ID                    string   `yaml:"id"`
	Description           string   `yaml:"description"`
	BaseRole              string   `yaml:"base_role"`
	AdditionalPermissions []string `yaml:"additional_permissions"`
}

// Decomposition maps a legacy role onto a base role plus add-ons.
type Decomposition struct {
	LegacyRoleID            rbac.RoleID
	Description             string
	BaseRoleID              rbac.RoleID
	AdditionalPermissionIDs []rbac.PermissionID
}

// Table is the validated, read-only decomposition table.
type Table struct {
	entries map[rbac.RoleID]Decomposition
	order   []rbac.RoleID
}

// DefaultTable loads the embedded table and validates it against catalog.
func DefaultTable(catalog *rbac.Catalog) (*Table, error) {
	return LoadTable(bytes.NewReader(defaultDecomposition), catalog)
}

// LoadTable decodes a YAML table. Unknown fields are rejected.
func LoadTable(r io.Reader, catalog *rbac.Catalog) (*Table, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var src TableSource
	if err := dec.Decode(&src); err != nil {
		return nil, fmt.Errorf("migration: decode table: %w", err)
	}
	return NewTable(src, catalog)
}

// NewTable validates src. The new base role and every add-on must exist, each
// add-on must be compatible with the new base role, and a legacy id must not
// also be a current base role.
func NewTable(src TableSource, catalog *rbac.Catalog) (*Table, error) {
	t := &Table{entries: make(map[rbac.RoleID]Decomposition, len(src.LegacyRoles))}
	var problems []error
	for _, lr := range src.LegacyRoles {
		id := rbac.RoleID(strings.TrimSpace(lr.ID))
		if id == "" {
			problems = append(problems, errors.New("legacy role without id"))
			continue
		}
		if _, dup := t.entries[id]; dup {
			problems = append(problems, fmt.Errorf("duplicate legacy role %s", id))
			continue
		}
		if _, clash := catalog.Role(id); clash {
			problems = append(problems, fmt.Errorf("legacy role %s is also a base role", id))
		}
		base := rbac.RoleID(strings.TrimSpace(lr.BaseRole))
		if _, ok := catalog.Role(base); !ok {
			problems = append(problems, fmt.Errorf("legacy role %s: unknown base role %q", id, base))
		}
		addOns := make([]rbac.PermissionID, 0, len(lr.AdditionalPermissions))
		for _, raw := range lr.AdditionalPermissions {
			pid := rbac.PermissionID(strings.TrimSpace(raw))
			perm, ok := catalog.Permission(pid)
			switch {
			case !ok:
				problems = append(problems, fmt.Errorf("legacy role %s: unknown permission %q", id, pid))
			case !perm.CompatibleWith(base):
				problems = append(problems, fmt.Errorf("legacy role %s: %s is not compatible with %s", id, pid, base))
			}
			addOns = append(addOns, pid)
		}
		t.entries[id] = Decomposition{
			LegacyRoleID:            id,
			Description:             lr.Description,
			BaseRoleID:              base,
			AdditionalPermissionIDs: rbac.NormalizePermissionIDs(addOns),
		}
		t.order = append(t.order, id)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTable, errors.Join(problems...))
	}
	slices.Sort(t.order)
	return t, nil
}

// Lookup returns the decomposition of a legacy role.
func (t *Table) Lookup(id rbac.RoleID) (Decomposition, bool) {
	d, ok := t.entries[id]
	if !ok {
		return Decomposition{}, false
	}
	d.AdditionalPermissionIDs = slices.Clone(d.AdditionalPermissionIDs)
	return d, true
}

// Entries lists every decomposition ordered by legacy role id.
func (t *Table) Entries() []Decomposition {
	out := make([]Decomposition, 0, len(t.order))
	for _, id := range t.order {
		d, _ := t.Lookup(id)
		out = append(out, d)
	}
	return out
}
