package cli

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// GrantOptions configures grant and revoke.
type GrantOptions struct {
	IOOptions
	UserID       int64  `validate:"required,gt=0"`
	PermissionID string `validate:"required"`
	ActingUserID int64  `validate:"gte=0"`
	Reason       string
}

// ChangeRoleOptions configures change-role.
type ChangeRoleOptions struct {
	IOOptions
	UserID       int64  `validate:"required,gt=0"`
	RoleID       string `validate:"required"`
	ActingUserID int64  `validate:"gte=0"`
	Reason       string
}

// MutationReport is the structured outcome of an administrative command.
type MutationReport struct {
	UserID                  int64               `json:"user_id"`
	Status                  rbac.MutationStatus `json:"status"`
	BaseRoleID              rbac.RoleID         `json:"base_role_id"`
	AdditionalPermissionIDs []rbac.PermissionID `json:"additional_permission_ids"`
	Dropped                 []rbac.PermissionID `json:"dropped,omitempty"`
	AuditErr                string              `json:"audit_error,omitempty"`
}

// GrantCommand adds an add-on permission to a user.
func (c *AccessCLI) GrantCommand(ctx context.Context, opts GrantOptions) int {
	opts.defaults()
	if !c.check(opts.Stderr, "grant", opts) {
		return ExitFailure
	}
	if c.deps.Admin == nil {
		return fail(opts.Stderr, "grant", errors.New("administrator not configured"))
	}
	res, err := c.deps.Admin.AddPermission(ctx, opts.UserID, rbac.PermissionID(strings.TrimSpace(opts.PermissionID)), opts.ActingUserID, rbac.WithReason(opts.Reason))
	return c.finishMutation(opts.IOOptions, "grant", opts.UserID, res, err)
}

// RevokeCommand removes an add-on permission from a user.
func (c *AccessCLI) RevokeCommand(ctx context.Context, opts GrantOptions) int {
	opts.defaults()
	if !c.check(opts.Stderr, "revoke", opts) {
		return ExitFailure
	}
	if c.deps.Admin == nil {
		return fail(opts.Stderr, "revoke", errors.New("administrator not configured"))
	}
	res, err := c.deps.Admin.RemovePermission(ctx, opts.UserID, rbac.PermissionID(strings.TrimSpace(opts.PermissionID)), opts.ActingUserID, rbac.WithReason(opts.Reason))
	return c.finishMutation(opts.IOOptions, "revoke", opts.UserID, res, err)
}

// ChangeRoleCommand moves a user to another base role.
func (c *AccessCLI) ChangeRoleCommand(ctx context.Context, opts ChangeRoleOptions) int {
	opts.defaults()
	if !c.check(opts.Stderr, "change-role", opts) {
		return ExitFailure
	}
	if c.deps.Admin == nil {
		return fail(opts.Stderr, "change-role", errors.New("administrator not configured"))
	}
	roleID := rbac.RoleID(strings.ToUpper(strings.TrimSpace(opts.RoleID)))
	res, err := c.deps.Admin.ChangeBaseRole(ctx, opts.UserID, roleID, opts.ActingUserID, rbac.WithReason(opts.Reason))
	return c.finishMutation(opts.IOOptions, "change-role", opts.UserID, res, err)
}

func (c *AccessCLI) finishMutation(opts IOOptions, command string, userID int64, res rbac.MutationResult, err error) int {
	if err != nil {
		return fail(opts.Stderr, command, err)
	}
	report := MutationReport{
		UserID:                  userID,
		Status:                  res.Status,
		BaseRoleID:              res.Record.BaseRoleID,
		AdditionalPermissionIDs: res.Record.AdditionalPermissionIDs,
		Dropped:                 res.Dropped,
		AuditErr:                errString(res.AuditErr),
	}
	if report.AdditionalPermissionIDs == nil {
		report.AdditionalPermissionIDs = []rbac.PermissionID{}
	}
	if opts.JSONOutput {
		if err := writeJSON(opts.Stdout, report); err != nil {
			return fail(opts.Stderr, command, err)
		}
		return ExitOK
	}
	fmt.Fprintf(opts.Stdout, "User %d: %s\n", userID, report.Status)
	fmt.Fprintf(opts.Stdout, " role    %s\n", report.BaseRoleID)
	fmt.Fprintf(opts.Stdout, " add-ons [%s]\n", joinIDs(report.AdditionalPermissionIDs))
	if len(report.Dropped) > 0 {
		fmt.Fprintf(opts.Stdout, " dropped [%s]\n", joinIDs(report.Dropped))
	}
	if report.AuditErr != "" {
		fmt.Fprintf(opts.Stdout, "Audit entry not written: %s\n", report.AuditErr)
	}
	return ExitOK
}

// CheckOptions configures the check command.
type CheckOptions struct {
	IOOptions
	UserID int64 `validate:"gte=0"`
	// Tokens are checked when present; otherwise the full access view is printed.
	Tokens []string `validate:"dive,required"`
	// Province and Branch are checked against the user's geography when set.
	Province       string
	Branch         string
	BranchProvince string
}

// CheckReport is the structured outcome of check.
type CheckReport struct {
	UserID      int64           `json:"user_id"`
	Guest       bool            `json:"guest"`
	Role        rbac.RoleID     `json:"role"`
	AccessLevel string          `json:"access_level"`
	Permissions []rbac.Token    `json:"permissions"`
	Provinces   []string        `json:"provinces,omitempty"`
	AllAreas    bool            `json:"all_areas"`
	Checks      map[string]bool `json:"checks,omitempty"`
}

// CheckCommand prints the effective access of a user and evaluates the
// requested tokens. It exits with ExitFailure when any check is denied.
func (c *AccessCLI) CheckCommand(ctx context.Context, opts CheckOptions) int {
	opts.defaults()
	if !c.check(opts.Stderr, "check", opts) {
		return ExitFailure
	}
	if c.deps.Loader == nil {
		return fail(opts.Stderr, "check", errors.New("access loader not configured"))
	}
	ac, err := c.deps.Loader.Load(ctx, opts.UserID)
	if err != nil {
		return fail(opts.Stderr, "check", err)
	}
	provinces, all := ac.AccessibleProvinces()
	report := CheckReport{
		UserID:      opts.UserID,
		Guest:       ac.IsGuest(),
		Role:        ac.Role(),
		AccessLevel: ac.AccessLevel().String(),
		Permissions: ac.Permissions(),
		Provinces:   provinces,
		AllAreas:    all,
	}
	denied := false
	record := func(name string, ok bool) {
		if report.Checks == nil {
			report.Checks = make(map[string]bool)
		}
		report.Checks[name] = ok
		denied = denied || !ok
	}
	for _, token := range opts.Tokens {
		token = strings.TrimSpace(token)
		record(token, ac.HasPermission(rbac.Token(token)))
	}
	if opts.Province != "" {
		record("province:"+opts.Province, ac.CanAccessProvince(opts.Province))
	}
	if opts.Branch != "" {
		record("branch:"+opts.Branch, ac.CanAccessBranch(rbac.Branch{ID: opts.Branch, ProvinceID: opts.BranchProvince}))
	}

	if opts.JSONOutput {
		if err := writeJSON(opts.Stdout, report); err != nil {
			return fail(opts.Stderr, "check", err)
		}
	} else {
		fmt.Fprintf(opts.Stdout, "User %d (%s, %s)\n", report.UserID, report.Role, report.AccessLevel)
		if report.Guest {
			fmt.Fprintln(opts.Stdout, " guest context")
		}
		fmt.Fprintf(opts.Stdout, " permissions [%s]\n", joinIDs(report.Permissions))
		if report.AllAreas {
			fmt.Fprintln(opts.Stdout, " provinces   all")
		} else {
			fmt.Fprintf(opts.Stdout, " provinces   [%s]\n", strings.Join(report.Provinces, ", "))
		}
		for _, name := range slices.Sorted(maps.Keys(report.Checks)) {
			verdict := "DENY"
			if report.Checks[name] {
				verdict = "ALLOW"
			}
			fmt.Fprintf(opts.Stdout, " %-5s %s\n", verdict, name)
		}
	}
	if denied {
		return ExitFailure
	}
	return ExitOK
}

// HistoryOptions configures the history command.
type HistoryOptions struct {
	IOOptions
	UserID       int64         `validate:"gte=0"`
	ActingUserID int64         `validate:"gte=0"`
	Type         string        `validate:"omitempty,oneof=ROLE_CHANGE PERMISSION_ADDED PERMISSION_REMOVED MIGRATION ROLLBACK"`
	Since        time.Duration `validate:"gte=0"`
	Page         int           `validate:"gte=0"`
	PageSize     int           `validate:"gte=0,lte=50"`
	Now          func() time.Time
}

// HistoryCommand pages the access audit log, newest first.
func (c *AccessCLI) HistoryCommand(ctx context.Context, opts HistoryOptions) int {
	opts.defaults()
	opts.Type = strings.ToUpper(strings.TrimSpace(opts.Type))
	if !c.check(opts.Stderr, "history", opts) {
		return ExitFailure
	}
	if c.deps.Timeline == nil {
		return fail(opts.Stderr, "history", errors.New("audit timeline not configured"))
	}
	filters := audit.TimelineFilters{
		SubjectUserID: opts.UserID,
		ActingUserID:  opts.ActingUserID,
		Type:          rbac.AuditType(opts.Type),
		Page:          opts.Page,
		PageSize:      opts.PageSize,
	}
	if opts.Since > 0 {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		filters.From = now().Add(-opts.Since)
	}
	result, err := c.deps.Timeline.Timeline(ctx, filters)
	if err != nil {
		return fail(opts.Stderr, "history", err)
	}
	if opts.JSONOutput {
		if err := writeJSON(opts.Stdout, result); err != nil {
			return fail(opts.Stderr, "history", err)
		}
		return ExitOK
	}
	if len(result.Entries) == 0 {
		fmt.Fprintln(opts.Stdout, "No audit entries.")
		return ExitOK
	}
	for _, entry := range result.Entries {
		fmt.Fprintf(opts.Stdout, "%s %-18s user=%d actor=%d %s [%s] -> %s [%s]",
			entry.Timestamp.UTC().Format(time.RFC3339), entry.Type, entry.SubjectUserID, entry.ActingUserID,
			entry.Before.BaseRoleID, joinIDs(entry.Before.AdditionalPermissionIDs),
			entry.After.BaseRoleID, joinIDs(entry.After.AdditionalPermissionIDs))
		if entry.Reason != "" {
			fmt.Fprintf(opts.Stdout, " (%s)", entry.Reason)
		}
		fmt.Fprintln(opts.Stdout)
	}
	if result.Paging.HasNext {
		fmt.Fprintf(opts.Stdout, "More entries: --page %d\n", result.Paging.NextPage)
	}
	return ExitOK
}
