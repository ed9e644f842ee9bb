package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/odyssey-access/internal/migration"
)

// MigrateMode enumerates supported execution strategies.
type MigrateMode string

const (
	// MigrateModeDry classifies users without writing.
	MigrateModeDry MigrateMode = "dry"
	// MigrateModeApply rewrites legacy users after confirmation.
	MigrateModeApply MigrateMode = "apply"
)

// MigrateOptions configures the migrate command.
type MigrateOptions struct {
	IOOptions
	Mode MigrateMode `validate:"oneof=dry apply"`
	// UserID limits the run to one user when positive.
	UserID       int64 `validate:"gte=0"`
	ActingUserID int64 `validate:"gte=0"`
	Reason       string
	// Yes skips the confirmation prompt of apply runs.
	Yes bool
}

// MigrationReport is the structured outcome of migrate and status.
type MigrationReport struct {
	Mode    MigrateMode              `json:"mode"`
	Total   int                      `json:"total"`
	Counts  map[migration.Status]int `json:"counts"`
	Skipped int                      `json:"skipped"`
	Users   []UserReport             `json:"users"`
}

// UserReport describes one user of a migration report.
type UserReport struct {
	UserID   int64            `json:"user_id"`
	Status   migration.Status `json:"status"`
	Plan     *migration.Plan  `json:"plan,omitempty"`
	Error    string           `json:"error,omitempty"`
	AuditErr string           `json:"audit_error,omitempty"`
}

// MigrateCommand runs the migration for one user or for every user.
func (c *AccessCLI) MigrateCommand(ctx context.Context, opts MigrateOptions) int {
	opts.defaults()
	if opts.Mode == "" {
		opts.Mode = MigrateModeDry
	}
	opts.Mode = MigrateMode(strings.ToLower(string(opts.Mode)))
	if !c.check(opts.Stderr, "migrate", opts) {
		return ExitFailure
	}
	if c.deps.Migrations == nil {
		return fail(opts.Stderr, "migrate", errors.New("migration engine not configured"))
	}
	dryRun := opts.Mode == MigrateModeDry
	if !dryRun && !opts.Yes {
		prompt := "Migrate every legacy user?"
		if opts.UserID > 0 {
			prompt = fmt.Sprintf("Migrate user %d?", opts.UserID)
		}
		ok, err := opts.Confirm(opts.Stdin, opts.Stdout, prompt)
		if err != nil {
			return fail(opts.Stderr, "migrate", fmt.Errorf("confirmation failed: %w", err))
		}
		if !ok {
			fmt.Fprintln(opts.Stderr, "migrate: cancelled by user")
			return ExitFailure
		}
	}
	runOpts := migration.Options{DryRun: dryRun, ActingUserID: opts.ActingUserID, Reason: opts.Reason}

	var summary migration.Summary
	if opts.UserID > 0 {
		res := c.deps.Migrations.MigrateUser(ctx, opts.UserID, runOpts)
		summary = migration.Summary{
			DryRun:  dryRun,
			Total:   1,
			Counts:  map[migration.Status]int{res.Status: 1},
			Results: []migration.Result{res},
		}
	} else {
		var err error
		summary, err = c.deps.Migrations.MigrateAllUsers(ctx, runOpts)
		if err != nil {
			return fail(opts.Stderr, "migrate", err)
		}
	}
	report := newReport(opts.Mode, summary)
	if err := writeReport(opts.IOOptions, report); err != nil {
		return fail(opts.Stderr, "migrate", err)
	}
	return reportExitCode(opts.Mode, summary)
}

// StatusOptions configures the status command.
type StatusOptions struct {
	IOOptions
}

// StatusCommand classifies every user without writing.
func (c *AccessCLI) StatusCommand(ctx context.Context, opts StatusOptions) int {
	opts.defaults()
	if c.deps.Migrations == nil {
		return fail(opts.Stderr, "status", errors.New("migration engine not configured"))
	}
	summary, err := c.deps.Migrations.CheckMigrationStatus(ctx)
	if err != nil {
		return fail(opts.Stderr, "status", err)
	}
	report := newReport(MigrateModeDry, summary)
	if err := writeReport(opts.IOOptions, report); err != nil {
		return fail(opts.Stderr, "status", err)
	}
	return reportExitCode(MigrateModeDry, summary)
}

// RollbackOptions configures the rollback command.
type RollbackOptions struct {
	IOOptions
	UserID       int64 `validate:"required,gt=0"`
	ActingUserID int64 `validate:"gte=0"`
	Yes          bool
}

// RollbackReport is the structured outcome of rollback.
type RollbackReport struct {
	UserID   int64                    `json:"user_id"`
	Status   migration.RollbackStatus `json:"status"`
	AuditErr string                   `json:"audit_error,omitempty"`
}

// RollbackCommand strips the add-ons of a migrated user.
func (c *AccessCLI) RollbackCommand(ctx context.Context, opts RollbackOptions) int {
	opts.defaults()
	if !c.check(opts.Stderr, "rollback", opts) {
		return ExitFailure
	}
	if c.deps.Migrations == nil {
		return fail(opts.Stderr, "rollback", errors.New("migration engine not configured"))
	}
	if !opts.Yes {
		ok, err := opts.Confirm(opts.Stdin, opts.Stdout, fmt.Sprintf("Remove every add-on of user %d?", opts.UserID))
		if err != nil {
			return fail(opts.Stderr, "rollback", fmt.Errorf("confirmation failed: %w", err))
		}
		if !ok {
			fmt.Fprintln(opts.Stderr, "rollback: cancelled by user")
			return ExitFailure
		}
	}
	res, err := c.deps.Migrations.RollbackUser(ctx, opts.UserID, opts.ActingUserID)
	if err != nil {
		return fail(opts.Stderr, "rollback", err)
	}
	report := RollbackReport{UserID: res.UserID, Status: res.Status, AuditErr: errString(res.AuditErr)}
	if opts.JSONOutput {
		if err := writeJSON(opts.Stdout, report); err != nil {
			return fail(opts.Stderr, "rollback", err)
		}
	} else {
		fmt.Fprintf(opts.Stdout, "User %d: %s\n", report.UserID, report.Status)
		if report.AuditErr != "" {
			fmt.Fprintf(opts.Stdout, "Audit entry not written: %s\n", report.AuditErr)
		}
	}
	return ExitOK
}

func newReport(mode MigrateMode, summary migration.Summary) MigrationReport {
	report := MigrationReport{
		Mode:    mode,
		Total:   summary.Total,
		Counts:  make(map[migration.Status]int, len(migration.Statuses)),
		Skipped: summary.Skipped,
		Users:   make([]UserReport, 0, len(summary.Results)),
	}
	for _, status := range migration.Statuses {
		report.Counts[status] = summary.Count(status)
	}
	for _, res := range summary.Results {
		report.Users = append(report.Users, UserReport{
			UserID:   res.UserID,
			Status:   res.Status,
			Plan:     res.Plan,
			Error:    errString(res.Err),
			AuditErr: errString(res.AuditErr),
		})
	}
	return report
}

func reportExitCode(mode MigrateMode, summary migration.Summary) int {
	if summary.Count(migration.StatusError) > 0 || summary.Skipped > 0 {
		return ExitFailure
	}
	if mode == MigrateModeDry && summary.Count(migration.StatusMigrationNeeded) > 0 {
		return ExitPending
	}
	return ExitOK
}

func writeReport(opts IOOptions, report MigrationReport) error {
	if opts.JSONOutput {
		return writeJSON(opts.Stdout, report)
	}
	renderReportHuman(opts.Stdout, report)
	return nil
}

func renderReportHuman(out io.Writer, report MigrationReport) {
	p := message.NewPrinter(language.English)
	p.Fprintf(out, "Access migration (%s): %d user(s)\n", report.Mode, report.Total)
	for _, status := range migration.Statuses {
		if n := report.Counts[status]; n > 0 {
			p.Fprintf(out, " %-18s %d\n", status, n)
		}
	}
	if report.Skipped > 0 {
		p.Fprintf(out, " %-18s %d\n", "SKIPPED", report.Skipped)
	}
	for _, user := range report.Users {
		switch {
		case user.Error != "":
			fmt.Fprintf(out, " - user %d: %s (%s)\n", user.UserID, user.Status, user.Error)
		case user.Plan != nil:
			fmt.Fprintf(out, " - user %d: %s %s -> %s + [%s]\n", user.UserID, user.Status,
				user.Plan.FromRoleID, user.Plan.ToRoleID, joinIDs(user.Plan.AdditionalPermissionIDs))
		case user.Status == migration.StatusInvalidRole:
			fmt.Fprintf(out, " - user %d: %s\n", user.UserID, user.Status)
		}
		if user.AuditErr != "" {
			fmt.Fprintf(out, "   audit entry not written: %s\n", user.AuditErr)
		}
	}
}

func joinIDs[T ~string](ids []T) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
