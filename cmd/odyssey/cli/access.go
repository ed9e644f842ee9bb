package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/migration"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Exit codes shared by every access command.
const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitPending reports a dry run that found users still to migrate.
	ExitPending = 10
)

// MigrationRunner is the part of migration.Engine the CLI drives.
type MigrationRunner interface {
	MigrateUser(ctx context.Context, userID int64, opts migration.Options) migration.Result
	MigrateAllUsers(ctx context.Context, opts migration.Options) (migration.Summary, error)
	CheckMigrationStatus(ctx context.Context) (migration.Summary, error)
	RollbackUser(ctx context.Context, userID, actingUserID int64) (migration.RollbackResult, error)
}

// PermissionAdmin is the part of rbac.Administrator the CLI drives.
type PermissionAdmin interface {
	AddPermission(ctx context.Context, userID int64, permissionID rbac.PermissionID, actingUserID int64, opts ...rbac.MutationOption) (rbac.MutationResult, error)
	RemovePermission(ctx context.Context, userID int64, permissionID rbac.PermissionID, actingUserID int64, opts ...rbac.MutationOption) (rbac.MutationResult, error)
	ChangeBaseRole(ctx context.Context, userID int64, roleID rbac.RoleID, actingUserID int64, opts ...rbac.MutationOption) (rbac.MutationResult, error)
}

// AccessLoader builds the access context of a user.
type AccessLoader interface {
	Load(ctx context.Context, userID int64) (*rbac.AccessContext, error)
}

// TimelineReader pages the audit log.
type TimelineReader interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
}

// AccessDeps collects the collaborators of AccessCLI. Commands whose
// dependency is nil fail with ExitFailure.
type AccessDeps struct {
	Migrations MigrationRunner
	Admin      PermissionAdmin
	Loader     AccessLoader
	Timeline   TimelineReader
	Jobs       TaskEnqueuer
}

// AccessCLI implements the operator commands for access administration.
type AccessCLI struct {
	deps     AccessDeps
	validate *validator.Validate
}

// NewAccessCLI constructs the command set.
func NewAccessCLI(deps AccessDeps) *AccessCLI {
	return &AccessCLI{deps: deps, validate: validator.New()}
}

// IOOptions carries the streams and output mode shared by commands.
type IOOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
	Stdin      io.Reader
	Confirm    func(io.Reader, io.Writer, string) (bool, error)
}

func (o *IOOptions) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Confirm == nil {
		o.Confirm = defaultConfirm
	}
}

// check validates opts and reports the problems on stderr.
func (c *AccessCLI) check(stderr io.Writer, command string, opts any) bool {
	err := c.validate.Struct(opts)
	if err == nil {
		return true
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fieldErr := range fieldErrs {
			fmt.Fprintf(stderr, "%s: invalid --%s (%s)\n", command, flagName(fieldErr.Field()), fieldErr.Tag())
		}
		return false
	}
	fmt.Fprintf(stderr, "%s: %v\n", command, err)
	return false
}

func flagName(field string) string {
	switch field {
	case "UserID":
		return "user"
	case "ActingUserID":
		return "actor"
	case "PermissionID":
		return "permission"
	case "RoleID":
		return "role"
	case "PageSize":
		return "limit"
	}
	return strings.ToLower(field)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(stderr io.Writer, command string, err error) int {
	fmt.Fprintf(stderr, "%s: %v\n", command, err)
	return ExitFailure
}

func defaultConfirm(r io.Reader, w io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(w, "%s Type YES to confirm: ", prompt)
	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "YES"), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
