package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-access/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
)

// environment builds collaborators on first use so commands only connect to
// what they need.
type environment struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	jsonOutput bool
	actor      int64
	code       int

	connect func(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*app.Access, error)
	cfg     *app.Config
	logger  *slog.Logger
	access  *app.Access
	jobs    *cli.JobsCLI
}

func connectAccess(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*app.Access, error) {
	return app.NewAccess(ctx, cfg, logger)
}

func (e *environment) config() (*app.Config, *slog.Logger, error) {
	if e.cfg != nil {
		return e.cfg, e.logger, nil
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	e.cfg = cfg
	e.logger = app.NewLogger(cfg, e.stderr)
	return e.cfg, e.logger, nil
}

func (e *environment) accessCLI(ctx context.Context) (*cli.AccessCLI, error) {
	cfg, logger, err := e.config()
	if err != nil {
		return nil, err
	}
	if e.access == nil {
		access, err := e.connect(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		e.access = access
	}
	return cli.NewAccessCLI(cli.AccessDeps{
		Migrations: e.access.Engine,
		Admin:      e.access.Admin,
		Loader:     e.access.Loader,
		Timeline:   e.access.Timeline,
	}), nil
}

func (e *environment) jobsCLI() (*cli.AccessCLI, error) {
	cfg, _, err := e.config()
	if err != nil {
		return nil, err
	}
	if e.jobs == nil {
		jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		e.jobs = jobsCLI
	}
	return cli.NewAccessCLI(cli.AccessDeps{Jobs: e.jobs}), nil
}

func (e *environment) io() cli.IOOptions {
	return cli.IOOptions{JSONOutput: e.jsonOutput, Stdout: e.stdout, Stderr: e.stderr, Stdin: e.stdin}
}

func (e *environment) close() {
	if e.jobs != nil {
		_ = e.jobs.Close()
	}
	if e.access != nil {
		_ = e.access.Close()
	}
}

// withAccess adapts an AccessCLI command to cobra. Setup failures exit 1.
func (e *environment) withAccess(fn func(ctx context.Context, c *cli.AccessCLI) int) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		c, err := e.accessCLI(cmd.Context())
		if err != nil {
			fmt.Fprintf(e.stderr, "%s: %v\n", cmd.Name(), err)
			e.code = cli.ExitFailure
			return nil
		}
		e.code = fn(cmd.Context(), c)
		return nil
	}
}

func newRootCmd(env *environment) *cobra.Command {
	root := &cobra.Command{
		Use:           "odyssey",
		Short:         "Operate Odyssey access control.",
		Long:          "Administer base roles and add-on permissions, and migrate legacy enhanced roles.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().BoolVar(&env.jsonOutput, "json", false, "Emit JSON output")
	root.PersistentFlags().Int64Var(&env.actor, "actor", 0, "Acting user id written to the audit log")

	root.AddCommand(
		newMigrateCmd(env),
		newStatusCmd(env),
		newRollbackCmd(env),
		newGrantCmd(env, "grant", "Grant an add-on permission to a user"),
		newGrantCmd(env, "revoke", "Revoke an add-on permission from a user"),
		newChangeRoleCmd(env),
		newCheckCmd(env),
		newHistoryCmd(env),
		newEnqueueCmd(env),
		newSchemaCmd(env),
	)
	return root
}

func newMigrateCmd(env *environment) *cobra.Command {
	var opts cli.MigrateOptions
	var mode string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Convert legacy enhanced roles to base roles plus add-ons",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&mode, "mode", string(cli.MigrateModeDry), "dry or apply")
	cmd.Flags().Int64Var(&opts.UserID, "user", 0, "Migrate a single user")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "Reason recorded in the audit log")
	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "Skip the confirmation prompt")
	cmd.RunE = env.withAccess(func(ctx context.Context, c *cli.AccessCLI) int {
		opts.IOOptions = env.io()
		opts.Mode = cli.MigrateMode(mode)
		opts.ActingUserID = env.actor
		return c.MigrateCommand(ctx, opts)
	})
	return cmd
}

func newStatusCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Classify every user without writing",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = env.withAccess(func(ctx context.Context, c *cli.AccessCLI) int {
		return c.StatusCommand(ctx, cli.StatusOptions{IOOptions: env.io()})
	})
	return cmd
}

func newRollbackCmd(env *environment) *cobra.Command {
	var opts cli.RollbackOptions
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Remove every add-on of a migrated user",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().Int64Var(&opts.UserID, "user", 0, "User to roll back")
	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "Skip the confirmation prompt")
	_ = cmd.MarkFlagRequired("user")
	cmd.RunE = env.withAccess(func(ctx context.Context, c *cli.AccessCLI) int {
		opts.IOOptions = env.io()
		opts.ActingUserID = env.actor
		return c.RollbackCommand(ctx, opts)
	})
	return cmd
}

func newGrantCmd(env *environment, use, short string) *cobra.Command {
	var opts cli.GrantOptions
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
	}
	cmd.Flags().Int64Var(&opts.UserID, "user", 0, "Target user")
	cmd.Flags().StringVar(&opts.PermissionID, "permission", "", "Add-on permission id")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "Reason recorded in the audit log")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("permission")
	cmd.RunE = env.withAccess(func(ctx context.Context, c *cli.AccessCLI) int {
		opts.IOOptions = env.io()
		opts.ActingUserID = env.actor
		if use == "revoke" {
			return c.RevokeCommand(ctx, opts)
		}
		return c.GrantCommand(ctx, opts)
	})
	return cmd
}

func newChangeRoleCmd(env *environment) *cobra.Command {
	var opts cli.ChangeRoleOptions
	cmd := &cobra.Command{
		Use:   "change-role",
		Short: "Move a user to another base role",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().Int64Var(&opts.UserID, "user", 0, "Target user")
	cmd.Flags().StringVar(&opts.RoleID, "role", "", "New base role id")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "Reason recorded in the audit log")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	cmd.RunE = env.withAccess(func(ctx context.Context, c *cli.AccessCLI) int {
		opts.IOOptions = env.io()
		opts.ActingUserID = env.actor
		return c.ChangeRoleCommand(ctx, opts)
	})
	return cmd
}

func newCheckCmd(env *environment) *cobra.Command {
	var opts cli.CheckOptions
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Show the effective access of a user",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().Int64Var(&opts.UserID, "user", 0, "User to inspect, 0 for a guest")
	cmd.Flags().StringSliceVar(&opts.Tokens, "token", nil, "Permission token to check (repeatable)")
	cmd.Flags().StringVar(&opts.Province, "province", "", "Province id to check")
	cmd.Flags().StringVar(&opts.Branch, "branch", "", "Branch id to check")
	cmd.Flags().StringVar(&opts.BranchProvince, "branch-province", "", "Province of --branch")
	cmd.RunE = env.withAccess(func(ctx context.Context, c *cli.AccessCLI) int {
		opts.IOOptions = env.io()
		return c.CheckCommand(ctx, opts)
	})
	return cmd
}

func newHistoryCmd(env *environment) *cobra.Command {
	var opts cli.HistoryOptions
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Page the access audit log, newest first",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().Int64Var(&opts.UserID, "user", 0, "Subject user")
	cmd.Flags().Int64Var(&opts.ActingUserID, "by", 0, "Acting user")
	cmd.Flags().StringVar(&opts.Type, "type", "", "Entry type")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "Only entries newer than this")
	cmd.Flags().IntVar(&opts.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&opts.PageSize, "limit", 20, "Entries per page (max 50)")
	cmd.RunE = env.withAccess(func(ctx context.Context, c *cli.AccessCLI) int {
		opts.IOOptions = env.io()
		return c.HistoryCommand(ctx, opts)
	})
	return cmd
}

func newEnqueueCmd(env *environment) *cobra.Command {
	var opts cli.EnqueueOptions
	var mode string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Hand a migration run to the background worker",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&mode, "mode", string(cli.MigrateModeDry), "dry or apply")
	cmd.Flags().Int64Var(&opts.UserID, "user", 0, "Migrate a single user")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "Reason recorded in the audit log")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		c, err := env.jobsCLI()
		if err != nil {
			fmt.Fprintf(env.stderr, "enqueue: %v\n", err)
			env.code = cli.ExitFailure
			return nil
		}
		opts.IOOptions = env.io()
		opts.Mode = cli.MigrateMode(mode)
		opts.ActingUserID = env.actor
		env.code = c.EnqueueCommand(cmd.Context(), opts)
		return nil
	}
	return cmd
}

func newSchemaCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the access tables when missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := env.config()
			if err != nil {
				fmt.Fprintf(env.stderr, "schema: %v\n", err)
				env.code = cli.ExitFailure
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			pool, err := db.New(ctx, db.Config{DSN: cfg.PGDSN, AppName: "odyssey-access-cli"})
			if err != nil {
				fmt.Fprintf(env.stderr, "schema: %v\n", err)
				env.code = cli.ExitFailure
				return nil
			}
			defer pool.Close()
			if err := db.EnsureSchema(ctx, pool); err != nil {
				fmt.Fprintf(env.stderr, "schema: %v\n", err)
				env.code = cli.ExitFailure
				return nil
			}
			logger.Info("access schema ready")
			return nil
		},
	}
}
