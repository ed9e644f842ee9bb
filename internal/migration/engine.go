package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Status is the classification of a single user.
type Status string

const (
	StatusAlreadyMigrated Status = "ALREADY_MIGRATED"
	StatusMigrationNeeded Status = "MIGRATION_NEEDED"
	StatusMigrated        Status = "MIGRATED"
	StatusInvalidRole     Status = "INVALID_ROLE"
	StatusError           Status = "ERROR"
)

// Statuses lists every classification in report order.
var Statuses = []Status{StatusAlreadyMigrated, StatusMigrationNeeded, StatusMigrated, StatusInvalidRole, StatusError}

// RollbackStatus is the outcome of RollbackUser.
type RollbackStatus string

const (
	StatusRolledBack       RollbackStatus = "ROLLED_BACK"
	StatusNoRollbackNeeded RollbackStatus = "NO_ROLLBACK_NEEDED"
)

// DefaultVersion marks records rewritten by the engine when no version is configured.
const DefaultVersion = "additive-v1"

// Plan is the rewrite the engine applies, or would apply, to a legacy record.
type Plan struct {
	FromRoleID              rbac.RoleID         `json:"from_role_id"`
	ToRoleID                rbac.RoleID         `json:"to_role_id"`
	AdditionalPermissionIDs []rbac.PermissionID `json:"additional_permission_ids"`
}

// Options control a migration call.
type Options struct {
	DryRun       bool
	ActingUserID int64
	Reason       string
}

// Result reports what happened to one user.
type Result struct {
	UserID int64  `json:"user_id"`
	Status Status `json:"status"`
	Plan   *Plan  `json:"plan,omitempty"`
	// Err is set for StatusError.
	Err error `json:"-"`
	// AuditErr is set when the record was migrated but the audit entry was not written.
	AuditErr error `json:"-"`
}

// Summary aggregates a batch run. Every listed user is counted exactly once,
// either under a status or as skipped.
type Summary struct {
	DryRun  bool           `json:"dry_run"`
	Total   int            `json:"total"`
	Counts  map[Status]int `json:"counts"`
	Skipped int            `json:"skipped"`
	Results []Result       `json:"results"`
}

// Count returns the number of users classified as status.
func (s Summary) Count(status Status) int { return s.Counts[status] }

// Failed returns the results that ended in StatusError.
func (s Summary) Failed() []Result {
	var out []Result
	for _, r := range s.Results {
		if r.Status == StatusError {
			out = append(out, r)
		}
	}
	return out
}

// RollbackResult reports the outcome of RollbackUser.
type RollbackResult struct {
	UserID   int64                 `json:"user_id"`
	Status   RollbackStatus        `json:"status"`
	Record   rbac.UserAccessRecord `json:"-"`
	AuditErr error                 `json:"-"`
}

// Config collects the collaborators of an Engine.
type Config struct {
	Store  rbac.RecordStore
	Audit  rbac.AuditSink
	Locker rbac.Locker
	Logger *slog.Logger
	// Workers bounds concurrent users in a batch. Defaults to 4.
	Workers int
	// Version is written to every migrated record.
	Version     string
	Now         func() time.Time
	NewID       func() string
	MaxAttempts int
}

// Engine rewrites legacy enhanced roles into base roles plus add-ons.
type Engine struct {
	catalog *rbac.Catalog
	table   *Table
	store   rbac.RecordStore
	admin   *rbac.Administrator
	logger  *slog.Logger
	workers int
	version string
}

// NewEngine builds an Engine over the resolver's catalog.
func NewEngine(resolver *rbac.Resolver, table *Table, cfg Config) *Engine {
	e := &Engine{
		catalog: resolver.Catalog(),
		table:   table,
		store:   cfg.Store,
		logger:  cfg.Logger,
		workers: cfg.Workers,
		version: cfg.Version,
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.workers <= 0 {
		e.workers = 4
	}
	if e.version == "" {
		e.version = DefaultVersion
	}
	e.admin = rbac.NewAdministrator(resolver, rbac.AdminConfig{
		Store:       cfg.Store,
		Audit:       cfg.Audit,
		Locker:      cfg.Locker,
		Logger:      e.logger,
		Now:         cfg.Now,
		NewID:       cfg.NewID,
		MaxAttempts: cfg.MaxAttempts,
	})
	return e
}

// Classify decides what the engine would do with record. A plan is returned
// only for StatusMigrationNeeded.
func (e *Engine) Classify(record rbac.UserAccessRecord) (Status, *Plan) {
	if record.MigrationVersion != "" || len(record.AdditionalPermissionIDs) > 0 {
		return StatusAlreadyMigrated, nil
	}
	if d, ok := e.table.Lookup(record.BaseRoleID); ok {
		return StatusMigrationNeeded, &Plan{
			FromRoleID:              record.BaseRoleID,
			ToRoleID:                d.BaseRoleID,
			AdditionalPermissionIDs: d.AdditionalPermissionIDs,
		}
	}
	if _, ok := e.catalog.Role(record.BaseRoleID); !ok {
		return StatusInvalidRole, nil
	}
	return StatusAlreadyMigrated, nil
}

// MigrateUser classifies one user and, outside dry-run, applies the
// decomposition in a single record save followed by one MIGRATION audit entry.
func (e *Engine) MigrateUser(ctx context.Context, userID int64, opts Options) Result {
	if opts.DryRun {
		record, err := e.store.GetUserAccessRecord(ctx, userID)
		if err != nil {
			return e.failed(userID, err)
		}
		status, plan := e.Classify(record)
		return Result{UserID: userID, Status: status, Plan: plan}
	}

	var (
		status Status
		plan   *Plan
	)
	reason := opts.Reason
	if reason == "" {
		reason = fmt.Sprintf("additive access migration %s", e.version)
	}
	res, err := e.admin.Update(ctx, userID, rbac.AuditMigration, opts.ActingUserID, func(current rbac.UserAccessRecord) (rbac.UserAccessRecord, bool, error) {
		status, plan = e.Classify(current)
		if status != StatusMigrationNeeded {
			return current, false, nil
		}
		current.BaseRoleID = plan.ToRoleID
		current.AdditionalPermissionIDs = slices.Clone(plan.AdditionalPermissionIDs)
		current.MigrationVersion = e.version
		return current, true, nil
	}, rbac.WithReason(reason))
	if err != nil {
		return e.failed(userID, err)
	}
	if !res.Status.Changed() {
		return Result{UserID: userID, Status: status}
	}
	e.logger.Info("access migration applied",
		slog.Int64("user_id", userID),
		slog.String("from_role", string(plan.FromRoleID)),
		slog.String("to_role", string(plan.ToRoleID)))
	return Result{UserID: userID, Status: StatusMigrated, Plan: plan, AuditErr: res.AuditErr}
}

func (e *Engine) failed(userID int64, err error) Result {
	e.logger.Error("access migration failed", slog.Int64("user_id", userID), slog.Any("error", err))
	return Result{UserID: userID, Status: StatusError, Err: err}
}

// MigrateAllUsers runs MigrateUser for every stored user on a bounded worker
// pool. Per-user failures are counted as StatusError and never stop the batch.
// Once ctx is done no further users are started and the rest are reported as
// skipped. The returned error is only set when the user list could not be read.
func (e *Engine) MigrateAllUsers(ctx context.Context, opts Options) (Summary, error) {
	summary := Summary{DryRun: opts.DryRun, Counts: make(map[Status]int, len(Statuses))}
	var ids []int64
	for record, err := range e.store.ListUserAccessRecords(ctx) {
		if err != nil {
			return summary, fmt.Errorf("migration: list users: %w", err)
		}
		ids = append(ids, record.UserID)
	}
	summary.Total = len(ids)

	results := make([]Result, len(ids))
	started := make([]bool, len(ids))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Cancellation may land while waiting for a free worker.
			if ctx.Err() != nil {
				return nil
			}
			started[i] = true
			results[i] = e.MigrateUser(ctx, id, opts)
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range results {
		if !started[i] {
			summary.Skipped++
			continue
		}
		summary.Counts[res.Status]++
		summary.Results = append(summary.Results, res)
	}
	e.logger.Info("access migration batch finished",
		slog.Bool("dry_run", opts.DryRun),
		slog.Int("total", summary.Total),
		slog.Int("migrated", summary.Count(StatusMigrated)),
		slog.Int("needed", summary.Count(StatusMigrationNeeded)),
		slog.Int("invalid_role", summary.Count(StatusInvalidRole)),
		slog.Int("errors", summary.Count(StatusError)),
		slog.Int("skipped", summary.Skipped))
	return summary, nil
}

// CheckMigrationStatus classifies every user without writing anything.
func (e *Engine) CheckMigrationStatus(ctx context.Context) (Summary, error) {
	return e.MigrateAllUsers(ctx, Options{DryRun: true})
}

// RollbackUser clears the add-ons of a user. The base role and migration
// marker are kept, so a rolled back user is not migrated again.
func (e *Engine) RollbackUser(ctx context.Context, userID, actingUserID int64) (RollbackResult, error) {
	res, err := e.admin.Update(ctx, userID, rbac.AuditRollback, actingUserID, func(current rbac.UserAccessRecord) (rbac.UserAccessRecord, bool, error) {
		if len(current.AdditionalPermissionIDs) == 0 {
			return current, false, nil
		}
		current.AdditionalPermissionIDs = nil
		return current, true, nil
	}, rbac.WithReason("rollback of additive access migration"))
	if err != nil {
		if !errors.Is(err, rbac.ErrUserNotFound) {
			e.logger.Error("access rollback failed", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		return RollbackResult{UserID: userID}, fmt.Errorf("migration: rollback user %d: %w", userID, err)
	}
	out := RollbackResult{UserID: userID, Status: StatusNoRollbackNeeded, Record: res.Record, AuditErr: res.AuditErr}
	if res.Status.Changed() {
		out.Status = StatusRolledBack
	}
	return out, nil
}
