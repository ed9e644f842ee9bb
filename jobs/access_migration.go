package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
	"github.com/odyssey-erp/odyssey-access/internal/migration"
	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// MigrationEngine is the part of migration.Engine the jobs need.
type MigrationEngine interface {
	MigrateUser(ctx context.Context, userID int64, opts migration.Options) migration.Result
	MigrateAllUsers(ctx context.Context, opts migration.Options) (migration.Summary, error)
	CheckMigrationStatus(ctx context.Context) (migration.Summary, error)
}

// BatchLocker guards batch runs across worker processes. The lock must stay
// held for as long as the batch runs.
type BatchLocker interface {
	Hold(ctx context.Context, key string) (func(), error)
}

// AccessMigrationJob handles the access migration tasks.
type AccessMigrationJob struct {
	Engine  MigrationEngine
	Locker  BatchLocker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAccessMigrationJob constructs the job handler. locker may be nil.
func NewAccessMigrationJob(engine MigrationEngine, locker BatchLocker, logger *slog.Logger, metrics *jobmetrics.Metrics) *AccessMigrationJob {
	return &AccessMigrationJob{Engine: engine, Locker: locker, Logger: logger, Metrics: metrics}
}

// Handlers lists the task handlers for worker registration.
func (j *AccessMigrationJob) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskAccessMigrateAll, Handler: j.HandleMigrateAll},
		{Type: TaskAccessMigrateUser, Handler: j.HandleMigrateUser},
		{Type: TaskAccessMigrationStatus, Handler: j.HandleMigrationStatus},
	}
}

// HandleMigrateAll runs a batch migration. Only one batch runs at a time.
func (j *AccessMigrationJob) HandleMigrateAll(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("access migration: engine not configured")
	}
	var payload MigrateAllPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("access migration: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskAccessMigrateAll)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if j.Locker != nil {
		unlock, err := j.Locker.Hold(ctx, shared.MigrationBatchLockKey())
		if err != nil {
			if errors.Is(err, cache.ErrLockHeld) {
				j.log().Warn("batch migration already running")
				return nil
			}
			resultErr = err
			return resultErr
		}
		defer unlock()
	}

	start := time.Now()
	summary, err := j.Engine.MigrateAllUsers(ctx, migration.Options{
		DryRun:       payload.DryRun,
		ActingUserID: payload.ActingUserID,
		Reason:       payload.Reason,
	})
	if err != nil {
		resultErr = err
		j.log().Error("batch migration", slog.Any("error", err))
		return resultErr
	}
	j.record(summary)
	j.log().Info("batch migration finished",
		slog.Bool("dry_run", summary.DryRun),
		slog.Int("total", summary.Total),
		slog.Int("migrated", summary.Count(migration.StatusMigrated)),
		slog.Int("errors", summary.Count(migration.StatusError)),
		slog.Int("skipped", summary.Skipped),
		slog.Duration("duration", time.Since(start)))
	if summary.Skipped > 0 {
		resultErr = fmt.Errorf("access migration: %d users skipped: %w", summary.Skipped, ctx.Err())
	}
	return resultErr
}

// HandleMigrateUser migrates one user. Persistence failures are retried by asynq.
func (j *AccessMigrationJob) HandleMigrateUser(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("access migration: engine not configured")
	}
	var payload MigrateUserPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.UserID <= 0 {
		return fmt.Errorf("access migration: invalid payload: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskAccessMigrateUser)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	res := j.Engine.MigrateUser(ctx, payload.UserID, migration.Options{
		DryRun:       payload.DryRun,
		ActingUserID: payload.ActingUserID,
		Reason:       payload.Reason,
	})
	j.metrics().AddMigrationOutcome(string(res.Status), payload.DryRun, 1)
	j.log().Info("user migration", slog.Int64("user_id", payload.UserID), slog.String("status", string(res.Status)))
	if res.Status == migration.StatusError {
		resultErr = res.Err
	}
	return resultErr
}

// HandleMigrationStatus logs a dry-run classification of every user.
func (j *AccessMigrationJob) HandleMigrationStatus(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("access migration: engine not configured")
	}
	tracker := j.metrics().Track(TaskAccessMigrationStatus)
	summary, err := j.Engine.CheckMigrationStatus(ctx)
	if err != nil {
		return tracker.End(err)
	}
	j.record(summary)
	attrs := []any{slog.Int("total", summary.Total)}
	for _, status := range migration.Statuses {
		attrs = append(attrs, slog.Int(string(status), summary.Count(status)))
	}
	j.log().Info("access migration status", attrs...)
	return tracker.End(nil)
}

func (j *AccessMigrationJob) record(summary migration.Summary) {
	for _, status := range migration.Statuses {
		j.metrics().AddMigrationOutcome(string(status), summary.DryRun, summary.Count(status))
	}
}

func (j *AccessMigrationJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *AccessMigrationJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", "access_migration"))
	}
	return slog.Default().With(slog.String("job", "access_migration"))
}
