package jobs

import (
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAccessMigrateAll runs the access migration over every user.
	TaskAccessMigrateAll = "access:migrate_all"
	// TaskAccessMigrateUser migrates a single user.
	TaskAccessMigrateUser = "access:migrate_user"
	// TaskAccessMigrationStatus logs a dry-run classification of every user.
	TaskAccessMigrationStatus = "access:migration_status"
)

// MigrateAllPayload configures a batch migration run.
type MigrateAllPayload struct {
	DryRun       bool   `json:"dry_run"`
	ActingUserID int64  `json:"acting_user_id"`
	Reason       string `json:"reason,omitempty"`
}

// MigrateUserPayload identifies the user to migrate.
type MigrateUserPayload struct {
	UserID       int64  `json:"user_id"`
	DryRun       bool   `json:"dry_run"`
	ActingUserID int64  `json:"acting_user_id"`
	Reason       string `json:"reason,omitempty"`
}

// NewMigrateAllTask constructs a batch migration task. Batch runs are never
// retried automatically; a failed run is re-enqueued by an operator.
func NewMigrateAllTask(payload MigrateAllPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAccessMigrateAll, data, asynq.Queue(QueueDefault), asynq.MaxRetry(0)), nil
}

// NewMigrateUserTask constructs a single user migration task.
func NewMigrateUserTask(payload MigrateUserPayload) (*asynq.Task, error) {
	if payload.UserID <= 0 {
		return nil, errors.New("jobs: user id must be positive")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAccessMigrateUser, data, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// NewMigrationStatusTask constructs the periodic status report task.
func NewMigrationStatusTask() *asynq.Task {
	return asynq.NewTask(TaskAccessMigrationStatus, nil, asynq.Queue(QueueDefault))
}
