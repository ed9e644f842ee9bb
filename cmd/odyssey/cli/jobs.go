package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-access/jobs"
)

// TaskEnqueuer submits access migration tasks to the worker queue.
type TaskEnqueuer interface {
	EnqueueMigrateAll(ctx context.Context, payload jobs.MigrateAllPayload) (*asynq.TaskInfo, error)
	EnqueueMigrateUser(ctx context.Context, payload jobs.MigrateUserPayload) (*asynq.TaskInfo, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	opts, err := jobs.RedisOpt(redisAddr)
	if err != nil {
		return nil, err
	}
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{client: client, inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

// EnqueueMigrateAll submits a batch migration.
func (c *JobsCLI) EnqueueMigrateAll(ctx context.Context, payload jobs.MigrateAllPayload) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueueMigrateAll(ctx, payload)
}

// EnqueueMigrateUser submits a single user migration.
func (c *JobsCLI) EnqueueMigrateUser(ctx context.Context, payload jobs.MigrateUserPayload) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueueMigrateUser(ctx, payload)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
	}
	return stats, nil
}

// EnqueueOptions configures the enqueue command.
type EnqueueOptions struct {
	IOOptions
	Mode         MigrateMode `validate:"oneof=dry apply"`
	UserID       int64       `validate:"gte=0"`
	ActingUserID int64       `validate:"gte=0"`
	Reason       string
}

// EnqueueReport is the structured outcome of enqueue.
type EnqueueReport struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
	Queue  string `json:"queue"`
}

// EnqueueCommand hands a migration run to the background worker.
func (c *AccessCLI) EnqueueCommand(ctx context.Context, opts EnqueueOptions) int {
	opts.defaults()
	if opts.Mode == "" {
		opts.Mode = MigrateModeDry
	}
	opts.Mode = MigrateMode(strings.ToLower(string(opts.Mode)))
	if !c.check(opts.Stderr, "enqueue", opts) {
		return ExitFailure
	}
	if c.deps.Jobs == nil {
		return fail(opts.Stderr, "enqueue", errors.New("job queue not configured"))
	}
	dryRun := opts.Mode == MigrateModeDry
	var (
		info *asynq.TaskInfo
		err  error
	)
	if opts.UserID > 0 {
		info, err = c.deps.Jobs.EnqueueMigrateUser(ctx, jobs.MigrateUserPayload{
			UserID:       opts.UserID,
			DryRun:       dryRun,
			ActingUserID: opts.ActingUserID,
			Reason:       opts.Reason,
		})
	} else {
		info, err = c.deps.Jobs.EnqueueMigrateAll(ctx, jobs.MigrateAllPayload{
			DryRun:       dryRun,
			ActingUserID: opts.ActingUserID,
			Reason:       opts.Reason,
		})
	}
	if err != nil {
		return fail(opts.Stderr, "enqueue", err)
	}
	report := EnqueueReport{TaskID: info.ID, Type: info.Type, Queue: info.Queue}
	if opts.JSONOutput {
		if err := writeJSON(opts.Stdout, report); err != nil {
			return fail(opts.Stderr, "enqueue", err)
		}
		return ExitOK
	}
	fmt.Fprintf(opts.Stdout, "Enqueued %s as %s on queue %s\n", report.Type, report.TaskID, report.Queue)
	return ExitOK
}
