package users

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

const listBatchSize = 500

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository provides PostgreSQL backed access records and geographic
// assignments. It satisfies rbac.RecordStore and rbac.GeoSource.
type Repository struct {
	db     dbtx
	withTx func(ctx context.Context, fn func(dbtx) error) error
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		db: pool,
		withTx: func(ctx context.Context, fn func(dbtx) error) error {
			return db.WithTx(ctx, pool, func(tx pgx.Tx) error { return fn(tx) })
		},
	}
}

// GetUserAccessRecord loads one record.
func (r *Repository) GetUserAccessRecord(ctx context.Context, userID int64) (rbac.UserAccessRecord, error) {
	record, err := scanRecord(r.db.QueryRow(ctx, getAccessRecord, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rbac.UserAccessRecord{}, rbac.ErrUserNotFound
		}
		return rbac.UserAccessRecord{}, fmt.Errorf("users: get access record %d: %w", userID, err)
	}
	return record, nil
}

// SaveUserAccessRecord writes the record when the stored version still matches.
func (r *Repository) SaveUserAccessRecord(ctx context.Context, record rbac.UserAccessRecord) (rbac.UserAccessRecord, error) {
	lastUpdated := record.LastUpdated
	if lastUpdated.IsZero() {
		lastUpdated = time.Now()
	}
	perms := make([]string, 0, len(record.AdditionalPermissionIDs))
	for _, id := range record.AdditionalPermissionIDs {
		perms = append(perms, string(id))
	}
	saved := record
	err := r.withTx(ctx, func(q dbtx) error {
		var at time.Time
		err := q.QueryRow(ctx, updateAccessRecord,
			record.UserID, string(record.BaseRoleID), perms, optionalText(record.MigrationVersion), lastUpdated, record.Version,
		).Scan(&saved.Version, &at)
		if err == nil {
			saved.LastUpdated = at.UTC()
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("users: update access record %d: %w", record.UserID, err)
		}
		var exists bool
		if err := q.QueryRow(ctx, accessRecordExists, record.UserID).Scan(&exists); err != nil {
			return fmt.Errorf("users: check access record %d: %w", record.UserID, err)
		}
		if !exists {
			return rbac.ErrUserNotFound
		}
		return rbac.ErrVersionConflict
	})
	if err != nil {
		return rbac.UserAccessRecord{}, err
	}
	return saved, nil
}

// ListUserAccessRecords streams every record ordered by user id. Records are
// fetched in batches so no cursor stays open while the caller works.
func (r *Repository) ListUserAccessRecords(ctx context.Context) iter.Seq2[rbac.UserAccessRecord, error] {
	return func(yield func(rbac.UserAccessRecord, error) bool) {
		var after int64
		for {
			batch, err := r.listBatch(ctx, after)
			if err != nil {
				yield(rbac.UserAccessRecord{}, err)
				return
			}
			for _, record := range batch {
				if !yield(record, nil) {
					return
				}
			}
			if len(batch) < listBatchSize {
				return
			}
			after = batch[len(batch)-1].UserID
		}
	}
}

func (r *Repository) listBatch(ctx context.Context, after int64) ([]rbac.UserAccessRecord, error) {
	rows, err := r.db.Query(ctx, listAccessRecords, after, listBatchSize)
	if err != nil {
		return nil, fmt.Errorf("users: list access records: %w", err)
	}
	defer rows.Close()
	batch := make([]rbac.UserAccessRecord, 0, listBatchSize)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("users: scan access record: %w", err)
		}
		batch = append(batch, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("users: list access records: %w", err)
	}
	return batch, nil
}

// GeoAssignment returns the user's geography. Users without a row have no
// geographic assignment.
func (r *Repository) GeoAssignment(ctx context.Context, userID int64) (rbac.GeoAssignment, error) {
	var geo rbac.GeoAssignment
	err := r.db.QueryRow(ctx, getGeoAssignment, userID).Scan(
		&geo.HomeProvinceID, &geo.HomeBranchID, &geo.AccessibleProvinceIDs, &geo.AccessibleBranchIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rbac.GeoAssignment{}, nil
		}
		return rbac.GeoAssignment{}, fmt.Errorf("users: get geo assignment %d: %w", userID, err)
	}
	return geo, nil
}

// Provision inserts the access record and geography of a new user. Existing
// access records are left untouched.
func (r *Repository) Provision(ctx context.Context, seed Seed) error {
	return r.withTx(ctx, func(q dbtx) error {
		if _, err := q.Exec(ctx, insertAccessRecord, seed.UserID, string(seed.BaseRoleID)); err != nil {
			return fmt.Errorf("users: insert access record %d: %w", seed.UserID, err)
		}
		g := seed.Geo
		if _, err := q.Exec(ctx, upsertGeoAssignment, seed.UserID, g.HomeProvinceID, g.HomeBranchID,
			nonNil(g.AccessibleProvinceIDs), nonNil(g.AccessibleBranchIDs)); err != nil {
			return fmt.Errorf("users: upsert geo assignment %d: %w", seed.UserID, err)
		}
		return nil
	})
}

func scanRecord(row pgx.Row) (rbac.UserAccessRecord, error) {
	var (
		record    rbac.UserAccessRecord
		baseRole  string
		perms     []string
		migration pgtype.Text
		updated   time.Time
	)
	if err := row.Scan(&record.UserID, &baseRole, &perms, &migration, &updated, &record.Version); err != nil {
		return rbac.UserAccessRecord{}, err
	}
	record.BaseRoleID = rbac.RoleID(baseRole)
	for _, p := range perms {
		record.AdditionalPermissionIDs = append(record.AdditionalPermissionIDs, rbac.PermissionID(p))
	}
	record.MigrationVersion = migration.String
	record.LastUpdated = updated.UTC()
	return record, nil
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
