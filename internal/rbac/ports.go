package rbac

import (
	"context"
	"iter"
)

// RecordStore persists user access records.
type RecordStore interface {
	// GetUserAccessRecord returns ErrUserNotFound when the user has no record.
	GetUserAccessRecord(ctx context.Context, userID int64) (UserAccessRecord, error)
	// SaveUserAccessRecord writes the whole record if the stored version still
	// equals record.Version, returning the saved record with its new version.
	// A concurrent change yields ErrVersionConflict.
	SaveUserAccessRecord(ctx context.Context, record UserAccessRecord) (UserAccessRecord, error)
	// ListUserAccessRecords streams every record ordered by user id.
	ListUserAccessRecords(ctx context.Context) iter.Seq2[UserAccessRecord, error]
}

// AuditSink appends audit entries. Entries are never updated or deleted.
type AuditSink interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// GeoSource supplies the geographic assignment of a user.
type GeoSource interface {
	GeoAssignment(ctx context.Context, userID int64) (GeoAssignment, error)
}

// Locker serializes writers of the same user across processes.
type Locker interface {
	Lock(ctx context.Context, userID int64) (unlock func(), err error)
}
