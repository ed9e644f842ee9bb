package rbac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

// MutationStatus describes the outcome of an administrative mutation.
type MutationStatus string

const (
	StatusAdded         MutationStatus = "ADDED"
	StatusRemoved       MutationStatus = "REMOVED"
	StatusRoleChanged   MutationStatus = "ROLE_CHANGED"
	StatusAlreadyExists MutationStatus = "ALREADY_EXISTS"
	StatusNotFound      MutationStatus = "NOT_FOUND"
	StatusUnchanged     MutationStatus = "UNCHANGED"
	StatusUpdated       MutationStatus = "UPDATED"
)

// Changed reports whether the mutation wrote the record.
func (s MutationStatus) Changed() bool {
	return s == StatusAdded || s == StatusRemoved || s == StatusRoleChanged || s == StatusUpdated
}

// MutationResult is returned by successful administrative calls, including
// idempotent no-ops.
type MutationResult struct {
	Status MutationStatus
	Record UserAccessRecord
	// Dropped lists add-ons removed by a role change.
	Dropped []PermissionID
	// AuditErr is set when the mutation was persisted but its audit entry was not.
	AuditErr error
}

// MutationOption customises a single administrative call.
type MutationOption func(*mutationOptions)

type mutationOptions struct {
	reason string
}

// WithReason attaches a free text reason to the audit entry.
func WithReason(reason string) MutationOption {
	return func(o *mutationOptions) { o.reason = reason }
}

// AdminConfig collects the collaborators of an Administrator.
type AdminConfig struct {
	Store  RecordStore
	Audit  AuditSink
	Locker Locker
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
	// MaxAttempts bounds re-reads after a version conflict. Defaults to 3.
	MaxAttempts int
}

// Administrator grants and revokes add-on permissions one at a time.
type Administrator struct {
	resolver    *Resolver
	store       RecordStore
	audit       AuditSink
	locker      Locker
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
	maxAttempts int
}

// NewAdministrator builds an Administrator.
func NewAdministrator(resolver *Resolver, cfg AdminConfig) *Administrator {
	a := &Administrator{
		resolver:    resolver,
		store:       cfg.Store,
		audit:       cfg.Audit,
		locker:      cfg.Locker,
		logger:      cfg.Logger,
		now:         cfg.Now,
		newID:       cfg.NewID,
		maxAttempts: cfg.MaxAttempts,
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.newID == nil {
		a.newID = uuid.NewString
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = 3
	}
	return a
}

// AddPermission grants an add-on to the user.
func (a *Administrator) AddPermission(ctx context.Context, userID int64, permissionID PermissionID, actingUserID int64, opts ...MutationOption) (MutationResult, error) {
	perm, known := a.resolver.catalog.permissions[permissionID]
	return a.mutate(ctx, userID, actingUserID, opts, func(rec UserAccessRecord) (UserAccessRecord, MutationStatus, AuditType, error) {
		if !known {
			return rec, "", "", fmt.Errorf("%w: %q", ErrInvalidPermission, permissionID)
		}
		if !perm.CompatibleWith(rec.BaseRoleID) {
			return rec, "", "", fmt.Errorf("%w: %s not allowed for %s", ErrIncompatiblePermission, permissionID, rec.BaseRoleID)
		}
		if rec.HasAdditional(permissionID) {
			return rec, StatusAlreadyExists, "", nil
		}
		return rec.WithAdditional(permissionID), StatusAdded, AuditPermissionAdded, nil
	})
}

// RemovePermission revokes an add-on. Ids unknown to the catalog can still be
// removed when the record holds them.
func (a *Administrator) RemovePermission(ctx context.Context, userID int64, permissionID PermissionID, actingUserID int64, opts ...MutationOption) (MutationResult, error) {
	_, known := a.resolver.catalog.permissions[permissionID]
	return a.mutate(ctx, userID, actingUserID, opts, func(rec UserAccessRecord) (UserAccessRecord, MutationStatus, AuditType, error) {
		if !rec.HasAdditional(permissionID) {
			if !known {
				return rec, "", "", fmt.Errorf("%w: %q", ErrInvalidPermission, permissionID)
			}
			return rec, StatusNotFound, "", nil
		}
		return rec.WithoutAdditional(permissionID), StatusRemoved, AuditPermissionRemoved, nil
	})
}

// ChangeBaseRole moves the user to another base role and drops add-ons the
// new role is not compatible with.
func (a *Administrator) ChangeBaseRole(ctx context.Context, userID int64, roleID RoleID, actingUserID int64, opts ...MutationOption) (MutationResult, error) {
	if _, ok := a.resolver.catalog.roles[roleID]; !ok {
		return MutationResult{}, fmt.Errorf("%w: %q", ErrInvalidRole, roleID)
	}
	var dropped []PermissionID
	result, err := a.mutate(ctx, userID, actingUserID, opts, func(rec UserAccessRecord) (UserAccessRecord, MutationStatus, AuditType, error) {
		dropped = nil
		if rec.BaseRoleID == roleID {
			return rec, StatusUnchanged, "", nil
		}
		next := rec.clone()
		next.BaseRoleID = roleID
		next.AdditionalPermissionIDs = slices.DeleteFunc(next.AdditionalPermissionIDs, func(id PermissionID) bool {
			perm, ok := a.resolver.catalog.permissions[id]
			if ok && perm.CompatibleWith(roleID) {
				return false
			}
			dropped = append(dropped, id)
			return true
		})
		return next, StatusRoleChanged, AuditRoleChange, nil
	})
	result.Dropped = dropped
	return result, err
}

// UpdateFunc rewrites a copy of the current record. Returning changed=false
// leaves the record and the audit log untouched.
type UpdateFunc func(current UserAccessRecord) (next UserAccessRecord, changed bool, err error)

// Update runs fn under the same lock, version check and audit path as the
// single permission mutations. fn may be called more than once when a
// concurrent writer wins the race.
func (a *Administrator) Update(ctx context.Context, userID int64, auditType AuditType, actingUserID int64, fn UpdateFunc, opts ...MutationOption) (MutationResult, error) {
	return a.mutate(ctx, userID, actingUserID, opts, func(rec UserAccessRecord) (UserAccessRecord, MutationStatus, AuditType, error) {
		next, changed, err := fn(rec.clone())
		if err != nil || !changed {
			return rec, StatusUnchanged, "", err
		}
		return next, StatusUpdated, auditType, nil
	})
}

type mutation func(UserAccessRecord) (UserAccessRecord, MutationStatus, AuditType, error)

func (a *Administrator) mutate(ctx context.Context, userID, actingUserID int64, opts []MutationOption, apply mutation) (MutationResult, error) {
	var o mutationOptions
	for _, opt := range opts {
		opt(&o)
	}
	if a.locker != nil {
		unlock, err := a.locker.Lock(ctx, userID)
		if err != nil {
			return MutationResult{}, fmt.Errorf("%w: lock user %d: %w", ErrPersistence, userID, err)
		}
		defer unlock()
	}
	for attempt := 1; ; attempt++ {
		current, err := a.store.GetUserAccessRecord(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return MutationResult{}, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
			}
			return MutationResult{}, fmt.Errorf("%w: load user %d: %w", ErrPersistence, userID, err)
		}
		next, status, auditType, err := apply(current)
		if err != nil {
			a.logger.Warn("rbac mutation rejected",
				slog.Int64("user_id", userID),
				slog.Int64("acting_user_id", actingUserID),
				slog.Any("error", err))
			return MutationResult{Record: current}, err
		}
		if auditType == "" {
			return MutationResult{Status: status, Record: current}, nil
		}
		next.LastUpdated = a.now().UTC()
		saved, err := a.store.SaveUserAccessRecord(ctx, next)
		if errors.Is(err, ErrVersionConflict) && attempt < a.maxAttempts {
			a.logger.Debug("rbac mutation retry", slog.Int64("user_id", userID), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return MutationResult{Record: current}, fmt.Errorf("%w: save user %d: %w", ErrPersistence, userID, err)
		}
		result := MutationResult{Status: status, Record: saved}
		result.AuditErr = a.appendAudit(ctx, AuditEntry{
			Type:          auditType,
			SubjectUserID: userID,
			Before:        current.Snapshot(),
			After:         saved.Snapshot(),
			ActingUserID:  actingUserID,
			Reason:        o.reason,
		})
		a.logger.Info("rbac mutation applied",
			slog.String("type", string(auditType)),
			slog.Int64("user_id", userID),
			slog.Int64("acting_user_id", actingUserID))
		return result, nil
	}
}

func (a *Administrator) appendAudit(ctx context.Context, entry AuditEntry) error {
	if a.audit == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = a.newID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now().UTC()
	}
	if err := a.audit.Append(ctx, entry); err != nil {
		a.logger.Error("rbac audit append",
			slog.String("type", string(entry.Type)),
			slog.Int64("user_id", entry.SubjectUserID),
			slog.Any("error", err))
		return fmt.Errorf("%w: audit append: %w", ErrPersistence, err)
	}
	return nil
}
