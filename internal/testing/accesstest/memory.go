// Package accesstest provides in-memory access stores for tests that run the
// engine end to end without PostgreSQL.
package accesstest

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Store is a RecordStore and GeoSource backed by maps. It enforces the same
// version check as the PostgreSQL repository.
type Store struct {
	mu      sync.Mutex
	records map[int64]rbac.UserAccessRecord
	geo     map[int64]rbac.GeoAssignment
	// FailSave makes SaveUserAccessRecord fail for the listed users.
	FailSave map[int64]error
}

// NewStore seeds a store with records.
func NewStore(records ...rbac.UserAccessRecord) *Store {
	s := &Store{
		records:  make(map[int64]rbac.UserAccessRecord),
		geo:      make(map[int64]rbac.GeoAssignment),
		FailSave: make(map[int64]error),
	}
	for _, rec := range records {
		s.Put(rec)
	}
	return s
}

// Put overwrites a record without a version check.
func (s *Store) Put(rec rbac.UserAccessRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.AdditionalPermissionIDs = slices.Clone(rec.AdditionalPermissionIDs)
	s.records[rec.UserID] = rec
}

// SetGeo assigns geography to a user.
func (s *Store) SetGeo(userID int64, geo rbac.GeoAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.geo[userID] = geo
}

// GetUserAccessRecord implements rbac.RecordStore.
func (s *Store) GetUserAccessRecord(ctx context.Context, userID int64) (rbac.UserAccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return rbac.UserAccessRecord{}, rbac.ErrUserNotFound
	}
	rec.AdditionalPermissionIDs = slices.Clone(rec.AdditionalPermissionIDs)
	return rec, nil
}

// SaveUserAccessRecord implements rbac.RecordStore.
func (s *Store) SaveUserAccessRecord(ctx context.Context, record rbac.UserAccessRecord) (rbac.UserAccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailSave[record.UserID]; err != nil {
		return rbac.UserAccessRecord{}, err
	}
	current, ok := s.records[record.UserID]
	if !ok {
		return rbac.UserAccessRecord{}, rbac.ErrUserNotFound
	}
	if current.Version != record.Version {
		return rbac.UserAccessRecord{}, rbac.ErrVersionConflict
	}
	record.AdditionalPermissionIDs = slices.Clone(record.AdditionalPermissionIDs)
	record.Version++
	s.records[record.UserID] = record
	return record, nil
}

// ListUserAccessRecords implements rbac.RecordStore in user id order.
func (s *Store) ListUserAccessRecords(ctx context.Context) iter.Seq2[rbac.UserAccessRecord, error] {
	return func(yield func(rbac.UserAccessRecord, error) bool) {
		s.mu.Lock()
		ids := make([]int64, 0, len(s.records))
		for id := range s.records {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		slices.Sort(ids)
		for _, id := range ids {
			rec, err := s.GetUserAccessRecord(ctx, id)
			if !yield(rec, err) {
				return
			}
		}
	}
}

// GeoAssignment implements rbac.GeoSource. Users without geography get an
// empty assignment.
func (s *Store) GeoAssignment(ctx context.Context, userID int64) (rbac.GeoAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geo[userID], nil
}

// AuditRepo is an audit.Repository kept in memory, newest entry last.
type AuditRepo struct {
	mu      sync.Mutex
	entries []rbac.AuditEntry
}

// InsertEntry implements audit.Repository.
func (r *AuditRepo) InsertEntry(ctx context.Context, entry rbac.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries {
		if existing.ID == entry.ID {
			return audit.ErrDuplicateEntry
		}
	}
	r.entries = append(r.entries, entry)
	return nil
}

// ListEntries implements audit.Repository with the same filters as the SQL query.
func (r *AuditRepo) ListEntries(ctx context.Context, arg audit.ListParams) ([]rbac.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []rbac.AuditEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		switch {
		case arg.SubjectUserID.Valid && e.SubjectUserID != arg.SubjectUserID.Int64:
			continue
		case arg.ActingUserID.Valid && e.ActingUserID != arg.ActingUserID.Int64:
			continue
		case arg.EntryType.Valid && string(e.Type) != arg.EntryType.String:
			continue
		case arg.FromAt.Valid && e.Timestamp.Before(arg.FromAt.Time):
			continue
		case arg.ToAt.Valid && e.Timestamp.After(arg.ToAt.Time):
			continue
		}
		matched = append(matched, e)
	}
	start := min(int(arg.OffsetRows), len(matched))
	end := len(matched)
	if arg.LimitRows > 0 {
		end = min(start+int(arg.LimitRows), len(matched))
	}
	return matched[start:end], nil
}

// Entries returns every stored entry in insertion order.
func (r *AuditRepo) Entries() []rbac.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}
