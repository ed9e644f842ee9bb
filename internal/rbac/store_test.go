package rbac

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu       sync.Mutex
	records  map[int64]UserAccessRecord
	saves    int
	conflict int
	saveErr  error
}

func newMemoryStore(records ...UserAccessRecord) *memoryStore {
	s := &memoryStore{records: make(map[int64]UserAccessRecord)}
	for _, rec := range records {
		s.records[rec.UserID] = rec
	}
	return s
}

func (s *memoryStore) GetUserAccessRecord(ctx context.Context, userID int64) (UserAccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return UserAccessRecord{}, ErrUserNotFound
	}
	return rec.clone(), nil
}

func (s *memoryStore) SaveUserAccessRecord(ctx context.Context, record UserAccessRecord) (UserAccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return UserAccessRecord{}, s.saveErr
	}
	if s.conflict > 0 {
		s.conflict--
		return UserAccessRecord{}, ErrVersionConflict
	}
	current, ok := s.records[record.UserID]
	if !ok {
		return UserAccessRecord{}, ErrUserNotFound
	}
	if current.Version != record.Version {
		return UserAccessRecord{}, ErrVersionConflict
	}
	record = record.clone()
	record.Version++
	s.records[record.UserID] = record
	s.saves++
	return record.clone(), nil
}

func (s *memoryStore) ListUserAccessRecords(ctx context.Context) iter.Seq2[UserAccessRecord, error] {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return func(yield func(UserAccessRecord, error) bool) {
		for _, id := range ids {
			rec, err := s.GetUserAccessRecord(ctx, id)
			if !yield(rec, err) {
				return
			}
		}
	}
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (a *memoryAudit) Append(ctx context.Context, entry AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, entry)
	return nil
}

func (a *memoryAudit) all() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

type staticGeo map[int64]GeoAssignment

func (g staticGeo) GeoAssignment(ctx context.Context, userID int64) (GeoAssignment, error) {
	if geo, ok := g[userID]; ok {
		return geo, nil
	}
	return GeoAssignment{}, errors.New("geo: unknown user")
}

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	return NewResolver(catalog)
}
