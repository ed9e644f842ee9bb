package migration

import (
	"context"
	"errors"
	"iter"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

type memoryStore struct {
	mu       sync.Mutex
	records  map[int64]rbac.UserAccessRecord
	failGet  map[int64]error
	failSave map[int64]error
	saves    int
}

func newMemoryStore(records ...rbac.UserAccessRecord) *memoryStore {
	s := &memoryStore{
		records:  make(map[int64]rbac.UserAccessRecord),
		failGet:  make(map[int64]error),
		failSave: make(map[int64]error),
	}
	for _, r := range records {
		s.records[r.UserID] = r
	}
	return s
}

func (s *memoryStore) GetUserAccessRecord(ctx context.Context, userID int64) (rbac.UserAccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failGet[userID]; err != nil {
		return rbac.UserAccessRecord{}, err
	}
	rec, ok := s.records[userID]
	if !ok {
		return rbac.UserAccessRecord{}, rbac.ErrUserNotFound
	}
	rec.AdditionalPermissionIDs = append([]rbac.PermissionID(nil), rec.AdditionalPermissionIDs...)
	return rec, nil
}

func (s *memoryStore) SaveUserAccessRecord(ctx context.Context, record rbac.UserAccessRecord) (rbac.UserAccessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failSave[record.UserID]; err != nil {
		return rbac.UserAccessRecord{}, err
	}
	current, ok := s.records[record.UserID]
	if !ok {
		return rbac.UserAccessRecord{}, rbac.ErrUserNotFound
	}
	if current.Version != record.Version {
		return rbac.UserAccessRecord{}, rbac.ErrVersionConflict
	}
	record.Version++
	s.records[record.UserID] = record
	s.saves++
	return record, nil
}

func (s *memoryStore) ListUserAccessRecords(ctx context.Context) iter.Seq2[rbac.UserAccessRecord, error] {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return func(yield func(rbac.UserAccessRecord, error) bool) {
		for _, id := range ids {
			s.mu.Lock()
			rec := s.records[id]
			s.mu.Unlock()
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *memoryStore) get(t *testing.T, userID int64) rbac.UserAccessRecord {
	t.Helper()
	rec, err := s.GetUserAccessRecord(context.Background(), userID)
	require.NoError(t, err)
	return rec
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []rbac.AuditEntry
}

func (a *memoryAudit) Append(ctx context.Context, entry rbac.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *memoryAudit) count(kind rbac.AuditType) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.entries {
		if e.Type == kind {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, store *memoryStore, audit *memoryAudit) *Engine {
	t.Helper()
	catalog, err := rbac.DefaultCatalog()
	require.NoError(t, err)
	table, err := DefaultTable(catalog)
	require.NoError(t, err)
	return NewEngine(rbac.NewResolver(catalog), table, Config{Store: store, Audit: audit, Workers: 3, Version: "test-v1"})
}

func TestClassify(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore(), &memoryAudit{})
	cases := []struct {
		name   string
		record rbac.UserAccessRecord
		want   Status
	}{
		{"plain base role", rbac.UserAccessRecord{BaseRoleID: "SALES_STAFF"}, StatusAlreadyMigrated},
		{"legacy role", rbac.UserAccessRecord{BaseRoleID: "FINANCE_ANALYST"}, StatusMigrationNeeded},
		{"unknown role", rbac.UserAccessRecord{BaseRoleID: "JANITOR"}, StatusInvalidRole},
		{"add-ons present", rbac.UserAccessRecord{BaseRoleID: "JANITOR", AdditionalPermissionIDs: []rbac.PermissionID{"SALES_DATA_ACCESS"}}, StatusAlreadyMigrated},
		{"marker present", rbac.UserAccessRecord{BaseRoleID: "FINANCE_ANALYST", MigrationVersion: "v0"}, StatusAlreadyMigrated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, plan := engine.Classify(tc.record)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.want == StatusMigrationNeeded, plan != nil)
		})
	}
}

func TestMigrateUserDryRunWritesNothing(t *testing.T) {
	store := newMemoryStore(rbac.UserAccessRecord{UserID: 1, BaseRoleID: "FINANCE_ANALYST"})
	audit := &memoryAudit{}
	engine := newTestEngine(t, store, audit)

	res := engine.MigrateUser(context.Background(), 1, Options{DryRun: true})
	require.Equal(t, StatusMigrationNeeded, res.Status)
	require.Equal(t, &Plan{
		FromRoleID:              "FINANCE_ANALYST",
		ToRoleID:                "ACCOUNTING_STAFF",
		AdditionalPermissionIDs: []rbac.PermissionID{"FINANCE_ANALYTICS", "SALES_DATA_ACCESS"},
	}, res.Plan)
	require.Zero(t, store.saves)
	require.Zero(t, audit.count(rbac.AuditMigration))
	require.Equal(t, rbac.RoleID("FINANCE_ANALYST"), store.get(t, 1).BaseRoleID)
}

func TestMigrateUserApplyIsIdempotent(t *testing.T) {
	store := newMemoryStore(rbac.UserAccessRecord{UserID: 2, BaseRoleID: "FINANCE_ANALYST"})
	audit := &memoryAudit{}
	engine := newTestEngine(t, store, audit)
	ctx := context.Background()

	res := engine.MigrateUser(ctx, 2, Options{ActingUserID: 99})
	require.Equal(t, StatusMigrated, res.Status)
	require.NoError(t, res.Err)
	require.NoError(t, res.AuditErr)

	first := store.get(t, 2)
	require.Equal(t, rbac.RoleID("ACCOUNTING_STAFF"), first.BaseRoleID)
	require.Equal(t, []rbac.PermissionID{"FINANCE_ANALYTICS", "SALES_DATA_ACCESS"}, first.AdditionalPermissionIDs)
	require.Equal(t, "test-v1", first.MigrationVersion)

	res = engine.MigrateUser(ctx, 2, Options{ActingUserID: 99})
	require.Equal(t, StatusAlreadyMigrated, res.Status)
	require.Equal(t, first, store.get(t, 2))
	require.Equal(t, 1, store.saves)
	require.Equal(t, 1, audit.count(rbac.AuditMigration))

	entry := audit.entries[0]
	require.Equal(t, int64(2), entry.SubjectUserID)
	require.Equal(t, int64(99), entry.ActingUserID)
	require.Equal(t, rbac.RoleID("FINANCE_ANALYST"), entry.Before.BaseRoleID)
	require.Equal(t, rbac.RoleID("ACCOUNTING_STAFF"), entry.After.BaseRoleID)
}

func TestMigratedUserKeepsLegacyAccess(t *testing.T) {
	store := newMemoryStore(rbac.UserAccessRecord{UserID: 3, BaseRoleID: "FINANCE_ANALYST"})
	engine := newTestEngine(t, store, &memoryAudit{})
	require.Equal(t, StatusMigrated, engine.MigrateUser(context.Background(), 3, Options{}).Status)

	catalog, err := rbac.DefaultCatalog()
	require.NoError(t, err)
	resolver := rbac.NewResolver(catalog)
	record := store.get(t, 3)
	for _, tok := range []rbac.Token{"accounting.view", "sales.view", "finance.analytics.view", "finance.gl.view"} {
		require.True(t, resolver.HasPermission(record, tok), tok)
	}
	require.NoError(t, resolver.Validate(record))
}

func TestMigrateAllUsersIsolatesFailures(t *testing.T) {
	store := newMemoryStore(
		rbac.UserAccessRecord{UserID: 1, BaseRoleID: "FINANCE_ANALYST"},
		rbac.UserAccessRecord{UserID: 2, BaseRoleID: "SALES_STAFF"},
		rbac.UserAccessRecord{UserID: 3, BaseRoleID: "JANITOR"},
		rbac.UserAccessRecord{UserID: 4, BaseRoleID: "HR_ADMIN"},
		rbac.UserAccessRecord{UserID: 5, BaseRoleID: "SENIOR_ACCOUNTANT"},
		rbac.UserAccessRecord{UserID: 6, BaseRoleID: "CFO"},
		rbac.UserAccessRecord{UserID: 7, BaseRoleID: "AREA_MANAGER"},
	)
	store.failSave[4] = errors.New("disk full")
	store.failGet[7] = errors.New("connection refused")
	audit := &memoryAudit{}
	engine := newTestEngine(t, store, audit)

	dry, err := engine.CheckMigrationStatus(context.Background())
	require.NoError(t, err)
	require.True(t, dry.DryRun)
	require.Equal(t, 7, dry.Total)
	require.Equal(t, 4, dry.Count(StatusMigrationNeeded))
	require.Equal(t, 1, dry.Count(StatusAlreadyMigrated))
	require.Equal(t, 1, dry.Count(StatusInvalidRole))
	require.Equal(t, 1, dry.Count(StatusError))
	require.Zero(t, store.saves)

	summary, err := engine.MigrateAllUsers(context.Background(), Options{ActingUserID: 1})
	require.NoError(t, err)
	require.Equal(t, 7, summary.Total)
	require.Equal(t, 3, summary.Count(StatusMigrated))
	require.Equal(t, 1, summary.Count(StatusAlreadyMigrated))
	require.Equal(t, 1, summary.Count(StatusInvalidRole))
	require.Equal(t, 2, summary.Count(StatusError))
	require.Zero(t, summary.Skipped)

	total := summary.Skipped
	for _, status := range Statuses {
		total += summary.Count(status)
	}
	require.Equal(t, summary.Total, total)

	failed := summary.Failed()
	require.Len(t, failed, 2)
	require.Equal(t, int64(4), failed[0].UserID)
	require.ErrorIs(t, failed[0].Err, rbac.ErrPersistence)
	require.Equal(t, int64(7), failed[1].UserID)

	require.Equal(t, rbac.RoleID("HR_ADMIN"), store.get(t, 4).BaseRoleID)
	require.Equal(t, rbac.RoleID("EXECUTIVE"), store.get(t, 6).BaseRoleID)
	require.Equal(t, 3, audit.count(rbac.AuditMigration))

	store.failSave = map[int64]error{}
	again, err := engine.MigrateAllUsers(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 1, again.Count(StatusMigrated))
	require.Equal(t, 4, again.Count(StatusAlreadyMigrated))
}

func TestMigrateAllUsersCancelled(t *testing.T) {
	store := newMemoryStore(
		rbac.UserAccessRecord{UserID: 1, BaseRoleID: "FINANCE_ANALYST"},
		rbac.UserAccessRecord{UserID: 2, BaseRoleID: "CFO"},
	)
	engine := newTestEngine(t, store, &memoryAudit{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := engine.MigrateAllUsers(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 2, summary.Skipped)
	require.Empty(t, summary.Results)
	require.Zero(t, store.saves)
}

// cancellingStore cancels the batch context while the first user is read.
type cancellingStore struct {
	*memoryStore
	cancel context.CancelFunc
	once   sync.Once
}

func (s *cancellingStore) GetUserAccessRecord(ctx context.Context, userID int64) (rbac.UserAccessRecord, error) {
	s.once.Do(func() {
		// Let the dispatcher block on the single worker slot first.
		time.Sleep(50 * time.Millisecond)
		s.cancel()
	})
	return s.memoryStore.GetUserAccessRecord(ctx, userID)
}

func TestMigrateAllUsersCancelledWhileWaitingForWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancellingStore{
		memoryStore: newMemoryStore(
			rbac.UserAccessRecord{UserID: 1, BaseRoleID: "FINANCE_ANALYST"},
			rbac.UserAccessRecord{UserID: 2, BaseRoleID: "CFO"},
			rbac.UserAccessRecord{UserID: 3, BaseRoleID: "HR_ADMIN"},
		),
		cancel: cancel,
	}
	catalog, err := rbac.DefaultCatalog()
	require.NoError(t, err)
	table, err := DefaultTable(catalog)
	require.NoError(t, err)
	engine := NewEngine(rbac.NewResolver(catalog), table, Config{Store: store, Audit: &memoryAudit{}, Workers: 1})

	summary, err := engine.MigrateAllUsers(ctx, Options{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 2, summary.Skipped)
	require.Len(t, summary.Results, 1)
	require.Equal(t, int64(1), summary.Results[0].UserID)
	require.Zero(t, summary.Count(StatusError))
}

func TestMigrateUserUnknownUser(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore(), &memoryAudit{})
	res := engine.MigrateUser(context.Background(), 42, Options{})
	require.Equal(t, StatusError, res.Status)
	require.ErrorIs(t, res.Err, rbac.ErrUserNotFound)
}

func TestRollbackUser(t *testing.T) {
	store := newMemoryStore(rbac.UserAccessRecord{UserID: 8, BaseRoleID: "SALES_SUPERVISOR"})
	audit := &memoryAudit{}
	engine := newTestEngine(t, store, audit)
	ctx := context.Background()

	require.Equal(t, StatusMigrated, engine.MigrateUser(ctx, 8, Options{}).Status)
	migrated := store.get(t, 8)

	res, err := engine.RollbackUser(ctx, 8, 1)
	require.NoError(t, err)
	require.Equal(t, StatusRolledBack, res.Status)

	rolled := store.get(t, 8)
	require.Equal(t, migrated.BaseRoleID, rolled.BaseRoleID)
	require.Empty(t, rolled.AdditionalPermissionIDs)
	require.Equal(t, "test-v1", rolled.MigrationVersion)

	res, err = engine.RollbackUser(ctx, 8, 1)
	require.NoError(t, err)
	require.Equal(t, StatusNoRollbackNeeded, res.Status)
	require.Equal(t, 1, audit.count(rbac.AuditRollback))

	require.Equal(t, StatusAlreadyMigrated, engine.MigrateUser(ctx, 8, Options{}).Status)

	_, err = engine.RollbackUser(ctx, 404, 1)
	require.ErrorIs(t, err, rbac.ErrUserNotFound)
}

func TestDefaultTableCoversLegacyRoles(t *testing.T) {
	catalog, err := rbac.DefaultCatalog()
	require.NoError(t, err)
	table, err := DefaultTable(catalog)
	require.NoError(t, err)

	entries := table.Entries()
	require.Len(t, entries, 8)
	for _, d := range entries {
		_, isBase := catalog.Role(d.LegacyRoleID)
		require.False(t, isBase, d.LegacyRoleID)
		for _, pid := range d.AdditionalPermissionIDs {
			perm, ok := catalog.Permission(pid)
			require.True(t, ok)
			require.True(t, perm.CompatibleWith(d.BaseRoleID), "%s: %s", d.LegacyRoleID, pid)
		}
	}

	d, ok := table.Lookup("CFO")
	require.True(t, ok)
	require.Equal(t, rbac.RoleID("EXECUTIVE"), d.BaseRoleID)
	require.Empty(t, d.AdditionalPermissionIDs)
}

func TestNewTableValidation(t *testing.T) {
	catalog, err := rbac.DefaultCatalog()
	require.NoError(t, err)

	cases := map[string]string{
		"legacy_roles:\n  - id: SALES_STAFF\n    base_role: SALES_MANAGER\n":                                           "also a base role",
		"legacy_roles:\n  - id: OLD\n    base_role: NOPE\n":                                                         "unknown base role",
		"legacy_roles:\n  - id: OLD\n    base_role: SALES_STAFF\n    additional_permissions: [HR_DATA_ACCESS]\n":    "not compatible",
		"legacy_roles:\n  - id: OLD\n    base_role: SALES_STAFF\n    additional_permissions: [FLYING]\n":            "unknown permission",
		"legacy_roles:\n  - id: OLD\n    base_role: SALES_STAFF\n  - id: OLD\n    base_role: SALES_STAFF\n":         "duplicate legacy role",
	}
	for doc, want := range cases {
		_, err := LoadTable(strings.NewReader(doc), catalog)
		require.ErrorIs(t, err, ErrInvalidTable, doc)
		require.Contains(t, err.Error(), want)
	}

	_, err = LoadTable(strings.NewReader("legacy_rolez: []\n"), catalog)
	require.Error(t, err)
}
