package perf

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
	"github.com/odyssey-erp/odyssey-access/internal/migration"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/testing/accesstest"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

var legacyRoles = []rbac.RoleID{"FINANCE_ANALYST", "SENIOR_ACCOUNTANT", "SALES_SUPERVISOR", "INVENTORY_CONTROLLER", "HR_ADMIN", "ACCOUNTING_STAFF"}

func seedStore(n int) *accesstest.Store {
	store := accesstest.NewStore()
	for i := 1; i <= n; i++ {
		store.Put(rbac.UserAccessRecord{UserID: int64(i), BaseRoleID: legacyRoles[i%len(legacyRoles)]})
	}
	return store
}

func newEngine(tb testing.TB, store *accesstest.Store, workers int) *migration.Engine {
	tb.Helper()
	catalog, err := rbac.DefaultCatalog()
	if err != nil {
		tb.Fatalf("catalog: %v", err)
	}
	table, err := migration.DefaultTable(catalog)
	if err != nil {
		tb.Fatalf("decomposition table: %v", err)
	}
	return migration.NewEngine(rbac.NewResolver(catalog), table, migration.Config{Store: store, Workers: workers})
}

func TestMigrationBatchThroughput(t *testing.T) {
	const users = 600
	store := seedStore(users)
	engine := newEngine(t, store, 8)

	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	job := jobs.NewAccessMigrationJob(engine, nil, nil, metrics)

	dry, err := jobs.NewMigrateAllTask(jobs.MigrateAllPayload{DryRun: true})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := job.HandleMigrateAll(context.Background(), dry); err != nil {
		t.Fatalf("dry run: %v", err)
	}

	apply, err := jobs.NewMigrateAllTask(jobs.MigrateAllPayload{ActingUserID: 1})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	start := time.Now()
	if err := job.HandleMigrateAll(context.Background(), apply); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("batch of %d users took %s", users, elapsed)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	// Every sixth user already holds a base role.
	base := float64(users / len(legacyRoles))
	needed := metricValue(t, families, "odyssey_access_migration_users_total", map[string]string{"status": string(migration.StatusMigrationNeeded), "mode": "dry_run"})
	migrated := metricValue(t, families, "odyssey_access_migration_users_total", map[string]string{"status": string(migration.StatusMigrated), "mode": "apply"})
	already := metricValue(t, families, "odyssey_access_migration_users_total", map[string]string{"status": string(migration.StatusAlreadyMigrated), "mode": "apply"})
	if needed != users-base || migrated != needed {
		t.Fatalf("dry run found %v pending, apply migrated %v", needed, migrated)
	}
	if already != base {
		t.Fatalf("expected %v users already on a base role, got %v", base, already)
	}

	runs := metricValue(t, families, "odyssey_jobs_total", map[string]string{"job": jobs.TaskAccessMigrateAll, "status": "success"})
	if runs != 2 {
		t.Fatalf("expected 2 successful runs, got %v", runs)
	}
	if mean := histogramMean(t, families, "odyssey_job_duration_seconds", map[string]string{"job": jobs.TaskAccessMigrateAll}); mean > 2.5 {
		t.Fatalf("batch duration above budget: %f", mean)
	}
}

func BenchmarkHasPermission(b *testing.B) {
	catalog, err := rbac.DefaultCatalog()
	if err != nil {
		b.Fatalf("catalog: %v", err)
	}
	resolver := rbac.NewResolver(catalog)
	record := rbac.UserAccessRecord{
		UserID:                  1,
		BaseRoleID:              "ACCOUNTING_MANAGER",
		AdditionalPermissionIDs: []rbac.PermissionID{"FINANCE_ANALYTICS", "GLOBAL_REPORTING", "SALES_DATA_ACCESS"},
	}
	tokens := []rbac.Token{"accounting.view", "finance.gl.view", "reports.global.view", "hr.approve"}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resolver.HasPermission(record, tokens[i%len(tokens)])
	}
}

func BenchmarkMigrateAllUsers(b *testing.B) {
	for _, workers := range []int{1, 4, 16} {
		b.Run(fmt.Sprintf("workers=%d", workers), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				engine := newEngine(b, seedStore(200), workers)
				b.StartTimer()
				if _, err := engine.MigrateAllUsers(context.Background(), migration.Options{}); err != nil {
					b.Fatalf("migrate: %v", err)
				}
			}
		})
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; !ok || lp.GetValue() != val {
			return false
		}
	}
	return true
}
