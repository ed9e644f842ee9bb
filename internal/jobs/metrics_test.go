package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("access:migrate_all").End(nil))
	err := errors.New("boom")
	require.Same(t, err, m.Track("access:migrate_all").End(err))

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("access:migrate_all", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("access:migrate_all", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("access:migrate_all")))
}

func TestAddMigrationOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddMigrationOutcome("MIGRATED", false, 3)
	m.AddMigrationOutcome("MIGRATION_NEEDED", true, 2)
	m.AddMigrationOutcome("ERROR", false, 0)

	require.Equal(t, 3.0, testutil.ToFloat64(m.outcomes.WithLabelValues("MIGRATED", "apply")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("MIGRATION_NEEDED", "dry_run")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.outcomes.WithLabelValues("ERROR", "apply")))

	var nilMetrics *Metrics
	nilMetrics.AddMigrationOutcome("MIGRATED", false, 1)
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
