package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://example")
	t.Setenv("MIGRATION_WORKERS", "8")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "postgres://example", cfg.PGDSN)
	require.Equal(t, 8, cfg.MigrationWorkers)
	require.Equal(t, "additive-v1", cfg.MigrationVersion)
	require.Equal(t, 10*time.Second, cfg.AccessLockTTL)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("MIGRATION_WORKERS", "0")
	t.Setenv("ACCESS_LOCK_TTL", "0s")

	_, err := LoadConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "MIGRATION_WORKERS")
	require.Contains(t, err.Error(), "ACCESS_LOCK_TTL")
}

func TestLoadConfigReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.env")
	require.NoError(t, os.WriteFile(path, []byte("MIGRATION_STATUS_CRON=@hourly\nMIGRATION_WORKERS=99\n"), 0o600))
	t.Setenv(envFileVar, path)
	t.Setenv("MIGRATION_WORKERS", "3")
	t.Cleanup(func() { _ = os.Unsetenv("MIGRATION_STATUS_CRON") })

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "@hourly", cfg.MigrationStatusCron)
	require.Equal(t, 3, cfg.MigrationWorkers)

	t.Setenv(envFileVar, filepath.Join(t.TempDir(), "missing.env"))
	_, err = LoadConfig()
	require.ErrorContains(t, err, "missing.env")
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&Config{LogFormat: "json"}, &buf).Info("hello")
	require.True(t, strings.HasPrefix(buf.String(), "{"))

	buf.Reset()
	NewLogger(nil, &buf).Info("hello")
	require.Contains(t, buf.String(), "msg=hello")
}

func TestRouterHealthz(t *testing.T) {
	healthy := true
	router := NewRouter(RouterParams{
		Config:     &Config{},
		Metrics:    observability.NewMetrics(),
		JobHandler: jobs.NewHandler(nil, nil),
		Checks: map[string]Pinger{
			"postgres": PingFunc(func(ctx context.Context) error {
				if healthy {
					return nil
				}
				return errors.New("down")
			}),
		},
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	healthy = false
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, rr.Body.String(), "postgres")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, rr.Body.String())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `odyssey_http_requests_total{code="503",route="/healthz"} 1`)
}

func TestNewServerDefaults(t *testing.T) {
	srv := NewServer(nil, http.NotFoundHandler())
	require.Equal(t, ":8081", srv.Addr)
	require.Equal(t, 15*time.Second, srv.ReadTimeout)

	srv = NewServer(&Config{OpsAddr: ":9000", AppWriteTimeout: time.Second}, http.NotFoundHandler())
	require.Equal(t, ":9000", srv.Addr)
	require.Equal(t, time.Second, srv.WriteTimeout)
}

func TestLoadCatalogAndDecomposition(t *testing.T) {
	catalog, err := LoadCatalog(&Config{})
	require.NoError(t, err)
	table, err := LoadDecomposition(&Config{}, catalog)
	require.NoError(t, err)
	_, ok := table.Lookup("FINANCE_ANALYST")
	require.True(t, ok)

	_, err = LoadCatalog(&Config{AccessCatalogPath: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "legacy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("legacy_roles:\n  - id: SUPER_ADMIN\n    base_role: EXECUTIVE\n"), 0o600))
	_, err = LoadDecomposition(&Config{AccessDecompositionPath: path}, catalog)
	require.Error(t, err)
}

func TestNewAccessRequiresConfig(t *testing.T) {
	_, err := NewAccess(context.Background(), nil, nil)
	require.Error(t, err)

	_, err = NewAccess(context.Background(), &Config{AccessCatalogPath: filepath.Join(t.TempDir(), "missing.yaml")}, nil)
	require.Error(t, err)
}
