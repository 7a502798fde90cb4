package app

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callpulse/internal/config"
)

func newTestApp(t *testing.T) *Application {
	t.Helper()

	cfg := config.Default()
	cfg.Security.LicenseSecret = "app-test-secret"
	cfg.Security.AdminKey = "app-test-admin"
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "licenses.db")
	cfg.Logging.Output = "stdout"
	cfg.Logging.Level = "error"
	cfg.Telemetry.EnableMetrics = false

	a, err := NewWithConfig(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Store.Close() })
	return a
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestRouterMountsLicenseAPI(t *testing.T) {
	a := newTestApp(t)

	// Unauthenticated create is refused by the admin gate, proving the
	// license routes are mounted behind it.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/license/create", nil)
	a.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The stateless info endpoint answers without auth.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/license/info/TRI-AAAAAA-BBBBBB-CCCCCC-DDDDDD", nil)
	a.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trial")
}

func TestSecurityHeadersApplied(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
