package guard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callpulse/internal/client"
	"callpulse/internal/config"
	apperrors "callpulse/internal/errors"
	"callpulse/internal/license"
)

const testKey = "ENT-AB12CD-34EF56-GH78IJ-KL90MN"

// issuerState drives the fake license server responses.
type issuerState struct {
	validateHits int64
	license      func() *license.License
	denyCode     string
}

func (s *issuerState) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/license/activate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"license": s.license(),
		})
	})
	mux.HandleFunc("/api/license/validate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.validateHits, 1)
		if s.denyCode != "" {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"valid": false,
				"code":  s.denyCode,
				"error": "denied",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"valid":   true,
			"license": s.license(),
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func activeLicense(t license.Type, features ...string) func() *license.License {
	return func() *license.License {
		return &license.License{
			ID:               "lic-1",
			Status:           license.StatusActive,
			Type:             t,
			Features:         features,
			MaxAgents:        10,
			MaxCallsPerMonth: 5000,
		}
	}
}

func newGuard(t *testing.T, state *issuerState, policies map[string]Policy) *Guard {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := client.New(config.ClientConfig{
		ServerURL:        state.server(t).URL,
		Timeout:          2 * time.Second,
		PositiveCacheTTL: 5 * time.Minute,
		NegativeCacheTTL: time.Minute,
	}, logger)
	t.Cleanup(c.Close)

	_, err := c.Activate(context.Background(), testKey)
	require.NoError(t, err)

	return New(c, policies, logger)
}

func TestUnlistedOperationAllowed(t *testing.T) {
	state := &issuerState{license: activeLicense(license.TypeTrial)}
	g := newGuard(t, state, map[string]Policy{})

	before := atomic.LoadInt64(&state.validateHits)
	ent, err := g.Check(context.Background(), "health_check")
	require.NoError(t, err)
	require.NotNil(t, ent)

	// No validation round trip for unprotected operations.
	assert.Equal(t, before, atomic.LoadInt64(&state.validateHits))
}

func TestSkipPolicyBypassesValidation(t *testing.T) {
	state := &issuerState{license: activeLicense(license.TypeTrial)}
	g := newGuard(t, state, map[string]Policy{
		"public_status": {Skip: true},
	})

	before := atomic.LoadInt64(&state.validateHits)
	_, err := g.Check(context.Background(), "public_status")
	require.NoError(t, err)
	assert.Equal(t, before, atomic.LoadInt64(&state.validateHits))
}

func TestFeatureDenialListsAvailableFeatures(t *testing.T) {
	state := &issuerState{license: activeLicense(license.TypeStandard,
		license.FeatureBasicCalls, license.FeatureCallRecording)}
	g := newGuard(t, state, map[string]Policy{
		"export_analytics": {RequiredFeature: license.FeatureAdvancedAnalytics},
	})

	_, err := g.Check(context.Background(), "export_analytics")
	require.Error(t, err)

	var denial *Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, apperrors.CodeGuardFeatureMissing, denial.Code)
	assert.ElementsMatch(t,
		[]string{license.FeatureBasicCalls, license.FeatureCallRecording},
		denial.AvailableFeatures)
}

func TestTierDenial(t *testing.T) {
	state := &issuerState{license: activeLicense(license.TypeTrial, license.FeatureBasicCalls)}
	g := newGuard(t, state, map[string]Policy{
		"bulk_import": {RequiredType: license.TypeStandard},
	})

	_, err := g.Check(context.Background(), "bulk_import")
	var denial *Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, apperrors.CodeGuardInsufficientTier, denial.Code)
}

func TestTierOrderingSatisfiedByHigherTier(t *testing.T) {
	state := &issuerState{license: activeLicense(license.TypeEnterprise, license.FeatureBasicCalls)}
	g := newGuard(t, state, map[string]Policy{
		"bulk_import": {RequiredType: license.TypeStandard},
	})

	ent, err := g.Check(context.Background(), "bulk_import")
	require.NoError(t, err)
	assert.True(t, ent.CanUseAgents(10))
	assert.False(t, ent.CanUseAgents(11))
	assert.True(t, ent.CanMakeCalls(100))
}

func TestInvalidLicenseDenial(t *testing.T) {
	state := &issuerState{
		license:  activeLicense(license.TypeStandard),
		denyCode: apperrors.CodeRevoked,
	}
	g := newGuard(t, state, map[string]Policy{
		"make_call": {RequiredFeature: license.FeatureBasicCalls},
	})

	_, err := g.Check(context.Background(), "make_call")
	var denial *Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, apperrors.CodeGuardInvalid, denial.Code)
}

func TestExpiredLicenseDenialCode(t *testing.T) {
	state := &issuerState{
		license:  activeLicense(license.TypeStandard),
		denyCode: apperrors.CodeExpired,
	}
	g := newGuard(t, state, map[string]Policy{
		"make_call": {RequiredFeature: license.FeatureBasicCalls},
	})

	_, err := g.Check(context.Background(), "make_call")
	var denial *Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, apperrors.CodeGuardExpired, denial.Code)
}

func TestMiddlewareAttachesEntitlements(t *testing.T) {
	state := &issuerState{license: activeLicense(license.TypeStandard, license.FeatureBasicCalls)}
	g := newGuard(t, state, map[string]Policy{
		"make_call": {RequiredFeature: license.FeatureBasicCalls},
	})

	var seen *Entitlements
	h := g.Middleware("make_call")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calls", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.True(t, seen.HasFeature(license.FeatureBasicCalls))
}

func TestMiddlewareDenialBody(t *testing.T) {
	state := &issuerState{license: activeLicense(license.TypeStandard, license.FeatureBasicCalls)}
	g := newGuard(t, state, map[string]Policy{
		"record_call": {RequiredFeature: license.FeatureCallRecording},
	})

	h := g.Middleware("record_call")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run on denial")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calls/record", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, apperrors.CodeGuardFeatureMissing, body["code"])
	assert.Contains(t, body["available_features"], license.FeatureBasicCalls)
}
