package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precise-hbr-cdss/internal/audit"
	"github.com/precise-hbr-cdss/internal/config"
	"github.com/precise-hbr-cdss/internal/fhir"
	"github.com/precise-hbr-cdss/internal/ruleset"
	"github.com/precise-hbr-cdss/internal/service"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T) (*Server, audit.Store) {
	t.Helper()

	manager, err := config.NewManager()
	require.NoError(t, err)

	logger := testLogger()
	loader := ruleset.NewLoader(filepath.Join("..", "..", "ruleset.json"), logger)
	assessor := service.NewAssessor(loader, logger)

	cfg := manager.GetConfig()
	retriever, err := fhir.NewRetriever(fhir.NewClient(cfg.FHIR), nil, cfg.FHIR, logger)
	require.NoError(t, err)

	store, err := audit.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewServer(manager, assessor, retriever, loader, store, logger), store
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	recorder := httptest.NewRecorder()
	s.Handler().ServeHTTP(recorder, req)

	var decoded map[string]interface{}
	if recorder.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	}
	return recorder, decoded
}

func inlineBundle(age int) map[string]interface{} {
	return map[string]interface{}{
		"bundle": map[string]interface{}{
			"demographics": map[string]interface{}{"age": age},
		},
	}
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)

	recorder, body := doRequest(t, server, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["ruleset_version"])
	assert.NotContains(t, body, "cache")
}

func TestHealthDegradedWithoutRuleset(t *testing.T) {
	server, _ := newTestServer(t)
	server.loader = ruleset.NewLoader(filepath.Join(t.TempDir(), "missing.json"), testLogger())
	server.assessor = service.NewAssessor(server.loader, testLogger())

	recorder, body := doRequest(t, server, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestAssessInlineBundle(t *testing.T) {
	server, _ := newTestServer(t)

	recorder, body := doRequest(t, server, http.MethodPost, "/api/v1/assess", inlineBundle(75))

	require.Equal(t, http.StatusOK, recorder.Code)

	assessment, ok := body["assessment"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(13), assessment["finalScore"])
	assert.Equal(t, "Not high bleeding risk", assessment["category"])
	assert.NotEmpty(t, assessment["recommendation"])
	assert.Greater(t, assessment["bleedingRiskPercent"].(float64), 0.0)

	demographics, ok := body["demographics"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(75), demographics["age"])
}

func TestAssessSecurityHeaders(t *testing.T) {
	server, _ := newTestServer(t)

	recorder, _ := doRequest(t, server, http.MethodGet, "/health", nil)

	assert.Equal(t, "nosniff", recorder.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, recorder.Header().Get("X-Correlation-ID"))
}

func TestAssessRejectsEmptyRequest(t *testing.T) {
	server, _ := newTestServer(t)

	recorder, body := doRequest(t, server, http.MethodPost, "/api/v1/assess", map[string]interface{}{})

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, body["error"], "required")
	assert.NotEmpty(t, body["correlation_id"])
}

func TestAssessRejectsMalformedBody(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/assess", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestAssessRulesetUnavailable(t *testing.T) {
	server, _ := newTestServer(t)
	server.loader = ruleset.NewLoader(filepath.Join(t.TempDir(), "missing.json"), testLogger())
	server.assessor = service.NewAssessor(server.loader, testLogger())

	recorder, _ := doRequest(t, server, http.MethodPost, "/api/v1/assess", inlineBundle(75))

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

func TestAssessRecordsAudit(t *testing.T) {
	server, store := newTestServer(t)

	recorder, _ := doRequest(t, server, http.MethodPost, "/api/v1/assess", inlineBundle(75))
	require.Equal(t, http.StatusOK, recorder.Code)

	ctx := context.Background()
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	entries, err := store.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "inline", entries[0].PatientRef)
	assert.Equal(t, 13, entries[0].FinalScore)
	assert.NotEmpty(t, entries[0].RulesetVersion)
}

func TestAssessWithoutAuditStore(t *testing.T) {
	server, _ := newTestServer(t)
	server.auditStore = nil

	recorder, _ := doRequest(t, server, http.MethodPost, "/api/v1/assess", inlineBundle(75))

	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestTradeoffInlineBundle(t *testing.T) {
	server, _ := newTestServer(t)

	recorder, body := doRequest(t, server, http.MethodPost, "/api/v1/tradeoff", inlineBundle(70))

	require.Equal(t, http.StatusOK, recorder.Code)

	result, ok := body["tradeoff"].(map[string]interface{})
	require.True(t, ok)
	assert.Greater(t, result["bleedingRiskPercent"].(float64), 2.5)
	assert.InDelta(t, 2.5, result["thromboticRiskPercent"].(float64), 1e-9)

	active, ok := body["active_factors"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, active[service.FactorAge65])
}

func TestTradeoffFactorOverride(t *testing.T) {
	server, _ := newTestServer(t)

	request := map[string]interface{}{
		"bundle":           map[string]interface{}{"demographics": map[string]interface{}{}},
		"factor_overrides": map[string]bool{service.FactorSmoker: true},
	}
	recorder, body := doRequest(t, server, http.MethodPost, "/api/v1/tradeoff", request)

	require.Equal(t, http.StatusOK, recorder.Code)

	result, ok := body["tradeoff"].(map[string]interface{})
	require.True(t, ok)
	assert.InDelta(t, 3.65, result["bleedingRiskPercent"].(float64), 0.01)
	assert.InDelta(t, 3.68, result["thromboticRiskPercent"].(float64), 0.01)
}

func TestTradeoffUnknownFactor(t *testing.T) {
	server, _ := newTestServer(t)

	request := map[string]interface{}{
		"bundle":           map[string]interface{}{"demographics": map[string]interface{}{}},
		"factor_overrides": map[string]bool{"bogus": true},
	}
	recorder, body := doRequest(t, server, http.MethodPost, "/api/v1/tradeoff", request)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, body["error"], "unknown")
}

func TestRulesetEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	recorder, body := doRequest(t, server, http.MethodGet, "/api/v1/ruleset", nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.NotEmpty(t, body["version"])
	assert.NotEmpty(t, body["source"])
	assert.NotContains(t, body, "parameters")
}

func TestCORSPreflight(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/assess", nil)
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
}
