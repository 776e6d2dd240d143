package fhir

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precise-hbr-cdss/internal/config"
)

func testClient() *Client {
	return NewClient(testFHIRConfig())
}

func testFHIRConfig() config.FHIRConfig {
	return config.FHIRConfig{
		Timeout:       5 * time.Second,
		RateLimit:     1000,
		MaxConcurrent: 4,
		PageCount:     100,
	}
}

func TestGetPatient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Patient/abc-123", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/fhir+json", r.Header.Get("Accept"))
		w.Write([]byte(`{"resourceType": "Patient", "name": [{"text": "Test Patient"}], "gender": "male", "birthDate": "1950-01-01"}`))
	}))
	defer server.Close()

	client := testClient()
	demo, err := client.GetPatient(context.Background(), Target{BaseURL: server.URL, AccessToken: "tok-1"}, "abc-123")
	require.NoError(t, err)

	assert.Equal(t, "Test Patient", demo.Name)
	require.NotNil(t, demo.Age)
	assert.GreaterOrEqual(t, *demo.Age, 76)
}

func TestGetPatientNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"resourceType": "OperationOutcome"}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := testClient()
	_, err := client.GetPatient(context.Background(), Target{BaseURL: server.URL}, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestGetPatientAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := testClient()
	_, err := client.GetPatient(context.Background(), Target{BaseURL: server.URL, AccessToken: "expired"}, "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
}

func TestSearchObservationsByCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Observation", r.URL.Path)
		query := r.URL.Query()
		assert.Equal(t, "pt-1", query.Get("patient"))
		assert.Equal(t, "718-7,20509-6", query.Get("code"))
		assert.Equal(t, "5", query.Get("_count"))
		w.Write([]byte(`{
			"resourceType": "Bundle",
			"entry": [
				{"resource": {"code": {"coding": [{"system": "http://loinc.org", "code": "718-7"}]}, "valueQuantity": {"value": 12.1, "unit": "g/dL"}, "effectiveDateTime": "2026-02-01"}},
				{"resource": {"code": {"coding": [{"system": "http://loinc.org", "code": "718-7"}]}, "valueQuantity": {"value": 11.8, "unit": "g/dL"}, "effectiveDateTime": "2026-01-01"}}
			]
		}`))
	}))
	defer server.Close()

	client := testClient()
	records, err := client.SearchObservationsByCode(context.Background(), Target{BaseURL: server.URL}, "pt-1", []string{"718-7", "20509-6"})
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, 12.1, *records[0].Value.Value)
}

func TestSearchObservationsByText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "hemoglobin", r.URL.Query().Get("code:text"))
		w.Write([]byte(`{"resourceType": "Bundle", "entry": []}`))
	}))
	defer server.Close()

	client := testClient()
	records, err := client.SearchObservationsByText(context.Background(), Target{BaseURL: server.URL}, "pt-1", "hemoglobin")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSearchConditionsPageCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Condition", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("_count"))
		w.Write([]byte(`{
			"resourceType": "Bundle",
			"entry": [{"resource": {"code": {"coding": [{"system": "http://snomed.info/sct", "code": "73211009"}], "text": "Diabetes"}, "clinicalStatus": {"coding": [{"code": "active"}]}}}]
		}`))
	}))
	defer server.Close()

	client := testClient()
	records, err := client.SearchConditions(context.Background(), Target{BaseURL: server.URL}, "pt-1")
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "active", records[0].ClinicalStatus)
}

func TestSearchMedicationRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/MedicationRequest", r.URL.Path)
		w.Write([]byte(`{
			"resourceType": "Bundle",
			"entry": [{"resource": {"status": "active", "medicationCodeableConcept": {"text": "Apixaban 5 MG"}}}]
		}`))
	}))
	defer server.Close()

	client := testClient()
	records, err := client.SearchMedicationRequests(context.Background(), Target{BaseURL: server.URL}, "pt-1")
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "Apixaban 5 MG", records[0].Text)
}

func TestSearchProcedures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Procedure", r.URL.Path)
		w.Write([]byte(`{
			"resourceType": "Bundle",
			"entry": [{"resource": {"code": {"coding": [{"system": "http://snomed.info/sct", "code": "397682003"}], "text": "Complex PCI"}}}]
		}`))
	}))
	defer server.Close()

	client := testClient()
	records, err := client.SearchProcedures(context.Background(), Target{BaseURL: server.URL}, "pt-1")
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.True(t, records[0].HasCode("http://snomed.info/sct", "397682003"))
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"resourceType": "Patient", "name": [{"text": "Retry Patient"}]}`))
	}))
	defer server.Close()

	cfg := testFHIRConfig()
	cfg.RetryCount = 2
	client := NewClient(cfg)

	demo, err := client.GetPatient(context.Background(), Target{BaseURL: server.URL}, "pt-9")
	require.NoError(t, err)
	assert.Equal(t, "Retry Patient", demo.Name)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such patient", http.StatusNotFound)
	}))
	defer server.Close()

	cfg := testFHIRConfig()
	cfg.RetryCount = 3
	client := NewClient(cfg)

	_, err := client.GetPatient(context.Background(), Target{BaseURL: server.URL}, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "still down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testFHIRConfig()
	cfg.RetryCount = 1
	client := NewClient(cfg)

	_, err := client.GetPatient(context.Background(), Target{BaseURL: server.URL}, "pt-9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearchSkipsMalformedEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"resourceType": "Bundle",
			"entry": [
				{},
				{"resource": {"code": {"coding": [{"system": "http://loinc.org", "code": "6690-2"}]}, "valueQuantity": {"value": 8.2, "unit": "10*9/L"}}}
			]
		}`))
	}))
	defer server.Close()

	client := testClient()
	records, err := client.SearchObservationsByCode(context.Background(), Target{BaseURL: server.URL}, "pt-1", []string{"6690-2"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
