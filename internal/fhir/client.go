package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/precise-hbr-cdss/internal/config"
	"github.com/precise-hbr-cdss/internal/domain"
)

// Target identifies one FHIR server connection. Base URL and token arrive
// per request from the caller, never from configuration.
type Target struct {
	BaseURL     string
	AccessToken string
}

// Backoff intervals between retried requests. Each retry doubles the delay
// up to the cap.
const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// Client executes FHIR REST searches against arbitrary targets with shared
// rate limiting, bounded retries and page sizing.
type Client struct {
	httpClient *http.Client
	rateLimit  *rate.Limiter
	retryCount int
	pageCount  int
}

// NewClient creates a FHIR search client from the retrieval configuration.
func NewClient(cfg config.FHIRConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 10
	}
	retries := cfg.RetryCount
	if retries < 0 {
		retries = 0
	}
	pageCount := cfg.PageCount
	if pageCount <= 0 {
		pageCount = 200
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		rateLimit:  rate.NewLimiter(rate.Limit(rps), 1),
		retryCount: retries,
		pageCount:  pageCount,
	}
}

// GetPatient reads the Patient resource and extracts demographics.
func (c *Client) GetPatient(ctx context.Context, target Target, patientID string) (*domain.Demographics, error) {
	if err := c.rateLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	body, err := c.get(ctx, target, "Patient/"+url.PathEscape(patientID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read Patient %s: %w", patientID, err)
	}

	var patient patientResource
	if err := json.Unmarshal(body, &patient); err != nil {
		return nil, fmt.Errorf("failed to parse Patient resource: %w", err)
	}

	demo := patient.toDemographics(time.Now().UTC())
	return &demo, nil
}

// SearchObservationsByCode searches Observations by a list of coded search
// tokens. A small page suffices since only the most recent record is used.
func (c *Client) SearchObservationsByCode(ctx context.Context, target Target, patientID string, codes []string) ([]domain.ObservationRecord, error) {
	params := url.Values{
		"patient": {patientID},
		"code":    {strings.Join(codes, ",")},
		"_count":  {"5"},
	}
	return c.searchObservations(ctx, target, params)
}

// SearchObservationsByText searches Observations by the display text of their
// code, the fallback path for servers without clean LOINC coding.
func (c *Client) SearchObservationsByText(ctx context.Context, target Target, patientID, term string) ([]domain.ObservationRecord, error) {
	params := url.Values{
		"patient":   {patientID},
		"code:text": {term},
		"_count":    {"5"},
	}
	return c.searchObservations(ctx, target, params)
}

func (c *Client) searchObservations(ctx context.Context, target Target, params url.Values) ([]domain.ObservationRecord, error) {
	if err := c.rateLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	body, err := c.get(ctx, target, "Observation", params)
	if err != nil {
		return nil, fmt.Errorf("observation search failed: %w", err)
	}

	var bundle searchBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse Observation bundle: %w", err)
	}

	records := make([]domain.ObservationRecord, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var obs observationResource
		if err := json.Unmarshal(entry.Resource, &obs); err != nil {
			continue
		}
		records = append(records, obs.toDomain())
	}
	return records, nil
}

// SearchConditions returns the patient's condition list.
func (c *Client) SearchConditions(ctx context.Context, target Target, patientID string) ([]domain.ConditionRecord, error) {
	if err := c.rateLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	params := url.Values{
		"patient": {patientID},
		"_count":  {strconv.Itoa(c.pageCount)},
	}
	body, err := c.get(ctx, target, "Condition", params)
	if err != nil {
		return nil, fmt.Errorf("condition search failed: %w", err)
	}

	var bundle searchBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse Condition bundle: %w", err)
	}

	records := make([]domain.ConditionRecord, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var cond conditionResource
		if err := json.Unmarshal(entry.Resource, &cond); err != nil {
			continue
		}
		records = append(records, cond.toDomain())
	}
	return records, nil
}

// SearchMedicationRequests returns the patient's medication orders.
func (c *Client) SearchMedicationRequests(ctx context.Context, target Target, patientID string) ([]domain.MedicationRecord, error) {
	if err := c.rateLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	params := url.Values{
		"patient": {patientID},
		"_count":  {strconv.Itoa(c.pageCount)},
	}
	body, err := c.get(ctx, target, "MedicationRequest", params)
	if err != nil {
		return nil, fmt.Errorf("medication request search failed: %w", err)
	}

	var bundle searchBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse MedicationRequest bundle: %w", err)
	}

	records := make([]domain.MedicationRecord, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var med medicationRequestResource
		if err := json.Unmarshal(entry.Resource, &med); err != nil {
			continue
		}
		records = append(records, med.toDomain())
	}
	return records, nil
}

// SearchProcedures returns the patient's procedure history.
func (c *Client) SearchProcedures(ctx context.Context, target Target, patientID string) ([]domain.ProcedureRecord, error) {
	if err := c.rateLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	params := url.Values{
		"patient": {patientID},
		"_count":  {strconv.Itoa(c.pageCount)},
	}
	body, err := c.get(ctx, target, "Procedure", params)
	if err != nil {
		return nil, fmt.Errorf("procedure search failed: %w", err)
	}

	var bundle searchBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse Procedure bundle: %w", err)
	}

	records := make([]domain.ProcedureRecord, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var proc procedureResource
		if err := json.Unmarshal(entry.Resource, &proc); err != nil {
			continue
		}
		records = append(records, proc.toDomain())
	}
	return records, nil
}

// transientError marks a failure worth retrying: a transport error or a
// server-side 5xx response. Client errors pass through immediately.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// get performs a GET against the target, retrying transient failures up to
// the configured retry count with exponential backoff, and returns the raw
// body.
func (c *Client) get(ctx context.Context, target Target, path string, params url.Values) ([]byte, error) {
	requestURL := strings.TrimRight(target.BaseURL, "/") + "/" + path
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		body, err := c.doGet(ctx, target, requestURL)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var transient *transientError
		if !errors.As(err, &transient) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doGet(ctx context.Context, target Target, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/fhir+json")
	if target.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+target.AccessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transientError{fmt.Errorf("failed to execute request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("FHIR server rejected credentials with status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("FHIR server returned status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &transientError{statusErr}
		}
		return nil, statusErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}
