package fhir

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/precise-hbr-cdss/internal/config"
	"github.com/precise-hbr-cdss/internal/domain"
	"github.com/precise-hbr-cdss/internal/ruleset"
)

// Category names reported in ClinicalBundle.FailedCategories. Lab parameters
// report under their own names.
const (
	CategorySmoking     = "SMOKING"
	CategoryConditions  = "CONDITIONS"
	CategoryMedications = "MEDICATIONS"
	CategoryProcedures  = "PROCEDURES"
)

const demographicsCacheSize = 256

// Retriever assembles a complete ClinicalBundle from a FHIR server. Lab
// categories are fetched concurrently under a shared limit; any category
// that cannot be retrieved is reported in FailedCategories and left empty
// so assessment degrades instead of aborting. Only a failed Patient read
// aborts retrieval, since nothing can be scored without demographics.
type Retriever struct {
	client        *Client
	cache         *CacheClient
	demographics  *lru.Cache
	breakers      map[string]*gobreaker.CircuitBreaker
	maxConcurrent int
	logger        *logrus.Logger
}

// NewRetriever creates a retriever. cache may be nil when response caching
// is disabled.
func NewRetriever(client *Client, cache *CacheClient, cfg config.FHIRConfig, logger *logrus.Logger) (*Retriever, error) {
	demoCache, err := lru.New(demographicsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create demographics cache: %w", err)
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, name := range []string{"Patient", "Observation", "Condition", "MedicationRequest", "Procedure"} {
		breakers[name] = newResourceBreaker(name, logger)
	}

	return &Retriever{
		client:        client,
		cache:         cache,
		demographics:  demoCache,
		breakers:      breakers,
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}, nil
}

func newResourceBreaker(name string, logger *logrus.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
}

// CacheHealthy reports whether the response cache is reachable. A disabled
// cache counts as healthy.
func (r *Retriever) CacheHealthy(ctx context.Context) bool {
	if r.cache == nil {
		return true
	}
	return r.cache.Ping(ctx) == nil
}

// Retrieve fetches everything the assessment pipeline needs for one patient.
func (r *Retriever) Retrieve(ctx context.Context, target Target, patientID string, rs *ruleset.Ruleset) (*domain.ClinicalBundle, error) {
	demo, err := r.patientDemographics(ctx, target, patientID)
	if err != nil {
		// Without demographics no component can be scored, so retrieval
		// aborts instead of degrading.
		return nil, fmt.Errorf("patient lookup failed: %w: %w", domain.ErrMissingDemographics, err)
	}

	bundle := &domain.ClinicalBundle{
		Demographics: *demo,
		Observations: make(map[domain.LabParameter][]domain.ObservationRecord, len(domain.LabParameters)),
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, r.maxConcurrent)
	)

	run := func(category string, fetch func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				bundle.FailedCategories = append(bundle.FailedCategories, category)
				mu.Unlock()
				return
			}
			defer func() { <-sem }()

			if err := fetch(); err != nil {
				r.logger.WithFields(logrus.Fields{
					"category": category,
					"patient":  patientID,
					"error":    err.Error(),
				}).Warn("Clinical category retrieval failed, continuing without it")
				mu.Lock()
				bundle.FailedCategories = append(bundle.FailedCategories, category)
				mu.Unlock()
			}
		}()
	}

	for _, param := range domain.LabParameters {
		rule, ok := rs.Lab(param)
		if !ok {
			continue
		}
		param, rule := param, rule
		run(param.String(), func() error {
			records, err := r.labObservations(ctx, target, patientID, param, rule)
			if err != nil {
				return err
			}
			mu.Lock()
			bundle.Observations[param] = records
			mu.Unlock()
			return nil
		})
	}

	run(CategorySmoking, func() error {
		records, err := r.observationsByCode(ctx, target, patientID, []string{rs.Tradeoff.Smoking.LOINCCode})
		if err != nil {
			return err
		}
		mu.Lock()
		bundle.SmokingObservations = records
		mu.Unlock()
		return nil
	})

	run(CategoryConditions, func() error {
		records, err := r.conditions(ctx, target, patientID)
		if err != nil {
			return err
		}
		mu.Lock()
		bundle.Conditions = records
		mu.Unlock()
		return nil
	})

	run(CategoryMedications, func() error {
		records, err := r.medications(ctx, target, patientID)
		if err != nil {
			return err
		}
		mu.Lock()
		bundle.Medications = records
		mu.Unlock()
		return nil
	})

	run(CategoryProcedures, func() error {
		records, err := r.procedures(ctx, target, patientID)
		if err != nil {
			return err
		}
		mu.Lock()
		bundle.Procedures = records
		mu.Unlock()
		return nil
	})

	wg.Wait()

	sort.Strings(bundle.FailedCategories)
	r.logger.WithFields(logrus.Fields{
		"patient":           patientID,
		"conditions":        len(bundle.Conditions),
		"medications":       len(bundle.Medications),
		"procedures":        len(bundle.Procedures),
		"failed_categories": bundle.FailedCategories,
	}).Info("Clinical bundle assembled")

	return bundle, nil
}

// patientDemographics reads the Patient resource through a small in-process
// LRU keyed by server and patient ID.
func (r *Retriever) patientDemographics(ctx context.Context, target Target, patientID string) (*domain.Demographics, error) {
	cacheKey := target.BaseURL + "|" + patientID
	if cached, ok := r.demographics.Get(cacheKey); ok {
		demo := cached.(domain.Demographics)
		return &demo, nil
	}

	result, err := r.breakers["Patient"].Execute(func() (interface{}, error) {
		return r.client.GetPatient(ctx, target, patientID)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, fmt.Errorf("FHIR server unavailable (circuit breaker open)")
		}
		return nil, err
	}

	demo := result.(*domain.Demographics)
	r.demographics.Add(cacheKey, *demo)
	return demo, nil
}

// labObservations resolves one lab parameter: coded search first, then the
// configured text terms in order, stopping at the first term that returns
// records. A search error only fails the category when no earlier attempt
// produced records and no later one can.
func (r *Retriever) labObservations(ctx context.Context, target Target, patientID string, param domain.LabParameter, rule ruleset.LabRule) ([]domain.ObservationRecord, error) {
	var lastErr error

	if len(rule.LOINCCodes) > 0 {
		records, err := r.observationsByCode(ctx, target, patientID, rule.LOINCCodes)
		if err != nil {
			lastErr = err
			r.logger.WithFields(logrus.Fields{
				"parameter": param.String(),
				"error":     err.Error(),
			}).Debug("Coded observation search failed")
		} else if len(records) > 0 {
			return records, nil
		}
	}

	for _, term := range rule.TextSearch {
		records, err := r.observationsByText(ctx, target, patientID, term)
		if err != nil {
			lastErr = err
			r.logger.WithFields(logrus.Fields{
				"parameter": param.String(),
				"term":      term,
				"error":     err.Error(),
			}).Debug("Text observation search failed")
			continue
		}
		if len(records) > 0 {
			r.logger.WithFields(logrus.Fields{
				"parameter": param.String(),
				"term":      term,
			}).Info("Observation resolved by text search")
			return records, nil
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

func (r *Retriever) observationsByCode(ctx context.Context, target Target, patientID string, codes []string) ([]domain.ObservationRecord, error) {
	key := searchKey("observation", target, patientID, "code="+strings.Join(codes, ","))
	if r.cache != nil {
		if records, found, err := r.cache.GetObservations(ctx, key); err == nil && found {
			return records, nil
		}
	}

	result, err := r.breakers["Observation"].Execute(func() (interface{}, error) {
		return r.client.SearchObservationsByCode(ctx, target, patientID, codes)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, fmt.Errorf("observation search unavailable (circuit breaker open)")
		}
		return nil, err
	}

	records := result.([]domain.ObservationRecord)
	r.cacheObservations(ctx, key, records)
	return records, nil
}

func (r *Retriever) observationsByText(ctx context.Context, target Target, patientID, term string) ([]domain.ObservationRecord, error) {
	key := searchKey("observation", target, patientID, "text="+term)
	if r.cache != nil {
		if records, found, err := r.cache.GetObservations(ctx, key); err == nil && found {
			return records, nil
		}
	}

	result, err := r.breakers["Observation"].Execute(func() (interface{}, error) {
		return r.client.SearchObservationsByText(ctx, target, patientID, term)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, fmt.Errorf("observation search unavailable (circuit breaker open)")
		}
		return nil, err
	}

	records := result.([]domain.ObservationRecord)
	r.cacheObservations(ctx, key, records)
	return records, nil
}

func (r *Retriever) cacheObservations(ctx context.Context, key string, records []domain.ObservationRecord) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetObservations(ctx, key, records, 0); err != nil {
		r.logger.WithError(err).Debug("Failed to cache observation search")
	}
}

func (r *Retriever) conditions(ctx context.Context, target Target, patientID string) ([]domain.ConditionRecord, error) {
	key := searchKey("condition", target, patientID, "all")
	if r.cache != nil {
		if records, found, err := r.cache.GetConditions(ctx, key); err == nil && found {
			return records, nil
		}
	}

	result, err := r.breakers["Condition"].Execute(func() (interface{}, error) {
		return r.client.SearchConditions(ctx, target, patientID)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, fmt.Errorf("condition search unavailable (circuit breaker open)")
		}
		return nil, err
	}

	records := result.([]domain.ConditionRecord)
	if r.cache != nil {
		if cacheErr := r.cache.SetConditions(ctx, key, records, 0); cacheErr != nil {
			r.logger.WithError(cacheErr).Debug("Failed to cache condition search")
		}
	}
	return records, nil
}

func (r *Retriever) medications(ctx context.Context, target Target, patientID string) ([]domain.MedicationRecord, error) {
	key := searchKey("medicationrequest", target, patientID, "all")
	if r.cache != nil {
		if records, found, err := r.cache.GetMedications(ctx, key); err == nil && found {
			return records, nil
		}
	}

	result, err := r.breakers["MedicationRequest"].Execute(func() (interface{}, error) {
		return r.client.SearchMedicationRequests(ctx, target, patientID)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, fmt.Errorf("medication search unavailable (circuit breaker open)")
		}
		return nil, err
	}

	records := result.([]domain.MedicationRecord)
	if r.cache != nil {
		if cacheErr := r.cache.SetMedications(ctx, key, records, 0); cacheErr != nil {
			r.logger.WithError(cacheErr).Debug("Failed to cache medication search")
		}
	}
	return records, nil
}

func (r *Retriever) procedures(ctx context.Context, target Target, patientID string) ([]domain.ProcedureRecord, error) {
	key := searchKey("procedure", target, patientID, "all")
	if r.cache != nil {
		if records, found, err := r.cache.GetProcedures(ctx, key); err == nil && found {
			return records, nil
		}
	}

	result, err := r.breakers["Procedure"].Execute(func() (interface{}, error) {
		return r.client.SearchProcedures(ctx, target, patientID)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, fmt.Errorf("procedure search unavailable (circuit breaker open)")
		}
		return nil, err
	}

	records := result.([]domain.ProcedureRecord)
	if r.cache != nil {
		if cacheErr := r.cache.SetProcedures(ctx, key, records, 0); cacheErr != nil {
			r.logger.WithError(cacheErr).Debug("Failed to cache procedure search")
		}
	}
	return records, nil
}
