package validation

import (
	"context"

	"bitbucket.org/mmdatafocus/entitlements_backend/models"
)

// AsyncEnqueuer is the slice of the async store the ingestion path needs.
type AsyncEnqueuer interface {
	EnqueueAsyncValidation(ctx context.Context, record *models.EntitlementRecord, ruleId string, ruleName string) (*models.AsyncValidationResult, error)
}

// ProcessRecord is the ingestion-path entry point: run the enabled sync
// rules inline and enqueue one PENDING row per applicable async rule. The
// sync findings come back immediately; async outcomes land in the store
// once the worker resolves them. Enqueue failures are collected per rule
// and do not suppress the findings.
func ProcessRecord(ctx context.Context, record *models.EntitlementRecord, cfg RuleConfig, enqueuer AsyncEnqueuer) ([]Finding, []models.AsyncValidationResult, error) {
	findings := Evaluate(record, cfg)

	var enqueued []models.AsyncValidationResult
	var firstErr error
	for _, rule := range ApplicableAsyncRules(record, cfg) {
		row, err := enqueuer.EnqueueAsyncValidation(ctx, record, string(rule.ID), rule.Name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		enqueued = append(enqueued, *row)
	}
	return findings, enqueued, firstErr
}
