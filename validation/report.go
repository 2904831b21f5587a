package validation

import "bitbucket.org/mmdatafocus/entitlements_backend/models"

// RecordSummary merges synchronous findings with persisted async rows for
// one record. Valid means no FAIL anywhere; Complete means no async rule is
// still PENDING or stuck in ERROR. An incomplete record must surface as
// "validation incomplete", never as a pass or fail.
type RecordSummary struct {
	RecordId     string                         `json:"record_id"`
	Valid        bool                           `json:"valid"`
	Complete     bool                           `json:"complete"`
	Failures     int                            `json:"failures"`
	Warnings     int                            `json:"warnings"`
	Findings     []Finding                      `json:"findings"`
	AsyncResults []models.AsyncValidationResult `json:"async_results"`
}

func BuildRecordSummary(recordId string, findings []Finding, asyncRows []models.AsyncValidationResult) RecordSummary {
	summary := RecordSummary{
		RecordId:     recordId,
		Valid:        true,
		Complete:     true,
		Findings:     findings,
		AsyncResults: asyncRows,
	}

	for _, finding := range findings {
		switch finding.Status {
		case FindingStatusFail:
			summary.Valid = false
			summary.Failures++
		case FindingStatusWarning:
			summary.Warnings++
		}
	}

	for _, row := range asyncRows {
		switch row.Status {
		case models.AsyncValidationStatusFail:
			summary.Valid = false
			summary.Failures++
		case models.AsyncValidationStatusWarning:
			summary.Warnings++
		case models.AsyncValidationStatusPending, models.AsyncValidationStatusError:
			summary.Complete = false
		}
	}

	return summary
}

// ApplicableAsyncRules returns the enabled async rules that apply to the
// record; the ingestion path enqueues one row per returned rule.
func ApplicableAsyncRules(record *models.EntitlementRecord, cfg RuleConfig) []Rule {
	if record == nil {
		return nil
	}
	var rules []Rule
	for _, rule := range Catalog() {
		if rule.Kind != RuleKindAsyncExternal || !cfg.IsEnabled(rule.ID) {
			continue
		}
		switch rule.ID {
		case RuleDeprovisionActiveEntitlements:
			if record.RequestType == models.RequestTypeDeprovision {
				rules = append(rules, rule)
			}
		}
	}
	return rules
}
