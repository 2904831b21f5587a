package validation

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/entitlements_backend/models"
)

func TestBuildRecordSummary(t *testing.T) {
	findings := []Finding{
		{RuleId: RuleQuantity, Status: FindingStatusPass},
		{RuleId: RuleDateOverlap, Status: FindingStatusFail},
	}
	asyncRows := []models.AsyncValidationResult{
		{RuleId: string(RuleDeprovisionActiveEntitlements), Status: models.AsyncValidationStatusWarning},
	}

	summary := BuildRecordSummary("REC-1", findings, asyncRows)
	if summary.Valid {
		t.Fatalf("a FAIL finding must flag the record invalid")
	}
	if !summary.Complete {
		t.Fatalf("terminal async rows leave the record complete")
	}
	if summary.Failures != 1 || summary.Warnings != 1 {
		t.Fatalf("got failures=%d warnings=%d", summary.Failures, summary.Warnings)
	}
}

func TestBuildRecordSummaryIncomplete(t *testing.T) {
	for _, status := range []string{models.AsyncValidationStatusPending, models.AsyncValidationStatusError} {
		summary := BuildRecordSummary("REC-1", nil, []models.AsyncValidationResult{{Status: status}})
		if summary.Complete {
			t.Fatalf("status %s must surface as validation incomplete", status)
		}
		if !summary.Valid {
			t.Fatalf("status %s alone must not flag the record invalid", status)
		}
	}
}

func TestBuildRecordSummaryAllPass(t *testing.T) {
	summary := BuildRecordSummary("REC-1",
		[]Finding{{RuleId: RuleQuantity, Status: FindingStatusPass}},
		[]models.AsyncValidationResult{{Status: models.AsyncValidationStatusPass}})
	if !summary.Valid || !summary.Complete {
		t.Fatalf("all-pass record must be valid and complete: %+v", summary)
	}
}

func TestApplicableAsyncRules(t *testing.T) {
	deprovision := &models.EntitlementRecord{
		ID:             "REC-1",
		RequestType:    models.RequestTypeDeprovision,
		LastModifiedAt: time.Now(),
	}
	rules := ApplicableAsyncRules(deprovision, DefaultRuleConfig())
	if len(rules) != 1 || rules[0].ID != RuleDeprovisionActiveEntitlements {
		t.Fatalf("deprovision record must get the deprovision rule, got %+v", rules)
	}

	provision := &models.EntitlementRecord{ID: "REC-2", RequestType: models.RequestTypeProvision}
	if rules := ApplicableAsyncRules(provision, DefaultRuleConfig()); len(rules) != 0 {
		t.Fatalf("provision record must get no async rules, got %+v", rules)
	}

	disabled := RuleConfig{Enabled: map[RuleID]bool{RuleDeprovisionActiveEntitlements: false}}
	if rules := ApplicableAsyncRules(deprovision, disabled); len(rules) != 0 {
		t.Fatalf("disabled rule must not be enqueued, got %+v", rules)
	}
}

func TestDecodeRuleConfig(t *testing.T) {
	cfg := DecodeRuleConfig(nil)
	if !cfg.IsEnabled(RuleQuantity) {
		t.Fatalf("empty config must enable everything")
	}

	cfg = DecodeRuleConfig([]byte(`{"enabled":{"entitlement-quantity":false}}`))
	if cfg.IsEnabled(RuleQuantity) {
		t.Fatalf("explicit false must disable the rule")
	}
	if !cfg.IsEnabled(RuleDateGap) {
		t.Fatalf("rules absent from the map stay enabled")
	}

	cfg = DecodeRuleConfig([]byte(`not json`))
	if !cfg.IsEnabled(RuleQuantity) {
		t.Fatalf("malformed config must fall back to all enabled")
	}
}
