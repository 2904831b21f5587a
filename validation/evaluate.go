package validation

import (
	"fmt"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/entitlements_backend/models"
	"github.com/shopspring/decimal"
)

type FindingStatus string

const (
	FindingStatusPass    FindingStatus = "PASS"
	FindingStatusFail    FindingStatus = "FAIL"
	FindingStatusWarning FindingStatus = "WARNING"
)

// Finding is one rule outcome for one record. Findings are data, never
// errors; the caller decides whether to persist them.
type Finding struct {
	RuleId   RuleID        `json:"rule_id"`
	RuleName string        `json:"rule_name"`
	RecordId string        `json:"record_id"`
	Status   FindingStatus `json:"status"`
	Message  string        `json:"message"`
	Details  []string      `json:"details,omitempty"`
}

// ModelEntitlementLimit is the model-category count ceiling.
const ModelEntitlementLimit = 100

// QuantityExemptProductCodes always pass the quantity rule regardless of
// the requested quantity.
var QuantityExemptProductCodes = map[string]bool{
	"IC-DATABRIDGE": true,
}

// PackageNameExemptProductCodes may ship without a package name.
var PackageNameExemptProductCodes = map[string]bool{
	"IC-DATABRIDGE":    true,
	"IC-LEGACY-BRIDGE": true,
}

var quantityOne = decimal.NewFromInt(1)

// Evaluate runs every enabled synchronous rule against the record.
// Disabled rules produce no finding. Evaluation is a pure function of
// (record, cfg); the record is never mutated.
func Evaluate(record *models.EntitlementRecord, cfg RuleConfig) []Finding {
	if record == nil {
		return nil
	}

	var findings []Finding
	for _, rule := range Catalog() {
		if rule.Kind != RuleKindSync || !cfg.IsEnabled(rule.ID) {
			continue
		}
		switch rule.ID {
		case RuleQuantity:
			findings = append(findings, checkQuantity(record, rule))
		case RuleModelCount:
			findings = append(findings, checkModelCount(record, rule))
		case RuleDateOverlap:
			findings = append(findings, checkDateOverlap(record, rule))
		case RuleDateGap:
			findings = append(findings, checkDateGap(record, rule))
		case RulePackageNameRequired:
			findings = append(findings, checkPackageName(record, rule))
		case RuleDeprovisionActiveEntitlements:
			// async rule, resolved by the worker
		}
	}
	return findings
}

// checkQuantity: app entitlements must request quantity 1, except the
// exempt product codes.
func checkQuantity(record *models.EntitlementRecord, rule Rule) Finding {
	var details []string
	for _, line := range record.LinesByCategory(models.EntitlementCategoryApp) {
		if line.ProductCode == "" {
			details = append(details, "entitlement without product code cannot be checked: "+line.InvalidReason)
			continue
		}
		if QuantityExemptProductCodes[line.ProductCode] {
			continue
		}
		if !line.Quantity.Equal(quantityOne) {
			details = append(details, fmt.Sprintf("%s: quantity %s, expected 1",
				line.ProductCode, line.Quantity.String()))
		}
	}
	return buildFinding(record, rule, details,
		"all app entitlement quantities are 1",
		"app entitlements with quantity other than 1")
}

// checkModelCount: the model-category entitlement count must not exceed
// the fixed limit.
func checkModelCount(record *models.EntitlementRecord, rule Rule) Finding {
	count := len(record.LinesByCategory(models.EntitlementCategoryModel))
	if count > ModelEntitlementLimit {
		return Finding{
			RuleId:   rule.ID,
			RuleName: rule.Name,
			RecordId: record.ID,
			Status:   FindingStatusFail,
			Message:  fmt.Sprintf("%d model entitlements exceed the limit of %d", count, ModelEntitlementLimit),
		}
	}
	return Finding{
		RuleId:   rule.ID,
		RuleName: rule.Name,
		RecordId: record.ID,
		Status:   FindingStatusPass,
		Message:  fmt.Sprintf("%d model entitlements within the limit of %d", count, ModelEntitlementLimit),
	}
}

func checkDateOverlap(record *models.EntitlementRecord, rule Rule) Finding {
	ranges, details := datedRangesByProduct(record)

	for _, productCode := range sortedKeys(ranges) {
		for _, pair := range FindOverlaps(productCode, ranges[productCode]) {
			details = append(details, fmt.Sprintf("%s: %s overlaps %s",
				pair.ProductCode, pair.A.Format(), pair.B.Format()))
		}
	}
	return buildFinding(record, rule, details,
		"no overlapping entitlement date ranges",
		"overlapping entitlement date ranges")
}

func checkDateGap(record *models.EntitlementRecord, rule Rule) Finding {
	ranges, details := datedRangesByProduct(record)

	for _, productCode := range sortedKeys(ranges) {
		for _, gap := range FindGaps(productCode, ranges[productCode]) {
			details = append(details, fmt.Sprintf("%s: coverage gap between %s and %s",
				gap.ProductCode,
				gap.PreviousEnd.Format("2006-01-02"),
				gap.NextStart.Format("2006-01-02")))
		}
	}
	return buildFinding(record, rule, details,
		"entitlement date ranges are contiguous",
		"gaps between entitlement date ranges")
}

// checkPackageName: app entitlements need a package name, except the
// exempt product codes.
func checkPackageName(record *models.EntitlementRecord, rule Rule) Finding {
	var details []string
	for _, line := range record.LinesByCategory(models.EntitlementCategoryApp) {
		if line.ProductCode == "" {
			details = append(details, "entitlement without product code cannot be checked: "+line.InvalidReason)
			continue
		}
		if PackageNameExemptProductCodes[line.ProductCode] {
			continue
		}
		if strings.TrimSpace(line.PackageName) == "" {
			details = append(details, line.ProductCode+": package name missing")
		}
	}
	return buildFinding(record, rule, details,
		"all app entitlements carry a package name",
		"app entitlements without package name")
}

// datedRangesByProduct groups valid date ranges by product code. Malformed
// lines are returned as fail-closed diagnostics instead of aborting the
// record.
func datedRangesByProduct(record *models.EntitlementRecord) (map[string][]DateRange, []string) {
	ranges := make(map[string][]DateRange)
	var malformed []string
	for _, line := range record.Lines {
		if line.Invalid {
			label := line.ProductCode
			if label == "" {
				label = "(no product code)"
			}
			malformed = append(malformed, label+": "+line.InvalidReason)
			continue
		}
		ranges[line.ProductCode] = append(ranges[line.ProductCode],
			DateRange{Start: line.StartDate, End: line.EndDate})
	}
	return ranges, malformed
}

func sortedKeys(m map[string][]DateRange) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func buildFinding(record *models.EntitlementRecord, rule Rule, details []string, passMessage string, failMessage string) Finding {
	finding := Finding{
		RuleId:   rule.ID,
		RuleName: rule.Name,
		RecordId: record.ID,
		Details:  details,
	}
	if len(details) == 0 {
		finding.Status = FindingStatusPass
		finding.Message = passMessage
	} else {
		finding.Status = FindingStatusFail
		finding.Message = fmt.Sprintf("%s (%d)", failMessage, len(details))
	}
	return finding
}
