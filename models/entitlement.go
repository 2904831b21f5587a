package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const (
	EntitlementCategoryApp   = "app"
	EntitlementCategoryModel = "model"
	EntitlementCategoryData  = "data"
)

const (
	RequestTypeProvision   = "Provision"
	RequestTypeUpdate      = "Update"
	RequestTypeDeprovision = "Deprovision"
)

// EntitlementLine is one product entitlement inside a record. Lines that
// arrive structurally broken (missing product code, unparseable dates) are
// kept with Invalid set so a single bad line never blocks the rest of the
// record.
type EntitlementLine struct {
	ProductCode   string          `json:"product_code"`
	PackageName   string          `json:"package_name"`
	Category      string          `json:"category"`
	Quantity      decimal.Decimal `json:"quantity"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       time.Time       `json:"end_date"`
	Invalid       bool            `json:"invalid"`
	InvalidReason string          `json:"invalid_reason,omitempty"`
}

// EntitlementRecord is the unit of validation: one upstream CRM request and
// its entitlement lines. The record is read-only input owned by the sync
// collaborator.
type EntitlementRecord struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	AccountName    string            `json:"account_name"`
	TenantId       string            `json:"tenant_id"`
	TenantName     string            `json:"tenant_name"`
	RequestType    string            `json:"request_type"`
	LastModifiedAt time.Time         `json:"last_modified_at"`
	Lines          []EntitlementLine `json:"lines"`
}

// Fingerprint identifies the record content for re-enqueue suppression.
// The CRM sync maintains LastModifiedAt on every change, so the timestamp
// stands in for a content hash.
func (r *EntitlementRecord) Fingerprint() string {
	if r.LastModifiedAt.IsZero() {
		return ""
	}
	return r.LastModifiedAt.UTC().Format(time.RFC3339)
}

func (r *EntitlementRecord) LinesByCategory(category string) []EntitlementLine {
	var out []EntitlementLine
	for _, line := range r.Lines {
		if line.Category == category {
			out = append(out, line)
		}
	}
	return out
}

type entitlementItemPayload struct {
	ProductCode string      `json:"productCode"`
	PackageName string      `json:"packageName"`
	Quantity    json.Number `json:"quantity"`
	StartDate   string      `json:"startDate"`
	EndDate     string      `json:"endDate"`
}

type entitlementRecordPayload struct {
	RecordId          string                   `json:"recordId" validate:"required"`
	RecordName        string                   `json:"recordName"`
	AccountName       string                   `json:"accountName"`
	TenantId          string                   `json:"tenantId"`
	TenantName        string                   `json:"tenantName"`
	RequestType       string                   `json:"requestType"`
	LastModifiedAt    string                   `json:"lastModifiedAt" validate:"required"`
	AppEntitlements   []entitlementItemPayload `json:"appEntitlements"`
	ModelEntitlements []entitlementItemPayload `json:"modelEntitlements"`
	DataEntitlements  []entitlementItemPayload `json:"dataEntitlements"`
}

var validate = validator.New()

// DecodeEntitlementRecord parses the CRM payload into an EntitlementRecord.
// Envelope-level problems (missing record id) are errors; line-level
// problems mark the individual line Invalid.
func DecodeEntitlementRecord(raw []byte) (*EntitlementRecord, error) {
	var payload entitlementRecordPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if err := validate.Struct(payload); err != nil {
		return nil, err
	}

	record := &EntitlementRecord{
		ID:          strings.TrimSpace(payload.RecordId),
		Name:        strings.TrimSpace(payload.RecordName),
		AccountName: strings.TrimSpace(payload.AccountName),
		TenantId:    strings.TrimSpace(payload.TenantId),
		TenantName:  strings.TrimSpace(payload.TenantName),
		RequestType: strings.TrimSpace(payload.RequestType),
	}

	lastModified, ok := parseEntitlementDate(payload.LastModifiedAt)
	if !ok {
		return nil, fmt.Errorf("invalid lastModifiedAt %q", payload.LastModifiedAt)
	}
	record.LastModifiedAt = lastModified

	for _, item := range payload.AppEntitlements {
		record.Lines = append(record.Lines, convertEntitlementItem(item, EntitlementCategoryApp))
	}
	for _, item := range payload.ModelEntitlements {
		record.Lines = append(record.Lines, convertEntitlementItem(item, EntitlementCategoryModel))
	}
	for _, item := range payload.DataEntitlements {
		record.Lines = append(record.Lines, convertEntitlementItem(item, EntitlementCategoryData))
	}

	return record, nil
}

func convertEntitlementItem(item entitlementItemPayload, category string) EntitlementLine {
	line := EntitlementLine{
		ProductCode: strings.TrimSpace(item.ProductCode),
		PackageName: strings.TrimSpace(item.PackageName),
		Category:    category,
		Quantity:    decimalFromNumber(item.Quantity),
	}

	if line.ProductCode == "" {
		line.Invalid = true
		line.InvalidReason = "product code missing"
		return line
	}

	start, startOk := parseEntitlementDate(item.StartDate)
	end, endOk := parseEntitlementDate(item.EndDate)
	if !startOk || !endOk {
		line.Invalid = true
		line.InvalidReason = fmt.Sprintf("invalid dates start=%q end=%q", item.StartDate, item.EndDate)
		return line
	}
	if start.After(end) {
		line.Invalid = true
		line.InvalidReason = fmt.Sprintf("start date %s after end date %s",
			start.Format("2006-01-02"), end.Format("2006-01-02"))
		return line
	}

	line.StartDate = start
	line.EndDate = end
	return line
}

func parseEntitlementDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}
