package models_test

import (
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/entitlements_backend/models"
)

func TestDecodeEntitlementRecord(t *testing.T) {
	raw := []byte(`{
		"recordId": "a1B2c3",
		"recordName": "ER-0042",
		"accountName": "Globex",
		"tenantId": "tenant-7",
		"tenantName": "Globex Prod",
		"requestType": "Provision",
		"lastModifiedAt": "2025-05-20T10:30:00Z",
		"appEntitlements": [
			{"productCode": "IC-STUDIO", "packageName": "Studio", "quantity": 1, "startDate": "2025-01-01", "endDate": "2025-12-31"}
		],
		"modelEntitlements": [
			{"productCode": "IC-MODEL-A", "quantity": 3, "startDate": "2025-01-01", "endDate": "2025-06-30"}
		],
		"dataEntitlements": [
			{"productCode": "IC-DATA-X", "quantity": 2.5, "startDate": "2025-01-01", "endDate": "2025-12-31"}
		]
	}`)

	record, err := models.DecodeEntitlementRecord(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.ID != "a1B2c3" || record.TenantId != "tenant-7" || record.RequestType != "Provision" {
		t.Fatalf("envelope fields wrong: %+v", record)
	}
	if len(record.Lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(record.Lines))
	}

	app := record.LinesByCategory(models.EntitlementCategoryApp)
	if len(app) != 1 || app[0].ProductCode != "IC-STUDIO" {
		t.Fatalf("app lines wrong: %+v", app)
	}
	if app[0].Quantity.String() != "1" {
		t.Fatalf("app quantity wrong: %s", app[0].Quantity)
	}
	if got := record.LinesByCategory(models.EntitlementCategoryModel); len(got) != 1 || got[0].ProductCode != "IC-MODEL-A" {
		t.Fatalf("model lines wrong: %+v", got)
	}
	data := record.LinesByCategory(models.EntitlementCategoryData)
	if len(data) != 1 || data[0].Quantity.String() != "2.5" {
		t.Fatalf("data lines wrong: %+v", data)
	}
	for _, line := range record.Lines {
		if line.Invalid {
			t.Fatalf("unexpected invalid line: %+v", line)
		}
	}
}

func TestDecodeEntitlementRecordMissingRecordId(t *testing.T) {
	raw := []byte(`{"recordName": "ER-0042", "lastModifiedAt": "2025-05-20T10:30:00Z"}`)
	if _, err := models.DecodeEntitlementRecord(raw); err == nil {
		t.Fatalf("expected error for missing recordId")
	}
}

func TestDecodeEntitlementRecordBadLastModified(t *testing.T) {
	raw := []byte(`{"recordId": "a1", "lastModifiedAt": "yesterday"}`)
	_, err := models.DecodeEntitlementRecord(raw)
	if err == nil || !strings.Contains(err.Error(), "lastModifiedAt") {
		t.Fatalf("expected lastModifiedAt error, got %v", err)
	}
}

func TestDecodeEntitlementRecordMarksInvalidLines(t *testing.T) {
	raw := []byte(`{
		"recordId": "a1",
		"lastModifiedAt": "2025-05-20",
		"appEntitlements": [
			{"productCode": "", "quantity": 1, "startDate": "2025-01-01", "endDate": "2025-12-31"},
			{"productCode": "IC-BAD-DATES", "quantity": 1, "startDate": "sometime", "endDate": "2025-12-31"},
			{"productCode": "IC-REVERSED", "quantity": 1, "startDate": "2025-12-31", "endDate": "2025-01-01"},
			{"productCode": "IC-OK", "quantity": 1, "startDate": "2025-01-01", "endDate": "2025-12-31"}
		]
	}`)

	record, err := models.DecodeEntitlementRecord(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(record.Lines) != 4 {
		t.Fatalf("expected all 4 lines kept, got %d", len(record.Lines))
	}

	cases := []struct {
		invalid bool
		reason  string
	}{
		{true, "product code missing"},
		{true, "invalid dates"},
		{true, "after end date"},
		{false, ""},
	}
	for i, want := range cases {
		line := record.Lines[i]
		if line.Invalid != want.invalid {
			t.Fatalf("line %d: invalid=%v, want %v (%s)", i, line.Invalid, want.invalid, line.InvalidReason)
		}
		if want.reason != "" && !strings.Contains(line.InvalidReason, want.reason) {
			t.Fatalf("line %d: reason %q does not mention %q", i, line.InvalidReason, want.reason)
		}
	}
}

func TestFingerprint(t *testing.T) {
	record := &models.EntitlementRecord{
		LastModifiedAt: time.Date(2025, 5, 20, 10, 30, 0, 0, time.FixedZone("MMT", 6*3600+1800)),
	}
	if got := record.Fingerprint(); got != "2025-05-20T04:00:00Z" {
		t.Fatalf("fingerprint %q", got)
	}

	var empty models.EntitlementRecord
	if got := empty.Fingerprint(); got != "" {
		t.Fatalf("zero record fingerprint should be empty, got %q", got)
	}
}
