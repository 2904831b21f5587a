package smlcheck

import (
	"context"
	"strings"
	"time"
)

// TenantEntitlement is one live entitlement reported by the SML tenant
// management API.
type TenantEntitlement struct {
	ProductCode string `json:"productCode"`
	PackageName string `json:"packageName"`
	EndDate     string `json:"endDate"`
}

// EndsAfter reports whether the entitlement is still active at the given
// instant. Entitlements with no parseable end date count as active; the
// deprovision rule must not silently pass on bad upstream data.
func (e TenantEntitlement) EndsAfter(now time.Time) bool {
	value := strings.TrimSpace(e.EndDate)
	if value == "" {
		return true
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.After(now)
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.After(now)
	}
	return true
}

// EntitlementLookup is the external active-entitlements call the worker
// depends on. The HTTP client implements it; tests inject fakes.
type EntitlementLookup interface {
	ActiveEntitlements(ctx context.Context, tenantId string) ([]TenantEntitlement, error)
}

// LookupSnapshot is the structured external-lookup state persisted with an
// async outcome, so a reviewer can see what the worker saw.
type LookupSnapshot struct {
	TenantId                string              `json:"tenant_id"`
	ActiveEntitlementsCount int                 `json:"active_entitlements_count"`
	ActiveEntitlements      []TenantEntitlement `json:"active_entitlements,omitempty"`
	CheckedAt               time.Time           `json:"checked_at"`
}

// RunResponse is the manual-trigger payload returned by the service.
type RunResponse struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}
