package validation

import (
	"encoding/json"

	"bitbucket.org/mmdatafocus/entitlements_backend/utils"
)

// RuleID is the closed set of validation rules. Dispatch is a switch over
// these constants, not a string lookup table.
type RuleID string

const (
	RuleQuantity                      RuleID = "entitlement-quantity"
	RuleModelCount                    RuleID = "model-entitlement-count"
	RuleDateOverlap                   RuleID = "entitlement-date-overlap"
	RuleDateGap                       RuleID = "entitlement-date-gap"
	RulePackageNameRequired           RuleID = "package-name-required"
	RuleDeprovisionActiveEntitlements RuleID = "deprovision-active-entitlements"
)

type RuleKind string

const (
	RuleKindSync          RuleKind = "sync"
	RuleKindAsyncExternal RuleKind = "async_external"
)

type Rule struct {
	ID       RuleID   `json:"id"`
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Kind     RuleKind `json:"kind"`
}

// Catalog is the immutable rule catalog. Enabled/disabled is not part of
// the catalog; it arrives per evaluation call as a RuleConfig.
func Catalog() []Rule {
	return []Rule{
		{ID: RuleQuantity, Name: "App entitlement quantity", Category: "entitlement", Kind: RuleKindSync},
		{ID: RuleModelCount, Name: "Model entitlement count", Category: "entitlement", Kind: RuleKindSync},
		{ID: RuleDateOverlap, Name: "Entitlement date overlap", Category: "dates", Kind: RuleKindSync},
		{ID: RuleDateGap, Name: "Entitlement date gap", Category: "dates", Kind: RuleKindSync},
		{ID: RulePackageNameRequired, Name: "Package name required", Category: "entitlement", Kind: RuleKindSync},
		{ID: RuleDeprovisionActiveEntitlements, Name: "Deprovision with active entitlements", Category: "provisioning", Kind: RuleKindAsyncExternal},
	}
}

// RuleByID returns the catalog entry, or ok=false for unknown ids.
func RuleByID(id RuleID) (Rule, bool) {
	for _, rule := range Catalog() {
		if rule.ID == id {
			return rule, true
		}
	}
	return Rule{}, false
}

// RuleConfig is the enabled-rule toggle set supplied by the caller per
// evaluation. Rules absent from the map are enabled; an explicit false
// removes the rule from evaluation entirely (no finding).
type RuleConfig struct {
	Enabled map[RuleID]bool `json:"enabled"`
}

func DefaultRuleConfig() RuleConfig {
	return RuleConfig{}
}

func (c RuleConfig) IsEnabled(id RuleID) bool {
	if c.Enabled == nil {
		return true
	}
	enabled, ok := c.Enabled[id]
	if !ok {
		return true
	}
	return enabled
}

// DecodeRuleConfig parses a stored toggle set; malformed or empty input
// falls back to all rules enabled.
func DecodeRuleConfig(raw []byte) RuleConfig {
	if len(raw) == 0 {
		return DefaultRuleConfig()
	}
	var cfg RuleConfig
	if err := utils.UnmarshalFromJSON(raw, &cfg); err != nil {
		return DefaultRuleConfig()
	}
	return cfg
}

func EncodeRuleConfig(cfg RuleConfig) []byte {
	b, _ := json.Marshal(cfg)
	return b
}
