package validation

import "testing"

func TestRuleCatalogClosedSet(t *testing.T) {
	for _, rule := range Catalog() {
		got, ok := RuleByID(rule.ID)
		if !ok {
			t.Fatalf("catalog rule %s not resolvable by id", rule.ID)
		}
		if got.Name != rule.Name || got.Kind != rule.Kind {
			t.Fatalf("RuleByID(%s) returned a different entry: %+v", rule.ID, got)
		}
	}

	if _, ok := RuleByID("no-such-rule"); ok {
		t.Fatalf("unknown rule id resolved")
	}
}

func TestRuleConfigEncodeDecode(t *testing.T) {
	cfg := RuleConfig{Enabled: map[RuleID]bool{RuleDateGap: false}}

	decoded := DecodeRuleConfig(EncodeRuleConfig(cfg))
	if decoded.IsEnabled(RuleDateGap) {
		t.Fatalf("disabled rule re-enabled after encode/decode")
	}
	if !decoded.IsEnabled(RuleQuantity) {
		t.Fatalf("rule absent from the toggle set must stay enabled")
	}
}
