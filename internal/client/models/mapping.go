package models

// ProductEntitlementMapping maps store product identifiers to the
// entitlements they unlock. Keys are product ids, or "product:basePlan"
// for subscriptions with base plans.
type ProductEntitlementMapping struct {
	Mappings map[string]EntitlementMapping `json:"product_entitlement_mapping"`
}

// EntitlementMapping is one product's entry.
type EntitlementMapping struct {
	ProductIdentifier string   `json:"product_identifier"`
	BasePlanID        string   `json:"base_plan_id,omitempty"`
	Entitlements      []string `json:"entitlements"`
}

// Lookup finds the mapping for productID, preferring the "product:basePlan"
// key when basePlanID is set.
func (m *ProductEntitlementMapping) Lookup(productID, basePlanID string) (EntitlementMapping, bool) {
	if m == nil {
		return EntitlementMapping{}, false
	}
	if basePlanID != "" {
		if e, ok := m.Mappings[productID+":"+basePlanID]; ok {
			return e, true
		}
	}
	e, ok := m.Mappings[productID]
	return e, ok
}
